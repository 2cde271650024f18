package storage_test

import (
	"context"
	"io"
	"testing"
	"time"

	"modbridge/backend/internal/models"
	"modbridge/backend/internal/storage"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// newService opens a migrated store on an in-memory SQLite database. Row
// locks are dropped by the SQLite dialect; everything else runs the same
// statements as on PostgreSQL.
func newService(t *testing.T) *storage.Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Discard,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection keeps every statement on the same in-memory database.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)
	svc := storage.NewStorageService(db, nil, log)
	require.NoError(t, svc.Migrate())
	return svc
}

func TestService_CommitMarkerInsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	stored, err := s.CommitMarker(ctx, &models.ProcessedReport{
		ReportID: "42", Stream: "local", Kind: models.MarkerRetry, Attempts: 1, Snapshot: `{"id":"42"}`, ProcessedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = s.CommitMarker(ctx, &models.ProcessedReport{
		ReportID: "42", Stream: "local", Kind: models.MarkerActioned, Actions: []string{"warn", "silence"}, ProcessedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, stored, "a retry marker is replaced by the final marker")

	stored, err = s.CommitMarker(ctx, &models.ProcessedReport{
		ReportID: "42", Stream: "forwarded", Kind: models.MarkerPermanentFailure, ProcessedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, stored, "a final marker is never overwritten")

	m, err := s.GetMarker(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, models.MarkerActioned, m.Kind)
	assert.Equal(t, "local", m.Stream)
	assert.Equal(t, []string{"warn", "silence"}, []string(m.Actions))

	missing, err := s.GetMarker(ctx, "43")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestService_ListRetryMarkersOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := newService(t)
	now := time.Now()
	for _, m := range []*models.ProcessedReport{
		{ReportID: "b", Stream: "local", Kind: models.MarkerRetry, ProcessedAt: now},
		{ReportID: "a", Stream: "local", Kind: models.MarkerRetry, ProcessedAt: now.Add(-time.Minute)},
		{ReportID: "c", Stream: "local", Kind: models.MarkerActioned, ProcessedAt: now},
	} {
		_, err := s.CommitMarker(ctx, m)
		require.NoError(t, err)
	}

	markers, err := s.ListRetryMarkers(ctx, 10)

	require.NoError(t, err)
	require.Len(t, markers, 2)
	assert.Equal(t, "a", markers[0].ReportID)
	assert.Equal(t, "b", markers[1].ReportID)
}

func TestService_AdvanceCursorNeverRewinds(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	cur, err := s.GetCursor(ctx, "local")
	require.NoError(t, err)
	assert.Empty(t, cur)

	got, err := s.AdvanceCursor(ctx, "local", "9k42")
	require.NoError(t, err)
	assert.Equal(t, "9k42", got)

	got, err = s.AdvanceCursor(ctx, "local", "9k41")
	require.NoError(t, err)
	assert.Equal(t, "9k42", got)

	got, err = s.AdvanceCursor(ctx, "local", "9k420")
	require.NoError(t, err)
	assert.Equal(t, "9k420", got, "a longer id is newer")

	require.NoError(t, s.ResetCursor(ctx, "local", "10"))
	require.NoError(t, s.ResetCursor(ctx, "forwarded", "7"))
	cursors, err := s.ListCursors(ctx)
	require.NoError(t, err)
	require.Len(t, cursors, 2)
	assert.Equal(t, "forwarded", cursors[0].Stream)
	assert.Equal(t, "10", cursors[1].LastSeenID)
}

func TestService_CreateLinkTranslatesDuplicates(t *testing.T) {
	ctx := context.Background()
	s := newService(t)
	require.NoError(t, s.CreateLink(ctx, &models.IdentityLink{ChatUserID: "c1", PlatformUserID: "p1", LinkedAt: time.Now(), Verified: true}))

	assert.ErrorIs(t, s.CreateLink(ctx, &models.IdentityLink{ChatUserID: "c1", PlatformUserID: "p2", Verified: true}), storage.ErrDuplicate)
	assert.ErrorIs(t, s.CreateLink(ctx, &models.IdentityLink{ChatUserID: "c2", PlatformUserID: "p1", Verified: true}), storage.ErrDuplicate)
	require.NoError(t, s.CreateLink(ctx, &models.IdentityLink{ChatUserID: "c3", PlatformUserID: "p1"}),
		"uniqueness only binds verified links")

	link, err := s.FindLinkByPlatformUser(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, "c1", link.ChatUserID)

	deleted, err := s.DeleteLinkByChatUser(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, deleted)
	require.NoError(t, s.CreateLink(ctx, &models.IdentityLink{ChatUserID: "c2", PlatformUserID: "p1", Verified: true}),
		"an unlinked account can be linked again")

	links, err := s.ListVerifiedLinks(ctx)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "c2", links[0].ChatUserID)
}

func TestService_RecordWarningCountsEachReportOnce(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	n, err := s.RecordWarning(ctx, "u1", "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.RecordWarning(ctx, "u1", "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.RecordWarning(ctx, "u1", "r2")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.SetAccountStatus(ctx, "u1", models.AccountStatusSilenced))
	u, err := s.GetPlatformUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, models.AccountStatusSilenced, u.AccountStatus)
	assert.Zero(t, u.WarningCount)

	require.NoError(t, s.SetAccountStatus(ctx, "u2", models.AccountStatusSilenced))
	u, err = s.GetPlatformUser(ctx, "u2")
	require.NoError(t, err)
	require.NotNil(t, u, "status is recorded for accounts never warned")
}

func TestService_PublishEventWithoutRedisIsNoop(t *testing.T) {
	s := newService(t)
	assert.NoError(t, s.PublishEvent(context.Background(), models.ModerationEvent{ReportID: "42"}))
}
