package storage_test

import (
	"context"
	"modbridge/backend/internal/models"
	"modbridge/backend/internal/storage"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvanceCursor_NeverRewinds(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()

	got, err := s.AdvanceCursor(ctx, "local", "42")
	require.NoError(t, err)
	assert.Equal(t, "42", got)

	got, err = s.AdvanceCursor(ctx, "local", "41")
	require.NoError(t, err)
	assert.Equal(t, "42", got, "an older id must not move the cursor back")

	require.NoError(t, s.ResetCursor(ctx, "local", "10"))
	cur, _ := s.GetCursor(ctx, "local")
	assert.Equal(t, "10", cur, "operator reset is the only rewind")
}

func TestCommitMarker_InsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()

	retry := &models.ProcessedReport{ReportID: "42", Kind: models.MarkerRetry, Attempts: 1, ProcessedAt: time.Now()}
	stored, err := s.CommitMarker(ctx, retry)
	require.NoError(t, err)
	assert.True(t, stored)

	final := &models.ProcessedReport{ReportID: "42", Kind: models.MarkerActioned, Actions: []string{"silence"}}
	stored, err = s.CommitMarker(ctx, final)
	require.NoError(t, err)
	assert.True(t, stored, "a retry marker is replaced by the final marker")

	again := &models.ProcessedReport{ReportID: "42", Kind: models.MarkerPermanentFailure}
	stored, err = s.CommitMarker(ctx, again)
	require.NoError(t, err)
	assert.False(t, stored, "a final marker is never overwritten")

	m, err := s.GetMarker(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, models.MarkerActioned, m.Kind)
	assert.Equal(t, []string{"silence"}, []string(m.Actions))
}

func TestListRetryMarkers_OldestFirst(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	now := time.Now()
	_, _ = s.CommitMarker(ctx, &models.ProcessedReport{ReportID: "b", Kind: models.MarkerRetry, ProcessedAt: now})
	_, _ = s.CommitMarker(ctx, &models.ProcessedReport{ReportID: "a", Kind: models.MarkerRetry, ProcessedAt: now.Add(-time.Minute)})
	_, _ = s.CommitMarker(ctx, &models.ProcessedReport{ReportID: "c", Kind: models.MarkerActioned, ProcessedAt: now})

	markers, err := s.ListRetryMarkers(ctx, 10)

	require.NoError(t, err)
	require.Len(t, markers, 2)
	assert.Equal(t, "a", markers[0].ReportID)
	assert.Equal(t, "b", markers[1].ReportID)
}

func TestCreateLink_UniqueOnBothSides(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	require.NoError(t, s.CreateLink(ctx, &models.IdentityLink{ChatUserID: "c1", PlatformUserID: "p1", Verified: true}))

	assert.ErrorIs(t, s.CreateLink(ctx, &models.IdentityLink{ChatUserID: "c1", PlatformUserID: "p2", Verified: true}), storage.ErrDuplicate)
	assert.ErrorIs(t, s.CreateLink(ctx, &models.IdentityLink{ChatUserID: "c2", PlatformUserID: "p1", Verified: true}), storage.ErrDuplicate)

	link, err := s.FindLinkByPlatformUser(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, "c1", link.ChatUserID)
	assert.NotEmpty(t, link.ID)

	deleted, err := s.DeleteLinkByChatUser(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, deleted)
	deleted, err = s.DeleteLinkByChatUser(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, deleted)
}

func TestWarningCount(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()

	n, _ := s.RecordWarning(ctx, "u1", "r1")
	assert.Equal(t, 1, n)
	n, _ = s.RecordWarning(ctx, "u1", "r1")
	assert.Equal(t, 1, n, "a report is counted once")
	n, _ = s.RecordWarning(ctx, "u1", "r2")
	assert.Equal(t, 2, n)

	require.NoError(t, s.SetAccountStatus(ctx, "u1", models.AccountStatusSilenced))
	u, err := s.GetPlatformUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.AccountStatusSilenced, u.AccountStatus)
	assert.Zero(t, u.WarningCount)
}
