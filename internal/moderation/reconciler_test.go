package moderation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"modbridge/backend/internal/gateway"
	"modbridge/backend/internal/gateway/gatewaytest"
	"modbridge/backend/internal/models"
	"modbridge/backend/internal/moderation"
	"modbridge/backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const stream = "local"

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (a *recordingAlerter) Alert(_ context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, text)
	return nil
}

type fixture struct {
	store    *storage.MemoryStore
	instance *gatewaytest.MockInstance
	chat     *gatewaytest.MockChat
	alerter  *recordingAlerter
}

func newFixture() *fixture {
	return &fixture{
		store:    storage.NewMemoryStore(),
		instance: new(gatewaytest.MockInstance),
		chat:     new(gatewaytest.MockChat),
		alerter:  &recordingAlerter{},
	}
}

func (f *fixture) reconciler(policy moderation.Policy, pageSize int) *moderation.Reconciler {
	return f.reconcilerFor(policy, pageSize, moderation.Stream{Name: stream})
}

func (f *fixture) reconcilerFor(policy moderation.Policy, pageSize int, streams ...moderation.Stream) *moderation.Reconciler {
	return moderation.NewReconciler(moderation.Options{
		Store:    f.store,
		Instance: f.instance,
		Chat:     f.chat,
		Dispatcher: &moderation.Dispatcher{
			Instance: f.instance,
			Chat:     f.chat,
			Host:     "example.social",
			Template: models.WarningTemplate{
				Message: "{targetUser}: {reason}",
				Items:   []models.WarningItem{{Code: "spam", Reason: "Spam is not allowed"}},
			},
		},
		Policy:   policy,
		Streams:  streams,
		PageSize: pageSize,
		Alerter:  f.alerter,
	})
}

func (f *fixture) expectPage(since string, limit int, reports ...models.Report) {
	if reports == nil {
		reports = []models.Report{}
	}
	f.instance.On("ListReports", mock.Anything, gateway.ReportQuery{SinceID: since, Limit: limit}).Return(reports, nil)
}

func (f *fixture) marker(t *testing.T, id string) *models.ProcessedReport {
	t.Helper()
	m, err := f.store.GetMarker(context.Background(), id)
	require.NoError(t, err)
	return m
}

func (f *fixture) cursor(t *testing.T) string {
	t.Helper()
	c, err := f.store.GetCursor(context.Background(), stream)
	require.NoError(t, err)
	return c
}

func report(id, target string) models.Report {
	return models.Report{ID: id, TargetUserID: target, Comment: "spam", CreatedAt: time.Now()}
}

var silenceOnly = moderation.Policy{DefaultActions: []models.ModerationAction{models.ActionSilence}, RetryAttempts: 3}

func TestTick_CrashBeforeCursorDoesNotRepeatActions(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	require.NoError(t, f.store.ResetCursor(ctx, stream, "41"))
	f.expectPage("41", 100, report("42", "u1"))
	f.instance.On("SetSilenced", mock.Anything, "u1", true).Return(nil).Once()
	f.instance.On("ResolveReport", mock.Anything, "42").Return(nil).Once()
	r := f.reconciler(silenceOnly, 0)

	require.NoError(t, r.Tick(ctx))
	assert.Equal(t, "42", f.cursor(t))
	require.NotNil(t, f.marker(t, "42"))
	assert.Equal(t, models.MarkerActioned, f.marker(t, "42").Kind)

	// The cursor write is lost; the marker is not.
	require.NoError(t, f.store.ResetCursor(ctx, stream, "41"))
	require.NoError(t, r.Tick(ctx))

	assert.Equal(t, "42", f.cursor(t))
	f.instance.AssertNumberOfCalls(t, "SetSilenced", 1)
	f.instance.AssertNumberOfCalls(t, "ResolveReport", 1)
	assert.Len(t, f.store.Events(), 1)
}

func TestSyncStream_PaginatesUntilShortPage(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.expectPage("", 2, report("a1", "u1"), report("a2", "u2"))
	f.expectPage("a2", 2, report("a3", "u3"))
	f.instance.On("SetSilenced", mock.Anything, mock.Anything, true).Return(nil)
	f.instance.On("ResolveReport", mock.Anything, mock.Anything).Return(nil)

	err := f.reconciler(silenceOnly, 2).SyncStream(ctx, moderation.Stream{Name: stream})

	require.NoError(t, err)
	assert.Equal(t, "a3", f.cursor(t))
	f.instance.AssertNumberOfCalls(t, "ResolveReport", 3)
}

func TestSyncStream_TransientFailureStopsAtLastHandledReport(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.expectPage("", 100, report("a1", "u1"), report("a2", "u2"), report("a3", "u3"))
	f.instance.On("SetSilenced", mock.Anything, "u1", true).Return(nil)
	f.instance.On("SetSilenced", mock.Anything, "u2", true).Return(gateway.Transient("silence", 503, errors.New("unavailable")))
	f.instance.On("ResolveReport", mock.Anything, "a1").Return(nil)

	err := f.reconciler(silenceOnly, 0).SyncStream(ctx, moderation.Stream{Name: stream})

	require.Error(t, err)
	assert.True(t, gateway.IsTransient(err))
	assert.Equal(t, "a1", f.cursor(t))
	assert.Nil(t, f.marker(t, "a2"))
	f.instance.AssertNotCalled(t, "SetSilenced", mock.Anything, "u3", true)
}

func TestSyncStream_ListFailureKeepsCursor(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	require.NoError(t, f.store.ResetCursor(ctx, stream, "a5"))
	f.instance.On("ListReports", mock.Anything, mock.Anything).Return(nil, gateway.Transient("list", 0, errors.New("timeout")))

	err := f.reconciler(silenceOnly, 0).Tick(ctx)

	require.Error(t, err)
	assert.Equal(t, "a5", f.cursor(t))
}

func TestSyncStream_PermanentFailureIsMarkedAndAlerted(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.expectPage("", 100, report("a1", "gone"), report("a2", "u2"))
	f.instance.On("SetSilenced", mock.Anything, "gone", true).Return(gateway.Permanent("silence", 404, errors.New("no such user")))
	f.instance.On("SetSilenced", mock.Anything, "u2", true).Return(nil)
	f.instance.On("ResolveReport", mock.Anything, "a2").Return(nil)

	require.NoError(t, f.reconciler(silenceOnly, 0).Tick(ctx))

	assert.Equal(t, "a2", f.cursor(t))
	assert.Equal(t, models.MarkerPermanentFailure, f.marker(t, "a1").Kind)
	assert.Equal(t, models.MarkerActioned, f.marker(t, "a2").Kind)
	require.Len(t, f.alerter.alerts, 1)
	assert.Contains(t, f.alerter.alerts[0], "a1")
	f.instance.AssertNotCalled(t, "ResolveReport", mock.Anything, "a1")
}

func TestSyncStream_MalformedAndResolvedReportsHaveNoSideEffects(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	resolved := report("a2", "u2")
	resolved.Resolved = true
	f.expectPage("", 100, models.Report{ID: "a1", Comment: "no target"}, resolved)

	require.NoError(t, f.reconciler(silenceOnly, 0).Tick(ctx))

	assert.Equal(t, models.MarkerMalformedSkip, f.marker(t, "a1").Kind)
	assert.Equal(t, models.MarkerAlreadyResolved, f.marker(t, "a2").Kind)
	assert.Equal(t, "a2", f.cursor(t))
	f.instance.AssertNotCalled(t, "SetSilenced", mock.Anything, mock.Anything, mock.Anything)
	f.instance.AssertNotCalled(t, "ResolveReport", mock.Anything, mock.Anything)
}

func TestHandle_LinkedTargetGetsChatActions(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	require.NoError(t, f.store.CreateLink(ctx, &models.IdentityLink{ChatUserID: "c1", PlatformUserID: "u1", Verified: true}))
	rep := report("a1", "u1")
	rep.TargetUsername = "alice"
	rep.Comment = "see https://example.social/notes/9xyz"
	f.expectPage("", 100, rep)
	f.chat.On("SendDirectMessage", mock.Anything, "c1", "@alice: Spam is not allowed").Return(nil)
	f.chat.On("AddRole", mock.Anything, "c1", "muted").Return(nil)
	f.instance.On("SendDirectMessage", mock.Anything, "u1", "@alice: Spam is not allowed", "9xyz").Return(nil)
	f.instance.On("ResolveReport", mock.Anything, "a1").Return(nil)
	policy := moderation.Policy{
		DefaultActions: []models.ModerationAction{models.ActionWarn},
		LinkedActions:  []models.ModerationAction{models.ActionChatMute},
		MuteRoleID:     "muted",
		RetryAttempts:  3,
	}

	require.NoError(t, f.reconciler(policy, 0).Tick(ctx))

	m := f.marker(t, "a1")
	assert.Equal(t, models.MarkerActioned, m.Kind)
	assert.Equal(t, []string{"warn", "chat-mute"}, []string(m.Actions))
	f.chat.AssertExpectations(t)
	f.instance.AssertExpectations(t)
}

func TestHandle_UnlinkedTargetSkipsChatActions(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.expectPage("", 100, report("a1", "u1"))
	f.instance.On("SetSilenced", mock.Anything, "u1", true).Return(nil)
	f.instance.On("ResolveReport", mock.Anything, "a1").Return(nil)
	policy := moderation.Policy{
		DefaultActions: []models.ModerationAction{models.ActionSilence},
		LinkedActions:  []models.ModerationAction{models.ActionChatMute},
		MuteRoleID:     "muted",
	}

	require.NoError(t, f.reconciler(policy, 0).Tick(ctx))

	assert.Equal(t, []string{"silence"}, []string(f.marker(t, "a1").Actions))
	f.chat.AssertNotCalled(t, "AddRole", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandle_ExcludedChatRoleLeavesReportOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	require.NoError(t, f.store.CreateLink(ctx, &models.IdentityLink{ChatUserID: "c1", PlatformUserID: "u1", Verified: true}))
	rep := report("a1", "u1")
	rep.Comment = "rude reply https://example.social/notes/9xyz"
	f.expectPage("", 100, rep)
	f.chat.On("ListMemberRoles", mock.Anything, "c1").Return([]string{"staff"}, nil)
	policy := silenceOnly
	policy.ExcludeChatRoles = []string{"staff"}

	require.NoError(t, f.reconciler(policy, 0).Tick(ctx))

	assert.Equal(t, models.MarkerExcluded, f.marker(t, "a1").Kind)
	require.Len(t, f.alerter.alerts, 1, "moderators are told about reports left to them")
	assert.Contains(t, f.alerter.alerts[0], "Report a1 on u1 needs review")
	assert.Contains(t, f.alerter.alerts[0], "rude reply")
	assert.Contains(t, f.alerter.alerts[0], "\nhttps://example.social/notes/9xyz")
	f.instance.AssertNotCalled(t, "ResolveReport", mock.Anything, mock.Anything)
	f.instance.AssertNotCalled(t, "SetSilenced", mock.Anything, mock.Anything, mock.Anything)
}

func TestWarning_UndeliveredIsRetriedThenGivenUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	rep := report("a1", "u1")
	f.expectPage("", 100, rep)
	f.instance.On("GetReport", mock.Anything, "a1").Return(&rep, nil)
	f.expectPage("a1", 100)
	f.instance.On("SendDirectMessage", mock.Anything, "u1", mock.Anything, "").
		Return(gateway.Transient("notes/create", 502, errors.New("bad gateway")))
	policy := moderation.Policy{DefaultActions: []models.ModerationAction{models.ActionWarn}, RetryAttempts: 2}
	r := f.reconciler(policy, 0)

	require.NoError(t, r.Tick(ctx))
	m := f.marker(t, "a1")
	assert.Equal(t, models.MarkerRetry, m.Kind)
	assert.Equal(t, 1, m.Attempts)
	assert.NotEmpty(t, m.Snapshot)
	assert.Equal(t, "a1", f.cursor(t), "a pending retry does not hold the cursor")
	assert.Empty(t, f.store.Events())

	require.NoError(t, r.Tick(ctx))
	m = f.marker(t, "a1")
	assert.Equal(t, models.MarkerPermanentFailure, m.Kind)
	assert.Equal(t, 2, m.Attempts)
	assert.Len(t, f.alerter.alerts, 1)
	assert.Len(t, f.store.Events(), 1)
	f.instance.AssertNotCalled(t, "ResolveReport", mock.Anything, mock.Anything)
}

func TestWarning_RetrySucceedsOnNextTick(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	rep := report("a1", "u1")
	f.expectPage("", 100, rep)
	f.instance.On("GetReport", mock.Anything, "a1").Return(&rep, nil).Once()
	f.expectPage("a1", 100)
	f.instance.On("SendDirectMessage", mock.Anything, "u1", mock.Anything, "").
		Return(gateway.Transient("notes/create", 0, errors.New("reset"))).Once()
	f.instance.On("SendDirectMessage", mock.Anything, "u1", mock.Anything, "").Return(nil).Once()
	f.instance.On("ResolveReport", mock.Anything, "a1").Return(nil).Once()
	policy := moderation.Policy{DefaultActions: []models.ModerationAction{models.ActionWarn}, RetryAttempts: 3}
	r := f.reconciler(policy, 0)

	require.NoError(t, r.Tick(ctx))
	require.NoError(t, r.Tick(ctx))

	assert.Equal(t, models.MarkerActioned, f.marker(t, "a1").Kind)
	f.instance.AssertExpectations(t)
}

func TestWarning_LimitEscalatesToSilence(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.expectPage("", 100, report("a1", "u1"), report("a2", "u1"))
	f.instance.On("SendDirectMessage", mock.Anything, "u1", mock.Anything, "").Return(nil)
	f.instance.On("SetSilenced", mock.Anything, "u1", true).Return(nil).Once()
	f.instance.On("ResolveReport", mock.Anything, mock.Anything).Return(nil)
	policy := moderation.Policy{DefaultActions: []models.ModerationAction{models.ActionWarn}, WarningLimit: 2, RetryAttempts: 3}

	require.NoError(t, f.reconciler(policy, 0).Tick(ctx))

	assert.Equal(t, []string{"warn"}, []string(f.marker(t, "a1").Actions))
	assert.Equal(t, []string{"warn", "silence"}, []string(f.marker(t, "a2").Actions))
	u, err := f.store.GetPlatformUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.AccountStatusSilenced, u.AccountStatus)
	assert.Zero(t, u.WarningCount)
	f.instance.AssertExpectations(t)
}

func TestWarning_RetryOfReportResolvedByHandTakesNoAction(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.expectPage("", 100, report("a1", "u1"))
	f.expectPage("a1", 100)
	f.instance.On("SendDirectMessage", mock.Anything, "u1", mock.Anything, "").
		Return(gateway.Transient("notes/create", 502, errors.New("bad gateway"))).Once()
	resolved := report("a1", "u1")
	resolved.Resolved = true
	f.instance.On("GetReport", mock.Anything, "a1").Return(&resolved, nil)
	policy := moderation.Policy{DefaultActions: []models.ModerationAction{models.ActionWarn}, RetryAttempts: 3}
	r := f.reconciler(policy, 0)

	require.NoError(t, r.Tick(ctx))
	require.Equal(t, models.MarkerRetry, f.marker(t, "a1").Kind)
	require.NoError(t, r.Tick(ctx))

	assert.Equal(t, models.MarkerAlreadyResolved, f.marker(t, "a1").Kind)
	f.instance.AssertNumberOfCalls(t, "SendDirectMessage", 1)
	f.instance.AssertNotCalled(t, "ResolveReport", mock.Anything, mock.Anything)
}

func TestWarning_RetryReplaysSnapshotWhenLookupIsRefused(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.expectPage("", 100, report("a1", "u1"))
	f.expectPage("a1", 100)
	f.instance.On("SendDirectMessage", mock.Anything, "u1", mock.Anything, "").
		Return(gateway.Transient("notes/create", 502, errors.New("bad gateway"))).Once()
	f.instance.On("SendDirectMessage", mock.Anything, "u1", mock.Anything, "").Return(nil).Once()
	f.instance.On("GetReport", mock.Anything, "a1").Return(nil, gateway.Permanent("admin/abuse-user-reports", 403, errors.New("forbidden")))
	f.instance.On("ResolveReport", mock.Anything, "a1").Return(nil).Once()
	policy := moderation.Policy{DefaultActions: []models.ModerationAction{models.ActionWarn}, RetryAttempts: 3}
	r := f.reconciler(policy, 0)

	require.NoError(t, r.Tick(ctx))
	require.NoError(t, r.Tick(ctx))

	assert.Equal(t, models.MarkerActioned, f.marker(t, "a1").Kind)
	f.instance.AssertExpectations(t)
}

func TestWarning_ResolveFailureDoesNotCountWarningTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.expectPage("", 100, report("42", "u1"))
	f.instance.On("SendDirectMessage", mock.Anything, "u1", mock.Anything, "").Return(nil)
	f.instance.On("ResolveReport", mock.Anything, "42").Return(gateway.Transient("resolve", 503, errors.New("unavailable"))).Once()
	f.instance.On("ResolveReport", mock.Anything, "42").Return(nil).Once()
	policy := moderation.Policy{DefaultActions: []models.ModerationAction{models.ActionWarn}, WarningLimit: 2, RetryAttempts: 3}
	r := f.reconciler(policy, 0)

	require.Error(t, r.Tick(ctx))
	assert.Nil(t, f.marker(t, "42"))
	require.NoError(t, r.Tick(ctx))

	m := f.marker(t, "42")
	assert.Equal(t, models.MarkerActioned, m.Kind)
	assert.Equal(t, []string{"warn"}, []string(m.Actions))
	u, err := f.store.GetPlatformUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, u.WarningCount)
	assert.Equal(t, models.AccountStatusNormal, u.AccountStatus)
	f.instance.AssertNotCalled(t, "SetSilenced", mock.Anything, mock.Anything, mock.Anything)
}

func TestTick_ReportInTwoStreamsIsActionedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	forwarded := true
	local := moderation.Stream{Name: "local", Filter: gateway.ReportFilter{TargetUserOrigin: "local"}}
	remote := moderation.Stream{Name: "forwarded", Filter: gateway.ReportFilter{Forwarded: &forwarded}}
	f.instance.On("ListReports", mock.Anything, gateway.ReportQuery{Limit: 100, Filter: local.Filter}).
		Return([]models.Report{report("a1", "u1")}, nil)
	f.instance.On("ListReports", mock.Anything, gateway.ReportQuery{Limit: 100, Filter: remote.Filter}).
		Return([]models.Report{report("a1", "u1"), report("a2", "u2")}, nil)
	f.instance.On("SetSilenced", mock.Anything, mock.Anything, true).Return(nil)
	f.instance.On("ResolveReport", mock.Anything, mock.Anything).Return(nil)
	remote.Notify = true

	require.NoError(t, f.reconcilerFor(silenceOnly, 0, local, remote).Tick(ctx))

	f.instance.AssertNumberOfCalls(t, "ResolveReport", 2)
	f.instance.AssertNumberOfCalls(t, "SetSilenced", 2)
	assert.Equal(t, "local", f.marker(t, "a1").Stream)
	assert.Equal(t, "forwarded", f.marker(t, "a2").Stream)
	cursors, err := f.store.ListCursors(ctx)
	require.NoError(t, err)
	require.Len(t, cursors, 2)
	assert.Equal(t, "forwarded", cursors[0].Stream)
	assert.Equal(t, "a2", cursors[0].LastSeenID)
	assert.Equal(t, "local", cursors[1].Stream)
	assert.Equal(t, "a1", cursors[1].LastSeenID)
	assert.Len(t, f.store.Events(), 2)
	require.Len(t, f.alerter.alerts, 1, "only the notifying stream posts its new report")
	assert.Contains(t, f.alerter.alerts[0], "Report a2 on u2 actioned: silence")
}

func TestPolicy_ActionsFor(t *testing.T) {
	p := moderation.Policy{
		DefaultActions: []models.ModerationAction{models.ActionSilence, models.ActionWarn},
		LinkedActions:  []models.ModerationAction{models.ActionWarn, models.ActionChatMute},
	}

	assert.Equal(t, []models.ModerationAction{models.ActionSilence, models.ActionWarn}, p.ActionsFor(false))
	assert.Equal(t, []models.ModerationAction{models.ActionSilence, models.ActionWarn, models.ActionChatMute}, p.ActionsFor(true))
}
