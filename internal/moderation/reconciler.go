// Package moderation is the report reconciliation loop: it pages through the
// instance's report streams, applies the configured actions once per report
// and records the outcome in the store.
package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modbridge/backend/internal/analysis"
	"modbridge/backend/internal/gateway"
	"modbridge/backend/internal/models"
	"modbridge/backend/internal/storage"

	"github.com/sirupsen/logrus"
)

// Alerter notifies operators. Delivery is best effort.
type Alerter interface {
	Alert(ctx context.Context, text string) error
}

// Options configures a Reconciler.
type Options struct {
	Store    storage.Storage
	Instance gateway.Instance
	// Chat is nil when no guild is configured.
	Chat       gateway.Chat
	Dispatcher *Dispatcher
	Policy     Policy
	Streams    []Stream
	// PageSize is capped at gateway.MaxPageSize.
	PageSize int
	// MaxPages bounds the pages fetched per stream and tick.
	MaxPages int
	Alerter  Alerter
	Logger   logrus.FieldLogger
}

// Reconciler is the report reconciliation loop. It keeps no state between
// ticks beyond what is in the store.
type Reconciler struct {
	store      storage.Storage
	instance   gateway.Instance
	chat       gateway.Chat
	dispatcher *Dispatcher
	policy     Policy
	streams    []Stream
	pageSize   int
	maxPages   int
	alerter    Alerter
	notify     map[string]bool
	log        logrus.FieldLogger
	now        func() time.Time
}

// excerptLength bounds the report comment quoted in alerts.
const excerptLength = 280

// NewReconciler creates a new reconciler.
func NewReconciler(opts Options) *Reconciler {
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > gateway.MaxPageSize {
		pageSize = gateway.MaxPageSize
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = 10
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	notify := make(map[string]bool)
	for _, s := range opts.Streams {
		if s.Notify {
			notify[s.Name] = true
		}
	}
	return &Reconciler{
		store:      opts.Store,
		instance:   opts.Instance,
		chat:       opts.Chat,
		dispatcher: opts.Dispatcher,
		policy:     opts.Policy,
		streams:    opts.Streams,
		pageSize:   pageSize,
		maxPages:   maxPages,
		alerter:    opts.Alerter,
		notify:     notify,
		log:        log,
		now:        time.Now,
	}
}

// Streams returns the configured stream names.
func (r *Reconciler) Streams() []string {
	names := make([]string, 0, len(r.streams))
	for _, s := range r.streams {
		names = append(names, s.Name)
	}
	return names
}

// Tick runs one reconciliation cycle: pending retries first, then every
// stream. Stream failures do not stop the other streams.
func (r *Reconciler) Tick(ctx context.Context) error {
	var errs []error
	if err := r.retryPending(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, s := range r.streams {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := r.SyncStream(ctx, s); err != nil {
			r.log.WithField("stream", s.Name).Errorf("ERROR: stream sync failed: %v", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SyncStream pages through the reports newer than the stream's cursor.
// A failing report stops the page; the cursor then only moves up to the
// last report that was handled.
func (r *Reconciler) SyncStream(ctx context.Context, s Stream) error {
	log := r.log.WithField("stream", s.Name)
	cursor, err := r.store.GetCursor(ctx, s.Name)
	if err != nil {
		return fmt.Errorf("read cursor %s: %w", s.Name, err)
	}

	for page := 0; page < r.maxPages; page++ {
		reports, err := r.instance.ListReports(ctx, gateway.ReportQuery{
			SinceID: cursor,
			Limit:   r.pageSize,
			Filter:  s.Filter,
		})
		if err != nil {
			return fmt.Errorf("list reports %s: %w", s.Name, err)
		}
		if len(reports) == 0 {
			return nil
		}

		highest := cursor
		for _, rep := range reports {
			if rep.ID == "" {
				log.Warn("skipping report without id")
				continue
			}
			if models.CompareIDs(rep.ID, cursor) <= 0 {
				continue
			}
			if err := r.processReport(ctx, s.Name, rep); err != nil {
				if models.CompareIDs(highest, cursor) > 0 {
					if _, aerr := r.store.AdvanceCursor(ctx, s.Name, highest); aerr != nil {
						log.Errorf("ERROR: advance cursor: %v", aerr)
					}
				}
				return fmt.Errorf("report %s: %w", rep.ID, err)
			}
			if models.CompareIDs(rep.ID, highest) > 0 {
				highest = rep.ID
			}
		}

		if models.CompareIDs(highest, cursor) > 0 {
			if cursor, err = r.store.AdvanceCursor(ctx, s.Name, highest); err != nil {
				return fmt.Errorf("advance cursor %s: %w", s.Name, err)
			}
		}
		if len(reports) < r.pageSize {
			return nil
		}
	}
	log.Infof("INFO: page limit reached at cursor %s", cursor)
	return nil
}

// retryPending re-processes reports that carry a retry marker. The report
// is read again from the instance so a report resolved by hand in the
// meantime is not actioned; the snapshot is only used when the lookup is
// refused.
func (r *Reconciler) retryPending(ctx context.Context) error {
	markers, err := r.store.ListRetryMarkers(ctx, r.pageSize)
	if err != nil {
		return fmt.Errorf("list retry markers: %w", err)
	}
	for _, m := range markers {
		log := r.log.WithFields(logrus.Fields{"stream": m.Stream, "report_id": m.ReportID})
		current, err := r.instance.GetReport(ctx, m.ReportID)
		if err != nil && !gateway.IsPermanent(err) {
			return fmt.Errorf("look up report %s: %w", m.ReportID, err)
		}

		var rep models.Report
		switch {
		case err == nil && current == nil:
			log.Info("INFO: report no longer listed, dropping retry")
			if _, err := r.commit(ctx, &models.ProcessedReport{
				ReportID:  m.ReportID,
				Stream:    m.Stream,
				Kind:      models.MarkerAlreadyResolved,
				Actions:   m.Actions,
				Attempts:  m.Attempts,
				LastError: "report no longer listed",
			}, ""); err != nil {
				return err
			}
			continue
		case err == nil:
			rep = *current
		default:
			log.Warnf("report lookup refused, replaying snapshot: %v", err)
			if uerr := json.Unmarshal([]byte(m.Snapshot), &rep); uerr != nil || rep.ID == "" {
				log.Errorf("ERROR: unreadable retry snapshot: %v", uerr)
				if _, err := r.commit(ctx, &models.ProcessedReport{
					ReportID:  m.ReportID,
					Stream:    m.Stream,
					Kind:      models.MarkerPermanentFailure,
					Attempts:  m.Attempts,
					LastError: "unreadable retry snapshot",
				}, ""); err != nil {
					return err
				}
				continue
			}
		}
		if err := r.processReport(ctx, m.Stream, rep); err != nil {
			return fmt.Errorf("retry report %s: %w", m.ReportID, err)
		}
	}
	return nil
}

// outcome is what handling a report produced, before it is committed.
type outcome struct {
	kind    models.MarkerKind
	actions []string
	reason  string
	notes   []string
}

// processReport handles rep unless it already has a final marker. It
// returns an error only when the page must stop: transient gateway
// failures, store failures and cancellation.
func (r *Reconciler) processReport(ctx context.Context, stream string, rep models.Report) error {
	log := r.log.WithFields(logrus.Fields{"stream": stream, "report_id": rep.ID})

	prior, err := r.store.GetMarker(ctx, rep.ID)
	if err != nil {
		return fmt.Errorf("read marker: %w", err)
	}
	if prior != nil && prior.Kind.IsFinal() {
		log.Debugf("already handled (%s)", prior.Kind)
		return nil
	}

	out, err := r.handle(ctx, rep)
	if err == nil {
		if out.kind == models.MarkerMalformedSkip {
			log.Warnf("malformed report skipped: %s", out.reason)
		}
		stored, err := r.commit(ctx, &models.ProcessedReport{
			ReportID: rep.ID,
			Stream:   stream,
			Kind:     out.kind,
			Actions:  out.actions,
		}, rep.TargetUserID)
		if err != nil {
			return err
		}
		if stored && (out.kind == models.MarkerExcluded || (out.kind == models.MarkerActioned && r.notify[stream])) {
			r.announce(ctx, log, rep, out)
		}
		return nil
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return err
	}

	attempts := 1
	if prior != nil {
		attempts = prior.Attempts + 1
	}

	var derr *DeliveryError
	switch {
	case errors.As(err, &derr) && !derr.Permanent():
		if attempts < r.policy.RetryAttempts {
			log.Warnf("will retry (attempt %d): %v", attempts, err)
			snapshot, _ := json.Marshal(rep)
			_, cerr := r.commit(ctx, &models.ProcessedReport{
				ReportID:  rep.ID,
				Stream:    stream,
				Kind:      models.MarkerRetry,
				Actions:   out.actions,
				Attempts:  attempts,
				Snapshot:  string(snapshot),
				LastError: err.Error(),
			}, "")
			return cerr
		}
		r.fail(ctx, log, rep, fmt.Sprintf("gave up after %d attempts: %v", attempts, err))
	case derr != nil || gateway.IsPermanent(err):
		r.fail(ctx, log, rep, err.Error())
	default:
		return err
	}

	_, cerr := r.commit(ctx, &models.ProcessedReport{
		ReportID:  rep.ID,
		Stream:    stream,
		Kind:      models.MarkerPermanentFailure,
		Actions:   out.actions,
		Attempts:  attempts,
		LastError: err.Error(),
	}, rep.TargetUserID)
	return cerr
}

func (r *Reconciler) fail(ctx context.Context, log logrus.FieldLogger, rep models.Report, reason string) {
	log.Errorf("ERROR: report failed permanently: %s", reason)
	r.alert(ctx, log, rep, nil, fmt.Sprintf("Report %s on %s could not be actioned: %s", rep.ID, displayTarget(rep), reason))
}

// announce tells moderators about a report that needs their attention, or
// about every actioned report of a stream with notifications enabled.
func (r *Reconciler) announce(ctx context.Context, log logrus.FieldLogger, rep models.Report, out outcome) {
	headline := fmt.Sprintf("Report %s on %s actioned: %s", rep.ID, displayTarget(rep), strings.Join(out.actions, ", "))
	if out.kind == models.MarkerExcluded {
		headline = fmt.Sprintf("Report %s on %s needs review: the member holds an excluded guild role", rep.ID, displayTarget(rep))
	}
	r.alert(ctx, log, rep, out.notes, headline)
}

func (r *Reconciler) alert(ctx context.Context, log logrus.FieldLogger, rep models.Report, notes []string, headline string) {
	if r.alerter == nil {
		return
	}
	lines := []string{headline}
	if excerpt := analysis.Excerpt(rep.Comment, excerptLength); excerpt != "" {
		lines = append(lines, excerpt)
	}
	if host := r.host(); host != "" {
		lines = append(lines, analysis.NoteURLs(host, notes)...)
	}
	if err := r.alerter.Alert(ctx, strings.Join(lines, "\n")); err != nil {
		log.Warnf("alert not sent: %v", err)
	}
}

func (r *Reconciler) host() string {
	if r.dispatcher == nil {
		return ""
	}
	return r.dispatcher.Host
}

// commit writes the marker. It is the commit point of a report; the event
// is published only for final markers. It reports whether m was stored.
func (r *Reconciler) commit(ctx context.Context, m *models.ProcessedReport, targetUserID string) (bool, error) {
	m.ProcessedAt = r.now()
	stored, err := r.store.CommitMarker(ctx, m)
	if err != nil {
		return false, fmt.Errorf("commit marker: %w", err)
	}
	if !stored || !m.Kind.IsFinal() {
		return stored, nil
	}
	ev := models.ModerationEvent{
		ReportID:     m.ReportID,
		Stream:       m.Stream,
		Kind:         m.Kind,
		Actions:      m.Actions,
		TargetUserID: targetUserID,
		At:           m.ProcessedAt,
	}
	if err := r.store.PublishEvent(ctx, ev); err != nil {
		r.log.WithField("report_id", m.ReportID).Warnf("publish event: %v", err)
	}
	return true, nil
}

// handle classifies rep and applies its actions. The report is resolved
// upstream only after every action succeeded.
func (r *Reconciler) handle(ctx context.Context, rep models.Report) (outcome, error) {
	if err := rep.Validate(); err != nil {
		return outcome{kind: models.MarkerMalformedSkip, reason: err.Error()}, nil
	}
	if rep.Resolved {
		return outcome{kind: models.MarkerAlreadyResolved}, nil
	}

	notes := analysis.NoteIDs(rep.Comment, r.host())

	link, err := r.store.FindLinkByPlatformUser(ctx, rep.TargetUserID)
	if err != nil {
		return outcome{}, fmt.Errorf("lookup link: %w", err)
	}
	if r.chat == nil {
		link = nil
	}

	if link != nil && len(r.policy.ExcludeChatRoles) > 0 {
		roles, err := r.chat.ListMemberRoles(ctx, link.ChatUserID)
		switch {
		case err == nil:
			if r.policy.excluded(roles) {
				return outcome{kind: models.MarkerExcluded, notes: notes}, nil
			}
		case gateway.IsPermanent(err):
			// Member left the guild; treat as unlinked for this report.
			link = nil
		default:
			return outcome{}, err
		}
	}

	var applied []string
	silenced := false
	for _, action := range r.policy.ActionsFor(link != nil) {
		switch action {
		case models.ActionSilence:
			if err := r.silence(ctx, rep.TargetUserID); err != nil {
				return outcome{actions: applied}, err
			}
			silenced = true
		case models.ActionChatMute:
			if err := r.chat.AddRole(ctx, link.ChatUserID, r.policy.MuteRoleID); err != nil {
				return outcome{actions: applied}, err
			}
		case models.ActionWarn:
			item, _ := r.dispatcher.Item("", rep.Category)
			if _, err := r.dispatcher.Dispatch(ctx, rep, item.Code, notes, link); err != nil {
				return outcome{actions: applied}, err
			}
			escalated, err := r.countWarning(ctx, rep.TargetUserID, rep.ID, silenced)
			if err != nil {
				return outcome{actions: applied}, err
			}
			if escalated {
				applied = append(applied, string(action))
				action = models.ActionSilence
				silenced = true
			}
		}
		applied = append(applied, string(action))
	}

	if err := r.instance.ResolveReport(ctx, rep.ID); err != nil {
		return outcome{actions: applied}, err
	}
	return outcome{kind: models.MarkerActioned, actions: applied, notes: notes}, nil
}

func (r *Reconciler) silence(ctx context.Context, userID string) error {
	if err := r.instance.SetSilenced(ctx, userID, true); err != nil {
		return err
	}
	if err := r.store.SetAccountStatus(ctx, userID, models.AccountStatusSilenced); err != nil {
		return fmt.Errorf("record account status: %w", err)
	}
	return nil
}

// countWarning records the warning delivered for reportID and silences the
// user once the warning limit is reached. A report re-run after a failure
// later in handle is not counted again. It reports whether it silenced.
func (r *Reconciler) countWarning(ctx context.Context, userID, reportID string, alreadySilenced bool) (bool, error) {
	count, err := r.store.RecordWarning(ctx, userID, reportID)
	if err != nil {
		return false, fmt.Errorf("count warning: %w", err)
	}
	if r.policy.WarningLimit <= 0 || count < r.policy.WarningLimit || alreadySilenced {
		return false, nil
	}
	r.log.WithField("platform_user", userID).Infof("INFO: %d warnings, silencing", count)
	return true, r.silence(ctx, userID)
}
