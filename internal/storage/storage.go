// Package storage is the durable store of the moderation engine: report
// cursors, processed-report markers, identity links and per-account
// moderation history.
package storage

import (
	"context"
	"errors"

	"modbridge/backend/internal/models"
)

// ErrDuplicate is returned when an insert violates a unique constraint.
var ErrDuplicate = errors.New("duplicate record")

// EventsChannel is the Redis channel moderation events are published on.
const EventsChannel = "moderation:events"

// ReportStore keeps the bookkeeping of the reconciliation loop.
type ReportStore interface {
	// GetCursor returns the last seen id of a stream, or "" if none.
	GetCursor(ctx context.Context, stream string) (string, error)
	// AdvanceCursor moves the cursor forward to id. It never moves it back
	// and returns the stored value.
	AdvanceCursor(ctx context.Context, stream, id string) (string, error)
	// ResetCursor sets the cursor unconditionally. Operator use only.
	ResetCursor(ctx context.Context, stream, id string) error
	ListCursors(ctx context.Context) ([]models.Cursor, error)

	// GetMarker returns the marker of a report, or nil if none exists.
	GetMarker(ctx context.Context, reportID string) (*models.ProcessedReport, error)
	// CommitMarker inserts m unless a final marker already exists for the
	// report. A retry marker is overwritten. It reports whether m was stored.
	CommitMarker(ctx context.Context, m *models.ProcessedReport) (bool, error)
	// ListRetryMarkers returns up to limit pending retry markers, oldest first.
	ListRetryMarkers(ctx context.Context, limit int) ([]models.ProcessedReport, error)
}

// LinkStore persists identity links.
type LinkStore interface {
	// CreateLink inserts a link; ErrDuplicate if either id is already linked.
	CreateLink(ctx context.Context, link *models.IdentityLink) error
	// FindLinkByChatUser returns nil if the chat user is not linked.
	FindLinkByChatUser(ctx context.Context, chatUserID string) (*models.IdentityLink, error)
	// FindLinkByPlatformUser returns nil if the platform user is not linked.
	FindLinkByPlatformUser(ctx context.Context, platformUserID string) (*models.IdentityLink, error)
	// DeleteLinkByChatUser removes the link and returns it, or nil if absent.
	DeleteLinkByChatUser(ctx context.Context, chatUserID string) (*models.IdentityLink, error)
	ListVerifiedLinks(ctx context.Context) ([]models.IdentityLink, error)
}

// UserStore tracks warnings per platform account.
type UserStore interface {
	// RecordWarning counts the warning sent for reportID and returns the
	// user's count. A report is counted at most once.
	RecordWarning(ctx context.Context, userID, reportID string) (int, error)
	// SetAccountStatus records the status and resets the warning count.
	SetAccountStatus(ctx context.Context, userID, status string) error
	GetPlatformUser(ctx context.Context, userID string) (*models.PlatformUser, error)
}

// EventPublisher fans out moderation events to other consumers.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev models.ModerationEvent) error
}

// Storage is everything the engine persists.
type Storage interface {
	ReportStore
	LinkStore
	UserStore
	EventPublisher
}
