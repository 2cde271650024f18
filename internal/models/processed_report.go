package models

import (
	"time"

	"github.com/lib/pq"
)

// MarkerKind records how a report was handled.
type MarkerKind string

const (
	MarkerActioned         MarkerKind = "actioned"
	MarkerAlreadyResolved  MarkerKind = "already-resolved"
	MarkerMalformedSkip    MarkerKind = "malformed-skip"
	MarkerPermanentFailure MarkerKind = "permanent-failure"
	MarkerExcluded         MarkerKind = "excluded"
	// MarkerRetry is the only non-final kind: the report is pending another attempt.
	MarkerRetry MarkerKind = "retry"
)

// IsFinal reports whether a marker of this kind means the report is handled.
func (k MarkerKind) IsFinal() bool {
	return k != MarkerRetry
}

// ProcessedReport is the local marker that a report has been handled.
// At most one final marker exists per report id; writing it is the commit
// point of the reconciliation loop.
type ProcessedReport struct {
	ReportID string `gorm:"primaryKey"`
	// Stream is the report feed the report was fetched from.
	Stream string     `gorm:"type:text;not null;index"`
	Kind   MarkerKind `gorm:"type:text;not null;index"`
	// Actions lists the moderation actions that were applied, in order.
	Actions pq.StringArray `gorm:"type:text[]"`
	// Attempts counts failed attempts recorded by retry markers.
	Attempts int
	// Snapshot holds the report as JSON while the marker is a retry marker.
	Snapshot    string `gorm:"type:text"`
	LastError   string `gorm:"type:text"`
	ProcessedAt time.Time
}

// Cursor is the pagination watermark of one report stream.
type Cursor struct {
	Stream     string `gorm:"primaryKey"`
	LastSeenID string `gorm:"type:text;not null;default:''"`
	UpdatedAt  time.Time
}

// ModerationEvent is published after a marker is committed.
type ModerationEvent struct {
	ReportID     string     `json:"report_id"`
	Stream       string     `json:"stream"`
	Kind         MarkerKind `json:"kind"`
	Actions      []string   `json:"actions,omitempty"`
	TargetUserID string     `json:"target_user_id,omitempty"`
	At           time.Time  `json:"at"`
}
