// Package gateway defines the capabilities the moderation engine consumes
// from the instance and from the guild, and the error kinds they report.
package gateway

import (
	"context"

	"modbridge/backend/internal/models"
)

// MaxPageSize is the largest page the instance returns for report listings.
const MaxPageSize = 100

// ReportFilter narrows a report stream.
type ReportFilter struct {
	// State is "unresolved", "resolved" or empty for both.
	State string
	// ReporterOrigin and TargetUserOrigin are "combined", "local" or "remote".
	ReporterOrigin   string
	TargetUserOrigin string
	// Forwarded restricts to forwarded (true) or non-forwarded (false) reports.
	Forwarded *bool
}

// ReportQuery asks for reports with an id greater than SinceID.
type ReportQuery struct {
	SinceID string
	Limit   int
	Filter  ReportFilter
}

// Instance is the remote platform whose moderation API is polled.
type Instance interface {
	// ListReports returns reports newer than q.SinceID in ascending id order.
	ListReports(ctx context.Context, q ReportQuery) ([]models.Report, error)
	// GetReport returns the current state of one report, or nil when the
	// instance no longer lists it.
	GetReport(ctx context.Context, reportID string) (*models.Report, error)
	ResolveReport(ctx context.Context, reportID string) error
	SetSilenced(ctx context.Context, userID string, silenced bool) error
	ListUserRoles(ctx context.Context, userID string) ([]string, error)
	GrantRole(ctx context.Context, userID, roleID string) error
	RevokeRole(ctx context.Context, userID, roleID string) error
	// SendDirectMessage posts text visible only to userID. replyToNoteID may be empty.
	SendDirectMessage(ctx context.Context, userID, text, replyToNoteID string) error
}

// Chat is the guild side: role membership and direct messages.
type Chat interface {
	ListMemberRoles(ctx context.Context, chatUserID string) ([]string, error)
	AddRole(ctx context.Context, chatUserID, roleID string) error
	RemoveRole(ctx context.Context, chatUserID, roleID string) error
	SendDirectMessage(ctx context.Context, chatUserID, text string) error
}
