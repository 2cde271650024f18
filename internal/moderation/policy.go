package moderation

import (
	"modbridge/backend/internal/gateway"
	"modbridge/backend/internal/models"
)

// Stream is one polled report feed with its own cursor.
type Stream struct {
	Name   string
	Filter gateway.ReportFilter
	// Notify posts every actioned report of the stream to the operators.
	Notify bool
}

// Policy is the fixed set of actions applied to actionable reports.
type Policy struct {
	// DefaultActions run for every actionable report. They never need the guild.
	DefaultActions []models.ModerationAction
	// LinkedActions run in addition when the target has a verified link.
	LinkedActions []models.ModerationAction
	// ExcludeChatRoles exempts linked members holding any of these roles.
	ExcludeChatRoles []string
	// MuteRoleID is the guild role granted by chat-mute.
	MuteRoleID string
	// WarningLimit silences a user once this many warnings were delivered.
	// Zero disables escalation.
	WarningLimit int
	// RetryAttempts bounds the attempts recorded by retry markers.
	RetryAttempts int
}

// ActionsFor returns the actions to apply, in configured order and without
// duplicates. Actions that need the guild are dropped for unlinked targets.
func (p Policy) ActionsFor(linked bool) []models.ModerationAction {
	seen := make(map[models.ModerationAction]bool)
	var out []models.ModerationAction
	add := func(actions []models.ModerationAction) {
		for _, a := range actions {
			if seen[a] || (!linked && a.RequiresChat()) {
				continue
			}
			seen[a] = true
			out = append(out, a)
		}
	}
	add(p.DefaultActions)
	if linked {
		add(p.LinkedActions)
	}
	return out
}

// excluded reports whether any of roles is an excluded chat role.
func (p Policy) excluded(roles []string) bool {
	for _, r := range roles {
		for _, ex := range p.ExcludeChatRoles {
			if r == ex {
				return true
			}
		}
	}
	return false
}
