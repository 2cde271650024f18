package models

import (
	"regexp"
	"strings"
)

// ModerationAction is one configured step applied to an actioned report.
type ModerationAction string

const (
	// ActionSilence silences the target on the instance.
	ActionSilence ModerationAction = "silence"
	// ActionWarn sends a templated warning on both systems.
	ActionWarn ModerationAction = "warn"
	// ActionChatMute grants the configured mute role in the guild.
	ActionChatMute ModerationAction = "chat-mute"
)

// RequiresChat reports whether the action can only run for linked users.
func (a ModerationAction) RequiresChat() bool {
	return a == ActionChatMute
}

// Valid reports whether a is a known action.
func (a ModerationAction) Valid() bool {
	switch a {
	case ActionSilence, ActionWarn, ActionChatMute:
		return true
	}
	return false
}

// SyncDirection says which side of a RoleMapping is copied to the other.
type SyncDirection string

const (
	PlatformToChat SyncDirection = "platform-to-chat"
	ChatToPlatform SyncDirection = "chat-to-platform"
	Bidirectional  SyncDirection = "bidirectional"
)

// RoleMapping pairs a platform role with a guild role.
type RoleMapping struct {
	PlatformRoleID string        `yaml:"platform_role" validate:"required"`
	ChatRoleID     string        `yaml:"chat_role" validate:"required"`
	Direction      SyncDirection `yaml:"direction" validate:"required,oneof=platform-to-chat chat-to-platform bidirectional"`
}

// WritesPlatform reports whether the mapping may change platform roles.
func (m RoleMapping) WritesPlatform() bool {
	return m.Direction == ChatToPlatform || m.Direction == Bidirectional
}

// WarningItem is a predefined warning reason.
type WarningItem struct {
	Code   string `yaml:"code" validate:"required"`
	Reason string `yaml:"reason" validate:"required"`
	// Categories lists report categories that select this item.
	Categories []string `yaml:"categories"`
}

// WarningTemplate renders the text sent to warned users.
// Slots are written as {name}; see the warning dispatcher for the known slots.
type WarningTemplate struct {
	Message string        `yaml:"message"`
	Items   []WarningItem `yaml:"items" validate:"dive"`
}

// ItemFor returns the first item listing category, falling back to the
// first configured item.
func (t WarningTemplate) ItemFor(category string) (WarningItem, bool) {
	if len(t.Items) == 0 {
		return WarningItem{}, false
	}
	if category != "" {
		for _, item := range t.Items {
			for _, c := range item.Categories {
				if strings.EqualFold(c, category) {
					return item, true
				}
			}
		}
	}
	return t.Items[0], true
}

var slotPattern = regexp.MustCompile(`\{([A-Za-z][A-Za-z0-9_]*)\}`)

// Render substitutes {slot} placeholders. Slots with no value render empty.
func (t WarningTemplate) Render(values map[string]string) string {
	return slotPattern.ReplaceAllStringFunc(t.Message, func(m string) string {
		return values[m[1:len(m)-1]]
	})
}
