package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"modbridge/backend/internal/analysis"
	"modbridge/backend/internal/gateway"
	"modbridge/backend/internal/models"

	"github.com/sirupsen/logrus"
)

var errNoWarningItem = errors.New("no warning item configured")

// Delivery records which channels a warning reached.
type Delivery struct {
	Chat     bool
	Platform bool
}

// DeliveryError is returned when a warning reached neither channel.
type DeliveryError struct {
	ChatAttempted bool
	Chat          error
	Platform      error
}

func (e *DeliveryError) Error() string {
	if e.ChatAttempted {
		return fmt.Sprintf("warning not delivered: chat: %v; platform: %v", e.Chat, e.Platform)
	}
	return fmt.Sprintf("warning not delivered: platform: %v", e.Platform)
}

func (e *DeliveryError) Unwrap() []error {
	if e.ChatAttempted {
		return []error{e.Chat, e.Platform}
	}
	return []error{e.Platform}
}

// Permanent reports whether every attempted channel failed permanently.
func (e *DeliveryError) Permanent() bool {
	if e.ChatAttempted && !gateway.IsPermanent(e.Chat) {
		return false
	}
	return gateway.IsPermanent(e.Platform)
}

// Dispatcher renders warnings and delivers them on both systems.
type Dispatcher struct {
	Instance gateway.Instance
	// Chat is nil when no guild is configured.
	Chat     gateway.Chat
	Template models.WarningTemplate
	// Host is the instance host used to render note links.
	Host string
	Log  logrus.FieldLogger
}

// Item resolves an item code, falling back to the item selected by category.
func (d *Dispatcher) Item(code, category string) (models.WarningItem, bool) {
	for _, item := range d.Template.Items {
		if code != "" && item.Code == code {
			return item, true
		}
	}
	return d.Template.ItemFor(category)
}

// Render fills the template for rep. Unknown slots render empty.
func (d *Dispatcher) Render(rep models.Report, item models.WarningItem, notes []string) string {
	return d.Template.Render(map[string]string{
		"reason":     item.Reason,
		"item":       item.Code,
		"targetUser": displayTarget(rep),
		"reportId":   rep.ID,
		"comment":    rep.Comment,
		"createdAt":  rep.CreatedAt.UTC().Format("2006-01-02 15:04 MST"),
		"notes":      strings.Join(analysis.NoteURLs(d.Host, notes), "\n"),
	})
}

// displayTarget names the reported account the way moderators see it.
func displayTarget(rep models.Report) string {
	if rep.TargetUsername != "" {
		return "@" + rep.TargetUsername
	}
	return rep.TargetUserID
}

// Dispatch sends the warning for rep. The guild is tried first when the
// target is linked; the instance is always tried. The platform message
// replies to the first referenced note.
func (d *Dispatcher) Dispatch(ctx context.Context, rep models.Report, itemCode string, notes []string, link *models.IdentityLink) (Delivery, error) {
	item, ok := d.Item(itemCode, rep.Category)
	if !ok {
		return Delivery{}, gateway.Permanent("render warning", 0, errNoWarningItem)
	}
	text := d.Render(rep, item, notes)

	var (
		delivered Delivery
		derr      DeliveryError
	)
	if link != nil && d.Chat != nil {
		derr.ChatAttempted = true
		if err := d.Chat.SendDirectMessage(ctx, link.ChatUserID, text); err != nil {
			derr.Chat = err
			d.logger().WithFields(logrus.Fields{"report_id": rep.ID, "chat_user": link.ChatUserID}).
				Warnf("chat warning failed: %v", err)
		} else {
			delivered.Chat = true
		}
	}

	replyTo := ""
	if len(notes) > 0 {
		replyTo = notes[0]
	}
	if err := d.Instance.SendDirectMessage(ctx, rep.TargetUserID, text, replyTo); err != nil {
		derr.Platform = err
		d.logger().WithFields(logrus.Fields{"report_id": rep.ID, "platform_user": rep.TargetUserID}).
			Warnf("platform warning failed: %v", err)
	} else {
		delivered.Platform = true
	}

	if !delivered.Chat && !delivered.Platform {
		return delivered, &derr
	}
	return delivered, nil
}

func (d *Dispatcher) logger() logrus.FieldLogger {
	if d.Log == nil {
		return logrus.StandardLogger()
	}
	return d.Log
}
