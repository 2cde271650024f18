// Package telegram is the operator side of the service: alerts are posted to
// one Telegram chat and the same chat can query and steer the engine.
package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"modbridge/backend/internal/engine"
	"modbridge/backend/internal/localization"
	"modbridge/backend/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// sender is the part of the Bot API the service uses to post messages.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Controller is the engine surface exposed to operators.
type Controller interface {
	Trigger(name string) error
	Status() []engine.TaskStatus
}

// CursorStore reads and resets report cursors.
type CursorStore interface {
	ListCursors(ctx context.Context) ([]models.Cursor, error)
	ResetCursor(ctx context.Context, stream, id string) error
}

// BotService posts alerts and answers operator commands.
type BotService struct {
	BotAPI    *tgbotapi.BotAPI
	Localizer *localization.Localizer

	sender  sender
	chatID  int64
	lang    string
	engine  Controller
	cursors CursorStore
	log     logrus.FieldLogger
}

// Options configures a BotService.
type Options struct {
	Token string
	// ChatID is the only chat alerts go to and commands are accepted from.
	ChatID   int64
	Language string
	Engine   Controller
	Cursors  CursorStore
	Logger   logrus.FieldLogger
}

// NewBotService creates a new BotService instance.
func NewBotService(opts Options) (*BotService, error) {
	bot, err := tgbotapi.NewBotAPI(opts.Token)
	if err != nil {
		return nil, err
	}
	bot.Debug = false

	localizer, err := localization.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create localizer: %w", err)
	}

	s := newBotService(bot, localizer, opts)
	s.BotAPI = bot
	s.log.Infof("INFO: authorized on account %s", bot.Self.UserName)
	return s, nil
}

func newBotService(snd sender, localizer *localization.Localizer, opts Options) *BotService {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	lang := opts.Language
	if lang == "" {
		lang = localization.DefaultLanguage
	}
	return &BotService{
		Localizer: localizer,
		sender:    snd,
		chatID:    opts.ChatID,
		lang:      lang,
		engine:    opts.Engine,
		cursors:   opts.Cursors,
		log:       log,
	}
}

// SetEngine attaches the engine once it has been built.
func (s *BotService) SetEngine(c Controller) {
	s.engine = c
}

// Alert posts text to the operator chat.
func (s *BotService) Alert(_ context.Context, text string) error {
	return s.reply(s.Localizer.GetString(s.lang, "alert_prefix") + text)
}

func (s *BotService) reply(text string) error {
	_, err := s.sender.Send(tgbotapi.NewMessage(s.chatID, text))
	return err
}

// Run receives updates until ctx is cancelled.
func (s *BotService) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := s.BotAPI.GetUpdatesChan(u)
	defer s.BotAPI.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			s.HandleUpdate(ctx, update)
		}
	}
}

// HandleUpdate answers commands sent in the operator chat and ignores
// everything else.
func (s *BotService) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat.ID != s.chatID || !msg.IsCommand() {
		return
	}

	var text string
	switch msg.Command() {
	case "status":
		text = s.statusText(ctx)
	case "resync":
		text = s.handleResync()
	case "resetcursor":
		text = s.handleResetCursor(ctx, msg.CommandArguments())
	default:
		text = s.Localizer.GetString(s.lang, "help")
	}
	if err := s.reply(text); err != nil {
		s.log.Warnf("telegram reply failed: %v", err)
	}
}

func (s *BotService) statusText(ctx context.Context) string {
	lines := []string{s.Localizer.GetString(s.lang, "status_header")}
	if s.engine != nil {
		for _, st := range s.engine.Status() {
			errText := ""
			if st.LastError != "" {
				errText = s.Localizer.Format(s.lang, "status_task_error", st.LastError)
			}
			lines = append(lines, s.Localizer.Format(s.lang, "status_task",
				st.Name, s.when(st.LastRun), st.Failures, s.when(st.NextRun), errText))
		}
	}
	cursors, err := s.cursors.ListCursors(ctx)
	if err != nil {
		lines = append(lines, s.Localizer.Format(s.lang, "command_failed", err))
	}
	for _, c := range cursors {
		lines = append(lines, s.Localizer.Format(s.lang, "status_cursor", c.Stream, c.LastSeenID))
	}
	return strings.Join(lines, "\n")
}

func (s *BotService) when(t time.Time) string {
	if t.IsZero() {
		return s.Localizer.GetString(s.lang, "status_never")
	}
	return t.UTC().Format(time.DateTime)
}

func (s *BotService) handleResync() string {
	if s.engine == nil || s.engine.Trigger(engine.TaskRoleSync) != nil {
		return s.Localizer.GetString(s.lang, "resync_unavailable")
	}
	return s.Localizer.GetString(s.lang, "resync_started")
}

func (s *BotService) handleResetCursor(ctx context.Context, args string) string {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return s.Localizer.GetString(s.lang, "resetcursor_usage")
	}
	if err := s.cursors.ResetCursor(ctx, fields[0], fields[1]); err != nil {
		return s.Localizer.Format(s.lang, "command_failed", err)
	}
	s.log.WithField("stream", fields[0]).Infof("INFO: cursor reset to %s by operator", fields[1])
	return s.Localizer.Format(s.lang, "resetcursor_done", fields[0], fields[1])
}
