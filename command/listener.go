package command

import (
	"context"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"tori-watcher/logger"
	"tori-watcher/telegram"
)

// Updater fetches pending chat updates.
type Updater interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, error)
}

// Replier sends a reply to a subscriber.
type Replier interface {
	Reply(ctx context.Context, subscriberID, text string) error
}

// ListenerConfig holds the update polling timing.
type ListenerConfig struct {
	PollTimeout  time.Duration // Long-poll wait per getUpdates call
	PollInterval time.Duration // Pause after a failed poll
}

// Listener long-polls for chat messages and answers each command.
type Listener struct {
	updater Updater
	handler *Handler
	replier Replier
	logger  *slog.Logger
	cfg     ListenerConfig
}

// NewListener creates a new update listener.
func NewListener(updater Updater, handler *Handler, replier Replier, cfg ListenerConfig, logger *slog.Logger) *Listener {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Listener{
		updater: updater,
		handler: handler,
		replier: replier,
		logger:  logger,
		cfg:     cfg,
	}
}

// Run polls until ctx is done. Poll errors are logged and retried.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info("Command listener started", "poll_timeout", l.cfg.PollTimeout.String())

	var offset int64
	for {
		updates, err := l.updater.GetUpdates(ctx, offset, l.cfg.PollTimeout)
		if ctx.Err() != nil {
			l.logger.Info("Command listener stopped")
			return nil
		}
		if err != nil {
			l.logger.Warn("Failed to poll updates", "error", err, "retry_in", l.cfg.PollInterval.String())
			select {
			case <-ctx.Done():
				l.logger.Info("Command listener stopped")
				return nil
			case <-time.After(l.cfg.PollInterval):
			}
			continue
		}

		for _, u := range updates {
			offset = int64(u.UpdateID) + 1
			l.dispatch(ctx, u)
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, u telegram.Update) {
	if u.Message == nil || u.Message.Chat == nil || u.Message.Text == "" {
		return
	}

	chat := Chat{
		ID:          strconv.FormatInt(u.Message.Chat.ID, 10),
		DisplayName: u.Message.Chat.UserName,
	}
	if chat.DisplayName == "" {
		chat.DisplayName = u.Message.Chat.FirstName
	}
	ctx = logger.Ctx(ctx, slog.String("subscriber", chat.ID), slog.Int("update_id", u.UpdateID))

	defer func() {
		if r := recover(); r != nil {
			l.logger.ErrorContext(ctx, "Recovered panic in command handler", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	cmd := Parse(u.Message.Text)
	l.logger.InfoContext(ctx, "Command received", "command", commandName(cmd))

	reply := l.handler.Handle(ctx, chat, cmd)
	if reply == "" {
		return
	}
	if err := l.replier.Reply(ctx, chat.ID, reply); err != nil {
		l.logger.WarnContext(ctx, "Failed to send reply", "error", err)
	}
}

func commandName(cmd Command) string {
	switch cmd.(type) {
	case Help:
		return "help"
	case Start:
		return "start"
	case Add:
		return "add"
	case List:
		return "list"
	case Remove:
		return "remove"
	case Clear:
		return "clear"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}
