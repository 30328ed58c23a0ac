package command

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"tori-watcher/pkg/watcher"
)

const (
	helpText = "See the supported commands in the menu:\n" +
		"/start - create an account\n" +
		"/add <i>keywords</i> - watch a search\n" +
		"/list - show your queries\n" +
		"/remove <i>id</i> [<i>id</i> ...] - delete queries\n" +
		"/clear - delete all queries\n" +
		"/stop - delete your account"

	needAccountText = "📋 Need to create an account first."
	failureText     = "❗ Something went wrong, please try again later."
)

// Store is the query store surface the chat commands use.
type Store interface {
	AddSubscriber(ctx context.Context, subscriberID, displayName string) (*watcher.Subscriber, error)
	Subscriber(ctx context.Context, subscriberID string) (*watcher.Subscriber, error)
	AddQuery(ctx context.Context, subscriberID, text string) (int, error)
	RemoveQuery(ctx context.Context, subscriberID string, queryID int) (watcher.Query, error)
	ClearQueries(ctx context.Context, subscriberID string) error
	RemoveSubscriber(ctx context.Context, subscriberID string) error
}

// Chat identifies who sent a command.
type Chat struct {
	ID          string // Subscriber id
	DisplayName string
}

func (c Chat) name() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.ID
}

// Handler executes commands against the store and renders the replies.
type Handler struct {
	store    Store
	logger   *slog.Logger
	location *time.Location
}

// NewHandler creates a new command handler. Timestamps are shown in loc.
func NewHandler(store Store, logger *slog.Logger, loc *time.Location) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{store: store, logger: logger, location: loc}
}

// Handle runs cmd for chat and returns the reply text in Telegram HTML.
func (h *Handler) Handle(ctx context.Context, chat Chat, cmd Command) string {
	switch c := cmd.(type) {
	case Help:
		return helpText
	case Start:
		return h.start(ctx, chat)
	case Add:
		return h.add(ctx, chat, c)
	case List:
		return h.list(ctx, chat)
	case Remove:
		return h.remove(ctx, chat, c)
	case Clear:
		return h.clear(ctx, chat)
	case Stop:
		return h.stop(ctx, chat)
	default:
		return "Unknown command."
	}
}

// failed logs an unexpected store error and returns the generic reply.
func (h *Handler) failed(ctx context.Context, op string, err error) string {
	h.logger.ErrorContext(ctx, "Command failed", "command", op, "error", err)
	return failureText
}

func (h *Handler) start(ctx context.Context, chat Chat) string {
	_, err := h.store.AddSubscriber(ctx, chat.ID, chat.DisplayName)
	switch {
	case errors.Is(err, watcher.ErrSubscriberExists):
		return fmt.Sprintf("🙋 You already have an account under ID <b>%s</b>.", html.EscapeString(chat.name()))
	case err != nil:
		return h.failed(ctx, "start", err)
	}
	return fmt.Sprintf("🙋 Welcome to the service! Your account ID is <b>%s</b>.", html.EscapeString(chat.name()))
}

func (h *Handler) add(ctx context.Context, chat Chat, c Add) string {
	text := strings.TrimSpace(c.Text)
	_, err := h.store.AddQuery(ctx, chat.ID, text)
	switch {
	case errors.Is(err, watcher.ErrNotFound):
		return needAccountText
	case errors.Is(err, watcher.ErrEmptyQueryText):
		return "❗ Cannot create an empty query."
	case errors.Is(err, watcher.ErrDuplicateQuery):
		return fmt.Sprintf("❗ Query already exists: <b>%s</b>.", html.EscapeString(text))
	case err != nil:
		return h.failed(ctx, "add", err)
	}
	return fmt.Sprintf("✅ Query added: <b>%s</b>.", html.EscapeString(text))
}

func (h *Handler) list(ctx context.Context, chat Chat) string {
	sub, err := h.store.Subscriber(ctx, chat.ID)
	switch {
	case errors.Is(err, watcher.ErrNotFound):
		return needAccountText
	case err != nil:
		return h.failed(ctx, "list", err)
	}
	if len(sub.Queries) == 0 {
		return "📋 No queries found."
	}

	var b strings.Builder
	b.WriteString("📋 Existing queries:")
	for _, q := range sub.Queries {
		fmt.Fprintf(&b, "\n[%d]: <b>%s</b> (upd: %s)", q.ID, html.EscapeString(q.Text), h.stamp(q.LastExecutedAt))
	}
	return b.String()
}

func (h *Handler) stamp(t time.Time) string {
	if !t.After(watcher.NeverExecuted) {
		return "never"
	}
	return t.In(h.location).Format("02.01.2006 15:04")
}

func (h *Handler) remove(ctx context.Context, chat Chat, c Remove) string {
	if _, err := h.store.Subscriber(ctx, chat.ID); err != nil {
		if errors.Is(err, watcher.ErrNotFound) {
			return needAccountText
		}
		return h.failed(ctx, "remove", err)
	}
	if len(c.IDs) == 0 && len(c.Invalid) == 0 {
		return "❗ Specify the index of a query to remove."
	}

	var lines []string
	for _, id := range c.IDs {
		q, err := h.store.RemoveQuery(ctx, chat.ID, id)
		switch {
		case errors.Is(err, watcher.ErrNotFound):
			lines = append(lines, fmt.Sprintf("❗ Incorrect index: <b>%d</b>.", id))
		case err != nil:
			return h.failed(ctx, "remove", err)
		default:
			lines = append(lines, fmt.Sprintf("❎ Query removed: <b>%d</b> (<b>%s</b>).", id, html.EscapeString(q.Text)))
		}
	}
	for _, arg := range c.Invalid {
		lines = append(lines, fmt.Sprintf("❗ Incorrect index: <b>%s</b>.", html.EscapeString(arg)))
	}
	return strings.Join(lines, "\n")
}

func (h *Handler) clear(ctx context.Context, chat Chat) string {
	err := h.store.ClearQueries(ctx, chat.ID)
	switch {
	case errors.Is(err, watcher.ErrNotFound):
		return needAccountText
	case err != nil:
		return h.failed(ctx, "clear", err)
	}
	return "🚽 All queries cleared."
}

func (h *Handler) stop(ctx context.Context, chat Chat) string {
	err := h.store.RemoveSubscriber(ctx, chat.ID)
	switch {
	case errors.Is(err, watcher.ErrNotFound):
		return "📋 There is no account associated with you."
	case err != nil:
		return h.failed(ctx, "stop", err)
	}
	return "🙋 Your account has been removed."
}
