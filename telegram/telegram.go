// Package telegram adapts the Telegram Bot API client to the service: context
// aware calls, string chat ids and errors that never carry the bot token.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// DefaultBaseURL is the public Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// ParseModeHTML selects Telegram's HTML message formatting.
const ParseModeHTML = tgbotapi.ModeHTML

// APIError is a request the Bot API answered with ok=false.
// ResponseParameters.RetryAfter is set on 429.
type APIError = tgbotapi.Error

// IsAPIError checks if an error came from the Bot API itself.
func IsAPIError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae)
}

type (
	// Update is one entry of a getUpdates response.
	Update = tgbotapi.Update
	// Message is an incoming message.
	Message = tgbotapi.Message
	// Chat is the conversation a message belongs to.
	Chat = tgbotapi.Chat
)

// OutgoingMessage is a sendMessage request.
type OutgoingMessage struct {
	ChatID                string
	Text                  string
	ParseMode             string
	DisableWebPagePreview bool
}

// Client calls Bot API methods for one bot token.
type Client struct {
	api    *tgbotapi.BotAPI
	logger *slog.Logger
}

// New creates a new client and checks the token with getMe. An empty baseURL
// uses DefaultBaseURL.
func New(httpClient *http.Client, token, baseURL string, logger *slog.Logger) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	endpoint := strings.TrimSuffix(baseURL, "/") + "/bot%s/%s"

	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("connect bot: %w", redact(err))
	}

	logger.Info("Telegram bot connected", "username", api.Self.UserName)
	return &Client{api: api, logger: logger}, nil
}

// redact drops the request URL, which embeds the token, from transport errors.
func redact(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}

// withContext runs call and returns early when ctx is done. The library has no
// context support; an abandoned call ends with the HTTP client's timeout.
func withContext[T any](ctx context.Context, call func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := call()
		done <- result{val: v, err: err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-done:
		return r.val, redact(r.err)
	}
}

// GetUpdates long-polls for updates starting at offset. The HTTP client's
// timeout must exceed the long-poll timeout.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	cfg := tgbotapi.NewUpdate(int(offset))
	cfg.Timeout = int(timeout.Seconds())
	cfg.AllowedUpdates = []string{"message"}

	start := time.Now()
	updates, err := withContext(ctx, func() ([]Update, error) {
		return c.api.GetUpdates(cfg)
	})
	if err != nil {
		return nil, fmt.Errorf("getUpdates: %w", err)
	}

	c.logger.DebugContext(ctx, "Telegram updates received",
		"count", len(updates),
		"duration_ms", time.Since(start).Milliseconds())
	return updates, nil
}

// SendMessage sends one message.
func (c *Client) SendMessage(ctx context.Context, msg OutgoingMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", msg.ChatID, err)
	}

	out := tgbotapi.NewMessage(chatID, msg.Text)
	out.ParseMode = msg.ParseMode
	out.DisableWebPagePreview = msg.DisableWebPagePreview

	if _, err := withContext(ctx, func() (tgbotapi.Message, error) {
		return c.api.Send(out)
	}); err != nil {
		return fmt.Errorf("sendMessage: %w", err)
	}
	return nil
}
