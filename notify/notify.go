// Package notify formats listings and delivers them to subscribers through a pluggable provider.
package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/microcosm-cc/bluemonday"

	"tori-watcher/pkg/watcher"
)

// stampLayout renders listing timestamps the way the marketplace shows them.
const stampLayout = "02.01.2006 15:04"

var stripPolicy = bluemonday.StrictPolicy()

// Provider defines the interface for message delivery implementations.
type Provider interface {
	// Send delivers an HTML formatted message to a subscriber.
	Send(ctx context.Context, to, text string) error
}

// Sender sends notifications using a pluggable provider.
type Sender struct {
	provider   Provider
	logger     *slog.Logger
	location   *time.Location
	retryDelay time.Duration
}

// New creates a new sender. Timestamps are rendered in loc.
func New(provider Provider, logger *slog.Logger, loc *time.Location) *Sender {
	if loc == nil {
		loc = time.UTC
	}
	return &Sender{
		provider:   provider,
		logger:     logger,
		location:   loc,
		retryDelay: time.Second,
	}
}

// Notify sends one listing found by queryText.
func (s *Sender) Notify(ctx context.Context, subscriberID, queryText string, listing *watcher.Listing) error {
	s.logger.InfoContext(ctx, "Sending listing notification",
		"to", subscriberID,
		"query", queryText,
		"listing_url", listing.URL)

	return s.deliver(ctx, subscriberID, s.FormatListing(queryText, listing))
}

// Reply sends a preformatted command response.
func (s *Sender) Reply(ctx context.Context, subscriberID, text string) error {
	return s.deliver(ctx, subscriberID, text)
}

// FormatListing renders the notification text in Telegram HTML.
func (s *Sender) FormatListing(queryText string, listing *watcher.Listing) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<i>From query '%s':</i>\n", html.EscapeString(queryText))
	fmt.Fprintf(&b, "<b>%s</b>\n", sanitize(listing.Title))
	b.WriteString(sanitize(listing.URL))
	b.WriteString("\n")
	b.WriteString(listing.UpdatedAt.In(s.location).Format(stampLayout))
	return b.String()
}

// sanitize drops any markup and escapes the rest for an HTML parse mode message.
func sanitize(s string) string {
	return stripPolicy.Sanitize(s)
}

func (s *Sender) deliver(ctx context.Context, to, text string) error {
	err := retry.Do(
		func() error {
			return s.provider.Send(ctx, to, text)
		},
		retry.Attempts(3),
		retry.Delay(s.retryDelay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(s.retryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.InfoContext(ctx, "Retrying message delivery after error", "attempt", n, "to", to, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("deliver message: %w", err)
	}
	return nil
}
