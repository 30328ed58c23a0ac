package notify

import (
	"context"
	"errors"
	"net/http"

	"github.com/codeGROOVE-dev/retry"

	"tori-watcher/telegram"
)

// MessageSender is the Bot API call TelegramProvider needs.
type MessageSender interface {
	SendMessage(ctx context.Context, msg telegram.OutgoingMessage) error
}

// TelegramProvider sends messages to Telegram chats; the recipient is the chat id.
type TelegramProvider struct {
	client MessageSender
}

// NewTelegramProvider creates a new Telegram provider.
func NewTelegramProvider(client MessageSender) *TelegramProvider {
	return &TelegramProvider{client: client}
}

// Send sends text to chat to in HTML parse mode.
// Rejections that will not change on retry (blocked bot, bad chat) are unrecoverable.
func (p *TelegramProvider) Send(ctx context.Context, to, text string) error {
	err := p.client.SendMessage(ctx, telegram.OutgoingMessage{
		ChatID:    to,
		Text:      text,
		ParseMode: telegram.ParseModeHTML,
	})
	var apiErr *telegram.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound:
			return retry.Unrecoverable(err)
		}
	}
	return err
}
