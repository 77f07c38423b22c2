// Package notify delivers operator alerts raised by the reconciler.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram limits a message to 4096 characters.
const maxMessageLen = 4096

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts alerts into a single chat.
type Telegram struct {
	api    sender
	chatID int64
	log    *slog.Logger
}

func NewTelegram(token string, chatID int64, log *slog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Telegram{api: api, chatID: chatID, log: log}, nil
}

// NewTelegramWithEndpoint is NewTelegram against a custom Bot API endpoint,
// such as a self-hosted server. endpoint uses the "%s/%s" token/method format.
func NewTelegramWithEndpoint(token, endpoint string, client *http.Client, chatID int64, log *slog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Telegram{api: api, chatID: chatID, log: log}, nil
}

func (t *Telegram) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, clip(text))
	msg.DisableWebPagePreview = true
	if _, err := t.api.Send(msg); err != nil {
		t.log.Error("send alert", "chat_id", t.chatID, "err", err)
		return fmt.Errorf("send alert: %w", err)
	}
	return nil
}

func clip(text string) string {
	if utf8.RuneCountInString(text) <= maxMessageLen {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxMessageLen-1]) + "…"
}

// Log writes alerts to the application log. It is used when no alert chat is configured.
type Log struct {
	log *slog.Logger
}

func NewLog(log *slog.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Notify(_ context.Context, text string) error {
	l.log.Warn("operator alert", "text", text)
	return nil
}
