// Package telegram connects the relay to a Telegram bot: outbound messages,
// command routing and update intake by polling or webhook.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"tickrelay.com/internal/relay"
	"tickrelay.com/pkg/xerr"
)

// Sender is the part of *tgbotapi.BotAPI the sink needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// SessionOf maps a chat to its relay session.
func SessionOf(chatID int64) relay.SessionID {
	return relay.SessionID(strconv.FormatInt(chatID, 10))
}

func chatOf(s relay.SessionID) (int64, error) {
	return strconv.ParseInt(string(s), 10, 64)
}

type Sink struct {
	bot Sender
}

func NewSink(bot Sender) *Sink { return &Sink{bot: bot} }

func (s *Sink) Notify(ctx context.Context, session relay.SessionID, text string) error {
	if err := ctx.Err(); err != nil {
		return &relay.DeliveryError{Session: session, Err: err}
	}
	chatID, err := chatOf(session)
	if err != nil {
		return &relay.DeliveryError{Session: session, Err: err}
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := s.bot.Send(msg); err != nil {
		return &relay.DeliveryError{Session: session, Err: classify(err)}
	}
	return nil
}

// classify tags Bot API rejections with a code so metrics can tell flood
// control apart from everything else.
func classify(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		return xerr.Wrap(err, xerr.Throttled, "telegram flood control")
	}
	return err
}
