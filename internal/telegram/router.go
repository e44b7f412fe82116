package telegram

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"tickrelay.com/internal/feed"
	"tickrelay.com/internal/quote"
	"tickrelay.com/internal/relay"
	"tickrelay.com/pkg/logger"
)

const (
	MsgWelcome = "Welcome to BlackbirdAI! How can I assist you today?\n\n" +
		"/stream <symbol> - live prices, e.g. /stream BTCUSDT\n" +
		"/stop - stop the live prices\n" +
		"/price <symbol> - latest price"
	MsgUnknown     = "I don't know what you are saying. Use /start to begin."
	MsgPriceFailed = "Could not fetch the price right now, please try again later."
)

// Streams is the relay controller as seen from chat commands.
type Streams interface {
	Start(ctx context.Context, session relay.SessionID, text string) (*relay.Handle, error)
	Stop(ctx context.Context, session relay.SessionID) error
}

type Quoter interface {
	Price(ctx context.Context, raw string) (quote.Quote, error)
}

// Router turns updates into relay operations and replies.
type Router struct {
	streams Streams
	quotes  Quoter // nil disables /price
	reply   relay.Sink
}

func NewRouter(streams Streams, quotes Quoter, reply relay.Sink) *Router {
	return &Router{streams: streams, quotes: quotes, reply: reply}
}

func (r *Router) Handle(ctx context.Context, upd tgbotapi.Update) {
	m := upd.Message
	if m == nil || m.Chat == nil {
		return
	}
	session := SessionOf(m.Chat.ID)
	ctx = logger.WithSession(ctx, string(session))

	if !m.IsCommand() {
		// stickers, photos and other non-text messages get no reply
		if strings.TrimSpace(m.Text) != "" {
			r.send(ctx, session, MsgUnknown)
		}
		return
	}

	args := strings.TrimSpace(m.CommandArguments())
	switch m.Command() {
	case "start", "help":
		r.send(ctx, session, MsgWelcome)
	case "stream":
		// outcomes are replied by the controller
		_, _ = r.streams.Start(ctx, session, args)
	case "stop":
		_ = r.streams.Stop(ctx, session)
	case "price":
		r.price(ctx, session, args)
	default:
		r.send(ctx, session, MsgUnknown)
	}
}

func (r *Router) price(ctx context.Context, session relay.SessionID, args string) {
	if r.quotes == nil {
		r.send(ctx, session, MsgUnknown)
		return
	}
	q, err := r.quotes.Price(ctx, args)
	switch {
	case err == nil:
		r.send(ctx, session, q.String())
	case feed.IsInvalidSymbol(err):
		r.send(ctx, session, relay.MsgInvalidSymbol(args))
	default:
		logger.Warn(ctx, "price lookup failed", zap.String("input", args), zap.Error(err))
		r.send(ctx, session, MsgPriceFailed)
	}
}

func (r *Router) send(ctx context.Context, session relay.SessionID, text string) {
	if err := r.reply.Notify(ctx, session, text); err != nil {
		logger.Warn(ctx, "reply failed", zap.Error(err))
	}
}
