package tap

import (
	"context"
	"time"

	"github.com/segmentio/encoding/json"
	"tickrelay.com/internal/feed"
)

const topicPrefix = "tick:"

// Topic is the broker topic carrying ticks for symbol.
func Topic(symbol string) string { return topicPrefix + symbol }

// Event is the wire form of a relayed tick.
type Event struct {
	Source     string `json:"source"`
	Symbol     string `json:"symbol"`
	Price      string `json:"price"`
	Quantity   string `json:"qty,omitempty"`
	TradeID    string `json:"trade_id,omitempty"`
	ObservedAt int64  `json:"ts"`  // unix ms
	ReceivedAt int64  `json:"rts"` // unix ms
}

func NewEvent(t feed.Tick) Event {
	e := Event{
		Source:     t.Source,
		Symbol:     t.Symbol,
		Price:      t.PriceString(),
		TradeID:    t.TradeID,
		ObservedAt: t.ObservedAt.UnixMilli(),
		ReceivedAt: t.ReceivedAt.UnixMilli(),
	}
	if !t.Quantity.IsZero() {
		e.Quantity = feed.FormatDecimal(t.Quantity)
	}
	return e
}

func (e Event) Observed() time.Time { return time.UnixMilli(e.ObservedAt) }

// Publisher publishes ticks to a Broker. It implements relay.TickPublisher.
type Publisher struct {
	b Broker
}

func NewPublisher(b Broker) *Publisher { return &Publisher{b: b} }

func (p *Publisher) PublishTick(ctx context.Context, t feed.Tick) error {
	payload, err := json.Marshal(NewEvent(t))
	if err != nil {
		return err
	}
	return p.b.Publish(ctx, Topic(t.Symbol), payload)
}
