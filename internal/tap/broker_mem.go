package tap

import (
	"context"
	"sync"

	"tickrelay.com/pkg/safe"
)

// MemBroker is an in-process Broker. Slow subscribers miss messages.
type MemBroker struct {
	mu   sync.RWMutex
	subs map[string][]chan Message
	buf  int
}

func NewMemBroker() *MemBroker {
	return &MemBroker{subs: make(map[string][]chan Message), buf: 4096}
}

func (b *MemBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	msg := Message{Topic: topic, Payload: payload}

	// sends happen under the read lock so an unsubscribe cannot close a
	// channel mid-send
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (b *MemBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	ch := make(chan Message, b.buf)
	b.mu.Lock()
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], ch)
	}
	b.mu.Unlock()

	safe.GoCtx(ctx, func(ctx context.Context) {
		<-ctx.Done()
		b.unsubscribe(topics, ch)
		close(ch)
	})
	return ch, nil
}

func (b *MemBroker) unsubscribe(topics []string, ch chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		list := b.subs[t]
		for i, c := range list {
			if c == ch {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(b.subs, t)
		} else {
			b.subs[t] = list
		}
	}
}

func (b *MemBroker) Close() error { return nil }
