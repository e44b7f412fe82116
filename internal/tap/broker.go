// Package tap fans relayed ticks out to other consumers over a broker.
package tap

import "context"

type Message struct {
	Topic   string
	Payload []byte
}

type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe delivers at most once; the channel closes when ctx ends.
	Subscribe(ctx context.Context, topics []string) (<-chan Message, error)
	Close() error
}
