package relay

import (
	"context"
	"fmt"

	"tickrelay.com/internal/feed"
	"tickrelay.com/pkg/xerr"
)

// SessionID identifies one conversation. For Telegram it is the decimal chat id.
type SessionID string

// Sink delivers a text notification to a session. Failures are reported as
// *DeliveryError and are never fatal to a stream.
type Sink interface {
	Notify(ctx context.Context, session SessionID, text string) error
}

type SinkFunc func(ctx context.Context, session SessionID, text string) error

func (f SinkFunc) Notify(ctx context.Context, session SessionID, text string) error {
	return f(ctx, session, text)
}

type DeliveryError struct {
	Session SessionID
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.Session, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ErrCode keeps the inner code (e.g. Throttled) when there is one.
func (e *DeliveryError) ErrCode() int {
	if c := xerr.CodeOf(e.Err); c != xerr.ServerCommonError && c != xerr.OK {
		return c
	}
	return xerr.DeliveryFailed
}

// TickPublisher receives every relayed tick. Publishing is best effort.
type TickPublisher interface {
	PublishTick(ctx context.Context, t feed.Tick) error
}

// Guard is a cross-process claim on a key. Acquire returns ok=false when
// someone else holds it. release must be safe to call once.
type Guard interface {
	Acquire(ctx context.Context, key, owner string) (release func(), ok bool, err error)
}

type tickKey struct{}

// WithTick marks ctx as carrying a tick notification.
func WithTick(ctx context.Context) context.Context {
	return context.WithValue(ctx, tickKey{}, true)
}

// IsTick reports whether a Notify carries a tick rather than a reply or
// lifecycle notice. Decorators may drop ticks under load, never replies.
func IsTick(ctx context.Context) bool {
	v, _ := ctx.Value(tickKey{}).(bool)
	return v
}
