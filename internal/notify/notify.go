// Package notify decorates a relay.Sink with per-session tick throttling and
// a circuit breaker around the transport.
package notify

import (
	"context"
	"errors"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"tickrelay.com/internal/relay"
	"tickrelay.com/pkg/logger"
	"tickrelay.com/pkg/metrics"
	"tickrelay.com/pkg/ratelimit"
	"tickrelay.com/pkg/xerr"
)

const breakerName = "notify"

var (
	ErrThrottled   = xerr.NewErrCode(xerr.Throttled)
	ErrUnavailable = xerr.New(xerr.UpstreamUnavailable, "messaging transport unavailable")
)

type Sink struct {
	next     relay.Sink
	limits   *ratelimit.Store // nil disables throttling
	breakers *ratelimit.Manager
}

func New(next relay.Sink, limits *ratelimit.Store, breakers *ratelimit.Manager) *Sink {
	return &Sink{next: next, limits: limits, breakers: breakers}
}

// Notify drops ticks over the session's budget and fails fast while the
// transport breaker is open. Replies and notices are never throttled.
func (s *Sink) Notify(ctx context.Context, session relay.SessionID, text string) error {
	if s.limits != nil && relay.IsTick(ctx) && !s.limits.Allow(string(session)) {
		metrics.RateLimitBlockTotal.WithLabelValues(breakerName, "session").Inc()
		return &relay.DeliveryError{Session: session, Err: ErrThrottled}
	}

	call := func() error { return s.next.Notify(ctx, session, text) }
	var err error
	if s.breakers != nil {
		err = s.breakers.Do(breakerName, call)
	} else {
		err = call()
	}
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		logger.Debug(ctx, "notify rejected by breaker", zap.Error(err))
		err = xerr.Wrap(err, xerr.UpstreamUnavailable, "messaging transport unavailable")
	}
	var de *relay.DeliveryError
	if errors.As(err, &de) {
		return err
	}
	return &relay.DeliveryError{Session: session, Err: err}
}
