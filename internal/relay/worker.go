package relay

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"tickrelay.com/internal/feed"
	"tickrelay.com/pkg/logger"
	"tickrelay.com/pkg/metrics"
	"tickrelay.com/pkg/xerr"
)

// end reasons, also the streams_ended_total label
const (
	endStopped  = "stopped"
	endShutdown = "shutdown"
	endUpstream = "upstream"
	endConnect  = "connect_error"
)

const noticeTimeout = 5 * time.Second

// Worker owns one upstream stream for the lifetime of one subscription.
type Worker struct {
	Source      feed.Source
	Sink        Sink
	Registry    *Registry
	Publisher   TickPublisher // optional
	NotifyOnEnd bool
}

// Run streams ticks for h until it is cancelled or the upstream ends, then
// closes the stream, deregisters h and marks it Closed. release, when set,
// is called once on exit.
func (w *Worker) Run(h *Handle, release func()) {
	ctx := logger.WithSession(h.ctx, string(h.session))
	reason := endUpstream
	var st feed.Stream

	defer func() {
		w.finish(ctx, h, st, reason, release)
	}()

	begin := time.Now()
	s, err := w.Source.Open(ctx, h.symbol)
	metrics.ObserveConnect(w.Source.Name(), time.Since(begin), err)
	if err != nil {
		if ctx.Err() != nil {
			reason = cancelReason(h)
			logger.Debug(ctx, "connect aborted", zap.String("symbol", h.symbol))
			return
		}
		reason = endConnect
		logger.Warn(ctx, "upstream connect failed",
			zap.String("symbol", h.symbol),
			zap.Int("code", xerr.CodeOf(err)),
			zap.Error(err),
		)
		return
	}
	st = s

	// a stop or shutdown unblocks the pending Next
	unhook := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer unhook()

	if !h.toStreaming() {
		reason = cancelReason(h)
		return
	}
	logger.Info(ctx, "stream started", zap.String("symbol", h.symbol), zap.String("handle", h.id))

	for {
		tick, err := s.Next()
		if err != nil {
			if feed.IsDecode(err) {
				metrics.DecodeErrorsTotal.WithLabelValues(w.Source.Name()).Inc()
				logger.Debug(ctx, "skip malformed frame", zap.Error(err))
				continue
			}
			if ctx.Err() != nil {
				reason = cancelReason(h)
				return
			}
			// ErrClosed without a cancel means someone closed the stream
			// out of band; it is an upstream end like any other.
			if !errors.Is(err, feed.ErrClosed) {
				logger.Warn(ctx, "upstream stream ended", zap.String("symbol", h.symbol), zap.Error(err))
			}
			reason = endUpstream
			return
		}
		if ctx.Err() != nil {
			reason = cancelReason(h)
			return
		}

		metrics.TicksRelayedTotal.WithLabelValues(w.Source.Name()).Inc()
		if w.Publisher != nil {
			if perr := w.Publisher.PublishTick(ctx, tick); perr != nil {
				logger.Debug(ctx, "tick publish failed", zap.Error(perr))
			}
		}
		w.deliver(WithTick(ctx), h.session, FormatTick(tick))
	}
}

func (w *Worker) finish(ctx context.Context, h *Handle, st feed.Stream, reason string, release func()) {
	// whoever moves the handle to Stopping owns the user-visible outcome:
	// a stop that got there first has already replied "stopped"
	owned := h.toStopping()
	if st != nil {
		_ = st.Close()
	}
	w.Registry.Remove(h.session, h)
	if release != nil {
		release()
	}

	switch {
	case reason == endConnect:
		w.notice(ctx, h.session, MsgConnectFailed(h.symbol))
	case reason == endUpstream && w.NotifyOnEnd && owned:
		w.notice(ctx, h.session, MsgStreamEnded(h.symbol))
	}

	metrics.OnEnd(reason)
	logger.Info(ctx, "stream closed",
		zap.String("symbol", h.symbol),
		zap.String("reason", reason),
		zap.Duration("lifetime", time.Since(h.startedAt)),
	)
	h.toClosed()
}

// notice sends a lifecycle message that must not be cut short by the
// handle's own cancellation.
func (w *Worker) notice(ctx context.Context, session SessionID, text string) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), noticeTimeout)
	defer cancel()
	w.deliver(nctx, session, text)
}

func (w *Worker) deliver(ctx context.Context, session SessionID, text string) {
	if err := w.Sink.Notify(ctx, session, text); err != nil {
		code := xerr.CodeOf(err)
		metrics.DeliveryErrorsTotal.WithLabelValues(xerr.Label(code)).Inc()
		logger.Warn(ctx, "notify failed", zap.Int("code", code), zap.Error(err))
	}
}

func cancelReason(h *Handle) string {
	if h.Stopped() {
		return endStopped
	}
	return endShutdown
}
