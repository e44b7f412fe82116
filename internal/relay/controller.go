package relay

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"tickrelay.com/internal/feed"
	"tickrelay.com/pkg/logger"
	"tickrelay.com/pkg/metrics"
	"tickrelay.com/pkg/safe"
	"tickrelay.com/pkg/xerr"
)

var (
	ErrInvalidSymbol  = feed.ErrInvalidSymbol
	ErrAlreadyActive  = xerr.NewErrCode(xerr.AlreadyActive)
	ErrNoActiveStream = xerr.NewErrCode(xerr.NoActiveStream)
	ErrShuttingDown   = xerr.New(xerr.UpstreamUnavailable, "relay shutting down")
)

const leasePrefix = "relay:session:"

type Option func(*Controller)

func WithRegistry(r *Registry) Option { return func(c *Controller) { c.reg = r } }

// WithGuard makes Start claim the session across replicas.
func WithGuard(g Guard) Option { return func(c *Controller) { c.guard = g } }

func WithPublisher(p TickPublisher) Option { return func(c *Controller) { c.pub = p } }

// WithNotifyOnEnd sends a notice when the upstream ends a stream.
func WithNotifyOnEnd(v bool) Option { return func(c *Controller) { c.notifyOnEnd = v } }

// Controller starts and stops relay workers, one per session.
type Controller struct {
	source      feed.Source
	sink        Sink
	reg         *Registry
	guard       Guard
	pub         TickPublisher
	notifyOnEnd bool

	root      context.Context
	cancelAll context.CancelFunc
	workers   safe.Group
	mu        sync.RWMutex // guards closing against in-flight spawns
	closing   bool
	tracer    trace.Tracer
}

func NewController(source feed.Source, sink Sink, opts ...Option) *Controller {
	c := &Controller{
		source: source,
		sink:   sink,
		tracer: otel.Tracer("tickrelay/relay"),
	}
	for _, o := range opts {
		o(c)
	}
	if c.reg == nil {
		c.reg = NewRegistry()
	}
	// workers outlive the request that started them
	c.root, c.cancelAll = context.WithCancel(context.Background())
	return c
}

func (c *Controller) Registry() *Registry { return c.reg }

// Start validates text, registers a new subscription for session and spawns
// its worker. The acknowledgement is sent before the worker runs. Rejections
// are replied to the session and returned.
func (c *Controller) Start(ctx context.Context, session SessionID, text string) (*Handle, error) {
	ctx = logger.WithSession(ctx, string(session))
	ctx, span := c.tracer.Start(ctx, "relay.Start", trace.WithAttributes(
		attribute.String("session", string(session)),
		attribute.String("input", text),
	))
	defer span.End()

	h, err := c.start(ctx, session, text)
	if err != nil {
		code := xerr.CodeOf(err)
		metrics.StartRejectedTotal.WithLabelValues(xerr.Label(code)).Inc()
		span.SetStatus(codes.Error, xerr.Label(code))
		logger.Info(ctx, "start rejected", zap.String("input", text), zap.Int("code", code))
		return nil, err
	}
	span.SetAttributes(attribute.String("symbol", h.symbol), attribute.String("handle", h.id))
	return h, nil
}

func (c *Controller) start(ctx context.Context, session SessionID, text string) (*Handle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closing {
		c.reply(ctx, session, MsgUnavailable)
		return nil, ErrShuttingDown
	}

	raw := strings.TrimSpace(text)
	sym, err := c.source.Normalize(raw)
	if err != nil {
		c.reply(ctx, session, MsgInvalidSymbol(raw))
		return nil, err
	}

	h := newHandle(c.root, session, sym)
	if !c.reg.TryRegister(session, h) {
		h.toClosed()
		c.replyBusy(ctx, session)
		return nil, ErrAlreadyActive
	}

	var release func()
	if c.guard != nil {
		rel, ok, gerr := c.guard.Acquire(ctx, leasePrefix+string(session), h.id)
		switch {
		case gerr != nil:
			// the lease is advisory; keep serving this replica
			logger.Warn(ctx, "session lease unavailable", zap.Error(gerr))
		case !ok:
			c.reg.Remove(session, h)
			h.toClosed()
			c.reply(ctx, session, MsgAlreadyActive(sym))
			return nil, ErrAlreadyActive
		default:
			release = rel
		}
	}

	metrics.OnStart()
	c.reply(ctx, session, MsgStarting(sym))

	w := &Worker{
		Source:      c.source,
		Sink:        c.sink,
		Registry:    c.reg,
		Publisher:   c.pub,
		NotifyOnEnd: c.notifyOnEnd,
	}
	c.workers.Go(h.ctx, func(context.Context) { w.Run(h, release) })
	return h, nil
}

func (c *Controller) replyBusy(ctx context.Context, session SessionID) {
	cur, ok := c.reg.Get(session)
	switch {
	case !ok:
		// it closed in between; still report busy, the retry will succeed
		c.reply(ctx, session, MsgAlreadyActive("a symbol"))
	case cur.State() == Stopping:
		c.reply(ctx, session, MsgStillClosing(cur.symbol))
	default:
		c.reply(ctx, session, MsgAlreadyActive(cur.symbol))
	}
}

// Stop cancels session's subscription and replies without waiting for the
// worker to finish closing.
func (c *Controller) Stop(ctx context.Context, session SessionID) error {
	ctx = logger.WithSession(ctx, string(session))
	ctx, span := c.tracer.Start(ctx, "relay.Stop", trace.WithAttributes(
		attribute.String("session", string(session)),
	))
	defer span.End()

	h, ok := c.reg.Get(session)
	if !ok || !h.stop() {
		span.SetStatus(codes.Error, xerr.Label(xerr.NoActiveStream))
		c.reply(ctx, session, MsgNoActiveStream)
		return ErrNoActiveStream
	}

	logger.Info(ctx, "stop requested", zap.String("symbol", h.symbol), zap.String("handle", h.id))
	c.reply(ctx, session, MsgStopped(h.symbol))
	return nil
}

// Active returns the symbol session is streaming, if any.
func (c *Controller) Active(session SessionID) (string, bool) {
	h, ok := c.reg.Get(session)
	if !ok {
		return "", false
	}
	s := h.State()
	if s != Starting && s != Streaming {
		return "", false
	}
	return h.symbol, true
}

// Shutdown refuses new starts, cancels every worker and waits for them to
// release their streams or for ctx to end.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	n := c.reg.Len()
	c.cancelAll()
	err := c.workers.Wait(ctx)
	logger.Info(ctx, "relay shut down", zap.Int("streams", n), zap.Error(err))
	return err
}

func (c *Controller) reply(ctx context.Context, session SessionID, text string) {
	if err := c.sink.Notify(ctx, session, text); err != nil {
		code := xerr.CodeOf(err)
		metrics.DeliveryErrorsTotal.WithLabelValues(xerr.Label(code)).Inc()
		logger.Warn(ctx, "reply failed", zap.Int("code", code), zap.Error(err))
	}
}
