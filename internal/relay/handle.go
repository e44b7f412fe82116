package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type State int32

const (
	Starting State = iota
	Streaming
	Stopping
	Closed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Streaming:
		return "streaming"
	case Stopping:
		return "stopping"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handle is the control handle of one subscription. The controller cancels
// through it; the owning worker drives its state and closes done on exit.
type Handle struct {
	id        string
	session   SessionID
	symbol    string
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	stopped   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func newHandle(parent context.Context, session SessionID, symbol string) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{
		id:        uuid.NewString(),
		session:   session,
		symbol:    symbol,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (h *Handle) ID() string           { return h.id }
func (h *Handle) Session() SessionID   { return h.session }
func (h *Handle) Symbol() string       { return h.symbol }
func (h *Handle) StartedAt() time.Time { return h.startedAt }
func (h *Handle) State() State         { return State(h.state.Load()) }

// Done is closed once the worker reached Closed and released its resources.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Stopped reports whether the subscription was ended by an explicit stop.
func (h *Handle) Stopped() bool { return h.stopped.Load() }

// Cancel requests an explicit stop. Safe to call any number of times.
func (h *Handle) Cancel() { h.stop() }

// Wait blocks until the worker is done or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop reports whether this call moved the handle into Stopping.
func (h *Handle) stop() bool {
	if !h.toStopping() {
		return false
	}
	h.stopped.Store(true)
	h.cancel()
	return true
}

func (h *Handle) toStopping() bool {
	for {
		cur := State(h.state.Load())
		if cur == Stopping || cur == Closed {
			return false
		}
		if h.state.CompareAndSwap(int32(cur), int32(Stopping)) {
			return true
		}
	}
}

// toStreaming fails if a stop won the race during connect.
func (h *Handle) toStreaming() bool {
	return h.state.CompareAndSwap(int32(Starting), int32(Streaming))
}

func (h *Handle) toClosed() {
	h.closeOnce.Do(func() {
		h.state.Store(int32(Closed))
		h.cancel()
		close(h.done)
	})
}
