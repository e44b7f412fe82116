package safe

import (
	"context"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
	"tickrelay.com/pkg/logger"
)

// Go starts fn in a goroutine that recovers and logs panics.
func Go(fn func()) {
	GoCtx(context.Background(), func(context.Context) { fn() })
}

// GoCtx is Go with a context, so the panic log keeps the caller's fields.
func GoCtx(ctx context.Context, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer recoverAndLog(ctx)
		fn(ctx)
	}()
}

func recoverAndLog(ctx context.Context) {
	if r := recover(); r != nil {
		logger.Error(ctx, "goroutine panic recovered",
			zap.Any("panic", r),
			zap.String("stack", string(debug.Stack())),
		)
	}
}

// Group tracks panic-safe goroutines so an owner can join them on shutdown.
type Group struct {
	wg sync.WaitGroup
}

// Go runs fn under the group.
func (g *Group) Go(ctx context.Context, fn func(ctx context.Context)) {
	g.wg.Add(1)
	GoCtx(ctx, func(ctx context.Context) {
		defer g.wg.Done()
		fn(ctx)
	})
}

// Wait blocks until every goroutine started by the group has returned or ctx
// is done, whichever comes first.
func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
