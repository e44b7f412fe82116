package safe

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoCtx_RecoversPanic(t *testing.T) {
	done := make(chan struct{})
	GoCtx(context.Background(), func(ctx context.Context) {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestGroup_WaitJoinsAll(t *testing.T) {
	var g Group
	var n atomic.Int32
	for i := 0; i < 10; i++ {
		g.Go(context.Background(), func(ctx context.Context) {
			time.Sleep(10 * time.Millisecond)
			n.Add(1)
		})
	}
	g.Go(context.Background(), func(ctx context.Context) { panic("worker died") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, g.Wait(ctx))
	assert.Equal(t, int32(10), n.Load())
}

func TestGroup_WaitHonorsDeadline(t *testing.T) {
	var g Group
	release := make(chan struct{})
	defer close(release)
	g.Go(context.Background(), func(ctx context.Context) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)
}
