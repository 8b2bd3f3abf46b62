package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func newTestCapture(t *testing.T, queueSize int) *Capture {
	t.Helper()
	cfg := testCaptureConfig()
	cfg.QueueSize = queueSize
	return NewCapture(context.Background(), cfg, zap.NewNop())
}

func TestEnqueueDropsAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := newTestCapture(t, 4)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.Stop(ctx)

	c.enqueue("late event")
	assert.Equal(t, int64(1), c.dropped.Load())
	assert.Empty(t, c.events)
}

func TestEnqueueBackpressureReleasedByStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := newTestCapture(t, 1)

	c.enqueue("first")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.enqueue("second") // queue full: blocks until Stop releases it
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.Stop(ctx)
	wg.Wait()

	assert.Equal(t, int64(1), c.dropped.Load())

	select {
	case ev := <-c.Events():
		assert.Equal(t, "first", ev, "already-buffered events survive Stop")
	default:
		t.Fatal("buffered event should remain readable")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := newTestCapture(t, 4)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.Stop(ctx)
	c.Stop(ctx)
}

func TestFetchBodyPostsResultIntoQueue(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := newTestCapture(t, 4)

	// A context with no protocol executor makes the fetch fail fast; the
	// failure still has to arrive through the queue like any other event.
	c.FetchBody("r1")

	select {
	case ev := <-c.Events():
		r, ok := ev.(*bodyResult)
		require.True(t, ok)
		assert.Equal(t, "r1", string(r.requestID))
		assert.Error(t, r.err)
	case <-time.After(2 * time.Second):
		t.Fatal("body result never arrived")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.Stop(ctx)
}

func TestFetchBodyAfterStopIsNoop(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := newTestCapture(t, 4)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.Stop(ctx)

	c.FetchBody("r1")
	assert.Empty(t, c.events, "no fetches start once the source is stopped")
}
