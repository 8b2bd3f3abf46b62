package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/sessiontap/sessiontap/internal/config"
)

// valueOnlyContext strips cancellation from the session context so a body
// fetch already in flight at shutdown can still complete within its own
// timeout instead of dying with the page.
type valueOnlyContext struct{ context.Context }

func (valueOnlyContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (valueOnlyContext) Done() <-chan struct{}       { return nil }
func (valueOnlyContext) Err() error                  { return nil }

// bodyResult carries an asynchronously fetched response body back into the
// event queue. Routing it through the queue keeps every mutation of
// correlation state on the single consumer goroutine.
type bodyResult struct {
	requestID network.RequestID
	body      []byte
	err       error
}

// EventSource is the capture surface the session controller consumes. The
// protocol-backed implementation is Capture; tests substitute a scripted
// source.
type EventSource interface {
	// Attach subscribes to the protocol's network events. It must be called
	// before navigation begins or the initial document request is missed.
	Attach() error
	// Events exposes the queue. Entries are cdproto network events plus the
	// internal bodyResult type.
	Events() <-chan any
	// FetchBody retrieves a response body asynchronously and posts the
	// outcome back onto the queue.
	FetchBody(id network.RequestID)
	// Stop waits for in-flight body fetches (bounded by ctx), then releases
	// any producer blocked on a full queue. Events already buffered remain
	// readable.
	Stop(ctx context.Context)
}

// Capture converts the driver's network event callbacks into a bounded,
// single-consumer queue. The callbacks do no interpretation: they forward
// the protocol payload and return. A full queue blocks the callback
// (back-pressure) rather than dropping the event.
type Capture struct {
	ctx    context.Context
	logger *zap.Logger
	cfg    config.CaptureConfig

	events   chan any
	stop     chan struct{}
	stopOnce sync.Once
	fetches  sync.WaitGroup
	dropped  atomic.Int64
}

// NewCapture builds the capture layer for one browser target context.
func NewCapture(ctx context.Context, cfg config.CaptureConfig, logger *zap.Logger) *Capture {
	return &Capture{
		ctx:    ctx,
		logger: logger.Named("capture"),
		cfg:    cfg,
		events: make(chan any, cfg.QueueSize),
		stop:   make(chan struct{}),
	}
}

// Attach registers the event listener and enables the protocol's network
// domain. Listener registration happens first so no event slips between
// enabling the domain and subscribing.
func (c *Capture) Attach() error {
	chromedp.ListenTarget(c.ctx, func(ev any) {
		switch ev.(type) {
		case *network.EventRequestWillBeSent,
			*network.EventResponseReceived,
			*network.EventLoadingFailed,
			*network.EventLoadingFinished:
			c.enqueue(ev)
		}
	})

	if err := chromedp.Run(c.ctx, network.Enable()); err != nil {
		// A dead session context means the browser is already gone; the
		// caller's lifecycle handling owns that failure.
		if c.ctx.Err() != nil {
			return nil
		}
		return err
	}

	c.logger.Debug("Capture attached, network events enabled")
	return nil
}

// Events returns the queue for the single consumer.
func (c *Capture) Events() <-chan any {
	return c.events
}

// enqueue blocks when the queue is full, trading driver-side latency for a
// lossless record. Once Stop has released the queue, late events are counted
// and discarded instead of wedging the driver's dispatch goroutine.
func (c *Capture) enqueue(ev any) {
	select {
	case c.events <- ev:
	case <-c.stop:
		c.dropped.Add(1)
	}
}

// FetchBody pulls the response body for id off the wire on its own
// goroutine and posts a bodyResult back into the queue. Called only from
// the consumer, after the protocol reported the load finished, so response
// headers are already available.
func (c *Capture) FetchBody(id network.RequestID) {
	select {
	case <-c.stop:
		return
	default:
	}

	c.fetches.Add(1)
	go func() {
		defer c.fetches.Done()

		ctx, cancel := context.WithTimeout(valueOnlyContext{c.ctx}, c.cfg.BodyFetchTimeout)
		defer cancel()

		body, err := network.GetResponseBody(id).Do(ctx)
		c.enqueue(&bodyResult{requestID: id, body: body, err: err})
	}()
}

// Stop drains the producer side: it waits for outstanding body fetches
// (bounded by ctx) so their results land in the queue, then unblocks any
// producer stuck on a full buffer. Safe to call more than once.
func (c *Capture) Stop(ctx context.Context) {
	c.stopOnce.Do(func() {
		done := make(chan struct{})
		go func() {
			c.fetches.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			c.logger.Debug("Gave up waiting for in-flight body fetches", zap.Error(ctx.Err()))
		}

		close(c.stop)

		if n := c.dropped.Load(); n > 0 {
			c.logger.Debug("Events discarded after capture stopped", zap.Int64("count", n))
		}
	})
}
