package monitor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"go.uber.org/zap"

	"github.com/sessiontap/sessiontap/internal/config"
)

// State is the controller's position in the session lifecycle.
type State int32

const (
	StateLaunching State = iota
	StateMonitoring
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateLaunching:
		return "launching"
	case StateMonitoring:
		return "monitoring"
	case StateShuttingDown:
		return "shutting-down"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// BrowserSession is the slice of the browser manager the controller drives.
type BrowserSession interface {
	Context() context.Context
	Navigate(url string, timeout time.Duration) error
	Close(ctx context.Context) error
}

// Launcher produces a live browser session. Resolution and launch failures
// are fatal to the run; there is no fallback engine.
type Launcher interface {
	Launch(ctx context.Context) (BrowserSession, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context) (BrowserSession, error)

func (f LauncherFunc) Launch(ctx context.Context) (BrowserSession, error) { return f(ctx) }

// Controller owns one monitoring session end to end: launch, capture,
// correlation, recording, shutdown, persistence. It is the single consumer
// of the event queue; nothing else touches the arena or the recorder.
type Controller struct {
	cfg      *config.Config
	logger   *zap.Logger
	launcher Launcher

	// console receives the live line stream; operator delivers the
	// interactive stop (a single line, usually just Enter).
	console  io.Writer
	operator io.Reader

	// newSource builds the event source for a launched session's context.
	newSource func(ctx context.Context) EventSource

	state atomic.Int32
}

// NewController wires a controller for the given configuration. The
// console and operator default to the process's own stdio.
func NewController(cfg *config.Config, launcher Launcher, logger *zap.Logger) *Controller {
	c := &Controller{
		cfg:      cfg,
		logger:   logger.Named("controller"),
		launcher: launcher,
		console:  os.Stdout,
		operator: os.Stdin,
	}
	c.newSource = func(ctx context.Context) EventSource {
		return NewCapture(ctx, cfg.Capture, logger)
	}
	return c
}

// State reports the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	c.logger.Debug("State transition", zap.Stringer("state", s))
}

// Run executes a full monitoring session and blocks until it terminates.
// The returned error is nil only when the session flushed successfully; a
// launch failure reports before anything was captured, while later failures
// still persist whatever the session saw.
func (c *Controller) Run(ctx context.Context) error {
	c.setState(StateLaunching)

	sess, err := c.launcher.Launch(ctx)
	if err != nil {
		c.setState(StateTerminated)
		return fmt.Errorf("launching browser: %w", err)
	}

	err = c.run(ctx, sess, c.newSource(sess.Context()))
	c.setState(StateTerminated)
	return err
}

func (c *Controller) run(ctx context.Context, sess BrowserSession, source EventSource) error {
	recorder := NewRecorder(c.cfg.Output.Dir, SessionMeta{
		TargetURL: c.cfg.Session.TargetURL,
		Engine:    c.cfg.Browser.Engine,
		Headless:  c.cfg.Browser.Headless,
	}, c.console, c.logger)
	correlator := NewCorrelator(c.cfg.Capture, c.logger)

	// Capture must be listening before the first navigation byte moves, or
	// the document request itself goes unrecorded.
	if err := source.Attach(); err != nil {
		c.closeSession(sess)
		return fmt.Errorf("attaching capture: %w", err)
	}

	recorder.StartupBanner()
	c.setState(StateMonitoring)

	// Navigation runs on its own goroutine: the driver delivers events on
	// the same dispatch path a synchronous Run would block, so the consumer
	// loop must already be draining when the page starts loading.
	navDone := make(chan error, 1)
	go func() {
		navDone <- sess.Navigate(c.cfg.Session.TargetURL, c.cfg.Browser.NavigationTimeout)
	}()

	operator := c.watchOperator()

	var runErr error
	reason := ""

loop:
	for {
		select {
		case ev := <-source.Events():
			c.dispatch(ev, correlator, recorder, source)

		case err := <-navDone:
			navDone = nil
			switch {
			case err == nil:
				c.logger.Debug("Navigation settled")
			case errors.Is(err, context.DeadlineExceeded):
				c.logger.Warn("Navigation did not settle within budget, monitoring continues",
					zap.Duration("budget", c.cfg.Browser.NavigationTimeout))
			case sess.Context().Err() != nil:
				// The browser went away mid-navigation; the session-done
				// case owns that exit.
			default:
				c.logger.Error("Navigation failed", zap.String("url", c.cfg.Session.TargetURL), zap.Error(err))
				runErr = fmt.Errorf("navigating to %s: %w", c.cfg.Session.TargetURL, err)
				reason = "navigation failure"
				break loop
			}

		case <-operator:
			reason = "operator stop"
			break loop

		case <-ctx.Done():
			reason = "interrupt"
			break loop

		case <-sess.Context().Done():
			reason = "browser closed"
			break loop
		}
	}

	c.setState(StateShuttingDown)
	c.logger.Info("Shutting down", zap.String("reason", reason))

	c.drain(source, correlator, recorder)
	c.closeSession(sess)

	result, err := recorder.Flush()
	if err != nil {
		c.logger.Error("Flush failed, retrying once", zap.Error(err))
		result, err = recorder.Flush()
	}
	if err != nil {
		return errors.Join(runErr, fmt.Errorf("persisting session: %w", err))
	}

	recorder.ShutdownBanner(result)
	c.writeTokenFile(recorder)
	return runErr
}

// dispatch folds one queue entry into the arena and the recorder. Runs
// exclusively on the consumer goroutine.
func (c *Controller) dispatch(ev any, correlator *Correlator, recorder *Recorder, source EventSource) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		req, redirect := correlator.OnRequest(e)
		if redirect != nil {
			recorder.AppendResponse(redirect)
		}
		recorder.AppendRequest(req)

	case *network.EventResponseReceived:
		recorder.AppendResponse(correlator.OnResponse(e))

	case *network.EventLoadingFinished:
		if id, want := correlator.OnFinished(e); want {
			source.FetchBody(id)
		}

	case *network.EventLoadingFailed:
		recorder.AppendFailure(correlator.OnFailure(e))

	case *bodyResult:
		correlator.OnBodyResult(e)
	}
}

// drain gives in-flight events a short grace window, stops the source
// (waiting out body fetches so their results land), then empties whatever
// the queue still buffers.
func (c *Controller) drain(source EventSource, correlator *Correlator, recorder *Recorder) {
	grace := time.After(c.cfg.Capture.DrainGrace)
graceLoop:
	for {
		select {
		case ev := <-source.Events():
			c.dispatch(ev, correlator, recorder, source)
		case <-grace:
			break graceLoop
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Capture.BodyFetchTimeout)
	source.Stop(stopCtx)
	cancel()

	for {
		select {
		case ev := <-source.Events():
			c.dispatch(ev, correlator, recorder, source)
		default:
			return
		}
	}
}

func (c *Controller) closeSession(sess BrowserSession) {
	closeCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Browser.CloseTimeout)
	defer cancel()
	if err := sess.Close(closeCtx); err != nil {
		c.logger.Warn("Browser close incomplete", zap.Error(err))
	}
}

// watchOperator delivers one signal when the operator sends a line. EOF is
// not a stop: a detached console (piped stdin, service mode) must not end
// the session; signals still do.
func (c *Controller) watchOperator() <-chan struct{} {
	ch := make(chan struct{}, 1)
	if c.operator == nil {
		return ch
	}
	go func() {
		scanner := bufio.NewScanner(c.operator)
		if scanner.Scan() {
			ch <- struct{}{}
		}
	}()
	return ch
}

func (c *Controller) writeTokenFile(recorder *Recorder) {
	path := c.cfg.Output.TokenFile
	if path == "" {
		return
	}
	token, ok := FreshestToken(recorder.Log())
	if !ok {
		c.logger.Debug("No bearer token captured, token file not written", zap.String("path", path))
		return
	}
	if err := WriteTokenFile(path, token); err != nil {
		c.logger.Error("Token file write failed", zap.Error(err))
		return
	}
	c.logger.Info("Bearer token written", zap.String("path", path))
}
