package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/sessiontap/sessiontap/internal/browser/stealth"
	"github.com/sessiontap/sessiontap/internal/config"
)

// Manager resolves the requested engine and owns the browser process for
// the lifetime of a monitoring session. Only the session controller may
// command the lifecycle (launch, navigate, close).
type Manager struct {
	logger *zap.Logger
	cfg    *config.Config
}

// NewManager creates the browser manager.
func NewManager(cfg *config.Config, logger *zap.Logger) *Manager {
	return &Manager{
		logger: logger.Named("browser"),
		cfg:    cfg,
	}
}

// Session is one live browser under the monitor's control. The embedded
// context carries the driver's target handle; the capture layer listens on
// it and the controller navigates through it.
type Session struct {
	engine Engine
	logger *zap.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	firefox     *firefoxProcess

	closeOnce sync.Once
	closeErr  error
}

// Launch resolves the configured engine, starts the browser, and applies
// the stealth persona to the fresh context. Any resolution or startup error
// is fatal to the run; there is no engine fallback.
func (m *Manager) Launch(ctx context.Context) (*Session, error) {
	engine, err := ParseEngine(m.cfg.Browser.Engine)
	if err != nil {
		return nil, err
	}

	s := &Session{engine: engine, logger: m.logger}

	switch engine {
	case EngineWebKit:
		return nil, fmt.Errorf("%w: webkit exposes no DevTools protocol endpoint for network capture", ErrEngineUnavailable)

	case EngineFirefox:
		execPath := m.cfg.Browser.ExecutablePath
		if execPath == "" {
			if execPath, err = findFirefoxExecutable(); err != nil {
				return nil, err
			}
		}
		proc, wsURL, err := launchFirefox(ctx, execPath, m.cfg.Browser.RemoteDebugPort, m.cfg.Browser.Headless, m.logger)
		if err != nil {
			return nil, err
		}
		s.firefox = proc
		allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, wsURL, chromedp.NoModifyURL)
		s.allocCancel = allocCancel
		s.ctx, s.cancel = chromedp.NewContext(allocCtx,
			chromedp.WithLogf(m.logger.Sugar().Debugf),
			chromedp.WithErrorf(m.logger.Sugar().Errorf),
		)

	case EngineDesktopChrome, EngineBundledChromium:
		opts, err := m.generateAllocatorOptions(engine)
		if err != nil {
			return nil, err
		}
		allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
		s.allocCancel = allocCancel
		s.ctx, s.cancel = chromedp.NewContext(allocCtx,
			chromedp.WithLogf(m.logger.Sugar().Debugf),
			chromedp.WithErrorf(m.logger.Sugar().Errorf),
		)
	}

	// Materialize the browser process and the initial blank target. Failing
	// here means the engine could not actually come up.
	if err := chromedp.Run(s.ctx, chromedp.Navigate("about:blank")); err != nil {
		s.teardown()
		return nil, fmt.Errorf("%w: starting %s: %v", ErrEngineUnavailable, engine, err)
	}

	// Stealth is best effort: a rejected patch degrades the session but
	// never aborts it.
	if err := stealth.ApplyEvasions(s.ctx, m.cfg.Persona, m.logger); err != nil {
		m.logger.Debug("Stealth patch rejected, continuing unpatched", zap.Error(err))
	}

	m.logger.Info("Browser launched",
		zap.String("engine", string(engine)),
		zap.Bool("headless", m.cfg.Browser.Headless),
	)
	return s, nil
}

// generateAllocatorOptions configures the flags for the browser executable.
func (m *Manager) generateAllocatorOptions(engine Engine) ([]chromedp.ExecAllocatorOption, error) {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	browserCfg := m.cfg.Browser

	if engine == EngineDesktopChrome {
		execPath := browserCfg.ExecutablePath
		if execPath == "" {
			found, err := findChromeExecutable()
			if err != nil {
				return nil, err
			}
			execPath = found
		}
		opts = append(opts, chromedp.ExecPath(execPath))
	}
	// EngineBundledChromium relies on the driver's own executable discovery.

	if browserCfg.Headless {
		opts = append(opts, chromedp.Headless)
	}

	opts = append(opts,
		// Automation detection evasion at the flag level.
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),

		// Stability flags for long-lived monitoring runs.
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("metrics-recording-only", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-hang-monitor", true),
		chromedp.Flag("disable-prompt-on-repost", true),
		chromedp.Flag("disable-extensions", true),

		// GPU often causes issues in headless/containerized environments.
		chromedp.Flag("disable-gpu", browserCfg.Headless),

		chromedp.Flag("ignore-certificate-errors", browserCfg.IgnoreTLSErrors),
	)

	for _, arg := range browserCfg.Args {
		opts = append(opts, chromedp.Flag(arg, true))
	}

	return opts, nil
}

// Context returns the driver context the capture layer subscribes on.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Engine reports which engine this session runs.
func (s *Session) Engine() Engine {
	return s.engine
}

// Navigate drives the page to url, waiting for the load to settle at most
// timeout. A deadline error is returned as-is so callers can choose to keep
// monitoring a page that is still streaming.
func (s *Session) Navigate(url string, timeout time.Duration) error {
	navCtx := s.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(s.ctx, timeout)
		defer cancel()
	}
	return chromedp.Run(navCtx, chromedp.Navigate(url))
}

// Close tears the browser down gracefully, bounded by ctx. Safe to call
// more than once; later calls return the first result.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		done := make(chan error, 1)
		go func() {
			done <- chromedp.Cancel(s.ctx)
		}()
		select {
		case err := <-done:
			s.closeErr = err
		case <-ctx.Done():
			s.closeErr = fmt.Errorf("browser close timed out: %w", ctx.Err())
		}
		s.teardown()
		s.logger.Debug("Browser session closed", zap.Error(s.closeErr))
	})
	return s.closeErr
}

func (s *Session) teardown() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
	if s.firefox != nil {
		s.firefox.Stop()
	}
}
