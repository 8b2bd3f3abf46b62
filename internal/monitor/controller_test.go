package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sessiontap/sessiontap/api/schemas"
	"github.com/sessiontap/sessiontap/internal/config"
)

type fakeSession struct {
	ctx    context.Context
	cancel context.CancelFunc
	navErr error
	closed atomic.Bool
}

func newFakeSession() *fakeSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeSession{ctx: ctx, cancel: cancel}
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) Navigate(string, time.Duration) error { return s.navErr }

func (s *fakeSession) Close(context.Context) error {
	s.closed.Store(true)
	s.cancel()
	return nil
}

type fakeSource struct {
	events    chan any
	body      []byte
	attachErr error
	stopped   atomic.Bool
}

func newFakeSource(events ...any) *fakeSource {
	f := &fakeSource{events: make(chan any, 64)}
	for _, ev := range events {
		f.events <- ev
	}
	return f
}

func (f *fakeSource) Attach() error { return f.attachErr }

func (f *fakeSource) Events() <-chan any { return f.events }

func (f *fakeSource) FetchBody(id network.RequestID) {
	f.events <- &bodyResult{requestID: id, body: f.body}
}

func (f *fakeSource) Stop(context.Context) { f.stopped.Store(true) }

// delayedReader delivers a single Enter keypress after a pause, long enough
// for earlier loop events to be observed first.
type delayedReader struct {
	d time.Duration
}

func (r *delayedReader) Read(p []byte) (int, error) {
	time.Sleep(r.d)
	p[0] = '\n'
	return 1, nil
}

func newTestController(t *testing.T, launcher Launcher, source EventSource, operator io.Reader) (*Controller, *config.Config, *bytes.Buffer) {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	cfg, err := config.Load(v)
	require.NoError(t, err)
	cfg.Output.Dir = t.TempDir()
	cfg.Browser.NavigationTimeout = 100 * time.Millisecond
	cfg.Browser.CloseTimeout = 100 * time.Millisecond
	cfg.Capture.DrainGrace = 20 * time.Millisecond
	cfg.Capture.BodyFetchTimeout = 100 * time.Millisecond

	console := &bytes.Buffer{}
	c := NewController(cfg, launcher, zap.NewNop())
	c.console = console
	c.operator = operator
	c.newSource = func(context.Context) EventSource { return source }
	return c, cfg, console
}

func sessionFiles(t *testing.T, dir string) (jsonPath, textPath string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		switch filepath.Ext(e.Name()) {
		case ".json":
			jsonPath = filepath.Join(dir, e.Name())
		case ".log":
			textPath = filepath.Join(dir, e.Name())
		}
	}
	return jsonPath, textPath
}

func readSessionLog(t *testing.T, path string) *schemas.SessionLog {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var log schemas.SessionLog
	require.NoError(t, json.Unmarshal(data, &log))
	return &log
}

func TestRunOperatorStopWithNoEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	sess := newFakeSession()
	source := newFakeSource()
	c, cfg, console := newTestController(t,
		LauncherFunc(func(context.Context) (BrowserSession, error) { return sess, nil }),
		source, strings.NewReader("\n"))

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, StateTerminated, c.State())
	assert.True(t, sess.closed.Load())
	assert.True(t, source.stopped.Load())

	entries, err := os.ReadDir(cfg.Output.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "exactly one json+text pair even for an empty session")

	jsonPath, textPath := sessionFiles(t, cfg.Output.Dir)
	require.NotEmpty(t, jsonPath)
	require.NotEmpty(t, textPath)

	log := readSessionLog(t, jsonPath)
	assert.Equal(t, 0, log.Summary.TotalRequests)
	assert.Contains(t, console.String(), "MONITORING COMPLETE")
}

func TestRunSignalInterrupt(t *testing.T) {
	defer goleak.VerifyNone(t)

	sess := newFakeSession()
	core, logs := observer.New(zap.DebugLevel)
	c, cfg, _ := newTestController(t,
		LauncherFunc(func(context.Context) (BrowserSession, error) { return sess, nil }),
		newFakeSource(), strings.NewReader(""))
	c.logger = zap.New(core).Named("controller")

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(30*time.Millisecond, cancel)
	defer timer.Stop()
	defer cancel()

	require.NoError(t, c.Run(ctx))
	assert.Equal(t, StateTerminated, c.State())

	jsonPath, textPath := sessionFiles(t, cfg.Output.Dir)
	assert.NotEmpty(t, jsonPath)
	assert.NotEmpty(t, textPath)

	shutdowns := logs.FilterMessage("Shutting down").All()
	require.Len(t, shutdowns, 1)
	assert.Equal(t, "interrupt", shutdowns[0].ContextMap()["reason"])
}

func TestRunStdinEOFDoesNotStopSession(t *testing.T) {
	defer goleak.VerifyNone(t)

	sess := newFakeSession()
	core, logs := observer.New(zap.DebugLevel)
	c, _, _ := newTestController(t,
		LauncherFunc(func(context.Context) (BrowserSession, error) { return sess, nil }),
		newFakeSource(), strings.NewReader(""))
	c.logger = zap.New(core).Named("controller")

	// Stdin hits EOF immediately; only the browser going away ends the run.
	timer := time.AfterFunc(40*time.Millisecond, sess.cancel)
	defer timer.Stop()

	require.NoError(t, c.Run(context.Background()))

	shutdowns := logs.FilterMessage("Shutting down").All()
	require.Len(t, shutdowns, 1)
	assert.Equal(t, "browser closed", shutdowns[0].ContextMap()["reason"])
}

func TestRunRecordsScriptedTraffic(t *testing.T) {
	defer goleak.VerifyNone(t)

	first := requestEvent("r1", "GET", "https://app.example.com/old")

	hop := requestEvent("r1", "GET", "https://app.example.com/home")
	hop.Request.Headers = network.Headers{"Authorization": "Bearer tok-abc"}
	hop.RedirectResponse = &network.Response{
		URL:        "https://app.example.com/old",
		Status:     302,
		StatusText: "Found",
		Headers:    network.Headers{"Location": "https://app.example.com/home"},
	}

	final := responseEvent("r1", 200, "application/json")
	final.Response.URL = "https://app.example.com/home"
	final.Response.Headers = network.Headers{"Set-Cookie": "sid=s1; Path=/; HttpOnly"}

	source := newFakeSource(
		first,
		hop,
		final,
		&network.EventLoadingFinished{RequestID: "r1"},
	)
	source.body = []byte(`{"user":"u"}`)

	sess := newFakeSession()
	c, cfg, _ := newTestController(t,
		LauncherFunc(func(context.Context) (BrowserSession, error) { return sess, nil }),
		source, strings.NewReader("\n"))
	cfg.Output.TokenFile = filepath.Join(cfg.Output.Dir, "session.token")

	require.NoError(t, c.Run(context.Background()))

	jsonPath, _ := sessionFiles(t, cfg.Output.Dir)
	require.NotEmpty(t, jsonPath)
	log := readSessionLog(t, jsonPath)

	require.Len(t, log.Requests, 2)
	assert.Equal(t, "https://app.example.com/old", log.Requests[0].URL)
	assert.Equal(t, "https://app.example.com/home", log.Requests[1].URL)

	require.Len(t, log.Responses, 2)
	redirect, ok := log.Responses[0].(*schemas.ResponseRecord)
	require.True(t, ok)
	assert.True(t, redirect.FromRedirect)
	assert.Equal(t, int64(302), redirect.Status)

	page, ok := log.Responses[1].(*schemas.ResponseRecord)
	require.True(t, ok)
	assert.Equal(t, int64(200), page.Status)
	assert.Equal(t, `{"user":"u"}`, page.BodyPreview)
	assert.Equal(t, int64(12), page.BodySize)
	assert.Equal(t, map[string]string{"sid": "s1"}, page.Cookies)

	require.NotNil(t, log.Summary.Auth)
	require.Len(t, log.Summary.Auth.BearerTokens, 1)
	assert.Equal(t, "tok-abc", log.Summary.Auth.BearerTokens[0].Token)

	token, err := os.ReadFile(cfg.Output.TokenFile)
	require.NoError(t, err)
	assert.Equal(t, "tok-abc\n", string(token))

	// The token file shares the output directory here, so the pair check
	// counts three entries.
	entries, err := os.ReadDir(cfg.Output.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestRunLaunchFailureIsFatal(t *testing.T) {
	defer goleak.VerifyNone(t)

	boom := errors.New("no such browser")
	c, cfg, _ := newTestController(t,
		LauncherFunc(func(context.Context) (BrowserSession, error) { return nil, boom }),
		newFakeSource(), strings.NewReader(""))

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateTerminated, c.State())

	entries, readErr := os.ReadDir(cfg.Output.Dir)
	require.NoError(t, readErr)
	assert.Empty(t, entries, "nothing to persist when launch fails")
}

func TestRunAttachFailureClosesSession(t *testing.T) {
	defer goleak.VerifyNone(t)

	sess := newFakeSession()
	source := newFakeSource()
	source.attachErr = errors.New("target gone")
	c, cfg, _ := newTestController(t,
		LauncherFunc(func(context.Context) (BrowserSession, error) { return sess, nil }),
		source, strings.NewReader(""))

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attaching capture")
	assert.True(t, sess.closed.Load())

	entries, readErr := os.ReadDir(cfg.Output.Dir)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func TestRunNavigationTimeoutTolerated(t *testing.T) {
	defer goleak.VerifyNone(t)

	sess := newFakeSession()
	sess.navErr = context.DeadlineExceeded

	core, logs := observer.New(zap.DebugLevel)
	c, cfg, _ := newTestController(t,
		LauncherFunc(func(context.Context) (BrowserSession, error) { return sess, nil }),
		newFakeSource(), &delayedReader{d: 60 * time.Millisecond})
	c.logger = zap.New(core).Named("controller")

	require.NoError(t, c.Run(context.Background()),
		"a navigation that never settles is not an error")

	assert.Len(t, logs.FilterMessage("Navigation did not settle within budget, monitoring continues").All(), 1)

	shutdowns := logs.FilterMessage("Shutting down").All()
	require.Len(t, shutdowns, 1)
	assert.Equal(t, "operator stop", shutdowns[0].ContextMap()["reason"])

	jsonPath, _ := sessionFiles(t, cfg.Output.Dir)
	assert.NotEmpty(t, jsonPath)
}

func TestRunNavigationHardFailureStillFlushes(t *testing.T) {
	defer goleak.VerifyNone(t)

	sess := newFakeSession()
	sess.navErr = errors.New("net::ERR_NAME_NOT_RESOLVED")

	source := newFakeSource(requestEvent("r1", "GET", "https://unreachable.example.com/"))
	c, cfg, _ := newTestController(t,
		LauncherFunc(func(context.Context) (BrowserSession, error) { return sess, nil }),
		source, strings.NewReader(""))

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "navigating to")

	jsonPath, _ := sessionFiles(t, cfg.Output.Dir)
	require.NotEmpty(t, jsonPath, "whatever was captured before the failure persists")
	log := readSessionLog(t, jsonPath)
	assert.Equal(t, 1, log.Summary.TotalRequests)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "launching", StateLaunching.String())
	assert.Equal(t, "monitoring", StateMonitoring.String())
	assert.Equal(t, "shutting-down", StateShuttingDown.String())
	assert.Equal(t, "terminated", StateTerminated.String())
	assert.Equal(t, "state(99)", State(99).String())
}
