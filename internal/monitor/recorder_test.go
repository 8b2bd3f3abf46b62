package monitor

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sessiontap/sessiontap/api/schemas"
)

var recorderStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestRecorder(t *testing.T, dir string, console *bytes.Buffer) *Recorder {
	t.Helper()
	if console == nil {
		console = &bytes.Buffer{}
	}
	meta := SessionMeta{
		TargetURL: "https://app.example.com",
		Engine:    "desktop-chrome",
		Headless:  false,
	}
	return newRecorderAt(dir, meta, console, zap.NewNop(), recorderStart)
}

func reqRecord(id, method, url, resource string, ts time.Time) *schemas.RequestRecord {
	return &schemas.RequestRecord{
		Timestamp:    ts,
		Direction:    schemas.DirectionRequest,
		RequestID:    id,
		Method:       method,
		URL:          url,
		ResourceType: resource,
	}
}

func respRecord(id string, status int64, ts time.Time) *schemas.ResponseRecord {
	return &schemas.ResponseRecord{
		Timestamp:  ts,
		Direction:  schemas.DirectionResponse,
		RequestID:  id,
		URL:        "https://app.example.com/api/" + id,
		Status:     status,
		StatusText: "OK",
		MimeType:   "application/json",
		BodySize:   123,
	}
}

func TestFlushIsIdempotent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	r := newTestRecorder(t, dir, nil)

	r.AppendRequest(reqRecord("r1", "GET", "https://app.example.com/", "document", recorderStart))
	r.AppendResponse(respRecord("r1", 200, recorderStart.Add(time.Second)))

	first, err := r.Flush()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "network_logs_20250601_120000.json"), first.JSONPath)
	assert.Equal(t, filepath.Join(dir, "network_monitor_20250601_120000.log"), first.TextPath)

	jsonBytes, err := os.ReadFile(first.JSONPath)
	require.NoError(t, err)
	textBytes, err := os.ReadFile(first.TextPath)
	require.NoError(t, err)

	second, err := r.Flush()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	jsonAgain, err := os.ReadFile(first.JSONPath)
	require.NoError(t, err)
	textAgain, err := os.ReadFile(first.TextPath)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(jsonBytes, jsonAgain), "json output must not change on a second flush")
	assert.Empty(t, cmp.Diff(textBytes, textAgain), "text output must not change on a second flush")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "exactly one file pair per session")
}

func TestFlushEmptySession(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	r := newTestRecorder(t, dir, nil)

	result, err := r.Flush()
	require.NoError(t, err)

	data, err := os.ReadFile(result.JSONPath)
	require.NoError(t, err)

	var log schemas.SessionLog
	require.NoError(t, json.Unmarshal(data, &log))
	assert.Equal(t, 0, log.Summary.TotalRequests)
	assert.Equal(t, 0, log.Summary.TotalResponses)
	assert.Empty(t, log.Requests)
	assert.Empty(t, log.Responses)
	assert.False(t, log.EndedAt.IsZero())
}

func TestFlushPreservesArrivalOrder(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	r := newTestRecorder(t, dir, nil)

	r.AppendRequest(reqRecord("A", "GET", "https://app.example.com/a", "xhr", recorderStart))
	r.AppendRequest(reqRecord("B", "GET", "https://app.example.com/b", "xhr", recorderStart.Add(time.Second)))
	r.AppendResponse(respRecord("B", 200, recorderStart.Add(2*time.Second)))
	r.AppendResponse(respRecord("A", 200, recorderStart.Add(3*time.Second)))

	result, err := r.Flush()
	require.NoError(t, err)

	data, err := os.ReadFile(result.JSONPath)
	require.NoError(t, err)
	var log schemas.SessionLog
	require.NoError(t, json.Unmarshal(data, &log))

	require.Len(t, log.Responses, 2)
	bFirst, ok := log.Responses[0].(*schemas.ResponseRecord)
	require.True(t, ok)
	assert.Equal(t, "B", bFirst.RequestID, "responses persist in arrival order, not request order")
	aSecond, ok := log.Responses[1].(*schemas.ResponseRecord)
	require.True(t, ok)
	assert.Equal(t, "A", aSecond.RequestID)
}

func TestFlushFailureKeepsBufferForRetry(t *testing.T) {
	t.Parallel()
	base := t.TempDir()

	// A regular file where the output directory should go makes MkdirAll
	// fail, which is the cheapest way to simulate a persistence failure.
	blocked := filepath.Join(base, "blocked")
	require.NoError(t, os.WriteFile(blocked, []byte("in the way"), 0o644))

	r := newTestRecorder(t, filepath.Join(blocked, "logs"), nil)
	r.AppendRequest(reqRecord("r1", "GET", "https://app.example.com/", "document", recorderStart))

	_, err := r.Flush()
	require.Error(t, err)
	assert.False(t, r.flushed)

	r.dir = filepath.Join(base, "logs")
	result, err := r.Flush()
	require.NoError(t, err)

	data, err := os.ReadFile(result.JSONPath)
	require.NoError(t, err)
	var log schemas.SessionLog
	require.NoError(t, json.Unmarshal(data, &log))
	assert.Equal(t, 1, log.Summary.TotalRequests, "nothing recorded before the failed flush is lost")
}

func TestLiveConsoleLines(t *testing.T) {
	t.Parallel()
	console := &bytes.Buffer{}
	r := newTestRecorder(t, t.TempDir(), console)

	r.AppendRequest(reqRecord("r1", "GET", "https://app.example.com/", "document", recorderStart))
	r.AppendResponse(respRecord("r1", 200, recorderStart.Add(time.Second)))
	r.AppendFailure(&schemas.FailureRecord{
		Timestamp: recorderStart.Add(2 * time.Second),
		Direction: schemas.DirectionFailure,
		RequestID: "r2",
		URL:       "https://app.example.com/tracker.js",
		ErrorText: "net::ERR_BLOCKED_BY_CLIENT",
	})
	r.AppendFailure(&schemas.FailureRecord{
		Timestamp: recorderStart.Add(3 * time.Second),
		Direction: schemas.DirectionFailure,
		RequestID: "r3",
		ErrorText: "net::ERR_ABORTED",
		Canceled:  true,
		Unmatched: true,
	})

	out := console.String()
	assert.Contains(t, out, "→ GET https://app.example.com/ [document]")
	assert.Contains(t, out, "← 200 OK https://app.example.com/api/r1 (application/json, 0.1KB)")
	assert.Contains(t, out, "✗ FAILED https://app.example.com/tracker.js net::ERR_BLOCKED_BY_CLIENT")
	assert.Contains(t, out, "✗ FAILED Unknown net::ERR_ABORTED")
	assert.Contains(t, out, "[12:00:00.000]")
}

func TestTextLogLayout(t *testing.T) {
	t.Parallel()
	console := &bytes.Buffer{}
	r := newTestRecorder(t, t.TempDir(), console)

	r.StartupBanner()
	r.AppendRequest(reqRecord("r1", "GET", "https://app.example.com/", "document", recorderStart))

	result, err := r.Flush()
	require.NoError(t, err)

	data, err := os.ReadFile(result.TextPath)
	require.NoError(t, err)
	text := string(data)

	assert.True(t, strings.HasPrefix(text, "Network Monitor Log - Started at 2025-06-01 12:00:00\n"))
	assert.Contains(t, text, strings.Repeat("=", 80))
	assert.Contains(t, text, "NETWORK TRAFFIC MONITOR")
	assert.Contains(t, text, "Target:  https://app.example.com")
	assert.Contains(t, text, "→ GET https://app.example.com/ [document]")

	// Everything in the file also went to the console as it happened.
	for _, line := range strings.Split(strings.TrimSpace(console.String()), "\n") {
		assert.Contains(t, text, line)
	}
}

func TestSummaryAggregation(t *testing.T) {
	t.Parallel()
	r := newTestRecorder(t, t.TempDir(), nil)

	auth := reqRecord("r1", "GET", "https://app.example.com/api/me", "xhr", recorderStart)
	auth.Headers = schemas.Headers{{Name: "Authorization", Value: "Bearer tok-123"}}
	auth.Cookies = map[string]string{"sid": "abc"}
	r.AppendRequest(auth)
	r.AppendRequest(reqRecord("r2", "GET", "https://app.example.com/", "document", recorderStart))
	r.AppendRequest(reqRecord("r3", "GET", "https://app.example.com/x", "xhr", recorderStart))

	r.AppendResponse(respRecord("r1", 200, recorderStart))
	r.AppendResponse(respRecord("r2", 200, recorderStart))
	notFound := respRecord("r3", 404, recorderStart)
	notFound.StatusText = "Not Found"
	notFound.Unmatched = true
	r.AppendResponse(notFound)
	r.AppendFailure(&schemas.FailureRecord{
		Timestamp: recorderStart,
		Direction: schemas.DirectionFailure,
		RequestID: "r4",
		ErrorText: "net::ERR_CONNECTION_REFUSED",
	})

	_, err := r.Flush()
	require.NoError(t, err)

	sum := r.Summary()
	assert.Equal(t, 3, sum.TotalRequests)
	assert.Equal(t, 3, sum.TotalResponses)
	assert.Equal(t, 1, sum.TotalFailures)
	assert.Equal(t, 1, sum.UnmatchedResponses)
	assert.Equal(t, map[string]int{"xhr": 2, "document": 1}, sum.ResourceCounts)
	assert.Equal(t, map[string]int{"200": 2, "404": 1}, sum.StatusCounts)
	require.NotNil(t, sum.Auth)
	require.Len(t, sum.Auth.BearerTokens, 1)
	assert.Equal(t, "tok-123", sum.Auth.BearerTokens[0].Token)
	assert.Contains(t, sum.Auth.CookieNames, "sid")
}

func TestShutdownBanner(t *testing.T) {
	t.Parallel()
	console := &bytes.Buffer{}
	r := newTestRecorder(t, t.TempDir(), console)

	r.AppendRequest(reqRecord("r1", "GET", "https://app.example.com/", "document", recorderStart))
	result, err := r.Flush()
	require.NoError(t, err)

	r.ShutdownBanner(result)

	out := console.String()
	assert.Contains(t, out, "MONITORING COMPLETE")
	assert.Contains(t, out, "Requests:  1")
	assert.Contains(t, out, result.JSONPath)
	assert.Contains(t, out, result.TextPath)
	assert.Contains(t, out, "document")
}

func TestPersistedLogRoundTrip(t *testing.T) {
	t.Parallel()
	r := newTestRecorder(t, t.TempDir(), nil)

	r.AppendRequest(reqRecord("r1", "GET", "https://app.example.com/", "document", recorderStart))
	r.AppendResponse(respRecord("r1", 200, recorderStart.Add(time.Second)))
	r.AppendFailure(&schemas.FailureRecord{
		Timestamp: recorderStart.Add(2 * time.Second),
		Direction: schemas.DirectionFailure,
		RequestID: "r2",
		ErrorText: "net::ERR_ABORTED",
	})

	result, err := r.Flush()
	require.NoError(t, err)

	data, err := os.ReadFile(result.JSONPath)
	require.NoError(t, err)
	var log schemas.SessionLog
	require.NoError(t, json.Unmarshal(data, &log))

	assert.Equal(t, r.SessionID(), log.SessionID)
	assert.Equal(t, "desktop-chrome", log.Engine)
	require.Len(t, log.Responses, 2)
	assert.Equal(t, schemas.DirectionResponse, log.Responses[0].EntryDirection())
	assert.Equal(t, schemas.DirectionFailure, log.Responses[1].EntryDirection())
}
