package monitor

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sessiontap/sessiontap/api/schemas"
)

const textLogSeparator = 80

// importantHeaders get echoed at debug level as records arrive, the ones an
// operator actually wants to see scroll by.
var importantHeaders = map[string]bool{
	"authorization": true,
	"content-type":  true,
	"cookie":        true,
	"set-cookie":    true,
	"x-api-key":     true,
	"x-auth-token":  true,
}

// SessionMeta describes the run a recorder documents.
type SessionMeta struct {
	TargetURL string
	Engine    string
	Headless  bool
}

// FlushResult names the persisted file pair.
type FlushResult struct {
	JSONPath string
	TextPath string
}

// Recorder accumulates the session log and its human-readable twin in
// memory, echoing each record to the console as it lands. Appends are O(1)
// and never touch disk; persistence happens exactly once, at Flush. All
// methods belong to the consumer goroutine.
type Recorder struct {
	logger  *zap.Logger
	console io.Writer
	dir     string

	log   *schemas.SessionLog
	lines []string

	flushed bool
	result  FlushResult
}

// NewRecorder starts an empty session record. The console writer receives
// the live line stream; dir is where Flush writes the file pair.
func NewRecorder(dir string, meta SessionMeta, console io.Writer, logger *zap.Logger) *Recorder {
	return newRecorderAt(dir, meta, console, logger, time.Now())
}

func newRecorderAt(dir string, meta SessionMeta, console io.Writer, logger *zap.Logger, start time.Time) *Recorder {
	mode := "headed"
	if meta.Headless {
		mode = "headless"
	}

	r := &Recorder{
		logger:  logger.Named("recorder"),
		console: console,
		dir:     dir,
		log: &schemas.SessionLog{
			SessionID: uuid.NewString(),
			StartedAt: start,
			TargetURL: meta.TargetURL,
			Engine:    meta.Engine,
			Headless:  meta.Headless,
			Requests:  []*schemas.RequestRecord{},
			Responses: []schemas.ResponseEntry{},
		},
	}
	r.logger.Info("Session recording started",
		zap.String("session_id", r.log.SessionID),
		zap.String("target", meta.TargetURL),
		zap.String("engine", meta.Engine),
		zap.String("mode", mode))
	return r
}

// SessionID returns the identifier stamped into the persisted log.
func (r *Recorder) SessionID() string {
	return r.log.SessionID
}

// AppendRequest records an outgoing request.
func (r *Recorder) AppendRequest(rec *schemas.RequestRecord) {
	r.log.Requests = append(r.log.Requests, rec)
	r.emit(rec.Timestamp, fmt.Sprintf("→ %s %s [%s]", rec.Method, rec.URL, rec.ResourceType))
	r.debugHeaders("request", rec.URL, rec.Headers)
}

// AppendResponse records a completed response, redirect hops included.
func (r *Recorder) AppendResponse(rec *schemas.ResponseRecord) {
	r.log.Responses = append(r.log.Responses, rec)
	r.emit(rec.Timestamp, fmt.Sprintf("← %d %s %s%s", rec.Status, rec.StatusText, rec.URL, responseDetail(rec)))
	r.debugHeaders("response", rec.URL, rec.Headers)
}

// AppendFailure records a request that errored out.
func (r *Recorder) AppendFailure(rec *schemas.FailureRecord) {
	r.log.Responses = append(r.log.Responses, rec)

	url := rec.URL
	if url == "" {
		url = "Unknown"
	}
	reason := rec.ErrorText
	if reason == "" && rec.Canceled {
		reason = "canceled"
	}
	r.emit(rec.Timestamp, fmt.Sprintf("✗ FAILED %s %s", url, reason))
}

// StartupBanner announces the session on the console and in the text log.
func (r *Recorder) StartupBanner() {
	mode := "headed"
	if r.log.Headless {
		mode = "headless"
	}

	sep := strings.Repeat("=", 60)
	for _, line := range []string{
		sep,
		"  NETWORK TRAFFIC MONITOR",
		sep,
		"  Engine:  " + r.log.Engine,
		"  Mode:    " + mode,
		"  Target:  " + r.log.TargetURL,
		"  Output:  " + r.dir,
		sep,
		"Press ENTER (or Ctrl+C) to stop monitoring...",
	} {
		r.line(line)
	}
}

// ShutdownBanner summarizes the flushed session on the console only; the
// files it names are already closed.
func (r *Recorder) ShutdownBanner(result FlushResult) {
	sum := r.log.Summary
	sep := strings.Repeat("=", 60)

	lines := []string{
		"",
		sep,
		"  MONITORING COMPLETE",
		sep,
		fmt.Sprintf("  Requests:  %d", sum.TotalRequests),
		fmt.Sprintf("  Responses: %d", sum.TotalResponses),
		fmt.Sprintf("  Failures:  %d", sum.TotalFailures),
	}
	if len(sum.ResourceCounts) > 0 {
		lines = append(lines, "  By resource type:")
		for _, rc := range sortedCounts(sum.ResourceCounts) {
			lines = append(lines, fmt.Sprintf("    %-12s %d", rc.key, rc.n))
		}
	}
	lines = append(lines,
		"  Logs:",
		"    "+result.JSONPath,
		"    "+result.TextPath,
		sep,
	)
	for _, l := range lines {
		fmt.Fprintln(r.console, l)
	}
}

// Flush persists the JSON session log and the text log exactly once. A
// second call is a no-op returning the first call's paths; a failed call
// leaves everything buffered so the caller may retry.
func (r *Recorder) Flush() (FlushResult, error) {
	if r.flushed {
		return r.result, nil
	}

	if r.log.EndedAt.IsZero() {
		r.log.EndedAt = time.Now()
	}
	r.log.Summary = r.summarize()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return FlushResult{}, fmt.Errorf("creating output directory %s: %w", r.dir, err)
	}

	stamp := r.log.StartedAt.Format("20060102_150405")
	result := FlushResult{
		JSONPath: filepath.Join(r.dir, fmt.Sprintf("network_logs_%s.json", stamp)),
		TextPath: filepath.Join(r.dir, fmt.Sprintf("network_monitor_%s.log", stamp)),
	}

	doc, err := json.MarshalIndent(r.log, "", "  ")
	if err != nil {
		return FlushResult{}, fmt.Errorf("encoding session log: %w", err)
	}
	if err := os.WriteFile(result.JSONPath, doc, 0o644); err != nil {
		return FlushResult{}, fmt.Errorf("writing %s: %w", result.JSONPath, err)
	}
	if err := os.WriteFile(result.TextPath, r.textLog(), 0o644); err != nil {
		return FlushResult{}, fmt.Errorf("writing %s: %w", result.TextPath, err)
	}

	r.flushed = true
	r.result = result
	r.logger.Info("Session flushed",
		zap.String("json", result.JSONPath),
		zap.String("text", result.TextPath),
		zap.Int("requests", r.log.Summary.TotalRequests),
		zap.Int("responses", r.log.Summary.TotalResponses))
	return result, nil
}

// Summary exposes the aggregate built at flush time.
func (r *Recorder) Summary() schemas.SessionSummary {
	return r.log.Summary
}

// Log exposes the in-memory session document. Callers must not mutate it.
func (r *Recorder) Log() *schemas.SessionLog {
	return r.log
}

func (r *Recorder) summarize() schemas.SessionSummary {
	sum := schemas.SessionSummary{
		TotalRequests: len(r.log.Requests),
	}

	for _, req := range r.log.Requests {
		if sum.ResourceCounts == nil {
			sum.ResourceCounts = make(map[string]int)
		}
		sum.ResourceCounts[req.ResourceType]++
	}

	for _, entry := range r.log.Responses {
		switch rec := entry.(type) {
		case *schemas.ResponseRecord:
			sum.TotalResponses++
			if rec.Unmatched {
				sum.UnmatchedResponses++
			}
			if sum.StatusCounts == nil {
				sum.StatusCounts = make(map[string]int)
			}
			sum.StatusCounts[strconv.FormatInt(rec.Status, 10)]++
		case *schemas.FailureRecord:
			sum.TotalFailures++
		}
	}

	sum.Auth = ExtractAuth(r.log)
	return sum
}

// emit appends a timestamped line to the text log buffer and mirrors it on
// the console.
func (r *Recorder) emit(ts time.Time, text string) {
	r.line(fmt.Sprintf("[%s] %s", ts.Format("15:04:05.000"), text))
}

func (r *Recorder) line(text string) {
	r.lines = append(r.lines, text)
	fmt.Fprintln(r.console, text)
}

func (r *Recorder) textLog() []byte {
	var sb strings.Builder
	sb.WriteString("Network Monitor Log - Started at ")
	sb.WriteString(r.log.StartedAt.Format("2006-01-02 15:04:05"))
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("=", textLogSeparator))
	sb.WriteString("\n")
	for _, l := range r.lines {
		sb.WriteString(l)
		sb.WriteString("\n")
	}
	return []byte(sb.String())
}

func (r *Recorder) debugHeaders(direction, url string, headers schemas.Headers) {
	if !r.logger.Core().Enabled(zap.DebugLevel) {
		return
	}
	for _, h := range headers {
		if importantHeaders[strings.ToLower(h.Name)] {
			r.logger.Debug("Header observed",
				zap.String("direction", direction),
				zap.String("url", url),
				zap.String("name", h.Name),
				zap.String("value", h.Value))
		}
	}
}

// responseDetail renders the "(mime, size)" suffix of a response line,
// omitting whichever parts are unknown.
func responseDetail(rec *schemas.ResponseRecord) string {
	var parts []string
	if rec.MimeType != "" {
		parts = append(parts, rec.MimeType)
	}
	if rec.BodySize >= 0 {
		parts = append(parts, fmt.Sprintf("%.1fKB", float64(rec.BodySize)/1024))
	}
	if len(parts) == 0 {
		return ""
	}
	return " (" + strings.Join(parts, ", ") + ")"
}

type keyCount struct {
	key string
	n   int
}

// sortedCounts orders a counter map by descending count, ties by name.
func sortedCounts(counts map[string]int) []keyCount {
	out := make([]keyCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, keyCount{key: k, n: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].n != out[j].n {
			return out[i].n > out[j].n
		}
		return out[i].key < out[j].key
	})
	return out
}
