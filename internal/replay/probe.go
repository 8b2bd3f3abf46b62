package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sessiontap/sessiontap/api/schemas"
	"github.com/sessiontap/sessiontap/internal/config"
	"github.com/sessiontap/sessiontap/internal/monitor"
)

// ProbeResult is what one replay probe observed.
type ProbeResult struct {
	URL         string
	Status      int
	StatusText  string
	BytesRead   int64
	Duration    time.Duration
	TokenUsed   bool
	CookiesSent int
}

// Prober replays authenticated requests built from a recorded session.
type Prober struct {
	client  *http.Client
	persona config.PersonaConfig
	logger  *zap.Logger
}

// NewProber wires a prober with the session-profile HTTP client.
func NewProber(cfg *config.Config, logger *zap.Logger) *Prober {
	return &Prober{
		client:  NewHTTPClient(cfg.Replay),
		persona: cfg.Persona,
		logger:  logger.Named("replay"),
	}
}

// LoadSession reads a persisted session log back into memory.
func LoadSession(path string) (*schemas.SessionLog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading session log: %w", err)
	}
	var log schemas.SessionLog
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("parsing session log %s: %w", path, err)
	}
	return &log, nil
}

// SessionCookies folds the session's cookie observations into one jar.
// Request-side echoes seed it; server Set-Cookie values overwrite them, so
// the jar ends up with the newest value the session saw for each name.
func SessionCookies(log *schemas.SessionLog) map[string]string {
	jar := make(map[string]string)
	for _, req := range log.Requests {
		for name, value := range req.Cookies {
			jar[name] = value
		}
	}
	for _, entry := range log.Responses {
		rec, ok := entry.(*schemas.ResponseRecord)
		if !ok {
			continue
		}
		for name, value := range rec.Cookies {
			jar[name] = value
		}
	}
	return jar
}

// Probe sends one authenticated GET carrying the session's freshest bearer
// token and cookie set. An empty targetURL probes the session's own target.
func (p *Prober) Probe(ctx context.Context, log *schemas.SessionLog, targetURL string) (*ProbeResult, error) {
	probeURL := targetURL
	if probeURL == "" {
		probeURL = log.TargetURL
	}
	if probeURL == "" {
		return nil, fmt.Errorf("no probe URL: session has no target and none was given")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building probe request: %w", err)
	}
	req.Header.Set("User-Agent", p.persona.UserAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", p.persona.AcceptLanguage)

	result := &ProbeResult{URL: probeURL}

	if token, ok := monitor.FreshestToken(log); ok {
		req.Header.Set("Authorization", "Bearer "+token)
		result.TokenUsed = true
	}

	jar := SessionCookies(log)
	names := make([]string, 0, len(jar))
	for name := range jar {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		req.AddCookie(&http.Cookie{Name: name, Value: jar[name]})
	}
	result.CookiesSent = len(names)

	p.logger.Info("Sending probe",
		zap.String("url", probeURL),
		zap.Bool("bearer_token", result.TokenUsed),
		zap.Int("cookies", result.CookiesSent))

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe request: %w", err)
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading probe response: %w", err)
	}

	result.Status = resp.StatusCode
	result.StatusText = http.StatusText(resp.StatusCode)
	result.BytesRead = n
	result.Duration = time.Since(start)

	p.logger.Info("Probe complete",
		zap.Int("status", result.Status),
		zap.Int64("bytes", result.BytesRead),
		zap.Duration("duration", result.Duration))
	return result, nil
}
