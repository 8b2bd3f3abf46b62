package monitor

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chromedp/cdproto/network"
	"go.uber.org/zap"

	"github.com/sessiontap/sessiontap/api/schemas"
	"github.com/sessiontap/sessiontap/internal/config"
)

// Correlator matches network lifecycle events into request, response and
// failure records keyed by the protocol's request ID. It is owned by the
// consumer goroutine and therefore unlocked: every method must be called
// from that single goroutine.
type Correlator struct {
	cfg    config.CaptureConfig
	logger *zap.Logger
	now    func() time.Time

	// arena holds every request seen this session so late responses and
	// failures can still be matched. Entries are never evicted; a session
	// is bounded by its page visit.
	arena map[network.RequestID]*schemas.RequestRecord

	// pending holds response records whose bodies may still arrive.
	pending map[network.RequestID]*schemas.ResponseRecord
}

// NewCorrelator builds an empty correlation arena.
func NewCorrelator(cfg config.CaptureConfig, logger *zap.Logger) *Correlator {
	return &Correlator{
		cfg:     cfg,
		logger:  logger.Named("correlator"),
		now:     time.Now,
		arena:   make(map[network.RequestID]*schemas.RequestRecord),
		pending: make(map[network.RequestID]*schemas.ResponseRecord),
	}
}

// OnRequest records a request event. When the event carries a redirect
// response it closes out the previous hop under the same request ID, so the
// returned redirect record (if any) precedes the new request in arrival
// order.
func (c *Correlator) OnRequest(e *network.EventRequestWillBeSent) (*schemas.RequestRecord, *schemas.ResponseRecord) {
	var redirect *schemas.ResponseRecord
	if e.RedirectResponse != nil {
		redirect = c.closeRedirectHop(e.RequestID, e.RedirectResponse)
	}

	ts := c.now()
	if e.WallTime != nil {
		ts = e.WallTime.Time()
	}

	headers := convertHeaders(e.Request.Headers)
	cookieHeader, _ := headers.Get("Cookie")
	rec := &schemas.RequestRecord{
		Timestamp:    ts,
		Direction:    schemas.DirectionRequest,
		RequestID:    string(e.RequestID),
		FrameID:      string(e.FrameID),
		Method:       e.Request.Method,
		URL:          e.Request.URL,
		Headers:      headers,
		Cookies:      parseCookieHeader(cookieHeader),
		Body:         c.requestBody(e.Request),
		ResourceType: classifyResource(e.Type),
	}

	c.arena[e.RequestID] = rec
	return rec, redirect
}

// closeRedirectHop synthesizes the response record for the hop a redirect
// terminated. The protocol never sends a responseReceived for that hop; its
// response rides on the next requestWillBeSent instead.
func (c *Correlator) closeRedirectHop(id network.RequestID, resp *network.Response) *schemas.ResponseRecord {
	prev, ok := c.arena[id]
	if !ok {
		c.logger.Warn("Redirect response without a recorded request", zap.String("request_id", string(id)))
	}

	rec := c.buildResponse(id, prev, resp)
	rec.FromRedirect = true
	rec.Unmatched = !ok
	return rec
}

// OnResponse matches a response event against the arena. A response whose
// request was never seen is kept with the unmatched flag set rather than
// dropped.
func (c *Correlator) OnResponse(e *network.EventResponseReceived) *schemas.ResponseRecord {
	req, ok := c.arena[e.RequestID]
	if !ok {
		c.logger.Warn("Response without a recorded request",
			zap.String("request_id", string(e.RequestID)),
			zap.String("url", e.Response.URL))
	}

	rec := c.buildResponse(e.RequestID, req, e.Response)
	rec.Unmatched = !ok

	c.pending[e.RequestID] = rec
	return rec
}

func (c *Correlator) buildResponse(id network.RequestID, req *schemas.RequestRecord, resp *network.Response) *schemas.ResponseRecord {
	ts := c.now()
	if resp.ResponseTime != nil {
		ts = resp.ResponseTime.Time()
	}

	statusText := resp.StatusText
	if statusText == "" {
		statusText = http.StatusText(int(resp.Status))
	}

	url := resp.URL
	if url == "" && req != nil {
		url = req.URL
	}

	headers := convertHeaders(resp.Headers)
	return &schemas.ResponseRecord{
		Timestamp:   ts,
		Direction:   schemas.DirectionResponse,
		RequestID:   string(id),
		URL:         url,
		Status:      resp.Status,
		StatusText:  statusText,
		Headers:     headers,
		Cookies:     parseSetCookieHeaders(headers),
		MimeType:    resp.MimeType,
		BodySize:    headerBodySize(headers),
		Previewable: isTextMime(resp.MimeType),
	}
}

// OnFinished reports whether the finished load's body is worth fetching.
// Bodies are pulled only for text-like responses; binary payloads keep
// their size from the headers.
func (c *Correlator) OnFinished(e *network.EventLoadingFinished) (network.RequestID, bool) {
	rec, ok := c.pending[e.RequestID]
	if !ok {
		return e.RequestID, false
	}
	if !rec.Previewable {
		delete(c.pending, e.RequestID)
		return e.RequestID, false
	}
	return e.RequestID, true
}

// OnBodyResult folds a fetched body into its pending response record and
// returns that record, or nil when nothing was waiting for it.
func (c *Correlator) OnBodyResult(r *bodyResult) *schemas.ResponseRecord {
	rec, ok := c.pending[r.requestID]
	if !ok {
		return nil
	}
	delete(c.pending, r.requestID)

	if r.err != nil {
		// Bodies evaporate for cached, redirected or already-evicted
		// resources. The record keeps its header-derived size.
		c.logger.Debug("Body unavailable",
			zap.String("request_id", string(r.requestID)),
			zap.Error(r.err))
		return rec
	}

	body := r.body
	capped := false
	if limit := c.cfg.ResponseBodyLimit; limit > 0 && len(body) > limit {
		body = body[:limit]
		capped = true
	}

	rec.BodySize = int64(len(r.body))
	rec.BodyPreview, rec.BodyTruncated = previewString(sanitizeUTF8(body), c.cfg.PreviewChars)
	rec.BodyTruncated = rec.BodyTruncated || capped
	return rec
}

// OnFailure converts a loading failure into a failure record, matched
// against the arena for its URL and method.
func (c *Correlator) OnFailure(e *network.EventLoadingFailed) *schemas.FailureRecord {
	req, ok := c.arena[e.RequestID]
	if !ok {
		c.logger.Warn("Failure without a recorded request", zap.String("request_id", string(e.RequestID)))
	}

	rec := &schemas.FailureRecord{
		Timestamp: c.now(),
		Direction: schemas.DirectionFailure,
		RequestID: string(e.RequestID),
		ErrorText: e.ErrorText,
		Canceled:  e.Canceled,
		Unmatched: !ok,
	}
	if req != nil {
		rec.URL = req.URL
	}

	delete(c.pending, e.RequestID)
	return rec
}

// requestBody concatenates the request's post data entries, capped at the
// configured limit with an explicit truncation marker.
func (c *Correlator) requestBody(req *network.Request) string {
	if !req.HasPostData || len(req.PostDataEntries) == 0 {
		return ""
	}

	var sb strings.Builder
	for _, entry := range req.PostDataEntries {
		if entry != nil && entry.Bytes != "" {
			sb.WriteString(entry.Bytes)
		}
	}
	return capRequestBody(sb.String(), c.cfg.RequestBodyLimit)
}

func capRequestBody(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return fmt.Sprintf("%s …[truncated %d bytes]", s[:cut], len(s)-cut)
}

// convertHeaders flattens the protocol's header map into ordered pairs.
// Keys are sorted for a stable record; values folded together with
// newlines (repeated headers) become one pair per line.
func convertHeaders(h network.Headers) schemas.Headers {
	if len(h) == 0 {
		return nil
	}

	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(schemas.Headers, 0, len(h))
	for _, k := range keys {
		v := fmt.Sprintf("%v", h[k])
		for _, line := range strings.Split(v, "\n") {
			out = append(out, schemas.Header{Name: k, Value: line})
		}
	}
	return out
}

// parseCookieHeader splits a Cookie request header into name/value pairs.
func parseCookieHeader(header string) map[string]string {
	if header == "" {
		return nil
	}

	cookies := make(map[string]string)
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		cookies[name] = value
	}
	if len(cookies) == 0 {
		return nil
	}
	return cookies
}

// parseSetCookieHeaders collects the cookies a response sets. Only the
// name=value segment before the first attribute matters here; when the same
// name is set twice the later occurrence wins.
func parseSetCookieHeaders(headers schemas.Headers) map[string]string {
	var cookies map[string]string
	for _, line := range headers.Values("Set-Cookie") {
		pair, _, _ := strings.Cut(line, ";")
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" {
			continue
		}
		if cookies == nil {
			cookies = make(map[string]string)
		}
		cookies[name] = value
	}
	return cookies
}

// headerBodySize reads Content-Length, returning -1 when the size is
// unknown until (and unless) the body itself is fetched.
func headerBodySize(headers schemas.Headers) int64 {
	if v, ok := headers.Get("Content-Length"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return -1
}

// isTextMime reports whether a MIME type is textual enough to preview.
func isTextMime(mimeType string) bool {
	mt := strings.ToLower(mimeType)
	return strings.HasPrefix(mt, "text/") ||
		strings.Contains(mt, "json") ||
		strings.Contains(mt, "javascript") ||
		strings.Contains(mt, "xml") ||
		strings.Contains(mt, "x-www-form-urlencoded")
}

// sanitizeUTF8 drops invalid byte sequences so the preview always marshals
// as clean JSON text.
func sanitizeUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "")
}

// previewString takes the first limit runes, reporting whether anything was
// cut off.
func previewString(s string, limit int) (string, bool) {
	if limit <= 0 {
		return "", s != ""
	}
	if utf8.RuneCountInString(s) <= limit {
		return s, false
	}
	runes := []rune(s)
	return string(runes[:limit]), true
}

// classifyResource maps the protocol's resource type onto the record
// vocabulary, folding anything unrecognized into "other".
func classifyResource(t network.ResourceType) string {
	switch t {
	case network.ResourceTypeDocument:
		return schemas.ResourceDocument
	case network.ResourceTypeStylesheet:
		return schemas.ResourceStylesheet
	case network.ResourceTypeImage:
		return schemas.ResourceImage
	case network.ResourceTypeMedia:
		return schemas.ResourceMedia
	case network.ResourceTypeFont:
		return schemas.ResourceFont
	case network.ResourceTypeScript:
		return schemas.ResourceScript
	case network.ResourceTypeXHR:
		return schemas.ResourceXHR
	case network.ResourceTypeFetch:
		return schemas.ResourceFetch
	case network.ResourceTypeWebSocket:
		return schemas.ResourceWebSocket
	case network.ResourceTypeManifest:
		return schemas.ResourceManifest
	default:
		return schemas.ResourceOther
	}
}
