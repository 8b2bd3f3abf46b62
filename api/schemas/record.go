package schemas

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// -- Record Direction & Resource Classification --

// Direction discriminates the record kinds inside a session log.
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
	DirectionFailure  Direction = "failure"
)

// Resource type values recorded on requests. The protocol reports a wider,
// version-dependent set; anything unrecognized is recorded as ResourceOther.
const (
	ResourceDocument   = "document"
	ResourceStylesheet = "stylesheet"
	ResourceImage      = "image"
	ResourceMedia      = "media"
	ResourceFont       = "font"
	ResourceScript     = "script"
	ResourceXHR        = "xhr"
	ResourceFetch      = "fetch"
	ResourceWebSocket  = "websocket"
	ResourceManifest   = "manifest"
	ResourceOther      = "other"
)

// -- Headers --

// Header is a single name/value pair. Responses and requests may carry the
// same name multiple times (Set-Cookie in particular), so headers are kept
// as an ordered slice rather than a map.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers preserves arrival order and duplicate names verbatim.
type Headers []Header

// Get returns the first value for name, matched case-insensitively.
func (hs Headers) Get(name string) (string, bool) {
	for _, h := range hs {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Values returns every value recorded under name, in arrival order.
func (hs Headers) Values(name string) []string {
	var out []string
	for _, h := range hs {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// -- Session Records --

// RequestRecord captures one outgoing request. It is immutable once built;
// late-arriving data (response bodies, failures) lands on the corresponding
// response side records instead.
type RequestRecord struct {
	Timestamp    time.Time         `json:"timestamp"`
	Direction    Direction         `json:"direction"`
	RequestID    string            `json:"request_id"`
	FrameID      string            `json:"frame_id,omitempty"`
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	Headers      Headers           `json:"headers"`
	Cookies      map[string]string `json:"cookies,omitempty"`
	Body         string            `json:"body,omitempty"`
	ResourceType string            `json:"resource_type"`
}

// ResponseRecord captures one completed response, correlated to its request
// by RequestID. Unmatched responses (seen before capture attached) are kept
// with the Unmatched flag rather than discarded.
type ResponseRecord struct {
	Timestamp     time.Time         `json:"timestamp"`
	Direction     Direction         `json:"direction"`
	RequestID     string            `json:"request_id"`
	URL           string            `json:"url"`
	Status        int64             `json:"status"`
	StatusText    string            `json:"status_text"`
	Headers       Headers           `json:"headers"`
	Cookies       map[string]string `json:"cookies,omitempty"`
	MimeType      string            `json:"mime_type,omitempty"`
	BodySize      int64             `json:"body_size"`
	BodyPreview   string            `json:"body_preview,omitempty"`
	BodyTruncated bool              `json:"body_truncated,omitempty"`
	Previewable   bool              `json:"previewable"`
	FromRedirect  bool              `json:"from_redirect,omitempty"`
	Unmatched     bool              `json:"unmatched,omitempty"`
}

// FailureRecord captures a request that errored out instead of completing.
// ErrorText is the protocol's error string, verbatim.
type FailureRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Direction Direction `json:"direction"`
	RequestID string    `json:"request_id"`
	URL       string    `json:"url,omitempty"`
	ErrorText string    `json:"error_text"`
	Canceled  bool      `json:"canceled,omitempty"`
	Unmatched bool      `json:"unmatched,omitempty"`
}

// ResponseEntry is the closed set of record kinds that appear in a session
// log's responses sequence, in arrival order: completed responses and
// failures.
type ResponseEntry interface {
	EntryDirection() Direction
}

func (r *ResponseRecord) EntryDirection() Direction { return DirectionResponse }
func (f *FailureRecord) EntryDirection() Direction  { return DirectionFailure }

// -- Session Log --

// SessionLog is the full persisted output of one monitoring run. Requests
// and responses are separate sequences, each in arrival order; correlation
// is by RequestID, never by position.
type SessionLog struct {
	SessionID string           `json:"session_id"`
	StartedAt time.Time        `json:"started_at"`
	EndedAt   time.Time        `json:"ended_at"`
	TargetURL string           `json:"target_url"`
	Engine    string           `json:"engine"`
	Headless  bool             `json:"headless"`
	Requests  []*RequestRecord `json:"requests"`
	Responses []ResponseEntry  `json:"responses"`
	Summary   SessionSummary   `json:"summary"`
}

// SessionSummary aggregates counts and the extracted authentication
// artifacts for quick inspection without walking the full record arrays.
type SessionSummary struct {
	TotalRequests      int            `json:"total_requests"`
	TotalResponses     int            `json:"total_responses"`
	TotalFailures      int            `json:"total_failures"`
	UnmatchedResponses int            `json:"unmatched_responses"`
	ResourceCounts     map[string]int `json:"resource_counts,omitempty"`
	StatusCounts       map[string]int `json:"status_counts,omitempty"`
	Auth               *AuthArtifacts `json:"auth,omitempty"`
}

// -- Authentication Artifacts --

// TokenSighting records the first time a distinct bearer token was observed.
type TokenSighting struct {
	Token     string    `json:"token"`
	Header    string    `json:"header"`
	URL       string    `json:"url"`
	FirstSeen time.Time `json:"first_seen"`
}

// AuthArtifacts is the distilled authentication state of a session: enough
// for a scripted client to replay authenticated calls.
type AuthArtifacts struct {
	BearerTokens    []TokenSighting `json:"bearer_tokens,omitempty"`
	CookieNames     []string        `json:"cookie_names,omitempty"`
	AuthHeaderNames []string        `json:"auth_header_names,omitempty"`
}

// -- JSON Decoding --

// responseEntryProbe sniffs the direction discriminator before committing to
// a concrete record type.
type responseEntryProbe struct {
	Direction Direction `json:"direction"`
}

// UnmarshalJSON restores the concrete record types behind the Responses
// sequence. Marshalling needs no counterpart: the concrete types serialize
// themselves.
func (s *SessionLog) UnmarshalJSON(data []byte) error {
	type alias SessionLog
	aux := struct {
		*alias
		Responses []json.RawMessage `json:"responses"`
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.Responses = make([]ResponseEntry, 0, len(aux.Responses))
	for i, raw := range aux.Responses {
		var probe responseEntryProbe
		if err := json.Unmarshal(raw, &probe); err != nil {
			return fmt.Errorf("responses[%d]: %w", i, err)
		}
		switch probe.Direction {
		case DirectionFailure:
			var f FailureRecord
			if err := json.Unmarshal(raw, &f); err != nil {
				return fmt.Errorf("responses[%d]: %w", i, err)
			}
			s.Responses = append(s.Responses, &f)
		case DirectionResponse, "":
			var r ResponseRecord
			if err := json.Unmarshal(raw, &r); err != nil {
				return fmt.Errorf("responses[%d]: %w", i, err)
			}
			s.Responses = append(s.Responses, &r)
		default:
			return fmt.Errorf("responses[%d]: unknown direction %q", i, probe.Direction)
		}
	}
	return nil
}
