package monitor

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/sessiontap/sessiontap/api/schemas"
)

// bearerPrefix is matched case-insensitively against Authorization values.
const bearerPrefix = "bearer "

// ExtractAuth distills a session's authentication state: every distinct
// bearer token with its first sighting, the cookie names seen in either
// direction, and the request header names that smell like credentials.
// Returns nil when the session carried no authentication at all.
func ExtractAuth(log *schemas.SessionLog) *schemas.AuthArtifacts {
	var (
		sightings []schemas.TokenSighting
		seen      = map[string]bool{}
		cookies   = map[string]bool{}
		authNames = map[string]bool{}
	)

	for _, req := range log.Requests {
		for _, h := range req.Headers {
			name := strings.ToLower(h.Name)
			if isAuthHeaderName(name) {
				authNames[name] = true
			}
			if name != "authorization" {
				continue
			}
			token, ok := bearerToken(h.Value)
			if !ok || seen[token] {
				continue
			}
			seen[token] = true
			sightings = append(sightings, schemas.TokenSighting{
				Token:     token,
				Header:    h.Name,
				URL:       req.URL,
				FirstSeen: req.Timestamp,
			})
		}
		for name := range req.Cookies {
			cookies[name] = true
		}
	}

	for _, entry := range log.Responses {
		rec, ok := entry.(*schemas.ResponseRecord)
		if !ok {
			continue
		}
		for name := range rec.Cookies {
			cookies[name] = true
		}
	}

	if len(sightings) == 0 && len(cookies) == 0 && len(authNames) == 0 {
		return nil
	}

	return &schemas.AuthArtifacts{
		BearerTokens:    sightings,
		CookieNames:     sortedKeys(cookies),
		AuthHeaderNames: sortedKeys(authNames),
	}
}

// FreshestToken returns the bearer token most recently sent during the
// session, walking requests in arrival order.
func FreshestToken(log *schemas.SessionLog) (string, bool) {
	var (
		token string
		found bool
	)
	for _, req := range log.Requests {
		for _, h := range req.Headers {
			if !strings.EqualFold(h.Name, "authorization") {
				continue
			}
			if t, ok := bearerToken(h.Value); ok {
				token, found = t, true
			}
		}
	}
	return token, found
}

// WriteTokenFile persists a bearer token for downstream clients, which read
// the file verbatim and strip an optional scheme prefix themselves.
func WriteTokenFile(path, token string) error {
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing token file %s: %w", path, err)
	}
	return nil
}

// bearerToken unwraps "Bearer <token>" values, scheme matched
// case-insensitively.
func bearerToken(value string) (string, bool) {
	if len(value) <= len(bearerPrefix) || !strings.EqualFold(value[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(value[len(bearerPrefix):])
	return token, token != ""
}

// isAuthHeaderName flags headers worth surfacing as credential carriers.
func isAuthHeaderName(lower string) bool {
	switch lower {
	case "authorization", "proxy-authorization", "x-api-key":
		return true
	}
	if !strings.HasPrefix(lower, "x-") {
		return false
	}
	return strings.Contains(lower, "auth") ||
		strings.Contains(lower, "token") ||
		strings.Contains(lower, "key") ||
		strings.Contains(lower, "session")
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
