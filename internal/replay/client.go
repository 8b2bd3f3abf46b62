// Package replay drives authenticated probe requests against a target using
// the artifacts of a previously captured session.
package replay

import (
	"compress/gzip"
	"compress/zlib"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/sessiontap/sessiontap/internal/config"
)

// NewHTTPClient builds a client whose wire profile resembles the captured
// browser session: TLS 1.2 minimum with h2 preference, pooled connections,
// transparent gzip/deflate/brotli decoding, and no automatic redirect
// following, so a probe reports the same hop the capture recorded.
func NewHTTPClient(cfg config.ReplayConfig) *http.Client {
	base := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			NextProtos:         []string{"h2", "http/1.1"},
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		// Encoding is negotiated by the wrapping transport, the way the
		// browser negotiated its own.
		DisableCompression: true,
	}

	return &http.Client{
		Transport: &encodingTransport{next: base},
		Timeout:   cfg.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// encodingTransport advertises the compression schemes a browser would and
// reverses whichever one the server picked before the response reaches the
// caller.
type encodingTransport struct {
	next http.RoundTripper
}

func (t *encodingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	}

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := decodeBody(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("decoding response from %s: %w", req.URL.Host, err)
	}
	return resp, nil
}

// decodeBody swaps the response body for a decoding reader based on
// Content-Encoding, fixing up the headers to describe the decoded stream.
func decodeBody(resp *http.Response) error {
	encoding := strings.ToLower(resp.Header.Get("Content-Encoding"))
	if encoding == "" || resp.Body == nil {
		return nil
	}

	var reader io.Reader
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("gzip: %w", err)
		}
		reader = gz
	case "deflate":
		zr, err := zlib.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("deflate: %w", err)
		}
		reader = zr
	case "br":
		reader = brotli.NewReader(resp.Body)
	default:
		return fmt.Errorf("unsupported content encoding %q", encoding)
	}

	resp.Body = &decodedBody{Reader: reader, wire: resp.Body}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

// decodedBody closes the decoder (when it has a Close) and then the wire
// body behind it.
type decodedBody struct {
	io.Reader
	wire io.ReadCloser
}

func (b *decodedBody) Close() error {
	var first error
	if c, ok := b.Reader.(io.Closer); ok {
		first = c.Close()
	}
	if err := b.wire.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
