package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"go.uber.org/ratelimit"
	"golang.org/x/net/publicsuffix"

	"freesky-proxy/work/types"
)

// maxPageBytes bounds how much of a page or manifest body is read into memory.
const maxPageBytes = 8 << 20

// Headers describes the browser-context headers an upstream request should carry.
type Headers struct {
	Referer string
	Origin  string
	Accept  string
	Extra   map[string]string
}

// HeaderSettingClient wraps a pooled http.Client used for page, handshake and manifest
// fetches. Every request carries a browser User-Agent and optional Referer/Origin, and
// is paced by the client's rate limiter when one is attached.
type HeaderSettingClient struct {
	Client    *http.Client
	userAgent string
	limiter   ratelimit.Limiter
}

// NewHeaderSettingClient creates the shared pooled client. A cookie jar keeps upstream
// session cookies between the handshake steps; cookies are scoped by registrable domain
// so a player host and its auth host on the same site share them.
func NewHeaderSettingClient(userAgent string) *HeaderSettingClient {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	client := &http.Client{
		Jar: jar,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       60 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}

	return &HeaderSettingClient{
		Client:    client,
		userAgent: userAgent,
	}
}

// WithLimiter returns a client sharing the same connection pool whose requests are paced
// by limiter. Each provider gets its own paced view.
func (hsc *HeaderSettingClient) WithLimiter(limiter ratelimit.Limiter) *HeaderSettingClient {
	return &HeaderSettingClient{
		Client:    hsc.Client,
		userAgent: hsc.userAgent,
		limiter:   limiter,
	}
}

// UserAgent returns the identity the client presents upstream.
func (hsc *HeaderSettingClient) UserAgent() string {
	return hsc.userAgent
}

// Do sends req with the default browser headers.
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	return hsc.DoWithHeaders(req, Headers{})
}

// DoWithHeaders sends req after applying the browser headers in h. A request whose
// context finishes while it waits on the limiter is not sent.
func (hsc *HeaderSettingClient) DoWithHeaders(req *http.Request, h Headers) (*http.Response, error) {
	if hsc.limiter != nil {
		if err := types.FromContext(req.Context()); err != nil {
			return nil, err
		}
		hsc.limiter.Take()
		if err := types.FromContext(req.Context()); err != nil {
			return nil, fmt.Errorf("waiting for rate limit: %w", err)
		}
	}
	SetHeaders(req, hsc.userAgent, h)
	return hsc.Client.Do(req)
}

// SetHeaders applies the browser identity and context headers to req.
func SetHeaders(req *http.Request, userAgent string, h Headers) {
	req.Header.Set("User-Agent", userAgent)
	accept := h.Accept
	if accept == "" {
		accept = "*/*"
	}
	req.Header.Set("Accept", accept)
	if req.Header.Get("Accept-Language") == "" {
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	}
	if h.Referer != "" {
		req.Header.Set("Referer", h.Referer)
	}
	if h.Origin != "" {
		req.Header.Set("Origin", h.Origin)
	}
	for k, v := range h.Extra {
		req.Header.Set(k, v)
	}
}

// FetchText performs method against rawURL and returns the body as text. Transport
// failures and non-2xx statuses are reported as types.ErrUpstreamUnavailable; a finished
// context is reported as types.ErrTimeout or types.ErrCancelled.
func (hsc *HeaderSettingClient) FetchText(ctx context.Context, method, rawURL string, h Headers) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("build request %s: %w", rawURL, types.ErrUpstreamUnavailable)
	}

	resp, err := hsc.DoWithHeaders(req, h)
	if err != nil {
		if cerr := types.FromContext(ctx); cerr != nil {
			return "", 0, fmt.Errorf("%s %s: %w", method, rawURL, cerr)
		}
		return "", 0, fmt.Errorf("%s %s: %v: %w", method, rawURL, err, types.ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		if cerr := types.FromContext(ctx); cerr != nil {
			return "", resp.StatusCode, fmt.Errorf("read %s: %w", rawURL, cerr)
		}
		return "", resp.StatusCode, fmt.Errorf("read %s: %v: %w", rawURL, err, types.ErrUpstreamUnavailable)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return string(body), resp.StatusCode, fmt.Errorf("HTTP %d from %s: %w", resp.StatusCode, rawURL, types.ErrUpstreamUnavailable)
	}
	return string(body), resp.StatusCode, nil
}

// NewIsolatedClient builds a client with its own transport and keep-alives disabled, so
// the connection it opens is never shared with another viewer and closes with the
// response body. Callers should CloseIdleConnections when done.
func NewIsolatedClient(responseHeaderTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			DisableKeepAlives:     true,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: responseHeaderTimeout,
		},
	}
}

// OriginOf returns "scheme://host" for rawURL, or "" when rawURL has no host.
func OriginOf(rawURL string) string {
	scheme, rest, ok := strings.Cut(rawURL, "://")
	if !ok || rest == "" {
		return ""
	}
	host, _, _ := strings.Cut(rest, "/")
	host, _, _ = strings.Cut(host, "?")
	if host == "" {
		return ""
	}
	return scheme + "://" + host
}

// CustomResponseWriter wraps http.ResponseWriter to track whether headers were sent.
type CustomResponseWriter struct {
	http.ResponseWriter
	WroteHeader bool
	StatusCode  int
	Bytes       int64
}

// NewCustomResponseWriter wraps w.
func NewCustomResponseWriter(w http.ResponseWriter) *CustomResponseWriter {
	return &CustomResponseWriter{ResponseWriter: w}
}

func (crw *CustomResponseWriter) WriteHeader(statusCode int) {
	if crw.WroteHeader {
		return
	}
	crw.StatusCode = statusCode
	crw.ResponseWriter.WriteHeader(statusCode)
	crw.WroteHeader = true
}

func (crw *CustomResponseWriter) Write(b []byte) (int, error) {
	if !crw.WroteHeader {
		crw.WriteHeader(http.StatusOK)
	}
	n, err := crw.ResponseWriter.Write(b)
	crw.Bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher.
func (crw *CustomResponseWriter) Flush() {
	if flusher, ok := crw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
