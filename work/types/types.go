package types

import (
	"context"
	"errors"
	"strings"
)

// Channel is an immutable catalog record. Catalog refreshes replace the whole set; the
// resolution path only reads ID.
type Channel struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Tags     []string `json:"tags"`
	LogoRef  string   `json:"logo"`
	Provider string   `json:"provider,omitempty"` // provider the record was listed by
}

// Matches reports whether the channel name or any tag contains query, case-insensitively.
func (c Channel) Matches(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	if strings.Contains(strings.ToLower(c.Name), q) {
		return true
	}
	for _, tag := range c.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}

// ResultKind tags the variant held by a Result.
type ResultKind int

const (
	KindFailure ResultKind = iota
	KindManifest
	KindEmbedMarker
)

func (k ResultKind) String() string {
	switch k {
	case KindManifest:
		return "manifest"
	case KindEmbedMarker:
		return "embed_marker"
	default:
		return "failure"
	}
}

// Result is the outcome of one resolution: a manifest, an embed marker that defers
// playback to client-side rendering, or a failure carrying a classified error.
type Result struct {
	Kind     ResultKind
	Manifest string // manifest text, raw from a strategy or rewritten after the resolver
	Referer  string // page the manifest was obtained through, used for key rewriting
	Location string // URL the manifest was fetched from, base for relative references
	EmbedURL string // embed URL for markers
	Source   string // strategy or provider that produced the result
	Err      error
}

// Manifest builds a manifest result.
func Manifest(text, referer, source string) Result {
	return Result{Kind: KindManifest, Manifest: text, Referer: referer, Source: source}
}

// EmbedMarker builds an embed-marker result.
func EmbedMarker(embedURL, source string) Result {
	return Result{Kind: KindEmbedMarker, EmbedURL: embedURL, Source: source}
}

// Failure builds a failure result; a nil error is recorded as ErrNotFound.
func Failure(err error, source string) Result {
	if err == nil {
		err = ErrNotFound
	}
	return Result{Kind: KindFailure, Err: err, Source: source}
}

// At returns a copy of r recording the URL its manifest was fetched from.
func (r Result) At(location string) Result {
	r.Location = location
	return r
}

// OK reports whether the result can be served to a client.
func (r Result) OK() bool {
	return r.Kind == KindManifest || r.Kind == KindEmbedMarker
}

// Body is what a client receives for a successful result.
func (r Result) Body() string {
	if r.Kind == KindEmbedMarker {
		return MarkerPrefix + r.EmbedURL
	}
	return r.Manifest
}

// MarkerPrefix prefixes embed marker bodies handed to clients.
const MarkerPrefix = "VIDEMBED_URL:"

var (
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrExtractionFailed    = errors.New("extraction failed")
	ErrAuthRejected        = errors.New("auth rejected")
	ErrTokenInvalid        = errors.New("token invalid")
	ErrTokenExpired        = errors.New("token expired")
	ErrNotFound            = errors.New("not found")
	ErrTimeout             = errors.New("timeout")
	ErrCancelled           = errors.New("cancelled")
)

// KindOf maps an error to a short label used for metrics, logs and status mapping.
func KindOf(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, ErrExtractionFailed):
		return "extraction_failed"
	case errors.Is(err, ErrAuthRejected):
		return "auth_rejected"
	case errors.Is(err, ErrTokenInvalid):
		return "token_invalid"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "unknown"
	}
}

// FromContext converts a finished context into the matching taxonomy error.
func FromContext(ctx context.Context) error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return ErrTimeout
	case context.Canceled:
		return ErrCancelled
	default:
		return nil
	}
}
