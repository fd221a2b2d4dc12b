// Package proxy serves client-facing manifest, key and content requests. Content and key
// transfers run behind an admission gate and each opens its own upstream connection that
// is never shared with another viewer.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"freesky-proxy/work/buffer"
	"freesky-proxy/work/codec"
	"freesky-proxy/work/logger"
	"freesky-proxy/work/metrics"
	"freesky-proxy/work/session"
	"freesky-proxy/work/types"
	"freesky-proxy/work/utils"
)

// StatusClientClosedRequest is reported when the client went away mid-request.
const StatusClientClosedRequest = 499

// HLSContentType is the media type of every manifest served to clients.
const HLSContentType = "application/vnd.apple.mpegurl"

// Streams produces resolution results for channels, normally the resolution cache.
type Streams interface {
	GetOrResolve(ctx context.Context, channelID string) types.Result
}

// Channels lists the catalog for playlist rendering.
type Channels interface {
	Channels() []types.Channel
}

// Config carries the proxy settings.
type Config struct {
	BaseURL           string        // public base URL used in playlists
	UserAgent         string        // browser identity sent upstream
	ChunkSize         int           // bytes per relayed chunk
	ContentTimeout    time.Duration // upstream response header timeout for content
	KeyTimeout        time.Duration // deadline for a key fetch
	GateWait          time.Duration // how long a request waits for a gate slot
	HeartbeatInterval time.Duration // session heartbeat cadence during transfer
}

// Proxy serves manifests, keys and content.
type Proxy struct {
	cfg      Config
	codec    *codec.Codec
	index    *codec.Index
	sessions *session.Manager
	gate     *semaphore.Weighted
	streams  Streams
	channels Channels
	buffers  *buffer.Pool
}

// New wires a Proxy. gate is the content gate shared by content and key transfers.
func New(cfg Config, c *codec.Codec, index *codec.Index, sessions *session.Manager, gate *semaphore.Weighted, streams Streams, channels Channels) *Proxy {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 4 * 1024
	}
	if cfg.ContentTimeout <= 0 {
		cfg.ContentTimeout = 30 * time.Second
	}
	if cfg.KeyTimeout <= 0 {
		cfg.KeyTimeout = 5 * time.Second
	}
	if cfg.GateWait <= 0 {
		cfg.GateWait = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	return &Proxy{
		cfg:      cfg,
		codec:    c,
		index:    index,
		sessions: sessions,
		gate:     gate,
		streams:  streams,
		channels: channels,
		buffers:  buffer.NewPool(cfg.ChunkSize),
	}
}

// admit waits up to GateWait for a content slot. The returned release must be called
// exactly once when admitted.
func (p *Proxy) admit(ctx context.Context, kind string) (func(), error) {
	if p.gate == nil {
		return func() {}, nil
	}
	wait, cancel := context.WithTimeout(ctx, p.cfg.GateWait)
	defer cancel()
	if err := p.gate.Acquire(wait, 1); err != nil {
		metrics.GateRejections.WithLabelValues(kind).Inc()
		if cerr := types.FromContext(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, errGateFull
	}
	return func() { p.gate.Release(1) }, nil
}

var errGateFull = errors.New("content gate full")

// channelOf attributes a content token to the channel whose manifest issued it.
func (p *Proxy) channelOf(token string) string {
	if p.index != nil {
		if ch, ok := p.index.Channel(token); ok {
			return ch
		}
	}
	return "unknown"
}

// upstreamURL decodes token and accepts it only when it names an absolute http(s) URL.
func (p *Proxy) upstreamURL(token string) (string, error) {
	raw, err := p.codec.Decode(token)
	if err != nil {
		return "", err
	}
	if u, perr := url.Parse(raw); perr != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("upstream url %q: %w", utils.LogURL(raw), types.ErrTokenInvalid)
	}
	return raw, nil
}

// StatusFor maps an error onto the HTTP status returned to clients.
func StatusFor(err error) int {
	if errors.Is(err, errGateFull) {
		return http.StatusServiceUnavailable
	}
	switch types.KindOf(err) {
	case "not_found":
		return http.StatusNotFound
	case "token_invalid", "token_expired":
		return http.StatusBadRequest
	case "timeout":
		return http.StatusGatewayTimeout
	case "upstream_unavailable", "auth_rejected", "extraction_failed":
		return http.StatusBadGateway
	case "cancelled":
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err as a JSON error body with its mapped status. Cancelled requests
// are only logged; nobody is listening for the answer.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == StatusClientClosedRequest {
		logger.Debug("{proxy/proxy - WriteError} client went away: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// MediaType infers the content type of a media URL from its path extension.
func MediaType(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".ts":
		return "video/mp2t"
	case ".mp4", ".m4s":
		return "video/mp4"
	case ".m3u8":
		return HLSContentType
	default:
		return "application/octet-stream"
	}
}
