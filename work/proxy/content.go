package proxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"freesky-proxy/work/client"
	"freesky-proxy/work/logger"
	"freesky-proxy/work/manifest"
	"freesky-proxy/work/metrics"
	"freesky-proxy/work/types"
	"freesky-proxy/work/utils"
)

// maxNestedManifest bounds a playlist fetched through the content path.
const maxNestedManifest = 2 << 20

// ContentProxy relays the upstream resource behind token to the client. Every call opens
// its own upstream connection, forwards the client's Range header and copies the body in
// fixed-size chunks, heartbeating the session while bytes flow. The upstream connection
// is closed on every exit path. Playlists fetched this way (variant playlists of a master)
// are rewritten so their references also go through the proxy.
func (p *Proxy) ContentProxy(w http.ResponseWriter, r *http.Request, token string) {
	upstreamURL, err := p.upstreamURL(token)
	if err != nil {
		logger.Warn("{proxy/content - ContentProxy} rejecting content token: %v", err)
		WriteError(w, err)
		return
	}
	channelID := p.channelOf(token)

	release, err := p.admit(r.Context(), "content")
	if err != nil {
		logger.Warn("{proxy/content - ContentProxy} channel %s: no content slot: %v", channelID, err)
		WriteError(w, err)
		return
	}
	defer release()

	sessionID := p.sessions.Start(channelID)
	defer p.sessions.End(sessionID)

	hc := client.NewIsolatedClient(p.cfg.ContentTimeout)
	defer hc.CloseIdleConnections()

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, upstreamURL, nil)
	if err != nil {
		WriteError(w, fmt.Errorf("content url: %v: %w", err, types.ErrTokenInvalid))
		return
	}
	client.SetHeaders(req, p.cfg.UserAgent, client.Headers{})
	if rng := r.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}

	resp, err := hc.Do(req)
	if err != nil {
		if cerr := types.FromContext(r.Context()); cerr != nil {
			logger.Debug("{proxy/content - ContentProxy} channel %s: client left before upstream answered", channelID)
			return
		}
		metrics.StreamErrors.WithLabelValues(channelID, "upstream_unavailable").Inc()
		logger.Error("{proxy/content - ContentProxy} channel %s: upstream %s failed: %v", channelID, utils.LogURL(upstreamURL), err)
		WriteError(w, fmt.Errorf("content upstream: %v: %w", err, types.ErrUpstreamUnavailable))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.StreamErrors.WithLabelValues(channelID, "upstream_status").Inc()
		logger.Warn("{proxy/content - ContentProxy} channel %s: upstream %s returned %d", channelID, utils.LogURL(upstreamURL), resp.StatusCode)
		WriteError(w, fmt.Errorf("content upstream returned %d: %w", resp.StatusCode, types.ErrUpstreamUnavailable))
		return
	}

	if isPlaylistResponse(upstreamURL, resp) {
		p.relayPlaylist(w, resp, upstreamURL, channelID)
		return
	}

	header := w.Header()
	header.Set("Content-Type", MediaType(upstreamURL))
	header.Set("Accept-Ranges", "bytes")
	header.Set("Cache-Control", "public, max-age=3600")
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		header.Set("Content-Length", cl)
	}
	status := http.StatusOK
	if resp.StatusCode == http.StatusPartialContent {
		status = http.StatusPartialContent
		header.Set("Content-Range", resp.Header.Get("Content-Range"))
	}
	w.WriteHeader(status)

	written, err := p.copyChunks(w, resp.Body, sessionID)
	metrics.BytesTransferred.WithLabelValues(channelID, "out").Add(float64(written))
	switch {
	case err == nil:
		logger.Debug("{proxy/content - ContentProxy} channel %s: relayed %d bytes", channelID, written)
	case types.FromContext(r.Context()) != nil:
		logger.Debug("{proxy/content - ContentProxy} channel %s: client disconnected after %d bytes", channelID, written)
	default:
		metrics.StreamErrors.WithLabelValues(channelID, "transfer").Inc()
		logger.Warn("{proxy/content - ContentProxy} channel %s: transfer ended after %d bytes: %v", channelID, written, err)
	}
}

// copyChunks copies src to w in ChunkSize pieces, flushing after each and heartbeating
// the session at most once per HeartbeatInterval. It stops at the first read or write
// error; a clean end of src returns nil.
func (p *Proxy) copyChunks(w http.ResponseWriter, src io.Reader, sessionID string) (int64, error) {
	flusher := flusherOf(w)
	chunk := p.buffers.Get()
	defer p.buffers.Put(chunk)
	buf := chunk.B
	lastBeat := time.Now()
	var written int64

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, fmt.Errorf("write to client: %w", werr)
			}
			if flusher != nil {
				flusher.Flush()
			}
			if time.Since(lastBeat) >= p.cfg.HeartbeatInterval {
				p.sessions.Heartbeat(sessionID)
				lastBeat = time.Now()
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return written, nil
			}
			return written, fmt.Errorf("read from upstream: %w", rerr)
		}
	}
}

// relayPlaylist rewrites a playlist fetched through the content path against its own URL.
func (p *Proxy) relayPlaylist(w http.ResponseWriter, resp *http.Response, upstreamURL, channelID string) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxNestedManifest))
	if err != nil {
		metrics.StreamErrors.WithLabelValues(channelID, "transfer").Inc()
		WriteError(w, fmt.Errorf("read playlist: %v: %w", err, types.ErrUpstreamUnavailable))
		return
	}

	var enc manifest.Encoder = p.codec
	if p.index != nil {
		enc = p.index.For(channelID)
	}
	text, stats := manifest.New(enc, true).Rewrite(string(body), "", upstreamURL)
	logger.Debug("{proxy/content - relayPlaylist} channel %s: rewrote nested playlist (%d segments, %d keys)", channelID, stats.Segments, stats.Keys)

	w.Header().Set("Content-Type", HLSContentType)
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = io.WriteString(w, text)
	metrics.BytesTransferred.WithLabelValues(channelID, "out").Add(float64(len(text)))
}

// isPlaylistResponse reports whether the upstream answered with a playlist rather than
// media, judged by URL extension or content type.
func isPlaylistResponse(upstreamURL string, resp *http.Response) bool {
	if MediaType(upstreamURL) == HLSContentType {
		return true
	}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	return strings.Contains(ct, "mpegurl") || strings.Contains(ct, "m3u8")
}

// flusherOf resolves the flusher, looking through the logging response writer wrapper.
func flusherOf(w http.ResponseWriter) http.Flusher {
	if crw, ok := w.(*client.CustomResponseWriter); ok {
		w = crw.ResponseWriter
	}
	if f, ok := w.(http.Flusher); ok {
		return f
	}
	return nil
}
