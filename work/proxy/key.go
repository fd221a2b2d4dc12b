package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"freesky-proxy/work/client"
	"freesky-proxy/work/logger"
	"freesky-proxy/work/metrics"
	"freesky-proxy/work/types"
	"freesky-proxy/work/utils"
)

// maxKeyBytes bounds a key response; HLS keys are 16 bytes.
const maxKeyBytes = 64 << 10

// KeyProxy fetches the decryption key behind urlToken, presenting the host behind
// hostToken as Referer and Origin. A non-2xx answer yields types.ErrUpstreamUnavailable;
// a malformed token yields types.ErrTokenInvalid.
func (p *Proxy) KeyProxy(ctx context.Context, urlToken, hostToken string) ([]byte, error) {
	keyURL, err := p.upstreamURL(urlToken)
	if err != nil {
		return nil, err
	}
	host, err := p.codec.Decode(hostToken)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	host = strings.TrimSuffix(host, "/")
	channelID := p.channelOf(urlToken)

	release, err := p.admit(ctx, "key")
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.KeyTimeout)
	defer cancel()

	hc := client.NewIsolatedClient(p.cfg.KeyTimeout)
	defer hc.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, keyURL, nil)
	if err != nil {
		return nil, fmt.Errorf("key request: %v: %w", err, types.ErrTokenInvalid)
	}
	client.SetHeaders(req, p.cfg.UserAgent, client.Headers{Referer: host + "/", Origin: host})

	resp, err := hc.Do(req)
	if err != nil {
		if cerr := types.FromContext(ctx); cerr != nil {
			return nil, fmt.Errorf("key %s: %w", utils.LogURL(keyURL), cerr)
		}
		metrics.StreamErrors.WithLabelValues(channelID, "key").Inc()
		return nil, fmt.Errorf("key %s: %v: %w", utils.LogURL(keyURL), err, types.ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.StreamErrors.WithLabelValues(channelID, "key").Inc()
		logger.Warn("{proxy/key - KeyProxy} channel %s: key %s returned %d", channelID, utils.LogURL(keyURL), resp.StatusCode)
		return nil, fmt.Errorf("key %s returned %d: %w", utils.LogURL(keyURL), resp.StatusCode, types.ErrUpstreamUnavailable)
	}

	key, err := io.ReadAll(io.LimitReader(resp.Body, maxKeyBytes))
	if err != nil {
		if cerr := types.FromContext(ctx); cerr != nil {
			return nil, fmt.Errorf("read key: %w", cerr)
		}
		return nil, fmt.Errorf("read key: %v: %w", err, types.ErrUpstreamUnavailable)
	}
	metrics.BytesTransferred.WithLabelValues(channelID, "key").Add(float64(len(key)))
	logger.Debug("{proxy/key - KeyProxy} channel %s: fetched %d byte key", channelID, len(key))
	return key, nil
}

// ServeKey writes the key behind the tokens as an attachment.
func (p *Proxy) ServeKey(w http.ResponseWriter, r *http.Request, urlToken, hostToken string) {
	key, err := p.KeyProxy(r.Context(), urlToken, hostToken)
	if err != nil {
		logger.Error("{proxy/key - ServeKey} key request failed: %v", err)
		WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename=key")
	_, _ = w.Write(key)
}
