package proxy

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"freesky-proxy/work/logger"
	"freesky-proxy/work/types"
	"freesky-proxy/work/utils"
)

// ServeManifest answers a client manifest request for channelID from the resolution
// cache. Embed markers are served as a one-line body carrying the embed URL.
func (p *Proxy) ServeManifest(w http.ResponseWriter, r *http.Request, channelID string) {
	res := p.streams.GetOrResolve(r.Context(), channelID)
	if !res.OK() {
		logger.Error("{proxy/manifest - ServeManifest} channel %s: %v", channelID, res.Err)
		WriteError(w, res.Err)
		return
	}

	w.Header().Set("Content-Type", HLSContentType)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("Accept-Ranges", "bytes")
	_, _ = io.WriteString(w, res.Body())
	logger.Debug("{proxy/manifest - ServeManifest} channel %s: served %s from %s", channelID, res.Kind, res.Source)
}

// GeneratePlaylist serves every catalog channel as an M3U playlist whose entries point
// back at this server's manifest endpoint.
func (p *Proxy) GeneratePlaylist(w http.ResponseWriter, r *http.Request) {
	var channels []types.Channel
	if p.channels != nil {
		channels = p.channels.Channels()
	}

	base := strings.TrimSuffix(p.cfg.BaseURL, "/")

	// pre-allocate the builder with a reasonable estimate
	var playlist strings.Builder
	playlist.Grow(len(channels) * 160)
	playlist.WriteString("#EXTM3U\n")

	for _, ch := range channels {
		playlist.WriteString("#EXTINF:-1")
		fmt.Fprintf(&playlist, " tvg-id=%q tvg-name=%q", utils.SanitizeChannelName(ch.Name), ch.Name)
		if ch.LogoRef != "" {
			fmt.Fprintf(&playlist, " tvg-logo=%q", ch.LogoRef)
		}
		if len(ch.Tags) > 0 {
			fmt.Fprintf(&playlist, " group-title=%q", ch.Tags[0])
		}
		fmt.Fprintf(&playlist, ",%s\n", strings.Trim(ch.Name, "\""))
		fmt.Fprintf(&playlist, "%s/stream/%s.m3u8\n", base, ch.ID)
	}

	w.Header().Set("Content-Type", "application/x-mpegURL")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = io.WriteString(w, playlist.String())
	logger.Debug("{proxy/manifest - GeneratePlaylist} generated playlist with %d channels for %s", len(channels), r.RemoteAddr)
}
