// Package handlers adapts HTTP requests onto the proxy, catalog and status components.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"freesky-proxy/work/logger"
	"freesky-proxy/work/proxy"
	"freesky-proxy/work/types"
)

// HandleManifest serves GET /stream/{id}.m3u8.
func HandleManifest(p *proxy.Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.ServeManifest(w, r, mux.Vars(r)["id"])
	}
}

// HandleContent serves GET /content/{token}.
func HandleContent(p *proxy.Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.ContentProxy(w, r, mux.Vars(r)["token"])
	}
}

// HandleKey serves GET /key/{url}/{host}.
func HandleKey(p *proxy.Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		p.ServeKey(w, r, vars["url"], vars["host"])
	}
}

// HandlePlaylist serves the M3U playlist of every catalog channel.
func HandlePlaylist(p *proxy.Proxy) http.HandlerFunc {
	return p.GeneratePlaylist
}

// Catalog is the read side of the channel catalog.
type Catalog interface {
	Channels() []types.Channel
	Search(query string) []types.Channel
	Len() int
}

// Searcher queries providers live.
type Searcher interface {
	SearchChannels(ctx context.Context, query string) ([]types.Channel, error)
}

// HandleChannels serves GET /channels, optionally filtered with ?q=. Until the first
// catalog load completes the providers are queried directly.
func HandleChannels(c Catalog, live Searcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")

		var channels []types.Channel
		if c.Len() > 0 || live == nil {
			channels = c.Search(q)
		} else {
			var err error
			channels, err = live.SearchChannels(r.Context(), q)
			if err != nil {
				logger.Error("{handlers/handlers - HandleChannels} live channel search failed: %v", err)
				proxy.WriteError(w, err)
				return
			}
		}
		if channels == nil {
			channels = []types.Channel{}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"count":    len(channels),
			"channels": channels,
		})
	}
}

// HandlePing answers liveness probes.
func HandlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// Limits are the configured admission gate sizes.
type Limits struct {
	Resolution int `json:"resolution"`
	Content    int `json:"content"`
}

// StatusSources provides the figures reported by /health.
type StatusSources struct {
	Catalog  interface{ Len() int }
	Cache    interface{ Size() int }
	Sessions interface {
		Counts() map[string]int
		Total() int
	}
	Limits Limits
}

// Status is the /health payload.
type Status struct {
	Status         string         `json:"status"`
	Channels       int            `json:"channels"`
	CacheSize      int            `json:"cache_size"`
	ActiveSessions int            `json:"active_sessions"`
	Sessions       map[string]int `json:"sessions"`
	Limits         Limits         `json:"limits"`
	Utilization    float64        `json:"utilization_percent"`
}

// BuildStatus collects the current status figures. Utilization is active sessions as a
// share of the content gate.
func BuildStatus(src StatusSources) Status {
	s := Status{
		Status:   "ok",
		Sessions: map[string]int{},
		Limits:   src.Limits,
	}
	if src.Catalog != nil {
		s.Channels = src.Catalog.Len()
	}
	if src.Cache != nil {
		s.CacheSize = src.Cache.Size()
	}
	if src.Sessions != nil {
		s.Sessions = src.Sessions.Counts()
		s.ActiveSessions = src.Sessions.Total()
	}
	if src.Limits.Content > 0 {
		s.Utilization = float64(s.ActiveSessions) / float64(src.Limits.Content) * 100
	}
	if s.Channels == 0 {
		s.Status = "degraded"
	}
	return s
}

// HandleHealth serves GET /health.
func HandleHealth(src StatusSources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, BuildStatus(src))
	}
}

// WriteJSON encodes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("{handlers/handlers - writeJSON} encode failed: %v", err)
	}
}
