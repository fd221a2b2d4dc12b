package main

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"

	"freesky-proxy/work/database"
	"freesky-proxy/work/handlers"
	"freesky-proxy/work/health"
	"freesky-proxy/work/logger"
	"freesky-proxy/work/middleware"
	"freesky-proxy/work/provider"
	"freesky-proxy/work/utils"
)

// StatsResponse is the operational overview served by the admin API: catalog state,
// cache and session figures, gate limits and process resources.
type StatsResponse struct {
	Uptime          string          `json:"uptime"`
	MemoryUsage     string          `json:"memoryUsage"`
	Goroutines      int             `json:"goroutines"`
	WorkerThreads   int             `json:"workerThreads"`
	TotalChannels   int             `json:"totalChannels"`
	CatalogSource   string          `json:"catalogSource"`
	CatalogUpdated  string          `json:"catalogUpdated,omitempty"`
	CacheEntries    int             `json:"cacheEntries"`
	CacheTTL        string          `json:"cacheTTL"`
	ActiveSessions  int             `json:"activeSessions"`
	Sessions        []SessionInfo   `json:"sessions"`
	Limits          handlers.Limits `json:"limits"`
	Utilization     float64         `json:"utilizationPercent"`
	Providers       []provider.Info `json:"providers"`
	HealthRate      float64         `json:"healthRate"`
	AvgQualityScore float64         `json:"avgQualityScore"`
	Database        map[string]any  `json:"database,omitempty"`
}

// SessionInfo describes one active viewer stream.
type SessionInfo struct {
	ID           string `json:"id"`
	ChannelID    string `json:"channelId"`
	StartedAt    string `json:"startedAt"`
	LastActivity string `json:"lastActivity"`
}

// setupAdminRoutes registers the admin API on router.
//
// Parameters:
//   - router: configured mux router for route registration
//   - a: the running components
func setupAdminRoutes(router *mux.Router, a *app) {
	admin := router.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.CORS)

	admin.Handle("/providers", middleware.Compress(handleGetProviders(a))).Methods("GET", "OPTIONS")
	admin.HandleFunc("/providers/{name}/{action:enable|disable}", handleSetProviderState(a)).Methods("POST", "OPTIONS")
	admin.Handle("/health", middleware.Compress(handleGetHealth(a.health))).Methods("GET", "OPTIONS")
	admin.Handle("/stats", middleware.Compress(handleGetStats(a))).Methods("GET", "OPTIONS")
	admin.HandleFunc("/cache/clear", handleClearCache(a)).Methods("POST", "OPTIONS")
	admin.HandleFunc("/catalog/refresh", handleRefreshCatalog(a)).Methods("POST", "OPTIONS")

	logger.Info("{main/admin_handlers - setupAdminRoutes} admin interface initialized")
}

// handleGetProviders lists the registered providers in resolution order.
func handleGetProviders(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handlers.WriteJSON(w, http.StatusOK, map[string]any{"providers": a.coord.Providers()})
	}
}

// handleSetProviderState enables or disables a provider at runtime. Cached results of a
// disabled provider stay until their TTL runs out.
//
// Parameters:
//   - a: the running components
//
// Returns:
//   - http.HandlerFunc: handler for POST /admin/providers/{name}/{enable|disable}
func handleSetProviderState(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		name := vars["name"]

		var err error
		if vars["action"] == "enable" {
			err = a.coord.Enable(name)
		} else {
			err = a.coord.Disable(name)
		}
		if err != nil {
			logger.Warn("{main/admin_handlers - handleSetProviderState} %s %s: %v", vars["action"], name, err)
			handlers.WriteJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}

		logger.Info("{main/admin_handlers - handleSetProviderState} provider %s: %sd", name, vars["action"])
		handlers.WriteJSON(w, http.StatusOK, map[string]any{
			"provider": name,
			"enabled":  a.coord.IsEnabled(name),
		})
	}
}

// handleGetHealth serves the per provider per channel metrics.
func handleGetHealth(m *health.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handlers.WriteJSON(w, http.StatusOK, m.Summarize())
	}
}

// handleGetStats assembles StatsResponse.
func handleGetStats(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		status := handlers.BuildStatus(handlers.StatusSources{
			Catalog:  a.catalog,
			Cache:    a.cache,
			Sessions: a.sessions,
			Limits:   a.limits,
		})
		summary := a.health.Summarize()

		stats := StatsResponse{
			Uptime:          utils.FormatDuration(time.Since(a.started)),
			MemoryUsage:     utils.FormatBytes(int64(mem.Alloc)),
			Goroutines:      runtime.NumGoroutine(),
			WorkerThreads:   a.cfg.WorkerThreads,
			TotalChannels:   status.Channels,
			CacheEntries:    status.CacheSize,
			CacheTTL:        a.cfg.CacheTTL.String(),
			ActiveSessions:  status.ActiveSessions,
			Sessions:        sessionInfos(a),
			Limits:          status.Limits,
			Utilization:     status.Utilization,
			Providers:       a.coord.Providers(),
			HealthRate:      summary.HealthRate,
			AvgQualityScore: summary.AvgQualityScore,
			Database:        databaseStats(a.db),
		}
		if updated, source := a.catalog.UpdatedAt(); !updated.IsZero() {
			stats.CatalogSource = source
			stats.CatalogUpdated = updated.Format(time.RFC3339)
		} else {
			stats.CatalogSource = "none"
		}

		handlers.WriteJSON(w, http.StatusOK, stats)
	}
}

func sessionInfos(a *app) []SessionInfo {
	list := a.sessions.List()
	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, SessionInfo{
			ID:           s.ID,
			ChannelID:    s.ChannelID,
			StartedAt:    s.StartedAt.Format(time.RFC3339),
			LastActivity: s.LastActivity().Format(time.RFC3339),
		})
	}
	return out
}

func databaseStats(db *database.DB) map[string]any {
	if db == nil {
		return nil
	}
	stats, err := db.GetStats()
	if err != nil {
		logger.Warn("{main/admin_handlers - databaseStats} failed to read snapshot stats: %v", err)
		return nil
	}
	return stats
}

// handleClearCache drops every cached resolution.
func handleClearCache(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dropped := a.cache.Size()
		a.cache.Clear()
		logger.Info("{main/admin_handlers - handleClearCache} cleared %d cached resolutions", dropped)
		handlers.WriteJSON(w, http.StatusOK, map[string]int{"cleared": dropped})
	}
}

// handleRefreshCatalog starts a catalog refresh in the background and returns at once.
func handleRefreshCatalog(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if err := a.refresher.Refresh(ctx); err != nil {
				logger.Warn("{main/admin_handlers - handleRefreshCatalog} manual refresh failed: %v", err)
			}
		}()
		handlers.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "refresh started"})
	}
}
