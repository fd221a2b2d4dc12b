package catalog

import (
	"context"
	"fmt"
	"os"
	"time"

	"freesky-proxy/work/logger"
	"freesky-proxy/work/provider"
	"freesky-proxy/work/types"
)

// Lister fetches the full channel list from upstream.
type Lister interface {
	AllChannels(ctx context.Context) ([]types.Channel, error)
}

// Store persists the last known good channel list.
type Store interface {
	SaveChannels(channels []types.Channel) error
	LoadChannels() ([]types.Channel, time.Time, error)
}

// Invalidator is cleared whenever a new catalog is installed.
type Invalidator interface {
	Clear()
}

// RefreshConfig controls the refresh loop.
type RefreshConfig struct {
	Interval     time.Duration // time between refresh cycles
	Retries      int           // attempts per cycle
	RetryDelay   time.Duration // wait between attempts
	FallbackFile string        // JSON channel list used when upstream and snapshot both fail
}

// Refresher keeps a Catalog in sync with upstream.
type Refresher struct {
	catalog *Catalog
	lister  Lister
	store   Store
	cache   Invalidator
	cfg     RefreshConfig
}

// NewRefresher wires a Refresher. store and cache may be nil.
func NewRefresher(c *Catalog, lister Lister, store Store, cache Invalidator, cfg RefreshConfig) *Refresher {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	return &Refresher{catalog: c, lister: lister, store: store, cache: cache, cfg: cfg}
}

// Run refreshes immediately and then every interval until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	r.Refresh(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Debug("{catalog/refresh - Run} refresh loop stopped")
			return
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}

// Refresh runs one cycle: up to Retries upstream attempts spaced by RetryDelay. Success
// installs the list, saves the snapshot and clears the resolution cache. When every
// attempt fails an empty catalog is seeded from the snapshot or the fallback file; a
// populated catalog is left as it is.
func (r *Refresher) Refresh(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.Retries; attempt++ {
		channels, err := r.lister.AllChannels(ctx)
		if err == nil && len(channels) > 0 {
			r.install(channels, "upstream")
			if r.store != nil {
				if err := r.store.SaveChannels(channels); err != nil {
					logger.Warn("{catalog/refresh - Refresh} failed to save catalog snapshot: %v", err)
				}
			}
			return nil
		}
		if err == nil {
			err = fmt.Errorf("upstream returned no channels: %w", types.ErrNotFound)
		}
		lastErr = err
		logger.Warn("{catalog/refresh - Refresh} attempt %d/%d failed: %v", attempt, r.cfg.Retries, err)

		if attempt < r.cfg.Retries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.RetryDelay):
			}
		}
	}

	if r.catalog.Len() > 0 {
		logger.Warn("{catalog/refresh - Refresh} keeping existing %d channels after failed refresh", r.catalog.Len())
		return lastErr
	}
	r.seed()
	return lastErr
}

func (r *Refresher) install(channels []types.Channel, source string) {
	r.catalog.Swap(channels, source)
	if r.cache != nil {
		r.cache.Clear()
	}
	logger.Info("{catalog/refresh - install} installed %d channels from %s", len(channels), source)
}

// seed loads the last known snapshot, then the fallback file.
func (r *Refresher) seed() {
	if r.store != nil {
		channels, savedAt, err := r.store.LoadChannels()
		if err == nil && len(channels) > 0 {
			logger.Info("{catalog/refresh - seed} using catalog snapshot from %s", savedAt.Format(time.RFC3339))
			r.install(channels, "snapshot")
			return
		}
		logger.Debug("{catalog/refresh - seed} no usable snapshot: %v", err)
	}

	if r.cfg.FallbackFile == "" {
		logger.Error("{catalog/refresh - seed} no channels available from upstream, snapshot or fallback file")
		return
	}
	data, err := os.ReadFile(r.cfg.FallbackFile)
	if err != nil {
		logger.Error("{catalog/refresh - seed} failed to read fallback channels %s: %v", r.cfg.FallbackFile, err)
		return
	}
	channels, err := provider.ParseChannels(string(data))
	if err != nil {
		logger.Error("{catalog/refresh - seed} failed to parse fallback channels %s: %v", r.cfg.FallbackFile, err)
		return
	}
	r.install(channels, "fallback")
}
