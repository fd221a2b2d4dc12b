// Package catalog holds the channel list served to clients and keeps it fresh.
package catalog

import (
	"sync/atomic"
	"time"

	"freesky-proxy/work/metrics"
	"freesky-proxy/work/types"
)

type snapshot struct {
	channels  []types.Channel
	byID      map[string]types.Channel
	updatedAt time.Time
	source    string
}

// Catalog is the current channel set. Readers always see a complete set; a refresh
// replaces it in one atomic swap.
type Catalog struct {
	current atomic.Pointer[snapshot]
}

// New returns an empty catalog.
func New() *Catalog {
	c := &Catalog{}
	c.current.Store(&snapshot{byID: map[string]types.Channel{}})
	return c
}

// Swap replaces the channel set. source names where it came from (upstream, snapshot,
// fallback file) for logs and the admin surface.
func (c *Catalog) Swap(channels []types.Channel, source string) {
	owned := make([]types.Channel, len(channels))
	copy(owned, channels)
	byID := make(map[string]types.Channel, len(owned))
	for _, ch := range owned {
		if _, dup := byID[ch.ID]; !dup {
			byID[ch.ID] = ch
		}
	}
	c.current.Store(&snapshot{channels: owned, byID: byID, updatedAt: time.Now(), source: source})
	metrics.CatalogChannels.Set(float64(len(owned)))
}

// Channels returns the current channel set. The slice must not be modified.
func (c *Catalog) Channels() []types.Channel {
	return c.current.Load().channels
}

// Get returns the channel with id.
func (c *Catalog) Get(id string) (types.Channel, bool) {
	ch, ok := c.current.Load().byID[id]
	return ch, ok
}

// Search returns the channels whose name or tags contain query, case-insensitively.
// An empty query returns every channel.
func (c *Catalog) Search(query string) []types.Channel {
	var out []types.Channel
	for _, ch := range c.current.Load().channels {
		if ch.Matches(query) {
			out = append(out, ch)
		}
	}
	return out
}

// Len returns the number of channels.
func (c *Catalog) Len() int {
	return len(c.current.Load().channels)
}

// UpdatedAt returns when the current set was installed and where it came from.
func (c *Catalog) UpdatedAt() (time.Time, string) {
	s := c.current.Load()
	return s.updatedAt, s.source
}
