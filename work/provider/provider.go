// Package provider coordinates resolution across upstream providers. Providers are tried
// in configured priority order, reordered by per-channel health inside a priority level,
// and a provider cooling down after repeated failures is passed over.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"freesky-proxy/work/health"
	"freesky-proxy/work/logger"
	"freesky-proxy/work/strategy"
	"freesky-proxy/work/types"
)

// Provider is one upstream source of live channels.
type Provider interface {
	Name() string
	Resolve(ctx context.Context, channelID string) types.Result
	ListChannels(ctx context.Context) ([]types.Channel, error)
}

// Health answers the questions the coordinator asks before trying a provider.
type Health interface {
	ShouldSkip(key string) bool
	QualityScore(key string) float64
}

// Info describes a registered provider for the admin surface.
type Info struct {
	Name    string `json:"name"`
	Order   int    `json:"order"`
	Enabled bool   `json:"enabled"`
}

type registration struct {
	provider Provider
	order    int
}

// Coordinator holds the ordered provider list and the runtime enabled set.
type Coordinator struct {
	providers []registration
	enabled   *xsync.MapOf[string, bool]
	health    Health
	pool      *ants.Pool
}

// NewCoordinator creates an empty coordinator. health and pool may be nil.
func NewCoordinator(health Health, pool *ants.Pool) *Coordinator {
	return &Coordinator{
		enabled: xsync.NewMapOf[string, bool](),
		health:  health,
		pool:    pool,
	}
}

// Register adds p at priority order (lower first). Registration happens during startup,
// before the coordinator is shared.
func (c *Coordinator) Register(p Provider, order int, enabled bool) {
	c.providers = append(c.providers, registration{provider: p, order: order})
	sort.SliceStable(c.providers, func(i, j int) bool {
		return c.providers[i].order < c.providers[j].order
	})
	c.enabled.Store(p.Name(), enabled)
	logger.Info("{provider/provider - Register} registered provider %s (order %d, enabled %t)", p.Name(), order, enabled)
}

// Enable turns a provider on. Unknown names yield types.ErrNotFound.
func (c *Coordinator) Enable(name string) error {
	return c.setEnabled(name, true)
}

// Disable turns a provider off. Unknown names yield types.ErrNotFound.
func (c *Coordinator) Disable(name string) error {
	return c.setEnabled(name, false)
}

func (c *Coordinator) setEnabled(name string, enabled bool) error {
	if c.find(name) == nil {
		return fmt.Errorf("provider %q: %w", name, types.ErrNotFound)
	}
	c.enabled.Store(name, enabled)
	logger.Info("{provider/provider - setEnabled} provider %s enabled=%t", name, enabled)
	return nil
}

// IsEnabled reports whether name is registered and enabled.
func (c *Coordinator) IsEnabled(name string) bool {
	on, _ := c.enabled.Load(name)
	return on
}

// Providers lists every registered provider in priority order.
func (c *Coordinator) Providers() []Info {
	out := make([]Info, 0, len(c.providers))
	for _, reg := range c.providers {
		out = append(out, Info{Name: reg.provider.Name(), Order: reg.order, Enabled: c.IsEnabled(reg.provider.Name())})
	}
	return out
}

func (c *Coordinator) find(name string) Provider {
	for _, reg := range c.providers {
		if reg.provider.Name() == name {
			return reg.provider
		}
	}
	return nil
}

// GetStream resolves channelID. A named provider is used alone and must be registered
// and enabled. Otherwise enabled providers are tried in order until one yields a
// manifest; an embed marker is kept as a last resort and a failing provider is skipped.
func (c *Coordinator) GetStream(ctx context.Context, channelID, providerName string) types.Result {
	if providerName != "" {
		p := c.find(providerName)
		if p == nil || !c.IsEnabled(providerName) {
			return types.Failure(fmt.Errorf("provider %q unknown or disabled: %w", providerName, types.ErrNotFound), "coordinator")
		}
		return c.attempt(p, channelID).Run(ctx)
	}

	candidates := c.candidates(channelID)
	if len(candidates) == 0 {
		return types.Failure(fmt.Errorf("no enabled provider for channel %s: %w", channelID, types.ErrNotFound), "coordinator")
	}

	steps := make([]strategy.Step, 0, len(candidates))
	for _, p := range candidates {
		steps = append(steps, c.attempt(p, channelID))
	}
	res := strategy.Fallback("channel "+channelID, nil, steps...).Run(ctx)
	if res.Kind == types.KindFailure {
		logger.Error("{provider/provider - GetStream} channel %s: every provider failed: %v", channelID, res.Err)
	}
	return res
}

// candidates orders enabled providers by priority, then by quality score for the channel,
// and drops providers in backoff. When every provider is in backoff the full list is
// kept, so a channel is never refused without an attempt.
func (c *Coordinator) candidates(channelID string) []Provider {
	type ranked struct {
		provider Provider
		order    int
		score    float64
	}

	var all, usable []ranked
	for _, reg := range c.providers {
		name := reg.provider.Name()
		if !c.IsEnabled(name) {
			continue
		}
		r := ranked{provider: reg.provider, order: reg.order, score: 0.5}
		key := health.Key(name, channelID)
		if c.health != nil {
			r.score = c.health.QualityScore(key)
		}
		all = append(all, r)
		if c.health != nil && c.health.ShouldSkip(key) {
			logger.Debug("{provider/provider - candidates} skipping %s for channel %s during backoff", name, channelID)
			continue
		}
		usable = append(usable, r)
	}
	if len(usable) == 0 {
		usable = all
	}

	sort.SliceStable(usable, func(i, j int) bool {
		if usable[i].order != usable[j].order {
			return usable[i].order < usable[j].order
		}
		return usable[i].score > usable[j].score
	})

	out := make([]Provider, len(usable))
	for i, r := range usable {
		out[i] = r.provider
	}
	return out
}

// attempt wraps one provider call so a panicking provider is converted into a failure
// and the coordinator moves on.
func (c *Coordinator) attempt(p Provider, channelID string) strategy.Step {
	return strategy.Step{Name: p.Name(), Run: func(ctx context.Context) (res types.Result) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("{provider/provider - attempt} provider %s panicked on channel %s: %v", p.Name(), channelID, r)
				res = types.Failure(fmt.Errorf("provider %s panicked: %v: %w", p.Name(), r, types.ErrUpstreamUnavailable), p.Name())
			}
		}()
		return p.Resolve(ctx, channelID)
	}}
}

// AllChannels lists the channels of every enabled provider, fetched concurrently and
// returned in provider priority order. A failing provider is logged and left out; the
// call fails only when no provider could list.
func (c *Coordinator) AllChannels(ctx context.Context) ([]types.Channel, error) {
	var enabled []Provider
	for _, reg := range c.providers {
		if c.IsEnabled(reg.provider.Name()) {
			enabled = append(enabled, reg.provider)
		}
	}
	if len(enabled) == 0 {
		return nil, fmt.Errorf("no enabled providers: %w", types.ErrNotFound)
	}

	lists := make([][]types.Channel, len(enabled))
	errs := make([]error, len(enabled))
	var wg sync.WaitGroup
	for i, p := range enabled {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			channels, err := p.ListChannels(ctx)
			if err != nil {
				logger.Warn("{provider/provider - AllChannels} provider %s failed to list channels: %v", p.Name(), err)
				errs[i] = fmt.Errorf("%s: %w", p.Name(), err)
				return
			}
			for j := range channels {
				if channels[j].Provider == "" {
					channels[j].Provider = p.Name()
				}
			}
			lists[i] = channels
		}
		if c.pool == nil || c.pool.Submit(task) != nil {
			task()
		}
	}
	wg.Wait()

	var out []types.Channel
	listed := 0
	for i, channels := range lists {
		if errs[i] == nil {
			listed++
		}
		out = append(out, channels...)
	}
	if listed == 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// SearchChannels returns the channels of enabled providers whose name or tags contain
// query, case-insensitively.
func (c *Coordinator) SearchChannels(ctx context.Context, query string) ([]types.Channel, error) {
	all, err := c.AllChannels(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.Channel
	for _, ch := range all {
		if ch.Matches(query) {
			out = append(out, ch)
		}
	}
	return out, nil
}
