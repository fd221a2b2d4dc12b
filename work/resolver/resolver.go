// Package resolver turns a channel id into a playable result for one provider. It
// inspects the channel page to pick the embed or legacy strategy, runs the fixed
// fallback chain under an outer deadline and an admission gate, rewrites the winning
// manifest into proxy paths and reports every attempt to the health monitor.
package resolver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/grafana/regexp"
	"golang.org/x/sync/semaphore"

	"freesky-proxy/work/client"
	"freesky-proxy/work/health"
	"freesky-proxy/work/logger"
	"freesky-proxy/work/manifest"
	"freesky-proxy/work/metrics"
	"freesky-proxy/work/strategy"
	"freesky-proxy/work/types"
)

// DefaultEmbedPattern identifies embed-style channel pages.
const DefaultEmbedPattern = `https://vidembed\.re/stream/([a-f0-9-]{36})`

// Recorder receives one record per resolution attempt.
type Recorder interface {
	RecordAttempt(key string, success bool, latency time.Duration)
}

// EncoderFor hands out the token encoder used when rewriting a channel's manifest.
type EncoderFor func(channelID string) manifest.Encoder

// Config describes the provider a Resolver works against.
type Config struct {
	Provider     string         // provider name, used for health keys and logs
	StreamPage   string         // channel page URL template, {id} is replaced
	SiteReferer  string         // Referer sent with channel page requests
	EmbedPattern *regexp.Regexp // marker for embed-style pages, nil uses DefaultEmbedPattern
	Timeout      time.Duration  // outer deadline for one resolution
	DropExpired  bool           // drop manifest entries whose expiry has passed
}

// Resolver resolves channels for one provider.
type Resolver struct {
	cfg       Config
	client    *client.HeaderSettingClient
	primary   *strategy.Legacy
	secondary *strategy.Legacy
	embed     *strategy.Embed
	gate      *semaphore.Weighted
	recorder  Recorder
	encoders  EncoderFor
}

// New wires a Resolver. secondary may be nil when the provider knows only one legacy
// endpoint. gate is shared by every provider's resolver.
func New(cfg Config, c *client.HeaderSettingClient, primary, secondary *strategy.Legacy, embed *strategy.Embed,
	gate *semaphore.Weighted, recorder Recorder, encoders EncoderFor) *Resolver {
	if cfg.EmbedPattern == nil {
		cfg.EmbedPattern = regexp.MustCompile(DefaultEmbedPattern)
	}
	return &Resolver{
		cfg:       cfg,
		client:    c,
		primary:   primary,
		secondary: secondary,
		embed:     embed,
		gate:      gate,
		recorder:  recorder,
		encoders:  encoders,
	}
}

// Name returns the provider name.
func (r *Resolver) Name() string {
	return r.cfg.Provider
}

// DetectEmbed returns the embed URL advertised by page, if any.
func (r *Resolver) DetectEmbed(page string) (string, bool) {
	m := r.cfg.EmbedPattern.FindString(page)
	return m, m != ""
}

// StreamPageURL returns the channel page URL for channelID.
func (r *Resolver) StreamPageURL(channelID string) string {
	return strings.ReplaceAll(r.cfg.StreamPage, "{id}", channelID)
}

// Resolve produces a rewritten manifest, an embed marker or a classified failure for
// channelID. It never panics or returns a raw error.
func (r *Resolver) Resolve(ctx context.Context, channelID string) types.Result {
	start := time.Now()
	key := health.Key(r.cfg.Provider, channelID)

	if r.gate != nil {
		if err := r.gate.Acquire(ctx, 1); err != nil {
			metrics.GateRejections.WithLabelValues("resolution").Inc()
			cerr := types.FromContext(ctx)
			if cerr == nil {
				cerr = types.ErrTimeout
			}
			return types.Failure(fmt.Errorf("%s: waiting for resolution slot: %w", r.cfg.Provider, cerr), r.cfg.Provider)
		}
		defer r.gate.Release(1)
	}

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	res := r.chain(ctx, channelID).Run(ctx)
	elapsed := time.Since(start)
	metrics.ResolutionDuration.WithLabelValues(r.cfg.Provider).Observe(elapsed.Seconds())

	if res.Kind == types.KindManifest {
		res = r.rewrite(channelID, res)
	}
	res.Source = r.cfg.Provider

	if types.KindOf(res.Err) != "cancelled" && r.recorder != nil {
		r.recorder.RecordAttempt(key, res.Kind == types.KindManifest, elapsed)
	}

	switch res.Kind {
	case types.KindManifest:
		logger.Info("{resolver/resolver - Resolve} %s: channel %s resolved in %s", r.cfg.Provider, channelID, elapsed.Round(time.Millisecond))
	case types.KindEmbedMarker:
		logger.Info("{resolver/resolver - Resolve} %s: channel %s deferred to embed %s", r.cfg.Provider, channelID, res.EmbedURL)
	default:
		logger.Warn("{resolver/resolver - Resolve} %s: channel %s failed after %s: %v", r.cfg.Provider, channelID, elapsed.Round(time.Millisecond), res.Err)
	}
	return res
}

// pageShare bounds the channel page fetch to this fraction of the outer deadline, leaving
// the rest for the strategies.
const pageShare = 4

// chain builds the fallback order for channelID from the channel page. Embed pages run
// embed -> legacy primary -> legacy secondary -> marker passthrough; legacy pages run
// legacy primary -> alternate detection -> legacy secondary -> marker passthrough.
func (r *Resolver) chain(ctx context.Context, channelID string) strategy.Step {
	pageURL := r.StreamPageURL(channelID)
	pageCtx, cancel := ctx, context.CancelFunc(func() {})
	if deadline, ok := ctx.Deadline(); ok {
		pageCtx, cancel = context.WithTimeout(ctx, time.Until(deadline)/pageShare)
	}
	page, _, err := r.client.FetchText(pageCtx, http.MethodGet, pageURL, client.Headers{Referer: r.cfg.SiteReferer})
	cancel()
	if err != nil {
		logger.Warn("{resolver/resolver - chain} %s: channel %s page unavailable, assuming legacy: %v", r.cfg.Provider, channelID, err)
	}

	embedURL, isEmbed := r.DetectEmbed(page)
	observe := r.observer(channelID)

	var steps []strategy.Step
	if isEmbed {
		logger.Debug("{resolver/resolver - chain} %s: channel %s is embed-style (%s)", r.cfg.Provider, channelID, embedURL)
		steps = append(steps, r.embedStep(embedURL, pageURL))
		steps = append(steps, r.legacySteps(channelID)...)
	} else {
		if r.primary != nil {
			steps = append(steps, r.primary.Step(channelID), r.alternateDetection(channelID, &embedURL))
		}
		if r.secondary != nil {
			steps = append(steps, r.secondary.Step(channelID))
		}
	}
	steps = append(steps, passthrough(&embedURL))

	return strategy.Budgeted(r.cfg.Provider+"/"+channelID, observe, steps...)
}

func (r *Resolver) legacySteps(channelID string) []strategy.Step {
	var steps []strategy.Step
	if r.primary != nil {
		steps = append(steps, r.primary.Step(channelID))
	}
	if r.secondary != nil {
		steps = append(steps, r.secondary.Step(channelID))
	}
	return steps
}

// embedWeight is the share of the outer deadline an embed attempt gets relative to one
// legacy handshake.
const embedWeight = 2

func (r *Resolver) embedStep(embedURL, referer string) strategy.Step {
	if r.embed == nil {
		return strategy.Step{Name: "embed", Instant: true, Run: func(context.Context) types.Result {
			return types.EmbedMarker(embedURL, "embed")
		}}
	}
	step := r.embed.Step(embedURL, referer)
	step.Weight = embedWeight
	return step
}

// alternateDetection looks for an embed marker on the primary player page itself and
// runs the embed strategy when it finds one. A found embed URL is remembered for the
// final passthrough.
func (r *Resolver) alternateDetection(channelID string, found *string) strategy.Step {
	return strategy.Step{Name: "alternate-detection", Weight: embedWeight, Run: func(ctx context.Context) types.Result {
		playerURL := r.primary.PlayerURL(channelID)
		page, _, err := r.client.FetchText(ctx, http.MethodGet, playerURL, client.Headers{Referer: r.cfg.SiteReferer})
		if err != nil {
			return types.Failure(err, "alternate-detection")
		}
		embedURL, ok := r.DetectEmbed(page)
		if !ok {
			return types.Failure(fmt.Errorf("no embed marker on %s: %w", playerURL, types.ErrExtractionFailed), "alternate-detection")
		}
		*found = embedURL
		return r.embedStep(embedURL, playerURL).Run(ctx)
	}}
}

// passthrough hands the embed URL to the client when everything else failed.
func passthrough(embedURL *string) strategy.Step {
	return strategy.Step{Name: "passthrough", Instant: true, Run: func(context.Context) types.Result {
		if *embedURL == "" {
			return types.Failure(fmt.Errorf("no embed url to pass through: %w", types.ErrNotFound), "passthrough")
		}
		return types.EmbedMarker(*embedURL, "passthrough")
	}}
}

func (r *Resolver) observer(channelID string) strategy.Observer {
	return func(step string, res types.Result, elapsed time.Duration) {
		outcome := res.Kind.String()
		if res.Kind == types.KindFailure {
			outcome = types.KindOf(res.Err)
		}
		metrics.StrategyAttempts.WithLabelValues(r.cfg.Provider, step, outcome).Inc()
		logger.Debug("{resolver/resolver - observer} %s: channel %s step %s -> %s in %s",
			r.cfg.Provider, channelID, step, outcome, elapsed.Round(time.Millisecond))
	}
}

// rewrite turns upstream references in a manifest into proxy paths.
func (r *Resolver) rewrite(channelID string, res types.Result) types.Result {
	if info, err := manifest.Inspect(res.Manifest); err == nil {
		logger.Debug("{resolver/resolver - rewrite} %s: channel %s manifest master=%t variants=%d segments=%d live=%t",
			r.cfg.Provider, channelID, info.Master, info.Variants, info.Segments, info.Live)
	}
	if r.encoders == nil {
		return res
	}

	text, stats := manifest.New(r.encoders(channelID), r.cfg.DropExpired).Rewrite(res.Manifest, res.Referer, res.Location)
	if stats.Dropped > 0 || stats.ExpiringSoon > 0 {
		logger.Warn("{resolver/resolver - rewrite} %s: channel %s dropped %d expired entries, %d expiring soon",
			r.cfg.Provider, channelID, stats.Dropped, stats.ExpiringSoon)
	}
	res.Manifest = text
	return res
}
