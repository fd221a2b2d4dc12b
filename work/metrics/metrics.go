package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ActiveSessions tracks the content streams currently being relayed per channel.
var ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "freesky_active_sessions",
	Help: "Number of active content sessions",
}, []string{"channel"})

// BytesTransferred counts bytes relayed to clients per channel.
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "freesky_bytes_transferred",
	Help: "Total bytes transferred",
}, []string{"channel", "direction"})

// StreamErrors counts content and key proxy errors by kind.
var StreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "freesky_stream_errors",
	Help: "Number of stream errors",
}, []string{"channel", "error_type"})

// StrategyAttempts counts every strategy run inside a resolution by outcome
// (manifest, embed_marker or an error kind).
var StrategyAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "freesky_strategy_attempts",
	Help: "Resolution strategy attempts by outcome",
}, []string{"provider", "strategy", "outcome"})

// ResolutionDuration observes end-to-end resolution time per provider.
var ResolutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "freesky_resolution_duration_seconds",
	Help:    "Time taken to resolve a channel",
	Buckets: []float64{0.25, 0.5, 1, 2, 3, 5, 10, 20},
}, []string{"provider"})

// CacheRequests counts resolution cache lookups as hit, miss or shared.
var CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "freesky_cache_requests",
	Help: "Resolution cache lookups by result",
}, []string{"result"})

// GateRejections counts requests turned away by a full admission gate.
var GateRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "freesky_gate_rejections",
	Help: "Requests rejected by an admission gate",
}, []string{"gate"})

// CatalogChannels reports the size of the current channel catalog.
var CatalogChannels = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "freesky_catalog_channels",
	Help: "Number of channels in the catalog",
})
