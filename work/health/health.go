// Package health tracks per-key resolution outcomes and derives the quality scores that
// order provider failover. Keys are "provider:channelID" so every provider is ranked
// on its own record for a channel.
package health

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"freesky-proxy/work/logger"
)

// unknownScore is the score of a key with no recorded attempts.
const unknownScore = 0.5

// Config holds the health thresholds.
type Config struct {
	MaxResponseTime        time.Duration // average latency above which a key is unhealthy
	MinSuccessRate         float64       // success rate below which a key is unhealthy
	MaxConsecutiveFailures int           // failure streak that makes a key unhealthy and starts backoff
	LatencyWindow          int           // number of recent latency samples kept
	Retention              time.Duration // inactivity after which a key is pruned
	BackoffBase            time.Duration // first cool-down window
	BackoffMaxExponent     int           // cap on window doublings
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		MaxResponseTime:        5 * time.Second,
		MinSuccessRate:         0.7,
		MaxConsecutiveFailures: 3,
		LatencyWindow:          10,
		Retention:              24 * time.Hour,
		BackoffBase:            60 * time.Second,
		BackoffMaxExponent:     3,
	}
}

// Key joins a provider name and channel id into a metrics key.
func Key(provider, channelID string) string {
	return provider + ":" + channelID
}

// channelMetrics is the mutable record for one key.
type channelMetrics struct {
	mu                  sync.Mutex
	successCount        int
	failureCount        int
	latencies           []time.Duration
	consecutiveFailures int
	lastSuccessAt       time.Time
	lastFailureAt       time.Time
	lastAttemptAt       time.Time
}

// Snapshot is a read-only view of one key's metrics.
type Snapshot struct {
	Key                 string    `json:"key"`
	SuccessCount        int       `json:"success_count"`
	FailureCount        int       `json:"failure_count"`
	SuccessRate         float64   `json:"success_rate"`
	AvgLatencyMs        float64   `json:"avg_latency_ms"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	QualityScore        float64   `json:"quality_score"`
	Priority            int       `json:"priority"`
	Healthy             bool      `json:"healthy"`
	Skipped             bool      `json:"skipped"`
	LastSuccessAt       time.Time `json:"last_success_at"`
}

// Summary aggregates every tracked key.
type Summary struct {
	TotalKeys       int        `json:"total_keys"`
	HealthyKeys     int        `json:"healthy_keys"`
	HealthRate      float64    `json:"health_rate"`
	AvgQualityScore float64    `json:"avg_quality_score"`
	Keys            []Snapshot `json:"keys"`
}

// Monitor records resolution attempts and answers health queries. It is safe for
// concurrent use; each key's record is guarded by its own mutex.
type Monitor struct {
	cfg     Config
	metrics *xsync.MapOf[string, *channelMetrics]
	now     func() time.Time
}

// NewMonitor creates a Monitor. Zero fields of cfg fall back to DefaultConfig.
func NewMonitor(cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.MaxResponseTime <= 0 {
		cfg.MaxResponseTime = def.MaxResponseTime
	}
	if cfg.MinSuccessRate <= 0 {
		cfg.MinSuccessRate = def.MinSuccessRate
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = def.LatencyWindow
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMaxExponent < 0 {
		cfg.BackoffMaxExponent = def.BackoffMaxExponent
	}

	return &Monitor{
		cfg:     cfg,
		metrics: xsync.NewMapOf[string, *channelMetrics](),
		now:     time.Now,
	}
}

// RecordAttempt updates the counters for key. Latency samples are kept for successful
// attempts only, bounded to the configured window.
//
// Parameters:
//   - key: metrics key, see Key
//   - success: whether the attempt produced a usable result
//   - latency: wall time of the attempt
func (m *Monitor) RecordAttempt(key string, success bool, latency time.Duration) {
	m.metrics.Compute(key, func(cm *channelMetrics, loaded bool) (*channelMetrics, bool) {
		if !loaded {
			cm = &channelMetrics{}
		}
		m.record(key, cm, success, latency)
		return cm, false
	})
}

func (m *Monitor) record(key string, cm *channelMetrics, success bool, latency time.Duration) {
	now := m.now()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.lastAttemptAt = now
	if success {
		cm.successCount++
		cm.consecutiveFailures = 0
		cm.lastSuccessAt = now
		cm.latencies = append(cm.latencies, latency)
		if over := len(cm.latencies) - m.cfg.LatencyWindow; over > 0 {
			cm.latencies = cm.latencies[over:]
		}
		return
	}

	cm.failureCount++
	cm.consecutiveFailures++
	cm.lastFailureAt = now
	if cm.consecutiveFailures == m.cfg.MaxConsecutiveFailures {
		logger.Warn("{health/health - RecordAttempt} %s reached %d consecutive failures", key, cm.consecutiveFailures)
	}
}

// successRate and avgLatency must be called with cm.mu held.
func (cm *channelMetrics) successRate() float64 {
	total := cm.successCount + cm.failureCount
	if total == 0 {
		return 0
	}
	return float64(cm.successCount) / float64(total)
}

func (cm *channelMetrics) avgLatency() time.Duration {
	if len(cm.latencies) == 0 {
		return 0
	}
	var sum time.Duration
	for _, l := range cm.latencies {
		sum += l
	}
	return sum / time.Duration(len(cm.latencies))
}

// latencyScore buckets an average latency into the 0..0.3 score component.
func latencyScore(avg time.Duration) float64 {
	switch {
	case avg <= time.Second:
		return 0.3
	case avg <= 3*time.Second:
		return 0.2
	case avg <= 5*time.Second:
		return 0.1
	default:
		return 0
	}
}

// score computes the quality score; cm.mu must be held.
func (cm *channelMetrics) score() float64 {
	penalty := math.Min(0.05*float64(cm.consecutiveFailures), 0.2)
	s := 0.5*cm.successRate() + latencyScore(cm.avgLatency()) - penalty
	return math.Max(0, math.Min(1, s))
}

// QualityScore returns key's score in [0,1]:
// 0.5*successRate + latency bucket (0..0.3) - min(0.05*consecutiveFailures, 0.2).
// Unknown keys score 0.5.
func (m *Monitor) QualityScore(key string) float64 {
	cm, ok := m.metrics.Load(key)
	if !ok {
		return unknownScore
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.score()
}

// IsHealthy reports whether key meets every threshold. Unknown keys are healthy.
func (m *Monitor) IsHealthy(key string) bool {
	cm, ok := m.metrics.Load(key)
	if !ok {
		return true
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return m.healthy(cm)
}

func (m *Monitor) healthy(cm *channelMetrics) bool {
	return cm.successRate() >= m.cfg.MinSuccessRate &&
		cm.avgLatency() <= m.cfg.MaxResponseTime &&
		cm.consecutiveFailures < m.cfg.MaxConsecutiveFailures
}

// ShouldSkip reports whether key is inside its backoff cool-down. Once the failure
// streak reaches the threshold, the key is skipped for BackoffBase after its last
// failure, doubling per further failure up to BackoffMaxExponent doublings.
func (m *Monitor) ShouldSkip(key string) bool {
	cm, ok := m.metrics.Load(key)
	if !ok {
		return false
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return m.skipping(cm)
}

func (m *Monitor) skipping(cm *channelMetrics) bool {
	if cm.consecutiveFailures < m.cfg.MaxConsecutiveFailures {
		return false
	}
	return m.now().Sub(cm.lastFailureAt) < m.backoff(cm.consecutiveFailures)
}

// backoff returns the cool-down window for a failure streak at or past the threshold.
func (m *Monitor) backoff(consecutiveFailures int) time.Duration {
	exp := consecutiveFailures - m.cfg.MaxConsecutiveFailures
	if exp > m.cfg.BackoffMaxExponent {
		exp = m.cfg.BackoffMaxExponent
	}
	if exp < 0 {
		exp = 0
	}
	return m.cfg.BackoffBase << uint(exp)
}

// Priority maps key's score to 1 (high), 2 (medium) or 3 (low).
func (m *Monitor) Priority(key string) int {
	return priority(m.QualityScore(key))
}

func priority(score float64) int {
	switch {
	case score >= 0.8:
		return 1
	case score >= 0.5:
		return 2
	default:
		return 3
	}
}

// Rank returns keys ordered by descending quality score. Equal scores keep their
// input order.
func (m *Monitor) Rank(keys []string) []string {
	scores := make(map[string]float64, len(keys))
	for _, k := range keys {
		scores[k] = m.QualityScore(k)
	}
	ranked := append([]string(nil), keys...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return scores[ranked[i]] > scores[ranked[j]]
	})
	return ranked
}

// Prune removes keys with no attempt within the retention window and returns how
// many were removed.
func (m *Monitor) Prune() int {
	cutoff := m.now().Add(-m.cfg.Retention)
	removed := 0
	m.metrics.Range(func(key string, _ *channelMetrics) bool {
		if m.pruneIfStale(key, cutoff) {
			removed++
		}
		return true
	})
	if removed > 0 {
		logger.Info("{health/health - Prune} cleaned up metrics for %d inactive key(s)", removed)
	}
	return removed
}

// pruneIfStale deletes key only if its last attempt is still before cutoff when the
// delete runs, so an attempt recorded after the scan keeps the entry.
func (m *Monitor) pruneIfStale(key string, cutoff time.Time) bool {
	pruned := false
	m.metrics.Compute(key, func(cm *channelMetrics, loaded bool) (*channelMetrics, bool) {
		if !loaded {
			return cm, true
		}
		cm.mu.Lock()
		pruned = cm.lastAttemptAt.Before(cutoff)
		cm.mu.Unlock()
		return cm, pruned
	})
	return pruned
}

// Snapshot returns a view of every tracked key sorted by key.
func (m *Monitor) Snapshot() []Snapshot {
	var out []Snapshot
	m.metrics.Range(func(key string, cm *channelMetrics) bool {
		cm.mu.Lock()
		score := cm.score()
		out = append(out, Snapshot{
			Key:                 key,
			SuccessCount:        cm.successCount,
			FailureCount:        cm.failureCount,
			SuccessRate:         cm.successRate(),
			AvgLatencyMs:        float64(cm.avgLatency()) / float64(time.Millisecond),
			ConsecutiveFailures: cm.consecutiveFailures,
			QualityScore:        score,
			Priority:            priority(score),
			Healthy:             m.healthy(cm),
			Skipped:             m.skipping(cm),
			LastSuccessAt:       cm.lastSuccessAt,
		})
		cm.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Summarize aggregates Snapshot.
func (m *Monitor) Summarize() Summary {
	keys := m.Snapshot()
	s := Summary{TotalKeys: len(keys), Keys: keys}
	if len(keys) == 0 {
		return s
	}
	var total float64
	for _, k := range keys {
		total += k.QualityScore
		if k.Healthy {
			s.HealthyKeys++
		}
	}
	s.HealthRate = float64(s.HealthyKeys) / float64(len(keys))
	s.AvgQualityScore = total / float64(len(keys))
	return s
}

// Run prunes inactive keys every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Debug("{health/health - Run} metrics pruning stopped")
			return
		case <-ticker.C:
			m.Prune()
		}
	}
}
