package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"
)

// DefaultUserAgent is the desktop browser identity presented to upstream hosts.
const DefaultUserAgent = "Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:137.0) Gecko/20100101 Firefox/137.0"

// Config holds all runtime settings for the proxy: listener, timeouts, admission gates,
// cache sizing, session bookkeeping, health thresholds, catalog refresh and providers.
type Config struct {
	ListenAddr    string `json:"listenAddr"`    // address the HTTP server binds to
	BaseURL       string `json:"baseURL"`       // public base URL used when rendering playlists
	Debug         bool   `json:"debug"`         // enable debug logging
	LogLevel      string `json:"logLevel"`      // DEBUG, INFO, WARN or ERROR
	ObfuscateUrls bool   `json:"obfuscateUrls"` // obfuscate upstream URLs in logs
	WorkerThreads int    `json:"workerThreads"` // size of the shared ants worker pool
	UserAgent     string `json:"userAgent"`     // browser identity sent upstream

	ResolveTimeout   time.Duration `json:"resolveTimeout"`   // outer deadline for one stream generation
	HandshakeTimeout time.Duration `json:"handshakeTimeout"` // shared deadline for the legacy handshake steps, below ResolveTimeout
	EmbedTimeout     time.Duration `json:"embedTimeout"`     // deadline for one embed extraction, below ResolveTimeout
	KeyTimeout       time.Duration `json:"keyTimeout"`       // deadline for a key proxy request
	ContentTimeout   time.Duration `json:"contentTimeout"`   // upstream response header timeout for content
	ChunkSize        int           `json:"chunkSize"`        // bytes per relayed content chunk

	CacheTTL      time.Duration `json:"cacheTTL"`      // resolution cache freshness window
	CacheCapacity int           `json:"cacheCapacity"` // resolution cache entry bound

	ResolutionGate int           `json:"resolutionGate"` // concurrent resolutions allowed
	ContentGate    int           `json:"contentGate"`    // concurrent content/key transfers allowed
	GateWait       time.Duration `json:"gateWait"`       // how long a request may wait for a content slot

	HeartbeatInterval time.Duration `json:"heartbeatInterval"` // session heartbeat cadence during transfer
	SessionStaleAfter time.Duration `json:"sessionStaleAfter"` // sessions without heartbeat beyond this are purged
	SweepInterval     time.Duration `json:"sweepInterval"`     // cadence of the session/metrics sweep

	Health HealthConfig `json:"health"`

	CatalogRefreshInterval time.Duration `json:"catalogRefreshInterval"`
	CatalogRetries         int           `json:"catalogRetries"`
	CatalogRetryDelay      time.Duration `json:"catalogRetryDelay"`
	SnapshotPath           string        `json:"snapshotPath"`         // sqlite file holding the last-known catalog
	FallbackChannelsFile   string        `json:"fallbackChannelsFile"` // optional JSON catalog used when nothing else loads

	BrowserEnabled bool          `json:"browserEnabled"`
	BrowserPath    string        `json:"browserPath"` // explicit chromium binary, empty for auto-detect
	BrowserTabs    int           `json:"browserTabs"` // concurrent isolated tabs
	CaptureWindow  time.Duration `json:"captureWindow"`

	Providers []ProviderConfig `json:"providers"`
}

// HealthConfig carries the thresholds used by the health monitor.
type HealthConfig struct {
	MaxResponseTime        time.Duration `json:"maxResponseTime"`
	MinSuccessRate         float64       `json:"minSuccessRate"`
	MaxConsecutiveFailures int           `json:"maxConsecutiveFailures"`
	LatencyWindow          int           `json:"latencyWindow"`
	MetricsRetention       time.Duration `json:"metricsRetention"`
	BackoffBase            time.Duration `json:"backoffBase"`
	BackoffMaxExponent     int           `json:"backoffMaxExponent"`
}

// ProviderConfig describes one upstream provider and the constants of its handshake.
type ProviderConfig struct {
	Name              string   `json:"name"`
	Order             int      `json:"order"`             // priority, lower first
	Enabled           bool     `json:"enabled"`           // initial enabled state
	BaseURL           string   `json:"baseURL"`           // site root hosting stream pages
	StreamPage        string   `json:"streamPage"`        // channel page template, {base} and {id}
	ChannelsURL       string   `json:"channelsURL"`       // channel listing page or JSON catalog
	LegacyEndpoints   []string `json:"legacyEndpoints"`   // handshake iframe templates with {id}, primary first
	EmbedPattern      string   `json:"embedPattern"`      // marker identifying embed-style channel pages
	EmbedAPI          string   `json:"embedAPI"`          // embed source API template with {uuid}
	LookupPath        string   `json:"lookupPath"`        // routing lookup path on the iframe host
	SentinelServerKey string   `json:"sentinelServerKey"` // routing key selecting SentinelTemplate
	SentinelTemplate  string   `json:"sentinelTemplate"`  // manifest URL template for the sentinel key
	ServerTemplate    string   `json:"serverTemplate"`    // manifest URL template for other keys
	RequestsPerSecond int      `json:"requestsPerSecond"` // outbound pacing towards this provider
	IncludeRegex      string   `json:"includeRegex"`      // keep only listed channels whose name matches
	ExcludeRegex      string   `json:"excludeRegex"`      // drop listed channels whose name matches
}

// ConfigFile is the on-disk shape; durations are strings such as "5s" or "5m".
type ConfigFile struct {
	ListenAddr             string               `json:"listenAddr"`
	BaseURL                string               `json:"baseURL"`
	Debug                  bool                 `json:"debug"`
	LogLevel               string               `json:"logLevel"`
	ObfuscateUrls          bool                 `json:"obfuscateUrls"`
	WorkerThreads          int                  `json:"workerThreads"`
	UserAgent              string               `json:"userAgent"`
	ResolveTimeout         string               `json:"resolveTimeout"`
	HandshakeTimeout       string               `json:"handshakeTimeout"`
	EmbedTimeout           string               `json:"embedTimeout"`
	KeyTimeout             string               `json:"keyTimeout"`
	ContentTimeout         string               `json:"contentTimeout"`
	ChunkSize              int                  `json:"chunkSize"`
	CacheTTL               string               `json:"cacheTTL"`
	CacheCapacity          int                  `json:"cacheCapacity"`
	ResolutionGate         int                  `json:"resolutionGate"`
	ContentGate            int                  `json:"contentGate"`
	GateWait               string               `json:"gateWait"`
	HeartbeatInterval      string               `json:"heartbeatInterval"`
	SessionStaleAfter      string               `json:"sessionStaleAfter"`
	SweepInterval          string               `json:"sweepInterval"`
	Health                 HealthConfigFile     `json:"health"`
	CatalogRefreshInterval string               `json:"catalogRefreshInterval"`
	CatalogRetries         int                  `json:"catalogRetries"`
	CatalogRetryDelay      string               `json:"catalogRetryDelay"`
	SnapshotPath           string               `json:"snapshotPath"`
	FallbackChannelsFile   string               `json:"fallbackChannelsFile"`
	BrowserEnabled         *bool                `json:"browserEnabled"`
	BrowserPath            string               `json:"browserPath"`
	BrowserTabs            int                  `json:"browserTabs"`
	CaptureWindow          string               `json:"captureWindow"`
	Providers              []ProviderConfigFile `json:"providers"`
}

// HealthConfigFile is the on-disk shape of HealthConfig.
type HealthConfigFile struct {
	MaxResponseTime        string  `json:"maxResponseTime"`
	MinSuccessRate         float64 `json:"minSuccessRate"`
	MaxConsecutiveFailures int     `json:"maxConsecutiveFailures"`
	LatencyWindow          int     `json:"latencyWindow"`
	MetricsRetention       string  `json:"metricsRetention"`
	BackoffBase            string  `json:"backoffBase"`
	BackoffMaxExponent     *int    `json:"backoffMaxExponent"`
}

// ProviderConfigFile is the on-disk shape of ProviderConfig. Enabled is a pointer so an
// omitted field means enabled.
type ProviderConfigFile struct {
	ProviderConfig
	Enabled *bool `json:"enabled"`
}

var (
	configCache *Config
	configMutex sync.RWMutex
)

// DefaultPath is where LoadConfig looks unless FREESKY_CONFIG is set.
const DefaultPath = "/settings/config.json"

// LoadConfig returns the cached configuration, loading it on first use.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Reads FREESKY_CONFIG or /settings/config.json.
//   - Falls back to the default config if the file is missing or invalid.
//   - Applies MAX_CONCURRENT_STREAMS and validation defaults.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	if configCache != nil {
		return configCache
	}

	configPath := os.Getenv("FREESKY_CONFIG")
	if configPath == "" {
		configPath = DefaultPath
	}

	config, err := LoadFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
		applyEnv(config)
		validateAndSetDefaults(config)
	}

	configCache = config
	return configCache
}

// ClearConfigCache forces the next LoadConfig call to re-read the file.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// LoadFile reads, converts and validates one configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes JSON configuration bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	config, err := convertFromFile(&configFile)
	if err != nil {
		return nil, err
	}
	applyEnv(config)
	validateAndSetDefaults(config)
	return config, nil
}

// parseDuration treats an empty string as "unset" so defaults can fill it in later.
func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

// convertFromFile converts a ConfigFile to Config, parsing duration strings.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		ListenAddr:           cf.ListenAddr,
		BaseURL:              cf.BaseURL,
		Debug:                cf.Debug,
		LogLevel:             cf.LogLevel,
		ObfuscateUrls:        cf.ObfuscateUrls,
		WorkerThreads:        cf.WorkerThreads,
		UserAgent:            cf.UserAgent,
		ChunkSize:            cf.ChunkSize,
		CacheCapacity:        cf.CacheCapacity,
		ResolutionGate:       cf.ResolutionGate,
		ContentGate:          cf.ContentGate,
		CatalogRetries:       cf.CatalogRetries,
		SnapshotPath:         cf.SnapshotPath,
		FallbackChannelsFile: cf.FallbackChannelsFile,
		BrowserEnabled:       true,
		BrowserPath:          cf.BrowserPath,
		BrowserTabs:          cf.BrowserTabs,
		Health: HealthConfig{
			MinSuccessRate:         cf.Health.MinSuccessRate,
			MaxConsecutiveFailures: cf.Health.MaxConsecutiveFailures,
			LatencyWindow:          cf.Health.LatencyWindow,
			BackoffMaxExponent:     -1,
		},
	}
	if cf.Health.BackoffMaxExponent != nil {
		config.Health.BackoffMaxExponent = *cf.Health.BackoffMaxExponent
	}
	if cf.BrowserEnabled != nil {
		config.BrowserEnabled = *cf.BrowserEnabled
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"resolveTimeout", cf.ResolveTimeout, &config.ResolveTimeout},
		{"handshakeTimeout", cf.HandshakeTimeout, &config.HandshakeTimeout},
		{"embedTimeout", cf.EmbedTimeout, &config.EmbedTimeout},
		{"keyTimeout", cf.KeyTimeout, &config.KeyTimeout},
		{"contentTimeout", cf.ContentTimeout, &config.ContentTimeout},
		{"cacheTTL", cf.CacheTTL, &config.CacheTTL},
		{"gateWait", cf.GateWait, &config.GateWait},
		{"heartbeatInterval", cf.HeartbeatInterval, &config.HeartbeatInterval},
		{"sessionStaleAfter", cf.SessionStaleAfter, &config.SessionStaleAfter},
		{"sweepInterval", cf.SweepInterval, &config.SweepInterval},
		{"catalogRefreshInterval", cf.CatalogRefreshInterval, &config.CatalogRefreshInterval},
		{"catalogRetryDelay", cf.CatalogRetryDelay, &config.CatalogRetryDelay},
		{"captureWindow", cf.CaptureWindow, &config.CaptureWindow},
		{"health.maxResponseTime", cf.Health.MaxResponseTime, &config.Health.MaxResponseTime},
		{"health.metricsRetention", cf.Health.MetricsRetention, &config.Health.MetricsRetention},
		{"health.backoffBase", cf.Health.BackoffBase, &config.Health.BackoffBase},
	}
	for _, d := range durations {
		v, err := parseDuration(d.name, d.value)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	config.Providers = make([]ProviderConfig, len(cf.Providers))
	for i, pf := range cf.Providers {
		p := pf.ProviderConfig
		p.Enabled = pf.Enabled == nil || *pf.Enabled
		config.Providers[i] = p
	}

	return config, nil
}

// applyEnv applies environment overrides on top of file values.
func applyEnv(config *Config) {
	if v := os.Getenv("MAX_CONCURRENT_STREAMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.ContentGate = n
		} else {
			log.Printf("Ignoring invalid MAX_CONCURRENT_STREAMS=%q", v)
		}
	}
}

// DefaultProvider returns the built-in daddylive provider definition.
func DefaultProvider() ProviderConfig {
	return ProviderConfig{
		Name:    "daddylive",
		Order:   1,
		Enabled: true,
		BaseURL: "https://daddylive.dad",
		LegacyEndpoints: []string{
			"https://fnjplay.xyz/premiumtv/daddylivehd.php?id={id}",
			"https://vidembed.re/premiumtv/daddylivehd.php?id={id}",
		},
	}
}

// getDefaultConfig returns the baseline configuration used when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		ListenAddr:     ":8080",
		BaseURL:        "http://localhost:8080",
		LogLevel:       "INFO",
		WorkerThreads:  8,
		UserAgent:      DefaultUserAgent,
		BrowserEnabled: true,
		Health:         HealthConfig{BackoffMaxExponent: -1},
		Providers:      []ProviderConfig{DefaultProvider()},
	}
}

// validateAndSetDefaults fills every unset or invalid value with its default.
func validateAndSetDefaults(config *Config) {
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.LogLevel == "" {
		config.LogLevel = "INFO"
	}
	if config.Debug {
		config.LogLevel = "DEBUG"
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 8
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultUserAgent
	}
	if config.ResolveTimeout <= 0 {
		config.ResolveTimeout = 10 * time.Second
	}
	// strategy deadlines nest strictly inside the outer deadline so fallbacks get time to run
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 4 * time.Second
	}
	if config.HandshakeTimeout >= config.ResolveTimeout {
		log.Printf("handshakeTimeout %s is not below resolveTimeout %s, using %s",
			config.HandshakeTimeout, config.ResolveTimeout, config.ResolveTimeout*2/5)
		config.HandshakeTimeout = config.ResolveTimeout * 2 / 5
	}
	if config.EmbedTimeout <= 0 {
		config.EmbedTimeout = 6 * time.Second
	}
	if config.EmbedTimeout >= config.ResolveTimeout {
		log.Printf("embedTimeout %s is not below resolveTimeout %s, using %s",
			config.EmbedTimeout, config.ResolveTimeout, config.ResolveTimeout*3/5)
		config.EmbedTimeout = config.ResolveTimeout * 3 / 5
	}
	if config.KeyTimeout <= 0 {
		config.KeyTimeout = 5 * time.Second
	}
	if config.ContentTimeout <= 0 {
		config.ContentTimeout = 30 * time.Second
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = 4 * 1024
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 5 * time.Second
	}
	if config.CacheCapacity <= 0 {
		config.CacheCapacity = 100
	}
	if config.ResolutionGate <= 0 {
		config.ResolutionGate = 4
	}
	if config.ContentGate <= 0 {
		config.ContentGate = 10
	}
	// content dominates throughput, its gate never shrinks below the resolution gate
	if config.ContentGate < config.ResolutionGate {
		config.ContentGate = config.ResolutionGate
	}
	if config.GateWait <= 0 {
		config.GateWait = 5 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 5 * time.Second
	}
	if config.SessionStaleAfter <= 0 {
		config.SessionStaleAfter = 60 * time.Second
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 10 * time.Second
	}

	h := &config.Health
	if h.MaxResponseTime <= 0 {
		h.MaxResponseTime = 5 * time.Second
	}
	if h.MinSuccessRate <= 0 || h.MinSuccessRate > 1 {
		h.MinSuccessRate = 0.7
	}
	if h.MaxConsecutiveFailures <= 0 {
		h.MaxConsecutiveFailures = 3
	}
	if h.LatencyWindow <= 0 {
		h.LatencyWindow = 10
	}
	if h.MetricsRetention <= 0 {
		h.MetricsRetention = 24 * time.Hour
	}
	if h.BackoffBase <= 0 {
		h.BackoffBase = 60 * time.Second
	}
	// zero is a valid cap (no growth); negative means unset
	if h.BackoffMaxExponent < 0 {
		h.BackoffMaxExponent = 3
	}

	if config.CatalogRefreshInterval <= 0 {
		config.CatalogRefreshInterval = 5 * time.Minute
	}
	if config.CatalogRetries <= 0 {
		config.CatalogRetries = 3
	}
	if config.CatalogRetryDelay <= 0 {
		config.CatalogRetryDelay = 60 * time.Second
	}
	if config.SnapshotPath == "" {
		config.SnapshotPath = "/settings/catalog.db"
	}
	if config.BrowserTabs <= 0 {
		config.BrowserTabs = 2
	}
	if config.CaptureWindow <= 0 {
		config.CaptureWindow = 4 * time.Second
	}
	if config.CaptureWindow >= config.EmbedTimeout {
		config.CaptureWindow = config.EmbedTimeout * 2 / 3
	}

	if len(config.Providers) == 0 {
		config.Providers = []ProviderConfig{DefaultProvider()}
	}
	for i := range config.Providers {
		setProviderDefaults(&config.Providers[i], i)
	}
}

func setProviderDefaults(p *ProviderConfig, i int) {
	if p.Name == "" {
		p.Name = fmt.Sprintf("provider_%d", i+1)
	}
	if p.Order <= 0 {
		p.Order = i + 1
	}
	if p.StreamPage == "" {
		p.StreamPage = "{base}/stream/stream-{id}.php"
	}
	if p.ChannelsURL == "" && p.BaseURL != "" {
		p.ChannelsURL = p.BaseURL + "/24-7-channels.php"
	}
	if p.EmbedPattern == "" {
		p.EmbedPattern = `https://vidembed\.re/stream/([a-f0-9-]{36})`
	}
	if p.EmbedAPI == "" {
		p.EmbedAPI = "https://www.vidembed.re/api/source/{uuid}?type=live"
	}
	if p.LookupPath == "" {
		p.LookupPath = "/server_lookup.php"
	}
	if p.SentinelServerKey == "" {
		p.SentinelServerKey = "top1/cdn"
	}
	if p.SentinelTemplate == "" {
		p.SentinelTemplate = "https://top1.newkso.ru/top1/cdn/{key}/mono.m3u8"
	}
	if p.ServerTemplate == "" {
		p.ServerTemplate = "https://{server}new.newkso.ru/{server}/{key}/mono.m3u8"
	}
	if p.RequestsPerSecond <= 0 {
		p.RequestsPerSecond = 5
	}
}

// GetProvidersByOrder returns a copy of the providers sorted by Order.
func (c *Config) GetProvidersByOrder() []ProviderConfig {
	providers := make([]ProviderConfig, len(c.Providers))
	copy(providers, c.Providers)
	sort.SliceStable(providers, func(i, j int) bool {
		return providers[i].Order < providers[j].Order
	})
	return providers
}
