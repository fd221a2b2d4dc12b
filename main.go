package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/grafana/regexp"
	"github.com/joho/godotenv"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/semaphore"

	"freesky-proxy/work/browser"
	"freesky-proxy/work/cache"
	"freesky-proxy/work/catalog"
	"freesky-proxy/work/client"
	"freesky-proxy/work/codec"
	"freesky-proxy/work/config"
	"freesky-proxy/work/database"
	"freesky-proxy/work/filter"
	"freesky-proxy/work/handlers"
	"freesky-proxy/work/health"
	"freesky-proxy/work/logger"
	"freesky-proxy/work/manifest"
	"freesky-proxy/work/middleware"
	"freesky-proxy/work/provider"
	"freesky-proxy/work/proxy"
	"freesky-proxy/work/resolver"
	"freesky-proxy/work/session"
	"freesky-proxy/work/strategy"
	"freesky-proxy/work/types"
	"freesky-proxy/work/utils"
)

var (
	Version = "v0.1.0" // default version
)

// app holds the long-lived components shared by the client and admin routes.
type app struct {
	cfg       *config.Config
	coord     *provider.Coordinator
	health    *health.Monitor
	cache     *cache.Cache
	catalog   *catalog.Catalog
	sessions  *session.Manager
	db        *database.DB
	refresher *catalog.Refresher
	limits    handlers.Limits
	started   time.Time
}

// our main app worker
func main() {

	// environment overrides may come from a .env file next to the binary
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found, using environment variables")
	}

	// load our config
	cfg := config.LoadConfig()
	logger.SetLogLevel(cfg.LogLevel)
	utils.SetURLObfuscation(cfg.ObfuscateUrls)

	// one secret per process; tokens do not survive a restart
	tokenCodec, err := codec.New()
	if err != nil {
		log.Fatalf("Failed to create token codec: %v", err)
	}
	index := codec.NewIndex(tokenCodec, cfg.CacheCapacity*64, cfg.SessionStaleAfter*10)

	// Initialize worker pool
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}
	defer workerPool.Release()

	monitor := health.NewMonitor(health.Config{
		MaxResponseTime:        cfg.Health.MaxResponseTime,
		MinSuccessRate:         cfg.Health.MinSuccessRate,
		MaxConsecutiveFailures: cfg.Health.MaxConsecutiveFailures,
		LatencyWindow:          cfg.Health.LatencyWindow,
		Retention:              cfg.Health.MetricsRetention,
		BackoffBase:            cfg.Health.BackoffBase,
		BackoffMaxExponent:     cfg.Health.BackoffMaxExponent,
	})

	resolutionGate := semaphore.NewWeighted(int64(cfg.ResolutionGate))
	contentGate := semaphore.NewWeighted(int64(cfg.ContentGate))

	var capturer strategy.Capturer
	if cfg.BrowserEnabled {
		b := browser.New(browser.Config{
			ExecPath:  cfg.BrowserPath,
			UserAgent: cfg.UserAgent,
			Tabs:      cfg.BrowserTabs,
			Window:    cfg.CaptureWindow,
		})
		defer b.Close()
		capturer = b
	}

	httpClient := client.NewHeaderSettingClient(cfg.UserAgent)
	encoders := func(channelID string) manifest.Encoder { return index.For(channelID) }

	coord := provider.NewCoordinator(monitor, workerPool)
	for _, pc := range cfg.GetProvidersByOrder() {
		site, err := buildProvider(cfg, pc, httpClient, capturer, workerPool, resolutionGate, monitor, encoders)
		if err != nil {
			logger.Error("{main - main} skipping provider %s: %v", pc.Name, err)
			continue
		}
		coord.Register(site, pc.Order, pc.Enabled)
	}

	// resolution cache in front of the provider chain
	streams := cache.NewCache(func(ctx context.Context, channelID string) types.Result {
		return coord.GetStream(ctx, channelID, "")
	}, cfg.CacheTTL, cfg.CacheCapacity)

	sessions := session.NewManager(cfg.SessionStaleAfter)
	channels := catalog.New()

	db, err := database.Open(cfg.SnapshotPath)
	if err != nil {
		logger.Error("{main - main} catalog snapshot store unavailable, continuing without it: %v", err)
		db = nil
	}
	var store catalog.Store
	if db != nil {
		defer db.Close()
		store = db
	}

	refresher := catalog.NewRefresher(channels, coord, store, streams, catalog.RefreshConfig{
		Interval:     cfg.CatalogRefreshInterval,
		Retries:      cfg.CatalogRetries,
		RetryDelay:   cfg.CatalogRetryDelay,
		FallbackFile: cfg.FallbackChannelsFile,
	})

	proxyInstance := proxy.New(proxy.Config{
		BaseURL:           cfg.BaseURL,
		UserAgent:         cfg.UserAgent,
		ChunkSize:         cfg.ChunkSize,
		ContentTimeout:    cfg.ContentTimeout,
		KeyTimeout:        cfg.KeyTimeout,
		GateWait:          cfg.GateWait,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, tokenCodec, index, sessions, contentGate, streams, channels)

	a := &app{
		cfg:       cfg,
		coord:     coord,
		health:    monitor,
		cache:     streams,
		catalog:   channels,
		sessions:  sessions,
		db:        db,
		refresher: refresher,
		limits:    handlers.Limits{Resolution: cfg.ResolutionGate, Content: cfg.ContentGate},
		started:   time.Now(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// background loops
	go refresher.Run(ctx)
	go sessions.Run(ctx, cfg.SweepInterval)
	go monitor.Run(ctx, time.Hour)

	// Setup HTTP routes
	router := mux.NewRouter()
	router.Use(middleware.ProcessTime)

	// client surface
	router.Handle("/stream/{id}.m3u8", middleware.CORS(middleware.Compress(handlers.HandleManifest(proxyInstance)))).Methods("GET", "OPTIONS")
	router.Handle("/content/{token}", middleware.CORS(handlers.HandleContent(proxyInstance))).Methods("GET", "OPTIONS")
	router.Handle("/key/{url}/{host}", middleware.CORS(handlers.HandleKey(proxyInstance))).Methods("GET", "OPTIONS")
	router.Handle("/playlist.m3u8", middleware.Compress(handlers.HandlePlaylist(proxyInstance))).Methods("GET")
	router.Handle("/channels", middleware.Compress(handlers.HandleChannels(channels, coord))).Methods("GET")
	router.Handle("/health", middleware.Compress(handlers.HandleHealth(handlers.StatusSources{
		Catalog:  channels,
		Cache:    streams,
		Sessions: sessions,
		Limits:   a.limits,
	}))).Methods("GET")
	router.HandleFunc("/ping", handlers.HandlePing).Methods("GET")

	// Metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// add the admin routes
	setupAdminRoutes(router, a)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// show info
	logger.Info("{main - main} Starting freesky proxy %s", Version)
	logger.Info("{main - main} Server configuration:")
	logger.Info("{main - main}   - Listen Address: %s", cfg.ListenAddr)
	logger.Info("{main - main}   - Base URL: %s", cfg.BaseURL)
	logger.Info("{main - main}   - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("{main - main}   - Providers: %s", providerNames(coord))
	logger.Info("{main - main}   - Resolution Gate: %d", cfg.ResolutionGate)
	logger.Info("{main - main}   - Content Gate: %d", cfg.ContentGate)
	logger.Info("{main - main}   - Cache TTL: %s (capacity %d)", cfg.CacheTTL, cfg.CacheCapacity)
	logger.Info("{main - main}   - Resolve Timeout: %s (handshake %s, embed %s)", cfg.ResolveTimeout, cfg.HandshakeTimeout, cfg.EmbedTimeout)
	logger.Info("{main - main}   - Catalog Refresh: %s", cfg.CatalogRefreshInterval)
	logger.Info("{main - main}   - Browser Capture: %v", cfg.BrowserEnabled)
	logger.Info("{main - main}   - Log Level: %s", logger.GetLogLevel())
	logger.Info("{main - main}   - URL Obfuscation: %v", cfg.ObfuscateUrls)

	go func() {
		<-ctx.Done()
		logger.Info("{main - main} shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("{main - main} graceful shutdown failed: %v", err)
		}
	}()

	// fire us up
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server failed to start: %v", err)
	}
}

// buildProvider assembles the strategy chain and site provider for one configured
// upstream. The provider's requests are paced by its own rate limiter over the shared
// connection pool.
func buildProvider(cfg *config.Config, pc config.ProviderConfig, base *client.HeaderSettingClient,
	capturer strategy.Capturer, pool *ants.Pool, gate *semaphore.Weighted, recorder resolver.Recorder,
	encoders resolver.EncoderFor) (*provider.Site, error) {

	pattern, err := regexp.Compile(pc.EmbedPattern)
	if err != nil {
		return nil, fmt.Errorf("embed pattern: %w", err)
	}

	hc := base.WithLimiter(ratelimit.New(pc.RequestsPerSecond))
	siteReferer := strings.TrimSuffix(pc.BaseURL, "/") + "/"

	legacy := make([]*strategy.Legacy, 0, 2)
	for i, endpoint := range pc.LegacyEndpoints {
		if i == 2 {
			logger.Warn("{main - buildProvider} %s: only the first two legacy endpoints are used", pc.Name)
			break
		}
		name := "legacy-primary"
		if i == 1 {
			name = "legacy-secondary"
		}
		legacy = append(legacy, strategy.NewLegacy(name, hc, strategy.LegacyConfig{
			Endpoint:         endpoint,
			SiteReferer:      siteReferer,
			LookupPath:       pc.LookupPath,
			SentinelKey:      pc.SentinelServerKey,
			SentinelTemplate: pc.SentinelTemplate,
			ServerTemplate:   pc.ServerTemplate,
			Timeout:          cfg.HandshakeTimeout,
		}))
	}
	if len(legacy) == 0 {
		return nil, errors.New("no legacy endpoints configured")
	}
	var secondary *strategy.Legacy
	if len(legacy) > 1 {
		secondary = legacy[1]
	}

	embed := strategy.NewEmbed("embed", hc, capturer, pool, strategy.EmbedConfig{
		APITemplate: pc.EmbedAPI,
		Timeout:     cfg.EmbedTimeout,
	})

	r := resolver.New(resolver.Config{
		Provider:     pc.Name,
		StreamPage:   strings.ReplaceAll(pc.StreamPage, "{base}", strings.TrimSuffix(pc.BaseURL, "/")),
		SiteReferer:  siteReferer,
		EmbedPattern: pattern,
		Timeout:      cfg.ResolveTimeout,
		DropExpired:  true,
	}, hc, legacy[0], secondary, embed, gate, recorder, encoders)

	site := provider.NewSite(pc.Name, r, hc, pc.ChannelsURL, siteReferer)
	channelFilter, err := filter.New(pc.IncludeRegex, pc.ExcludeRegex)
	if err != nil {
		logger.Error("{main - buildProvider} %s: ignoring channel filter: %v", pc.Name, err)
		return site, nil
	}
	return site.WithFilter(channelFilter), nil
}

func providerNames(c *provider.Coordinator) string {
	infos := c.Providers()
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		state := "enabled"
		if !info.Enabled {
			state = "disabled"
		}
		names = append(names, fmt.Sprintf("%s(%d, %s)", info.Name, info.Order, state))
	}
	return strings.Join(names, ", ")
}
