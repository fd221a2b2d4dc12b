// Package browser drives a shared headless Chromium to capture the media requests an
// embed page issues while it plays. The browser process is started once and reused;
// every capture runs in its own tab so concurrent captures never share page state.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/grafana/regexp"

	"freesky-proxy/work/logger"
	"freesky-proxy/work/types"
)

const (
	viewportWidth  = 1280
	viewportHeight = 720
	setupAllowance = 10 * time.Second
	clickBudget    = 2 * time.Second
	maxClicks      = 5

	// playSelectors are clicked inside the embed frame to start playback.
	playSelectors = `video, [class*='play'], [id*='play'], button`
)

var (
	candidateHints = []string{".m3u8", ".mp4", "playlist", "master", "stream"}
	excludedHosts  = []string{"cdnjs", "googleapis"}
	bodyURLPattern = regexp.MustCompile(`https?://[^"'\s<>\\]+\.m3u8[^"'\s<>\\]*`)
)

// Config controls the browser process and capture budget.
type Config struct {
	ExecPath  string        // chromium binary, empty uses the default lookup
	UserAgent string        // identity presented by every tab
	Tabs      int           // maximum concurrent capture tabs
	Window    time.Duration // how long a page is observed after loading
}

// Browser is a lazily started, shared Chromium instance with a bounded tab pool.
type Browser struct {
	cfg  Config
	tabs chan struct{}

	mu            sync.Mutex
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// New creates a Browser. No process is started until the first capture.
func New(cfg Config) *Browser {
	if cfg.Tabs <= 0 {
		cfg.Tabs = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = 8 * time.Second
	}
	return &Browser{
		cfg:  cfg,
		tabs: make(chan struct{}, cfg.Tabs),
	}
}

// IsCandidate reports whether a captured request URL looks like a manifest or segment.
func IsCandidate(u string) bool {
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return false
	}
	lower := strings.ToLower(u)
	for _, host := range excludedHosts {
		if strings.Contains(lower, host) {
			return false
		}
	}
	for _, hint := range candidateHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// ensure starts the browser process if it is not running.
func (b *Browser) ensure() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browserCtx != nil && b.browserCtx.Err() == nil {
		return b.browserCtx, nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("autoplay-policy", "no-user-gesture-required"),
		// keep cross-origin iframes in the tab's process so their requests reach the tab's listener
		chromedp.Flag("disable-features", "IsolateOrigins,site-per-process"),
		chromedp.WindowSize(viewportWidth, viewportHeight),
	)
	if b.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(b.cfg.UserAgent))
	}
	if b.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.cfg.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	logger.Info("{browser/browser - ensure} headless browser started")
	b.browserCtx = browserCtx
	b.browserCancel = func() {
		browserCancel()
		allocCancel()
	}
	return browserCtx, nil
}

// Close stops the browser process.
func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browserCancel != nil {
		b.browserCancel()
		b.browserCtx = nil
		b.browserCancel = nil
		logger.Info("{browser/browser - Close} headless browser stopped")
	}
}

// collector accumulates candidate URLs from concurrent CDP events.
type collector struct {
	mu      sync.Mutex
	exclude string
	seen    map[string]bool
	urls    []string
	pending map[network.RequestID]bool
}

func newCollector(exclude string) *collector {
	return &collector{exclude: exclude, seen: map[string]bool{}, pending: map[network.RequestID]bool{}}
}

func (c *collector) add(u string) {
	if u == c.exclude || !IsCandidate(u) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.seen[u] {
		c.seen[u] = true
		c.urls = append(c.urls, u)
		logger.Debug("{browser/browser - collector} captured %s", u)
	}
}

func (c *collector) track(id network.RequestID) {
	c.mu.Lock()
	c.pending[id] = true
	c.mu.Unlock()
}

func (c *collector) tracked(id network.RequestID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok := c.pending[id]
	delete(c.pending, id)
	return ok
}

func (c *collector) result() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.urls...)
}

// addBody scans an API response body for embedded manifest URLs.
func (c *collector) addBody(body string) {
	body = strings.ReplaceAll(body, `\/`, "/")
	for _, u := range bodyURLPattern.FindAllString(body, -1) {
		c.add(u)
	}
}

// hostPage renders embedURL in a full-size iframe on the current blank page.
func hostPage(embedURL string) string {
	src, _ := json.Marshal(embedURL)
	return fmt.Sprintf(`(function (src) {
	document.open();
	document.write('<html><body style="margin:0;background:#000">' +
		'<iframe id="embed" allow="autoplay; encrypted-media; fullscreen" allowfullscreen ' +
		'style="position:fixed;top:0;left:0;width:100vw;height:100vh;border:0"></iframe></body></html>');
	document.close();
	document.getElementById('embed').src = src;
	return true;
})(%s)`, src)
}

// Capture loads embedURL inside an iframe on a throwaway page, observes its network
// activity for the configured window and returns the candidate URLs in capture order.
// Halfway through, the player centre and the frame's play controls are clicked to
// trigger lazily issued requests.
func (b *Browser) Capture(ctx context.Context, embedURL, referer string) ([]string, error) {
	if err := types.FromContext(ctx); err != nil {
		return nil, err
	}

	select {
	case b.tabs <- struct{}{}:
		defer func() { <-b.tabs }()
	case <-ctx.Done():
		return nil, types.FromContext(ctx)
	}

	browserCtx, err := b.ensure()
	if err != nil {
		return nil, err
	}

	tabCtx, closeTab := chromedp.NewContext(browserCtx)
	defer closeTab()
	captureCtx, cancel := context.WithTimeout(tabCtx, b.cfg.Window+setupAllowance)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	c := newCollector(embedURL)
	chromedp.ListenTarget(captureCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			c.add(e.Request.URL)
		case *network.EventResponseReceived:
			c.add(e.Response.URL)
			if strings.Contains(e.Response.MimeType, "json") {
				c.track(e.RequestID)
			}
		case *network.EventLoadingFinished:
			if !c.tracked(e.RequestID) {
				return
			}
			go func(id network.RequestID) {
				var body []byte
				err := chromedp.Run(captureCtx, chromedp.ActionFunc(func(ctx context.Context) error {
					var err error
					body, err = network.GetResponseBody(id).Do(ctx)
					return err
				}))
				if err == nil {
					c.addBody(string(body))
				}
			}(e.RequestID)
		}
	})

	headers := network.Headers{}
	if referer != "" {
		headers["Referer"] = referer
	}

	var hosted bool
	half := b.cfg.Window / 2
	err = chromedp.Run(captureCtx,
		network.Enable(),
		network.SetExtraHTTPHeaders(headers),
		chromedp.Navigate("about:blank"),
		chromedp.Evaluate(hostPage(embedURL), &hosted),
		chromedp.Sleep(half),
	)
	if err == nil {
		clickPlayback(captureCtx)
		err = chromedp.Run(captureCtx, chromedp.Sleep(b.cfg.Window-half))
	}

	urls := c.result()
	if cerr := types.FromContext(ctx); cerr != nil {
		return urls, cerr
	}
	if err != nil && len(urls) == 0 {
		if browserCtx.Err() != nil {
			logger.Warn("{browser/browser - Capture} browser exited, it will be restarted on next capture")
		}
		return nil, fmt.Errorf("capture %s: %w", embedURL, err)
	}
	logger.Debug("{browser/browser - Capture} %d candidate(s) from %s", len(urls), embedURL)
	return urls, nil
}

// clickPlayback clicks the player centre and then up to maxClicks play controls inside
// the embed frame. The frame shares the tab's process, so its document can be queried
// through the iframe node. Click failures only end the attempt early.
func clickPlayback(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, clickBudget)
	defer cancel()

	if err := chromedp.Run(ctx, chromedp.MouseClickXY(viewportWidth/2, viewportHeight/2)); err != nil {
		logger.Debug("{browser/browser - clickPlayback} centre click failed: %v", err)
		return
	}

	var frames []*cdp.Node
	if err := chromedp.Run(ctx, chromedp.Nodes("iframe#embed", &frames, chromedp.ByQuery, chromedp.AtLeast(0))); err != nil || len(frames) == 0 {
		logger.Debug("{browser/browser - clickPlayback} embed frame not found: %v", err)
		return
	}
	var controls []*cdp.Node
	if err := chromedp.Run(ctx, chromedp.Nodes(playSelectors, &controls, chromedp.ByQueryAll,
		chromedp.FromNode(frames[0]), chromedp.AtLeast(0))); err != nil {
		logger.Debug("{browser/browser - clickPlayback} querying play controls: %v", err)
		return
	}

	clicked := 0
	for _, node := range controls {
		if clicked == maxClicks {
			break
		}
		if err := chromedp.Run(ctx, chromedp.MouseClickNode(node)); err != nil {
			continue
		}
		clicked++
	}
	logger.Debug("{browser/browser - clickPlayback} clicked %d of %d play control(s)", clicked, len(controls))
}
