package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/grafana/regexp"
	"github.com/panjf2000/ants/v2"

	"freesky-proxy/work/client"
	"freesky-proxy/work/logger"
	"freesky-proxy/work/manifest"
	"freesky-proxy/work/types"
)

// Capturer renders an embed page and reports the media-shaped URLs it requested.
type Capturer interface {
	Capture(ctx context.Context, embedURL, referer string) ([]string, error)
}

// EmbedConfig holds the embed host constants.
type EmbedConfig struct {
	APITemplate string        // source API template, {uuid} is replaced by the embed id
	Timeout     time.Duration // overall budget before falling back to the marker
}

var (
	embedIDPattern = regexp.MustCompile(`/stream/([a-f0-9-]{36})`)

	pageURLPatterns = []*regexp.Regexp{
		regexp.MustCompile(`https://[^"']*\.m3u8[^"']*`),
		regexp.MustCompile(`https://[^"']*\.mp4[^"']*`),
		regexp.MustCompile(`https://[^"']*stream[^"']*`),
		regexp.MustCompile(`https://[^"']*cdn[^"']*`),
	}

	jsVarPatterns = []*regexp.Regexp{
		regexp.MustCompile(`var\s+streamUrl\s*=\s*["']([^"']+)["']`),
		regexp.MustCompile(`var\s+videoUrl\s*=\s*["']([^"']+)["']`),
		regexp.MustCompile(`var\s+src\s*=\s*["']([^"']+)["']`),
		regexp.MustCompile(`streamUrl\s*:\s*["']([^"']+)["']`),
		regexp.MustCompile(`videoUrl\s*:\s*["']([^"']+)["']`),
		regexp.MustCompile(`src\s*:\s*["']([^"']+)["']`),
		regexp.MustCompile(`url\s*:\s*["']([^"']+)["']`),
	}

	mediaHints = []string{".m3u8", ".mp4", "stream", "cdn"}
)

// Embed extracts a runtime-resolved manifest URL from a client-rendered embed page. It
// tries browser capture, the embed host's source API, static page scraping and inline
// script variables in that order, and falls back to an EmbedMarker when none of them
// yields a manifest.
type Embed struct {
	name     string
	client   *client.HeaderSettingClient
	capturer Capturer
	pool     *ants.Pool
	cfg      EmbedConfig
}

// NewEmbed creates the embed strategy. capturer and pool may be nil: without a capturer
// the browser step is skipped, without a pool candidates are validated one by one.
func NewEmbed(name string, c *client.HeaderSettingClient, capturer Capturer, pool *ants.Pool, cfg EmbedConfig) *Embed {
	return &Embed{name: name, client: c, capturer: capturer, pool: pool, cfg: cfg}
}

// Name identifies the strategy in logs and health keys.
func (e *Embed) Name() string {
	return e.name
}

// Step adapts Resolve to the fallback combinator.
func (e *Embed) Step(embedURL, referer string) Step {
	return Step{Name: e.name, Run: func(ctx context.Context) types.Result {
		return e.Resolve(ctx, embedURL, referer)
	}}
}

// Resolve never fails outright: anything short of a validated manifest becomes an
// EmbedMarker carrying embedURL unchanged.
func (e *Embed) Resolve(ctx context.Context, embedURL, referer string) types.Result {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	var (
		page     string
		pageErr  error
		pageOnce sync.Once
	)
	fetchPage := func(ctx context.Context) (string, error) {
		pageOnce.Do(func() {
			page, _, pageErr = e.client.FetchText(ctx, http.MethodGet, embedURL, client.Headers{Referer: referer})
		})
		return page, pageErr
	}

	steps := []Step{
		{Name: "capture", Run: func(ctx context.Context) types.Result { return e.fromCapture(ctx, embedURL, referer) }},
		{Name: "api", Run: func(ctx context.Context) types.Result { return e.fromAPI(ctx, embedURL) }},
		{Name: "page", Run: func(ctx context.Context) types.Result {
			body, err := fetchPage(ctx)
			if err != nil {
				return types.Failure(err, "page")
			}
			return e.firstValid(ctx, ScrapeURLs(body, embedURL), embedURL)
		}},
		{Name: "script", Run: func(ctx context.Context) types.Result {
			body, err := fetchPage(ctx)
			if err != nil {
				return types.Failure(err, "script")
			}
			u, ok := ScriptURL(body)
			if !ok {
				return types.Failure(fmt.Errorf("no stream variable in embed page: %w", types.ErrExtractionFailed), "script")
			}
			return e.firstValid(ctx, []string{u}, embedURL)
		}},
	}

	res := Fallback(e.name, nil, steps...).Run(ctx)
	switch res.Kind {
	case types.KindManifest:
		res.Source = e.name
		return res
	case types.KindEmbedMarker:
		return types.EmbedMarker(embedURL, e.name)
	default:
		logger.Info("{strategy/embed - Resolve} %s: no manifest for %s, deferring to client playback: %v", e.name, embedURL, res.Err)
		return types.EmbedMarker(embedURL, e.name)
	}
}

func (e *Embed) fromCapture(ctx context.Context, embedURL, referer string) types.Result {
	if e.capturer == nil {
		return types.Failure(fmt.Errorf("browser capture disabled: %w", types.ErrNotFound), "capture")
	}
	candidates, err := e.capturer.Capture(ctx, embedURL, referer)
	if err != nil {
		return types.Failure(fmt.Errorf("browser capture: %v: %w", err, types.ErrExtractionFailed), "capture")
	}
	logger.Debug("{strategy/embed - fromCapture} %s: captured %d candidate(s) from %s", e.name, len(candidates), embedURL)
	return e.firstValid(ctx, candidates, embedURL)
}

type sourceResponse struct {
	Data json.RawMessage `json:"data"`
}

// fromAPI queries the embed host's source API. A list of files yields candidates; a
// string payload is client-side encrypted and can only be played through the embed.
func (e *Embed) fromAPI(ctx context.Context, embedURL string) types.Result {
	m := embedIDPattern.FindStringSubmatch(embedURL)
	if m == nil || e.cfg.APITemplate == "" {
		return types.Failure(fmt.Errorf("no embed id in %s: %w", embedURL, types.ErrExtractionFailed), "api")
	}
	apiURL := strings.ReplaceAll(e.cfg.APITemplate, "{uuid}", m[1])

	body, _, err := e.client.FetchText(ctx, http.MethodGet, apiURL, client.Headers{
		Referer: embedURL,
		Origin:  client.OriginOf(embedURL),
		Accept:  "application/json, text/plain, */*",
		Extra: map[string]string{
			"X-Requested-With": "XMLHttpRequest",
			"Sec-Fetch-Dest":   "empty",
			"Sec-Fetch-Mode":   "cors",
			"Sec-Fetch-Site":   "same-origin",
		},
	})
	if err != nil {
		return types.Failure(err, "api")
	}

	var resp sourceResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return types.Failure(fmt.Errorf("source api: %v: %w", err, types.ErrExtractionFailed), "api")
	}

	var files []struct {
		File string `json:"file"`
	}
	if err := json.Unmarshal(resp.Data, &files); err == nil {
		candidates := make([]string, 0, len(files))
		for _, f := range files {
			if f.File != "" {
				candidates = append(candidates, f.File)
			}
		}
		return e.firstValid(ctx, candidates, embedURL)
	}

	var encrypted string
	if err := json.Unmarshal(resp.Data, &encrypted); err == nil {
		logger.Debug("{strategy/embed - fromAPI} %s: source api returned encrypted data for %s", e.name, embedURL)
		return types.EmbedMarker(embedURL, "api")
	}
	return types.Failure(fmt.Errorf("source api returned no data: %w", types.ErrExtractionFailed), "api")
}

// firstValid fetches every candidate concurrently and returns the first one, in
// candidate order, whose body is a manifest.
func (e *Embed) firstValid(ctx context.Context, candidates []string, embedURL string) types.Result {
	if len(candidates) == 0 {
		return types.Failure(fmt.Errorf("no candidates: %w", types.ErrExtractionFailed), "")
	}

	bodies := make([]string, len(candidates))
	var wg sync.WaitGroup
	for i, candidate := range candidates {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			text, _, err := e.client.FetchText(ctx, http.MethodGet, candidate, client.Headers{Referer: embedURL})
			if err != nil {
				logger.Debug("{strategy/embed - firstValid} candidate %s: %v", candidate, err)
				return
			}
			bodies[i] = text
		}
		if e.pool == nil || e.pool.Submit(task) != nil {
			task()
		}
	}
	wg.Wait()

	for i, text := range bodies {
		if manifest.IsManifest(text) {
			logger.Debug("{strategy/embed - firstValid} %s: valid manifest at %s", e.name, candidates[i])
			return types.Manifest(text, embedURL, "").At(candidates[i])
		}
	}
	if err := types.FromContext(ctx); err != nil {
		return types.Failure(fmt.Errorf("validating %d candidate(s): %w", len(candidates), err), "")
	}
	return types.Failure(fmt.Errorf("none of %d candidate(s) is a manifest: %w", len(candidates), types.ErrExtractionFailed), "")
}

// ScrapeURLs returns the distinct media-looking URLs in an embed page body, in order of
// first appearance, excluding script CDNs and the embed page itself.
func ScrapeURLs(body, embedURL string) []string {
	seen := map[string]bool{embedURL: true}
	var urls []string
	for _, p := range pageURLPatterns {
		for _, u := range p.FindAllString(body, -1) {
			if seen[u] || strings.Contains(u, "cdnjs.cloudflare.com") || !hasMediaHint(u) {
				continue
			}
			seen[u] = true
			urls = append(urls, u)
		}
	}
	return urls
}

// ScriptURL returns the first media-looking URL assigned to a well-known script variable.
func ScriptURL(body string) (string, bool) {
	for _, p := range jsVarPatterns {
		for _, m := range p.FindAllStringSubmatch(body, -1) {
			if hasMediaHint(m[1]) {
				return m[1], true
			}
		}
	}
	return "", false
}

func hasMediaHint(u string) bool {
	lower := strings.ToLower(u)
	for _, hint := range mediaHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}
