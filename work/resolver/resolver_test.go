package resolver

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"freesky-proxy/work/client"
	"freesky-proxy/work/codec"
	"freesky-proxy/work/manifest"
	"freesky-proxy/work/strategy"
	"freesky-proxy/work/types"
)

const embedURL = "https://vidembed.re/stream/0a1b2c3d-4e5f-6071-8293-a4b5c6d7e8f9"

type attempt struct {
	key     string
	success bool
}

type fakeRecorder struct {
	mu       sync.Mutex
	attempts []attempt
}

func (f *fakeRecorder) RecordAttempt(key string, success bool, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, attempt{key, success})
}

// upstream fakes the channel page, two legacy player endpoints and the handshake.
type upstream struct {
	*httptest.Server
	channelPage string
	playerPage  string // served on GET of a player endpoint
	failing     map[string]bool
	hanging     map[string]bool // handshake POSTs that never answer
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{failing: map[string]bool{}, hanging: map[string]bool{}}
	b64 := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

	mux := http.NewServeMux()
	mux.HandleFunc("/stream/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(u.channelPage))
	})
	player := func(w http.ResponseWriter, r *http.Request) {
		if u.failing[r.URL.Path] {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(u.playerPage))
			return
		}
		if u.hanging[r.URL.Path] {
			<-r.Context().Done()
			return
		}
		fmt.Fprintf(w, `var channelKey = "premium%s";
var __c = atob("%s"); var __e = atob("%s"); var __b = atob("%s"); var __d = atob("%s"); var __a = atob("%s");`,
			r.URL.Query().Get("id"), b64("1"), b64("sig"), b64("/auth.php"), b64("rnd"), b64(u.URL))
	}
	mux.HandleFunc("/p1.php", player)
	mux.HandleFunc("/p2.php", player)
	mux.HandleFunc("/auth.php", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/server_lookup.php", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"server_key":"top1/cdn"}`))
	})
	mux.HandleFunc("/top1/cdn/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("#EXTM3U\n#EXT-X-KEY:METHOD=AES-128,URI=\"https://keys.example/k1\"\n#EXTINF:10,\nhttps://cdn.example/seg1.ts\n#EXTINF:10,\nseg2.ts\n"))
	})

	u.Server = httptest.NewServer(mux)
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) legacy(name, path string) *strategy.Legacy {
	return strategy.NewLegacy(name, client.NewHeaderSettingClient("test-agent"), strategy.LegacyConfig{
		Endpoint:         u.URL + path + "?id={id}",
		LookupPath:       "/server_lookup.php",
		SentinelKey:      "top1/cdn",
		SentinelTemplate: u.URL + "/top1/cdn/{key}/mono.m3u8",
		ServerTemplate:   u.URL + "/{server}/{key}/mono.m3u8",
		Timeout:          5 * time.Second,
	})
}

type harness struct {
	resolver *Resolver
	recorder *fakeRecorder
	codec    *codec.Codec
}

func (u *upstream) resolver(t *testing.T, gate *semaphore.Weighted) *harness {
	t.Helper()
	c, err := codec.New()
	require.NoError(t, err)

	h := &harness{recorder: &fakeRecorder{}, codec: c}
	h.resolver = New(Config{
		Provider:    "daddylive",
		StreamPage:  u.URL + "/stream/stream-{id}.php",
		Timeout:     5 * time.Second,
		DropExpired: true,
	}, client.NewHeaderSettingClient("test-agent"),
		u.legacy("legacy-primary", "/p1.php"),
		u.legacy("legacy-secondary", "/p2.php"),
		nil, gate, h.recorder,
		func(string) manifest.Encoder { return c })
	return h
}

func TestResolveLegacyManifestIsRewritten(t *testing.T) {
	u := newUpstream(t)
	u.channelPage = "<iframe src=\"/p1.php?id=51\"></iframe>"
	h := u.resolver(t, semaphore.NewWeighted(1))

	res := h.resolver.Resolve(context.Background(), "51")
	require.Equal(t, types.KindManifest, res.Kind, "err: %v", res.Err)
	assert.Equal(t, "daddylive", res.Source)

	lines := strings.Split(res.Manifest, "\n")
	assert.True(t, strings.HasPrefix(lines[1], `#EXT-X-KEY:METHOD=AES-128,URI="/key/`), lines[1])
	require.True(t, strings.HasPrefix(lines[3], "/content/"), lines[3])
	seg, err := h.codec.Decode(strings.TrimPrefix(lines[3], "/content/"))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/seg1.ts", seg)

	rel, err := h.codec.Decode(strings.TrimPrefix(lines[5], "/content/"))
	require.NoError(t, err)
	assert.Equal(t, u.URL+"/top1/cdn/premium51/seg2.ts", rel, "relative segments resolve against the manifest URL")

	assert.Equal(t, []attempt{{"daddylive:51", true}}, h.recorder.attempts)
}

func TestResolveFallsBackToSecondary(t *testing.T) {
	u := newUpstream(t)
	u.failing["/p1.php"] = true
	h := u.resolver(t, nil)

	res := h.resolver.Resolve(context.Background(), "7")
	require.Equal(t, types.KindManifest, res.Kind, "err: %v", res.Err)
	assert.Contains(t, res.Manifest, "/content/")
}

func TestResolveHangingPrimaryLeavesTimeForSecondary(t *testing.T) {
	u := newUpstream(t)
	u.hanging["/p1.php"] = true
	// legacy and outer deadlines are both 5s
	h := u.resolver(t, nil)

	start := time.Now()
	res := h.resolver.Resolve(context.Background(), "7")
	require.Equal(t, types.KindManifest, res.Kind, "err: %v", res.Err)
	assert.Contains(t, res.Manifest, "/content/")
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []attempt{{"daddylive:7", true}}, h.recorder.attempts)
}

func TestResolveEmbedMarkerSurvivesDeadline(t *testing.T) {
	u := newUpstream(t)
	u.channelPage = `<iframe src="` + embedURL + `"></iframe>`
	u.hanging["/p1.php"] = true
	u.hanging["/p2.php"] = true
	h := u.resolver(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	res := h.resolver.Resolve(ctx, "7")
	require.Equal(t, types.KindEmbedMarker, res.Kind, "err: %v", res.Err)
	assert.Equal(t, embedURL, res.EmbedURL)
}

func TestResolveEmbedPageFallsBackToMarker(t *testing.T) {
	u := newUpstream(t)
	u.channelPage = `<iframe src="` + embedURL + `"></iframe>`
	u.failing["/p1.php"] = true
	u.failing["/p2.php"] = true
	h := u.resolver(t, nil)

	res := h.resolver.Resolve(context.Background(), "9")
	assert.Equal(t, types.KindEmbedMarker, res.Kind)
	assert.Equal(t, embedURL, res.EmbedURL)
	assert.Equal(t, []attempt{{"daddylive:9", false}}, h.recorder.attempts, "a marker is not a healthy resolution")
}

func TestResolveEmbedPagePrefersLegacyManifest(t *testing.T) {
	u := newUpstream(t)
	u.channelPage = `<iframe src="` + embedURL + `"></iframe>`
	h := u.resolver(t, nil)

	res := h.resolver.Resolve(context.Background(), "9")
	assert.Equal(t, types.KindManifest, res.Kind, "a later manifest beats the embed marker")
}

func TestResolveAlternateDetection(t *testing.T) {
	u := newUpstream(t)
	u.failing["/p2.php"] = true
	u.playerPage = `<script>player.load("` + embedURL + `")</script>`
	h := u.resolver(t, nil)
	// the handshake breaks at the routing lookup but the player page advertises an embed
	h.resolver.primary = strategy.NewLegacy("legacy-primary", client.NewHeaderSettingClient("test-agent"), strategy.LegacyConfig{
		Endpoint:   u.URL + "/p1.php?id={id}",
		LookupPath: "/missing.php",
		Timeout:    5 * time.Second,
	})

	res := h.resolver.Resolve(context.Background(), "3")
	assert.Equal(t, types.KindEmbedMarker, res.Kind, "err: %v", res.Err)
	assert.Equal(t, embedURL, res.EmbedURL)
}

func TestResolveAllFail(t *testing.T) {
	u := newUpstream(t)
	u.failing["/p1.php"] = true
	u.failing["/p2.php"] = true
	h := u.resolver(t, nil)

	res := h.resolver.Resolve(context.Background(), "1")
	assert.Equal(t, types.KindFailure, res.Kind)
	assert.Error(t, res.Err)
	assert.Equal(t, []attempt{{"daddylive:1", false}}, h.recorder.attempts)
}

func TestResolveGateTimeout(t *testing.T) {
	u := newUpstream(t)
	gate := semaphore.NewWeighted(1)
	require.True(t, gate.TryAcquire(1))
	h := u.resolver(t, gate)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := h.resolver.Resolve(ctx, "1")
	assert.ErrorIs(t, res.Err, types.ErrTimeout)
	assert.Empty(t, h.recorder.attempts)
}

func TestDetectEmbed(t *testing.T) {
	r := New(Config{Provider: "p"}, nil, nil, nil, nil, nil, nil, nil)

	got, ok := r.DetectEmbed(`<iframe src="` + embedURL + `?autoplay=1">`)
	assert.True(t, ok)
	assert.Equal(t, embedURL, got)

	_, ok = r.DetectEmbed(`<iframe src="https://vidembed.re/stream/not-a-uuid">`)
	assert.False(t, ok)
}
