package strategy

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freesky-proxy/work/client"
	"freesky-proxy/work/types"
)

const testManifest = "#EXTM3U\n#EXTINF:10,\nhttps://cdn.example/seg1.ts\n"

type fakeUpstream struct {
	*httptest.Server
	serverKey   string
	authStatus  int
	dropVar     string
	authHits    atomic.Int32
	manifestRef atomic.Value
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{serverKey: "top1/cdn", authStatus: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("/premiumtv/daddylivehd.php", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		vars := map[string]string{
			"__c": b64("1700000000"),
			"__e": b64("sig+/="),
			"__b": b64("/auth.php"),
			"__d": b64("nonce"),
			"__a": b64(f.URL),
		}
		var page strings.Builder
		page.WriteString("<script>\nvar channelKey = \"premium" + r.URL.Query().Get("id") + "\";\n")
		for name, v := range vars {
			if name == f.dropVar {
				continue
			}
			fmt.Fprintf(&page, "var %s = atob(\"%s\");\n", name, v)
		}
		page.WriteString("</script>")
		_, _ = w.Write([]byte(page.String()))
	})
	mux.HandleFunc("/auth.php", func(w http.ResponseWriter, r *http.Request) {
		f.authHits.Add(1)
		q := r.URL.Query()
		if q.Get("channel_id") == "" || q.Get("ts") != "1700000000" || q.Get("sig") != "sig+/=" || q.Get("rnd") != "nonce" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(f.authStatus)
	})
	mux.HandleFunc("/server_lookup.php", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"server_key":%q}`, f.serverKey)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/mono.m3u8") {
			http.NotFound(w, r)
			return
		}
		f.manifestRef.Store(r.URL.Path + "|" + r.Header.Get("Referer"))
		_, _ = w.Write([]byte(testManifest))
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeUpstream) legacy() *Legacy {
	return NewLegacy("legacy-primary", client.NewHeaderSettingClient("test-agent"), LegacyConfig{
		Endpoint:         f.URL + "/premiumtv/daddylivehd.php?id={id}",
		SiteReferer:      "https://site.example/",
		LookupPath:       "/server_lookup.php",
		SentinelKey:      "top1/cdn",
		SentinelTemplate: f.URL + "/top1/cdn/{key}/mono.m3u8",
		ServerTemplate:   f.URL + "/{server}/{key}/mono.m3u8",
		Timeout:          5 * time.Second,
	})
}

func TestLegacyResolveSentinelRoute(t *testing.T) {
	f := newFakeUpstream(t)
	l := f.legacy()

	res := l.Resolve(context.Background(), "51")
	require.Equal(t, types.KindManifest, res.Kind, "err: %v", res.Err)
	assert.Equal(t, testManifest, res.Manifest)
	assert.Equal(t, l.PlayerURL("51"), res.Referer)
	assert.Equal(t, "legacy-primary", res.Source)
	assert.Equal(t, f.URL+"/top1/cdn/premium51/mono.m3u8", res.Location)
	assert.Equal(t, int32(1), f.authHits.Load())
	assert.Equal(t, "/top1/cdn/premium51/mono.m3u8|"+l.PlayerURL("51"), f.manifestRef.Load())
}

func TestLegacyResolveServerRoute(t *testing.T) {
	f := newFakeUpstream(t)
	f.serverKey = "wind"

	res := f.legacy().Resolve(context.Background(), "7")
	require.Equal(t, types.KindManifest, res.Kind, "err: %v", res.Err)
	ref, _ := f.manifestRef.Load().(string)
	assert.True(t, strings.HasPrefix(ref, "/wind/premium7/mono.m3u8|"), ref)
}

func TestLegacyResolveFailures(t *testing.T) {
	t.Run("auth rejected", func(t *testing.T) {
		f := newFakeUpstream(t)
		f.authStatus = http.StatusForbidden
		res := f.legacy().Resolve(context.Background(), "51")
		assert.Equal(t, types.KindFailure, res.Kind)
		assert.ErrorIs(t, res.Err, types.ErrAuthRejected)
	})

	t.Run("missing variable", func(t *testing.T) {
		f := newFakeUpstream(t)
		f.dropVar = "__e"
		res := f.legacy().Resolve(context.Background(), "51")
		assert.ErrorIs(t, res.Err, types.ErrExtractionFailed)
		assert.Zero(t, f.authHits.Load(), "auth is never attempted without all variables")
	})

	t.Run("empty routing key", func(t *testing.T) {
		f := newFakeUpstream(t)
		f.serverKey = ""
		res := f.legacy().Resolve(context.Background(), "51")
		assert.ErrorIs(t, res.Err, types.ErrExtractionFailed)
	})

	t.Run("player page unavailable", func(t *testing.T) {
		f := newFakeUpstream(t)
		l := f.legacy()
		l.cfg.Endpoint = f.URL + "/missing.php?id={id}"
		res := l.Resolve(context.Background(), "51")
		assert.ErrorIs(t, res.Err, types.ErrUpstreamUnavailable)
	})

	t.Run("cancelled", func(t *testing.T) {
		f := newFakeUpstream(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res := f.legacy().Resolve(ctx, "51")
		assert.ErrorIs(t, res.Err, types.ErrCancelled)
	})
}

func TestLegacyManifestURL(t *testing.T) {
	l := NewLegacy("l", nil, LegacyConfig{
		SentinelKey:      "top1/cdn",
		SentinelTemplate: "https://top1.example/top1/cdn/{key}/mono.m3u8",
		ServerTemplate:   "https://{server}new.example/{server}/{key}/mono.m3u8",
	})
	assert.Equal(t, "https://top1.example/top1/cdn/premium1/mono.m3u8", l.ManifestURL("top1/cdn", "premium1"))
	assert.Equal(t, "https://zekonew.example/zeko/premium1/mono.m3u8", l.ManifestURL("zeko", "premium1"))
}
