package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/ratelimit"

	"freesky-proxy/work/types"
)

func TestFetchTextSetsBrowserHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte("page body"))
	}))
	defer srv.Close()

	c := NewHeaderSettingClient("UA/1.0")
	body, status, err := c.FetchText(context.Background(), http.MethodGet, srv.URL, Headers{
		Referer: "https://ref.example/",
		Origin:  "https://ref.example",
		Extra:   map[string]string{"X-Requested-With": "XMLHttpRequest"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "page body", body)
	assert.Equal(t, "UA/1.0", got.Get("User-Agent"))
	assert.Equal(t, "https://ref.example/", got.Get("Referer"))
	assert.Equal(t, "https://ref.example", got.Get("Origin"))
	assert.Equal(t, "XMLHttpRequest", got.Get("X-Requested-With"))
}

func TestFetchTextClassifiesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			time.Sleep(200 * time.Millisecond)
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewHeaderSettingClient("UA")

	_, status, err := c.FetchText(context.Background(), http.MethodGet, srv.URL+"/x", Headers{})
	assert.Equal(t, http.StatusForbidden, status)
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = c.FetchText(ctx, http.MethodGet, srv.URL+"/slow", Headers{})
	assert.ErrorIs(t, err, types.ErrTimeout)
}

func TestLimiterHonoursContext(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := NewHeaderSettingClient("UA").WithLimiter(ratelimit.New(4, ratelimit.WithoutSlack))

	_, _, err := c.FetchText(context.Background(), http.MethodGet, srv.URL, Headers{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = c.FetchText(ctx, http.MethodGet, srv.URL, Headers{})
	assert.ErrorIs(t, err, types.ErrTimeout, "deadline passed while waiting for the limiter")

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	_, _, err = c.FetchText(cancelled, http.MethodGet, srv.URL, Headers{})
	assert.ErrorIs(t, err, types.ErrCancelled)

	assert.Equal(t, int32(1), hits.Load(), "only the first request reached upstream")
}

func TestOriginOf(t *testing.T) {
	assert.Equal(t, "https://fnjplay.xyz", OriginOf("https://fnjplay.xyz/premiumtv/daddylivehd.php?id=51"))
	assert.Equal(t, "http://h:8080", OriginOf("http://h:8080?x=1"))
	assert.Equal(t, "", OriginOf("not a url"))
}
