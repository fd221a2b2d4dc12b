package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freesky-proxy/work/catalog"
	"freesky-proxy/work/codec"
	"freesky-proxy/work/proxy"
	"freesky-proxy/work/session"
	"freesky-proxy/work/types"
)

type fakeSearcher struct {
	channels []types.Channel
	err      error
	calls    int
}

func (f *fakeSearcher) SearchChannels(ctx context.Context, query string) ([]types.Channel, error) {
	f.calls++
	return f.channels, f.err
}

type channelsBody struct {
	Count    int             `json:"count"`
	Channels []types.Channel `json:"channels"`
}

func getChannels(t *testing.T, h http.HandlerFunc, target string) (int, channelsBody) {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, target, nil))
	var body channelsBody
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec.Code, body
}

func TestHandleChannelsSearchesCatalog(t *testing.T) {
	c := catalog.New()
	c.Swap([]types.Channel{
		{ID: "51", Name: "ABC USA", Tags: []string{"news"}},
		{ID: "7", Name: "BBC One"},
	}, "test")
	live := &fakeSearcher{}
	h := HandleChannels(c, live)

	code, body := getChannels(t, h, "/channels")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, body.Count)

	_, body = getChannels(t, h, "/channels?q=news")
	require.Len(t, body.Channels, 1)
	assert.Equal(t, "51", body.Channels[0].ID)

	_, body = getChannels(t, h, "/channels?q=nothing")
	assert.Zero(t, body.Count)
	assert.NotNil(t, body.Channels)
	assert.Zero(t, live.calls)
}

func TestHandleChannelsQueriesProvidersBeforeFirstLoad(t *testing.T) {
	live := &fakeSearcher{channels: []types.Channel{{ID: "9", Name: "Live"}}}
	code, body := getChannels(t, HandleChannels(catalog.New(), live), "/channels?q=live")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, 1, live.calls)

	live.err = errors.Join(types.ErrUpstreamUnavailable)
	code, _ = getChannels(t, HandleChannels(catalog.New(), live), "/channels")
	assert.Equal(t, http.StatusBadGateway, code)
}

type fakeCache int

func (f fakeCache) Size() int { return int(f) }

func TestBuildStatus(t *testing.T) {
	c := catalog.New()
	c.Swap([]types.Channel{{ID: "51", Name: "ABC"}}, "test")
	sessions := session.NewManager(time.Minute)
	sessions.Start("51")
	sessions.Start("51")
	sessions.Start("7")
	defer func() {
		for _, s := range sessions.List() {
			sessions.End(s.ID)
		}
	}()

	s := BuildStatus(StatusSources{
		Catalog:  c,
		Cache:    fakeCache(3),
		Sessions: sessions,
		Limits:   Limits{Resolution: 4, Content: 10},
	})
	assert.Equal(t, "ok", s.Status)
	assert.Equal(t, 1, s.Channels)
	assert.Equal(t, 3, s.CacheSize)
	assert.Equal(t, 3, s.ActiveSessions)
	assert.Equal(t, map[string]int{"51": 2, "7": 1}, s.Sessions)
	assert.InDelta(t, 30.0, s.Utilization, 0.001)
}

func TestHandleHealthWithoutCatalog(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleHealth(StatusSources{Catalog: catalog.New(), Limits: Limits{Resolution: 4, Content: 10}})(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var s Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, "degraded", s.Status)
	assert.Equal(t, 10, s.Limits.Content)
	assert.Empty(t, s.Sessions)
}

type fakeStreams struct{ got string }

func (f *fakeStreams) GetOrResolve(ctx context.Context, channelID string) types.Result {
	f.got = channelID
	return types.Manifest("#EXTM3U\n", "", "fake")
}

func TestManifestRoute(t *testing.T) {
	c, err := codec.New()
	require.NoError(t, err)
	streams := &fakeStreams{}
	p := proxy.New(proxy.Config{BaseURL: "http://proxy.local"}, c, nil, session.NewManager(time.Minute), nil, streams, catalog.New())

	router := mux.NewRouter()
	router.HandleFunc("/stream/{id}.m3u8", HandleManifest(p)).Methods(http.MethodGet)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream/51.m3u8", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "51", streams.got)
	assert.Equal(t, "#EXTM3U\n", rec.Body.String())
}

func TestHandlePing(t *testing.T) {
	rec := httptest.NewRecorder()
	HandlePing(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}
