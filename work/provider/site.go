package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strings"

	"github.com/grafana/regexp"

	"freesky-proxy/work/client"
	"freesky-proxy/work/filter"
	"freesky-proxy/work/logger"
	"freesky-proxy/work/types"
)

var (
	channelsBlock = regexp.MustCompile(`(?s)<center><h1(.+?)tab-2`)
	channelEntry  = regexp.MustCompile(`href="([^"]*stream-(\d+)\.php)"[^>]*target.*?<strong>(.*?)</strong>`)
)

// Resolver is the per-provider resolution engine.
type Resolver interface {
	Resolve(ctx context.Context, channelID string) types.Result
}

// Site is a provider backed by a daddylive-style site: channels come from its listing
// page (or a JSON catalog) and streams from the resolver chain.
type Site struct {
	name        string
	resolver    Resolver
	client      *client.HeaderSettingClient
	channelsURL string
	referer     string
	filter      *filter.Filter
}

// NewSite creates a site provider. c should carry the provider's rate limiter.
func NewSite(name string, r Resolver, c *client.HeaderSettingClient, channelsURL, referer string) *Site {
	return &Site{name: name, resolver: r, client: c, channelsURL: channelsURL, referer: referer}
}

// WithFilter restricts the channel listing to channels passing f.
func (s *Site) WithFilter(f *filter.Filter) *Site {
	s.filter = f
	return s
}

// Name returns the provider name.
func (s *Site) Name() string {
	return s.name
}

// Resolve delegates to the resolver chain.
func (s *Site) Resolve(ctx context.Context, channelID string) types.Result {
	return s.resolver.Resolve(ctx, channelID)
}

// ListChannels fetches the provider's channel listing.
func (s *Site) ListChannels(ctx context.Context) ([]types.Channel, error) {
	if s.channelsURL == "" {
		return nil, fmt.Errorf("%s has no channel listing: %w", s.name, types.ErrNotFound)
	}
	body, _, err := s.client.FetchText(ctx, http.MethodGet, s.channelsURL, client.Headers{Referer: s.referer})
	if err != nil {
		return nil, fmt.Errorf("channel listing: %w", err)
	}

	channels, err := ParseChannels(body)
	if err != nil {
		return nil, err
	}
	channels = s.filter.Apply(channels)
	for i := range channels {
		channels[i].Provider = s.name
	}
	logger.Info("{provider/site - ListChannels} %s listed %d channels", s.name, len(channels))
	return channels, nil
}

// ParseChannels reads a channel listing. JSON bodies are either an array of channels or
// an object with a "channels" array; anything else is treated as the site's 24/7 listing
// page. Adult channels (names starting with "18") sort last, the rest by name.
func ParseChannels(body string) ([]types.Channel, error) {
	trimmed := strings.TrimSpace(body)

	var channels []types.Channel
	switch {
	case strings.HasPrefix(trimmed, "["):
		if err := json.Unmarshal([]byte(trimmed), &channels); err != nil {
			return nil, fmt.Errorf("channel list: %v: %w", err, types.ErrExtractionFailed)
		}
	case strings.HasPrefix(trimmed, "{"):
		var wrapped struct {
			Channels []types.Channel `json:"channels"`
		}
		if err := json.Unmarshal([]byte(trimmed), &wrapped); err != nil {
			return nil, fmt.Errorf("channel list: %v: %w", err, types.ErrExtractionFailed)
		}
		channels = wrapped.Channels
	default:
		var err error
		if channels, err = parseListingPage(body); err != nil {
			return nil, err
		}
	}

	valid := channels[:0]
	for _, ch := range channels {
		if ch.ID != "" && ch.Name != "" {
			valid = append(valid, ch)
		}
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("channel list is empty: %w", types.ErrExtractionFailed)
	}

	sort.SliceStable(valid, func(i, j int) bool {
		ai, aj := strings.HasPrefix(valid[i].Name, "18"), strings.HasPrefix(valid[j].Name, "18")
		if ai != aj {
			return !ai
		}
		return valid[i].Name < valid[j].Name
	})
	return valid, nil
}

func parseListingPage(body string) ([]types.Channel, error) {
	block := channelsBlock.FindStringSubmatch(body)
	if block == nil {
		return nil, fmt.Errorf("no channels block in listing page: %w", types.ErrExtractionFailed)
	}

	seen := make(map[string]bool)
	var channels []types.Channel
	for _, m := range channelEntry.FindAllStringSubmatch(block[1], -1) {
		id, name := m[2], strings.TrimSpace(html.UnescapeString(m[3]))
		if seen[id] {
			continue
		}
		seen[id] = true
		channels = append(channels, types.Channel{ID: id, Name: name, Tags: []string{}})
	}
	return channels, nil
}
