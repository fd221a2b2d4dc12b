package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"freesky-proxy/work/client"
	"freesky-proxy/work/extract"
	"freesky-proxy/work/logger"
	"freesky-proxy/work/manifest"
	"freesky-proxy/work/types"
)

// LegacyConfig holds the upstream constants of the signed-URL handshake.
type LegacyConfig struct {
	Endpoint         string        // player page template, {id} is replaced by the channel id
	SiteReferer      string        // Referer for the player page request
	LookupPath       string        // routing lookup path on the player host
	SentinelKey      string        // routing key that selects SentinelTemplate
	SentinelTemplate string        // manifest URL template for the sentinel, {key}
	ServerTemplate   string        // manifest URL template for other keys, {server} and {key}
	Timeout          time.Duration // shared deadline for all steps
}

// Legacy replicates the upstream's multi-step authentication handshake:
// player page -> obfuscated variables -> signed auth URL -> routing lookup -> manifest.
type Legacy struct {
	name   string
	client *client.HeaderSettingClient
	spec   extract.Spec
	cfg    LegacyConfig
}

// NewLegacy creates a handshake strategy against one player endpoint.
func NewLegacy(name string, c *client.HeaderSettingClient, cfg LegacyConfig) *Legacy {
	return &Legacy{
		name:   name,
		client: c,
		spec:   extract.HandshakeSpec(),
		cfg:    cfg,
	}
}

// Name identifies the strategy in logs and health keys.
func (l *Legacy) Name() string {
	return l.name
}

// PlayerURL returns the player page URL for channelID.
func (l *Legacy) PlayerURL(channelID string) string {
	return strings.ReplaceAll(l.cfg.Endpoint, "{id}", url.QueryEscape(channelID))
}

// Step adapts the handshake for channelID to the fallback combinator.
func (l *Legacy) Step(channelID string) Step {
	return Step{Name: l.name, Run: func(ctx context.Context) types.Result {
		return l.Resolve(ctx, channelID)
	}}
}

// Resolve runs the handshake for channelID. Every failure is returned as a classified
// Failure result rather than an error.
func (l *Legacy) Resolve(ctx context.Context, channelID string) types.Result {
	if l.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.Timeout)
		defer cancel()
	}

	text, manifestURL, err := l.handshake(ctx, channelID)
	if err != nil {
		logger.Warn("{strategy/legacy - Resolve} %s: channel %s: %v", l.name, channelID, err)
		return types.Failure(err, l.name)
	}
	return types.Manifest(text, l.PlayerURL(channelID), l.name).At(manifestURL)
}

// handshake returns the manifest text and the URL it was fetched from.
func (l *Legacy) handshake(ctx context.Context, channelID string) (string, string, error) {
	playerURL := l.PlayerURL(channelID)
	player, err := url.Parse(playerURL)
	if err != nil || player.Host == "" {
		return "", "", fmt.Errorf("player url %q: %w", playerURL, types.ErrExtractionFailed)
	}

	// step 1: player page
	page, _, err := l.client.FetchText(ctx, http.MethodPost, playerURL, client.Headers{Referer: l.cfg.SiteReferer})
	if err != nil {
		return "", "", fmt.Errorf("player page: %w", err)
	}

	// step 2: channel key and obfuscated auth variables
	vars, err := l.spec.Apply(page)
	if err != nil {
		return "", "", fmt.Errorf("player variables: %w", err)
	}
	channelKey := vars[extract.ChannelKey]
	logger.Debug("{strategy/legacy - handshake} %s: channel %s resolved key %s", l.name, channelID, channelKey)

	// step 3: signed auth request
	authURL := fmt.Sprintf("%s%s?channel_id=%s&ts=%s&rnd=%s&sig=%s",
		vars[extract.AuthBase], vars[extract.AuthPath],
		url.QueryEscape(channelKey), url.QueryEscape(vars[extract.AuthTS]),
		url.QueryEscape(vars[extract.AuthRnd]), url.QueryEscape(vars[extract.AuthSig]))
	if _, status, err := l.client.FetchText(ctx, http.MethodGet, authURL, client.Headers{Referer: playerURL}); err != nil {
		if types.FromContext(ctx) != nil {
			return "", "", fmt.Errorf("auth request: %w", err)
		}
		return "", "", fmt.Errorf("auth request returned %d: %v: %w", status, err, types.ErrAuthRejected)
	}

	// step 4: routing lookup on the player host
	lookupURL := fmt.Sprintf("%s://%s%s?channel_id=%s", player.Scheme, player.Host, l.cfg.LookupPath, url.QueryEscape(channelKey))
	body, _, err := l.client.FetchText(ctx, http.MethodGet, lookupURL, client.Headers{Referer: playerURL})
	if err != nil {
		return "", "", fmt.Errorf("server lookup: %w", err)
	}
	var lookup struct {
		ServerKey string `json:"server_key"`
	}
	if err := json.Unmarshal([]byte(body), &lookup); err != nil || lookup.ServerKey == "" {
		return "", "", fmt.Errorf("server lookup returned no server_key: %w", types.ErrExtractionFailed)
	}

	// step 5: manifest URL from the routing key
	manifestURL := l.ManifestURL(lookup.ServerKey, channelKey)

	// step 6: manifest with the player page as Referer
	text, _, err := l.client.FetchText(ctx, http.MethodGet, manifestURL, client.Headers{Referer: playerURL})
	if err != nil {
		return "", "", fmt.Errorf("manifest: %w", err)
	}
	if !manifest.IsManifest(text) {
		return "", "", fmt.Errorf("manifest at %s has no %s header: %w", manifestURL, manifest.Magic, types.ErrExtractionFailed)
	}
	return text, manifestURL, nil
}

// ManifestURL selects the URL template by comparing serverKey with the sentinel.
func (l *Legacy) ManifestURL(serverKey, channelKey string) string {
	if serverKey == l.cfg.SentinelKey {
		return strings.ReplaceAll(l.cfg.SentinelTemplate, "{key}", channelKey)
	}
	return strings.NewReplacer("{server}", serverKey, "{key}", channelKey).Replace(l.cfg.ServerTemplate)
}
