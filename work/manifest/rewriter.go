// Package manifest rewrites HLS manifests so every segment and key reference points back
// at this proxy instead of the upstream host.
package manifest

import (
	"bufio"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/grafana/regexp"
	"github.com/grafov/m3u8"

	"freesky-proxy/work/logger"
)

// Magic is the first token of every HLS playlist.
const Magic = "#EXTM3U"

const (
	keyDirective   = "#EXT-X-KEY:"
	contentPrefix  = "/content/"
	keyPrefix      = "/key/"
	expiryWarnSpan = time.Hour
)

var keyURIPattern = regexp.MustCompile(`URI="([^"]*)"`)

// Encoder turns an upstream string into an opaque token.
type Encoder interface {
	Encode(s string) string
}

// IsManifest reports whether text is an HLS playlist.
func IsManifest(text string) bool {
	return strings.HasPrefix(strings.TrimLeft(text, "\ufeff \t\r\n"), Magic)
}

// Stats summarises one rewrite.
type Stats struct {
	Keys         int // key directives rewritten
	Segments     int // media URLs rewritten
	Dropped      int // entries dropped as expired
	ExpiringSoon int // entries expiring within the warning span
	Malformed    int // key directives left untouched
	Tokens       int // URLs carrying an expiry parameter
}

// Rewriter substitutes upstream URLs with proxy paths built from opaque tokens.
type Rewriter struct {
	enc         Encoder
	dropExpired bool
	now         func() time.Time
}

// New creates a Rewriter. When dropExpired is set, entries whose URL carries an
// already-passed expiry parameter are removed from the output.
func New(enc Encoder, dropExpired bool) *Rewriter {
	return &Rewriter{enc: enc, dropExpired: dropExpired, now: time.Now}
}

// WithClock returns a copy of rw that reads time from now.
func (rw *Rewriter) WithClock(now func() time.Time) *Rewriter {
	c := *rw
	c.now = now
	return &c
}

// Rewrite processes text line by line. Key directives get their URI attribute replaced
// with /key/{enc(uri)}/{enc(refererHost)}, absolute media URLs become /content/{enc(url)},
// and every other line passes through verbatim in its original order. When base is set,
// relative media references are resolved against it before being proxied. Text that is
// not a manifest is returned unchanged.
func (rw *Rewriter) Rewrite(text, referer, base string) (string, Stats) {
	var stats Stats
	if !IsManifest(text) {
		return text, stats
	}

	refererHost := originOf(referer)
	baseURL, _ := url.Parse(base)
	if base == "" {
		baseURL = nil
	}

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	now := rw.now()

	for _, raw := range lines {
		line, cr := strings.CutSuffix(raw, "\r")
		suffix := ""
		if cr {
			suffix = "\r"
		}

		switch {
		case strings.HasPrefix(line, keyDirective):
			rewritten, outcome := rw.rewriteKey(line, refererHost)
			switch outcome {
			case keyRewritten:
				stats.Keys++
			case keyMalformed:
				stats.Malformed++
			}
			out = append(out, rewritten+suffix)

		case isAbsoluteHTTP(line):
			if rw.expiredEntry(line, now, &stats) {
				out = dropEntry(out)
				stats.Dropped++
				continue
			}
			out = append(out, contentPrefix+rw.enc.Encode(line)+suffix)
			stats.Segments++

		case baseURL != nil && isRelativeMedia(line):
			ref, err := url.Parse(strings.TrimSpace(line))
			if err != nil {
				out = append(out, raw)
				continue
			}
			resolved := baseURL.ResolveReference(ref).String()
			if rw.expiredEntry(resolved, now, &stats) {
				out = dropEntry(out)
				stats.Dropped++
				continue
			}
			out = append(out, contentPrefix+rw.enc.Encode(resolved)+suffix)
			stats.Segments++

		default:
			out = append(out, raw)
		}
	}

	if stats.Tokens > 0 {
		logger.Debug("{manifest/rewriter - Rewrite} token summary: %d/%d valid, %d expiring soon",
			stats.Tokens-stats.Dropped, stats.Tokens, stats.ExpiringSoon)
	}
	return strings.Join(out, "\n"), stats
}

type keyOutcome int

const (
	keySkipped keyOutcome = iota
	keyRewritten
	keyMalformed
)

// rewriteKey replaces only the URI attribute value of a key directive.
func (rw *Rewriter) rewriteKey(line, refererHost string) (string, keyOutcome) {
	loc := keyURIPattern.FindStringSubmatchIndex(line)
	if loc == nil {
		return line, keySkipped
	}
	uri := line[loc[2]:loc[3]]
	if isProxyPath(uri) {
		return line, keySkipped
	}

	u, err := url.Parse(uri)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		logger.Warn("{manifest/rewriter - rewriteKey} leaving malformed key URI untouched: %q", uri)
		return line, keyMalformed
	}

	host := refererHost
	if host == "" {
		host = u.Scheme + "://" + u.Host
	}
	proxied := keyPrefix + rw.enc.Encode(uri) + "/" + rw.enc.Encode(host)
	return line[:loc[2]] + proxied + line[loc[3]:], keyRewritten
}

func (rw *Rewriter) expiredEntry(rawURL string, now time.Time, stats *Stats) bool {
	expires, ok := ExpiresAt(rawURL)
	if !ok {
		return false
	}
	stats.Tokens++
	remaining := expires.Sub(now)
	if remaining <= 0 {
		if rw.dropExpired {
			logger.Debug("{manifest/rewriter - expiredEntry} dropping expired entry (%s ago)", -remaining)
			return true
		}
		return false
	}
	if remaining < expiryWarnSpan {
		stats.ExpiringSoon++
	}
	return false
}

// dropEntry removes the EXTINF that introduced a dropped media line.
func dropEntry(out []string) []string {
	if n := len(out); n > 0 && strings.HasPrefix(out[n-1], "#EXTINF") {
		return out[:n-1]
	}
	return out
}

// ExpiresAt reads the unix "expires" query parameter of rawURL.
func ExpiresAt(rawURL string) (time.Time, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return time.Time{}, false
	}
	v := u.Query().Get("expires")
	if v == "" {
		return time.Time{}, false
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(ts, 0), true
}

// Expired reports whether rawURL carries an expiry parameter that has already passed.
func Expired(rawURL string, now time.Time) bool {
	expires, ok := ExpiresAt(rawURL)
	return ok && !expires.After(now)
}

func isProxyPath(s string) bool {
	return strings.HasPrefix(s, contentPrefix) || strings.HasPrefix(s, keyPrefix)
}

func isAbsoluteHTTP(line string) bool {
	return strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://")
}

func isRelativeMedia(line string) bool {
	line = strings.TrimSpace(line)
	return line != "" && !strings.HasPrefix(line, "#") && !isProxyPath(line) && !strings.Contains(line, "://")
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// Info describes a decoded playlist.
type Info struct {
	Master         bool
	Variants       int
	Segments       int
	TargetDuration float64
	Live           bool
}

// Inspect decodes text with the m3u8 parser to classify it.
func Inspect(text string) (Info, error) {
	playlist, listType, err := m3u8.DecodeFrom(bufio.NewReader(strings.NewReader(text)), true)
	if err != nil {
		return Info{}, err
	}

	switch listType {
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		return Info{Master: true, Variants: len(master.Variants)}, nil
	default:
		media := playlist.(*m3u8.MediaPlaylist)
		return Info{
			Segments:       int(media.Count()),
			TargetDuration: media.TargetDuration,
			Live:           !media.Closed,
		}, nil
	}
}
