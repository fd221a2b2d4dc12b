package filter

import (
	"fmt"

	"github.com/grafana/regexp"

	"freesky-proxy/work/logger"
	"freesky-proxy/work/types"
)

// Filter keeps or drops listed channels by name. A channel is kept when it matches the
// include pattern (or there is none) and does not match the exclude pattern.
type Filter struct {
	include *regexp.Regexp
	exclude *regexp.Regexp
}

// New compiles the include and exclude patterns. Empty patterns are not applied; when
// both are empty New returns nil, which keeps every channel.
func New(include, exclude string) (*Filter, error) {
	if include == "" && exclude == "" {
		return nil, nil
	}

	f := &Filter{}
	if include != "" {
		compiled, err := regexp.Compile(include)
		if err != nil {
			return nil, fmt.Errorf("include pattern %q: %w", include, err)
		}
		f.include = compiled
	}
	if exclude != "" {
		compiled, err := regexp.Compile(exclude)
		if err != nil {
			return nil, fmt.Errorf("exclude pattern %q: %w", exclude, err)
		}
		f.exclude = compiled
	}
	return f, nil
}

// Allow reports whether ch passes the filter. A nil filter allows everything.
func (f *Filter) Allow(ch types.Channel) bool {
	if f == nil {
		return true
	}
	if f.include != nil && !f.include.MatchString(ch.Name) {
		return false
	}
	if f.exclude != nil && f.exclude.MatchString(ch.Name) {
		return false
	}
	return true
}

// Apply returns the channels that pass, preserving order.
func (f *Filter) Apply(channels []types.Channel) []types.Channel {
	if f == nil {
		return channels
	}
	kept := make([]types.Channel, 0, len(channels))
	for _, ch := range channels {
		if f.Allow(ch) {
			kept = append(kept, ch)
		}
	}
	if dropped := len(channels) - len(kept); dropped > 0 {
		logger.Debug("{filter/filter - Apply} filtered out %d of %d channels", dropped, len(channels))
	}
	return kept
}
