// Package extract pulls named values out of upstream page bodies using a declarative list
// of rules. When the upstream changes its page format, only the rule table changes.
package extract

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/grafana/regexp"

	"freesky-proxy/work/types"
)

// Decoder turns the captured text of a rule into its final value.
type Decoder func(string) (string, error)

// Plain returns the captured text unchanged.
func Plain(s string) (string, error) {
	return s, nil
}

// Atob decodes standard base64, tolerating missing padding, the way the page's own
// atob() calls do.
func Atob(s string) (string, error) {
	s = strings.TrimSpace(s)
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("atob: %w", err)
	}
	return string(out), nil
}

// Rule extracts one named value: Pattern's first capture group, decoded by Decode.
// When the pattern occurs several times the last occurrence wins.
type Rule struct {
	Name     string
	Pattern  *regexp.Regexp
	Decode   Decoder
	Optional bool
}

// Spec is an ordered set of rules applied to one page body.
type Spec struct {
	Rules []Rule
}

// Apply runs every rule against body. A missing or undecodable required value fails
// the whole extraction with types.ErrExtractionFailed naming the value.
func (s Spec) Apply(body string) (map[string]string, error) {
	values := make(map[string]string, len(s.Rules))
	for _, rule := range s.Rules {
		matches := rule.Pattern.FindAllStringSubmatch(body, -1)
		if len(matches) == 0 || len(matches[len(matches)-1]) < 2 {
			if rule.Optional {
				continue
			}
			return nil, fmt.Errorf("%s not found: %w", rule.Name, types.ErrExtractionFailed)
		}

		decode := rule.Decode
		if decode == nil {
			decode = Plain
		}
		v, err := decode(matches[len(matches)-1][1])
		if err != nil {
			if rule.Optional {
				continue
			}
			return nil, fmt.Errorf("%s: %v: %w", rule.Name, err, types.ErrExtractionFailed)
		}
		values[rule.Name] = v
	}
	return values, nil
}

// AtobVar builds a rule for `var NAME = atob("...");`.
func AtobVar(name, variable string) Rule {
	return Rule{
		Name:    name,
		Pattern: regexp.MustCompile(`var\s+` + regexp.QuoteMeta(variable) + `\s*=\s*atob\("([^"]+)"\);`),
		Decode:  Atob,
	}
}

// StringVar builds a rule for `var NAME = "...";`.
func StringVar(name, variable string) Rule {
	return Rule{
		Name:    name,
		Pattern: regexp.MustCompile(`var\s+` + regexp.QuoteMeta(variable) + `\s*=\s*"(.*?)";`),
		Decode:  Plain,
	}
}

// Names of the values produced by HandshakeSpec.
const (
	ChannelKey = "channelKey"
	AuthTS     = "ts"
	AuthSig    = "sig"
	AuthPath   = "path"
	AuthRnd    = "rnd"
	AuthBase   = "base"
)

// HandshakeSpec describes the variables the legacy player page exposes: a plain channel
// key and five atob-obfuscated handshake values.
func HandshakeSpec() Spec {
	return Spec{Rules: []Rule{
		StringVar(ChannelKey, "channelKey"),
		AtobVar(AuthTS, "__c"),
		AtobVar(AuthSig, "__e"),
		AtobVar(AuthPath, "__b"),
		AtobVar(AuthRnd, "__d"),
		AtobVar(AuthBase, "__a"),
	}}
}
