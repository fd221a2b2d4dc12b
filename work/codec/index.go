package codec

import (
	"time"

	"github.com/maypok86/otter/v2"
)

// Index remembers which channel's manifest issued a token, so content requests can be
// attributed to a channel session. Entries expire after the configured idle time.
type Index struct {
	codec   *Codec
	entries *otter.Cache[string, string]
}

// NewIndex creates an Index holding at most capacity tokens.
func NewIndex(c *Codec, capacity int, idle time.Duration) *Index {
	return &Index{
		codec: c,
		entries: otter.Must(&otter.Options[string, string]{
			MaximumSize:      capacity,
			ExpiryCalculator: otter.ExpiryAccessing[string, string](idle),
		}),
	}
}

// Channel returns the channel that issued token.
func (ix *Index) Channel(token string) (string, bool) {
	return ix.entries.GetIfPresent(token)
}

// For returns an encoder that records every token it issues against channelID.
func (ix *Index) For(channelID string) *TaggedEncoder {
	return &TaggedEncoder{index: ix, channel: channelID}
}

// TaggedEncoder encodes with the index's codec and records the issuing channel.
type TaggedEncoder struct {
	index   *Index
	channel string
}

// Encode returns the token for s.
func (te *TaggedEncoder) Encode(s string) string {
	token := te.index.codec.Encode(s)
	te.index.entries.Set(token, te.channel)
	return token
}
