package codec

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freesky-proxy/work/types"
)

func TestRoundTrip(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	inputs := []string{
		"",
		"https://u/seg1.ts",
		"https://top1.newkso.ru/top1/cdn/premium51/mono.m3u8?md5=abc&expires=1700000000&t=1",
		strings.Repeat("x", 500),
		"héllo wörld ✓",
		"a/b?c=d&e=f#g",
		"\xff\xfe",
		"https://u/a\x80b",
		"\x00\x01\x02",
	}
	for _, in := range inputs {
		tok := c.Encode(in)
		assert.NotContains(t, tok, "/")
		assert.NotContains(t, tok, "+")
		assert.NotContains(t, tok, "=")
		assert.Equal(t, tok, url.PathEscape(tok), "token must be path safe")

		out, err := c.Decode(tok)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	for _, tok := range []string{"!!!", "a b", "%%%"} {
		_, err := c.Decode(tok)
		assert.ErrorIs(t, err, types.ErrTokenInvalid, "token %q", tok)
	}
}

func TestSecretsDiffer(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	b, err := New()
	require.NoError(t, err)

	in := "https://u/seg1.ts"
	assert.NotEqual(t, a.Encode(in), b.Encode(in))
}

func TestNewWithSecret(t *testing.T) {
	_, err := NewWithSecret(nil)
	assert.Error(t, err)

	c, err := NewWithSecret([]byte{0x01})
	require.NoError(t, err)
	out, err := c.Decode(c.Encode("abc"))
	require.NoError(t, err)
	assert.Equal(t, "abc", out)
}

func TestIndexAttributesTokens(t *testing.T) {
	c, err := NewWithSecret([]byte("k"))
	require.NoError(t, err)
	ix := NewIndex(c, 100, time.Minute)

	tok := ix.For("51").Encode("https://u/seg1.ts")
	assert.Equal(t, c.Encode("https://u/seg1.ts"), tok, "tagging does not change the token")

	ch, ok := ix.Channel(tok)
	assert.True(t, ok)
	assert.Equal(t, "51", ch)

	_, ok = ix.Channel(c.Encode("https://u/other.ts"))
	assert.False(t, ok)
}
