package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freesky-proxy/work/types"
)

var listing = []types.Channel{
	{ID: "51", Name: "ABC USA"},
	{ID: "7", Name: "BBC One UK"},
	{ID: "300", Name: "18+ Late"},
	{ID: "44", Name: "ESPN USA"},
}

func names(channels []types.Channel) []string {
	out := make([]string, len(channels))
	for i, ch := range channels {
		out[i] = ch.Name
	}
	return out
}

func TestApply(t *testing.T) {
	f, err := New(`(?i)usa|uk`, `^18`)
	require.NoError(t, err)
	assert.Equal(t, []string{"ABC USA", "BBC One UK", "ESPN USA"}, names(f.Apply(listing)))

	f, err = New("", `(?i)espn`)
	require.NoError(t, err)
	assert.Equal(t, []string{"ABC USA", "BBC One UK", "18+ Late"}, names(f.Apply(listing)))
}

func TestNoPatternsKeepsEverything(t *testing.T) {
	f, err := New("", "")
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.Len(t, f.Apply(listing), len(listing))
	assert.True(t, f.Allow(listing[2]))
}

func TestInvalidPattern(t *testing.T) {
	_, err := New("([", "")
	assert.Error(t, err)
	_, err = New("", "([")
	assert.Error(t, err)
}
