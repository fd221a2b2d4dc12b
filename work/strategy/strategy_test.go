package strategy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"freesky-proxy/work/types"
)

func fixed(name string, res types.Result, calls *[]string) Step {
	return Step{Name: name, Run: func(ctx context.Context) types.Result {
		*calls = append(*calls, name)
		return res
	}}
}

func TestFallbackFirstManifestWins(t *testing.T) {
	var calls []string
	chain := Fallback("t", nil,
		fixed("a", types.Failure(types.ErrAuthRejected, ""), &calls),
		fixed("b", types.Manifest("#EXTM3U\nB", "ref", ""), &calls),
		fixed("c", types.Manifest("#EXTM3U\nC", "ref", ""), &calls),
	)

	res := chain.Run(context.Background())
	assert.Equal(t, types.KindManifest, res.Kind)
	assert.Equal(t, "#EXTM3U\nB", res.Manifest)
	assert.Equal(t, "b", res.Source)
	assert.Equal(t, []string{"a", "b"}, calls)
}

func TestFallbackMarkerIsLastResort(t *testing.T) {
	var calls []string
	chain := Fallback("t", nil,
		fixed("embed", types.EmbedMarker("https://e/1", ""), &calls),
		fixed("legacy", types.Manifest("#EXTM3U\nL", "ref", ""), &calls),
	)
	res := chain.Run(context.Background())
	assert.Equal(t, types.KindManifest, res.Kind, "a later manifest beats an earlier marker")

	calls = nil
	chain = Fallback("t", nil,
		fixed("embed", types.EmbedMarker("https://e/1", ""), &calls),
		fixed("legacy", types.Failure(types.ErrAuthRejected, ""), &calls),
		fixed("passthrough", types.EmbedMarker("https://e/2", ""), &calls),
	)
	res = chain.Run(context.Background())
	assert.Equal(t, types.KindEmbedMarker, res.Kind)
	assert.Equal(t, "https://e/1", res.EmbedURL, "first marker is kept")
	assert.Len(t, calls, 3)
}

func TestFallbackAllFail(t *testing.T) {
	var calls []string
	var observed []string
	chain := Fallback("t", func(step string, res types.Result, _ time.Duration) {
		observed = append(observed, fmt.Sprintf("%s:%s", step, res.Kind))
	},
		fixed("a", types.Failure(types.ErrUpstreamUnavailable, ""), &calls),
		fixed("b", types.Failure(types.ErrExtractionFailed, ""), &calls),
	)

	res := chain.Run(context.Background())
	assert.Equal(t, types.KindFailure, res.Kind)
	assert.ErrorIs(t, res.Err, types.ErrExtractionFailed)
	assert.Equal(t, []string{"a:failure", "b:failure"}, observed)
}

func TestFallbackStopsOnFinishedContext(t *testing.T) {
	var calls []string
	ctx, cancel := context.WithCancel(context.Background())
	chain := Fallback("t", nil,
		Step{Name: "a", Run: func(context.Context) types.Result {
			calls = append(calls, "a")
			cancel()
			return types.Failure(types.ErrUpstreamUnavailable, "")
		}},
		fixed("b", types.Manifest("#EXTM3U", "", ""), &calls),
	)

	res := chain.Run(ctx)
	assert.Equal(t, types.KindFailure, res.Kind)
	assert.ErrorIs(t, res.Err, types.ErrCancelled)
	assert.Equal(t, []string{"a"}, calls)
}

func TestFallbackEmpty(t *testing.T) {
	res := Fallback("t", nil).Run(context.Background())
	assert.ErrorIs(t, res.Err, types.ErrNotFound)
}

func TestFallbackInstantStepRunsAfterDeadline(t *testing.T) {
	var calls []string
	ctx, cancel := context.WithCancel(context.Background())
	chain := Fallback("t", nil,
		Step{Name: "a", Run: func(context.Context) types.Result {
			calls = append(calls, "a")
			cancel()
			return types.Failure(types.ErrUpstreamUnavailable, "")
		}},
		fixed("b", types.Manifest("#EXTM3U", "", ""), &calls),
		Step{Name: "passthrough", Instant: true, Run: func(context.Context) types.Result {
			calls = append(calls, "passthrough")
			return types.EmbedMarker("https://e/1", "")
		}},
	)

	res := chain.Run(ctx)
	assert.Equal(t, types.KindEmbedMarker, res.Kind)
	assert.Equal(t, []string{"a", "passthrough"}, calls)
}

func TestBudgetedHangingStepLeavesTimeForTheRest(t *testing.T) {
	hang := Step{Name: "hang", Run: func(ctx context.Context) types.Result {
		<-ctx.Done()
		return types.Failure(types.FromContext(ctx), "")
	}}
	var calls []string
	chain := Budgeted("t", nil,
		hang,
		fixed("b", types.Manifest("#EXTM3U\nB", "", ""), &calls),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	start := time.Now()
	res := chain.Run(ctx)

	assert.Equal(t, types.KindManifest, res.Kind, "err: %v", res.Err)
	assert.Equal(t, []string{"b"}, calls)
	assert.Less(t, time.Since(start), 350*time.Millisecond, "the hanging step only gets its share")
}

func TestBudgetedWeights(t *testing.T) {
	var got []time.Duration
	measure := func(name string, weight int) Step {
		return Step{Name: name, Weight: weight, Run: func(ctx context.Context) types.Result {
			deadline, ok := ctx.Deadline()
			if ok {
				got = append(got, time.Until(deadline))
			}
			return types.Failure(types.ErrExtractionFailed, "")
		}}
	}
	chain := Budgeted("t", nil,
		measure("embed", 2),
		measure("legacy", 1),
		measure("last", 1),
		Step{Name: "passthrough", Instant: true, Run: func(context.Context) types.Result {
			return types.Failure(types.ErrNotFound, "")
		}},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	chain.Run(ctx)

	if assert.Len(t, got, 3) {
		assert.InDelta(t, 2*time.Second, got[0], float64(100*time.Millisecond))
		assert.InDelta(t, 2*time.Second, got[1], float64(100*time.Millisecond))
		assert.InDelta(t, 4*time.Second, got[2], float64(100*time.Millisecond), "the last step keeps the rest")
	}
}

func TestBudgetedWithoutDeadline(t *testing.T) {
	var calls []string
	res := Budgeted("t", nil,
		Step{Name: "a", Run: func(ctx context.Context) types.Result {
			_, ok := ctx.Deadline()
			assert.False(t, ok)
			calls = append(calls, "a")
			return types.Failure(types.ErrAuthRejected, "")
		}},
		fixed("b", types.Manifest("#EXTM3U", "", ""), &calls),
	).Run(context.Background())

	assert.Equal(t, types.KindManifest, res.Kind)
	assert.Equal(t, []string{"a", "b"}, calls)
}
