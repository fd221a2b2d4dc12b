// Package strategy holds the resolution strategies for a channel and the ordered
// fallback combinator that chains them.
package strategy

import (
	"context"
	"fmt"
	"time"

	"freesky-proxy/work/logger"
	"freesky-proxy/work/types"
)

// Step is one named attempt at producing a Result.
type Step struct {
	Name string
	Run  func(ctx context.Context) types.Result
	// Weight is the step's share of a Budgeted chain's remaining time; zero counts as one.
	Weight int
	// Instant steps do no I/O. They take no share of a budget and still run after the
	// chain's context has finished.
	Instant bool
}

// Observer is told about every step outcome with its latency.
type Observer func(step string, res types.Result, elapsed time.Duration)

// Fallback composes steps into one step that tries them in order. The first Manifest
// wins. An EmbedMarker is remembered and only returned when no later step produces a
// manifest. When every step fails, the last failure is returned. A finished context
// stops every remaining step except Instant ones.
func Fallback(name string, observe Observer, steps ...Step) Step {
	return Step{Name: name, Run: func(ctx context.Context) types.Result {
		return runChain(ctx, name, observe, false, steps)
	}}
}

// Budgeted is Fallback where each step gets only its weighted share of the time left
// before the context deadline, so a hanging step cannot starve the steps behind it. A
// context without a deadline behaves exactly like Fallback.
func Budgeted(name string, observe Observer, steps ...Step) Step {
	return Step{Name: name, Run: func(ctx context.Context) types.Result {
		return runChain(ctx, name, observe, true, steps)
	}}
}

func weightOf(step Step) int {
	if step.Instant {
		return 0
	}
	if step.Weight <= 0 {
		return 1
	}
	return step.Weight
}

// stepContext narrows ctx to step's share of the remaining time. rest is the steps still
// to run, step included.
func stepContext(ctx context.Context, step Step, rest []Step) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	w := weightOf(step)
	if !ok || w == 0 {
		return ctx, func() {}
	}
	total := 0
	for _, s := range rest {
		total += weightOf(s)
	}
	if total <= w {
		return ctx, func() {}
	}
	share := time.Duration(float64(time.Until(deadline)) * float64(w) / float64(total))
	return context.WithTimeout(ctx, share)
}

func runChain(ctx context.Context, name string, observe Observer, budgeted bool, steps []Step) types.Result {
	var marker *types.Result
	var lastErr error
	stopped := false

	for i, step := range steps {
		if err := types.FromContext(ctx); err != nil {
			if !stopped {
				lastErr = fmt.Errorf("%s: before %s: %w", name, step.Name, err)
				stopped = true
			}
			if !step.Instant {
				continue
			}
		}

		stepCtx, cancel := ctx, context.CancelFunc(func() {})
		if budgeted {
			stepCtx, cancel = stepContext(ctx, step, steps[i:])
		}
		start := time.Now()
		res := step.Run(stepCtx)
		cancel()
		if res.Source == "" {
			res.Source = step.Name
		}
		if observe != nil {
			observe(step.Name, res, time.Since(start))
		}

		switch res.Kind {
		case types.KindManifest:
			logger.Debug("{strategy/strategy - Fallback} %s: %s produced a manifest", name, step.Name)
			return res
		case types.KindEmbedMarker:
			logger.Debug("{strategy/strategy - Fallback} %s: %s produced an embed marker, continuing", name, step.Name)
			if marker == nil {
				m := res
				marker = &m
			}
		default:
			logger.Warn("{strategy/strategy - Fallback} %s: %s failed: %v", name, step.Name, res.Err)
			// after the context finished, keep reporting why the chain stopped
			if !stopped {
				lastErr = res.Err
			}
		}
	}

	if marker != nil {
		return *marker
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%s: no strategy applied: %w", name, types.ErrNotFound)
	}
	return types.Failure(lastErr, name)
}
