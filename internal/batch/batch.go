// Package batch runs work in fixed-size cooperative batches.
//
// Items inside a batch run concurrently; results are written back by index
// so output order always matches input order. The context is checked before
// every batch and the runner yields between batches.
package batch

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Runner processes items in batches of Size.
type Runner struct {
	Size  int
	Yield func() // called between batches; nil means runtime.Gosched
}

// Run calls fn for every index in [0, n). It returns ctx.Err() as soon as
// cancellation is observed at a batch boundary; batches already started are
// allowed to finish. Errors returned by fn are not aggregated: fn reports
// per-item failures through its own result slot.
func (r Runner) Run(ctx context.Context, n int, fn func(ctx context.Context, i int)) error {
	size := r.Size
	if size <= 0 {
		size = 1
	}
	yield := r.Yield
	if yield == nil {
		yield = runtime.Gosched
	}

	for start := 0; start < n; start += size {
		if start > 0 {
			yield()
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		end := min(start+size, n)
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				fn(ctx, i)
				return nil
			})
		}
		_ = g.Wait()
	}
	return ctx.Err()
}

// Map applies fn to every item and returns the results in input order.
// On cancellation the partial results are discarded and ctx.Err() is returned.
func Map[T, R any](ctx context.Context, r Runner, items []T, fn func(ctx context.Context, item T) R) ([]R, error) {
	out := make([]R, len(items))
	err := r.Run(ctx, len(items), func(ctx context.Context, i int) {
		out[i] = fn(ctx, items[i])
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
