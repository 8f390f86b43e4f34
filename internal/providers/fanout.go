package providers

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// FanOut runs call n times concurrently for providers without a native
// multi-choice parameter. Results keep call order; the first error cancels
// the remaining calls.
func FanOut[T any](ctx context.Context, n int, call func(ctx context.Context) (T, error)) ([]T, error) {
	if n <= 1 {
		v, err := call(ctx)
		if err != nil {
			return nil, err
		}
		return []T{v}, nil
	}

	out := make([]T, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			v, err := call(gctx)
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
