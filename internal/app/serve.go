package app

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Runner is a long-running component that returns nil once ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// Serve runs serve and, when worker is non-nil, the worker next to it. The
// first failure cancels the other and is returned; a worker that never
// became ready therefore stops the server too.
func Serve(ctx context.Context, worker Runner, serve func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)

	if worker != nil {
		g.Go(func() error {
			return worker.Run(gctx)
		})
	}
	g.Go(func() error {
		return serve(gctx)
	})

	return g.Wait()
}
