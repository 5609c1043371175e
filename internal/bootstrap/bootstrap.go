// Package bootstrap coordinates the handful of background goroutines each
// agent binary runs — a ticker, the bus's own network goroutine, and
// (for the dashboard) an HTTP server — under a single first-error-wins
// shutdown.
package bootstrap

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// Group runs a set of background functions together, cancelling the shared
// context as soon as any one of them returns a non-nil error, Wait returns,
// or the process receives SIGINT/SIGTERM.
type Group struct {
	eg     *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Group whose context is cancelled on SIGINT/SIGTERM.
func New() (*Group, context.Context) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	eg, egCtx := errgroup.WithContext(ctx)
	return &Group{eg: eg, ctx: egCtx, cancel: cancel}, egCtx
}

// Go schedules fn to run in its own goroutine. fn should return promptly
// once the Group's context is done.
func (g *Group) Go(fn func() error) {
	g.eg.Go(fn)
}

// Wait blocks until every scheduled function has returned, then releases
// the signal notification. It returns the first non-nil error, if any.
func (g *Group) Wait() error {
	defer g.cancel()
	return g.eg.Wait()
}
