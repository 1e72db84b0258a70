package commands

import (
	"context"
	"time"

	"github.com/pmoor/gletscher/reconcile"
)

// ReconcileOptions configures `reconcile [--poll_interval SEC]`.
type ReconcileOptions struct {
	PollInterval time.Duration
}

// Reconcile runs both of the Reconciler's consistency checks against
// the live Glacier vault and returns the combined report. A non-clean
// report is surfaced as gerrors.ErrDataMissing, which the CLI maps to
// its integrity exit code.
func Reconcile(ctx context.Context, cctx *Context, opts ReconcileOptions) (reconcile.Report, error) {
	return reconcile.Run(ctx, cctx.Glacier, cctx.Catalog, cctx.Index, cctx.Config.ID.UUID, reconcile.Options{
		PollInterval: opts.PollInterval,
	})
}
