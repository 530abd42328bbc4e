package projection

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is the reconciler sweep interval.
const DefaultInterval = 30 * time.Second

// Reconciler periodically sweeps every cataloged tenant, repairing
// incomplete projections and purging deleted ones. It runs from creation
// until Close.
type Reconciler struct {
	p        *Projector
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler starts a reconciler over the projector's statuses.
// A non-positive interval selects [DefaultInterval].
func NewReconciler(p *Projector, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{p: p, interval: interval, ctx: ctx, cancel: cancel}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop()
	}()
	return r
}

func (r *Reconciler) loop() {
	tick := time.NewTicker(r.interval)
	defer tick.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-tick.C:
			r.sweepAll()
		}
	}
}

func (r *Reconciler) sweepAll() {
	tenants, err := r.p.Tenants(r.ctx)
	if err != nil {
		slog.Warn("projection: list tenants", "error", err)
		return
	}
	for _, t := range tenants {
		n, err := r.p.Sweep(r.ctx, t)
		if err != nil {
			slog.Warn("projection: sweep failed", "tenant", t, "error", err)
			continue
		}
		if n > 0 {
			slog.Info("projection: reconciled", "tenant", t, "entities", n)
		}
	}
}

// Close stops the sweep loop and waits for an in-flight sweep to finish.
func (r *Reconciler) Close() error {
	r.cancel()
	r.wg.Wait()
	return nil
}
