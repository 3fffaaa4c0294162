// Package worker runs the background tasks of a device: the sync loop,
// the connectivity probe and the compliance loop.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/alexanderramin/dayplan/internal/compliance"
	"github.com/alexanderramin/dayplan/internal/domain"
	"github.com/alexanderramin/dayplan/internal/eventbus"
	"github.com/alexanderramin/dayplan/internal/logger"
	"github.com/alexanderramin/dayplan/internal/syncq"
	"golang.org/x/sync/errgroup"
)

// Syncer is the sync queue surface the loop drives.
type Syncer interface {
	Sync(ctx context.Context) (*syncq.Result, error)
	Kicks() <-chan struct{}
	SetOnline(online bool)
}

// Evaluator is the compliance monitor surface the loop drives.
type Evaluator interface {
	Evaluate(ctx context.Context, planID string) (*compliance.Status, error)
	EvaluateActive(ctx context.Context, tenantID string) ([]*compliance.Status, error)
}

// Pinger checks whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	TenantID           string
	SyncInterval       time.Duration
	ComplianceInterval time.Duration
	// ProbeInterval is how often connectivity is checked. Zero disables
	// the probe and leaves the online flag to the caller.
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

type Runner struct {
	cfg     Config
	sync    Syncer
	monitor Evaluator
	probe   Pinger
	status  *eventbus.Bus[eventbus.StatusChanged]
	log     logger.Logger
}

type Option func(*Runner)

func WithLogger(l logger.Logger) Option {
	return func(r *Runner) { r.log = logger.OrNop(l) }
}

// WithProbe enables the connectivity probe.
func WithProbe(p Pinger) Option {
	return func(r *Runner) { r.probe = p }
}

// WithStatusBus makes the compliance loop re-evaluate a plan as soon as one
// of its events changes status.
func WithStatusBus(b *eventbus.Bus[eventbus.StatusChanged]) Option {
	return func(r *Runner) { r.status = b }
}

func New(cfg Config, s Syncer, m Evaluator, opts ...Option) *Runner {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = time.Minute
	}
	if cfg.ComplianceInterval <= 0 {
		cfg.ComplianceInterval = time.Minute
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	r := &Runner{cfg: cfg, sync: s, monitor: m, log: logger.NopLogger{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run blocks until ctx is cancelled or a loop fails.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.syncLoop(ctx) })
	g.Go(func() error { return r.complianceLoop(ctx) })
	if r.probe != nil && r.cfg.ProbeInterval > 0 {
		g.Go(func() error { return r.probeLoop(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) syncLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-r.sync.Kicks():
		}
		r.SyncOnce(ctx)
	}
}

// SyncOnce runs one flush and logs its outcome. Offline devices and
// overlapping flushes are skipped quietly.
func (r *Runner) SyncOnce(ctx context.Context) *syncq.Result {
	res, err := r.sync.Sync(ctx)
	switch {
	case errors.Is(err, syncq.ErrOffline), errors.Is(err, syncq.ErrSyncInProgress):
		r.log.Debugf("sync skipped: %v", err)
		return nil
	case err != nil:
		if ctx.Err() == nil {
			r.log.Errorf("sync failed: %v", err)
		}
		return nil
	}
	for _, e := range res.Errors {
		r.log.Warnw("sync operation not applied", map[string]any{
			"op":     e.OperationID,
			"entity": e.EntityID,
			"error":  e.Err.Error(),
		})
	}
	return res
}

func (r *Runner) complianceLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.ComplianceInterval)
	defer ticker.Stop()

	var changes <-chan eventbus.StatusChanged
	if r.status != nil {
		sub := r.status.Subscribe()
		defer r.status.Unsubscribe(sub)
		changes = sub
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.monitor.EvaluateActive(ctx, r.cfg.TenantID); err != nil && ctx.Err() == nil {
				r.log.Errorf("evaluating compliance: %v", err)
			}
		case ch, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if ch.EventType != domain.EventBreak && ch.To != domain.EventInProgress {
				continue
			}
			if _, err := r.monitor.Evaluate(ctx, ch.PlanID); err != nil && ctx.Err() == nil {
				r.log.Warnf("evaluating compliance for %s: %v", ch.PlanID, err)
			}
		}
	}
}

func (r *Runner) probeLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.ProbeInterval)
	defer ticker.Stop()
	online := false
	for {
		pctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
		err := r.probe.Ping(pctx)
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if now := err == nil; now != online {
			online = now
			r.log.Infow("connectivity changed", map[string]any{"online": online})
			r.sync.SetOnline(online)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
