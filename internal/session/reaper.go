package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/luuplife/server/internal/metrics"
)

// ReaperConfig holds reaper tuning parameters.
type ReaperConfig struct {
	Interval time.Duration // time between cycles (default: the store's ReapInterval)
}

// ReapReport summarizes one reaper cycle.
type ReapReport struct {
	Scanned int // ids listed by the backends
	Reaped  int // expired sessions deleted
	Orphans int // listed keys without a readable record, plus orphan side storage
	Failed  int // items that could not be processed
}

// Reaper periodically deletes sessions whose reap grace period has passed,
// together with their side storage.
type Reaper struct {
	store    *Store
	interval time.Duration
	log      *slog.Logger
}

// NewReaper creates a reaper for store. A zero interval selects the store's
// configured ReapInterval.
func NewReaper(store *Store, cfg ReaperConfig, logger *slog.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = store.cfg.ReapInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		store:    store,
		interval: cfg.Interval,
		log:      logger.With("component", "reaper"),
	}
}

// Run executes a cycle every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("reaper started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopped")
			return
		case <-ticker.C:
			r.safeCycle(ctx)
		}
	}
}

func (r *Reaper) safeCycle(ctx context.Context) {
	defer func() {
		if v := recover(); v != nil {
			r.log.Error("reaper cycle panicked", "panic", v)
		}
	}()
	r.RunOnce(ctx)
}

// RunOnce performs a single cycle. It never aborts on a per-item error and
// stops between items when ctx is cancelled.
func (r *Reaper) RunOnce(ctx context.Context) ReapReport {
	start := time.Now()
	var rep ReapReport
	defer func() {
		metrics.ReapCycles.Observe(time.Since(start).Seconds())
	}()

	ids, err := r.store.IDs(ctx)
	if err != nil {
		r.log.Error("listing sessions failed", "error", err)
		rep.Failed++
		return rep
	}
	rep.Scanned = len(ids)

	live := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			r.log.Info("reaper cycle cancelled", "scanned", rep.Scanned, "reaped", rep.Reaped)
			return rep
		}
		switch r.reapOne(ctx, id) {
		case outcomeLive:
			live[id] = struct{}{}
		case outcomeReaped:
			rep.Reaped++
		case outcomeOrphan:
			rep.Orphans++
		case outcomeFailed:
			live[id] = struct{}{}
			rep.Failed++
			metrics.ReapItemErrors.Inc()
		}
	}

	if ctx.Err() == nil {
		orphans, failed := r.sweepSideStorage(ctx, live)
		rep.Orphans += orphans
		rep.Failed += failed
	}

	if rep.Reaped > 0 || rep.Orphans > 0 || rep.Failed > 0 {
		r.log.Info("reaper cycle finished",
			"scanned", rep.Scanned, "reaped", rep.Reaped, "orphans", rep.Orphans,
			"failed", rep.Failed, "took", time.Since(start).Round(time.Millisecond))
	}
	return rep
}

type reapOutcome int

const (
	outcomeLive reapOutcome = iota
	outcomeReaped
	outcomeOrphan
	outcomeFailed
)

func (r *Reaper) reapOne(ctx context.Context, id string) reapOutcome {
	rec, _, err := r.store.load(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, ErrKeyNotFound) && r.store.durable != nil && r.store.Health() == HealthUnavailable:
		// The record may still live in the durable backend.
		return outcomeFailed
	case errors.Is(err, ErrKeyNotFound), errors.Is(err, errCorruptRecord):
		// Listed but unreadable: hidden by its stored expiry or undecodable.
		if err := r.store.remove(ctx, id, "orphan"); err != nil {
			r.log.Warn("removing orphan failed", "session", id, "error", err)
			return outcomeFailed
		}
		return outcomeOrphan
	default:
		r.log.Warn("reading session failed", "session", id, "error", err)
		return outcomeFailed
	}

	if !rec.ReapableAt(r.store.now(), r.store.cfg.ReapGrace) {
		return outcomeLive
	}
	if err := r.store.remove(ctx, id, "expired"); err != nil {
		r.log.Warn("reaping session failed", "session", id, "error", err)
		return outcomeFailed
	}
	r.log.Debug("session reaped", "session", id, "kind", rec.Kind)
	return outcomeReaped
}

// sweepSideStorage removes side storage left behind by sessions that no
// longer have a record, such as memory-only sessions lost in a restart or
// earlier partial deletes. Only data older than TTL + ReapGrace is touched so
// a session created during the cycle is never affected.
func (r *Reaper) sweepSideStorage(ctx context.Context, live map[string]struct{}) (orphans, failed int) {
	lister, ok := r.store.side.(SideStorageLister)
	if !ok {
		return 0, 0
	}
	dirs, err := lister.ListSessions(ctx)
	if err != nil {
		r.log.Warn("listing side storage failed", "error", err)
		return 0, 1
	}

	cutoff := r.store.now().Add(-(r.store.cfg.TTL + r.store.cfg.ReapGrace))
	for id, modified := range dirs {
		if ctx.Err() != nil {
			return orphans, failed
		}
		if _, ok := live[id]; ok || modified.After(cutoff) {
			continue
		}
		if err := r.store.side.DeleteAll(ctx, id); err != nil {
			r.log.Warn("removing orphan side storage failed", "session", id, "error", err)
			metrics.ReapItemErrors.Inc()
			failed++
			continue
		}
		r.log.Debug("orphan side storage removed", "session", id)
		orphans++
	}
	return orphans, failed
}
