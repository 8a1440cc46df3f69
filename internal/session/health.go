package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/luuplife/server/internal/metrics"
)

// Health is the store's view of the durable backend.
type Health int32

const (
	HealthUnknown Health = iota
	HealthHealthy
	HealthUnavailable
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// healthTracker holds the durable backend state. Transitions are lock-free;
// probing is single-flight and rate limited by the probe interval.
type healthTracker struct {
	state     atomic.Int32
	lastProbe atomic.Int64 // unix nanos of the last failure or probe
	probing   atomic.Bool
}

func (h *healthTracker) get() Health {
	return Health(h.state.Load())
}

// Health returns the current state of the durable backend. A store created
// without a durable backend always reports HealthUnavailable.
func (s *Store) Health() Health {
	return s.health.get()
}

// HasDurable reports whether the store was created with a durable backend.
func (s *Store) HasDurable() bool {
	return s.durable != nil
}

// useDurable reports whether the next operation should go to the durable
// backend. While the backend is unavailable it triggers a lazy re-probe at
// most once per ProbeInterval.
func (s *Store) useDurable(ctx context.Context) bool {
	if s.durable == nil {
		return false
	}
	if s.health.get() != HealthUnavailable {
		return true
	}
	s.maybeProbe(ctx)
	return s.health.get() != HealthUnavailable
}

func (s *Store) maybeProbe(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	last := time.Unix(0, s.health.lastProbe.Load())
	if s.now().Sub(last) < s.cfg.ProbeInterval {
		return
	}
	if !s.health.probing.CompareAndSwap(false, true) {
		return
	}
	defer s.health.probing.Store(false)

	s.health.lastProbe.Store(s.now().UnixNano())
	if err := s.durable.Ping(ctx); err != nil {
		s.log.Debug("durable backend still unavailable", "backend", s.durable.Name(), "error", err)
		return
	}
	s.markHealthy()
}

func (s *Store) markHealthy() {
	prev := Health(s.health.state.Swap(int32(HealthHealthy)))
	if prev == HealthHealthy {
		return
	}
	metrics.BackendHealthy.Set(1)
	if prev == HealthUnavailable {
		s.log.Info("durable backend recovered, resuming writes", "backend", s.durable.Name())
	}
}

// markUnavailable switches the store to the in-memory backend. Data written
// from now on is visible to this process only and lost on restart; it is
// never copied back into the durable backend.
func (s *Store) markUnavailable(err error) {
	s.health.lastProbe.Store(s.now().UnixNano())
	prev := Health(s.health.state.Swap(int32(HealthUnavailable)))
	if prev == HealthUnavailable {
		return
	}
	metrics.BackendFallbacks.Inc()
	metrics.BackendHealthy.Set(0)
	s.log.Warn("durable backend unavailable, falling back to memory",
		"backend", s.durable.Name(), "error", err)
}
