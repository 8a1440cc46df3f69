package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/luuplife/server/internal/broadcast"
	"github.com/luuplife/server/internal/config"
	"github.com/luuplife/server/internal/files"
	"github.com/luuplife/server/internal/live"
	"github.com/luuplife/server/internal/logging"
	"github.com/luuplife/server/internal/messaging"
	"github.com/luuplife/server/internal/moderation"
	"github.com/luuplife/server/internal/ratelimit"
	"github.com/luuplife/server/internal/session"
)

// app holds the components shared by every command.
type app struct {
	cfg   config.Config
	log   *slog.Logger
	redis *redis.Client // nil in memory-only mode
	nats  *messaging.NATSClient
	limit *ratelimit.Limiter
	files *files.Store
	store *session.Store
	hub   *broadcast.Hub
	svc   *live.Service
}

// newApp loads the configuration and builds the session store with its
// backends. Connections to Redis are lazy; an unreachable server only
// degrades the store to memory.
func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	level, _ := logging.ParseLevel(cfg.LogLevel)
	a := &app{cfg: cfg, log: logging.New(level)}

	a.files, err = files.NewStore(cfg.DataDir, a.log)
	if err != nil {
		return nil, err
	}

	var durable session.Backend
	if cfg.UseRedis() {
		a.redis, err = session.NewRedisClient(cfg.RedisURL, cfg.BackendTimeout)
		if err != nil {
			return nil, err
		}
		durable = session.NewRedisBackend(a.redis, cfg.BackendTimeout)
	}

	if cfg.NATSURL != "" {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		a.nats, err = messaging.NewNATSClient(natsCfg, a.log)
		if err != nil {
			a.close()
			return nil, err
		}
	}

	a.limit = ratelimit.NewLimiter(a.redis, a.log)
	a.hub = broadcast.NewHub(a.log)
	a.store, err = session.NewStore(cfg.Session(), durable, nil,
		session.WithLogger(a.log),
		session.WithSideStorage(a.files),
		session.WithNotifier(session.NotifierFunc(a.sessionEnded)),
	)
	if err != nil {
		a.close()
		return nil, err
	}

	a.svc = live.NewService(a.store, a.hub, a.files,
		live.WithLogger(a.log),
		live.WithLimits(cfg.Limits()),
		live.WithFilter(moderation.NewFilter(moderation.WithAllowedHosts(cfg.PublicHost()))),
		live.WithLimiter(a.limit),
	)

	if a.nats != nil {
		if err := a.nats.SubscribeSessionEnded(a.svc.SessionEnded); err != nil {
			a.close()
			return nil, err
		}
	}

	a.log.Info("configuration loaded",
		"listen_addr", cfg.ListenAddr,
		"redis", cfg.UseRedis(),
		"nats", a.nats != nil,
		"data_dir", cfg.DataDir,
		"ttl", cfg.SessionTTL,
		"read_grace", cfg.ReadGrace,
		"reap_grace", cfg.ReapGrace,
		"reap_interval", cfg.ReapInterval,
	)
	return a, nil
}

// sessionEnded closes the local room of an ended session and tells the
// other instances through NATS.
func (a *app) sessionEnded(id string) {
	if a.svc != nil {
		a.svc.SessionEnded(id)
	}
	if a.nats != nil {
		a.nats.SessionEnded(id)
	}
}

// ping reports whether the durable backend answers. It is informational;
// the store starts either way.
func (a *app) ping(ctx context.Context) {
	if a.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.BackendTimeout)
	defer cancel()
	if err := a.redis.Ping(ctx).Err(); err != nil {
		a.log.Warn("redis unreachable at startup, serving from memory", "error", err)
		return
	}
	a.log.Info("redis connected")
}

// close releases NATS, the hub and the store. The store closes the Redis
// client.
func (a *app) close() {
	if a.nats != nil {
		a.nats.Close()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("session store close error", "error", err)
		}
	} else if a.redis != nil {
		_ = a.redis.Close()
	}
}

func (a *app) newReaper() *session.Reaper {
	return session.NewReaper(a.store, session.ReaperConfig{Interval: a.cfg.ReapInterval}, a.log)
}

func shutdownContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

func describe(r session.ReapReport) string {
	return fmt.Sprintf("scanned=%d reaped=%d orphans=%d failed=%d", r.Scanned, r.Reaped, r.Orphans, r.Failed)
}
