package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/luuplife/server/internal/metrics"
)

var errCorruptRecord = errors.New("session: corrupt record")

// Config holds the lifetime parameters of the store. ReadGrace and ReapGrace
// are independent knobs; ReapGrace must exceed ReadGrace so a reader never
// observes a record the reaper has already decided to delete.
type Config struct {
	TTL           time.Duration // fixed lifetime of a session
	ReadGrace     time.Duration // extra window during which Get still returns an expired record
	ReapGrace     time.Duration // extra window during which the reaper leaves an expired record alone
	ReapInterval  time.Duration // reaper period; also extends backend retention
	ProbeInterval time.Duration // minimum delay between durable backend re-probes
}

// DefaultConfig returns the production lifetime settings.
func DefaultConfig() Config {
	return Config{
		TTL:           20 * time.Minute,
		ReadGrace:     2 * time.Minute,
		ReapGrace:     5 * time.Minute,
		ReapInterval:  5 * time.Minute,
		ProbeInterval: 30 * time.Second,
	}
}

// Validate checks the relationships between the lifetime parameters.
func (c Config) Validate() error {
	switch {
	case c.TTL <= 0:
		return fmt.Errorf("session: ttl must be positive")
	case c.ReadGrace < 0:
		return fmt.Errorf("session: read grace must not be negative")
	case c.ReapGrace <= c.ReadGrace:
		return fmt.Errorf("session: reap grace (%s) must exceed read grace (%s)", c.ReapGrace, c.ReadGrace)
	case c.ReapInterval <= 0:
		return fmt.Errorf("session: reap interval must be positive")
	case c.ProbeInterval < 0:
		return fmt.Errorf("session: probe interval must not be negative")
	}
	return nil
}

// SideStorage removes data owned by a session outside the store, such as
// uploaded files.
type SideStorage interface {
	DeleteAll(ctx context.Context, sessionID string) error
}

// SideStorageLister is implemented by side storage that can enumerate the
// sessions it holds data for, with the last modification time of each. The
// reaper uses it to remove data whose record is gone.
type SideStorageLister interface {
	ListSessions(ctx context.Context) (map[string]time.Time, error)
}

// Notifier is told about every session that ended, whether deleted by its
// owner or by the reaper.
type Notifier interface {
	SessionEnded(sessionID string)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(sessionID string)

// SessionEnded calls f(sessionID).
func (f NotifierFunc) SessionEnded(sessionID string) { f(sessionID) }

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithSideStorage sets the side storage cleaned up on delete.
func WithSideStorage(ss SideStorage) Option {
	return func(s *Store) { s.side = ss }
}

// WithNotifier sets the session-ended notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Store) { s.notify = n }
}

// Store is the session store. It prefers the durable backend and switches to
// the memory backend when the durable one fails, favouring availability over
// consistency: during an outage, sessions live only in this process.
type Store struct {
	cfg     Config
	durable Backend
	memory  Backend
	side    SideStorage
	notify  Notifier
	log     *slog.Logger
	now     func() time.Time
	health  healthTracker
}

// NewStore creates a store. durable may be nil to run on memory only; a nil
// memory backend is replaced by a MemoryBackend sharing the store's clock.
func NewStore(cfg Config, durable, memory Backend, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Store{
		cfg:     cfg,
		durable: durable,
		memory:  memory,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "session")
	if s.memory == nil {
		s.memory = NewMemoryBackend(s.now)
	}
	if s.durable == nil {
		s.health.state.Store(int32(HealthUnavailable))
		metrics.BackendHealthy.Set(0)
		s.log.Warn("no durable backend configured, sessions are kept in memory only")
	}
	return s, nil
}

// Config returns the lifetime parameters of the store.
func (s *Store) Config() Config {
	return s.cfg
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// Create stores a new session and returns it. A nil payload selects the empty
// payload of kind.
func (s *Store) Create(ctx context.Context, kind Kind, payload Payload) (*Record, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if payload == nil {
		payload, _ = EmptyPayload(kind)
	}
	if payload.Kind() != kind {
		return nil, fmt.Errorf("%w: %s payload for %s session", ErrKindMismatch, payload.Kind(), kind)
	}

	now := s.now().Round(0).UTC()
	rec := &Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.TTL),
		Payload:   payload.clone(),
	}

	b, err := s.persist(ctx, rec, nil)
	if err != nil {
		return nil, err
	}
	metrics.SessionsCreated.WithLabelValues(string(kind), b.Name()).Inc()
	s.log.Debug("session created", "session", rec.ID, "kind", kind, "backend", b.Name())
	return rec, nil
}

// Get returns the session with the given id, or nil when it is unknown or
// expired past the read grace period. Backend failures are absorbed.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	rec, _, err := s.load(ctx, id)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if errors.Is(err, errCorruptRecord) {
		s.log.Error("unreadable session record", "session", id, "error", err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !rec.VisibleAt(s.now(), s.cfg.ReadGrace) {
		return nil, nil
	}
	return rec, nil
}

// Update merges patch into the payload of a visible session and writes it
// back with the same expiry. It returns the updated record, or nil without
// writing anything when the session is absent; absent sessions are never
// recreated. Concurrent updates of one session are last-writer-wins.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (*Record, error) {
	rec, src, err := s.load(ctx, id)
	if errors.Is(err, ErrKeyNotFound) || errors.Is(err, errCorruptRecord) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !rec.VisibleAt(s.now(), s.cfg.ReadGrace) {
		return nil, nil
	}

	merged, err := Merge(rec.Payload, patch)
	if err != nil {
		return nil, err
	}
	rec.Payload = merged

	if _, err := s.persist(ctx, rec, src); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes a session from both backends and deletes its side storage.
// A failure to remove the side storage yields a *PartialDeleteError.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.remove(ctx, id, "explicit")
}

// IDs returns the ids of every session held by a reachable backend,
// including expired ones that have not been reaped yet.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	if s.useDurable(ctx) {
		keys, err := s.durable.Keys(ctx, KeyPrefix)
		switch {
		case err == nil:
			s.markHealthy()
			addIDs(seen, keys)
		case errors.Is(err, ErrBackendUnavailable):
			s.markUnavailable(err)
		default:
			return nil, err
		}
	}
	keys, err := s.memory.Keys(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("session: list memory keys: %w", err)
	}
	addIDs(seen, keys)

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids, nil
}

// Close releases the durable backend connection.
func (s *Store) Close() error {
	var errs []error
	if s.durable != nil {
		errs = append(errs, s.durable.Close())
	}
	errs = append(errs, s.memory.Close())
	return errors.Join(errs...)
}

// load reads a record ignoring the grace period. It returns the backend the
// record was read from.
func (s *Store) load(ctx context.Context, id string) (*Record, Backend, error) {
	key := Key(id)
	durableDown := false

	if s.useDurable(ctx) {
		data, err := s.durable.Get(ctx, key)
		switch {
		case err == nil:
			s.markHealthy()
			rec, err := decodeRecord(data)
			return rec, s.durable, err
		case errors.Is(err, ErrKeyNotFound):
			s.markHealthy()
		case errors.Is(err, ErrBackendUnavailable):
			s.markUnavailable(err)
			durableDown = true
		default:
			return nil, nil, err
		}
	} else if s.durable != nil {
		durableDown = true
	}

	data, err := s.memory.Get(ctx, key)
	switch {
	case err == nil:
		rec, err := decodeRecord(data)
		return rec, s.memory, err
	case errors.Is(err, ErrKeyNotFound):
		return nil, nil, ErrKeyNotFound
	case errors.Is(err, ErrBackendUnavailable) && (durableDown || s.durable == nil):
		return nil, nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	case errors.Is(err, ErrBackendUnavailable):
		s.log.Warn("memory backend read failed", "session", id, "error", err)
		return nil, nil, ErrKeyNotFound
	default:
		return nil, nil, err
	}
}

// persist writes rec to src, or to the preferred backend when src is nil or
// the durable backend. A durable failure falls back to memory.
func (s *Store) persist(ctx context.Context, rec *Record, src Backend) (Backend, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("session: marshal record: %w", err)
	}
	key := Key(rec.ID)
	ttl := s.retention(rec)

	if src != s.memory && s.useDurable(ctx) {
		err := s.durable.Put(ctx, key, data, ttl)
		if err == nil {
			s.markHealthy()
			return s.durable, nil
		}
		if !errors.Is(err, ErrBackendUnavailable) {
			return nil, err
		}
		s.markUnavailable(err)
	}

	if err := s.memory.Put(ctx, key, data, ttl); err != nil {
		s.log.Error("session write failed on every backend", "session", rec.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return s.memory, nil
}

// retention is how long a backend keeps a record: past expiry and reap grace
// by two reaper periods, so the reaper always gets a chance to remove the
// side storage before the backend drops the record on its own.
func (s *Store) retention(rec *Record) time.Duration {
	return rec.ExpiresAt.Add(s.cfg.ReapGrace + 2*s.cfg.ReapInterval).Sub(s.now())
}

func (s *Store) remove(ctx context.Context, id, cause string) error {
	key := Key(id)

	if s.durable != nil {
		if err := s.durable.Delete(ctx, key); err != nil {
			if !errors.Is(err, ErrBackendUnavailable) {
				return fmt.Errorf("session: delete %s: %w", id, err)
			}
			s.markUnavailable(err)
			s.log.Warn("record may linger in durable backend", "session", id, "error", err)
		}
	}
	if err := s.memory.Delete(ctx, key); err != nil {
		s.log.Warn("memory delete failed", "session", id, "error", err)
	}

	var result error
	if s.side != nil {
		if err := s.side.DeleteAll(ctx, id); err != nil {
			metrics.PartialDeleteFailures.Inc()
			s.log.Error("side storage removal failed, files may leak until the next sweep",
				"session", id, "cause", cause, "error", err)
			result = &PartialDeleteError{ID: id, Err: err}
		}
	}

	metrics.SessionsDeleted.WithLabelValues(cause).Inc()
	if s.notify != nil {
		s.notify.SessionEnded(id)
	}
	s.log.Debug("session deleted", "session", id, "cause", cause)
	return result
}

func decodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptRecord, err)
	}
	return &rec, nil
}

func addIDs(set map[string]struct{}, keys []string) {
	for _, k := range keys {
		set[strings.TrimPrefix(k, KeyPrefix)] = struct{}{}
	}
}
