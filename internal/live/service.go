// Package live implements the session features on top of the session store
// and the broadcast hub: chat rooms, whiteboards, quick polls and photo
// shares. Every mutation of a session goes through Service so that the
// stored record and the messages seen by live connections stay in step.
package live

import (
	"context"
	"hash/fnv"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/luuplife/server/internal/broadcast"
	"github.com/luuplife/server/internal/metrics"
	"github.com/luuplife/server/internal/moderation"
	"github.com/luuplife/server/internal/protocol"
	"github.com/luuplife/server/internal/ratelimit"
	"github.com/luuplife/server/internal/session"
)

// lockStripes bounds the number of mutexes used to serialize
// read-modify-write updates of one session.
const lockStripes = 64

// FileStore holds the uploaded files of photo share sessions.
type FileStore interface {
	Save(ctx context.Context, sessionID, ext string, data io.Reader, maxBytes int64) (string, int64, error)
	DeleteAll(ctx context.Context, sessionID string) error
}

// Limits bounds what clients may store in a session.
type Limits struct {
	MaxFiles        int   // files per photo share
	MaxUploadBytes  int64 // bytes per file
	MaxSessionBytes int64 // bytes per photo share
	MaxQuestions    int   // questions per quick poll
	MaxDrawings     int   // drawing events per whiteboard
}

// DefaultLimits returns the production limits.
func DefaultLimits() Limits {
	return Limits{
		MaxFiles:        10,
		MaxUploadBytes:  8 << 20,
		MaxSessionBytes: 64 << 20,
		MaxQuestions:    3,
		MaxDrawings:     20000,
	}
}

// Option configures a Service.
type Option func(*Service)

// WithFilter enables moderation of chat text.
func WithFilter(f *moderation.Filter) Option {
	return func(s *Service) { s.filter = f }
}

// WithLimiter enables rate limiting of live messages.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithLimits replaces DefaultLimits.
func WithLimits(l Limits) Option {
	return func(s *Service) { s.limits = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// Service coordinates the session store, side storage and broadcast hub.
type Service struct {
	store   *session.Store
	hub     *broadcast.Hub
	files   FileStore
	filter  *moderation.Filter
	limiter *ratelimit.Limiter
	limits  Limits
	log     *slog.Logger
	locks   [lockStripes]sync.Mutex
}

// NewService creates a Service. files may be nil when photo shares are
// disabled.
func NewService(store *session.Store, hub *broadcast.Hub, files FileStore, opts ...Option) *Service {
	s := &Service{
		store:  store,
		hub:    hub,
		files:  files,
		limits: DefaultLimits(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "live")
	return s
}

// Limits returns the limits in effect.
func (s *Service) Limits() Limits {
	return s.limits
}

// Get returns the visible session id of the given kind.
func (s *Service) Get(ctx context.Context, id string, kind session.Kind) (*session.Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Kind != kind {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Delete ends a session on behalf of its owner. It waits for an update of the
// same session in progress, which would otherwise write the record back. A
// *session.PartialDeleteError means the record is gone but some files are
// left for the reaper.
func (s *Service) Delete(ctx context.Context, id string) error {
	unlock := s.lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrNotFound
	}
	return s.store.Delete(ctx, id)
}

// Join adds conn to the live members of session id, which must be of kind.
func (s *Service) Join(ctx context.Context, id string, kind session.Kind, conn broadcast.Conn) error {
	if _, err := s.Get(ctx, id, kind); err != nil {
		return err
	}
	s.hub.Connect(id, conn)
	return nil
}

// Leave removes conn from the live members of session id.
func (s *Service) Leave(id string, conn broadcast.Conn) {
	s.hub.Disconnect(id, conn)
}

// SessionEnded tells the live members of a deleted or expired session that it
// ended and closes their connections.
func (s *Service) SessionEnded(id string) {
	if s.hub.Count(id) == 0 {
		return
	}
	msg, err := protocol.NewServerMessage(protocol.TypeSessionEnded, protocol.SessionEndedMsg{SessionID: id})
	if err != nil {
		s.log.Error("failed to build session_ended", "session", id, "error", err)
	} else {
		s.hub.Broadcast(id, msg)
	}
	s.hub.CloseSession(id)
}

// allow applies a rate limit rule. A limiter failure lets the request
// through.
func (s *Service) allow(ctx context.Context, key string, rule ratelimit.Rule) error {
	if s.limiter == nil || key == "" {
		return nil
	}
	ok, _ := s.limiter.Allow(ctx, key, rule)
	if ok {
		return nil
	}
	return &RateLimitError{RetryAfter: s.limiter.RetryAfter(ctx, key, rule)}
}

// moderate returns ErrBlocked when any of texts is rejected by the filter.
// id is empty for sessions that do not exist yet.
func (s *Service) moderate(id string, texts ...string) error {
	if s.filter == nil {
		return nil
	}
	res := s.filter.CheckAll(texts...)
	if !res.Blocked {
		return nil
	}
	metrics.MessagesTotal.WithLabelValues("blocked").Inc()
	s.log.Info("text blocked by moderation", "session", id, "reason", res.Reason, "term", res.Term)
	return ErrBlocked
}

// lock serializes updates of one session. Different sessions may share a
// stripe; that only costs some parallelism.
func (s *Service) lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	mu := &s.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func (s *Service) broadcast(id, msgType string, payload interface{}) {
	msg, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		s.log.Error("failed to build broadcast", "session", id, "type", msgType, "error", err)
		return
	}
	n := s.hub.Broadcast(id, msg)
	s.log.Debug("broadcast", "session", id, "type", msgType, "delivered", n)
}

// notFound converts a nil record returned by Store.Update into ErrNotFound.
func notFound(rec *session.Record, err error) (*session.Record, error) {
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Kind paths used in URLs.
var kindPaths = map[session.Kind]string{
	session.KindPhotoShare: "photo-share",
	session.KindChatRoom:   "chat-room",
	session.KindWhiteboard: "whiteboard",
	session.KindQuickPoll:  "quick-poll",
}

// PathFor returns the URL path segment of kind.
func PathFor(kind session.Kind) string {
	return kindPaths[kind]
}

// KindForPath is the inverse of PathFor.
func KindForPath(p string) (session.Kind, bool) {
	for k, v := range kindPaths {
		if v == p {
			return k, true
		}
	}
	return "", false
}

// ShareLink returns the URL that joins session id.
func ShareLink(baseURL string, kind session.Kind, id string) string {
	return strings.TrimRight(baseURL, "/") + "/" + PathFor(kind) + "/" + id
}
