// Package httpapi exposes the session services over HTTP: REST endpoints to
// create and read sessions, photo downloads, and the WebSocket endpoints of
// the live session kinds.
package httpapi

import (
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/luuplife/server/internal/live"
	"github.com/luuplife/server/internal/metrics"
	"github.com/luuplife/server/internal/protocol"
	"github.com/luuplife/server/internal/ratelimit"
	"github.com/luuplife/server/internal/session"
	"github.com/luuplife/server/internal/ws"
)

// FileOpener opens the stored photos of a session.
type FileOpener interface {
	Open(sessionID, name string) (*os.File, os.FileInfo, error)
}

// Upgrader turns an HTTP request into a live connection.
type Upgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request, sessionID string, ch protocol.Channel) (*ws.Connection, error)
}

// Deps are the collaborators of the HTTP API. Files and Live may be nil, in
// which case downloads and WebSocket endpoints answer 503.
type Deps struct {
	Service *live.Service
	Store   *session.Store
	Files   FileOpener
	Live    Upgrader
	Limiter *ratelimit.Limiter
	BaseURL string
	// AllowedOrigins are the browser origins allowed to call the API.
	// Empty allows every origin.
	AllowedOrigins []string
	Logger         *slog.Logger
}

type api struct {
	svc     *live.Service
	store   *session.Store
	files   FileOpener
	live    Upgrader
	limiter *ratelimit.Limiter
	baseURL string
	log     *slog.Logger
}

// NewHandler returns the router serving every HTTP endpoint.
func NewHandler(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{
		svc:     d.Service,
		store:   d.Store,
		files:   d.Files,
		live:    d.Live,
		limiter: d.Limiter,
		baseURL: d.BaseURL,
		log:     logger.With("component", "http"),
	}

	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Requested-With"},
		ExposedHeaders: []string{"Retry-After", "X-RateLimit-Remaining", "Content-Length"},
		MaxAge:         300,
	}))

	r.Get("/health", a.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(a.limitCreate)
			r.Post("/chat-room/create", a.handleCreateChatRoom)
			r.Post("/whiteboard/create", a.handleCreateWhiteboard)
			r.Post("/quick-poll/create", a.handleCreateQuickPoll)
			r.Post("/photo-share/upload", a.handleUploadPhotos)
		})
		r.Post("/quick-poll/{id}/submit", a.handleSubmitPoll)
		r.Get("/quick-poll/{id}/results", a.handlePollResults)
		r.Get("/{kind}/{id}/link", a.handleShareLink)
		r.Delete("/sessions/{id}", a.handleDelete)
	})

	r.Get("/chat-room/{id}", a.handleGetSession(session.KindChatRoom))
	r.Get("/whiteboard/{id}", a.handleGetSession(session.KindWhiteboard))
	r.Get("/quick-poll/{id}", a.handleGetSession(session.KindQuickPoll))
	r.Get("/photo-share/{id}", a.handleGetSession(session.KindPhotoShare))
	r.Get("/photo-share/{id}/download/{filename}", a.handleDownload)
	r.Head("/photo-share/{id}/download/{filename}", a.handleDownload)

	r.Get("/ws/chat/{id}", a.handleLive(session.KindChatRoom, protocol.ChannelChat))
	r.Get("/ws/whiteboard/{id}", a.handleLive(session.KindWhiteboard, protocol.ChannelWhiteboard))
	r.Get("/ws/quick-poll/{id}", a.handleLive(session.KindQuickPoll, protocol.ChannelPoll))

	return r
}

// logRequests logs every request at debug level. The wrapped writer keeps
// http.Hijacker so WebSocket upgrades pass through.
func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

// limitCreate applies the per-address creation limit.
func (a *api) limitCreate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ws.ClientIP(r)
		ok, _ := a.limiter.Allow(r.Context(), ip, ratelimit.RuleCreate)
		if !ok {
			a.writeError(w, &live.RateLimitError{
				RetryAfter: a.limiter.RetryAfter(r.Context(), ip, ratelimit.RuleCreate),
			})
			return
		}
		if n, err := a.limiter.Remaining(r.Context(), ip, ratelimit.RuleCreate); err == nil {
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(n))
		}
		next.ServeHTTP(w, r)
	})
}
