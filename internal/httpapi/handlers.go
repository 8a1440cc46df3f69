package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/luuplife/server/internal/files"
	"github.com/luuplife/server/internal/live"
	"github.com/luuplife/server/internal/protocol"
	"github.com/luuplife/server/internal/session"
	"github.com/luuplife/server/internal/ws"
)

const (
	// maxFormBytes bounds the body of non-upload form requests.
	maxFormBytes = 1 << 20
	// maxMemoryBytes is the part of a multipart body kept in memory.
	maxMemoryBytes = 8 << 20
)

type healthResponse struct {
	Status    string    `json:"status"`
	Durable   string    `json:"durable"`
	Timestamp time.Time `json:"timestamp"`
}

type fileResponse struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

// sessionResponse is the public view of a session. Only the fields of the
// session's kind are set.
type sessionResponse struct {
	SessionID string       `json:"session_id"`
	Kind      session.Kind `json:"kind"`
	ShareURL  string       `json:"share_url"`
	ExpiresAt time.Time    `json:"expires_at"`

	RoomName string                `json:"room_name,omitempty"`
	Messages []session.ChatMessage `json:"messages,omitempty"`
	Drawings []json.RawMessage     `json:"drawings,omitempty"`
	Files    []fileResponse        `json:"files,omitempty"`

	Questions []string         `json:"questions,omitempty"`
	Poll      *live.PollStatus `json:"poll,omitempty"`
}

type resultsResponse struct {
	SessionID string                 `json:"session_id"`
	Questions []string               `json:"questions"`
	Responses []session.PollResponse `json:"responses"`
}

type linkResponse struct {
	URL string `json:"url"`
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Durable: "disabled", Timestamp: time.Now().UTC()}
	if a.store != nil && a.store.HasDurable() {
		h := a.store.Health()
		resp.Durable = h.String()
		if h == session.HealthUnavailable {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) handleCreateChatRoom(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(w, r); err != nil {
		a.writeError(w, err)
		return
	}
	rec, err := a.svc.CreateChatRoom(r.Context(), r.PostForm.Get("room_name"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a.view(rec))
}

func (a *api) handleCreateWhiteboard(w http.ResponseWriter, r *http.Request) {
	rec, err := a.svc.CreateWhiteboard(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a.view(rec))
}

func (a *api) handleCreateQuickPoll(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(w, r); err != nil {
		a.writeError(w, err)
		return
	}
	minResponses, err := strconv.Atoi(strings.TrimSpace(r.PostForm.Get("min_responses")))
	if err != nil {
		a.writeError(w, badRequest("min_responses must be an integer"))
		return
	}
	rec, err := a.svc.CreateQuickPoll(r.Context(), r.PostForm["questions"], minResponses)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a.view(rec))
}

func (a *api) handleSubmitPoll(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(w, r); err != nil {
		a.writeError(w, err)
		return
	}
	status, err := a.svc.SubmitPoll(r.Context(), chi.URLParam(r, "id"), ws.ClientIP(r), r.PostForm["responses"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *api) handlePollResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	poll, err := a.svc.PollResults(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultsResponse{
		SessionID: id,
		Questions: poll.Questions,
		Responses: poll.Responses,
	})
}

func (a *api) handleUploadPhotos(w http.ResponseWriter, r *http.Request) {
	limits := a.svc.Limits()
	r.Body = http.MaxBytesReader(w, r.Body, limits.MaxSessionBytes+maxFormBytes)
	if err := r.ParseMultipartForm(maxMemoryBytes); err != nil {
		a.writeError(w, formError(err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files"]
	uploads := make([]live.Upload, len(headers))
	for i, fh := range headers {
		uploads[i] = upload(fh)
	}

	rec, err := a.svc.CreatePhotoShare(r.Context(), uploads)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a.view(rec))
}

func upload(fh *multipart.FileHeader) live.Upload {
	return live.Upload{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		Open: func() (io.ReadCloser, error) {
			return fh.Open()
		},
	}
}

func (a *api) handleGetSession(kind session.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := a.svc.Get(r.Context(), chi.URLParam(r, "id"), kind)
		if err != nil {
			a.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a.view(rec))
	}
}

func (a *api) handleDownload(w http.ResponseWriter, r *http.Request) {
	if a.files == nil {
		http.Error(w, "photo sharing is not configured", http.StatusServiceUnavailable)
		return
	}
	id, name := chi.URLParam(r, "id"), chi.URLParam(r, "filename")
	rec, err := a.svc.Get(r.Context(), id, session.KindPhotoShare)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if !hasFile(rec.Payload.(*session.PhotoShare), name) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "file not found"})
		return
	}

	f, info, err := a.files.Open(id, name)
	if errors.Is(err, files.ErrNotFound) || errors.Is(err, files.ErrInvalidName) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "file not found"})
		return
	}
	if err != nil {
		a.writeError(w, err)
		return
	}
	defer f.Close()

	h := w.Header()
	h.Set("Content-Type", live.ContentTypeFor(name))
	h.Set("Cache-Control", "public, max-age=300")
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func hasFile(p *session.PhotoShare, name string) bool {
	for _, f := range p.Files {
		if f.Name == name {
			return true
		}
	}
	return false
}

func (a *api) handleShareLink(w http.ResponseWriter, r *http.Request) {
	kind, ok := live.KindForPath(chi.URLParam(r, "kind"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown session kind"})
		return
	}
	rec, err := a.svc.Get(r.Context(), chi.URLParam(r, "id"), kind)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, linkResponse{URL: live.ShareLink(a.baseURL, kind, rec.ID)})
}

func (a *api) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := a.svc.Delete(r.Context(), id)
	var partial *session.PartialDeleteError
	if errors.As(err, &partial) {
		// The record is gone; the reaper removes the remaining files.
		a.log.Warn("session deleted with leftover files", "session", id, "error", err)
		err = nil
	}
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLive upgrades to a WebSocket and joins the connection to the session.
// The session is checked before the upgrade so unknown ids get a plain 404.
func (a *api) handleLive(kind session.Kind, ch protocol.Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.live == nil {
			http.Error(w, "live sessions are not available", http.StatusServiceUnavailable)
			return
		}
		id := chi.URLParam(r, "id")
		if _, err := a.svc.Get(r.Context(), id, kind); err != nil {
			a.writeError(w, err)
			return
		}

		conn, err := a.live.Upgrade(w, r, id, ch)
		if errors.Is(err, ws.ErrTooManyConnections) {
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
		if err != nil {
			// The upgrader already answered the handshake.
			a.log.Debug("websocket upgrade failed", "session", id, "error", err)
			return
		}

		if err := a.svc.Join(r.Context(), id, kind, conn); err != nil {
			a.log.Debug("session ended before join", "session", id, "conn", conn.ID, "error", err)
			_ = conn.Close()
		}
	}
}

// view renders a record for clients.
func (a *api) view(rec *session.Record) sessionResponse {
	resp := sessionResponse{
		SessionID: rec.ID,
		Kind:      rec.Kind,
		ShareURL:  live.ShareLink(a.baseURL, rec.Kind, rec.ID),
		ExpiresAt: rec.ExpiresAt.UTC(),
	}
	switch p := rec.Payload.(type) {
	case *session.ChatRoom:
		resp.RoomName = p.Name
		resp.Messages = p.Messages
	case *session.Whiteboard:
		resp.Drawings = p.Drawings
	case *session.PhotoShare:
		resp.Files = make([]fileResponse, len(p.Files))
		for i, f := range p.Files {
			resp.Files[i] = fileResponse{
				Name: f.Name,
				Size: f.Size,
				URL:  "/" + live.PathFor(session.KindPhotoShare) + "/" + rec.ID + "/download/" + f.Name,
			}
		}
	case *session.QuickPoll:
		resp.Questions = p.Questions
		status := live.StatusOf(p)
		resp.Poll = &status
	}
	return resp
}
