package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/luuplife/server/internal/live"
	"github.com/luuplife/server/internal/session"
)

type errorResponse struct {
	Error string `json:"error"`
}

// requestError is a malformed request detected by the HTTP layer itself.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{msg: msg} }

// formError converts a body parsing failure into a client error.
func formError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return badRequest("request body too large")
	}
	return badRequest("malformed form: " + err.Error())
}

// parseForm parses url-encoded and multipart bodies.
func parseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	var err error
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		err = r.ParseMultipartForm(maxFormBytes)
	} else {
		err = r.ParseForm()
	}
	if err != nil {
		return formError(err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors to HTTP status codes.
func (a *api) writeError(w http.ResponseWriter, err error) {
	var (
		reqErr *requestError
		rl     *live.RateLimitError
	)
	switch {
	case errors.As(err, &reqErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: reqErr.msg})
	case errors.As(err, &rl):
		secs := int((rl.RetryAfter + time.Second - 1) / time.Second)
		if secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limited"})
	case errors.Is(err, live.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found or expired"})
	case errors.Is(err, live.ErrBlocked):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "content was blocked by moderation"})
	case errors.Is(err, live.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: clientMessage(err)})
	case errors.Is(err, live.ErrResultsShown), errors.Is(err, live.ErrResultsPending):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: clientMessage(err)})
	case errors.Is(err, session.ErrStoreUnavailable):
		a.log.Error("session store unavailable", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "service temporarily unavailable"})
	default:
		a.log.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

// clientMessage strips the package prefix from a service error.
func clientMessage(err error) string {
	return strings.TrimPrefix(err.Error(), "live: ")
}
