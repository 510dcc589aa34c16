package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/p-n-ai/pai-play/internal/apperr"
	"github.com/p-n-ai/pai-play/internal/platform/auth"
)

const maxBodyBytes = 1 << 20

var errForbidden = errors.New("forbidden")

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response not written", "error", err)
	}
}

// writeError maps err to a status code. Content-integrity failures are hidden
// from the caller and logged as an alarm.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := classify(err)
	reqID := middleware.GetReqID(r.Context())

	switch {
	case code == "content_unavailable":
		slog.Error("content integrity violation",
			"alarm", "content_integrity",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", reqID,
			"error", err,
		)
	case status >= http.StatusInternalServerError:
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", reqID,
			"error", err,
		)
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Message: msg, Code: code}})
}

// writeAuthoringError reports a rejected authoring write. There the request
// itself carries the broken quiz, so InvalidState is the caller's error and
// no alarm is raised.
func writeAuthoringError(w http.ResponseWriter, r *http.Request, err error) {
	if apperr.KindOf(err) == apperr.KindInvalidState {
		writeJSON(w, http.StatusConflict, errorBody{Error: errorDetail{Message: err.Error(), Code: "invalid_quiz"}})
		return
	}
	writeError(w, r, err)
}

func classify(err error) (status int, code, msg string) {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return http.StatusNotFound, "not_found", err.Error()
	case apperr.KindInvalidArgument:
		return http.StatusBadRequest, "invalid_argument", err.Error()
	case apperr.KindConflict:
		return http.StatusConflict, "conflict", err.Error()
	case apperr.KindInvalidState:
		return http.StatusServiceUnavailable, "content_unavailable", "content temporarily unavailable"
	}

	switch {
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "unauthenticated", "authentication required"
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, "forbidden", "not allowed for this role"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout", "request timed out"
	}
	return http.StatusInternalServerError, "internal", "internal error"
}

// decode reads a JSON request body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.InvalidArgument("httpapi.decode", "request body is required")
		}
		return apperr.InvalidArgument("httpapi.decode", "invalid JSON body: %v", err)
	}
	return nil
}

func identity(r *http.Request) (auth.Identity, error) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		return auth.Identity{}, auth.ErrMissingToken
	}
	return id, nil
}

// targetUser resolves whose progress a request addresses. Only authoring roles
// may name another user.
func targetUser(id auth.Identity, userID string) (string, error) {
	if userID == "" || userID == id.UserID {
		return id.UserID, nil
	}
	if !id.Role.CanAuthor() {
		return "", fmt.Errorf("act on user %s: %w", userID, errForbidden)
	}
	return userID, nil
}
