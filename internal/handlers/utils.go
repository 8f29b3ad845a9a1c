package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dogchuchu/apiserver/internal/services"
)

type contextKey string

const contextSubjectKey contextKey = "sub"

// ErrorResponse is a simple error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse carries a human readable confirmation.
type MessageResponse struct {
	Message string `json:"message"`
}

// Healthz reports liveness.
func Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func withSubject(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextSubjectKey, userID)
}

func userIDFromContext(ctx context.Context) (string, error) {
	subject, ok := ctx.Value(contextSubjectKey).(string)
	if !ok {
		return "", errors.New("missing subject")
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("invalid subject")
	}
	return subject, nil
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// writeServiceError maps a service failure onto a status and message.
// Unknown failures are logged and reported with fallback.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, services.ErrEmailInUse):
		writeError(w, http.StatusConflict, services.ErrEmailInUse.Error())
	case errors.Is(err, services.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, services.ErrInvalidCredentials.Error())
	case errors.Is(err, services.ErrNotVerified):
		writeError(w, http.StatusUnauthorized, "please verify your account: check your email for the verification link")
	case errors.Is(err, services.ErrInvalidOrExpiredToken):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, services.ErrEmptyUsername),
		errors.Is(err, services.ErrInvalidEmail),
		errors.Is(err, services.ErrPasswordRequired),
		errors.Is(err, services.ErrPasswordTooLong),
		errors.Is(err, services.ErrImageRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrPostNotFound):
		writeError(w, http.StatusNotFound, services.ErrPostNotFound.Error())
	case errors.Is(err, services.ErrUploadFailed):
		slog.ErrorContext(r.Context(), "upload failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadGateway, services.ErrUploadFailed.Error())
	default:
		slog.ErrorContext(r.Context(), fallback, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func readFileLimited(reader io.Reader, limit int64) ([]byte, error) {
	limited := io.LimitReader(reader, limit+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, errors.New("failed to read upload")
	}
	if int64(len(data)) > limit {
		return nil, errUploadTooLarge
	}
	return data, nil
}
