package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/dogchuchu/apiserver/internal/services"
	"github.com/go-chi/chi/v5"
)

const verifiedMessage = "Your account has been verified. You can now log in."

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// AuthHandler provides signup, verification and login endpoints.
type AuthHandler struct {
	identity *services.IdentityService
}

// NewAuthHandler constructs an AuthHandler with the provided dependencies.
func NewAuthHandler(identity *services.IdentityService) *AuthHandler {
	return &AuthHandler{identity: identity}
}

// AuthRouter registers auth routes on the given router.
func AuthRouter(r chi.Router, identity *services.IdentityService) {
	handler := NewAuthHandler(identity)

	r.Post("/signup", handler.Signup)
	r.Get("/verify", handler.Verify)
	r.Post("/login", handler.Login)
}

// RequireAuth rejects requests without a valid session token and injects
// the subject into context.
func RequireAuth(authn Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := bearerToken(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			subject, err := authn.Authenticate(r.Context(), tokenString)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			next.ServeHTTP(w, r.WithContext(withSubject(r.Context(), subject)))
		})
	}
}

// OptionalAuth injects the subject when a valid session token is present
// and otherwise lets the request through anonymously.
func OptionalAuth(authn Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokenString, err := bearerToken(r); err == nil {
				if subject, err := authn.Authenticate(r.Context(), tokenString); err == nil {
					r = r.WithContext(withSubject(r.Context(), subject))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Signup creates an unverified account and queues the verification email.
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	res, err := h.identity.Signup(r.Context(), req.Email, req.Password)
	if err != nil {
		writeServiceError(w, r, err, "signup failed")
		return
	}

	writeJSON(w, http.StatusCreated, MessageResponse{Message: res.Message})
}

// Verify consumes the emailed link. Responses are plain text since the
// link is opened in a browser.
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		writeText(w, http.StatusBadRequest, "Verification token is missing.")
		return
	}

	if err := h.identity.Verify(r.Context(), token); err != nil {
		if errors.Is(err, services.ErrInvalidOrExpiredToken) {
			writeText(w, http.StatusBadRequest, "Invalid or expired token.")
			return
		}
		writeServiceError(w, r, err, "verification failed")
		return
	}

	writeText(w, http.StatusOK, verifiedMessage)
}

// Login verifies credentials and returns a session token.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing credentials")
		return
	}

	token, err := h.identity.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeServiceError(w, r, err, "failed to authenticate")
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{Token: token})
}

type CredentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func bearerToken(r *http.Request) (string, error) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return "", errors.New("missing authorization")
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("invalid authorization")
	}
	return token, nil
}
