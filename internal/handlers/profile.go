package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/dogchuchu/apiserver/internal/services"
	"github.com/go-chi/chi/v5"
)

// ProfileHandler serves the authenticated user's profile.
type ProfileHandler struct {
	identity *services.IdentityService
}

func NewProfileHandler(identity *services.IdentityService) *ProfileHandler {
	return &ProfileHandler{identity: identity}
}

// ProfileRouter registers profile routes. Every route requires auth.
func ProfileRouter(r chi.Router, identity *services.IdentityService, authMiddleware func(http.Handler) http.Handler) {
	handler := NewProfileHandler(identity)

	r.Use(authMiddleware)
	r.Get("/", handler.GetProfile)
	r.Put("/username", handler.UpdateUsername)
	r.Put("/picture", handler.UpdatePicture)
	r.Delete("/picture", handler.ClearPicture)
}

func (h *ProfileHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	profile, err := h.identity.GetProfile(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err, "failed to load profile")
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *ProfileHandler) UpdateUsername(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req UsernameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	username, err := h.identity.UpdateUsername(r.Context(), userID, req.Username)
	if err != nil {
		writeServiceError(w, r, err, "failed to update username")
		return
	}
	writeJSON(w, http.StatusOK, UsernameRequest{Username: username})
}

func (h *ProfileHandler) UpdatePicture(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	image, err := parseImageForm(w, r)
	if err != nil {
		writeUploadError(w, err)
		return
	}

	pictureURL, err := h.identity.UpdateProfilePicture(r.Context(), userID, image)
	if err != nil {
		writeServiceError(w, r, err, "failed to update profile picture")
		return
	}
	writeJSON(w, http.StatusOK, ProfilePictureResponse{ProfilePicture: pictureURL})
}

func (h *ProfileHandler) ClearPicture(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	pictureURL, err := h.identity.ClearProfilePicture(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err, "failed to clear profile picture")
		return
	}
	writeJSON(w, http.StatusOK, ProfilePictureResponse{ProfilePicture: pictureURL})
}

type UsernameRequest struct {
	Username string `json:"username"`
}

type ProfilePictureResponse struct {
	ProfilePicture string `json:"profile_picture"`
}
