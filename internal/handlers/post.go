package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dogchuchu/apiserver/internal/services"
	"github.com/dogchuchu/apiserver/types"
	"github.com/go-chi/chi/v5"
)

const (
	formFieldCaption     = "caption"
	formFieldPredictions = "predictions"
)

// PostHandler provides feed, post and like endpoints.
type PostHandler struct {
	feed *services.FeedService
}

func NewPostHandler(feed *services.FeedService) *PostHandler {
	return &PostHandler{feed: feed}
}

// PostRouter registers post routes. The feed is public; viewers with a
// valid token additionally see their like state.
func PostRouter(
	r chi.Router,
	feed *services.FeedService,
	requireAuth func(http.Handler) http.Handler,
	optionalAuth func(http.Handler) http.Handler,
) {
	handler := NewPostHandler(feed)

	r.With(optionalAuth).Get("/", handler.ListFeed)
	r.With(requireAuth).Post("/", handler.CreatePost)
	r.With(requireAuth).Get("/mine", handler.ListOwnPosts)
	r.With(optionalAuth).Get("/{postID}", handler.GetPost)
	r.Route("/{postID}/like", func(r chi.Router) {
		r.Use(requireAuth)
		r.Post("/", handler.Like)
		r.Delete("/", handler.Unlike)
	})
}

func (h *PostHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
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

	predictions := map[string]any{}
	if raw := strings.TrimSpace(r.FormValue(formFieldPredictions)); raw != "" {
		if err := json.Unmarshal([]byte(raw), &predictions); err != nil {
			writeError(w, http.StatusBadRequest, "predictions must be a JSON object")
			return
		}
	}

	post, err := h.feed.CreatePost(r.Context(), userID, image, r.FormValue(formFieldCaption), predictions)
	if err != nil {
		writeServiceError(w, r, err, "failed to create post")
		return
	}

	writeJSON(w, http.StatusCreated, CreatePostResponse{Message: "Post created", Post: post})
}

// ListFeed returns all posts newest first.
func (h *PostHandler) ListFeed(w http.ResponseWriter, r *http.Request) {
	viewerID, _ := userIDFromContext(r.Context())

	posts, err := h.feed.ListFeed(r.Context(), viewerID)
	if err != nil {
		writeServiceError(w, r, err, "failed to fetch posts")
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

// GetPost returns one post, with the like state when the viewer is known.
func (h *PostHandler) GetPost(w http.ResponseWriter, r *http.Request) {
	viewerID, _ := userIDFromContext(r.Context())

	postID := strings.TrimSpace(chi.URLParam(r, "postID"))
	if postID == "" {
		writeError(w, http.StatusBadRequest, "invalid post id")
		return
	}

	post, err := h.feed.GetPost(r.Context(), postID, viewerID)
	if err != nil {
		writeServiceError(w, r, err, "failed to fetch post")
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (h *PostHandler) ListOwnPosts(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	posts, err := h.feed.ListOwnPosts(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err, "failed to fetch posts")
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

func (h *PostHandler) Like(w http.ResponseWriter, r *http.Request) {
	h.likeAction(w, r, h.feed.ToggleLike)
}

func (h *PostHandler) Unlike(w http.ResponseWriter, r *http.Request) {
	h.likeAction(w, r, h.feed.Unlike)
}

type likeFunc func(ctx context.Context, postID, userID string) (types.LikeState, error)

func (h *PostHandler) likeAction(w http.ResponseWriter, r *http.Request, action likeFunc) {
	userID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	postID := strings.TrimSpace(chi.URLParam(r, "postID"))
	if postID == "" {
		writeError(w, http.StatusBadRequest, "invalid post id")
		return
	}

	state, err := action(r.Context(), postID, userID)
	if err != nil {
		writeServiceError(w, r, err, "failed to update like")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type CreatePostResponse struct {
	Message string     `json:"message"`
	Post    types.Post `json:"post"`
}
