package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/dogchuchu/apiserver/internal/store"
	"github.com/dogchuchu/apiserver/types"
)

const postImagePrefix = "posts"

// PostRepository defines persistence operations for posts and likes.
// Like and Unlike must be atomic per post.
type PostRepository interface {
	Create(ctx context.Context, post types.Post) (types.Post, error)
	Get(ctx context.Context, id, viewerID string) (types.PostView, error)
	List(ctx context.Context, ownerID, viewerID string) ([]types.PostView, error)
	Like(ctx context.Context, postID, userID string) (types.LikeState, error)
	Unlike(ctx context.Context, postID, userID string) (types.LikeState, error)
}

// FeedService encapsulates post and like use-cases.
type FeedService struct {
	posts    PostRepository
	uploader MediaUploader
	now      func() time.Time
	logger   *slog.Logger
}

func NewFeedService(posts PostRepository, uploader MediaUploader, logger *slog.Logger) *FeedService {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedService{
		posts:    posts,
		uploader: uploader,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// WithClock returns a copy of the service that timestamps new posts with now.
func (s *FeedService) WithClock(now func() time.Time) *FeedService {
	clone := *s
	clone.now = now
	return &clone
}

// CreatePost uploads the image and then persists the post. A failed upload
// persists nothing, and a failed insert deletes the uploaded image.
func (s *FeedService) CreatePost(ctx context.Context, ownerID string, image []byte, caption string, predictions map[string]any) (types.Post, error) {
	if len(image) == 0 {
		return types.Post{}, ErrImageRequired
	}

	imageURL, err := s.uploader.Upload(ctx, postImagePrefix, image)
	if err != nil {
		return types.Post{}, &UploadError{Err: err}
	}

	post, err := s.posts.Create(ctx, types.Post{
		OwnerID:     ownerID,
		ImageURL:    imageURL,
		Caption:     strings.TrimSpace(caption),
		Predictions: predictions,
		CreatedAt:   s.now(),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "create post failed after upload", "owner_id", ownerID, "image_url", imageURL, "error", err)
		removeImage(ctx, s.uploader, s.logger, imageURL)
		return types.Post{}, storeError("create post", err)
	}
	return post, nil
}

// GetPost returns a single post as seen by viewerID, which may be empty.
func (s *FeedService) GetPost(ctx context.Context, postID, viewerID string) (types.PostView, error) {
	view, err := s.posts.Get(ctx, postID, viewerID)
	if err != nil {
		return types.PostView{}, postError("get post", err)
	}
	return view, nil
}

// ListFeed returns every post newest first. viewerID may be empty.
func (s *FeedService) ListFeed(ctx context.Context, viewerID string) ([]types.PostView, error) {
	views, err := s.posts.List(ctx, "", viewerID)
	if err != nil {
		return nil, storeError("list feed", err)
	}
	return views, nil
}

func (s *FeedService) ListOwnPosts(ctx context.Context, ownerID string) ([]types.Post, error) {
	views, err := s.posts.List(ctx, ownerID, "")
	if err != nil {
		return nil, storeError("list own posts", err)
	}
	posts := make([]types.Post, 0, len(views))
	for _, view := range views {
		posts = append(posts, view.Post)
	}
	return posts, nil
}

// ToggleLike adds userID to the post's likers. Liking an already liked
// post changes nothing.
func (s *FeedService) ToggleLike(ctx context.Context, postID, userID string) (types.LikeState, error) {
	state, err := s.posts.Like(ctx, postID, userID)
	if err != nil {
		return types.LikeState{}, postError("like post", err)
	}
	return state, nil
}

// Unlike removes userID from the post's likers if present.
func (s *FeedService) Unlike(ctx context.Context, postID, userID string) (types.LikeState, error) {
	state, err := s.posts.Unlike(ctx, postID, userID)
	if err != nil {
		return types.LikeState{}, postError("unlike post", err)
	}
	return state, nil
}

func postError(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrPostNotFound
	}
	return storeError(op, err)
}
