package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dogchuchu/apiserver/types"
	"github.com/google/uuid"
)

// MemoryUserRepository keeps users in process memory.
type MemoryUserRepository struct {
	mu      sync.RWMutex
	byID    map[string]types.User
	byEmail map[string]string
}

func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{
		byID:    make(map[string]types.User),
		byEmail: make(map[string]string),
	}
}

func (r *MemoryUserRepository) GetByID(ctx context.Context, id string) (types.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.byID[id]
	if !ok {
		return types.User{}, ErrNotFound
	}
	return user, nil
}

func (r *MemoryUserRepository) GetByEmail(ctx context.Context, email string) (types.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[strings.ToLower(email)]
	if !ok {
		return types.User{}, ErrNotFound
	}
	return r.byID[id], nil
}

func (r *MemoryUserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := strings.ToLower(user.Email)
	if _, exists := r.byEmail[key]; exists {
		return types.User{}, ErrConflict
	}

	now := time.Now().UTC()
	user.ID = uuid.NewString()
	user.IsVerified = false
	user.CreatedAt = now
	user.UpdatedAt = now

	r.byID[user.ID] = user
	r.byEmail[key] = user.ID
	return user, nil
}

func (r *MemoryUserRepository) SetVerified(ctx context.Context, id string) error {
	return r.update(id, func(u *types.User) { u.IsVerified = true })
}

func (r *MemoryUserRepository) UpdateUsername(ctx context.Context, id, username string) error {
	return r.update(id, func(u *types.User) { u.Username = username })
}

func (r *MemoryUserRepository) UpdateProfilePicture(ctx context.Context, id, url string) error {
	return r.update(id, func(u *types.User) { u.ProfilePicture = url })
}

func (r *MemoryUserRepository) update(id string, mutate func(*types.User)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	mutate(&user)
	user.UpdatedAt = time.Now().UTC()
	r.byID[id] = user
	return nil
}

type memoryPost struct {
	post    types.Post
	likedBy map[string]struct{}
}

func (e *memoryPost) view(viewerID string) types.PostView {
	view := types.PostView{Post: snapshot(e.post)}
	if viewerID != "" {
		_, view.HasLiked = e.likedBy[viewerID]
	}
	return view
}

// snapshot detaches a post from the stored copy so callers cannot mutate
// the repository through its predictions.
func snapshot(post types.Post) types.Post {
	post.Predictions = copyPredictions(post.Predictions)
	return post
}

func copyPredictions(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = copyValue(v)
	}
	return dst
}

func copyValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return copyPredictions(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}

// MemoryPostRepository keeps posts in process memory. A single mutex guards
// every post, so a like's membership check and count change are one unit.
type MemoryPostRepository struct {
	mu    sync.RWMutex
	posts map[string]*memoryPost
	now   func() time.Time
}

func NewMemoryPostRepository() *MemoryPostRepository {
	return &MemoryPostRepository{
		posts: make(map[string]*memoryPost),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryPostRepository) Create(ctx context.Context, post types.Post) (types.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	post.ID = uuid.NewString()
	post.LikeCount = 0
	if post.CreatedAt.IsZero() {
		post.CreatedAt = r.now()
	}
	post.Predictions = copyPredictions(post.Predictions)

	r.posts[post.ID] = &memoryPost{post: post, likedBy: make(map[string]struct{})}
	return snapshot(post), nil
}

func (r *MemoryPostRepository) Get(ctx context.Context, id, viewerID string) (types.PostView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.posts[id]
	if !ok {
		return types.PostView{}, ErrNotFound
	}
	return entry.view(viewerID), nil
}

func (r *MemoryPostRepository) List(ctx context.Context, ownerID, viewerID string) ([]types.PostView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	posts := make([]types.PostView, 0, len(r.posts))
	for _, entry := range r.posts {
		if ownerID != "" && entry.post.OwnerID != ownerID {
			continue
		}
		posts = append(posts, entry.view(viewerID))
	}

	sort.Slice(posts, func(i, j int) bool {
		if posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].ID > posts[j].ID
		}
		return posts[i].CreatedAt.After(posts[j].CreatedAt)
	})
	return posts, nil
}

func (r *MemoryPostRepository) Like(ctx context.Context, postID, userID string) (types.LikeState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.posts[postID]
	if !ok {
		return types.LikeState{}, ErrNotFound
	}
	if _, liked := entry.likedBy[userID]; !liked {
		entry.likedBy[userID] = struct{}{}
		entry.post.LikeCount++
	}
	return types.LikeState{LikeCount: entry.post.LikeCount, HasLiked: true}, nil
}

func (r *MemoryPostRepository) Unlike(ctx context.Context, postID, userID string) (types.LikeState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.posts[postID]
	if !ok {
		return types.LikeState{}, ErrNotFound
	}
	if _, liked := entry.likedBy[userID]; liked {
		delete(entry.likedBy, userID)
		entry.post.LikeCount--
	}
	return types.LikeState{LikeCount: entry.post.LikeCount, HasLiked: false}, nil
}

// LikedBy returns the ids of users who liked the post.
func (r *MemoryPostRepository) LikedBy(postID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.posts[postID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(entry.likedBy))
	for id := range entry.likedBy {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
