package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dogchuchu/apiserver/types"
	"github.com/google/uuid"
)

// PostRepository handles persistence for posts and their likes.
type PostRepository struct {
	db *sql.DB
}

func NewPostRepository(db *sql.DB) *PostRepository {
	return &PostRepository{db: db}
}

func (r *PostRepository) Create(ctx context.Context, post types.Post) (types.Post, error) {
	post.ID = uuid.NewString()
	post.LikeCount = 0
	if post.CreatedAt.IsZero() {
		post.CreatedAt = time.Now().UTC()
	}
	if post.Predictions == nil {
		post.Predictions = map[string]any{}
	}

	predictionsJSON, err := json.Marshal(post.Predictions)
	if err != nil {
		return types.Post{}, err
	}

	const query = `
		INSERT INTO posts (id, owner_id, image_url, caption, predictions, like_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := r.db.ExecContext(
		ctx,
		query,
		post.ID,
		post.OwnerID,
		post.ImageURL,
		post.Caption,
		predictionsJSON,
		post.LikeCount,
		post.CreatedAt,
	); err != nil {
		return types.Post{}, err
	}
	return post, nil
}

// Get returns one post. HasLiked is computed for viewerID and is false when
// viewerID is empty.
func (r *PostRepository) Get(ctx context.Context, id, viewerID string) (types.PostView, error) {
	const query = `
		SELECT p.id, p.owner_id, p.image_url, p.caption, p.predictions, p.like_count, p.created_at,
		       EXISTS (
		           SELECT 1 FROM post_likes l WHERE l.post_id = p.id AND l.user_id = $2
		       ) AS has_liked
		FROM posts p
		WHERE p.id = $1`
	var view types.PostView
	var predictionsJSON []byte
	err := r.db.QueryRowContext(ctx, query, id, viewerID).Scan(
		&view.ID,
		&view.OwnerID,
		&view.ImageURL,
		&view.Caption,
		&predictionsJSON,
		&view.LikeCount,
		&view.CreatedAt,
		&view.HasLiked,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.PostView{}, ErrNotFound
		}
		return types.PostView{}, err
	}
	if view.Predictions, err = decodePredictions(view.ID, predictionsJSON); err != nil {
		return types.PostView{}, err
	}
	return view, nil
}

// List returns posts newest first. An empty ownerID lists every post.
// HasLiked is computed for viewerID and is false when viewerID is empty.
func (r *PostRepository) List(ctx context.Context, ownerID, viewerID string) ([]types.PostView, error) {
	const query = `
		SELECT p.id, p.owner_id, p.image_url, p.caption, p.predictions, p.like_count, p.created_at,
		       EXISTS (
		           SELECT 1 FROM post_likes l WHERE l.post_id = p.id AND l.user_id = $1
		       ) AS has_liked
		FROM posts p
		WHERE $2::text = '' OR p.owner_id = $2
		ORDER BY p.created_at DESC, p.id DESC`
	rows, err := r.db.QueryContext(ctx, query, viewerID, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	posts := make([]types.PostView, 0)
	for rows.Next() {
		var view types.PostView
		var predictionsJSON []byte
		if err := rows.Scan(
			&view.ID,
			&view.OwnerID,
			&view.ImageURL,
			&view.Caption,
			&predictionsJSON,
			&view.LikeCount,
			&view.CreatedAt,
			&view.HasLiked,
		); err != nil {
			return nil, err
		}
		predictions, err := decodePredictions(view.ID, predictionsJSON)
		if err != nil {
			return nil, err
		}
		view.Predictions = predictions
		posts = append(posts, view)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return posts, nil
}

// Like adds userID to the post's like set and bumps like_count in the same
// transaction. The post row is locked so concurrent likers serialize.
// Liking twice leaves the state unchanged.
func (r *PostRepository) Like(ctx context.Context, postID, userID string) (types.LikeState, error) {
	var state types.LikeState
	err := withTx(ctx, r.db, func(ctx context.Context, tx dbtx) error {
		count, err := lockPost(ctx, tx, postID)
		if err != nil {
			return err
		}

		const insert = `
			INSERT INTO post_likes (post_id, user_id, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (post_id, user_id) DO NOTHING`
		result, err := tx.ExecContext(ctx, insert, postID, userID, time.Now().UTC())
		if err != nil {
			return err
		}
		inserted, err := result.RowsAffected()
		if err != nil {
			return err
		}

		if inserted == 1 {
			const bump = `UPDATE posts SET like_count = like_count + 1 WHERE id = $1 RETURNING like_count`
			if err := tx.QueryRowContext(ctx, bump, postID).Scan(&count); err != nil {
				return err
			}
		}

		state = types.LikeState{LikeCount: count, HasLiked: true}
		return nil
	})
	if err != nil {
		return types.LikeState{}, err
	}
	return state, nil
}

// Unlike removes userID from the post's like set and decrements like_count
// in the same transaction. Unliking a post the user never liked is a no-op.
func (r *PostRepository) Unlike(ctx context.Context, postID, userID string) (types.LikeState, error) {
	var state types.LikeState
	err := withTx(ctx, r.db, func(ctx context.Context, tx dbtx) error {
		count, err := lockPost(ctx, tx, postID)
		if err != nil {
			return err
		}

		const remove = `DELETE FROM post_likes WHERE post_id = $1 AND user_id = $2`
		result, err := tx.ExecContext(ctx, remove, postID, userID)
		if err != nil {
			return err
		}
		removed, err := result.RowsAffected()
		if err != nil {
			return err
		}

		if removed == 1 {
			const drop = `UPDATE posts SET like_count = GREATEST(like_count - 1, 0) WHERE id = $1 RETURNING like_count`
			if err := tx.QueryRowContext(ctx, drop, postID).Scan(&count); err != nil {
				return err
			}
		}

		state = types.LikeState{LikeCount: count, HasLiked: false}
		return nil
	})
	if err != nil {
		return types.LikeState{}, err
	}
	return state, nil
}

func decodePredictions(postID string, raw []byte) (map[string]any, error) {
	predictions := map[string]any{}
	if len(raw) == 0 {
		return predictions, nil
	}
	if err := json.Unmarshal(raw, &predictions); err != nil {
		return nil, fmt.Errorf("decode predictions for post %s: %w", postID, err)
	}
	if predictions == nil {
		predictions = map[string]any{}
	}
	return predictions, nil
}

func lockPost(ctx context.Context, tx dbtx, postID string) (int, error) {
	const query = `SELECT like_count FROM posts WHERE id = $1 FOR UPDATE`
	var count int
	if err := tx.QueryRowContext(ctx, query, postID).Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return count, nil
}
