package types

import "time"

// Post is an image shared to the feed together with a caption and the
// predictions produced for it by the client-side model.
type Post struct {
	// ID is the opaque unique identifier of the post.
	ID string `json:"id" db:"id"`

	// OwnerID references the user who created the post.
	OwnerID string `json:"owner_id" db:"owner_id"`

	// ImageURL is the public URL returned by the media uploader.
	ImageURL string `json:"image_url" db:"image_url"`

	// Caption is optional free text.
	Caption string `json:"caption" db:"caption"`

	// Predictions is an arbitrary document supplied by the caller.
	// Its contents are opaque to the server.
	Predictions map[string]any `json:"predictions" db:"predictions"`

	// LikeCount always equals the number of users in the post's like set.
	LikeCount int `json:"like_count" db:"like_count"`

	// CreatedAt is the creation time and the sole feed sort key.
	CreatedAt time.Time `json:"timestamp" db:"created_at"`
}

// PostView is a post as seen by a particular viewer.
type PostView struct {
	Post

	// HasLiked reports whether the viewer is in the post's like set.
	// Always false for anonymous viewers.
	HasLiked bool `json:"has_liked"`
}

// LikeState is the result of a like or unlike request.
type LikeState struct {
	LikeCount int  `json:"like_count"`
	HasLiked  bool `json:"has_liked"`
}
