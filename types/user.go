package types

import "time"

// User represents an account in the system.
// It contains identity, verification state, and profile metadata.
type User struct {
	// ID is the opaque unique identifier of the user. It is assigned at
	// creation and never changes.
	ID string `json:"id" db:"id"`

	// Email is the normalized (trimmed, lower-cased) email address.
	// It is unique across all users.
	Email string `json:"email" db:"email"`

	// PasswordHash stores the bcrypt hash of the user's password.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"password_hash"`

	// Username is the display name chosen by the user. Empty until set.
	Username string `json:"username" db:"username"`

	// IsVerified reports whether the email verification link was followed.
	// It only ever transitions from false to true.
	IsVerified bool `json:"is_verified" db:"is_verified"`

	// ProfilePicture is the public URL of the user's profile picture,
	// or empty when none is set.
	ProfilePicture string `json:"profile_picture" db:"profile_picture"`

	// CreatedAt is the timestamp when the user account was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the user account.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Profile is the public projection of a user returned by profile endpoints.
type Profile struct {
	Username       string `json:"username"`
	ProfilePicture string `json:"profile_picture"`
	Email          string `json:"email"`
}
