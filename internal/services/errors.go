package services

import (
	"errors"
	"fmt"
)

var (
	ErrEmailInUse            = errors.New("email already in use")
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrNotVerified           = errors.New("email not verified")
	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")
	ErrEmptyUsername         = errors.New("username must not be empty")
	ErrPostNotFound          = errors.New("post not found")
	ErrUploadFailed          = errors.New("upload failed")
	ErrStoreUnavailable      = errors.New("store unavailable")

	ErrInvalidEmail     = errors.New("invalid email address")
	ErrPasswordRequired = errors.New("password is required")
	ErrPasswordTooLong  = errors.New("password must be at most 72 bytes")
	ErrImageRequired    = errors.New("image is required")
)

// UploadError carries the media uploader failure behind ErrUploadFailed.
type UploadError struct {
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("%s: %v", ErrUploadFailed, e.Err)
}

func (e *UploadError) Unwrap() []error {
	return []error{ErrUploadFailed, e.Err}
}

func storeError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
