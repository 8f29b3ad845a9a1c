package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"net/url"
	"strings"

	"github.com/dogchuchu/apiserver/internal/auth"
	"github.com/dogchuchu/apiserver/internal/store"
	"github.com/dogchuchu/apiserver/types"
	"golang.org/x/crypto/bcrypt"
)

const (
	SignupMessage = "Signup successful. Check your email to verify your account."

	profilePicturePrefix = "profile-pictures"
	maxEmailLength       = 254
	// bcrypt only reads the first 72 bytes of its input.
	maxPasswordBytes = 72
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (types.User, error)
	GetByEmail(ctx context.Context, email string) (types.User, error)
	Create(ctx context.Context, user types.User) (types.User, error)
	SetVerified(ctx context.Context, id string) error
	UpdateUsername(ctx context.Context, id, username string) error
	UpdateProfilePicture(ctx context.Context, id, url string) error
}

// EmailNotifier delivers verification links. Implementations must not
// block the caller and own their failure handling.
type EmailNotifier interface {
	SendVerification(ctx context.Context, to, verifyURL string)
}

// MediaUploader stores image bytes and returns their public URL. Remove
// takes a URL returned by Upload.
type MediaUploader interface {
	Upload(ctx context.Context, prefix string, data []byte) (string, error)
	Remove(ctx context.Context, url string) error
}

// SignupResult is returned by a successful signup.
type SignupResult struct {
	Message string `json:"message"`
	UserID  string `json:"-"`
}

// IdentityService implements signup, verification, login and profile
// management.
type IdentityService struct {
	users    UserRepository
	tokens   *auth.TokenService
	notifier EmailNotifier
	uploader MediaUploader
	appURL   string
	logger   *slog.Logger
}

func NewIdentityService(
	users UserRepository,
	tokens *auth.TokenService,
	notifier EmailNotifier,
	uploader MediaUploader,
	appURL string,
	logger *slog.Logger,
) *IdentityService {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityService{
		users:    users,
		tokens:   tokens,
		notifier: notifier,
		uploader: uploader,
		appURL:   strings.TrimSuffix(appURL, "/"),
		logger:   logger,
	}
}

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Signup creates an unverified account and queues the verification email.
func (s *IdentityService) Signup(ctx context.Context, email, password string) (SignupResult, error) {
	email = NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return SignupResult{}, err
	}
	if password == "" {
		return SignupResult{}, ErrPasswordRequired
	}
	if len(password) > maxPasswordBytes {
		return SignupResult{}, ErrPasswordTooLong
	}

	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return SignupResult{}, ErrEmailInUse
	} else if !errors.Is(err, store.ErrNotFound) {
		return SignupResult{}, storeError("check email", err)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return SignupResult{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.users.Create(ctx, types.User{
		Email:        email,
		PasswordHash: string(hashed),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return SignupResult{}, ErrEmailInUse
		}
		return SignupResult{}, storeError("create user", err)
	}

	token, err := s.tokens.Issue(user.ID, auth.PurposeVerify)
	if err != nil {
		s.logger.ErrorContext(ctx, "issue verification token failed", "user_id", user.ID, "error", err)
		return SignupResult{Message: SignupMessage, UserID: user.ID}, nil
	}

	if s.notifier != nil {
		s.notifier.SendVerification(ctx, user.Email, s.VerificationURL(token))
	}
	s.logger.InfoContext(ctx, "user signed up", "user_id", user.ID)

	return SignupResult{Message: SignupMessage, UserID: user.ID}, nil
}

// VerificationURL builds the link embedded in verification emails.
func (s *IdentityService) VerificationURL(token string) string {
	return s.appURL + "/api/verify?token=" + url.QueryEscape(token)
}

// Verify marks the token's user as verified. Repeating it is harmless.
func (s *IdentityService) Verify(ctx context.Context, token string) error {
	userID, err := s.tokens.Verify(token, auth.PurposeVerify)
	if err != nil {
		return ErrInvalidOrExpiredToken
	}

	if err := s.users.SetVerified(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidOrExpiredToken
		}
		return storeError("set verified", err)
	}
	return nil
}

// Login returns a session token. Unverified accounts are refused before
// the password is compared.
func (s *IdentityService) Login(ctx context.Context, email, password string) (string, error) {
	user, err := s.users.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", storeError("find user", err)
	}

	if !user.IsVerified {
		return "", ErrNotVerified
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	token, err := s.tokens.Issue(user.ID, auth.PurposeSession)
	if err != nil {
		return "", fmt.Errorf("issue session token: %w", err)
	}
	return token, nil
}

// Authenticate resolves a session token to its user id.
func (s *IdentityService) Authenticate(ctx context.Context, token string) (string, error) {
	userID, err := s.tokens.Verify(token, auth.PurposeSession)
	if err != nil {
		return "", ErrInvalidOrExpiredToken
	}
	return userID, nil
}

func (s *IdentityService) GetProfile(ctx context.Context, userID string) (types.Profile, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Profile{}, ErrInvalidOrExpiredToken
		}
		return types.Profile{}, storeError("get profile", err)
	}
	return types.Profile{
		Username:       user.Username,
		ProfilePicture: user.ProfilePicture,
		Email:          user.Email,
	}, nil
}

func (s *IdentityService) UpdateUsername(ctx context.Context, userID, username string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", ErrEmptyUsername
	}
	if err := s.users.UpdateUsername(ctx, userID, username); err != nil {
		return "", s.userUpdateError("update username", err)
	}
	return username, nil
}

// UpdateProfilePicture uploads the image and stores its URL on the user.
// The replaced picture is deleted afterwards on a best-effort basis.
func (s *IdentityService) UpdateProfilePicture(ctx context.Context, userID string, image []byte) (string, error) {
	if len(image) == 0 {
		return "", ErrImageRequired
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return "", s.userUpdateError("get user", err)
	}

	imageURL, err := s.uploader.Upload(ctx, profilePicturePrefix, image)
	if err != nil {
		return "", &UploadError{Err: err}
	}

	if err := s.users.UpdateProfilePicture(ctx, userID, imageURL); err != nil {
		removeImage(ctx, s.uploader, s.logger, imageURL)
		return "", s.userUpdateError("update profile picture", err)
	}

	if user.ProfilePicture != "" && user.ProfilePicture != imageURL {
		removeImage(ctx, s.uploader, s.logger, user.ProfilePicture)
	}
	return imageURL, nil
}

// ClearProfilePicture removes the user's picture and returns the empty URL.
func (s *IdentityService) ClearProfilePicture(ctx context.Context, userID string) (string, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return "", s.userUpdateError("get user", err)
	}
	if err := s.users.UpdateProfilePicture(ctx, userID, ""); err != nil {
		return "", s.userUpdateError("clear profile picture", err)
	}
	if user.ProfilePicture != "" {
		removeImage(ctx, s.uploader, s.logger, user.ProfilePicture)
	}
	return "", nil
}

// removeImage deletes an object that is no longer referenced. Failures only
// leave an orphan behind, so they are logged and swallowed.
func removeImage(ctx context.Context, uploader MediaUploader, logger *slog.Logger, imageURL string) {
	if err := uploader.Remove(ctx, imageURL); err != nil {
		logger.WarnContext(ctx, "remove image failed", "image_url", imageURL, "error", err)
	}
}

func (s *IdentityService) userUpdateError(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrInvalidOrExpiredToken
	}
	return storeError(op, err)
}

func validateEmail(email string) error {
	if email == "" || len(email) > maxEmailLength {
		return ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return ErrInvalidEmail
	}
	return nil
}
