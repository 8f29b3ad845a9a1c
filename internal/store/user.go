package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dogchuchu/apiserver/types"
	"github.com/google/uuid"
)

const userColumns = `id, email, password_hash, username, is_verified, profile_picture, created_at, updated_at`

// UserRepository handles persistence for users.
type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (types.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, id))
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (types.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE lower(email) = lower($1)`
	return scanUser(r.db.QueryRowContext(ctx, query, email))
}

func (r *UserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	now := time.Now().UTC()
	user.ID = uuid.NewString()
	user.IsVerified = false
	user.CreatedAt = now
	user.UpdatedAt = now

	const query = `
		INSERT INTO users (id, email, password_hash, username, is_verified, profile_picture, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := r.db.ExecContext(
		ctx,
		query,
		user.ID,
		user.Email,
		user.PasswordHash,
		user.Username,
		user.IsVerified,
		user.ProfilePicture,
		user.CreatedAt,
		user.UpdatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return types.User{}, ErrConflict
		}
		return types.User{}, err
	}
	return user, nil
}

// SetVerified marks the user as verified. Repeating it is harmless.
func (r *UserRepository) SetVerified(ctx context.Context, id string) error {
	const query = `UPDATE users SET is_verified = TRUE, updated_at = $1 WHERE id = $2`
	return r.execOne(ctx, query, time.Now().UTC(), id)
}

func (r *UserRepository) UpdateUsername(ctx context.Context, id, username string) error {
	const query = `UPDATE users SET username = $1, updated_at = $2 WHERE id = $3`
	return r.execOne(ctx, query, username, time.Now().UTC(), id)
}

func (r *UserRepository) UpdateProfilePicture(ctx context.Context, id, url string) error {
	const query = `UPDATE users SET profile_picture = $1, updated_at = $2 WHERE id = $3`
	return r.execOne(ctx, query, url, time.Now().UTC(), id)
}

func (r *UserRepository) execOne(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanUser(row *sql.Row) (types.User, error) {
	var user types.User
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.Username,
		&user.IsVerified,
		&user.ProfilePicture,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	return user, nil
}
