package account

import (
	"context"
	"errors"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrEmailTaken   = errors.New("email address already belongs to an account")
)

type UserRepository interface {
	// GetByEmail matches an active email address, compared upper-cased.
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByID(ctx context.Context, id int64) (*User, error)
	// Create inserts the user and its primary email address.
	Create(ctx context.Context, u *User) error
	// BumpTokenVersion increments token_version and returns the new value.
	BumpTokenVersion(ctx context.Context, id int64) (int, error)
}
