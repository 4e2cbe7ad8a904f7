package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/josephneumann/unkani-sub000/internal/platform/auth"
	"github.com/josephneumann/unkani-sub000/internal/platform/db"
)

type Service struct {
	users UserRepository
	codec *auth.TokenCodec
}

func NewService(users UserRepository, codec *auth.TokenCodec) *Service {
	return &Service{users: users, codec: codec}
}

// PrincipalByEmail implements auth.PrincipalStore.
func (s *Service) PrincipalByEmail(ctx context.Context, email string) (*auth.Principal, error) {
	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, principalErr(err)
	}
	return u.Principal(), nil
}

// PrincipalByID implements auth.PrincipalStore.
func (s *Service) PrincipalByID(ctx context.Context, id int64) (*auth.Principal, error) {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, principalErr(err)
	}
	return u.Principal(), nil
}

func principalErr(err error) error {
	if errors.Is(err, ErrUserNotFound) {
		return auth.ErrPrincipalNotFound
	}
	return err
}

// IssueToken signs a bearer token for an authenticated principal.
func (s *Service) IssueToken(p *auth.Principal) (*Token, error) {
	signed, _, err := s.codec.Sign(p)
	if err != nil {
		return nil, err
	}
	return &Token{Token: signed, Expiration: int64(s.codec.TTL().Seconds())}, nil
}

// RevokeTokens invalidates every token issued to p so far and commits the
// request session.
func (s *Service) RevokeTokens(ctx context.Context, p *auth.Principal) error {
	if _, err := s.users.BumpTokenVersion(ctx, p.ID); err != nil {
		return fmt.Errorf("revoke tokens for user %d: %w", p.ID, err)
	}
	if err := db.Commit(ctx); err != nil {
		return fmt.Errorf("revoke tokens for user %d: %w", p.ID, err)
	}
	return nil
}

// CreateUser registers an account. The email is stored upper-cased.
func (s *Service) CreateUser(ctx context.Context, in NewUser) (*User, error) {
	email := auth.NormalizeEmail(in.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("a valid email address is required")
	}
	role := in.Role
	if role == "" {
		role = auth.DefaultRole
	}
	if _, ok := auth.LookupRole(role); !ok {
		return nil, fmt.Errorf("unknown role %q, expected one of %s", role, strings.Join(auth.RoleNames(), ", "))
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	u := &User{
		Email:        email,
		Role:         role,
		PasswordHash: hash,
		Confirmed:    in.Confirmed,
		Active:       true,
	}
	if in.FirstName != "" {
		u.FirstName = &in.FirstName
	}
	if in.LastName != "" {
		u.LastName = &in.LastName
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}
