package account

import (
	"time"

	"github.com/josephneumann/unkani-sub000/internal/platform/auth"
)

// User maps to the users table. Email is the active login address held in
// email_address, upper-cased.
type User struct {
	ID           int64     `db:"id" json:"id"`
	Username     *string   `db:"username" json:"username,omitempty"`
	Email        string    `db:"email" json:"email"`
	FirstName    *string   `db:"first_name" json:"first_name,omitempty"`
	LastName     *string   `db:"last_name" json:"last_name,omitempty"`
	Role         string    `db:"role" json:"role"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Confirmed    bool      `db:"confirmed" json:"confirmed"`
	Active       bool      `db:"active" json:"active"`
	TokenVersion int       `db:"token_version" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Principal projects the user onto the authentication model.
func (u *User) Principal() *auth.Principal {
	p := auth.NewPrincipal(u.ID, u.Email, u.Role)
	p.PasswordHash = u.PasswordHash
	p.Confirmed = u.Confirmed
	p.Active = u.Active
	p.TokenVersion = u.TokenVersion
	return p
}

// NewUser is the input of account creation.
type NewUser struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	Role      string
	Confirmed bool
}

// Token is the body of a successful POST /tokens.
type Token struct {
	Token      string `json:"token"`
	Expiration int64  `json:"expiration"`
}
