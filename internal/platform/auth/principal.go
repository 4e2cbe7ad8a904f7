package auth

import (
	"context"
	"errors"
	"sort"
	"strconv"

	"github.com/labstack/echo/v4"
)

// Capability names granted through roles.
const (
	CapUserCreate             = "User Create"
	CapUserProfileUpdate      = "User Profile Update"
	CapUserDelete             = "User Delete"
	CapUserDeactivate         = "User Deactivate"
	CapUserResetPassword      = "User Reset Password"
	CapUserChangePassword     = "User Change Password"
	CapUserResendConfirmation = "User Resend Confirmation"
	CapUserForceConfirmation  = "User Force Confirmation"
	CapUserRoleChange         = "User Role Change"
	CapUserAdmin              = "User Admin"
	CapPatientAdmin           = "Patient Admin"
	CapPatientRead            = "Patient Read"
)

// Role is a named privilege tier. Capabilities are fixed per role.
type Role struct {
	Name         string
	Level        int
	Capabilities []string
}

var roles = map[string]Role{
	"Super Admin": {Name: "Super Admin", Level: 1000, Capabilities: []string{
		CapUserCreate, CapUserProfileUpdate, CapUserDelete, CapUserDeactivate,
		CapUserResetPassword, CapUserChangePassword, CapUserResendConfirmation,
		CapUserForceConfirmation, CapUserRoleChange, CapUserAdmin,
		CapPatientAdmin, CapPatientRead,
	}},
	"Admin": {Name: "Admin", Level: 500, Capabilities: []string{
		CapUserCreate, CapUserProfileUpdate, CapUserDeactivate, CapUserResetPassword,
		CapUserResendConfirmation, CapUserRoleChange, CapUserAdmin, CapPatientRead,
	}},
	"User": {Name: "User", Level: 100, Capabilities: []string{
		CapUserProfileUpdate, CapUserDeactivate, CapUserResetPassword,
		CapUserResendConfirmation, CapUserChangePassword, CapPatientRead,
	}},
}

// DefaultRole is assigned to accounts created without an explicit role.
const DefaultRole = "User"

// LookupRole returns the role definition for name.
func LookupRole(name string) (Role, bool) {
	r, ok := roles[name]
	return r, ok
}

// RoleNames lists known roles from most to least privileged.
func RoleNames() []string {
	names := make([]string, 0, len(roles))
	for n := range roles {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return roles[names[i]].Level > roles[names[j]].Level })
	return names
}

// Principal is an authenticated caller. Capabilities come from the role and
// are not changed during a request.
type Principal struct {
	ID           int64
	Email        string
	PasswordHash string
	Confirmed    bool
	Active       bool
	RoleName     string
	RoleLevel    int
	Capabilities []string
	TokenVersion int
}

// NewPrincipal fills role level and capabilities from roleName. An unknown
// role yields no capabilities.
func NewPrincipal(id int64, email, roleName string) *Principal {
	p := &Principal{ID: id, Email: email, RoleName: roleName}
	if r, ok := roles[roleName]; ok {
		p.RoleLevel = r.Level
		p.Capabilities = append([]string(nil), r.Capabilities...)
	}
	return p
}

// Can reports whether the principal holds capability.
func (p *Principal) Can(capability string) bool {
	for _, c := range p.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Identity is the per-request view downstream code reads instead of going
// back to the store.
type Identity struct {
	UserNeed        int64
	RoleNeed        string
	CapabilityNeeds []string
}

func (p *Principal) Identity() Identity {
	return Identity{UserNeed: p.ID, RoleNeed: p.RoleName, CapabilityNeeds: p.Capabilities}
}

// PrincipalStore resolves principals for the authenticators.
type PrincipalStore interface {
	// PrincipalByEmail matches an active email address. The email has already
	// been upper-cased and trimmed.
	PrincipalByEmail(ctx context.Context, email string) (*Principal, error)
	PrincipalByID(ctx context.Context, id int64) (*Principal, error)
}

// ErrPrincipalNotFound is returned by stores when no principal matches.
var ErrPrincipalNotFound = errors.New("principal not found")

type contextKey string

const (
	principalKey contextKey = "principal"
	identityKey  contextKey = "identity"

	// PrincipalIDKey is the echo context key read by the request logger.
	PrincipalIDKey = "principal_id"
)

// WithPrincipal publishes p and its identity on ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	ctx = context.WithValue(ctx, principalKey, p)
	return context.WithValue(ctx, identityKey, p.Identity())
}

func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok && p != nil
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// setPrincipal stores p on both the request context and the echo context.
func setPrincipal(c echo.Context, p *Principal) {
	c.SetRequest(c.Request().WithContext(WithPrincipal(c.Request().Context(), p)))
	c.Set(PrincipalIDKey, strconv.FormatInt(p.ID, 10))
}
