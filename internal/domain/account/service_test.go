package account

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josephneumann/unkani-sub000/internal/platform/auth"
)

func newTestService() (*Service, *mockUserRepo) {
	repo := newMockUserRepo()
	return NewService(repo, auth.NewTokenCodec([]byte("svc-secret"), time.Minute)), repo
}

func TestCreateUser(t *testing.T) {
	svc, _ := newTestService()

	u, err := svc.CreateUser(context.Background(), NewUser{
		Email:     "  jane.doe@example.com ",
		Password:  "s3cret",
		FirstName: "Jane",
	})
	require.NoError(t, err)

	assert.Equal(t, "JANE.DOE@EXAMPLE.COM", u.Email)
	assert.Equal(t, auth.DefaultRole, u.Role)
	assert.True(t, u.Active)
	assert.False(t, u.Confirmed)
	require.NotNil(t, u.FirstName)
	assert.Equal(t, "Jane", *u.FirstName)
	assert.Nil(t, u.LastName)
	assert.True(t, auth.CheckPassword(u.PasswordHash, "s3cret"))
	assert.NotZero(t, u.ID)
}

func TestCreateUser_Invalid(t *testing.T) {
	svc, _ := newTestService()

	tests := []struct {
		name string
		in   NewUser
	}{
		{"empty email", NewUser{Email: " ", Password: "pw"}},
		{"email without at", NewUser{Email: "jane", Password: "pw"}},
		{"unknown role", NewUser{Email: "a@b", Password: "pw", Role: "Janitor"}},
		{"empty password", NewUser{Email: "a@b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateUser(context.Background(), tt.in)
			assert.Error(t, err)
		})
	}
}

func TestCreateUser_DuplicateEmail(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.CreateUser(context.Background(), NewUser{Email: "a@b", Password: "pw"})
	require.NoError(t, err)

	_, err = svc.CreateUser(context.Background(), NewUser{Email: "A@B", Password: "pw"})
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestPrincipalLookup(t *testing.T) {
	svc, _ := newTestService()
	u, err := svc.CreateUser(context.Background(), NewUser{
		Email: "root@x", Password: "pw", Role: "Super Admin", Confirmed: true,
	})
	require.NoError(t, err)

	p, err := svc.PrincipalByEmail(context.Background(), "ROOT@X")
	require.NoError(t, err)
	assert.Equal(t, u.ID, p.ID)
	assert.Equal(t, 1000, p.RoleLevel)
	assert.True(t, p.Can(auth.CapPatientAdmin))
	assert.True(t, p.Confirmed)

	p, err = svc.PrincipalByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, "ROOT@X", p.Email)

	_, err = svc.PrincipalByEmail(context.Background(), "NOBODY@X")
	assert.ErrorIs(t, err, auth.ErrPrincipalNotFound)
	_, err = svc.PrincipalByID(context.Background(), 999)
	assert.ErrorIs(t, err, auth.ErrPrincipalNotFound)
}

func TestRevokeTokens_UnknownUser(t *testing.T) {
	svc, _ := newTestService()

	err := svc.RevokeTokens(context.Background(), auth.NewPrincipal(42, "GHOST@X", "User"))
	assert.True(t, errors.Is(err, ErrUserNotFound))
}

func TestIssueToken_CarriesVersion(t *testing.T) {
	svc, repo := newTestService()
	u, err := svc.CreateUser(context.Background(), NewUser{Email: "v@x", Password: "pw", Confirmed: true})
	require.NoError(t, err)
	_, err = repo.BumpTokenVersion(context.Background(), u.ID)
	require.NoError(t, err)

	p, err := svc.PrincipalByID(context.Background(), u.ID)
	require.NoError(t, err)
	tok, err := svc.IssueToken(p)
	require.NoError(t, err)
	assert.Equal(t, int64(60), tok.Expiration)

	claims, err := svc.codec.Verify(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, 1, claims.Version)
}
