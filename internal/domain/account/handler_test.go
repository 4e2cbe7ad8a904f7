package account

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josephneumann/unkani-sub000/internal/platform/auth"
	"github.com/josephneumann/unkani-sub000/internal/platform/db"
	"github.com/josephneumann/unkani-sub000/internal/platform/fhir"
)

const testTokenURL = "http://localhost:8000/tokens"

type mockUserRepo struct {
	mu     sync.Mutex
	users  map[int64]*User
	nextID int64
	bumps  int
}

func newMockUserRepo() *mockUserRepo {
	return &mockUserRepo{users: map[int64]*User{}, nextID: 1}
}

func (m *mockUserRepo) GetByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.ToUpper(u.Email) == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *mockUserRepo) GetByID(_ context.Context, id int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *mockUserRepo) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return ErrEmailTaken
		}
	}
	u.ID = m.nextID
	m.nextID++
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

// BumpTokenVersion touches the request session the way the pgx repository does.
func (m *mockUserRepo) BumpTokenVersion(ctx context.Context, id int64) (int, error) {
	if _, err := db.Conn(ctx, nil); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return 0, ErrUserNotFound
	}
	u.TokenVersion++
	m.bumps++
	return u.TokenVersion, nil
}

type fakeTx struct {
	pgx.Tx
	commits int
}

func (f *fakeTx) Commit(context.Context) error {
	f.commits++
	return nil
}

func (f *fakeTx) Rollback(context.Context) error { return nil }

type fakeBeginner struct{ tx *fakeTx }

func (f *fakeBeginner) Begin(context.Context) (pgx.Tx, error) { return f.tx, nil }

type testEnv struct {
	e     *echo.Echo
	repo  *mockUserRepo
	svc   *Service
	codec *auth.TokenCodec
	tx    *fakeTx
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := newMockUserRepo()
	codec := auth.NewTokenCodec([]byte("account-test-secret"), 600*time.Second)
	svc := NewService(repo, codec)
	authn := auth.NewAuthenticator(svc, codec, testTokenURL, zerolog.Nop())

	tx := &fakeTx{}
	e := echo.New()
	e.HTTPErrorHandler = fhir.HTTPErrorHandler(zerolog.Nop())
	e.Use(db.SessionMiddleware(&fakeBeginner{tx: tx}, zerolog.Nop()))
	noLimit := func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	NewHandler(svc).RegisterRoutes(e.Group("/tokens"), authn, noLimit, fhir.ContentNegotiationMiddleware())

	return &testEnv{e: e, repo: repo, svc: svc, codec: codec, tx: tx}
}

func (env *testEnv) addUser(t *testing.T, email, password string, confirmed bool) *User {
	t.Helper()
	u, err := env.svc.CreateUser(context.Background(), NewUser{
		Email:     email,
		Password:  password,
		Role:      "Admin",
		Confirmed: confirmed,
	})
	require.NoError(t, err)
	return u
}

func (env *testEnv) do(method, authz string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/tokens", nil)
	if authz != "" {
		req.Header.Set(echo.HeaderAuthorization, authz)
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func basic(email, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(email+":"+password))
}

func outcomeCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var oo fhir.OperationOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &oo))
	require.NotEmpty(t, oo.Issue)
	return oo.Issue[0].Code
}

func TestIssueToken_ConfirmedAdmin(t *testing.T) {
	env := newTestEnv(t)
	u := env.addUser(t, "admin@x", "pw", true)

	rec := env.do(http.MethodPost, basic("admin@x", "pw"))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, fhir.FHIRContentType, rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, fhir.FHIRCharset, rec.Header().Get("Charset"))

	var tok Token
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
	assert.NotEmpty(t, tok.Token)
	assert.Equal(t, int64(600), tok.Expiration)

	claims, err := env.codec.Verify(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, claims.UserID)
}

func TestIssueToken_Rejections(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "admin@x", "pw", true)
	env.addUser(t, "new@x", "pw", false)

	tests := []struct {
		name     string
		authz    string
		wantCode string
	}{
		{"no credentials", "", fhir.IssueTypeSecurity},
		{"unknown email", basic("nobody@x", "pw"), fhir.IssueTypeSecurity},
		{"wrong password", basic("admin@x", "nope"), fhir.IssueTypeLogin},
		{"unconfirmed", basic("new@x", "pw"), fhir.IssueTypeSecurity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, tt.authz)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, tt.wantCode, outcomeCode(t, rec))
			assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
			assert.Equal(t, testTokenURL, rec.Header().Get("Location"))
		})
	}
}

func TestRevokeTokens(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "admin@x", "pw", true)

	rec := env.do(http.MethodPost, basic("admin@x", "pw"))
	require.Equal(t, http.StatusOK, rec.Code)
	var tok Token
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))

	rec = env.do(http.MethodDelete, "Bearer "+tok.Token)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, 1, env.repo.bumps)
	assert.Equal(t, 1, env.tx.commits)

	// the token used to revoke is itself no longer accepted
	rec = env.do(http.MethodDelete, "Bearer "+tok.Token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, fhir.IssueTypeLogin, outcomeCode(t, rec))
	assert.Equal(t, 1, env.repo.bumps)
	assert.Equal(t, 1, env.tx.commits)
}

func TestRevokeTokens_RequiresBearer(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "admin@x", "pw", true)

	rec := env.do(http.MethodDelete, basic("admin@x", "pw"))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, fhir.IssueTypeSecurity, outcomeCode(t, rec))
	assert.Equal(t, 0, env.repo.bumps)
}
