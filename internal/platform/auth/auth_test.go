package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/josephneumann/unkani-sub000/internal/platform/fhir"
)

const testTokenURL = "http://localhost:8000/tokens"

var testSecret = []byte("test-secret-key-for-unit-tests-only")

type mockStore struct {
	byEmail map[string]*Principal
	byID    map[int64]*Principal
	err     error
}

func newMockStore(ps ...*Principal) *mockStore {
	s := &mockStore{byEmail: map[string]*Principal{}, byID: map[int64]*Principal{}}
	for _, p := range ps {
		s.byEmail[p.Email] = p
		s.byID[p.ID] = p
	}
	return s
}

func (s *mockStore) PrincipalByEmail(_ context.Context, email string) (*Principal, error) {
	if s.err != nil {
		return nil, s.err
	}
	p, ok := s.byEmail[email]
	if !ok {
		return nil, ErrPrincipalNotFound
	}
	return p, nil
}

func (s *mockStore) PrincipalByID(_ context.Context, id int64) (*Principal, error) {
	if s.err != nil {
		return nil, s.err
	}
	p, ok := s.byID[id]
	if !ok {
		return nil, ErrPrincipalNotFound
	}
	return p, nil
}

// testPrincipal is confirmed and active with password "pw".
func testPrincipal(t *testing.T, id int64, email, role string) *Principal {
	t.Helper()
	p := NewPrincipal(id, email, role)
	p.PasswordHash = testHash(t)
	p.Confirmed = true
	p.Active = true
	return p
}

// cachedHash avoids paying bcrypt cost for every principal.
var cachedHash string

func testHash(t *testing.T) string {
	t.Helper()
	if cachedHash == "" {
		h, err := HashPassword("pw")
		if err != nil {
			t.Fatal(err)
		}
		cachedHash = h
	}
	return cachedHash
}

func basicHeader(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

// run executes mw around a handler that records the principal it sees.
func run(t *testing.T, mw echo.MiddlewareFunc, authz string) (*Principal, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient/42", nil)
	if authz != "" {
		req.Header.Set(echo.HeaderAuthorization, authz)
	}
	c := e.NewContext(req, httptest.NewRecorder())

	var seen *Principal
	err := mw(func(c echo.Context) error {
		seen, _ = PrincipalFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})(c)
	return seen, err
}

func requireAuthError(t *testing.T, err error, code, scheme, diagnostics string) {
	t.Helper()
	var fe *fhir.Error
	if !errors.As(err, &fe) {
		t.Fatalf("expected *fhir.Error, got %v", err)
	}
	if fe.Status != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", fe.Status)
	}
	if fe.Type() != code {
		t.Errorf("expected issue type %s, got %s", code, fe.Type())
	}
	if fe.Header.Get("WWW-Authenticate") != scheme {
		t.Errorf("expected WWW-Authenticate %s, got %q", scheme, fe.Header.Get("WWW-Authenticate"))
	}
	if fe.Header.Get("Location") != testTokenURL {
		t.Errorf("expected Location %s, got %q", testTokenURL, fe.Header.Get("Location"))
	}
	if diagnostics != "" && fe.Outcome.Issue[0].Diagnostics != diagnostics {
		t.Errorf("expected diagnostics %q, got %q", diagnostics, fe.Outcome.Issue[0].Diagnostics)
	}
}

func TestBasic_Success(t *testing.T) {
	admin := testPrincipal(t, 1, "ADMIN@X", "Admin")
	a := NewAuthenticator(newMockStore(admin), NewTokenCodec(testSecret, time.Minute), testTokenURL, zerolog.Nop())

	p, err := run(t, a.Basic(), basicHeader("  admin@x ", "pw"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil || p.ID != 1 {
		t.Fatalf("expected principal 1 on the request, got %+v", p)
	}
}

func TestBasic_Failures(t *testing.T) {
	unconfirmed := testPrincipal(t, 2, "NEW@X", "User")
	unconfirmed.Confirmed = false
	inactive := testPrincipal(t, 3, "GONE@X", "User")
	inactive.Active = false
	store := newMockStore(testPrincipal(t, 1, "ADMIN@X", "Admin"), unconfirmed, inactive)
	a := NewAuthenticator(store, NewTokenCodec(testSecret, time.Minute), testTokenURL, zerolog.Nop())

	tests := []struct {
		name   string
		header string
		code   string
		diag   string
	}{
		{"no header", "", fhir.IssueTypeSecurity, "Basic authentication required."},
		{"bearer instead", "Bearer abc", fhir.IssueTypeSecurity, "Basic authentication required."},
		{"no email", basicHeader(" ", "pw"), fhir.IssueTypeSecurity, "No email address provided for login."},
		{"unknown email", basicHeader("who@x", "pw"), fhir.IssueTypeSecurity, "Email provided does not match an active account."},
		{"wrong password", basicHeader("admin@x", "nope"), fhir.IssueTypeLogin, "Invalid credentials."},
		{"unconfirmed", basicHeader("new@x", "pw"), fhir.IssueTypeSecurity, "User account is unconfirmed."},
		{"inactive", basicHeader("gone@x", "pw"), fhir.IssueTypeSecurity, "User account is inactive."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := run(t, a.Basic(), tt.header)
			if p != nil {
				t.Fatal("handler must not run")
			}
			requireAuthError(t, err, tt.code, SchemeBasic, tt.diag)
		})
	}
}

func TestBasic_RejectsTokenAsUsername(t *testing.T) {
	admin := testPrincipal(t, 1, "ADMIN@X", "Admin")
	codec := NewTokenCodec(testSecret, time.Minute)
	a := NewAuthenticator(newMockStore(admin), codec, testTokenURL, zerolog.Nop())
	token, _, err := codec.Sign(admin)
	if err != nil {
		t.Fatal(err)
	}

	p, err := run(t, a.Basic(), basicHeader(token, ""))
	if p != nil {
		t.Fatal("handler must not run")
	}
	requireAuthError(t, err, fhir.IssueTypeSecurity, SchemeBasic, "Email provided does not match an active account.")
}

func TestBasic_StoreFailure(t *testing.T) {
	store := newMockStore()
	store.err = errors.New("connection refused")
	a := NewAuthenticator(store, NewTokenCodec(testSecret, time.Minute), testTokenURL, zerolog.Nop())

	_, err := run(t, a.Basic(), basicHeader("admin@x", "pw"))
	var fe *fhir.Error
	if !errors.As(err, &fe) || fe.Status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %v", err)
	}
}

func TestBearer_Success(t *testing.T) {
	admin := testPrincipal(t, 1, "ADMIN@X", "Admin")
	codec := NewTokenCodec(testSecret, time.Minute)
	a := NewAuthenticator(newMockStore(admin), codec, testTokenURL, zerolog.Nop())

	token, _, err := codec.Sign(admin)
	if err != nil {
		t.Fatal(err)
	}
	p, err := run(t, a.Bearer(), "Bearer "+token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil || p.ID != 1 {
		t.Fatalf("expected principal 1, got %+v", p)
	}
}

func TestBearer_Expired(t *testing.T) {
	admin := testPrincipal(t, 1, "ADMIN@X", "Admin")
	codec := NewTokenCodec(testSecret, time.Minute)
	codec.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, _, err := codec.Sign(admin)
	if err != nil {
		t.Fatal(err)
	}

	a := NewAuthenticator(newMockStore(admin), NewTokenCodec(testSecret, time.Minute), testTokenURL, zerolog.Nop())
	_, err = run(t, a.Bearer(), "Bearer "+token)
	requireAuthError(t, err, fhir.IssueTypeExpired, SchemeBearer, "")
}

func TestBearer_Failures(t *testing.T) {
	admin := testPrincipal(t, 1, "ADMIN@X", "Admin")
	unconfirmed := testPrincipal(t, 2, "NEW@X", "User")
	unconfirmed.Confirmed = false
	inactive := testPrincipal(t, 3, "GONE@X", "User")
	inactive.Active = false
	ghost := testPrincipal(t, 99, "GHOST@X", "User")
	store := newMockStore(admin, unconfirmed, inactive)

	codec := NewTokenCodec(testSecret, time.Minute)
	sign := func(p *Principal) string {
		tok, _, err := codec.Sign(p)
		if err != nil {
			t.Fatal(err)
		}
		return tok
	}
	forged, _, _ := NewTokenCodec([]byte("other-secret"), time.Minute).Sign(admin)
	revoked := sign(admin)
	a := NewAuthenticator(store, codec, testTokenURL, zerolog.Nop())

	tests := []struct {
		name   string
		header string
		code   string
		diag   string
		before func()
	}{
		{"missing", "", fhir.IssueTypeSecurity, "Token authentication required.", nil},
		{"empty token", "Bearer ", fhir.IssueTypeSecurity, "Token authentication required.", nil},
		{"basic instead", basicHeader("admin@x", "pw"), fhir.IssueTypeSecurity, "Token authentication required.", nil},
		{"garbage", "Bearer not.a.jwt", fhir.IssueTypeLogin, "Token is invalid.", nil},
		{"bad signature", "Bearer " + forged, fhir.IssueTypeLogin, "Token is invalid.", nil},
		{"unknown principal", "Bearer " + sign(ghost), fhir.IssueTypeLogin, "Token is invalid.", nil},
		{"unconfirmed", "Bearer " + sign(unconfirmed), fhir.IssueTypeLogin, "User account is unconfirmed.", nil},
		{"inactive", "Bearer " + sign(inactive), fhir.IssueTypeLogin, "User account is inactive.", nil},
		{"revoked", "Bearer " + revoked, fhir.IssueTypeLogin, "Token has been revoked.", func() { admin.TokenVersion++ }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.before != nil {
				tt.before()
			}
			p, err := run(t, a.Bearer(), tt.header)
			if p != nil {
				t.Fatal("handler must not run")
			}
			requireAuthError(t, err, tt.code, SchemeBearer, tt.diag)
		})
	}
}

func TestTokenCodec_RoundTrip(t *testing.T) {
	codec := NewTokenCodec(testSecret, 10*time.Minute)
	p := NewPrincipal(7, "A@B", "User")
	p.TokenVersion = 3

	token, exp, err := codec.Sign(p)
	if err != nil {
		t.Fatal(err)
	}
	if d := time.Until(exp); d < 9*time.Minute || d > 10*time.Minute {
		t.Errorf("expected expiry about 10 minutes out, got %v", d)
	}

	claims, err := codec.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != 7 || claims.Version != 3 || claims.Subject != "7" {
		t.Errorf("unexpected claims %+v", claims)
	}
	if len(claims.ID) != 26 {
		t.Errorf("expected a ULID jti, got %q", claims.ID)
	}

	other, _, _ := codec.Sign(p)
	if other == token {
		t.Error("tokens should carry distinct ids")
	}
}

func TestTokenCodec_RejectsOtherAlgorithms(t *testing.T) {
	codec := NewTokenCodec(testSecret, time.Minute)
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
		UserID:           1,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := codec.Verify(token); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("expected ErrTokenInvalid, got %v", err)
	}

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, TokenClaims{UserID: 1})
	token, _ = noExp.SignedString(testSecret)
	if _, err := codec.Verify(token); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("expected tokens without exp to be rejected, got %v", err)
	}
}

func TestRequireCapability(t *testing.T) {
	e := echo.New()
	ok := func(c echo.Context) error { return c.NoContent(http.StatusOK) }

	for _, tc := range []struct {
		role string
		cap  string
		want int
	}{
		{"User", CapPatientRead, http.StatusOK},
		{"User", CapPatientAdmin, http.StatusForbidden},
		{"Super Admin", CapPatientAdmin, http.StatusOK},
		{"Admin", CapUserDelete, http.StatusForbidden},
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(WithPrincipal(req.Context(), NewPrincipal(1, "X", tc.role)))
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		err := RequireCapability(tc.cap)(ok)(c)
		got := http.StatusOK
		if err != nil {
			got = fhir.Translate(err).Status
		}
		if got != tc.want {
			t.Errorf("%s/%s: expected %d, got %d", tc.role, tc.cap, tc.want, got)
		}
	}

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if err := RequireCapability(CapPatientRead)(ok)(c); fhir.Translate(err).Status != http.StatusInternalServerError {
		t.Error("expected 500 when no principal is present")
	}
}

func TestPrincipal_Identity(t *testing.T) {
	p := NewPrincipal(5, "A@B", "Admin")
	ctx := WithPrincipal(context.Background(), p)

	id, ok := IdentityFromContext(ctx)
	if !ok {
		t.Fatal("expected identity on context")
	}
	if id.UserNeed != 5 || id.RoleNeed != "Admin" || len(id.CapabilityNeeds) == 0 {
		t.Errorf("unexpected identity %+v", id)
	}
	if p.RoleLevel != 500 {
		t.Errorf("expected admin level 500, got %d", p.RoleLevel)
	}

	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Error("expected no principal on a bare context")
	}
	if NewPrincipal(1, "X", "Nobody").Can(CapPatientRead) {
		t.Error("unknown roles carry no capabilities")
	}
}

func TestRoleNames(t *testing.T) {
	names := RoleNames()
	if len(names) != 3 || names[0] != "Super Admin" || names[2] != "User" {
		t.Errorf("expected roles by descending level, got %v", names)
	}
	if _, ok := LookupRole(DefaultRole); !ok {
		t.Error("default role must exist")
	}
}

func TestPassword(t *testing.T) {
	h := testHash(t)
	if !CheckPassword(h, "pw") {
		t.Error("expected password to match")
	}
	if CheckPassword(h, "PW") || CheckPassword("", "pw") || CheckPassword("not-a-hash", "pw") {
		t.Error("unexpected match")
	}
	if _, err := HashPassword(""); err == nil {
		t.Error("expected empty password to be rejected")
	}
}

func TestNormalizeEmail(t *testing.T) {
	if got := NormalizeEmail("  Jo@Example.com \t"); got != "JO@EXAMPLE.COM" {
		t.Errorf("got %q", got)
	}
}
