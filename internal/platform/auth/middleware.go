package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/josephneumann/unkani-sub000/internal/platform/fhir"
)

// Authentication schemes named in WWW-Authenticate.
const (
	SchemeBasic  = "Basic"
	SchemeBearer = "Bearer"
)

// Authenticator resolves Basic credentials or Bearer tokens to a Principal.
// Every rejection is a 401 pointing at TokenURL.
type Authenticator struct {
	store    PrincipalStore
	codec    *TokenCodec
	tokenURL string
	logger   zerolog.Logger
}

func NewAuthenticator(store PrincipalStore, codec *TokenCodec, tokenURL string, logger zerolog.Logger) *Authenticator {
	return &Authenticator{store: store, codec: codec, tokenURL: tokenURL, logger: logger}
}

func (a *Authenticator) basicError(code, diagnostics string) *fhir.Error {
	return fhir.AuthError(code, SchemeBasic, diagnostics, a.tokenURL)
}

func (a *Authenticator) bearerError(code, diagnostics string) *fhir.Error {
	return fhir.AuthError(code, SchemeBearer, diagnostics, a.tokenURL)
}

// NormalizeEmail is the form emails are stored and looked up in.
func NormalizeEmail(email string) string {
	return strings.ToUpper(strings.TrimSpace(email))
}

// Basic authenticates "Authorization: Basic" credentials of an email and password.
func (a *Authenticator) Basic() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			email, password, ok := c.Request().BasicAuth()
			if !ok {
				return a.basicError(fhir.IssueTypeSecurity, "Basic authentication required.")
			}

			p, err := a.checkBasic(c, email, password)
			if err != nil {
				return err
			}
			setPrincipal(c, p)
			return next(c)
		}
	}
}

func (a *Authenticator) checkBasic(c echo.Context, email, password string) (*Principal, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, a.basicError(fhir.IssueTypeSecurity, "No email address provided for login.")
	}

	p, err := a.store.PrincipalByEmail(c.Request().Context(), email)
	if errors.Is(err, ErrPrincipalNotFound) {
		a.logger.Warn().Str("path", c.Path()).Msg("basic auth: unknown email")
		return nil, a.basicError(fhir.IssueTypeSecurity, "Email provided does not match an active account.")
	}
	if err != nil {
		return nil, fhir.Internal(fmt.Errorf("look up principal by email: %w", err))
	}

	if !CheckPassword(p.PasswordHash, password) {
		a.logger.Warn().Int64("principal_id", p.ID).Msg("basic auth: wrong password")
		return nil, a.basicError(fhir.IssueTypeLogin, "Invalid credentials.")
	}
	if !p.Confirmed {
		return nil, a.basicError(fhir.IssueTypeSecurity, "User account is unconfirmed.")
	}
	if !p.Active {
		return nil, a.basicError(fhir.IssueTypeSecurity, "User account is inactive.")
	}
	return p, nil
}

// Bearer authenticates "Authorization: Bearer" tokens issued by the codec.
// A token minted before the principal last revoked is rejected.
func (a *Authenticator) Bearer() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, ok := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if !ok {
				return a.bearerError(fhir.IssueTypeSecurity, "Token authentication required.")
			}

			claims, err := a.codec.Verify(token)
			if errors.Is(err, ErrTokenExpired) {
				return a.bearerError(fhir.IssueTypeExpired, "Authentication token has expired. Request a new token.")
			}
			if err != nil {
				a.logger.Warn().Err(err).Str("path", c.Path()).Msg("bearer auth: rejected token")
				return a.bearerError(fhir.IssueTypeLogin, "Token is invalid.")
			}

			p, err := a.store.PrincipalByID(c.Request().Context(), claims.UserID)
			if errors.Is(err, ErrPrincipalNotFound) {
				return a.bearerError(fhir.IssueTypeLogin, "Token is invalid.")
			}
			if err != nil {
				return fhir.Internal(fmt.Errorf("look up principal by id: %w", err))
			}

			switch {
			case !p.Confirmed:
				return a.bearerError(fhir.IssueTypeLogin, "User account is unconfirmed.")
			case !p.Active:
				return a.bearerError(fhir.IssueTypeLogin, "User account is inactive.")
			case claims.Version != p.TokenVersion:
				return a.bearerError(fhir.IssueTypeLogin, "Token has been revoked.")
			}

			setPrincipal(c, p)
			return next(c)
		}
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, SchemeBearer) {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
