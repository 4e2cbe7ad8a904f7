package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Querier is the statement surface shared by pools, connections and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Beginner starts transactions. *pgxpool.Pool satisfies it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// DB is satisfied by *pgxpool.Pool and by pgx.Tx, where Begin opens a savepoint.
type DB interface {
	Querier
	Beginner
}

// ErrSessionClosed is returned when a session is used after commit or teardown.
var ErrSessionClosed = errors.New("db session closed")

type contextKey string

const sessionKey contextKey = "db_session"

// Session is the database session of a single request. The transaction is
// begun on first use and rolled back at teardown unless committed.
type Session struct {
	db     Beginner
	tx     pgx.Tx
	closed bool
}

func NewSession(db Beginner) *Session {
	return &Session{db: db}
}

// Tx returns the session transaction, beginning it if needed.
func (s *Session) Tx(ctx context.Context) (pgx.Tx, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.tx != nil {
		return s.tx, nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	s.tx = tx
	return tx, nil
}

// Commit commits the open transaction and closes the session. A session
// that never began a transaction commits nothing.
func (s *Session) Commit(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	s.closed = true
	if s.tx == nil {
		return nil
	}
	if err := s.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close rolls back an uncommitted transaction. It is safe to call repeatedly.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.tx == nil {
		return nil
	}
	if err := s.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}

// WithSession stores s in ctx.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// SessionFromContext returns the request session, or nil outside a request.
func SessionFromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey).(*Session)
	return s
}

// Conn resolves the handle for ctx: the request transaction when a session
// is present, otherwise fallback.
func Conn(ctx context.Context, fallback DB) (DB, error) {
	if s := SessionFromContext(ctx); s != nil {
		tx, err := s.Tx(ctx)
		if err != nil {
			return nil, err
		}
		return tx, nil
	}
	return fallback, nil
}

// Commit commits the request session held by ctx, if any.
func Commit(ctx context.Context) error {
	if s := SessionFromContext(ctx); s != nil {
		return s.Commit(ctx)
	}
	return nil
}

// SessionMiddleware attaches a fresh Session to every request and tears it
// down once the handler chain returns.
func SessionMiddleware(db Beginner, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			s := NewSession(db)
			c.SetRequest(c.Request().WithContext(WithSession(ctx, s)))

			defer func() {
				if err := s.Close(context.WithoutCancel(ctx)); err != nil {
					logger.Warn().Err(err).Str("path", c.Path()).Msg("session teardown failed")
				}
			}()

			return next(c)
		}
	}
}
