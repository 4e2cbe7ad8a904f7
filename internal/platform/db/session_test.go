package db

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type fakeTx struct {
	pgx.Tx
	commits   int
	rollbacks int
}

func (f *fakeTx) Commit(context.Context) error {
	f.commits++
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rollbacks++
	return nil
}

type fakeBeginner struct {
	tx     *fakeTx
	begins int
	err    error
}

func (f *fakeBeginner) Begin(context.Context) (pgx.Tx, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.begins++
	return f.tx, nil
}

func TestSession_BeginsLazilyOnce(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	s := NewSession(b)

	if b.begins != 0 {
		t.Fatalf("expected no transaction before first use, got %d", b.begins)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.Tx(context.Background()); err != nil {
			t.Fatalf("Tx: %v", err)
		}
	}
	if b.begins != 1 {
		t.Errorf("expected 1 begin, got %d", b.begins)
	}
}

func TestSession_CloseRollsBack(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	s := NewSession(b)
	if _, err := s.Tx(context.Background()); err != nil {
		t.Fatalf("Tx: %v", err)
	}

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if b.tx.rollbacks != 1 || b.tx.commits != 0 {
		t.Errorf("expected 1 rollback and 0 commits, got %d and %d", b.tx.rollbacks, b.tx.commits)
	}
}

func TestSession_CommitOnce(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	s := NewSession(b)
	if _, err := s.Tx(context.Background()); err != nil {
		t.Fatalf("Tx: %v", err)
	}

	if err := s.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := s.Commit(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed on second commit, got %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.Tx(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed after commit, got %v", err)
	}

	if b.tx.commits != 1 || b.tx.rollbacks != 0 {
		t.Errorf("expected 1 commit and 0 rollbacks, got %d and %d", b.tx.commits, b.tx.rollbacks)
	}
}

func TestSession_UnusedSessionTouchesNothing(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	s := NewSession(b)

	if err := s.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if b.begins != 0 || b.tx.commits != 0 {
		t.Errorf("expected no database activity, got %d begins and %d commits", b.begins, b.tx.commits)
	}
}

func TestSession_BeginError(t *testing.T) {
	b := &fakeBeginner{err: errors.New("pool exhausted")}
	s := NewSession(b)

	if _, err := s.Tx(context.Background()); err == nil {
		t.Fatal("expected begin error")
	}
}

func TestConn_Fallback(t *testing.T) {
	var fallback DB = &fakeTx{}

	q, err := Conn(context.Background(), fallback)
	if err != nil {
		t.Fatalf("Conn: %v", err)
	}
	if q != fallback {
		t.Error("expected fallback querier outside a session")
	}
	if err := Commit(context.Background()); err != nil {
		t.Errorf("expected Commit without session to be a no-op, got %v", err)
	}
}

func TestConn_UsesSessionTx(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	ctx := WithSession(context.Background(), NewSession(b))

	q, err := Conn(ctx, nil)
	if err != nil {
		t.Fatalf("Conn: %v", err)
	}
	if q != DB(b.tx) {
		t.Error("expected the session transaction")
	}
}

func TestSessionMiddleware(t *testing.T) {
	tests := []struct {
		name          string
		handler       func(c echo.Context) error
		wantCommits   int
		wantRollbacks int
	}{
		{
			name: "read rolls back",
			handler: func(c echo.Context) error {
				_, err := Conn(c.Request().Context(), nil)
				return err
			},
			wantRollbacks: 1,
		},
		{
			name: "write commits",
			handler: func(c echo.Context) error {
				ctx := c.Request().Context()
				if _, err := Conn(ctx, nil); err != nil {
					return err
				}
				return Commit(ctx)
			},
			wantCommits: 1,
		},
		{
			name: "handler error rolls back",
			handler: func(c echo.Context) error {
				if _, err := Conn(c.Request().Context(), nil); err != nil {
					return err
				}
				return errors.New("boom")
			},
			wantRollbacks: 1,
		},
		{
			name:    "no database use",
			handler: func(c echo.Context) error { return c.NoContent(http.StatusNoContent) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBeginner{tx: &fakeTx{}}
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			c := e.NewContext(req, httptest.NewRecorder())

			_ = SessionMiddleware(b, zerolog.Nop())(tt.handler)(c)

			if b.tx.commits != tt.wantCommits {
				t.Errorf("expected %d commits, got %d", tt.wantCommits, b.tx.commits)
			}
			if b.tx.rollbacks != tt.wantRollbacks {
				t.Errorf("expected %d rollbacks, got %d", tt.wantRollbacks, b.tx.rollbacks)
			}
		})
	}
}
