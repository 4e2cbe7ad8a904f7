package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/josephneumann/unkani-sub000/internal/platform/db"
)

type userRepoPG struct {
	pool db.DB
}

func NewUserRepo(pool db.DB) UserRepository {
	return &userRepoPG{pool: pool}
}

const userCols = `u.id, u.username, COALESCE(e.email, ''), u.first_name, u.last_name, u.role,
	u.password_hash, u.confirmed, u.active, u.token_version, u.created_at, u.updated_at`

// primaryEmail picks the preferred active address of each user.
const primaryEmail = `LEFT JOIN LATERAL (
		SELECT email FROM email_address
		WHERE user_id = u.id AND active
		ORDER BY is_primary DESC, id
		LIMIT 1
	) e ON TRUE`

func (r *userRepoPG) GetByEmail(ctx context.Context, email string) (*User, error) {
	q, err := db.Conn(ctx, r.pool)
	if err != nil {
		return nil, err
	}
	u, err := scanUser(q.QueryRow(ctx, `
		SELECT `+userCols+`
		FROM users u
		JOIN email_address e ON e.user_id = u.id AND e.active
		WHERE UPPER(e.email) = $1
		ORDER BY e.is_primary DESC, e.id
		LIMIT 1`, email))
	if err != nil {
		return nil, fmt.Errorf("user by email: %w", err)
	}
	return u, nil
}

func (r *userRepoPG) GetByID(ctx context.Context, id int64) (*User, error) {
	q, err := db.Conn(ctx, r.pool)
	if err != nil {
		return nil, err
	}
	u, err := scanUser(q.QueryRow(ctx, `SELECT `+userCols+` FROM users u `+primaryEmail+` WHERE u.id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("user by id: %w", err)
	}
	return u, nil
}

func (r *userRepoPG) Create(ctx context.Context, u *User) error {
	q, err := db.Conn(ctx, r.pool)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, q, func(tx pgx.Tx) error {
		var taken bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM email_address WHERE UPPER(email) = $1 AND active)`, u.Email,
		).Scan(&taken); err != nil {
			return fmt.Errorf("check email: %w", err)
		}
		if taken {
			return ErrEmailTaken
		}

		if err := tx.QueryRow(ctx, `
			INSERT INTO users (username, first_name, last_name, role, password_hash, password_timestamp, confirmed, active)
			VALUES ($1, $2, $3, $4, $5, NOW(), $6, $7)
			RETURNING id, token_version, created_at, updated_at`,
			u.Username, u.FirstName, u.LastName, u.Role, u.PasswordHash, u.Confirmed, u.Active,
		).Scan(&u.ID, &u.TokenVersion, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return fmt.Errorf("insert user: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO email_address (email, is_primary, active, user_id) VALUES ($1, TRUE, TRUE, $2)`,
			u.Email, u.ID,
		); err != nil {
			return fmt.Errorf("insert email address: %w", err)
		}
		return nil
	})
}

func (r *userRepoPG) BumpTokenVersion(ctx context.Context, id int64) (int, error) {
	q, err := db.Conn(ctx, r.pool)
	if err != nil {
		return 0, err
	}
	var version int
	err = q.QueryRow(ctx,
		`UPDATE users SET token_version = token_version + 1, updated_at = NOW() WHERE id = $1 RETURNING token_version`,
		id,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("bump token version: %w", err)
	}
	return version, nil
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.Username, &u.Email, &u.FirstName, &u.LastName, &u.Role,
		&u.PasswordHash, &u.Confirmed, &u.Active, &u.TokenVersion, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
