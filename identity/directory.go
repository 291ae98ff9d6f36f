package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    handle TEXT NOT NULL,
    first_name TEXT NOT NULL DEFAULT '',
    image_url TEXT NOT NULL DEFAULT '',
    hash BYTEA,
    public_metadata JSONB NOT NULL DEFAULT '{"subscriptions": [], "anonym": false}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const userColumns = `id, email, handle, first_name, image_url, hash, public_metadata, created_at, updated_at`

// Directory is the identity provider: account records plus their public
// metadata (subscriptions and the anonymity toggle).
type Directory struct {
	pool *pgxpool.Pool
}

func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

func (d *Directory) CreateTables(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, schema)
	return err
}

// Register creates an account with a bcrypt-hashed password.
func (d *Directory) Register(ctx context.Context, email, handle, firstName, password string) (*User, error) {
	user := NewUser(email, handle, firstName)
	if err := user.SetPassword(password); err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	md, err := json.Marshal(user.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
        INSERT INTO users (id, email, handle, first_name, image_url, hash, public_metadata, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = d.pool.Exec(ctx, query,
		user.ID,
		user.Email,
		user.Handle,
		user.FirstName,
		user.ImageURL,
		user.Hash,
		md,
		user.Created,
		user.Updated,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	user.Sanitize()
	return user, nil
}

// Authenticate returns the account for email when password matches.
func (d *Directory) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := d.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	ok, err := user.PasswordMatches(password)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}
	user.Sanitize()
	return user, nil
}

func (d *Directory) GetUser(ctx context.Context, id string) (*User, error) {
	row := d.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	user, err := scanUser(row)
	if err != nil {
		return nil, err
	}
	user.Sanitize()
	return user, nil
}

// GetUserByEmail keeps the password hash so callers can verify credentials.
func (d *Directory) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := d.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = lower($1)`, email)
	return scanUser(row)
}

// UpdateMetadata replaces the public metadata of a user.
func (d *Directory) UpdateMetadata(ctx context.Context, id string, md Metadata) error {
	if md.Subscriptions == nil {
		md.Subscriptions = make([]string, 0)
	}
	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	tag, err := d.pool.Exec(ctx,
		`UPDATE users SET public_metadata = $2, updated_at = $3 WHERE id = $1`,
		id, data, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (*User, error) {
	var user User
	var metadataJSON []byte

	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Handle,
		&user.FirstName,
		&user.ImageURL,
		&user.Hash,
		&metadataJSON,
		&user.Created,
		&user.Updated,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal(metadataJSON, &user.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return &user, nil
}
