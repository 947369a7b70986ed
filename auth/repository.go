package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrPrincipalNotFound signals that the principal is not registered.
	ErrPrincipalNotFound = errors.New("auth: principal not found")
	// ErrDuplicatePrincipal signals that the principal is already registered.
	ErrDuplicatePrincipal = errors.New("auth: principal already exists")
)

// Repository handles data access for authentication.
type Repository interface {
	CreatePrincipal(ctx context.Context, name, passwordHash string) (Principal, error)
	GetPrincipal(ctx context.Context, name string) (Principal, error)
	// PutPrincipal creates the principal or replaces its password hash.
	PutPrincipal(ctx context.Context, name, passwordHash string) (Principal, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) CreatePrincipal(ctx context.Context, name, passwordHash string) (Principal, error) {
	const insertSQL = `
		INSERT INTO principals (principal, password_hash)
		VALUES ($1, $2)
		RETURNING principal, password_hash, created_at
	`

	p, err := scanPrincipal(r.pool.QueryRow(ctx, insertSQL, name, passwordHash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Principal{}, ErrDuplicatePrincipal
		}
		return Principal{}, fmt.Errorf("auth: create principal: %w", err)
	}
	return p, nil
}

func (r *PGRepository) GetPrincipal(ctx context.Context, name string) (Principal, error) {
	const query = `
		SELECT principal, password_hash, created_at
		FROM principals
		WHERE principal = $1
	`

	p, err := scanPrincipal(r.pool.QueryRow(ctx, query, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, ErrPrincipalNotFound
		}
		return Principal{}, fmt.Errorf("auth: get principal: %w", err)
	}
	return p, nil
}

func (r *PGRepository) PutPrincipal(ctx context.Context, name, passwordHash string) (Principal, error) {
	const upsertSQL = `
		INSERT INTO principals (principal, password_hash)
		VALUES ($1, $2)
		ON CONFLICT (principal) DO UPDATE
		SET password_hash = EXCLUDED.password_hash
		RETURNING principal, password_hash, created_at
	`

	p, err := scanPrincipal(r.pool.QueryRow(ctx, upsertSQL, name, passwordHash))
	if err != nil {
		return Principal{}, fmt.Errorf("auth: put principal: %w", err)
	}
	return p, nil
}

func scanPrincipal(row pgx.Row) (Principal, error) {
	var p Principal
	if err := row.Scan(&p.Name, &p.PasswordHash, &p.CreatedAt); err != nil {
		return Principal{}, err
	}
	return p, nil
}
