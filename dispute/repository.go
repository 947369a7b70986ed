package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("dispute: not found")
)

// Store is the per-agreement dispute store used inside agreement operations.
type Store interface {
	Get(ctx context.Context, agreementID uint64) (Record, error)
	Put(ctx context.Context, rec Record) error
}

// TxRepository reads and writes disputes inside an open transaction.
type TxRepository struct {
	tx pgx.Tx
}

func NewTxRepository(tx pgx.Tx) *TxRepository {
	return &TxRepository{tx: tx}
}

func (r *TxRepository) Get(ctx context.Context, agreementID uint64) (Record, error) {
	const query = `
		SELECT agreement_id, reason, initiator, resolution, client_refund_pct, opened_at, resolved_at
		FROM disputes
		WHERE agreement_id = $1
	`
	rec, err := scanRecord(r.tx.QueryRow(ctx, query, int64(agreementID)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

func (r *TxRepository) Put(ctx context.Context, rec Record) error {
	const query = `
		INSERT INTO disputes (agreement_id, reason, initiator, resolution, client_refund_pct, opened_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (agreement_id) DO UPDATE
		SET reason = EXCLUDED.reason,
		    initiator = EXCLUDED.initiator,
		    resolution = EXCLUDED.resolution,
		    client_refund_pct = EXCLUDED.client_refund_pct,
		    opened_at = EXCLUDED.opened_at,
		    resolved_at = EXCLUDED.resolved_at
	`
	var pct *int16
	if rec.ClientRefundPct != nil {
		v := int16(*rec.ClientRefundPct)
		pct = &v
	}
	if _, err := r.tx.Exec(ctx, query,
		int64(rec.AgreementID),
		rec.Reason,
		rec.Initiator,
		rec.Resolution,
		pct,
		rec.OpenedAt,
		rec.ResolvedAt,
	); err != nil {
		return fmt.Errorf("dispute: put: %w", err)
	}
	return nil
}

// Repository serves dispute listings outside of agreement operations.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListForParty returns disputes on agreements where principal is the client or
// the provider, newest first.
func (r *Repository) ListForParty(ctx context.Context, principal string) ([]Record, error) {
	const query = `
		SELECT d.agreement_id, d.reason, d.initiator, d.resolution, d.client_refund_pct, d.opened_at, d.resolved_at
		FROM disputes d
		JOIN agreements a ON a.id = d.agreement_id
		WHERE a.client = $1 OR a.provider = $1
		ORDER BY d.opened_at DESC
	`

	rows, err := r.pool.Query(ctx, query, principal)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

// ListAll returns every dispute, newest first. Used for the administrator.
func (r *Repository) ListAll(ctx context.Context) ([]Record, error) {
	const query = `
		SELECT agreement_id, reason, initiator, resolution, client_refund_pct, opened_at, resolved_at
		FROM disputes
		ORDER BY opened_at DESC
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("dispute: list all: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec Record
		id  int64
		pct *int16
	)
	if err := row.Scan(&id, &rec.Reason, &rec.Initiator, &rec.Resolution, &pct, &rec.OpenedAt, &rec.ResolvedAt); err != nil {
		return Record{}, err
	}
	rec.AgreementID = uint64(id)
	if pct != nil {
		v := uint8(*pct)
		rec.ClientRefundPct = &v
	}
	return rec, nil
}
