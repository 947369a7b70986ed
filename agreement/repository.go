package agreement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// TxRepository persists agreements and their milestone rows inside an open
// transaction.
type TxRepository struct {
	tx pgx.Tx
}

func NewTxRepository(tx pgx.Tx) *TxRepository {
	return &TxRepository{tx: tx}
}

func (r *TxRepository) Get(ctx context.Context, id uint64) (Agreement, error) {
	const agreementSQL = `
SELECT id, client, provider, total_cost, status, start_time, end_time, dispute_deadline, created_at, updated_at
FROM agreements
WHERE id = $1
`

	var (
		a         Agreement
		rowID     int64
		totalCost int64
		status    string
		start     int64
		end       int64
		deadline  int64
	)
	err := r.tx.QueryRow(ctx, agreementSQL, int64(id)).Scan(
		&rowID, &a.Client, &a.Provider, &totalCost, &status, &start, &end, &deadline, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return Agreement{}, fmt.Errorf("agreement: load: %w", err)
	}
	a.ID = uint64(rowID)
	a.TotalCost = uint64(totalCost)
	a.Status = Status(status)
	a.StartTime = uint64(start)
	a.EndTime = uint64(end)
	a.DisputeDeadline = uint64(deadline)

	const milestonesSQL = `
SELECT position, description, payment_share, completed
FROM agreement_milestones
WHERE agreement_id = $1
ORDER BY position
`
	rows, err := r.tx.Query(ctx, milestonesSQL, int64(id))
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: load milestones: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			position int16
			share    int64
			ms       Milestone
		)
		if err := rows.Scan(&position, &ms.Description, &share, &ms.Completed); err != nil {
			return Agreement{}, fmt.Errorf("agreement: scan milestone: %w", err)
		}
		ms.PaymentShare = uint64(share)
		if err := a.Milestones.updateAt(int(position), func(slot *Milestone) { *slot = ms }); err != nil {
			return Agreement{}, fmt.Errorf("agreement: milestone row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return Agreement{}, fmt.Errorf("agreement: iterate milestones: %w", err)
	}

	return a, nil
}

func (r *TxRepository) Insert(ctx context.Context, a Agreement) error {
	const insertSQL = `
INSERT INTO agreements (id, client, provider, total_cost, status, start_time, end_time, dispute_deadline, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	updated := a.UpdatedAt
	if updated.IsZero() {
		updated = created
	}

	_, err := r.tx.Exec(ctx, insertSQL,
		int64(a.ID), a.Client, a.Provider, int64(a.TotalCost), string(a.Status),
		int64(a.StartTime), int64(a.EndTime), int64(a.DisputeDeadline), created, updated,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %d", ErrAlreadyExists, a.ID)
		}
		return fmt.Errorf("agreement: insert: %w", err)
	}

	const milestoneSQL = `
INSERT INTO agreement_milestones (agreement_id, position, description, payment_share, completed)
VALUES ($1, $2, $3, $4, $5)
`
	batch := &pgx.Batch{}
	for i, ms := range a.Milestones {
		batch.Queue(milestoneSQL, int64(a.ID), int16(i), ms.Description, int64(ms.PaymentShare), ms.Completed)
	}
	if err := r.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("agreement: insert milestones: %w", err)
	}

	return nil
}

// Update stores the mutable parts of a: status, timestamps and milestone
// completion flags.
func (r *TxRepository) Update(ctx context.Context, a Agreement) error {
	const updateSQL = `
UPDATE agreements
SET status = $2,
    updated_at = $3
WHERE id = $1
`
	updated := a.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	tag, err := r.tx.Exec(ctx, updateSQL, int64(a.ID), string(a.Status), updated)
	if err != nil {
		return fmt.Errorf("agreement: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, a.ID)
	}

	const milestoneSQL = `
UPDATE agreement_milestones
SET completed = $3
WHERE agreement_id = $1 AND position = $2 AND completed IS DISTINCT FROM $3
`
	batch := &pgx.Batch{}
	for i, ms := range a.Milestones {
		batch.Queue(milestoneSQL, int64(a.ID), int16(i), ms.Completed)
	}
	if err := r.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("agreement: update milestones: %w", err)
	}

	return nil
}
