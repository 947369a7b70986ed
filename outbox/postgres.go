package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresSource claims messages with FOR UPDATE SKIP LOCKED so several relays
// can share the table.
type PostgresSource struct {
	pool        TxBeginner
	maxAttempts int
}

func NewPostgresSource(pool TxBeginner, maxAttempts int) *PostgresSource {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &PostgresSource{pool: pool, maxAttempts: maxAttempts}
}

func (s *PostgresSource) Process(ctx context.Context, limit int, handle Handler) (int, error) {
	if limit <= 0 {
		limit = 10
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
SELECT id, topic, payload, attempts, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY created_at
FOR UPDATE SKIP LOCKED
LIMIT $1
`
	rows, err := tx.Query(ctx, claimSQL, limit)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim: %w", err)
	}
	var batch []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.Payload, &msg.Attempts, &msg.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan: %w", err)
		}
		batch = append(batch, msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("outbox: iterate: %w", err)
	}

	published := 0
	for _, msg := range batch {
		if herr := handle(ctx, msg); herr != nil {
			status := StatusPending
			if msg.Attempts+1 >= s.maxAttempts {
				status = StatusDead
			}
			const failSQL = `
UPDATE outbox
SET attempts = attempts + 1,
    status = $2,
    last_error = $3,
    last_attempt = NOW()
WHERE id = $1
`
			if _, err := tx.Exec(ctx, failSQL, msg.ID, status, herr.Error()); err != nil {
				return 0, fmt.Errorf("outbox: record failure: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', last_attempt = NOW() WHERE id = $1`, msg.ID); err != nil {
			return 0, fmt.Errorf("outbox: mark processed: %w", err)
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit: %w", err)
	}
	return published, nil
}
