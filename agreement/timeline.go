package agreement

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Topic returns the outbox topic an event is published under.
func (t EventType) Topic() string {
	return "agreement." + strings.ToLower(string(t))
}

// TxTimeline appends timeline events and their outbox messages inside an open
// transaction. Callers hold the agreement's advisory lock, so seq allocation
// does not race.
type TxTimeline struct {
	tx pgx.Tx
}

func NewTxTimeline(tx pgx.Tx) *TxTimeline {
	return &TxTimeline{tx: tx}
}

// EncodePayload renders the JSON document stored on the timeline and published
// through the outbox. The agreement id and event type are always present.
func EncodePayload(ev Event) ([]byte, error) {
	payload := make(map[string]any, len(ev.Payload)+3)
	for k, v := range ev.Payload {
		payload[k] = v
	}
	payload["agreement_id"] = ev.AgreementID
	payload["type"] = string(ev.Type)
	if ev.Actor != "" {
		payload["actor"] = ev.Actor
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("agreement: marshal event payload: %w", err)
	}
	return data, nil
}

func (t *TxTimeline) Append(ctx context.Context, ev Event) error {
	payloadBytes, err := EncodePayload(ev)
	if err != nil {
		return err
	}

	var seq int32
	if err := t.tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM timeline_events WHERE agreement_id = $1`, int64(ev.AgreementID)).Scan(&seq); err != nil {
		return fmt.Errorf("agreement: next timeline seq: %w", err)
	}

	const timelineSQL = `
INSERT INTO timeline_events (id, agreement_id, seq, type, actor, payload)
VALUES ($1, $2, $3, $4, $5, $6)
`
	if _, err := t.tx.Exec(ctx, timelineSQL, uuid.New(), int64(ev.AgreementID), seq, string(ev.Type), ev.Actor, payloadBytes); err != nil {
		return fmt.Errorf("agreement: insert timeline event: %w", err)
	}

	const outboxSQL = `
INSERT INTO outbox (id, topic, payload)
VALUES ($1, $2, $3)
`
	if _, err := t.tx.Exec(ctx, outboxSQL, uuid.New(), ev.Type.Topic(), payloadBytes); err != nil {
		return fmt.Errorf("agreement: insert outbox message: %w", err)
	}

	return nil
}
