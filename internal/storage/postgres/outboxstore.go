package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/dispatch"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

// OutboxStore implements dispatch.OutboxStore on the notifications_outbox table.
type OutboxStore struct {
	db Querier
}

var _ dispatch.OutboxStore = (*OutboxStore)(nil)

func NewOutboxStore(db Querier) *OutboxStore {
	return &OutboxStore{db: db}
}

// The claim is a plain SELECT: no row locks, so overlapping invocations may read the same rows.
const claimSQL = `
	SELECT id::text, user_id::text, payload, status, retry_count, error_message, created_at, sent_at
	FROM notifications_outbox
	WHERE status = 'pending' AND retry_count < $1
	ORDER BY created_at ASC
	LIMIT $2`

func (s *OutboxStore) ClaimBatch(ctx context.Context, limit, maxRetries int) ([]outbox.Record, error) {
	rows, err := s.db.Query(ctx, claimSQL, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: claim outbox batch: %v", outbox.ErrStore, err)
	}

	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("%w: scan outbox batch: %v", outbox.ErrStore, err)
	}
	return records, nil
}

func scanRecord(row pgx.CollectableRow) (outbox.Record, error) {
	var (
		r       outbox.Record
		status  string
		payload []byte
	)
	if err := row.Scan(&r.ID, &r.RecipientID, &payload, &status, &r.RetryCount, &r.ErrorMessage, &r.CreatedAt, &r.SentAt); err != nil {
		return r, err
	}
	r.Status = outbox.Status(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &r.Payload); err != nil {
			return r, fmt.Errorf("decode payload of %s: %w", r.ID, err)
		}
	}
	return r, nil
}

const markSentSQL = `
	UPDATE notifications_outbox
	SET status = 'sent', sent_at = $2
	WHERE id::text = $1 AND status <> 'sent'`

// MarkSent leaves an already-sent row untouched, so the first sent_at is kept.
func (s *OutboxStore) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	if _, err := s.db.Exec(ctx, markSentSQL, id, sentAt.UTC()); err != nil {
		return fmt.Errorf("%w: mark %s sent: %v", outbox.ErrStore, id, err)
	}
	return nil
}

const markFailedSQL = `
	UPDATE notifications_outbox
	SET status = 'failed', error_message = $2, retry_count = $3
	WHERE id::text = $1 AND status <> 'sent'`

func (s *OutboxStore) MarkFailed(ctx context.Context, id string, errMsg string, retryCount int) error {
	if _, err := s.db.Exec(ctx, markFailedSQL, id, errMsg, retryCount); err != nil {
		return fmt.Errorf("%w: mark %s failed: %v", outbox.ErrStore, id, err)
	}
	return nil
}
