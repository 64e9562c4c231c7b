package postgrest

import (
	"context"
	"strconv"
	"time"

	"github.com/supabase-community/postgrest-go"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/dispatch"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

const OutboxTable = "notifications_outbox"

// OutboxStore implements dispatch.OutboxStore on top of PostgREST.
type OutboxStore struct {
	client *Client
	table  string
}

var _ dispatch.OutboxStore = (*OutboxStore)(nil)

func NewOutboxStore(client *Client) *OutboxStore {
	return &OutboxStore{client: client, table: OutboxTable}
}

func (s *OutboxStore) ClaimBatch(ctx context.Context, limit, maxRetries int) ([]outbox.Record, error) {
	records := make([]outbox.Record, 0, limit)
	err := run(ctx, "claim outbox batch", func() error {
		_, err := s.client.from(s.table).
			Select("*", "", false).
			Eq("status", string(outbox.StatusPending)).
			Lt("retry_count", strconv.Itoa(maxRetries)).
			Order("created_at", &postgrest.OrderOpts{Ascending: true}).
			Limit(limit, "").
			ExecuteTo(&records)
		return err
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

type sentUpdate struct {
	Status outbox.Status `json:"status"`
	SentAt time.Time     `json:"sent_at"`
}

// MarkSent filters on status=neq.sent, so repeating it on a sent row matches nothing and
// the first sent_at stands.
func (s *OutboxStore) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	return run(ctx, "mark "+id+" sent", func() error {
		_, _, err := s.client.from(s.table).
			Update(sentUpdate{Status: outbox.StatusSent, SentAt: sentAt.UTC()}, "minimal", "").
			Eq("id", id).
			Neq("status", string(outbox.StatusSent)).
			Execute()
		return err
	})
}

type failedUpdate struct {
	Status       outbox.Status `json:"status"`
	ErrorMessage string        `json:"error_message"`
	RetryCount   int           `json:"retry_count"`
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id string, errMsg string, retryCount int) error {
	return run(ctx, "mark "+id+" failed", func() error {
		_, _, err := s.client.from(s.table).
			Update(failedUpdate{
				Status:       outbox.StatusFailed,
				ErrorMessage: errMsg,
				RetryCount:   retryCount,
			}, "minimal", "").
			Eq("id", id).
			Neq("status", string(outbox.StatusSent)).
			Execute()
		return err
	})
}
