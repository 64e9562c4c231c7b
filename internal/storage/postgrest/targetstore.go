package postgrest

import (
	"context"

	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/dispatch"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

const TokenTable = "fcm_tokens"

// TargetStore resolves device tokens from the fcm_tokens table.
type TargetStore struct {
	client *Client
	table  string
}

var _ dispatch.TargetResolver = (*TargetStore)(nil)

func NewTargetStore(client *Client) *TargetStore {
	return &TargetStore{client: client, table: TokenTable}
}

func (s *TargetStore) Resolve(ctx context.Context, recipientID string) ([]outbox.Target, error) {
	targets := make([]outbox.Target, 0)
	err := run(ctx, "query fcm tokens", func() error {
		_, err := s.client.from(s.table).
			Select("token,is_active", "", false).
			Eq("user_id", recipientID).
			Eq("is_active", "true").
			ExecuteTo(&targets)
		return err
	})
	if err != nil {
		return nil, err
	}
	return targets, nil
}
