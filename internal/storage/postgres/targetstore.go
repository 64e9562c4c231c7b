package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/dispatch"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

// TargetStore reads active device tokens from fcm_tokens.
type TargetStore struct {
	db Querier
}

var _ dispatch.TargetResolver = (*TargetStore)(nil)

func NewTargetStore(db Querier) *TargetStore {
	return &TargetStore{db: db}
}

const resolveSQL = `
	SELECT token, is_active
	FROM fcm_tokens
	WHERE user_id::text = $1 AND is_active = true`

func (s *TargetStore) Resolve(ctx context.Context, recipientID string) ([]outbox.Target, error) {
	rows, err := s.db.Query(ctx, resolveSQL, recipientID)
	if err != nil {
		return nil, fmt.Errorf("%w: query fcm tokens: %v", outbox.ErrStore, err)
	}
	targets, err := pgx.CollectRows(rows, pgx.RowToStructByPos[outbox.Target])
	if err != nil {
		return nil, fmt.Errorf("%w: scan fcm tokens: %v", outbox.ErrStore, err)
	}
	return targets, nil
}
