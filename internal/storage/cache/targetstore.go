// Package cache adds a Redis read-aside layer in front of a TargetResolver.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/dispatch"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns ErrMiss when the key is absent.
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

// CachedTargetStore is a decorator that adds read-aside caching to any TargetResolver.
// Only successful lookups are cached; store errors always reach the caller.
//
// Entries are never invalidated: token rows are written outside this service. The ttl is
// therefore the staleness bound, and a registered or deactivated token can go unseen for up
// to one ttl (REDIS_TTL).
type CachedTargetStore struct {
	realStore dispatch.TargetResolver
	cache     CacheClient
	ttl       time.Duration
	logger    *slog.Logger
}

var _ dispatch.TargetResolver = (*CachedTargetStore)(nil)

func NewCachedTargetStore(realStore dispatch.TargetResolver, cache CacheClient, ttl time.Duration, logger *slog.Logger) *CachedTargetStore {
	return &CachedTargetStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
		logger:    logger.With("component", "CachedTargetStore"),
	}
}

func (s *CachedTargetStore) Resolve(ctx context.Context, recipientID string) ([]outbox.Target, error) {
	key := s.cacheKey(recipientID)

	var cached []outbox.Target
	err := s.cache.Get(ctx, key, &cached)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, ErrMiss) {
		s.logger.Warn("Cache read failed, falling back to store", "recipient_id", recipientID, "err", err)
	}

	fresh, err := s.realStore.Resolve(ctx, recipientID)
	if err != nil {
		return nil, err
	}

	// Caching is an optimization; a failed write still serves the fresh result.
	if err := s.cache.Set(ctx, key, fresh, s.ttl); err != nil {
		s.logger.Warn("Cache write failed", "recipient_id", recipientID, "err", err)
	}
	return fresh, nil
}

func (s *CachedTargetStore) cacheKey(recipientID string) string {
	return fmt.Sprintf("outbox:targets:%s", recipientID)
}
