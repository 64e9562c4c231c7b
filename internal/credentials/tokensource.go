package credentials

import (
	"context"
	"sync"
	"time"
)

// DefaultRefreshSkew is how long before expiry a cached token is replaced.
const DefaultRefreshSkew = 5 * time.Minute

// TokenMinter is the subset of Minter the cache depends on.
type TokenMinter interface {
	Mint(ctx context.Context) (*AccessToken, error)
}

// CachingTokenSource reuses the last minted token until it is about to expire.
// It is safe for concurrent use; concurrent callers wait on a single mint.
type CachingTokenSource struct {
	minter TokenMinter
	skew   time.Duration
	now    func() time.Time

	mu      sync.Mutex
	current *AccessToken
}

func NewCachingTokenSource(minter TokenMinter, skew time.Duration) *CachingTokenSource {
	if skew <= 0 {
		skew = DefaultRefreshSkew
	}
	return &CachingTokenSource{
		minter: minter,
		skew:   skew,
		now:    time.Now,
	}
}

// Token returns a bearer value valid for at least the refresh skew.
func (s *CachingTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.now().Add(s.skew).Before(s.current.ExpiresAt) {
		return s.current.Value, nil
	}

	fresh, err := s.minter.Mint(ctx)
	if err != nil {
		return "", err
	}
	s.current = fresh
	return fresh.Value, nil
}

// Invalidate drops the cached token so the next call mints a new one.
func (s *CachingTokenSource) Invalidate() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}
