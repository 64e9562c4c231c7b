package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-outbox-dispatcher/internal/pipeline"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Typed Mocks ---

type mockStore struct {
	mock.Mock
}

func (m *mockStore) ClaimBatch(ctx context.Context, limit, maxRetries int) ([]outbox.Record, error) {
	args := m.Called(ctx, limit, maxRetries)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]outbox.Record), args.Error(1)
}
func (m *mockStore) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	return m.Called(ctx, id, sentAt).Error(0)
}
func (m *mockStore) MarkFailed(ctx context.Context, id string, errMsg string, retryCount int) error {
	return m.Called(ctx, id, errMsg, retryCount).Error(0)
}

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) Resolve(ctx context.Context, recipientID string) ([]outbox.Target, error) {
	args := m.Called(ctx, recipientID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]outbox.Target), args.Error(1)
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, token string, n outbox.Notification) error {
	return m.Called(ctx, token, n).Error(0)
}

func payload(t *testing.T, raw string) outbox.Payload {
	t.Helper()
	var p outbox.Payload
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	return p
}

func record(t *testing.T, id, user string, retries int) outbox.Record {
	return outbox.Record{
		ID:          id,
		RecipientID: user,
		Payload:     payload(t, `{"title":"Order ready","body":"Pick it up","order_id":42}`),
		Status:      outbox.StatusPending,
		RetryCount:  retries,
		CreatedAt:   time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
	}
}

func active(tokens ...string) []outbox.Target {
	out := make([]outbox.Target, 0, len(tokens))
	for _, tok := range tokens {
		out = append(out, outbox.Target{Token: tok, Active: true})
	}
	return out
}

func setupDispatcherTest(t *testing.T) (*pipeline.Dispatcher, *mockStore, *mockResolver, *mockSender) {
	t.Helper()
	store := new(mockStore)
	resolver := new(mockResolver)
	sender := new(mockSender)
	d, err := pipeline.NewDispatcher(store, resolver, sender, pipeline.DispatcherConfig{}, newTestLogger())
	require.NoError(t, err)
	return d, store, resolver, sender
}

func TestDispatcher_RunBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("Empty batch returns a zero summary", func(t *testing.T) {
		d, store, resolver, _ := setupDispatcherTest(t)
		store.On("ClaimBatch", ctx, 10, 3).Return([]outbox.Record{}, nil).Once()

		summary, err := d.RunBatch(ctx)
		require.NoError(t, err)
		assert.True(t, summary.Success)
		assert.Equal(t, 0, summary.Processed)
		assert.Equal(t, pipeline.MessageNothingPending, summary.Message)
		assert.False(t, summary.Timestamp.IsZero())
		resolver.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything)
	})

	t.Run("Claim failure is fatal", func(t *testing.T) {
		d, store, _, _ := setupDispatcherTest(t)
		store.On("ClaimBatch", ctx, 10, 3).Return(nil, fmt.Errorf("%w: connection refused", outbox.ErrStore)).Once()

		summary, err := d.RunBatch(ctx)
		require.Error(t, err)
		assert.Nil(t, summary)
		assert.ErrorIs(t, err, outbox.ErrStore)
	})

	t.Run("Happy Path - All devices delivered", func(t *testing.T) {
		d, store, resolver, sender := setupDispatcherTest(t)
		rec := record(t, "r1", "u1", 0)
		store.On("ClaimBatch", ctx, 10, 3).Return([]outbox.Record{rec}, nil).Once()
		resolver.On("Resolve", ctx, "u1").Return(active("tok-a", "tok-b"), nil).Once()

		expected := outbox.Notification{
			Title: "Order ready",
			Body:  "Pick it up",
			Data:  map[string]string{"title": "Order ready", "body": "Pick it up", "order_id": "42"},
		}
		sender.On("Send", ctx, "tok-a", expected).Return(nil).Once()
		sender.On("Send", ctx, "tok-b", expected).Return(nil).Once()
		store.On("MarkSent", ctx, "r1", mock.AnythingOfType("time.Time")).Return(nil).Once()

		summary, err := d.RunBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Processed)
		assert.Equal(t, 1, summary.Sent)
		assert.Equal(t, 0, summary.Failed)
		store.AssertExpectations(t)
		sender.AssertExpectations(t)
	})

	t.Run("Partial success counts as sent", func(t *testing.T) {
		d, store, resolver, sender := setupDispatcherTest(t)
		rec := record(t, "r1", "u1", 0)
		store.On("ClaimBatch", ctx, 10, 3).Return([]outbox.Record{rec}, nil).Once()
		resolver.On("Resolve", ctx, "u1").Return(active("good", "stale"), nil).Once()
		sender.On("Send", ctx, "good", mock.Anything).Return(nil).Once()
		sender.On("Send", ctx, "stale", mock.Anything).Return(outbox.ErrGatewayRejected).Once()
		store.On("MarkSent", ctx, "r1", mock.Anything).Return(nil).Once()

		summary, err := d.RunBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Sent)
		assert.Equal(t, 0, summary.Failed)
		store.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		sender.AssertNumberOfCalls(t, "Send", 2)
	})

	t.Run("All devices failing marks the record failed", func(t *testing.T) {
		d, store, resolver, sender := setupDispatcherTest(t)
		rec := record(t, "r1", "u1", 1)
		store.On("ClaimBatch", ctx, 10, 3).Return([]outbox.Record{rec}, nil).Once()
		resolver.On("Resolve", ctx, "u1").Return(active("a", "b"), nil).Once()
		sender.On("Send", ctx, mock.Anything, mock.Anything).Return(outbox.ErrGatewayRejected).Twice()
		store.On("MarkFailed", ctx, "r1", pipeline.ReasonAllSendsFailed, 2).Return(nil).Once()

		summary, err := d.RunBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, summary.Sent)
		assert.Equal(t, 1, summary.Failed)
		store.AssertExpectations(t)
		store.AssertNotCalled(t, "MarkSent", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("No active targets marks failed without sending", func(t *testing.T) {
		d, store, resolver, sender := setupDispatcherTest(t)
		rec := record(t, "r1", "u1", 0)
		store.On("ClaimBatch", ctx, 10, 3).Return([]outbox.Record{rec}, nil).Once()
		resolver.On("Resolve", ctx, "u1").Return([]outbox.Target{{Token: "old", Active: false}}, nil).Once()
		store.On("MarkFailed", ctx, "r1", "No active FCM token", 1).Return(nil).Once()

		summary, err := d.RunBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Failed)
		sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
		store.AssertExpectations(t)
	})

	t.Run("Resolve failure is a record failure", func(t *testing.T) {
		d, store, resolver, sender := setupDispatcherTest(t)
		rec := record(t, "r1", "u1", 2)
		store.On("ClaimBatch", ctx, 10, 3).Return([]outbox.Record{rec}, nil).Once()
		resolver.On("Resolve", ctx, "u1").Return(nil, outbox.ErrStore).Once()
		store.On("MarkFailed", ctx, "r1", pipeline.ReasonResolveFailed, 3).Return(nil).Once()

		summary, err := d.RunBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Failed)
		sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Missing title and body fall back to defaults", func(t *testing.T) {
		d, store, resolver, sender := setupDispatcherTest(t)
		rec := record(t, "r1", "u1", 0)
		rec.Payload = payload(t, `{"order_id":"A-7"}`)
		store.On("ClaimBatch", ctx, 10, 3).Return([]outbox.Record{rec}, nil).Once()
		resolver.On("Resolve", ctx, "u1").Return(active("tok"), nil).Once()
		sender.On("Send", ctx, "tok", outbox.Notification{
			Title: pipeline.DefaultTitle,
			Body:  pipeline.DefaultBody,
			Data:  map[string]string{"order_id": "A-7"},
		}).Return(nil).Once()
		store.On("MarkSent", ctx, "r1", mock.Anything).Return(nil).Once()

		_, err := d.RunBatch(ctx)
		require.NoError(t, err)
		sender.AssertExpectations(t)
	})

	t.Run("Store update errors do not abort the batch", func(t *testing.T) {
		d, store, resolver, sender := setupDispatcherTest(t)
		r1 := record(t, "r1", "u1", 0)
		r2 := record(t, "r2", "u2", 0)
		store.On("ClaimBatch", ctx, 10, 3).Return([]outbox.Record{r1, r2}, nil).Once()
		resolver.On("Resolve", ctx, "u1").Return(active(), nil).Once()
		store.On("MarkFailed", ctx, "r1", pipeline.ReasonNoActiveTarget, 1).Return(outbox.ErrStore).Once()
		resolver.On("Resolve", ctx, "u2").Return(active("tok"), nil).Once()
		sender.On("Send", ctx, "tok", mock.Anything).Return(nil).Once()
		store.On("MarkSent", ctx, "r2", mock.Anything).Return(nil).Once()

		summary, err := d.RunBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, summary.Processed)
		assert.Equal(t, 1, summary.Sent)
		assert.Equal(t, 1, summary.Failed)
		store.AssertExpectations(t)
	})

	t.Run("MarkSent failure marks the record failed", func(t *testing.T) {
		d, store, resolver, sender := setupDispatcherTest(t)
		rec := record(t, "r1", "u1", 0)
		store.On("ClaimBatch", ctx, 10, 3).Return([]outbox.Record{rec}, nil).Once()
		resolver.On("Resolve", ctx, "u1").Return(active("tok"), nil).Once()
		sender.On("Send", ctx, "tok", mock.Anything).Return(nil).Once()
		store.On("MarkSent", ctx, "r1", mock.Anything).Return(outbox.ErrStore).Once()
		store.On("MarkFailed", ctx, "r1", pipeline.ReasonRecordFailed, 1).Return(nil).Once()

		summary, err := d.RunBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, summary.Sent)
		assert.Equal(t, 1, summary.Failed)
		store.AssertExpectations(t)
	})

	t.Run("Configured limits reach the store", func(t *testing.T) {
		store := new(mockStore)
		d, err := pipeline.NewDispatcher(store, new(mockResolver), new(mockSender),
			pipeline.DispatcherConfig{BatchSize: 25, MaxRetries: 5}, newTestLogger())
		require.NoError(t, err)
		store.On("ClaimBatch", ctx, 25, 5).Return([]outbox.Record{}, nil).Once()

		_, err = d.RunBatch(ctx)
		require.NoError(t, err)
		store.AssertExpectations(t)
	})
}

func TestNewDispatcher_RequiresCollaborators(t *testing.T) {
	_, err := pipeline.NewDispatcher(nil, new(mockResolver), new(mockSender), pipeline.DispatcherConfig{}, newTestLogger())
	assert.ErrorIs(t, err, outbox.ErrConfig)
}

// --- In-memory outbox for state-machine properties ---

type memoryStore struct {
	mu      sync.Mutex
	records map[string]*outbox.Record
}

func newMemoryStore(records ...outbox.Record) *memoryStore {
	s := &memoryStore{records: make(map[string]*outbox.Record)}
	for i := range records {
		r := records[i]
		s.records[r.ID] = &r
	}
	return s
}

func (s *memoryStore) ClaimBatch(_ context.Context, limit, maxRetries int) ([]outbox.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outbox.Record
	for _, r := range s.records {
		if r.Status == outbox.StatusPending && r.RetryCount < maxRetries {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) MarkSent(_ context.Context, id string, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.records[id]
	if r.Status == outbox.StatusSent {
		return nil
	}
	r.Status = outbox.StatusSent
	r.SentAt = &sentAt
	return nil
}

func (s *memoryStore) MarkFailed(_ context.Context, id string, errMsg string, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.records[id]
	if r.Status == outbox.StatusSent {
		return nil
	}
	r.Status = outbox.StatusFailed
	r.ErrorMessage = &errMsg
	r.RetryCount = retryCount
	return nil
}

// unmarkableStore accepts everything except MarkSent.
type unmarkableStore struct {
	*memoryStore
}

func (s unmarkableStore) MarkSent(context.Context, string, time.Time) error {
	return outbox.ErrStore
}

type tokenTable map[string][]outbox.Target

func (t tokenTable) Resolve(_ context.Context, recipientID string) ([]outbox.Target, error) {
	if recipientID == "broken" {
		return nil, outbox.ErrStore
	}
	return t[recipientID], nil
}

type failingTokens map[string]bool

func (f failingTokens) Send(_ context.Context, token string, _ outbox.Notification) error {
	if f[token] {
		return errors.New("rejected")
	}
	return nil
}

func TestDispatcher_StateMachine(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

	mk := func(id, user string, retries int, offset time.Duration) outbox.Record {
		return outbox.Record{ID: id, RecipientID: user, Status: outbox.StatusPending, RetryCount: retries, CreatedAt: base.Add(offset)}
	}

	store := newMemoryStore(
		mk("ok", "alice", 0, 1*time.Minute),
		mk("partial", "bob", 1, 2*time.Minute),
		mk("dead", "carol", 0, 3*time.Minute),
		mk("none", "dave", 2, 4*time.Minute),
		mk("broken", "broken", 0, 5*time.Minute),
		mk("exhausted", "alice", 3, 0),
	)
	tokens := tokenTable{
		"alice": active("a1"),
		"bob":   active("b-good", "b-bad"),
		"carol": active("c1", "c2"),
	}
	fails := failingTokens{"b-bad": true, "c1": true, "c2": true}

	d, err := pipeline.NewDispatcher(store, tokens, fails, pipeline.DispatcherConfig{}, newTestLogger())
	require.NoError(t, err)

	before := map[string]int{}
	for id, r := range store.records {
		before[id] = r.RetryCount
	}

	summary, err := d.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Processed)
	assert.Equal(t, 2, summary.Sent)
	assert.Equal(t, 3, summary.Failed)

	t.Run("Every claimed record leaves pending", func(t *testing.T) {
		for _, id := range []string{"ok", "partial", "dead", "none", "broken"} {
			assert.NotEqual(t, outbox.StatusPending, store.records[id].Status, id)
		}
	})

	t.Run("Records at the ceiling are untouched", func(t *testing.T) {
		assert.Equal(t, outbox.StatusPending, store.records["exhausted"].Status)
		assert.Equal(t, 3, store.records["exhausted"].RetryCount)
	})

	t.Run("Retry count grows by exactly one per failure", func(t *testing.T) {
		for id, r := range store.records {
			switch r.Status {
			case outbox.StatusFailed:
				assert.Equal(t, before[id]+1, r.RetryCount, id)
			default:
				assert.Equal(t, before[id], r.RetryCount, id)
			}
		}
	})

	t.Run("Failure reasons", func(t *testing.T) {
		assert.Equal(t, outbox.StatusSent, store.records["partial"].Status)
		assert.Equal(t, pipeline.ReasonAllSendsFailed, *store.records["dead"].ErrorMessage)
		assert.Equal(t, pipeline.ReasonNoActiveTarget, *store.records["none"].ErrorMessage)
		assert.Equal(t, pipeline.ReasonResolveFailed, *store.records["broken"].ErrorMessage)
	})

	t.Run("A second pass finds nothing to do", func(t *testing.T) {
		again, err := d.RunBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, again.Processed)
	})
}

func TestDispatcher_ClaimOrdering(t *testing.T) {
	base := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	store := newMemoryStore(
		outbox.Record{ID: "t3", RecipientID: "u", Status: outbox.StatusPending, CreatedAt: base.Add(3 * time.Second)},
		outbox.Record{ID: "t1", RecipientID: "u", Status: outbox.StatusPending, CreatedAt: base.Add(1 * time.Second)},
		outbox.Record{ID: "t2", RecipientID: "u", Status: outbox.StatusPending, CreatedAt: base.Add(2 * time.Second)},
	)

	var order []string
	sender := senderFunc(func(_ context.Context, _ string, n outbox.Notification) error {
		order = append(order, n.Data["seq"])
		return nil
	})
	for id, r := range store.records {
		r.Payload = outbox.Payload{"seq": json.RawMessage(`"` + id + `"`)}
	}

	d, err := pipeline.NewDispatcher(store, tokenTable{"u": active("tok")}, sender,
		pipeline.DispatcherConfig{BatchSize: 2}, newTestLogger())
	require.NoError(t, err)

	summary, err := d.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, []string{"t1", "t2"}, order)
	assert.Equal(t, outbox.StatusPending, store.records["t3"].Status)
}

func TestDispatcher_CancelledContext(t *testing.T) {
	store := newMemoryStore(
		outbox.Record{ID: "a", RecipientID: "u", Status: outbox.StatusPending, CreatedAt: time.Unix(1, 0)},
		outbox.Record{ID: "b", RecipientID: "u", Status: outbox.StatusPending, CreatedAt: time.Unix(2, 0)},
	)
	ctx, cancel := context.WithCancel(context.Background())

	sender := senderFunc(func(context.Context, string, outbox.Notification) error {
		cancel()
		return nil
	})
	d, err := pipeline.NewDispatcher(store, tokenTable{"u": active("tok")}, sender, pipeline.DispatcherConfig{}, newTestLogger())
	require.NoError(t, err)

	summary, err := d.RunBatch(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, summary.Success)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, outbox.StatusSent, store.records["a"].Status)
	assert.Equal(t, outbox.StatusPending, store.records["b"].Status)
}

type senderFunc func(ctx context.Context, token string, n outbox.Notification) error

func (f senderFunc) Send(ctx context.Context, token string, n outbox.Notification) error {
	return f(ctx, token, n)
}

func TestDispatcher_UnrecordedDeliveryIsBounded(t *testing.T) {
	ctx := context.Background()
	store := unmarkableStore{newMemoryStore(
		outbox.Record{ID: "r1", RecipientID: "u", Status: outbox.StatusPending, CreatedAt: time.Unix(1, 0)},
	)}

	sends := 0
	sender := senderFunc(func(context.Context, string, outbox.Notification) error {
		sends++
		return nil
	})
	d, err := pipeline.NewDispatcher(store, tokenTable{"u": active("tok")}, sender, pipeline.DispatcherConfig{}, newTestLogger())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := d.RunBatch(ctx)
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, sends, pipeline.DefaultMaxRetries)
	r := store.records["r1"]
	assert.Equal(t, outbox.StatusFailed, r.Status)
	assert.Equal(t, 1, r.RetryCount)
	require.NotNil(t, r.ErrorMessage)
	assert.Equal(t, pipeline.ReasonRecordFailed, *r.ErrorMessage)
}
