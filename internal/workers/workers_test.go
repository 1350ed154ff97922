package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"referral-ledger-backend/internal/common/config"
	apperrors "referral-ledger-backend/internal/common/errors"
	"referral-ledger-backend/internal/features/claim/models"
	"referral-ledger-backend/internal/service/settlement"
)

// fakeRedis keeps plain keys in a map; stream calls are not exercised.
type fakeRedis struct {
	mu   sync.Mutex
	keys map[string]string
}

func newFakeRedis() *fakeRedis { return &fakeRedis{keys: map[string]string{}} }

func (f *fakeRedis) XGroupCreateMkStream(context.Context, string, string, string) *redis.StatusCmd {
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) XReadGroup(context.Context, *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	return redis.NewXStreamSliceCmdResult(nil, redis.Nil)
}

func (f *fakeRedis) XAck(context.Context, string, string, ...string) *redis.IntCmd {
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[key] = value.(string)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.keys[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.keys, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func (f *fakeRedis) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.keys[key]
	return ok
}

type fakeClaims struct {
	mu     sync.Mutex
	claims map[string]*models.ClaimRecord
}

func (f *fakeClaims) Get(_ context.Context, id string) (*models.ClaimRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.claims[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("claim", id)
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeClaims) MarkSettled(_ context.Context, id, txHash string) (*models.ClaimRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.claims[id]
	rec.Status = models.StatusSettled
	rec.TransactionHash = &txHash
	cp := *rec
	return &cp, nil
}

func (f *fakeClaims) MarkFailed(_ context.Context, id string) (*models.ClaimRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.claims[id]
	rec.Status = models.StatusFailed
	cp := *rec
	return &cp, nil
}

func (f *fakeClaims) ListPending(context.Context, time.Duration, int) ([]*models.ClaimRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ClaimRecord
	for _, rec := range f.claims {
		if rec.Status == models.StatusPending {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeSettler struct {
	mu    sync.Mutex
	calls int
	err   error
	// errs are returned by the first calls before falling back to err
	errs []error
}

func (f *fakeSettler) Settle(_ context.Context, order settlement.Order) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	} else if f.err != nil {
		return "", f.err
	}
	return "tx-" + order.ClaimID, nil
}

// reconcilingSettler can find transfers on chain.
type reconcilingSettler struct {
	fakeSettler
	found   map[string]string
	lookups int
}

func (r *reconcilingSettler) Lookup(_ context.Context, order settlement.Order) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	hash, ok := r.found[order.ClaimID]
	return hash, ok, nil
}

func pendingClaims(ids ...string) *fakeClaims {
	c := &fakeClaims{claims: map[string]*models.ClaimRecord{}}
	for _, id := range ids {
		c.claims[id] = &models.ClaimRecord{
			ID:               id,
			WalletAddress:    "0:abc",
			Amount:           decimal.NewFromInt(2),
			SettlementAmount: decimal.NewFromInt(2),
			SettlementToken:  "TON",
			Status:           models.StatusPending,
		}
	}
	return c
}

func newWorker(rdb StreamClient, claims ClaimSettler, settler settlement.Settler) *SettlementWorker {
	return NewSettlementWorker(rdb, claims, settler, config.SettlementConfig{Stream: "settlement:claims", ConsumerGroup: "g"})
}

func TestSettleClaim(t *testing.T) {
	ctx := context.Background()

	t.Run("pays and records", func(t *testing.T) {
		rdb, claims, settler := newFakeRedis(), pendingClaims("c1"), &fakeSettler{}
		require.NoError(t, newWorker(rdb, claims, settler).SettleClaim(ctx, "c1"))

		assert.Equal(t, models.StatusSettled, claims.claims["c1"].Status)
		assert.Equal(t, "tx-c1", *claims.claims["c1"].TransactionHash)
		assert.True(t, rdb.has("settlement:paid:c1"))
		assert.False(t, rdb.has("settlement:lock:c1"))

		// redelivery is a no-op
		require.NoError(t, newWorker(rdb, claims, settler).SettleClaim(ctx, "c1"))
		assert.Equal(t, 1, settler.calls)
	})

	t.Run("locked by another worker", func(t *testing.T) {
		rdb, claims, settler := newFakeRedis(), pendingClaims("c1"), &fakeSettler{}
		rdb.keys["settlement:lock:c1"] = "other"
		require.NoError(t, newWorker(rdb, claims, settler).SettleClaim(ctx, "c1"))
		assert.Zero(t, settler.calls)
		assert.Equal(t, models.StatusPending, claims.claims["c1"].Status)
	})

	t.Run("paid but unrecorded", func(t *testing.T) {
		rdb, claims, settler := newFakeRedis(), pendingClaims("c1"), &fakeSettler{}
		rdb.keys["settlement:paid:c1"] = "tx-earlier"
		require.NoError(t, newWorker(rdb, claims, settler).SettleClaim(ctx, "c1"))
		assert.Zero(t, settler.calls)
		assert.Equal(t, "tx-earlier", *claims.claims["c1"].TransactionHash)
	})

	t.Run("permanent failure", func(t *testing.T) {
		rdb, claims := newFakeRedis(), pendingClaims("c1")
		settler := &fakeSettler{err: settlement.ErrPermanent}
		require.NoError(t, newWorker(rdb, claims, settler).SettleClaim(ctx, "c1"))
		assert.Equal(t, models.StatusFailed, claims.claims["c1"].Status)
	})

	t.Run("failure before broadcast is retried", func(t *testing.T) {
		rdb, claims := newFakeRedis(), pendingClaims("c1")
		settler := &fakeSettler{errs: []error{fmt.Errorf("reach lite servers: %w", settlement.ErrNotSent)}}
		w := newWorker(rdb, claims, settler)

		assert.Error(t, w.SettleClaim(ctx, "c1"))
		assert.Equal(t, models.StatusPending, claims.claims["c1"].Status)
		assert.False(t, rdb.has("settlement:lock:c1"))
		assert.False(t, rdb.has("settlement:inflight:c1"))

		require.NoError(t, w.SettleClaim(ctx, "c1"))
		assert.Equal(t, 2, settler.calls)
		assert.Equal(t, models.StatusSettled, claims.claims["c1"].Status)
	})

	t.Run("unknown outcome is never sent twice", func(t *testing.T) {
		rdb, claims := newFakeRedis(), pendingClaims("c1")
		settler := &fakeSettler{err: errors.New("wait for transaction: deadline exceeded")}
		w := newWorker(rdb, claims, settler)

		// stream delivery, then the pending sweep
		assert.Error(t, w.SettleClaim(ctx, "c1"))
		assert.True(t, rdb.has("settlement:inflight:c1"))
		require.NoError(t, w.SettleClaim(ctx, "c1"))

		assert.Equal(t, 1, settler.calls)
		assert.Equal(t, models.StatusFailed, claims.claims["c1"].Status)
		assert.False(t, rdb.has("settlement:inflight:c1"))
	})

	t.Run("in flight on another worker after its lock expired", func(t *testing.T) {
		rdb, claims := newFakeRedis(), pendingClaims("c1")
		rdb.keys["settlement:inflight:c1"] = "0"
		settler := &reconcilingSettler{}
		w := newWorker(rdb, claims, settler)
		w.grace = time.Hour
		w.now = func() time.Time { return time.Unix(60, 0) }

		assert.ErrorIs(t, w.SettleClaim(ctx, "c1"), errAwaitingReconcile)
		assert.Zero(t, settler.calls)
		assert.Equal(t, 1, settler.lookups)
		assert.Equal(t, models.StatusPending, claims.claims["c1"].Status)
	})

	t.Run("reconciliation finds the transfer", func(t *testing.T) {
		rdb, claims := newFakeRedis(), pendingClaims("c1")
		settler := &reconcilingSettler{fakeSettler: fakeSettler{err: errors.New("wait for transaction: deadline exceeded")}}
		w := newWorker(rdb, claims, settler)
		w.grace = time.Hour

		assert.Error(t, w.SettleClaim(ctx, "c1"))
		settler.found = map[string]string{"c1": "tx-on-chain"}
		require.NoError(t, w.SettleClaim(ctx, "c1"))

		assert.Equal(t, 1, settler.calls)
		assert.Equal(t, models.StatusSettled, claims.claims["c1"].Status)
		assert.Equal(t, "tx-on-chain", *claims.claims["c1"].TransactionHash)
		assert.True(t, rdb.has("settlement:paid:c1"))
		assert.False(t, rdb.has("settlement:inflight:c1"))
	})

	t.Run("reconciliation gives up after grace", func(t *testing.T) {
		rdb, claims := newFakeRedis(), pendingClaims("c1")
		settler := &reconcilingSettler{fakeSettler: fakeSettler{err: errors.New("wait for transaction: deadline exceeded")}}
		w := newWorker(rdb, claims, settler)
		w.grace = 10 * time.Minute
		now := time.Unix(1_700_000_000, 0)
		w.now = func() time.Time { return now }

		assert.Error(t, w.SettleClaim(ctx, "c1"))
		assert.ErrorIs(t, w.SettleClaim(ctx, "c1"), errAwaitingReconcile)
		assert.Equal(t, models.StatusPending, claims.claims["c1"].Status)

		now = now.Add(11 * time.Minute)
		require.NoError(t, w.SettleClaim(ctx, "c1"))
		assert.Equal(t, 1, settler.calls)
		assert.Equal(t, models.StatusFailed, claims.claims["c1"].Status)
	})

	t.Run("unknown claim", func(t *testing.T) {
		settler := &fakeSettler{}
		require.NoError(t, newWorker(newFakeRedis(), pendingClaims(), settler).SettleClaim(ctx, "missing"))
		assert.Zero(t, settler.calls)
	})
}

func TestBreakerOpensOnRepeatedFailures(t *testing.T) {
	ctx := context.Background()
	claims := pendingClaims("c1", "c2", "c3", "c4", "c5", "c6")
	settler := &fakeSettler{err: errors.New("lite server down")}
	w := newWorker(newFakeRedis(), claims, settler)

	for _, id := range []string{"c1", "c2", "c3", "c4", "c5"} {
		assert.Error(t, w.SettleClaim(ctx, id))
	}
	err := w.SettleClaim(ctx, "c6")
	assert.Error(t, err)
	assert.Equal(t, 5, settler.calls)
}

func TestProcessMessageIgnoresMalformedEntries(t *testing.T) {
	settler := &fakeSettler{}
	w := newWorker(newFakeRedis(), pendingClaims("c1"), settler)
	w.processMessage(context.Background(), map[string]interface{}{"foo": "bar"})
	assert.Zero(t, settler.calls)

	w.processMessage(context.Background(), map[string]interface{}{settlement.FieldClaimID: "c1"})
	assert.Equal(t, 1, settler.calls)
}

func TestWorkerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := newWorker(newFakeRedis(), pendingClaims(), &fakeSettler{})

	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
