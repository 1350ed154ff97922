package workers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"referral-ledger-backend/internal/common/config"
	apperrors "referral-ledger-backend/internal/common/errors"
	"referral-ledger-backend/internal/common/logger"
	"referral-ledger-backend/internal/common/metrics"
	"referral-ledger-backend/internal/features/claim/models"
	"referral-ledger-backend/internal/service/settlement"
)

const (
	lockTTL = 2 * time.Minute
	// A paid but unrecorded transfer must never be paid again.
	paidTTL   = 7 * 24 * time.Hour
	readBlock = 5 * time.Second

	lockPrefix     = "settlement:lock:"
	paidPrefix     = "settlement:paid:"
	inflightPrefix = "settlement:inflight:"
)

// errAwaitingReconcile leaves a claim pending while its transfer may still land.
var errAwaitingReconcile = errors.New("transfer outcome unknown, awaiting reconciliation")

// StreamClient is the subset of go-redis the worker needs.
type StreamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// ClaimSettler is the part of the claim ledger the worker drives.
type ClaimSettler interface {
	Get(ctx context.Context, id string) (*models.ClaimRecord, error)
	MarkSettled(ctx context.Context, id, txHash string) (*models.ClaimRecord, error)
	MarkFailed(ctx context.Context, id string) (*models.ClaimRecord, error)
}

// SettlementWorker consumes the settlement stream and pays out claims.
// Every entry is acked; claims that could not be paid yet stay pending and
// come back through the sweep job.
//
// A claim is sent at most once: an in-flight marker without TTL is taken
// before the transfer and dropped only when nothing was broadcast. A claim
// found in flight is reconciled against the chain, never sent again.
type SettlementWorker struct {
	rdb      StreamClient
	claims   ClaimSettler
	settler  settlement.Settler
	breaker  *gobreaker.CircuitBreaker
	stream   string
	group    string
	consumer string
	grace    time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

func NewSettlementWorker(rdb StreamClient, claims ClaimSettler, settler settlement.Settler, cfg config.SettlementConfig) *SettlementWorker {
	host, _ := os.Hostname()
	log := logger.Component("settlement_worker")
	return &SettlementWorker{
		rdb:      rdb,
		claims:   claims,
		settler:  settler,
		stream:   cfg.Stream,
		group:    cfg.ConsumerGroup,
		consumer: fmt.Sprintf("%s-%d", host, os.Getpid()),
		grace:    cfg.ReconcileGrace,
		now:      time.Now,
		log:      log,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "settlement",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// Bad orders say nothing about the chain's health.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, settlement.ErrPermanent)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state change")
			},
		}),
	}
}

// Start blocks until ctx is cancelled.
func (w *SettlementWorker) Start(ctx context.Context) {
	// from the start, so entries written before the group existed are read too
	err := w.rdb.XGroupCreateMkStream(ctx, w.stream, w.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		w.log.Error().Err(err).Str("stream", w.stream).Msg("Error creating consumer group")
	}

	w.log.Info().Str("stream", w.stream).Str("consumer", w.consumer).Msg("Starting settlement worker")
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping settlement worker")
			return
		default:
		}

		entries, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.group,
			Consumer: w.consumer,
			Streams:  []string{w.stream, ">"},
			Count:    10,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("Error reading from stream")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range entries {
			for _, msg := range stream.Messages {
				w.processMessage(ctx, msg.Values)
				if err := w.rdb.XAck(ctx, w.stream, w.group, msg.ID).Err(); err != nil {
					w.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to ack message")
				}
			}
		}
	}
}

func (w *SettlementWorker) processMessage(ctx context.Context, values map[string]interface{}) {
	claimID, _ := values[settlement.FieldClaimID].(string)
	if claimID == "" {
		w.log.Warn().Interface("values", values).Msg("Settlement entry without claim_id")
		return
	}
	if err := w.SettleClaim(ctx, claimID); err != nil {
		w.log.Warn().Err(err).Str("claim_id", claimID).Msg("Claim left pending")
	}
}

// SettleClaim pays one pending claim at most once. A nil error with the
// claim still pending means another worker holds it.
func (w *SettlementWorker) SettleClaim(ctx context.Context, claimID string) error {
	lockKey := lockPrefix + claimID
	ok, err := w.rdb.SetNX(ctx, lockKey, w.consumer, lockTTL).Result()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil
	}
	defer w.rdb.Del(context.WithoutCancel(ctx), lockKey)

	rec, err := w.claims.Get(ctx, claimID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
			w.log.Warn().Str("claim_id", claimID).Msg("Settlement entry for unknown claim")
			return nil
		}
		return err
	}
	if rec.Status != models.StatusPending {
		return nil
	}

	txHash, err := w.rdb.Get(ctx, paidPrefix+claimID).Result()
	switch {
	case err == nil:
		// the transfer went out, only the record is missing
		return w.record(ctx, claimID, txHash)
	case !errors.Is(err, redis.Nil):
		return fmt.Errorf("read paid marker: %w", err)
	}

	inflightKey := inflightPrefix + claimID
	started, err := w.rdb.SetNX(ctx, inflightKey, strconv.FormatInt(w.now().Unix(), 10), 0).Result()
	if err != nil {
		return fmt.Errorf("mark in flight: %w", err)
	}
	if !started {
		return w.reconcile(ctx, rec)
	}

	txHash, err = w.pay(ctx, rec)
	if err != nil {
		if !resendable(err) {
			w.log.Warn().Err(err).Str("claim_id", claimID).Msg("Transfer outcome unknown")
			return err
		}
		w.rdb.Del(context.WithoutCancel(ctx), inflightKey)
		if errors.Is(err, settlement.ErrPermanent) {
			w.log.Warn().Err(err).Str("claim_id", claimID).Msg("Claim cannot be settled")
			return nil
		}
		return err
	}
	if err := w.rdb.Set(ctx, paidPrefix+claimID, txHash, paidTTL).Err(); err != nil {
		w.log.Error().Err(err).Str("claim_id", claimID).Str("tx_hash", txHash).Msg("Failed to remember paid transfer")
	}
	return w.record(ctx, claimID, txHash)
}

// resendable reports whether nothing left the settler, so the claim may be
// sent again later.
func resendable(err error) bool {
	return errors.Is(err, settlement.ErrNotSent) ||
		errors.Is(err, settlement.ErrPermanent) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests)
}

// reconcile resolves a claim whose transfer may already be on chain. It is
// settled if the settler finds the transfer, kept pending during the grace
// period, and failed for manual review after it.
func (w *SettlementWorker) reconcile(ctx context.Context, rec *models.ClaimRecord) error {
	inflightKey := inflightPrefix + rec.ID
	if r, ok := w.settler.(settlement.Reconciler); ok {
		txHash, found, err := r.Lookup(ctx, orderFor(rec))
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		if found {
			if err := w.rdb.Set(ctx, paidPrefix+rec.ID, txHash, paidTTL).Err(); err != nil {
				w.log.Error().Err(err).Str("claim_id", rec.ID).Str("tx_hash", txHash).Msg("Failed to remember paid transfer")
			}
			w.rdb.Del(context.WithoutCancel(ctx), inflightKey)
			w.log.Info().Str("claim_id", rec.ID).Str("tx_hash", txHash).Msg("Transfer found on reconciliation")
			return w.record(ctx, rec.ID, txHash)
		}
		if w.now().Sub(w.inflightSince(ctx, inflightKey)) < w.grace {
			return errAwaitingReconcile
		}
	}

	if _, err := w.claims.MarkFailed(ctx, rec.ID); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	w.rdb.Del(context.WithoutCancel(ctx), inflightKey)
	metrics.Settlements.WithLabelValues("unknown").Inc()
	w.log.Error().Str("claim_id", rec.ID).Str("wallet_address", rec.WalletAddress).
		Msg("Transfer outcome unknown, claim failed for manual review")
	return nil
}

// A missing or unreadable marker counts as just started.
func (w *SettlementWorker) inflightSince(ctx context.Context, key string) time.Time {
	v, err := w.rdb.Get(ctx, key).Result()
	if err != nil {
		return w.now()
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return w.now()
	}
	return time.Unix(sec, 0)
}

func (w *SettlementWorker) record(ctx context.Context, claimID, txHash string) error {
	if _, err := w.claims.MarkSettled(ctx, claimID, txHash); err != nil {
		return fmt.Errorf("mark settled: %w", err)
	}
	metrics.Settlements.WithLabelValues("settled").Inc()
	w.log.Info().Str("claim_id", claimID).Str("tx_hash", txHash).Msg("Claim settled")
	return nil
}

func orderFor(rec *models.ClaimRecord) settlement.Order {
	return settlement.Order{
		ClaimID:       rec.ID,
		WalletAddress: rec.WalletAddress,
		Amount:        rec.SettlementAmount,
		Token:         rec.SettlementToken,
	}
}

func (w *SettlementWorker) pay(ctx context.Context, rec *models.ClaimRecord) (string, error) {
	res, err := w.breaker.Execute(func() (interface{}, error) {
		return w.settler.Settle(ctx, orderFor(rec))
	})
	switch {
	case err == nil:
		return res.(string), nil
	case errors.Is(err, settlement.ErrPermanent):
		metrics.Settlements.WithLabelValues("failed").Inc()
		if _, markErr := w.claims.MarkFailed(ctx, rec.ID); markErr != nil {
			return "", fmt.Errorf("mark failed: %w", markErr)
		}
		return "", err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.Settlements.WithLabelValues("breaker_open").Inc()
		return "", err
	default:
		metrics.Settlements.WithLabelValues("retry").Inc()
		return "", err
	}
}
