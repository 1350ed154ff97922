package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"referral-ledger-backend/internal/common/config"
	"referral-ledger-backend/internal/features/claim/models"
)

type fakeExpirer struct{ timeout time.Duration }

func (f *fakeExpirer) ExpireIdle(_ context.Context, idleTimeout time.Duration) (int, error) {
	f.timeout = idleTimeout
	return 2, nil
}

type fakeReconciler struct{ err error }

func (f fakeReconciler) ReconcileAll(context.Context) (int, error) { return 3, f.err }

type recordingRequeuer struct{ ids []string }

func (r *recordingRequeuer) Publish(_ context.Context, rec *models.ClaimRecord) error {
	r.ids = append(r.ids, rec.ID)
	return nil
}

func jobsConfig() config.JobsConfig {
	return config.JobsConfig{
		SessionExpirySpec:   "@every 1m",
		ReconcileSpec:       "@every 10m",
		SettlementSweepSpec: "@every 5m",
		SessionIdleTimeout:  30 * time.Minute,
		SettlementSweepAge:  10 * time.Minute,
	}
}

func TestSchedulerJobs(t *testing.T) {
	ctx := context.Background()
	expirer := &fakeExpirer{}
	requeue := &recordingRequeuer{}
	s := NewScheduler(expirer, fakeReconciler{}, pendingClaims("c1"), requeue, jobsConfig())

	require.NoError(t, s.ExpireSessions(ctx))
	assert.Equal(t, 30*time.Minute, expirer.timeout)

	require.NoError(t, s.Reconcile(ctx))

	require.NoError(t, s.SweepSettlements(ctx))
	assert.Equal(t, []string{"c1"}, requeue.ids)
}

func TestReconcileErrorPropagates(t *testing.T) {
	s := NewScheduler(&fakeExpirer{}, fakeReconciler{err: errors.New("db gone")}, pendingClaims(), nil, jobsConfig())
	assert.Error(t, s.Reconcile(context.Background()))
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(&fakeExpirer{}, fakeReconciler{}, pendingClaims(), &recordingRequeuer{}, jobsConfig())
	require.NoError(t, s.Start(context.Background()))
	assert.Len(t, s.cron.Entries(), 3)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	cfg := jobsConfig()
	cfg.ReconcileSpec = "every now and then"
	s := NewScheduler(&fakeExpirer{}, fakeReconciler{}, pendingClaims(), nil, cfg)
	assert.Error(t, s.Start(context.Background()))
}
