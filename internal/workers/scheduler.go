package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"referral-ledger-backend/internal/common/config"
	"referral-ledger-backend/internal/common/logger"
	"referral-ledger-backend/internal/features/claim/models"
)

const (
	jobTimeout = 5 * time.Minute
	sweepBatch = 100
)

type SessionExpirer interface {
	ExpireIdle(ctx context.Context, idleTimeout time.Duration) (int, error)
}

type RewardReconciler interface {
	ReconcileAll(ctx context.Context) (int, error)
}

type PendingClaims interface {
	ListPending(ctx context.Context, olderThan time.Duration, limit int) ([]*models.ClaimRecord, error)
}

// Requeuer puts a claim back on the settlement stream.
type Requeuer interface {
	Publish(ctx context.Context, rec *models.ClaimRecord) error
}

type job struct {
	name string
	spec string
	run  func(context.Context) error
}

// Scheduler runs the periodic maintenance jobs.
type Scheduler struct {
	cron     *cron.Cron
	sessions SessionExpirer
	rewards  RewardReconciler
	claims   PendingClaims
	requeue  Requeuer
	cfg      config.JobsConfig
	log      zerolog.Logger
	base     context.Context
}

// NewScheduler wires the jobs. requeue may be nil when there is no
// settlement stream; the sweep is then not scheduled.
func NewScheduler(sessions SessionExpirer, rewards RewardReconciler, claims PendingClaims, requeue Requeuer, cfg config.JobsConfig) *Scheduler {
	log := logger.Component("scheduler")
	cl := cronLogger{log: log}
	return &Scheduler{
		cron:     cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		sessions: sessions,
		rewards:  rewards,
		claims:   claims,
		requeue:  requeue,
		cfg:      cfg,
		log:      log,
		base:     context.Background(),
	}
}

// Start registers the jobs and starts the cron loop. Jobs run with ctx as
// their parent.
func (s *Scheduler) Start(ctx context.Context) error {
	s.base = ctx
	jobs := []job{
		{"session_expiry", s.cfg.SessionExpirySpec, s.ExpireSessions},
		{"reward_reconcile", s.cfg.ReconcileSpec, s.Reconcile},
	}
	if s.requeue != nil {
		jobs = append(jobs, job{"settlement_sweep", s.cfg.SettlementSweepSpec, s.SweepSettlements})
	}

	for _, j := range jobs {
		j := j
		if _, err := s.cron.AddFunc(j.spec, func() { s.runJob(j.name, j.run) }); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", j.name, j.spec, err)
		}
		s.log.Info().Str("job", j.name).Str("spec", j.spec).Msg("Job scheduled")
	}
	s.cron.Start()
	return nil
}

// Stop waits for running jobs to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.log.Warn().Msg("Scheduler stopped with jobs still running")
	}
}

func (s *Scheduler) runJob(name string, run func(context.Context) error) {
	ctx, cancel := context.WithTimeout(s.base, jobTimeout)
	defer cancel()

	started := time.Now()
	if err := run(ctx); err != nil {
		s.log.Error().Err(err).Str("job", name).Msg("Job failed")
		return
	}
	s.log.Debug().Str("job", name).Dur("took", time.Since(started)).Msg("Job finished")
}

func (s *Scheduler) ExpireSessions(ctx context.Context) error {
	_, err := s.sessions.ExpireIdle(ctx, s.cfg.SessionIdleTimeout)
	return err
}

func (s *Scheduler) Reconcile(ctx context.Context) error {
	n, err := s.rewards.ReconcileAll(ctx)
	if err != nil {
		return err
	}
	s.log.Info().Int("wallets", n).Msg("Reward balances reconciled")
	return nil
}

// SweepSettlements re-publishes claims pending for longer than
// SettlementSweepAge.
func (s *Scheduler) SweepSettlements(ctx context.Context) error {
	recs, err := s.claims.ListPending(ctx, s.cfg.SettlementSweepAge, sweepBatch)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := s.requeue.Publish(ctx, rec); err != nil {
			return fmt.Errorf("requeue claim %s: %w", rec.ID, err)
		}
	}
	if len(recs) > 0 {
		s.log.Info().Int("claims", len(recs)).Msg("Pending claims requeued")
	}
	return nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
