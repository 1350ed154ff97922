package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gin-gonic/gin"

	"referral-ledger-backend/internal/common/cache"
	"referral-ledger-backend/internal/common/config"
	"referral-ledger-backend/internal/common/logger"
	"referral-ledger-backend/internal/common/middleware"
	"referral-ledger-backend/internal/common/retry"
	"referral-ledger-backend/internal/common/validation"
	claimhttp "referral-ledger-backend/internal/features/claim/delivery/http"
	claimrepo "referral-ledger-backend/internal/features/claim/repository"
	claimmemory "referral-ledger-backend/internal/features/claim/repository/memory"
	claimpostgres "referral-ledger-backend/internal/features/claim/repository/postgres"
	claimservice "referral-ledger-backend/internal/features/claim/service"
	fraudservice "referral-ledger-backend/internal/features/fraud/service"
	identityhttp "referral-ledger-backend/internal/features/identity/delivery/http"
	identityrepo "referral-ledger-backend/internal/features/identity/repository"
	identitymemory "referral-ledger-backend/internal/features/identity/repository/memory"
	identitypostgres "referral-ledger-backend/internal/features/identity/repository/postgres"
	identityservice "referral-ledger-backend/internal/features/identity/service"
	"referral-ledger-backend/internal/features/ratelimit"
	referralhttp "referral-ledger-backend/internal/features/referral/delivery/http"
	referralrepo "referral-ledger-backend/internal/features/referral/repository"
	referralcached "referral-ledger-backend/internal/features/referral/repository/cached"
	referralmemory "referral-ledger-backend/internal/features/referral/repository/memory"
	referralpostgres "referral-ledger-backend/internal/features/referral/repository/postgres"
	referralservice "referral-ledger-backend/internal/features/referral/service"
	rewardhttp "referral-ledger-backend/internal/features/reward/delivery/http"
	rewardrepo "referral-ledger-backend/internal/features/reward/repository"
	rewardmemory "referral-ledger-backend/internal/features/reward/repository/memory"
	rewardpostgres "referral-ledger-backend/internal/features/reward/repository/postgres"
	rewardservice "referral-ledger-backend/internal/features/reward/service"
	sessionhttp "referral-ledger-backend/internal/features/session/delivery/http"
	sessionrepo "referral-ledger-backend/internal/features/session/repository"
	sessionmemory "referral-ledger-backend/internal/features/session/repository/memory"
	sessionpostgres "referral-ledger-backend/internal/features/session/repository/postgres"
	sessionservice "referral-ledger-backend/internal/features/session/service"
	tonproofhttp "referral-ledger-backend/internal/features/tonproof/delivery/http"
	tonproofrepo "referral-ledger-backend/internal/features/tonproof/repository"
	tonproofmemory "referral-ledger-backend/internal/features/tonproof/repository/memory"
	tonproofredis "referral-ledger-backend/internal/features/tonproof/repository/redis"
	tonproofservice "referral-ledger-backend/internal/features/tonproof/service"
	httpapi "referral-ledger-backend/internal/http"
	"referral-ledger-backend/internal/platform/postgres"
	"referral-ledger-backend/internal/platform/redis"
	"referral-ledger-backend/internal/service/notifications"
	"referral-ledger-backend/internal/service/settlement"
	"referral-ledger-backend/internal/service/telegram"
	"referral-ledger-backend/internal/workers"
)

// Infra carries opened connections. Both are nil in memory mode.
type Infra struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	// Settler overrides the settler chosen from config.
	Settler settlement.Settler
}

// App is the wired service.
type App struct {
	Router    *gin.Engine
	Scheduler *workers.Scheduler
	// nil without Redis
	Worker *workers.SettlementWorker

	Resolver *identityservice.Resolver
	Referral *referralservice.Processor
	Rewards  *rewardservice.Calculator
	Ledger   *claimservice.Ledger
	Sessions *sessionservice.Tracker
	Auth     *middleware.Authenticator
}

type stores struct {
	identity identityrepo.IdentityRepository
	referral referralrepo.ReferralRepository
	reward   rewardrepo.RewardRepository
	claim    claimrepo.ClaimRepository
	session  sessionrepo.SessionRepository
}

func memoryStores() stores {
	balances := rewardmemory.NewRepository()
	return stores{
		identity: identitymemory.NewRepository(),
		referral: referralmemory.NewRepository(),
		reward:   balances,
		claim:    claimmemory.NewRepository(balances),
		session:  sessionmemory.NewRepository(),
	}
}

func postgresStores(db *sql.DB) stores {
	return stores{
		identity: identitypostgres.NewPostgresRepository(db),
		referral: referralpostgres.NewPostgresRepository(db),
		reward:   rewardpostgres.NewPostgresRepository(db),
		claim:    claimpostgres.NewPostgresRepository(db),
		session:  sessionpostgres.NewPostgresRepository(db),
	}
}

// New wires services, handlers and workers on top of infra.
func New(ctx context.Context, cfg *config.Config, infra Infra) (*App, error) {
	wallets, err := validation.NewWalletNormalizer(cfg.Identity.SupportedChains)
	if err != nil {
		return nil, fmt.Errorf("wallet formats: %w", err)
	}
	if err := validation.RegisterBindingValidators(wallets); err != nil {
		return nil, fmt.Errorf("register validators: %w", err)
	}
	policy := retry.NewPolicy(cfg.Retry, cfg.RateLimit)

	var st stores
	if infra.Postgres != nil {
		st = postgresStores(infra.Postgres.DB())
	} else {
		st = memoryStores()
	}

	if infra.Redis != nil {
		st.referral = referralcached.NewRepository(st.referral, cache.NewService(infra.Redis, "cache:"), cfg.Cache.ReferralCodeTTL)
	}

	var (
		limiter    ratelimit.Limiter = ratelimit.NewMemoryLimiter()
		publisher  notifications.Publisher
		messenger  notifications.Messenger
		dispatcher *settlement.Dispatcher
	)
	if infra.Redis != nil {
		limiter = ratelimit.NewRedisLimiter(infra.Redis.Client)
		publisher = infra.Redis
		dispatcher = settlement.NewDispatcher(infra.Redis, cfg.Settlement.Stream)
	}
	if cfg.Notifications.Telegram {
		messenger = telegram.NewClient(cfg.Auth.BotToken).WithAPIURL(cfg.Notifications.TelegramAPIURL)
	}
	notifier := notifications.NewService(publisher, messenger, cfg.Notifications)

	resolver := identityservice.NewResolver(st.identity, wallets, nil, cfg.Identity, policy)
	tracker := sessionservice.NewTracker(st.session, resolver, policy)
	resolver.SetSessionChecker(tracker)

	rewards := rewardservice.NewCalculator(st.reward, st.referral, wallets, cfg.Reward, policy)
	assessor := fraudservice.NewAssessor(st.identity, limiter, cfg.Fraud, cfg.RateLimit)
	processor := referralservice.NewProcessor(st.referral, resolver, assessor, rewards, notifier, limiter, cfg.RateLimit, policy)

	var queue claimservice.SettlementQueue
	if dispatcher != nil {
		queue = dispatcher
	}
	ledger := claimservice.NewLedger(st.claim, wallets, resolver, queue, notifier, limiter, cfg.Claim, cfg.RateLimit, policy)

	auth := middleware.NewAuthenticator(cfg.Auth, wallets, resolver)

	checks := map[string]httpapi.HealthChecker{}
	if infra.Postgres != nil {
		checks["postgres"] = infra.Postgres
	}
	if infra.Redis != nil {
		checks["redis"] = infra.Redis
	}

	var public []httpapi.RouteRegistrar
	if cfg.TonProof.Domain != "" {
		var payloads tonproofrepo.PayloadStore = tonproofmemory.NewRepository()
		if infra.Redis != nil {
			payloads = tonproofredis.NewRepository(infra.Redis.Client)
		}
		public = append(public, tonproofhttp.NewHandler(tonproofservice.NewService(payloads, cfg.TonProof), auth))
	}

	router := httpapi.NewRouter(httpapi.Options{
		Debug:  cfg.Debug,
		Origin: cfg.Server.Origin,
		Auth:   auth,
		Checks: checks,
		Public: public,
		Handlers: []httpapi.RouteRegistrar{
			identityhttp.NewHandler(resolver, auth),
			referralhttp.NewHandler(processor, auth),
			rewardhttp.NewHandler(rewards, auth),
			claimhttp.NewHandler(ledger, auth),
			sessionhttp.NewHandler(tracker, auth),
		},
	})

	var requeue workers.Requeuer
	var worker *workers.SettlementWorker
	if dispatcher != nil {
		requeue = dispatcher
		settler, err := newSettler(ctx, cfg.Settlement, infra.Settler)
		if err != nil {
			return nil, err
		}
		worker = workers.NewSettlementWorker(infra.Redis, ledger, settler, cfg.Settlement)
	}
	scheduler := workers.NewScheduler(tracker, rewards, ledger, requeue, cfg.Jobs)

	return &App{
		Router:    router,
		Scheduler: scheduler,
		Worker:    worker,
		Resolver:  resolver,
		Referral:  processor,
		Rewards:   rewards,
		Ledger:    ledger,
		Sessions:  tracker,
		Auth:      auth,
	}, nil
}

func newSettler(ctx context.Context, cfg config.SettlementConfig, override settlement.Settler) (settlement.Settler, error) {
	if override != nil {
		return override, nil
	}
	if !cfg.Enabled {
		logger.Warn().Msg("On-chain settlement disabled, claims are settled by the no-op settler")
		return settlement.NoopSettler{}, nil
	}
	s, err := settlement.NewTONSettler(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ton settler: %w", err)
	}
	return s, nil
}
