package app

import (
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-amortization/internal/amortization"
	"github.com/odyssey-erp/odyssey-amortization/internal/integration"
	"github.com/odyssey-erp/odyssey-amortization/internal/integration/servicelayer"
	"github.com/odyssey-erp/odyssey-amortization/internal/observability"
	"github.com/odyssey-erp/odyssey-amortization/internal/shared"
	"github.com/odyssey-erp/odyssey-amortization/internal/synccache"
)

// Dependencies are the process level resources services are built from.
type Dependencies struct {
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	// Repository overrides the PostgreSQL repository built from Pool.
	Repository amortization.Repository
}

// Services bundles the wired domain services shared by the API and the worker.
type Services struct {
	Amortization *amortization.Service
	Accounting   *servicelayer.Client
	Idempotency  *shared.IdempotencyStore
}

// BuildServices wires the amortization service with its cache, locks and the
// optional accounting integration.
func BuildServices(cfg *Config, deps Dependencies) (*Services, error) {
	if cfg == nil {
		return nil, errors.New("app: config required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	needsRedis := cfg.CacheBackend == "redis" || cfg.LockBackend == "redis" || (cfg.IntegrationEnabled() && cfg.SLSessionStore == "redis")
	if needsRedis && deps.Redis == nil {
		return nil, errors.New("app: redis client required by the configured backends")
	}

	repo := deps.Repository
	if repo == nil {
		if deps.Pool == nil {
			return nil, errors.New("app: database pool required")
		}
		repo = amortization.NewRepository(deps.Pool)
	}

	cacheMetrics, err := synccache.NewMetrics(deps.Registerer)
	if err != nil {
		return nil, err
	}
	var store synccache.Store
	if cfg.CacheBackend == "redis" {
		store = synccache.NewRedisStore(deps.Redis)
	}
	cache := synccache.New(store, synccache.Options{
		TTL: cfg.CacheTTL,
		Retry: synccache.RetryOptions{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			Timeout:     cfg.RetryTimeout,
			OnRetry: func(op string, attempt int, err error) {
				logger.Warn("retrying transient failure", slog.String("op", op), slog.Int("attempt", attempt), slog.Any("error", err))
			},
		},
		Metrics: cacheMetrics,
		Logger:  logger,
	})

	var locker shared.Locker
	if cfg.LockBackend == "redis" {
		locker = shared.NewRedisLocker(deps.Redis, cfg.LockTTL)
	}

	svc := amortization.NewService(repo, cache, locker, logger)
	svc.SetLateFeePolicy(amortization.LateFeePolicy{Percent: cfg.LateFeePercent, GraceDays: cfg.LateFeeGraceDays})
	ledgerMetrics, err := observability.NewLedgerMetrics(deps.Registerer)
	if err != nil {
		return nil, err
	}
	svc.SetObserver(ledgerMetrics)

	out := &Services{Amortization: svc}
	if deps.Pool != nil {
		out.Idempotency = shared.NewIdempotencyStore(deps.Pool)
		svc.SetIdempotencyStore(out.Idempotency)
		svc.SetAuditor(shared.NewAuditLogger(deps.Pool))
	}

	if cfg.IntegrationEnabled() {
		client, err := newAccountingClient(cfg, deps.Redis, logger)
		if err != nil {
			return nil, err
		}
		out.Accounting = client
		svc.SetDirectory(client)
		svc.SetIntegrationHandler(integration.NewHooks(client, accountsFromConfig(cfg), logger))
	}
	return out, nil
}

func newAccountingClient(cfg *Config, rdb *redis.Client, logger *slog.Logger) (*servicelayer.Client, error) {
	var sessions servicelayer.SessionStore
	if cfg.SLSessionStore == "redis" {
		sessions = servicelayer.NewRedisSessionStore(rdb, cfg.SLIdleTimeout)
	}
	credentials := servicelayer.StaticCredentials{
		Default: servicelayer.Credentials{
			CompanyDB: cfg.SLCompanyDB,
			UserName:  cfg.SLUserName,
			Password:  cfg.SLPassword,
		},
	}
	return servicelayer.NewClient(servicelayer.Config{
		BaseURL:     cfg.SLBaseURL,
		Timeout:     cfg.SLTimeout,
		IdleTimeout: cfg.SLIdleTimeout,
		RateLimit:   cfg.SLRateLimit,
		Burst:       cfg.SLBurst,
		PageSize:    cfg.SLPageSize,
	}, credentials, sessions, servicelayer.WithLogger(logger))
}

func accountsFromConfig(cfg *Config) integration.Accounts {
	return integration.Accounts{
		ClientJournal:   integration.AccountPair{Debit: cfg.JournalClientDebit, Credit: cfg.JournalClientCredit},
		SupplierJournal: integration.AccountPair{Debit: cfg.JournalSupplierDebit, Credit: cfg.JournalSupplierCredit},
		ClientRevenue:   cfg.JournalClientRevenue,
		SupplierExpense: cfg.JournalSupplierExpense,
		Transfer:        cfg.JournalTransferAccount,
	}
}
