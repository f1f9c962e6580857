// Package app assembles the filing service from configuration. Both the
// server and filingctl build through it so they agree on stores and policy.
package app

import (
	"context"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"

	"efiling/internal/authority"
	"efiling/internal/filing/declaration"
	"efiling/internal/filing/integrity"
	"efiling/internal/filing/lock"
	"efiling/internal/filing/ports"
	"efiling/internal/filing/status"
	"efiling/internal/filing/store/memory"
	pgstore "efiling/internal/filing/store/postgres"
	"efiling/internal/filing/submission"
	"efiling/internal/filing/verification"
	"efiling/internal/filing/verification/bankredirect"
	"efiling/internal/filing/verification/certificate"
	"efiling/internal/filing/verification/otp"
	"efiling/internal/filing/workflow"
	"efiling/internal/platform/config"
	"efiling/internal/platform/kafka"
	"efiling/internal/platform/postgres"
	"efiling/internal/platform/redis"
	audit "efiling/pkg/platform/audit"
	"efiling/pkg/platform/audit/publishers/async"
	"efiling/pkg/platform/audit/publishers/compliance"
	"efiling/pkg/platform/audit/relay"
	auditmemory "efiling/pkg/platform/audit/store/memory"
	auditpg "efiling/pkg/platform/audit/store/postgres"
	"efiling/pkg/platform/circuit"
	txcontext "efiling/pkg/platform/tx"
)

// App holds every long-lived dependency of the service.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	DB    *sql.DB
	Redis *redis.Client
	Kafka *kgo.Client

	Filings     ports.FilingStore
	Sessions    ports.SessionStore
	Submissions ports.SubmissionStore
	Tx          ports.Transactor
	Locker      ports.Locker

	AuditStore audit.Store
	Compliance *compliance.Publisher
	Ops        *async.Publisher

	Catalog     *declaration.Catalog
	Coordinator *verification.Coordinator
	Integrity   *integrity.Quarantiner
	Poller      *status.Poller
	Submitter   *submission.Client
	Workflow    *workflow.Service

	Authority authority.Client
	// Development providers; nil when real ones are configured.
	Simulator *authority.Simulator
	DevSender *otp.DevSender
	DevBank   *bankredirect.DevBank

	closers []func()
}

// Build connects to the configured backends and wires the workflow. Backends
// left unconfigured fall back to in-process implementations.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.connect(ctx); err != nil {
		return nil, err
	}
	a.stores()
	a.audit(reg)
	a.locker(reg)
	a.authority(reg)

	catalog, err := a.catalog()
	if err != nil {
		return nil, err
	}
	a.Catalog = catalog
	gate := declaration.NewGate(catalog)

	registry, err := a.adapters()
	if err != nil {
		return nil, err
	}
	sealer, err := verification.NewSealer([]byte(cfg.Verification.PayloadKey))
	if err != nil {
		return nil, fmt.Errorf("payload sealer: %w", err)
	}

	a.Integrity = integrity.New(a.Filings,
		integrity.WithLogger(logger),
		integrity.WithEvents(a.Ops),
		integrity.WithMetrics(integrity.NewMetrics(reg)),
	)
	a.Coordinator = verification.NewCoordinator(a.Filings, a.Sessions, a.Tx, gate, registry, sealer,
		verification.WithLogger(logger),
		verification.WithMetrics(verification.NewMetrics(reg)),
		verification.WithPolicy(verification.Policy{
			MaxAttempts:     cfg.Verification.MaxAttempts,
			MaxResends:      cfg.Verification.MaxResends,
			ResendInterval:  cfg.Verification.ResendInterval,
			ProviderTimeout: cfg.Verification.ProviderTimeout,
		}),
		verification.WithComplianceAudit(a.Compliance),
		verification.WithEvents(a.Ops),
	)
	a.Poller = status.New(a.Filings, a.Submissions, a.Authority, a.Tx, a.Integrity,
		status.WithLogger(logger),
		status.WithMetrics(status.NewMetrics(reg)),
		status.WithSettings(status.Settings{
			Interval:       cfg.Poller.Interval,
			StaleAfter:     cfg.Poller.StaleAfter,
			BatchSize:      cfg.Poller.BatchSize,
			Concurrency:    cfg.Poller.Concurrency,
			RequestTimeout: cfg.Authority.RequestTimeout,
		}),
		status.WithComplianceAudit(a.Compliance),
		status.WithEvents(a.Ops),
	)
	a.Submitter = submission.New(a.Filings, a.Sessions, a.Submissions, a.Tx, a.Authority, a.Poller, a.Integrity,
		submission.WithLogger(logger),
		submission.WithMetrics(submission.NewMetrics(reg)),
		submission.WithRequestTimeout(cfg.Authority.RequestTimeout),
		submission.WithComplianceAudit(a.Compliance),
		submission.WithEvents(a.Ops),
	)
	a.Workflow = workflow.New(workflow.Deps{
		Filings:     a.Filings,
		Locker:      a.Locker,
		Tx:          a.Tx,
		Gate:        gate,
		Coordinator: a.Coordinator,
		Submitter:   a.Submitter,
		Poller:      a.Poller,
		Integrity:   a.Integrity,
	},
		workflow.WithLogger(logger),
		workflow.WithMetrics(workflow.NewMetrics(reg)),
		workflow.WithComplianceAudit(a.Compliance),
		workflow.WithEvents(a.Ops),
	)
	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	db, err := postgres.Open(ctx, a.Config.Database)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if db != nil {
		a.DB = db
		a.closers = append(a.closers, func() { _ = db.Close() })
		if a.Config.Database.MigrateOnStart {
			applied, err := postgres.Migrate(ctx, db)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			a.Logger.InfoContext(ctx, "migrations applied", "count", len(applied))
		}
	}

	rc, err := redis.New(ctx, a.Config.Redis)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if rc != nil {
		a.Redis = rc
		a.closers = append(a.closers, func() { _ = rc.Close() })
	}

	kc, err := kafka.New(ctx, a.Config.Kafka)
	if err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	if kc != nil {
		a.Kafka = kc
		a.closers = append(a.closers, kc.Close)
		if err := kafka.EnsureTopic(ctx, kc, a.Config.Kafka.AuditTopic, a.Config.Kafka.Partitions); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) stores() {
	if a.DB == nil {
		a.Logger.Warn("no database configured, using in-memory stores")
		a.Filings = memory.NewFilingStore()
		a.Sessions = memory.NewSessionStore()
		a.Submissions = memory.NewSubmissionStore()
		a.Tx = memory.Transactor{}
		return
	}
	a.Filings = pgstore.NewFilingStore(a.DB)
	a.Sessions = pgstore.NewSessionStore(a.DB)
	a.Submissions = pgstore.NewSubmissionStore(a.DB)
	a.Tx = txcontext.NewRunner(a.DB, a.Config.Database.TxTimeout)
}

func (a *App) audit(reg prometheus.Registerer) {
	if a.DB != nil {
		a.AuditStore = auditpg.New(a.DB)
	} else {
		a.AuditStore = auditmemory.NewInMemoryStore()
	}
	a.Compliance = compliance.New(a.AuditStore,
		compliance.WithLogger(a.Logger),
		compliance.WithMetrics(compliance.NewMetrics(reg)),
	)
	a.Ops = async.New(a.AuditStore, async.WithLogger(a.Logger))
	a.closers = append(a.closers, func() {
		if err := a.Ops.Close(); err != nil {
			a.Logger.Warn("audit drain failed", "error", err)
		}
	})
}

func (a *App) locker(reg prometheus.Registerer) {
	m := lock.NewMetrics(reg)
	if a.Redis != nil {
		a.Locker = lock.NewRedis(a.Redis.Client, a.Config.Redis.LockTTL, lock.WithRedisMetrics(m))
		return
	}
	a.Locker = lock.NewLocal(lock.WithMetrics(m))
}

func (a *App) authority(reg prometheus.Registerer) {
	cfg := a.Config.Authority
	if cfg.BaseURL == "" {
		a.Logger.Warn("no authority configured, using the in-process simulator")
		a.Simulator = authority.NewSimulator()
		a.Authority = a.Simulator
		return
	}
	breaker := circuit.New("authority",
		circuit.WithFailureThreshold(cfg.FailureThreshold),
		circuit.WithSuccessThreshold(cfg.SuccessThreshold),
		circuit.WithCooldown(cfg.BreakerCooldown),
	)
	a.Authority = authority.NewHTTPClient(cfg.BaseURL, cfg.APIKey, cfg.RequestTimeout,
		authority.WithLogger(a.Logger),
		authority.WithMetrics(authority.NewMetrics(reg)),
		authority.WithBreaker(breaker),
	)
}

func (a *App) catalog() (*declaration.Catalog, error) {
	if path := a.Config.Declarations.CatalogPath; path != "" {
		return declaration.LoadCatalog(path)
	}
	return declaration.DefaultCatalog()
}

func (a *App) adapters() (*verification.Registry, error) {
	v := a.Config.Verification

	var sender otp.Sender
	if v.OTPSenderURL != "" {
		sender = otp.NewHTTPSender(v.OTPSenderURL, v.ProviderTimeout)
	} else {
		a.DevSender = otp.NewDevSender()
		sender = a.DevSender
	}

	roots, err := a.trustedRoots()
	if err != nil {
		return nil, err
	}

	tokens := bankredirect.NewTokens(v.BankStateKey, v.BankCallbackKey)
	var guard bankredirect.ReplayGuard = bankredirect.NewMemoryReplayGuard()
	if a.Redis != nil {
		guard = bankredirect.NewRedisReplayGuard(a.Redis.Client)
	}
	if a.Config.Server.DevRoutes {
		a.DevBank = bankredirect.NewDevBank(tokens)
	}

	return verification.NewRegistry(
		verification.Dedupe(otp.New(sender, otp.NewStaticDirectory(true), v.OTPWindow), v.DedupeWindow),
		certificate.New(roots, v.CertificateWindow),
		bankredirect.New(tokens, guard, v.BankRedirectURL, v.BankWindow),
	)
}

func (a *App) trustedRoots() (*x509.CertPool, error) {
	path := a.Config.Verification.TrustedRootsPath
	if path == "" {
		a.Logger.Warn("no trusted roots configured, certificate verification will reject every chain")
		return x509.NewCertPool(), nil
	}
	roots, err := certificate.LoadRoots(path)
	if err != nil {
		return nil, fmt.Errorf("trusted roots: %w", err)
	}
	return roots, nil
}

// Relay returns the outbox relay, or nil when Kafka or Postgres is not
// configured.
func (a *App) Relay(reg prometheus.Registerer) (*relay.Relay, error) {
	if a.DB == nil || a.Kafka == nil {
		return nil, nil
	}
	k := a.Config.Kafka
	opts := []relay.Option{
		relay.WithLogger(a.Logger),
		relay.WithBatchSize(k.RelayBatch),
		relay.WithInterval(k.RelayEvery),
		relay.WithMetrics(relay.NewMetrics(reg)),
	}
	if k.NotifyOutbox {
		l, err := relay.NewListener(a.Config.Database.DSN, auditpg.NotifyChannel, a.Logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = l.Close() })
		opts = append(opts, relay.WithWakeups(l.Notify))
	}
	return relay.New(a.DB, a.Kafka, k.AuditTopic, opts...), nil
}

// Close releases backends in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// ErrNoDatabase is returned by commands that only make sense against Postgres.
var ErrNoDatabase = errors.New("DATABASE_DSN is not configured")
