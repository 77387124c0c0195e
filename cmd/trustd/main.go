// Command trustd serves grant administration and audit ledger inspection, drains
// the audit queue into the per-tenant hash chains, and runs the scheduled
// verification and notary sweeps.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"

	"github.com/REVIVEINC6/nino360-sub015/pkg/adminauthz"
	"github.com/REVIVEINC6/nino360-sub015/pkg/config"
	"github.com/REVIVEINC6/nino360-sub015/pkg/flac"
	"github.com/REVIVEINC6/nino360-sub015/pkg/ledger"
	"github.com/REVIVEINC6/nino360-sub015/pkg/observability"
	"github.com/REVIVEINC6/nino360-sub015/pkg/storage"
	"github.com/REVIVEINC6/nino360-sub015/pkg/trust"
)

var version = "dev"

const (
	policySeedActor   = "policy-file"
	grantInvalidation = "trust:flac:invalidate"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("trustd exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	var (
		registry *prometheus.Registry
		metrics  *observability.Metrics
	)
	if cfg.Observability.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = observability.NewMetrics(registry)
	}

	conns, err := storage.NewConnectionManager(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	if err := storage.Migrate(ctx, conns.Primary(), logger, flac.Migrations(), ledger.Migrations()); err != nil {
		conns.Close()
		return err
	}

	var redisClient *redis.Client
	if cfg.Storage.RedisURL != "" {
		redisClient, err = storage.NewRedisClient(ctx, cfg.Storage)
		if err != nil {
			conns.Close()
			return err
		}
	}

	engine, grants, err := buildFLAC(ctx, cfg, conns, redisClient, logger, metrics)
	if err != nil {
		return err
	}

	// Ledger writes go to the primary; inspection and verification read replicas.
	ledgerStore := ledger.NewSQLStore(conns.Primary())
	readStore := ledger.NewSQLStore(conns.Replica())

	var locker ledger.Locker = ledger.NewLocalLocker()
	if cfg.Ledger.LockBackend == "redis" {
		locker = ledger.NewRedisLocker(redisClient, cfg.Ledger.LockTTL, logger)
	}
	writer := ledger.NewWriter(ledgerStore, locker,
		ledger.WithRetry(cfg.Ledger.AppendAttempts, cfg.Ledger.AppendBackoff),
		ledger.WithWriterLogger(logger),
		ledger.WithWriterMetrics(metrics),
	)

	bgCtx, stopBackground := context.WithCancel(ctx)
	dispatcherDone := make(chan error, 1)
	svcOpts := []trust.Option{trust.WithLogger(logger), trust.WithMetrics(metrics)}
	var deadLetters ledger.DeadLetterQueue
	if cfg.Ledger.QueueEnabled {
		queue := ledger.NewRedisQueue(redisClient, ledger.DefaultQueuePrefix)
		deadLetters = queue
		if n, err := queue.Recover(ctx); err != nil {
			logger.WithError(err).Warn("failed to recover in-flight audit messages")
		} else if n > 0 {
			logger.WithField("recovered", n).Info("requeued in-flight audit messages")
		}

		dispatcher := ledger.NewDispatcher(queue, writer, ledger.DispatcherConfig{
			MaxDeliveries: cfg.Ledger.QueueMaxDeliveries,
			Workers:       cfg.Ledger.QueueWorkers,
			RetryBase:     cfg.Ledger.QueueRetryBase,
			RetryMax:      cfg.Ledger.QueueRetryMax,
		}, logger, metrics)
		go func() { dispatcherDone <- dispatcher.Run(bgCtx) }()
		svcOpts = append(svcOpts, trust.WithQueue(queue))
	} else {
		dispatcherDone <- nil
	}
	svc := trust.NewService(engine, writer, svcOpts...)

	verifier := ledger.NewVerifier(readStore,
		ledger.WithConcurrency(cfg.Ledger.VerifyConcurrency),
		ledger.WithVerifierLogger(logger),
		ledger.WithVerifierMetrics(metrics),
	)

	var anchorer *ledger.Anchorer
	if cfg.Notary.Enabled {
		s3Client, err := storage.NewS3Client(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		if err := storage.EnsureBucket(ctx, s3Client, cfg.Storage.S3Bucket); err != nil {
			return err
		}
		notary := ledger.NewS3Notary(s3Client, cfg.Storage.S3Bucket, cfg.Storage.S3Prefix)
		anchorer = ledger.NewAnchorer(ledgerStore, notary, ledger.AnchorerConfig{
			MaxAttempts: cfg.Notary.MaxAttempts,
			BatchSize:   cfg.Notary.BatchSize,
			Workers:     cfg.Notary.Workers,
		}, logger, metrics)
	}

	scheduler := cron.New()
	if err := scheduleJobs(bgCtx, scheduler, cfg.Ledger.VerifySchedule, verifier, cfg.Notary.Schedule, anchorer, logger); err != nil {
		return err
	}
	scheduler.Start()

	mode, err := adminauthz.ParseMode(cfg.Authz.Mode, cfg.Authz.UnsafeAllowDisabled)
	if err != nil {
		return err
	}
	authorizer, err := adminauthz.NewAuthorizer(cfg.Authz.ModelPath, cfg.Authz.PolicyPath, mode)
	if err != nil {
		return err
	}
	logger.WithField("mode", string(mode)).Info("admin authorization loaded")

	apiServer := &http.Server{
		Addr: net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler: newAPIRouter(apiDeps{
			grants:         grants,
			engine:         engine,
			onChange:       svc.RecordGrantChange,
			members:        flac.NewSQLStore(conns.Primary()),
			onMemberChange: svc.RecordMembershipChange,
			ledgerStore:    readStore,
			verifier:       verifier,
			deadLetters:    deadLetters,
			guard:          authorizer.Guard(),
			logger:         logger,
			metrics:        metrics,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var metricsHandler http.Handler
	if registry != nil {
		metricsHandler = observability.MetricsHandler(registry)
	}
	checker := observability.NewHealthChecker(version, conns.Primary(), redisClient)
	healthServer := &http.Server{
		Addr:        net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:     newHealthRouter(checker, metricsHandler),
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)
	shutdown.AddServer(apiServer)
	shutdown.AddServer(healthServer)
	shutdown.Register("ledger", func(ctx context.Context) error {
		<-scheduler.Stop().Done()
		var errs []error
		if err := svc.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("inline audit appends: %w", err))
		}
		stopBackground()
		if err := <-dispatcherDone; err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, fmt.Errorf("audit dispatcher: %w", err))
		}
		if redisClient != nil {
			errs = append(errs, redisClient.Close())
		}
		errs = append(errs, conns.Close())
		return errors.Join(errs...)
	})
	shutdown.Register("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})

	waitCtx, stopWaiting := context.WithCancel(ctx)
	defer stopWaiting()

	serverErr := make(chan error, 2)
	for _, srv := range []*http.Server{apiServer, healthServer} {
		srv := srv
		go func() {
			logger.WithField("addr", srv.Addr).Info("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- fmt.Errorf("server %s: %w", srv.Addr, err)
				stopWaiting()
			}
		}()
	}

	if err := shutdown.Wait(waitCtx); err != nil {
		return err
	}
	select {
	case err := <-serverErr:
		return err
	default:
		return nil
	}
}

// buildFLAC wires the grant store, the optional cross-request cache, the policy
// file and the engine. The returned store is the one mutations must go through
// so cache invalidation reaches every instance.
func buildFLAC(ctx context.Context, cfg *config.Config, conns *storage.ConnectionManager, redisClient *redis.Client,
	logger *observability.Logger, metrics *observability.Metrics) (*flac.Engine, flac.GrantStore, error) {

	sqlGrants := flac.NewSQLStore(conns.Primary())
	var grants flac.GrantStore = sqlGrants

	if cfg.FLAC.GrantCacheTTL > 0 {
		opts := []flac.CacheOption{flac.WithCacheLogger(logger), flac.WithCacheMetrics(metrics)}
		if redisClient != nil {
			opts = append(opts, flac.WithInvalidationBus(redisClient, grantInvalidation))
		}
		cached := flac.NewCachedStore(sqlGrants, cfg.FLAC.GrantCacheSize, cfg.FLAC.GrantCacheTTL, opts...)
		if redisClient != nil {
			go func() {
				if err := cached.Listen(ctx, nil); err != nil {
					logger.WithError(err).Error("grant invalidation listener stopped")
				}
			}()
		}
		grants = cached
	}

	exemptions, err := flac.ParseExemptions(cfg.FLAC.IdentityFields)
	if err != nil {
		return nil, nil, err
	}
	engine := flac.NewEngine(grants, sqlGrants,
		flac.WithExemptions(exemptions),
		flac.WithLogger(logger),
		flac.WithMetrics(metrics),
	)

	if cfg.FLAC.PolicyFile == "" {
		return engine, grants, nil
	}

	policy, err := flac.LoadPolicyFile(cfg.FLAC.PolicyFile)
	if err != nil {
		return nil, nil, err
	}
	if n, err := policy.Seed(ctx, grants, policySeedActor); err != nil {
		return nil, nil, fmt.Errorf("failed to seed grants: %w", err)
	} else if n > 0 {
		logger.WithField("grants", n).Info("seeded grants from policy file")
	}
	if ex := policy.Exemptions(); ex != nil {
		engine.SetExemptions(ex)
	}

	go func() {
		err := flac.WatchPolicyFile(ctx, cfg.FLAC.PolicyFile, logger, func(pf *flac.PolicyFile) {
			if ex := pf.Exemptions(); ex != nil {
				engine.SetExemptions(ex)
			}
		})
		if err != nil {
			logger.WithError(err).Warn("policy file watcher stopped")
		}
	}()

	return engine, grants, nil
}
