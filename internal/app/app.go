// Package app assembles the AuctionLedger services from configuration and
// runs the background loops: the outbox relay, the projection consumer,
// the sweeps and the ops HTTP server.
package app

import (
	"AuctionLedger/internal/auction"
	"AuctionLedger/internal/config"
	"AuctionLedger/internal/ledger"
	"AuctionLedger/internal/observability"
	"AuctionLedger/internal/persistence"
	"AuctionLedger/internal/pricing"
	"AuctionLedger/internal/projection"
	"AuctionLedger/internal/query"
	"AuctionLedger/internal/relay"
	"AuctionLedger/internal/rules"
	"AuctionLedger/internal/scheduler"
	"AuctionLedger/internal/settlement"
	"AuctionLedger/migrations"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
)

// App holds the wired services. Ledger, Rules, Resolver and Query are the
// entry points an inbound API drives.
type App struct {
	Ledger   *ledger.Ledger
	Rules    *rules.Engine
	Resolver *settlement.Resolver
	Query    *query.Service
	Store    *persistence.PostgresStore

	cfg       *config.Config
	logger    zerolog.Logger
	registry  *prometheus.Registry
	health    *observability.HealthChecker
	pool      *pgxpool.Pool
	kv        *projection.RedisKV
	nc        *nats.Conn
	js        jetstream.JetStream
	relay     *relay.Relay
	consumer  *relay.Consumer
	scheduler *scheduler.Scheduler
}

// Build connects to Postgres, Redis and NATS and wires every service.
// Redis being down is not fatal: reads fall back to the store.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *App, err error) {
	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		health:   observability.NewHealthChecker(),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(a.registry)

	// --- Postgres ---
	if cfg.Postgres.AutoMigrate {
		if err := migrate(ctx, cfg.Postgres.DSN, a.component("migrate")); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	if a.pool, err = persistence.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns); err != nil {
		return nil, err
	}
	a.Store = persistence.NewPostgresStore(a.pool)
	a.health.Register("postgres", a.Store.Ping)
	logger.Info().Msg("postgres connected")

	// --- Redis projection cache ---
	a.kv = projection.NewRedisKV(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := a.kv.Ping(ctx); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable at startup")
	}
	cache := projection.NewCache(a.kv, cfg.Redis.TTL, a.component("cache"), metrics)
	a.health.Register("redis", a.kv.Ping)

	// --- NATS JetStream ---
	if a.nc, a.js, err = relay.ConnectNATS(cfg.NATS.URL, a.component("nats")); err != nil {
		return nil, err
	}
	if err := relay.EnsureStream(ctx, a.js, cfg.NATS.Stream); err != nil {
		return nil, err
	}
	a.health.Register("nats", func(context.Context) error {
		if s := a.nc.Status(); s != nats.CONNECTED {
			return fmt.Errorf("nats status %s", s)
		}
		return nil
	})
	logger.Info().Str("stream", cfg.NATS.Stream).Msg("NATS connected")

	// --- Core services ---
	clock := time.Now
	oracle := pricing.NewOracle()

	a.Rules, err = rules.New(rules.Deps{
		Store:       a.Store,
		Invalidator: cache,
		Logger:      a.component("rules"),
		Metrics:     metrics,
		Clock:       clock,
	}, rules.Config{
		EscalationThreshold: auction.Severity(cfg.Rules.EscalationThreshold),
		EscalationDelay:     cfg.Rules.EscalationDelay,
		MaxEscalationLevel:  cfg.Rules.MaxEscalationLevel,
	})
	if err != nil {
		return nil, err
	}

	a.Resolver, err = settlement.New(settlement.Deps{
		Store:       a.Store,
		Oracle:      oracle,
		Invalidator: cache,
		Logger:      a.component("settlement"),
		Metrics:     metrics,
		Clock:       clock,
	}, settlement.Config{
		BatchSize:       cfg.Settlement.BatchSize,
		Concurrency:     cfg.Settlement.Concurrency,
		ConflictRetries: cfg.Ledger.ConflictRetries,
	})
	if err != nil {
		return nil, err
	}

	a.Ledger, err = ledger.New(ledger.Deps{
		Store:       a.Store,
		Oracle:      oracle,
		Rules:       a.Rules,
		Closer:      a.Resolver,
		Invalidator: cache,
		Logger:      a.component("ledger"),
		Metrics:     metrics,
		Clock:       clock,
	}, ledger.Config{
		ConflictRetries:  cfg.Ledger.ConflictRetries,
		IdempotencyCache: cfg.Ledger.IdempotencyCache,
	})
	if err != nil {
		return nil, err
	}

	if a.Query, err = query.NewService(a.Store, oracle, cache, a.component("query"), clock); err != nil {
		return nil, err
	}

	// --- Outbox relay ---
	relayLogger := a.component("relay")
	rel := relay.DefaultReliabilityConfig()
	rel.RateLimit = cfg.Relay.RateLimit
	rel.RateBurst = cfg.Relay.RateBurst
	publisher := relay.NewReliablePublisher(relay.NewJetStreamPublisher(a.js), rel, relayLogger)
	a.health.Register("publisher", func(context.Context) error {
		if publisher.State() == gobreaker.StateOpen {
			return errors.New("circuit breaker open")
		}
		return nil
	})

	a.relay, err = relay.New(relay.Deps{
		Store:     a.Store,
		Publisher: publisher,
		Alerter:   relay.NewNATSAlerter(a.nc, relayLogger),
		Logger:    relayLogger,
		Metrics:   metrics,
		Clock:     clock,
	}, relay.Config{
		PollInterval:   cfg.Relay.PollInterval,
		BatchSize:      cfg.Relay.BatchSize,
		MaxAttempts:    cfg.Relay.MaxAttempts,
		PublishTimeout: cfg.Relay.PublishTimeout,
		BaseBackoff:    cfg.Relay.BaseBackoff,
		MaxBackoff:     cfg.Relay.MaxBackoff,
	})
	if err != nil {
		return nil, err
	}

	// --- Projection consumer ---
	worker := projection.NewInvalidationWorker(cache, a.component("projection"))
	a.consumer = relay.NewConsumer(a.js, relay.ConsumerConfig{
		Stream:  cfg.NATS.Stream,
		Durable: cfg.NATS.Consumer,
	}, worker.Handle, a.component("consumer"), metrics)

	return a, nil
}

func (a *App) component(name string) zerolog.Logger {
	return a.logger.With().Str("component", name).Logger()
}

// Run starts every loop and blocks until ctx is cancelled or one of them
// fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.consumer.Start(ctx); err != nil {
		return err
	}

	a.scheduler = scheduler.New(ctx, a.component("scheduler"))
	if _, err := a.scheduler.Add("settle_due", a.cfg.Settlement.SweepSchedule, a.Resolver.SettleDue); err != nil {
		return fmt.Errorf("schedule settlement sweep: %w", err)
	}
	if _, err := a.scheduler.Add("escalate_violations", a.cfg.Rules.SweepSchedule, a.Rules.SweepEscalations); err != nil {
		return fmt.Errorf("schedule escalation sweep: %w", err)
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           observability.NewOpsRouter(a.registry, a.health, a.Query.Mount),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.relay.Run(gctx)
	})
	g.Go(func() error {
		a.logger.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	a.scheduler.Start()
	a.health.SetReady(true)
	a.logger.Info().Msg("AuctionLedger ready")

	err := g.Wait()
	a.health.SetReady(false)
	a.scheduler.Stop()
	a.consumer.Stop()
	return err
}

// Close releases connections. It is safe on a partially built App.
func (a *App) Close() {
	if a.nc != nil {
		a.nc.Close()
	}
	if a.kv != nil {
		a.kv.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func migrate(ctx context.Context, dsn string, logger zerolog.Logger) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return persistence.NewMigrator(db, migrations.Files, logger).Up(ctx)
}
