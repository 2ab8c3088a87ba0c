package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dmehra2102/order-orchestrator/internal/config"
	invhttp "github.com/dmehra2102/order-orchestrator/internal/inventory/infrastructure/http"
	orchestrator "github.com/dmehra2102/order-orchestrator/internal/orchestrator/application"
	journalpg "github.com/dmehra2102/order-orchestrator/internal/orchestrator/infrastructure/postgres"
	"github.com/dmehra2102/order-orchestrator/internal/order/application"
	"github.com/dmehra2102/order-orchestrator/internal/order/domain"
	orderhttp "github.com/dmehra2102/order-orchestrator/internal/order/infrastructure/http"
	orderkafka "github.com/dmehra2102/order-orchestrator/internal/order/infrastructure/kafka"
	"github.com/dmehra2102/order-orchestrator/internal/order/infrastructure/memory"
	orderpg "github.com/dmehra2102/order-orchestrator/internal/order/infrastructure/postgres"
	payhttp "github.com/dmehra2102/order-orchestrator/internal/payment/infrastructure/http"
	"github.com/dmehra2102/order-orchestrator/pkg/distlock"
	"github.com/dmehra2102/order-orchestrator/pkg/logging"
	"github.com/dmehra2102/order-orchestrator/pkg/metrics"
	"github.com/dmehra2102/order-orchestrator/pkg/outbox"
	"github.com/dmehra2102/order-orchestrator/pkg/resilience"
	"github.com/dmehra2102/order-orchestrator/pkg/shutdown"
	"github.com/dmehra2102/order-orchestrator/pkg/tracing"
)

// stores groups the persistence ports so both database drivers wire the same way.
type stores struct {
	orders  orchestrator.OrderStore
	users   application.UserRepository
	reader  application.OrderReader
	journal orchestrator.Journal
	outbox  outbox.Store
	close   func()
}

func main() {
	configPath := flag.String("config", os.Getenv("ORDER_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})

	if err := run(cfg, log); err != nil {
		log.Error("order-service stopped with error", "err", err)
		os.Exit(1)
	}
	log.Info("order-service shutdown complete")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := shutdown.WithSignals(context.Background(), log)
	defer cancel()

	if cfg.Tracing.Enabled {
		tp, err := tracing.Init(ctx, cfg.ServiceName, cfg.Tracing.OTLPEndpoint, log)
		if err != nil {
			return err
		}
		defer func() { _ = tp.Shutdown(context.WithoutCancel(ctx)) }()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	locks, closeLocks, err := openLocker(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeLocks()

	// Kafka producer
	writer := orderkafka.NewWriter(cfg.Kafka.Brokers)
	defer writer.Close()

	dispatch := outbox.NewDispatcher(log, writer, cfg.Kafka.Topic)
	relay := outbox.NewRelay(log, st.outbox, dispatch, cfg.Outbox.RelayID, outbox.RelayConfig{
		BatchSize:  cfg.Outbox.BatchSize,
		Interval:   cfg.Outbox.Interval,
		Lease:      cfg.Outbox.Lease,
		MaxRetries: cfg.Outbox.MaxRetries,
	}).WithObserver(m)

	opts := []resilience.Option{
		resilience.WithDomainErrors(domain.IsDomain),
		resilience.WithObserver(m),
	}
	for name, p := range cfg.Resilience.Operations {
		opts = append(opts, resilience.WithPolicy(name, p))
	}
	gateway := resilience.New(log, cfg.Resilience.Default, opts...)

	inv := invhttp.NewClient(log, cfg.Inventory.BaseURL, cfg.Inventory.Timeout)
	pay := payhttp.NewClient(log, cfg.Payment.BaseURL, cfg.Payment.Timeout)
	coord := orchestrator.NewCoordinator(log, gateway, inv, pay, st.orders, st.journal, locks)
	svc := application.NewService(log, st.users, st.reader)
	handler := orderhttp.NewHandler(log, svc, coord)

	// HTTP server
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, m.Middleware)
	r.Handle("/metrics", m.Handler())
	r.Mount("/", handler.Routes())
	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		log.Info("http listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.HTTP.ShutdownTimeout)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStores(ctx context.Context, cfg *config.Config, log *slog.Logger) (*stores, error) {
	if cfg.Database.Driver == config.DriverMemory {
		log.Warn("using in-memory storage, data is lost on restart")
		s := memory.NewStore()
		return &stores{orders: s, users: s, reader: s, journal: s, outbox: s, close: func() {}}, nil
	}

	// Postgres Setup
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if cfg.Database.Migrate {
		if err := orderpg.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	repo := orderpg.NewRepository(log, pool)
	return &stores{
		orders:  repo,
		users:   repo,
		reader:  repo,
		journal: journalpg.NewJournal(pool),
		outbox:  orderpg.NewOutboxStore(log, pool),
		close:   pool.Close,
	}, nil
}

func openLocker(ctx context.Context, cfg *config.Config, log *slog.Logger) (orchestrator.Locker, func(), error) {
	if !cfg.Redis.Enabled {
		log.Warn("redis disabled, order locks are process-local")
		return distlock.NewMemoryLocker(), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	return distlock.NewRedisLocker(rdb, cfg.Redis.LockTTL), func() { _ = rdb.Close() }, nil
}
