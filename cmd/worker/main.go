package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-stock-reservations/internal/catalog"
	"github.com/ariefcatur/go-stock-reservations/internal/config"
	"github.com/ariefcatur/go-stock-reservations/internal/inventory"
	kafkax "github.com/ariefcatur/go-stock-reservations/internal/kafka"
	"github.com/ariefcatur/go-stock-reservations/internal/lock"
	"github.com/ariefcatur/go-stock-reservations/internal/logging"
	"github.com/ariefcatur/go-stock-reservations/internal/metrics"
	"github.com/ariefcatur/go-stock-reservations/internal/postgres"
	"github.com/ariefcatur/go-stock-reservations/internal/redisx"
	"github.com/ariefcatur/go-stock-reservations/internal/stock"
	"github.com/ariefcatur/go-stock-reservations/internal/tracing"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// The worker runs the expiry reaper and the catalog-update consumer.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("stock-worker", "info", "json")
		boot.Fatal().Err(err).Msg("config")
	}
	log := logging.New(cfg.ServiceName+"-worker", cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.ServiceName+"-worker", cfg.OTelEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("tracing init")
	}

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db")
	}
	defer db.Close()
	lockDB, err := postgres.ConnectLocks(ctx, cfg.PostgresDSN, cfg.LockPoolSize)
	if err != nil {
		log.Fatal().Err(err).Msg("lock pool connect")
	}
	defer lockDB.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	prod := kafkax.NewProducer(cfg.KafkaBrokers, cfg.StockTopic, 1024, log)
	prodCtx, stopProd := context.WithCancel(context.Background())
	prod.Start(prodCtx)

	m := metrics.New("stock")
	locks := lock.NewFallback(
		lock.NewRedisLock(rdb, redisx.KeyLockPrefix),
		lock.NewAdvisoryLock(lockDB),
		log, m,
	)
	mgr := inventory.NewManager(&stock.PostgresStore{DB: db}, locks,
		catalog.NewHTTPClient(cfg.CatalogURL, cfg.CatalogTimeout),
		inventory.Config{
			LockTTL:           cfg.LockTTL,
			ReservationTTL:    cfg.ReservationTTL,
			MaxActivePerOwner: cfg.MaxActivePerOwner,
		},
		inventory.WithLogger(log),
		inventory.WithMetrics(m),
		inventory.WithDeduper(redisx.NewDedup(rdb, cfg.WorkerGroup)),
		inventory.WithNotifier(inventory.Notifiers{
			redisx.NewSnapshotCache(rdb, cfg.StockCacheTTL),
			&kafkax.StockPublisher{Producer: prod, ServiceName: cfg.ServiceName + "-worker", Metrics: m},
		}),
	)

	reaper := inventory.NewReaper(mgr, cfg.ReaperInterval, cfg.ReaperBatch)
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.WorkerGroup, cfg.CatalogTopic, cfg.WorkerConsumers, log)
	metricsSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reaper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("group", cfg.WorkerGroup).Str("topic", cfg.CatalogTopic).Int("workers", cfg.WorkerConsumers).Msg("catalog consumer started")
		return cons.Start(gctx, mgr.HandleCatalogUpdate)
	})
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker exit")
	}
	log.Info().Msg("shutting down worker...")

	prod.Close()
	stopProd()
	prod.WaitClosed()

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = shutdownTracing(sctx)
}
