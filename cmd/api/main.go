package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-stock-reservations/internal/catalog"
	"github.com/ariefcatur/go-stock-reservations/internal/config"
	"github.com/ariefcatur/go-stock-reservations/internal/httpx"
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
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("stock-api", "info", "json")
		boot.Fatal().Err(err).Msg("config")
	}
	log := logging.New(cfg.ServiceName, cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, cfg.ServiceName, cfg.OTelEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("tracing init")
	}

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}
	// advisory locks pin connections, keep them off the store pool
	lockDB, err := postgres.ConnectLocks(ctx, cfg.PostgresDSN, cfg.LockPoolSize)
	if err != nil {
		log.Fatal().Err(err).Msg("lock pool connect")
	}
	defer lockDB.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer
	prod := kafkax.NewProducer(cfg.KafkaBrokers, cfg.StockTopic, 1024, log)
	prod.Start(ctx)

	m := metrics.New("stock")
	store := &stock.PostgresStore{DB: db}
	locks := lock.NewFallback(
		lock.NewRedisLock(rdb, redisx.KeyLockPrefix),
		lock.NewAdvisoryLock(lockDB),
		log, m,
	)
	cat := catalog.NewHTTPClient(cfg.CatalogURL, cfg.CatalogTimeout)
	cache := redisx.NewSnapshotCache(rdb, cfg.StockCacheTTL)

	mgr := inventory.NewManager(store, locks, cat, inventory.Config{
		LockTTL:           cfg.LockTTL,
		ReservationTTL:    cfg.ReservationTTL,
		MaxActivePerOwner: cfg.MaxActivePerOwner,
	},
		inventory.WithLogger(log),
		inventory.WithMetrics(m),
		inventory.WithNotifier(inventory.Notifiers{
			cache,
			&kafkax.StockPublisher{Producer: prod, ServiceName: cfg.ServiceName, Metrics: m},
		}),
	)
	query := inventory.NewQueryService(store, cat, cache, log)

	router := httpx.NewRouter(log, m.Handler(), map[string]httpx.Pinger{
		"postgres": store,
		"redis":    httpx.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
	})
	sh := &httpx.StockHandler{Manager: mgr, Query: query}
	sh.Register(router)

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	// graceful shutdown
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	prod.Close()      // close inbox, flush and close writer
	cancel()          // stop producer loop
	prod.WaitClosed() // drain
	_ = shutdownTracing(ctx2)
}
