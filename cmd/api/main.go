package main

import (
	"context"
	"errors"
	"github.com/ariefcatur/go-virtual-checkout/internal/config"
	"github.com/ariefcatur/go-virtual-checkout/internal/httpx"
	kafkax "github.com/ariefcatur/go-virtual-checkout/internal/kafka"
	"github.com/ariefcatur/go-virtual-checkout/internal/logging"
	"github.com/ariefcatur/go-virtual-checkout/internal/memstore"
	"github.com/ariefcatur/go-virtual-checkout/internal/metrics"
	"github.com/ariefcatur/go-virtual-checkout/internal/orders"
	"github.com/ariefcatur/go-virtual-checkout/internal/postgres"
	"github.com/ariefcatur/go-virtual-checkout/internal/redisx"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store
	var store orders.Store
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store, data is lost on exit")
		store = memstore.New()
	default:
		if cfg.RunMigrations {
			if err := postgres.Migrate(cfg.PostgresDSN); err != nil {
				logger.Fatal("migrate", zap.Error(err))
			}
		}
		db, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("db connect", zap.Error(err))
		}
		defer db.Close()
		store = &postgres.Store{DB: db}
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, logger)
	prod.Start(ctx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	svc := &orders.Service{
		Store:     store,
		Publisher: kafkax.EventPublisher{P: prod},
		Metrics:   metrics.NewCheckout(reg),
		Log:       logger.Named("orders"),
		Policy: orders.Policy{
			EnforceTransitions:   cfg.EnforceStatusTransitions,
			ReleaseDraftOnDelete: cfg.ReleaseDraftOnDelete,
			ReleaseOnDelete:      cfg.ReleaseOnDelete,
			CodeAttempts:         cfg.CodeAttempts,
		},
		Producer: cfg.ServiceName,
	}

	router := httpx.NewRouter(metrics.NewServerMetrics(reg, "api"))
	router.Handle("/metrics", metrics.Handler(reg))
	oh := &httpx.OrdersHandler{
		Orders: svc,
		Cache:  redisx.NewViewCache(rdb, cfg.CacheTTL),
		Idem:   &redisx.Idempotency{RDB: rdb},
		Log:    logger.Named("http"),
	}
	oh.Register(router)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(router, cfg.ServiceName),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	prod.Close()
	prod.WaitClosed()
	cancel()
}
