package main

import (
	"context"
	"github.com/ariefcatur/go-virtual-checkout/internal/config"
	kafkax "github.com/ariefcatur/go-virtual-checkout/internal/kafka"
	"github.com/ariefcatur/go-virtual-checkout/internal/logging"
	"github.com/ariefcatur/go-virtual-checkout/internal/orders"
	"github.com/ariefcatur/go-virtual-checkout/internal/postgres"
	"github.com/ariefcatur/go-virtual-checkout/internal/redisx"
	"github.com/ariefcatur/go-virtual-checkout/internal/stocking"
	"go.uber.org/zap"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	cfg := config.Load()
	name := cfg.ServiceName + "-stocker"

	logger, err := logging.New(name, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	svc := &stocking.Service{
		Orders: &orders.Service{
			Store:    &postgres.Store{DB: db},
			Log:      logger.Named("orders"),
			Policy:   orders.DefaultPolicy(),
			Producer: name,
		},
		Redis:       rdb,
		Log:         logger.Named("stocking"),
		ServiceName: name,
	}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.StockerGroup, orders.TopicCredentialsStocked, cfg.StockerWorkers, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Info("stocker consumer started",
			zap.String("group", cfg.StockerGroup),
			zap.String("topic", orders.TopicCredentialsStocked),
			zap.Int("workers", cfg.StockerWorkers))
		if err := cons.Start(ctx, svc.HandleCredentialsStocked); err != nil {
			logger.Error("consumer exit", zap.Error(err))
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	logger.Info("shutting down consumer")
	cancel()
	<-done
}
