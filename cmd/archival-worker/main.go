package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/aaronwang/lotbid/internal/config"
	"github.com/aaronwang/lotbid/internal/consumer"
	"github.com/aaronwang/lotbid/internal/database"
	"github.com/aaronwang/lotbid/internal/logger"
)

func main() {
	var cfg config.Archival
	if err := config.ParseEnv(&cfg); err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("archival worker stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Archival, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("connecting to postgres")
	db, err := database.NewPostgresClient(ctx, cfg.Postgres.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		return err
	}

	log.Info("connecting to nats", zap.String("url", cfg.Nats.URL))
	nc, err := nats.Connect(cfg.Nats.URL, nats.Name("archival-worker"), nats.MaxReconnects(-1))
	if err != nil {
		return err
	}
	defer nc.Drain()

	js, err := jetstream.New(nc)
	if err != nil {
		return err
	}

	// blocks until a signal arrives
	if err := consumer.NewLedgerConsumer(js, cfg.Nats.Durable, db, log).Start(ctx); err != nil {
		return err
	}
	log.Info("archival worker stopped gracefully")
	return nil
}
