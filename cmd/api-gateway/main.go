package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aaronwang/lotbid/internal/config"
	"github.com/aaronwang/lotbid/internal/database"
	"github.com/aaronwang/lotbid/internal/handlers"
	"github.com/aaronwang/lotbid/internal/logger"
	redisstore "github.com/aaronwang/lotbid/internal/redis"
	"github.com/aaronwang/lotbid/internal/service"
)

func main() {
	var cfg config.Gateway
	if err := config.ParseEnv(&cfg); err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("api gateway stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Gateway, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	caps, err := cfg.Auction.TierCaps()
	if err != nil {
		return err
	}

	log.Info("connecting to redis", zap.String("addr", cfg.Redis.Addr))
	rdb, err := redisstore.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer rdb.Close()
	store := redisstore.NewStore(rdb, log, redisstore.WithRules(cfg.Auction.SoftCloseWindow, caps))

	log.Info("connecting to nats", zap.String("url", cfg.Nats.URL))
	nc, err := nats.Connect(cfg.Nats.URL, nats.Name("api-gateway"), nats.MaxReconnects(-1))
	if err != nil {
		return err
	}
	defer nc.Drain()
	js, err := jetstream.New(nc)
	if err != nil {
		return err
	}
	ledger, err := service.NewJetStreamLedger(ctx, js, log)
	if err != nil {
		return err
	}

	log.Info("connecting to postgres")
	db, err := database.NewPostgresClient(ctx, cfg.Postgres.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	biddingService := service.NewBiddingService(store, ledger, db, log,
		service.WithOutboxGrace(cfg.Outbox.Grace))
	router := handlers.NewHandler(biddingService, log).SetupRoutes()

	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api gateway listening", zap.String("addr", cfg.ServerAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return biddingService.RunOutbox(gctx, cfg.Outbox.Interval)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	err = g.Wait()

	// let in-flight ledger publishes finish before nats drains
	biddingService.Wait()
	return err
}
