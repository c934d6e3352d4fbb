package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aaronwang/lotbid/internal/config"
	"github.com/aaronwang/lotbid/internal/logger"
	redisstore "github.com/aaronwang/lotbid/internal/redis"
	"github.com/aaronwang/lotbid/internal/websocket"
)

func main() {
	var cfg config.Broadcast
	if err := config.ParseEnv(&cfg); err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("broadcast service stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Broadcast, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := redisstore.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer rdb.Close()

	subscriber := redisstore.NewSubscriber(rdb, log)
	defer subscriber.Close()
	if err := subscriber.SubscribeToPattern(ctx, redisstore.EventsChannelPrefix+"*"); err != nil {
		return err
	}
	log.Info("subscribed to lot events")

	manager := websocket.NewManager(log)
	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      websocket.NewHandler(manager, log).SetupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	messages := make(chan *redisstore.Message, 256)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		manager.Run(gctx)
		return nil
	})
	g.Go(func() error {
		err := subscriber.Listen(gctx, messages)
		close(messages)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		// Redis pub/sub -> websocket, payloads forwarded untouched
		for msg := range messages {
			manager.Broadcast(msg.LotID, []byte(msg.Payload))
		}
		return nil
	})
	g.Go(func() error {
		log.Info("broadcast service listening", zap.String("addr", cfg.ServerAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
