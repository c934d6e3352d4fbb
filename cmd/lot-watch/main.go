// Command lot-watch follows one lot from the terminal: status, price,
// reserve and a live countdown that reacts to soft-close extensions.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/aaronwang/lotbid/internal/bidding"
	"github.com/aaronwang/lotbid/internal/config"
	"github.com/aaronwang/lotbid/internal/database"
	"github.com/aaronwang/lotbid/internal/logger"
	"github.com/aaronwang/lotbid/internal/projector"
	redisstore "github.com/aaronwang/lotbid/internal/redis"
)

func main() {
	var cfg config.Watch
	if err := config.ParseEnv(&cfg); err != nil {
		panic(err)
	}
	if len(os.Args) > 1 {
		cfg.LotID = os.Args[1]
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("lot-watch stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Watch, log *zap.Logger) error {
	if cfg.LotID == "" {
		return errors.New("usage: lot-watch <lot-id> (or set LOT_ID)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := redisstore.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer rdb.Close()

	db, err := database.NewPostgresClient(ctx, cfg.Postgres.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	src := &lotSource{store: redisstore.NewStore(rdb, log), db: db}
	extended := make(chan time.Duration, 1)
	p := projector.New(cfg.LotID, src, log, projector.WithOnExtended(func(s projector.State) {
		select {
		case extended <- s.ExtendedBy:
		default:
		}
	}))
	p.Start(ctx)
	defer p.Release()

	watch(ctx, p, extended, cfg.TickInterval, cfg.PulseFor, os.Stdout)
	return nil
}

// watch prints a line per tick until ctx ends or the lot reaches a final status.
func watch(ctx context.Context, p *projector.Projector, extended <-chan time.Duration, tick, pulse time.Duration, out io.Writer) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var pulseUntil time.Time
	for {
		now := time.Now()
		s := p.State()
		fmt.Fprintln(out, renderLine(s, now))
		if s.Known && bidding.IsTerminal(s.Status) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case by := <-extended:
			fmt.Fprintln(out, bidding.ExtendedNotice(by))
			pulseUntil = time.Now().Add(pulse)
		case <-ticker.C:
			if !pulseUntil.IsZero() && time.Now().After(pulseUntil) {
				p.ClearExtended()
				pulseUntil = time.Time{}
			}
		}
	}
}
