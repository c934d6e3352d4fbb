package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/aaronwang/lotbid/internal/models"
	"github.com/aaronwang/lotbid/internal/service"
)

// errPoison marks a message that can never be processed
var errPoison = errors.New("undecodable bid event")

// Archiver persists a bid event
type Archiver interface {
	ArchiveBid(ctx context.Context, event *models.BidEvent) error
}

// LedgerConsumer moves accepted bids from the ledger stream into the archive
type LedgerConsumer struct {
	js      jetstream.JetStream
	durable string
	archive Archiver
	log     *zap.Logger
}

// NewLedgerConsumer creates a consumer
func NewLedgerConsumer(js jetstream.JetStream, durable string, archive Archiver, log *zap.Logger) *LedgerConsumer {
	return &LedgerConsumer{
		js:      js,
		durable: durable,
		archive: archive,
		log:     log,
	}
}

// Start consumes until ctx is cancelled. A message is acked only after the
// archive committed it; failures are redelivered.
func (c *LedgerConsumer) Start(ctx context.Context) error {
	setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := c.js.CreateOrUpdateStream(setupCtx, service.LedgerStreamConfig()); err != nil {
		return fmt.Errorf("failed to create/update stream: %w", err)
	}
	cons, err := c.js.CreateOrUpdateConsumer(setupCtx, service.LedgerStream, jetstream.ConsumerConfig{
		Durable:       c.durable,
		FilterSubject: service.LedgerSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    10,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		c.handleMessage(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to consume: %w", err)
	}
	defer cc.Stop()

	c.log.Info("consuming bid events", zap.String("subject", service.LedgerSubjects), zap.String("durable", c.durable))
	<-ctx.Done()
	return nil
}

func (c *LedgerConsumer) handleMessage(ctx context.Context, msg jetstream.Msg) {
	err := c.process(ctx, msg.Data())
	switch {
	case err == nil:
		if err := msg.Ack(); err != nil {
			c.log.Warn("failed to ack", zap.String("subject", msg.Subject()), zap.Error(err))
		}
	case errors.Is(err, errPoison):
		c.log.Error("dropping bid event", zap.String("subject", msg.Subject()), zap.Error(err))
		msg.Term()
	default:
		c.log.Warn("archive failed, will retry", zap.String("subject", msg.Subject()), zap.Error(err))
		msg.NakWithDelay(time.Second)
	}
}

func (c *LedgerConsumer) process(ctx context.Context, data []byte) error {
	var event models.BidEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("%w: %v", errPoison, err)
	}
	if event.BidID == "" || event.LotID == "" {
		return fmt.Errorf("%w: missing bid_id or lot_id", errPoison)
	}

	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := c.archive.ArchiveBid(dbCtx, &event); err != nil {
		return fmt.Errorf("failed to archive bid %s: %w", event.BidID, err)
	}
	c.log.Debug("archived bid",
		zap.String("event_id", event.EventID),
		zap.String("lot_id", event.LotID),
		zap.String("bidder_id", event.BidderID),
		zap.Stringer("amount", event.Amount))
	return nil
}
