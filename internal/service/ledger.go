package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/aaronwang/lotbid/internal/models"
)

// Ledger stream layout shared by the publisher and the archival consumer
const (
	LedgerStream        = "BID_EVENTS"
	LedgerSubjectPrefix = "bid.events."
	LedgerSubjects      = LedgerSubjectPrefix + "*"
)

// LedgerSubject is the subject a lot's bid events are published on.
func LedgerSubject(lotID string) string {
	return LedgerSubjectPrefix + lotID
}

// LedgerStreamConfig is the JetStream stream holding accepted bids until archived.
func LedgerStreamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        LedgerStream,
		Description: "Accepted bids awaiting archival",
		Subjects:    []string{LedgerSubjects},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      7 * 24 * time.Hour,
		Duplicates:  10 * time.Minute,
		Replicas:    1,
	}
}

// JetStreamLedger publishes accepted bids to the ledger stream.
type JetStreamLedger struct {
	js  jetstream.JetStream
	log *zap.Logger
}

// NewJetStreamLedger ensures the stream exists and returns a publisher.
func NewJetStreamLedger(ctx context.Context, js jetstream.JetStream, log *zap.Logger) (*JetStreamLedger, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := js.CreateOrUpdateStream(ctx, LedgerStreamConfig()); err != nil {
		return nil, fmt.Errorf("failed to create/update stream: %w", err)
	}
	log.Info("ledger stream ready", zap.String("stream", LedgerStream))
	return &JetStreamLedger{js: js, log: log}, nil
}

// PublishBid waits for the server ack. The event id doubles as the
// JetStream message id so a retried publish is deduplicated.
func (l *JetStreamLedger) PublishBid(ctx context.Context, event *models.BidEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := l.js.Publish(ctx, LedgerSubject(event.LotID), data, jetstream.WithMsgID(event.EventID))
	if err != nil {
		return fmt.Errorf("failed to publish to JetStream: %w", err)
	}
	l.log.Debug("published bid event",
		zap.String("subject", LedgerSubject(event.LotID)),
		zap.Uint64("seq", ack.Sequence),
		zap.Bool("duplicate", ack.Duplicate))
	return nil
}
