package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aaronwang/lotbid/internal/models"
)

// Subscriber forwards raw change events for every lot (pattern subscription).
// It feeds the websocket broadcast.
type Subscriber struct {
	client *redis.Client
	pubsub *redis.PubSub
	log    *zap.Logger
}

// NewSubscriber creates a pattern subscriber over an existing client
func NewSubscriber(client *redis.Client, log *zap.Logger) *Subscriber {
	return &Subscriber{client: client, log: log}
}

// SubscribeToPattern subscribes to all lot event channels matching pattern,
// e.g. "lot_events:*".
func (s *Subscriber) SubscribeToPattern(ctx context.Context, pattern string) error {
	pubsub := s.client.PSubscribe(ctx, pattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}
	s.pubsub = pubsub
	return nil
}

// Message is one change event as received from Redis
type Message struct {
	LotID   string
	Payload string // raw JSON, forwarded untouched
	Event   models.LotEvent
}

// Listen blocks, sending messages to out until ctx is cancelled or the
// subscription is closed.
func (s *Subscriber) Listen(ctx context.Context, out chan<- *Message) error {
	if s.pubsub == nil {
		return fmt.Errorf("not subscribed to any channel")
	}

	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event models.LotEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				s.log.Warn("failed to parse message", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			select {
			case out <- &Message{LotID: lotIDFromChannel(msg.Channel), Payload: msg.Payload, Event: event}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Close releases the subscription. The client is owned by the caller.
func (s *Subscriber) Close() error {
	if s.pubsub != nil {
		return s.pubsub.Close()
	}
	return nil
}

// lotIDFromChannel extracts the lot id from "lot_events:{lotID}"
func lotIDFromChannel(channel string) string {
	return strings.TrimPrefix(channel, EventsChannelPrefix)
}

// LotSubscription is the change-event stream of a single lot.
type LotSubscription struct {
	pubsub *redis.PubSub
	events chan models.LotEvent
	done   chan struct{}
	once   sync.Once
	log    *zap.Logger
}

func newLotSubscription(pubsub *redis.PubSub, log *zap.Logger) *LotSubscription {
	sub := &LotSubscription{
		pubsub: pubsub,
		events: make(chan models.LotEvent, 64),
		done:   make(chan struct{}),
		log:    log,
	}
	go sub.pump()
	return sub
}

// Events is closed when the subscription ends, either by Close or by the
// connection dropping.
func (s *LotSubscription) Events() <-chan models.LotEvent {
	return s.events
}

// Close releases the subscription. Safe to call more than once.
func (s *LotSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

func (s *LotSubscription) pump() {
	defer close(s.events)
	ch := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event models.LotEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				s.log.Warn("failed to parse lot event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			select {
			case s.events <- event:
			case <-s.done:
				return
			}
		}
	}
}
