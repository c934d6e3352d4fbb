// Package projector keeps an observer's view of one lot's timing state.
//
// The view is seeded from a snapshot, merged with the archived top bid, then
// advanced by the lot's change events. Every merge is monotonic, so duplicate,
// stale or reordered events never move the view backward.
package projector

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aaronwang/lotbid/internal/bidding"
	"github.com/aaronwang/lotbid/internal/models"
	"github.com/aaronwang/lotbid/internal/money"
)

// Subscription is a live feed of a lot's change events.
// Events is closed when the feed ends.
type Subscription interface {
	Events() <-chan models.LotEvent
	Close() error
}

// Source supplies the seed and the live feed
type Source interface {
	// Snapshot returns nil when the lot does not exist
	Snapshot(ctx context.Context, lotID string) (*models.LotSnapshot, error)
	TopBid(ctx context.Context, lotID string) (*money.Money, error)
	Subscribe(ctx context.Context, lotID string) (Subscription, error)
}

// State is the projected view of a lot
type State struct {
	Known        bool
	LotID        string
	Title        string
	Status       models.LotStatus
	CurrentPrice *money.Money
	EndsAt       time.Time
	ReserveMet   bool
	HighBidderID string

	// Extended is raised when EndsAt moved forward and stays up until ClearExtended.
	Extended   bool
	ExtendedBy time.Duration
}

// Option configures a Projector
type Option func(*Projector)

// WithOnExtended registers a callback fired once per extension
func WithOnExtended(fn func(State)) Option {
	return func(p *Projector) { p.onExtended = fn }
}

// WithReconnectBackoff sets the delay between resubscribe attempts
func WithReconnectBackoff(d time.Duration) Option {
	return func(p *Projector) { p.backoff = d }
}

// Projector maintains State for one lot
type Projector struct {
	lotID      string
	src        Source
	log        *zap.Logger
	onExtended func(State)
	backoff    time.Duration

	mu       sync.Mutex
	state    State
	sub      Subscription
	released bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a projector. Nothing is read until Start.
func New(lotID string, src Source, log *zap.Logger, opts ...Option) *Projector {
	p := &Projector{
		lotID:   lotID,
		src:     src,
		log:     log.With(zap.String("lot_id", lotID)),
		backoff: time.Second,
		state:   State{LotID: lotID},
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start subscribes, seeds the state and applies events in delivery order on a
// single goroutine until Release or ctx ends. When the feed drops it resubscribes
// and reseeds. Failures are logged and leave the state unknown or stale.
func (p *Projector) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	if p.released || p.cancel != nil {
		p.mu.Unlock()
		cancel()
		return
	}
	p.cancel = cancel
	p.mu.Unlock()

	// Subscribing before the snapshot means no change is lost in between;
	// the buffered events merge harmlessly over the seed.
	sub := p.subscribe(ctx)
	p.seed(ctx)
	go p.run(ctx, sub)
}

// Done is closed once the event loop has exited
func (p *Projector) Done() <-chan struct{} {
	return p.done
}

func (p *Projector) run(ctx context.Context, sub Subscription) {
	defer close(p.done)
	for {
		if sub == nil {
			sub = p.resubscribe(ctx)
			if sub == nil {
				return
			}
		}
		for event := range sub.Events() {
			p.Apply(event)
		}
		sub.Close()
		sub = nil
		if ctx.Err() != nil || p.isReleased() {
			return
		}
		p.log.Warn("lot event stream dropped, reconnecting")
	}
}

func (p *Projector) subscribe(ctx context.Context) Subscription {
	sub, err := p.src.Subscribe(ctx, p.lotID)
	if err != nil {
		p.log.Warn("failed to subscribe to lot events", zap.Error(err))
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		sub.Close()
		return nil
	}
	p.sub = sub
	return sub
}

func (p *Projector) resubscribe(ctx context.Context) Subscription {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.backoff):
		}
		if p.isReleased() {
			return nil
		}
		if sub := p.subscribe(ctx); sub != nil {
			p.Reseed(ctx)
			return sub
		}
	}
}

func (p *Projector) seed(ctx context.Context) {
	snap, ok := p.fetch(ctx)
	if !ok {
		return
	}
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	p.mergeSnapshot(snap)
	p.mu.Unlock()
}

// Reseed replaces the state with a fresh snapshot, used after a reconnect.
// Events missed while disconnected are recovered from it, and a missed
// extension still fires the callback once.
func (p *Projector) Reseed(ctx context.Context) {
	snap, ok := p.fetch(ctx)
	if !ok {
		return
	}

	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	prev := p.state
	p.state = State{
		Known:        true,
		LotID:        p.lotID,
		Title:        snap.Title,
		Status:       snap.Status,
		CurrentPrice: snap.CurrentPrice,
		EndsAt:       snap.EndsAt,
		ReserveMet:   snap.ReserveMet,
		HighBidderID: snap.HighBidderID,
		Extended:     prev.Extended,
		ExtendedBy:   prev.ExtendedBy,
	}
	fire := prev.Known && snap.EndsAt.After(prev.EndsAt)
	if fire {
		p.state.Extended = true
		p.state.ExtendedBy = snap.EndsAt.Sub(prev.EndsAt)
	}
	out := p.state
	p.mu.Unlock()

	if fire {
		p.notifyExtended(out)
	}
}

// fetch reads the snapshot and the archived top bid. The top bid is folded
// into the snapshot's price.
func (p *Projector) fetch(ctx context.Context) (*models.LotSnapshot, bool) {
	snap, err := p.src.Snapshot(ctx, p.lotID)
	if err != nil {
		p.log.Warn("failed to read lot snapshot", zap.Error(err))
		return nil, false
	}
	if snap == nil {
		p.log.Warn("lot not found")
		return nil, false
	}
	top, err := p.src.TopBid(ctx, p.lotID)
	if err != nil {
		p.log.Warn("failed to read top bid", zap.Error(err))
	} else {
		snap.CurrentPrice = money.MaxPtr(snap.CurrentPrice, top)
	}
	return snap, true
}

func (p *Projector) mergeSnapshot(snap *models.LotSnapshot) {
	if !p.state.Known {
		p.state.Known = true
		p.state.Title = snap.Title
		p.state.Status = snap.Status
		p.state.CurrentPrice = snap.CurrentPrice
		p.state.EndsAt = snap.EndsAt
		p.state.ReserveMet = snap.ReserveMet
		p.state.HighBidderID = snap.HighBidderID
		return
	}
	p.state.Title = snap.Title
	p.mergeLot(snap.Status, snap.CurrentPrice, &snap.EndsAt, snap.ReserveMet, snap.HighBidderID)
}

// Apply merges one change event. Applying the same event twice has no
// further effect.
func (p *Projector) Apply(event models.LotEvent) {
	if event.LotID != "" && event.LotID != p.lotID {
		return
	}

	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}

	var fire bool
	switch event.Kind {
	case models.EventBidInserted:
		p.mergePrice(event.Amount, "")
	case models.EventLotUpdated:
		if !p.state.Known {
			p.adoptEvent(event)
		} else {
			fire = p.mergeLot(event.Status, event.CurrentPrice, event.EndsAt, event.ReserveMet, event.HighBidderID)
		}
	default:
		p.log.Debug("ignoring unknown event kind", zap.String("kind", string(event.Kind)))
	}
	out := p.state
	p.mu.Unlock()

	if fire {
		p.notifyExtended(out)
	}
}

// adoptEvent takes a lot-updated event as the seed when no snapshot was read.
func (p *Projector) adoptEvent(event models.LotEvent) {
	if event.EndsAt == nil || event.Status == "" {
		p.mergePrice(event.CurrentPrice, event.HighBidderID)
		return
	}
	p.state.Known = true
	p.state.Status = event.Status
	p.state.EndsAt = *event.EndsAt
	p.state.ReserveMet = event.ReserveMet
	p.mergePrice(event.CurrentPrice, event.HighBidderID)
}

// mergeLot reports whether the end time moved forward. Status only moves to
// a later lifecycle stage, so events that arrive out of order cannot pull
// it back.
func (p *Projector) mergeLot(status models.LotStatus, price *money.Money, endsAt *time.Time, reserveMet bool, highBidder string) bool {
	if status != "" && bidding.Stage(status) > bidding.Stage(p.state.Status) {
		p.state.Status = status
	}
	p.mergePrice(price, highBidder)
	p.state.ReserveMet = p.state.ReserveMet || reserveMet

	if endsAt == nil || !endsAt.After(p.state.EndsAt) {
		return false
	}
	p.state.Extended = true
	p.state.ExtendedBy = endsAt.Sub(p.state.EndsAt)
	p.state.EndsAt = *endsAt
	return true
}

func (p *Projector) mergePrice(price *money.Money, highBidder string) {
	if price == nil {
		return
	}
	held := p.state.CurrentPrice
	if highBidder != "" && (held == nil || price.GreaterThanOrEqual(*held)) {
		p.state.HighBidderID = highBidder
	}
	p.state.CurrentPrice = money.MaxPtr(held, price)
}

func (p *Projector) notifyExtended(s State) {
	if p.onExtended != nil {
		p.onExtended(s)
	}
}

// State returns a copy of the current view
func (p *Projector) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ClearExtended lowers the extension pulse once it has been shown
func (p *Projector) ClearExtended() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Extended = false
	p.state.ExtendedBy = 0
}

// Release stops the event loop and closes the subscription. It is safe to
// call more than once; no state changes after it returns.
func (p *Projector) Release() {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	p.released = true
	sub := p.sub
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Close()
	}
}

func (p *Projector) isReleased() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}
