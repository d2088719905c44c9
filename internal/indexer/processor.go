// Package indexer applies inbound settlement events to the ledger and the
// marketplace, one at a time, and commits each event's effects atomically.
//
// The processor is the only writer. Every event is classified by kind,
// dispatched to its handler, and the resulting plot, Field, listing, order and
// fill records are committed together with a write-once audit record and the
// advanced cursor. A handler or commit failure halts the processor: in-memory
// state may already be ahead of the store, so it refuses further events until
// it is restarted and restored from the last committed snapshot.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/pod-ledger/internal/event"
	"github.com/atmx/pod-ledger/internal/ledger"
	"github.com/atmx/pod-ledger/internal/market"
	"github.com/atmx/pod-ledger/internal/metrics"
	"github.com/atmx/pod-ledger/internal/model"
	"github.com/atmx/pod-ledger/internal/store"
)

var (
	ErrHalted     = errors.New("indexer: processor halted")
	ErrOutOfOrder = fmt.Errorf("%w: event out of order", ledger.ErrInvariant)
)

// Update is what subscribers hear about each committed event.
type Update struct {
	ID       model.EventID `json:"id"`
	Block    uint64        `json:"block"`
	Kind     event.Kind    `json:"kind"`
	Frontier int64         `json:"frontier"`
	Fills    []model.Fill  `json:"fills,omitempty"`
	Expired  int           `json:"expired,omitempty"`
}

// Broadcaster receives an Update after each commit. It must not block.
type Broadcaster interface {
	Broadcast(u Update)
}

// Result describes the outcome of one Apply call.
type Result struct {
	ID       model.EventID `json:"id"`
	Kind     event.Kind    `json:"kind"`
	Skipped  bool          `json:"skipped"`
	Cursor   model.Cursor  `json:"cursor"`
	Plots    int           `json:"plots"`
	Fields   int           `json:"fields"`
	Listings int           `json:"listings"`
	Orders   int           `json:"orders"`
	Fills    int           `json:"fills"`
}

// Option configures a Processor.
type Option func(*Processor)

// WithBroadcaster publishes committed events to b.
func WithBroadcaster(b Broadcaster) Option {
	return func(p *Processor) { p.hub = b }
}

// WithConservationCheck re-verifies the ledger totals after every event.
// It walks every plot, so it belongs in replays and tests.
func WithConservationCheck() Option {
	return func(p *Processor) { p.verify = true }
}

// WithClock overrides the clock used to stamp audit records.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// Processor serializes event application. Uses a mutex for single-writer
// semantics; the store is the only thing shared with readers.
type Processor struct {
	mu       sync.Mutex
	store    store.Store
	protocol string
	ledger   *ledger.State
	market   *market.Engine
	cursor   model.Cursor
	halted   error
	verify   bool
	hub      Broadcaster
	now      func() time.Time
}

// New creates a processor with empty state. Call Restore to resume from what
// the store already holds.
func New(st store.Store, protocol string, opts ...Option) *Processor {
	l := ledger.NewState(protocol)
	p := &Processor{
		store:    st,
		protocol: protocol,
		ledger:   l,
		market:   market.New(l),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Restore rebuilds the in-memory ledger and marketplace from the store's
// snapshot and resumes after its cursor.
func (p *Processor) Restore(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap, err := p.store.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	p.ledger = ledger.Load(p.protocol, snap.Cursor.Frontier, snap.Plots, snap.Fields)
	p.market = market.Load(p.ledger, snap.Listings, snap.Orders, snap.Marketplace)
	p.cursor = snap.Cursor
	p.halted = nil

	if err := p.ledger.CheckConservation(); err != nil {
		return p.halt(fmt.Errorf("restored snapshot: %w", err))
	}

	metrics.Frontier.Set(float64(p.ledger.Frontier()))
	metrics.ActiveListings.Set(float64(p.market.ActiveListings()))
	slog.Info("state restored",
		"events", snap.Cursor.Events,
		"plots", len(snap.Plots),
		"fields", len(snap.Fields),
		"listings", len(snap.Listings),
		"orders", len(snap.Orders),
		"frontier", snap.Cursor.Frontier,
	)
	return nil
}

// Apply processes one event. A redelivered event is skipped and reported
// with Skipped set. Malformed envelopes are rejected without side effects;
// any other failure halts the processor and is returned wrapped.
func (p *Processor) Apply(ctx context.Context, env event.Envelope) (Result, error) {
	start := time.Now()
	res := Result{ID: env.ID, Kind: env.Kind}

	if err := env.Validate(); err != nil {
		return res, err
	}
	payload, err := env.Decode()
	if err != nil {
		return res, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.halted != nil {
		return res, fmt.Errorf("%w: %v", ErrHalted, p.halted)
	}

	applied, err := p.store.Applied(ctx, env.ID)
	if err != nil {
		return res, fmt.Errorf("check applied %s: %w", env.ID, err)
	}
	if applied {
		metrics.Redeliveries.Inc()
		slog.Debug("event already applied", "id", env.ID.String(), "kind", string(env.Kind))
		res.Skipped = true
		res.Cursor = p.cursor
		return res, nil
	}
	if !p.cursor.Before(env.Block, env.ID.LogIndex) {
		return res, p.halt(fmt.Errorf("%w: %s at block %d, cursor at block %d log %d",
			ErrOutOfOrder, env.ID, env.Block, p.cursor.Block, p.cursor.LogIndex))
	}

	fx, err := p.dispatch(env.ID, payload)
	if err != nil {
		return res, p.halt(fmt.Errorf("apply %s %s: %w", env.Kind, env.ID, err))
	}
	if p.verify {
		if err := p.ledger.CheckConservation(); err != nil {
			return res, p.halt(fmt.Errorf("after %s %s: %w", env.Kind, env.ID, err))
		}
	}

	audit, err := event.Audit(env, payload, p.now())
	if err != nil {
		return res, p.halt(err)
	}
	lc := p.ledger.TakeChanges()
	mc := p.market.TakeChanges()
	b := &store.Batch{
		Cursor: model.Cursor{
			Block:    env.Block,
			LogIndex: env.ID.LogIndex,
			Frontier: lc.Frontier,
			Events:   p.cursor.Events + 1,
		},
		Audit:          audit,
		Plots:          lc.Plots,
		Fields:         lc.Fields,
		Listings:       mc.Listings,
		ListingHistory: mc.ListingHistory,
		Orders:         mc.Orders,
		OrderHistory:   mc.OrderHistory,
		Fills:          mc.Fills,
		Marketplace:    mc.Marketplace,
	}
	if err := p.store.Commit(ctx, b); err != nil {
		return res, p.halt(fmt.Errorf("commit %s: %w", env.ID, err))
	}
	p.cursor = b.Cursor

	kind := string(env.Kind)
	metrics.EventsApplied.WithLabelValues(kind).Inc()
	metrics.ApplyLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	metrics.Frontier.Set(float64(lc.Frontier))
	metrics.ActiveListings.Set(float64(p.market.ActiveListings()))
	if env.Kind == event.KindFrontierAdvanced {
		metrics.PlotsCrossed.Observe(float64(fx.crossed))
		metrics.ListingsExpired.Add(float64(fx.expired))
	}
	for _, f := range b.Fills {
		metrics.ClaimVolume.WithLabelValues(string(f.Kind)).Add(float64(f.Size))
	}

	if p.hub != nil {
		p.hub.Broadcast(Update{
			ID:       env.ID,
			Block:    env.Block,
			Kind:     env.Kind,
			Frontier: lc.Frontier,
			Fills:    b.Fills,
			Expired:  fx.expired,
		})
	}

	res.Cursor = b.Cursor
	res.Plots = len(b.Plots)
	res.Fields = len(b.Fields)
	res.Listings = len(b.Listings) + len(b.ListingHistory)
	res.Orders = len(b.Orders) + len(b.OrderHistory)
	res.Fills = len(b.Fills)
	return res, nil
}

// halt records err as the reason the processor stopped and drops whatever
// the failed event left in the change sets.
func (p *Processor) halt(err error) error {
	p.halted = err
	p.ledger.DiscardChanges()
	p.market.DiscardChanges()
	metrics.Halts.Inc()
	slog.Error("processor halted", "err", err)
	return err
}

// Halted returns the error that stopped the processor, or nil.
func (p *Processor) Halted() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted
}

// Cursor returns the position of the last committed event.
func (p *Processor) Cursor() model.Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Field returns the in-memory Field for account.
func (p *Processor) Field(account string) model.Field {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ledger.Field(account)
}

// ProtocolField returns the protocol-wide rollup.
func (p *Processor) ProtocolField() model.Field {
	return p.Field(p.protocol)
}

// Marketplace returns the in-memory marketplace aggregate.
func (p *Processor) Marketplace() model.Marketplace {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.market.Marketplace()
}

// Verify runs the conservation check against the current state.
func (p *Processor) Verify() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ledger.CheckConservation()
}
