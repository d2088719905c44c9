// Package market implements the marketplace engine: listing and order
// lifecycles, fills settled through the plot ledger, frontier-driven listing
// expiry, and versioned history for superseded records.
//
// Live records stay at their live key in whatever status they last reached.
// A record is moved to history only when a new record is installed at the
// same key, under the version its predecessor's NextVersion counter names.
package market

import (
	"fmt"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/atmx/pod-ledger/internal/ledger"
	"github.com/atmx/pod-ledger/internal/model"
)

var (
	ErrUnknownPlot = fmt.Errorf("%w: listing references no owned plot", ledger.ErrInvariant)
	ErrOverfill    = fmt.Errorf("%w: fill exceeds remaining", ledger.ErrInvariant)
)

// Engine owns every live listing and order and the marketplace aggregate.
// Like ledger.State it is not safe for concurrent use.
type Engine struct {
	ledger *ledger.State

	listings map[model.ListingKey]*model.Listing
	orders   map[model.OrderID]*model.Order
	expiry   *btree.BTreeG[expiryItem]
	agg      model.Marketplace

	changes changeSet
}

// New creates an engine with no listings or orders on top of the given ledger.
func New(l *ledger.State) *Engine {
	return &Engine{
		ledger:   l,
		listings: make(map[model.ListingKey]*model.Listing),
		orders:   make(map[model.OrderID]*model.Order),
		expiry:   newExpiryQueue(),
		agg:      zeroMarketplace(),
		changes:  newChangeSet(),
	}
}

// Load rebuilds an engine from persisted live records and the aggregate.
func Load(l *ledger.State, listings []model.Listing, orders []model.Order, agg model.Marketplace) *Engine {
	e := New(l)
	for i := range listings {
		rec := listings[i]
		e.listings[rec.Key] = &rec
		if rec.Status == model.ListingActive {
			e.expiry.ReplaceOrInsert(expiryItem{maxFrontier: rec.MaxFrontier, key: rec.Key})
		}
	}
	for i := range orders {
		rec := orders[i]
		e.orders[rec.ID] = &rec
	}
	e.agg = agg
	return e
}

func zeroMarketplace() model.Marketplace {
	return model.Marketplace{
		OrderedCapital:   decimal.Zero,
		FilledOrdered:    decimal.Zero,
		CancelledOrdered: decimal.Zero,
		CapitalVolume:    decimal.Zero,
	}
}

// Listing returns a copy of the live record at key.
func (e *Engine) Listing(key model.ListingKey) (model.Listing, bool) {
	l, ok := e.listings[key]
	if !ok {
		return model.Listing{}, false
	}
	return copyListing(l), true
}

// Order returns a copy of the live order with the given id.
func (e *Engine) Order(id model.OrderID) (model.Order, bool) {
	o, ok := e.orders[id]
	if !ok {
		return model.Order{}, false
	}
	return copyOrder(o), true
}

// Marketplace returns the current aggregate.
func (e *Engine) Marketplace() model.Marketplace { return e.agg }

// ActiveListings returns the number of listings waiting on a fill or expiry.
func (e *Engine) ActiveListings() int { return e.expiry.Len() }

func copyListing(l *model.Listing) model.Listing {
	out := *l
	out.Fills = append(out.Fills[:0:0], l.Fills...)
	return out
}

func copyOrder(o *model.Order) model.Order {
	out := *o
	out.Fills = append(out.Fills[:0:0], o.Fills...)
	return out
}

// Changes is what one event did to the marketplace.
type Changes struct {
	Listings       []model.Listing // live records, keyed by Key
	ListingHistory []model.Listing // retired records, keyed by HistoryID
	Orders         []model.Order
	OrderHistory   []model.Order
	Fills          []model.Fill
	Marketplace    *model.Marketplace // nil when the aggregate did not move
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return len(c.Listings) == 0 && len(c.ListingHistory) == 0 && len(c.Orders) == 0 &&
		len(c.OrderHistory) == 0 && len(c.Fills) == 0 && c.Marketplace == nil
}

// TakeChanges drains the record of touched listings, orders and fills.
func (e *Engine) TakeChanges() Changes {
	c := e.changes
	out := Changes{
		ListingHistory: c.listingHistory,
		OrderHistory:   c.orderHistory,
		Fills:          c.fills,
	}
	for _, key := range c.listings {
		out.Listings = append(out.Listings, copyListing(e.listings[key]))
	}
	for _, id := range c.orders {
		out.Orders = append(out.Orders, copyOrder(e.orders[id]))
	}
	if c.agg {
		agg := e.agg
		out.Marketplace = &agg
	}
	e.changes = newChangeSet()
	return out
}

// DiscardChanges forgets the touched set without persisting it.
func (e *Engine) DiscardChanges() { e.changes = newChangeSet() }

type changeSet struct {
	listings       []model.ListingKey
	listingSeen    map[model.ListingKey]struct{}
	listingHistory []model.Listing
	orders         []model.OrderID
	orderSeen      map[model.OrderID]struct{}
	orderHistory   []model.Order
	fills          []model.Fill
	agg            bool
}

func newChangeSet() changeSet {
	return changeSet{
		listingSeen: make(map[model.ListingKey]struct{}),
		orderSeen:   make(map[model.OrderID]struct{}),
	}
}

func (c *changeSet) touchListing(key model.ListingKey) {
	if _, ok := c.listingSeen[key]; ok {
		return
	}
	c.listingSeen[key] = struct{}{}
	c.listings = append(c.listings, key)
}

func (c *changeSet) touchOrder(id model.OrderID) {
	if _, ok := c.orderSeen[id]; ok {
		return
	}
	c.orderSeen[id] = struct{}{}
	c.orders = append(c.orders, id)
}

// touchAggregate marks the aggregate dirty and stamps it with ref.
func (e *Engine) touchAggregate(ref model.EventID) {
	e.agg.UpdatedBy = ref
	e.changes.agg = true
}
