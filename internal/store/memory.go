package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/atmx/pod-ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu sync.RWMutex

	cursor         model.Cursor
	plots          map[int64]model.Plot
	fields         map[string]model.Field
	listings       map[model.ListingKey]model.Listing
	listingHistory map[model.ListingKey][]model.Listing
	orders         map[model.OrderID]model.Order
	orderHistory   map[model.OrderID][]model.Order
	fills          map[uuid.UUID]model.Fill
	marketplace    *model.Marketplace
	audit          map[model.EventID]model.AuditRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plots:          make(map[int64]model.Plot),
		fields:         make(map[string]model.Field),
		listings:       make(map[model.ListingKey]model.Listing),
		listingHistory: make(map[model.ListingKey][]model.Listing),
		orders:         make(map[model.OrderID]model.Order),
		orderHistory:   make(map[model.OrderID][]model.Order),
		fills:          make(map[uuid.UUID]model.Fill),
		audit:          make(map[model.EventID]model.AuditRecord),
	}
}

func (s *MemoryStore) Commit(_ context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.audit[b.Audit.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyApplied, b.Audit.ID)
	}

	for _, p := range b.Plots {
		s.plots[p.Position] = p
	}
	for _, f := range b.Fields {
		s.fields[f.Account] = f
	}
	for _, l := range b.ListingHistory {
		s.listingHistory[l.Key] = append(s.listingHistory[l.Key], cloneListing(l))
	}
	for _, l := range b.Listings {
		s.listings[l.Key] = cloneListing(l)
	}
	for _, o := range b.OrderHistory {
		s.orderHistory[o.ID] = append(s.orderHistory[o.ID], cloneOrder(o))
	}
	for _, o := range b.Orders {
		s.orders[o.ID] = cloneOrder(o)
	}
	for _, f := range b.Fills {
		s.fills[f.ID] = f
	}
	if b.Marketplace != nil {
		m := *b.Marketplace
		s.marketplace = &m
	}
	s.audit[b.Audit.ID] = b.Audit
	s.cursor = b.Cursor
	return nil
}

func (s *MemoryStore) Applied(_ context.Context, id model.EventID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.audit[id]
	return ok, nil
}

func (s *MemoryStore) Cursor(_ context.Context) (model.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor, nil
}

func (s *MemoryStore) Snapshot(_ context.Context) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{Cursor: s.cursor}
	for _, p := range s.plots {
		snap.Plots = append(snap.Plots, p)
	}
	sort.Slice(snap.Plots, func(i, j int) bool { return snap.Plots[i].Position < snap.Plots[j].Position })
	for _, f := range s.fields {
		snap.Fields = append(snap.Fields, f)
	}
	for _, l := range s.listings {
		snap.Listings = append(snap.Listings, cloneListing(l))
	}
	for _, o := range s.orders {
		snap.Orders = append(snap.Orders, cloneOrder(o))
	}
	if s.marketplace != nil {
		snap.Marketplace = *s.marketplace
	}
	return snap, nil
}

func (s *MemoryStore) GetPlot(_ context.Context, position int64) (*model.Plot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plots[position]
	if !ok {
		return nil, fmt.Errorf("plot %d: %w", position, ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) ListPlots(_ context.Context, owner string, from, to int64) ([]model.Plot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Plot
	for _, p := range s.plots {
		if p.Owner == owner && !p.FullyRedeemed && p.Position >= from && p.Position < to {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *MemoryStore) GetField(_ context.Context, account string) (*model.Field, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.fields[account]
	if !ok {
		return nil, fmt.Errorf("field %s: %w", account, ErrNotFound)
	}
	return &f, nil
}

func (s *MemoryStore) GetListing(_ context.Context, key model.ListingKey) (*model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[key]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", key, ErrNotFound)
	}
	l = cloneListing(l)
	return &l, nil
}

func (s *MemoryStore) ListingHistory(_ context.Context, key model.ListingKey) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hist := s.listingHistory[key]
	out := make([]model.Listing, 0, len(hist))
	for _, l := range hist {
		out = append(out, cloneListing(l))
	}
	return out, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id model.OrderID) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	o = cloneOrder(o)
	return &o, nil
}

func (s *MemoryStore) OrderHistory(_ context.Context, id model.OrderID) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hist := s.orderHistory[id]
	out := make([]model.Order, 0, len(hist))
	for _, o := range hist {
		out = append(out, cloneOrder(o))
	}
	return out, nil
}

func (s *MemoryStore) GetFill(_ context.Context, id uuid.UUID) (*model.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.fills[id]
	if !ok {
		return nil, fmt.Errorf("fill %s: %w", id, ErrNotFound)
	}
	return &f, nil
}

func (s *MemoryStore) GetMarketplace(_ context.Context) (*model.Marketplace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.marketplace == nil {
		return &model.Marketplace{}, nil
	}
	m := *s.marketplace
	return &m, nil
}

func (s *MemoryStore) GetAudit(_ context.Context, id model.EventID) (*model.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.audit[id]
	if !ok {
		return nil, fmt.Errorf("audit %s: %w", id, ErrNotFound)
	}
	return &a, nil
}

func cloneListing(l model.Listing) model.Listing {
	l.Fills = append([]uuid.UUID(nil), l.Fills...)
	return l
}

func cloneOrder(o model.Order) model.Order {
	o.Fills = append([]uuid.UUID(nil), o.Fills...)
	return o
}
