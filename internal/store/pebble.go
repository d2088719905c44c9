package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/atmx/pod-ledger/internal/codec"
	"github.com/atmx/pod-ledger/internal/model"
)

// Key prefixes. Each record type lives under its own prefix so snapshots and
// history reads are bounded prefix scans.
var (
	prefixPlot        = []byte("p/")
	prefixField       = []byte("f/")
	prefixListing     = []byte("l/")
	prefixListingHist = []byte("lh/")
	prefixOrder       = []byte("o/")
	prefixOrderHist   = []byte("oh/")
	prefixFill        = []byte("x/")
	prefixAudit       = []byte("a/")
	keyCursor         = []byte("m/cursor")
	keyMarketplace    = []byte("m/marketplace")
)

// PebbleStore implements Store on an embedded Pebble database. Values are
// deterministic CBOR; each Commit is one synced Pebble batch.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebble opens or creates a Pebble store at path.
func OpenPebble(path string) (*PebbleStore, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(32 << 20),
		MemTableSize:                16 << 20,
		MemTableStopWritesThreshold: 2,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error {
	if err := s.db.Flush(); err != nil {
		return err
	}
	return s.db.Close()
}

func (s *PebbleStore) Commit(_ context.Context, b *Batch) error {
	if ok, err := s.has(auditKey(b.Audit.ID)); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: %s", ErrAlreadyApplied, b.Audit.ID)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	put := func(key []byte, v any) error {
		data, err := codec.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %q: %w", key, err)
		}
		return batch.Set(key, data, nil)
	}

	for i := range b.Plots {
		if err := put(plotKey(b.Plots[i].Position), &b.Plots[i]); err != nil {
			return err
		}
	}
	for i := range b.Fields {
		if err := put(fieldKey(b.Fields[i].Account), &b.Fields[i]); err != nil {
			return err
		}
	}
	for i := range b.ListingHistory {
		l := &b.ListingHistory[i]
		if err := put(listingHistKey(l.Key, l.Version), l); err != nil {
			return err
		}
	}
	for i := range b.Listings {
		if err := put(listingKey(b.Listings[i].Key), &b.Listings[i]); err != nil {
			return err
		}
	}
	for i := range b.OrderHistory {
		o := &b.OrderHistory[i]
		if err := put(orderHistKey(o.ID, o.Version), o); err != nil {
			return err
		}
	}
	for i := range b.Orders {
		if err := put(orderKey(b.Orders[i].ID), &b.Orders[i]); err != nil {
			return err
		}
	}
	for i := range b.Fills {
		if err := put(fillKey(b.Fills[i].ID), &b.Fills[i]); err != nil {
			return err
		}
	}
	if b.Marketplace != nil {
		if err := put(keyMarketplace, b.Marketplace); err != nil {
			return err
		}
	}
	if err := put(auditKey(b.Audit.ID), &b.Audit); err != nil {
		return err
	}
	if err := put(keyCursor, &b.Cursor); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) Applied(_ context.Context, id model.EventID) (bool, error) {
	return s.has(auditKey(id))
}

func (s *PebbleStore) Cursor(_ context.Context) (model.Cursor, error) {
	var c model.Cursor
	if err := s.get(keyCursor, &c); err != nil && !errors.Is(err, ErrNotFound) {
		return c, err
	}
	return c, nil
}

func (s *PebbleStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	var err error
	if snap.Cursor, err = s.Cursor(ctx); err != nil {
		return nil, err
	}
	if err := scan(s, prefixPlot, nil, nil, func(p model.Plot) bool {
		snap.Plots = append(snap.Plots, p)
		return true
	}); err != nil {
		return nil, err
	}
	if err := scan(s, prefixField, nil, nil, func(f model.Field) bool {
		snap.Fields = append(snap.Fields, f)
		return true
	}); err != nil {
		return nil, err
	}
	if err := scan(s, prefixListing, nil, nil, func(l model.Listing) bool {
		snap.Listings = append(snap.Listings, l)
		return true
	}); err != nil {
		return nil, err
	}
	if err := scan(s, prefixOrder, nil, nil, func(o model.Order) bool {
		snap.Orders = append(snap.Orders, o)
		return true
	}); err != nil {
		return nil, err
	}
	if err := s.get(keyMarketplace, &snap.Marketplace); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return snap, nil
}

func (s *PebbleStore) GetPlot(_ context.Context, position int64) (*model.Plot, error) {
	var p model.Plot
	if err := s.get(plotKey(position), &p); err != nil {
		return nil, fmt.Errorf("plot %d: %w", position, err)
	}
	return &p, nil
}

func (s *PebbleStore) ListPlots(_ context.Context, owner string, from, to int64) ([]model.Plot, error) {
	var out []model.Plot
	err := scan(s, prefixPlot, plotKey(from), plotKey(to), func(p model.Plot) bool {
		if p.Owner == owner && !p.FullyRedeemed {
			out = append(out, p)
		}
		return true
	})
	return out, err
}

func (s *PebbleStore) GetField(_ context.Context, account string) (*model.Field, error) {
	var f model.Field
	if err := s.get(fieldKey(account), &f); err != nil {
		return nil, fmt.Errorf("field %s: %w", account, err)
	}
	return &f, nil
}

func (s *PebbleStore) GetListing(_ context.Context, key model.ListingKey) (*model.Listing, error) {
	var l model.Listing
	if err := s.get(listingKey(key), &l); err != nil {
		return nil, fmt.Errorf("listing %s: %w", key, err)
	}
	return &l, nil
}

func (s *PebbleStore) ListingHistory(_ context.Context, key model.ListingKey) ([]model.Listing, error) {
	out := []model.Listing{}
	prefix := listingHistPrefix(key)
	err := scan(s, prefix, nil, nil, func(l model.Listing) bool {
		out = append(out, l)
		return true
	})
	return out, err
}

func (s *PebbleStore) GetOrder(_ context.Context, id model.OrderID) (*model.Order, error) {
	var o model.Order
	if err := s.get(orderKey(id), &o); err != nil {
		return nil, fmt.Errorf("order %s: %w", id, err)
	}
	return &o, nil
}

func (s *PebbleStore) OrderHistory(_ context.Context, id model.OrderID) ([]model.Order, error) {
	out := []model.Order{}
	err := scan(s, orderHistPrefix(id), nil, nil, func(o model.Order) bool {
		out = append(out, o)
		return true
	})
	return out, err
}

func (s *PebbleStore) GetFill(_ context.Context, id uuid.UUID) (*model.Fill, error) {
	var f model.Fill
	if err := s.get(fillKey(id), &f); err != nil {
		return nil, fmt.Errorf("fill %s: %w", id, err)
	}
	return &f, nil
}

func (s *PebbleStore) GetMarketplace(_ context.Context) (*model.Marketplace, error) {
	var m model.Marketplace
	if err := s.get(keyMarketplace, &m); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return &m, nil
}

func (s *PebbleStore) GetAudit(_ context.Context, id model.EventID) (*model.AuditRecord, error) {
	var a model.AuditRecord
	if err := s.get(auditKey(id), &a); err != nil {
		return nil, fmt.Errorf("audit %s: %w", id, err)
	}
	return &a, nil
}

// --- Pebble helpers ---

func (s *PebbleStore) has(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

// get decodes the value at key into v, or returns ErrNotFound.
func (s *PebbleStore) get(key []byte, v any) error {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return codec.Unmarshal(value, v)
}

// scan decodes every value under prefix, optionally narrowed to
// [lower, upper), in key order until fn returns false.
func scan[T any](s *PebbleStore, prefix, lower, upper []byte, fn func(T) bool) error {
	if lower == nil {
		lower = prefix
	}
	if upper == nil {
		upper = prefixUpperBound(prefix)
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		var rec T
		if err := codec.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode %q: %w", iter.Key(), err)
		}
		if !fn(rec) {
			break
		}
	}
	return iter.Error()
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}

// --- Keys ---

// ordered encodes a signed position so byte order matches numeric order.
func ordered(n int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n)^(1<<63))
	return b[:]
}

func join(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func version(v int) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return b[:]
}

var sep = []byte{0}

func plotKey(position int64) []byte { return join(prefixPlot, ordered(position)) }
func fieldKey(account string) []byte { return join(prefixField, []byte(account)) }
func fillKey(id uuid.UUID) []byte { return join(prefixFill, id[:]) }
func auditKey(id model.EventID) []byte { return join(prefixAudit, []byte(id.String())) }

func listingKey(k model.ListingKey) []byte {
	return join(prefixListing, []byte(k.Owner), sep, ordered(k.Position))
}

func listingHistPrefix(k model.ListingKey) []byte {
	return join(prefixListingHist, []byte(k.Owner), sep, ordered(k.Position))
}

func listingHistKey(k model.ListingKey, v int) []byte {
	return join(listingHistPrefix(k), version(v))
}

func orderKey(id model.OrderID) []byte { return join(prefixOrder, []byte(id)) }

func orderHistPrefix(id model.OrderID) []byte {
	return join(prefixOrderHist, []byte(id), sep)
}

func orderHistKey(id model.OrderID, v int) []byte {
	return join(orderHistPrefix(id), version(v))
}
