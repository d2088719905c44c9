// Package store defines the persistence interface for the pod ledger.
// Implementations include PostgreSQL (source of truth), Pebble (embedded),
// Redis (read-through cache over another store) and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/atmx/pod-ledger/internal/model"
)

var (
	ErrNotFound       = errors.New("store: not found")
	ErrAlreadyApplied = errors.New("store: event already applied")
)

// Batch is everything one applied event changed. It is committed atomically:
// either every record and the cursor are written, or none are.
type Batch struct {
	Cursor         model.Cursor
	Audit          model.AuditRecord
	Plots          []model.Plot
	Fields         []model.Field
	Listings       []model.Listing // live records
	ListingHistory []model.Listing // retired records, write-once
	Orders         []model.Order
	OrderHistory   []model.Order
	Fills          []model.Fill
	Marketplace    *model.Marketplace
}

// Snapshot is the live state needed to rebuild the in-memory ledger and
// marketplace on startup.
type Snapshot struct {
	Cursor      model.Cursor
	Plots       []model.Plot
	Fields      []model.Field
	Listings    []model.Listing
	Orders      []model.Order
	Marketplace model.Marketplace
}

// Store is the persistence interface. Writes happen only through Commit;
// everything else is a read used by the query API and by restore.
type Store interface {
	// --- Event application ---

	// Commit writes one event's changes and its audit record atomically.
	// Committing an event whose audit record exists returns ErrAlreadyApplied.
	Commit(ctx context.Context, b *Batch) error

	// Applied reports whether the event has been committed.
	Applied(ctx context.Context, id model.EventID) (bool, error)

	// Cursor returns the position of the last committed event.
	Cursor(ctx context.Context) (model.Cursor, error)

	// Snapshot loads every plot, Field and live listing/order.
	Snapshot(ctx context.Context) (*Snapshot, error)

	// --- Ledger reads ---

	GetPlot(ctx context.Context, position int64) (*model.Plot, error)

	// ListPlots returns the owner's unredeemed plots with position in
	// [from, to), ascending.
	ListPlots(ctx context.Context, owner string, from, to int64) ([]model.Plot, error)

	GetField(ctx context.Context, account string) (*model.Field, error)

	// --- Marketplace reads ---

	GetListing(ctx context.Context, key model.ListingKey) (*model.Listing, error)

	// ListingHistory returns retired listings at key, oldest version first.
	ListingHistory(ctx context.Context, key model.ListingKey) ([]model.Listing, error)

	GetOrder(ctx context.Context, id model.OrderID) (*model.Order, error)
	OrderHistory(ctx context.Context, id model.OrderID) ([]model.Order, error)
	GetFill(ctx context.Context, id uuid.UUID) (*model.Fill, error)
	GetMarketplace(ctx context.Context) (*model.Marketplace, error)

	// --- Audit trail ---

	GetAudit(ctx context.Context, id model.EventID) (*model.AuditRecord, error)
}
