// Package model defines the core domain types shared across the pod ledger.
// Claim positions and sizes are int64 line units; capital amounts (prices,
// costs, committed credit) use shopspring/decimal; never float64 for money.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Provenance records how a plot came to be held by its current owner.
type Provenance string

const (
	ProvenanceSow      Provenance = "SOW"
	ProvenanceTransfer Provenance = "TRANSFER"
	ProvenanceMarket   Provenance = "MARKET"
)

// Plot is a contiguous, owned sub-range [Position, Position+Size) of the line.
// Plots are never deleted; a redeemed plot stays behind with FullyRedeemed set.
type Plot struct {
	Position      int64           `json:"position"`
	Owner         string          `json:"owner"`
	Size          int64           `json:"size"`
	Provenance    Provenance      `json:"provenance"`
	ProvenanceRef EventID         `json:"provenance_ref"`
	CostBasis     decimal.Decimal `json:"cost_basis"` // capital paid for the whole plot
	Redeemable    int64           `json:"redeemable"`
	Redeemed      int64           `json:"redeemed"`
	FullyRedeemed bool            `json:"fully_redeemed"`
	UpdatedBy     EventID         `json:"updated_by"`
}

// End returns the exclusive end of the plot's range.
func (p *Plot) End() int64 { return p.Position + p.Size }

// Outstanding is the part of the plot not yet redeemed.
func (p *Plot) Outstanding() int64 { return p.Size - p.Redeemed }

// Field is the persisted rollup for one account, or for the protocol account
// when Account equals the configured protocol id. IssuerCount and HolderCount
// are only maintained on the protocol Field.
type Field struct {
	Account       string          `json:"account"`
	Credit        decimal.Decimal `json:"credit"`    // outstanding issuance capacity
	Committed     decimal.Decimal `json:"committed"` // capital committed at issuance
	Issued        int64           `json:"issued"`
	IssuanceCount int64           `json:"issuance_count"`
	Unredeemed    int64           `json:"unredeemed"`
	Redeemable    int64           `json:"redeemable"`
	Redeemed      int64           `json:"redeemed"`
	IssuerCount   int64           `json:"issuer_count,omitempty"`
	HolderCount   int64           `json:"holder_count,omitempty"`
	UpdatedBy     EventID         `json:"updated_by"`
}

// ListingStatus is the lifecycle state of a Listing.
type ListingStatus string

const (
	ListingActive           ListingStatus = "ACTIVE"
	ListingFilled           ListingStatus = "FILLED"
	ListingFilledPartial    ListingStatus = "FILLED_PARTIAL"
	ListingCancelled        ListingStatus = "CANCELLED"
	ListingCancelledPartial ListingStatus = "CANCELLED_PARTIAL"
	ListingExpired          ListingStatus = "EXPIRED"
)

// PricingMode selects how a listing or order is priced.
type PricingMode string

const (
	PricingFixed   PricingMode = "FIXED"
	PricingDynamic PricingMode = "DYNAMIC"
)

// Listing is an offer to sell [Key.Position+RangeStart, +RangeSize) of a plot.
// Version is -1 while the record occupies the live key; a retired record gets
// the value of the live record's NextVersion counter at retirement time.
type Listing struct {
	Key              ListingKey      `json:"key"`
	Version          int             `json:"version"`
	RangeStart       int64           `json:"range_start"`
	RangeSize        int64           `json:"range_size"`
	Price            decimal.Decimal `json:"price"`
	PricingMode      PricingMode     `json:"pricing_mode"`
	MinFill          int64           `json:"min_fill"`
	MaxFrontier      int64           `json:"max_frontier"`
	Status           ListingStatus   `json:"status"`
	Filled           int64           `json:"filled"`
	Remaining        int64           `json:"remaining"`
	OriginalPosition int64           `json:"original_position"`
	Fills            []uuid.UUID     `json:"fills"`
	NextVersion      int             `json:"next_version"`
	CreatedBy        EventID         `json:"created_by"`
	UpdatedBy        EventID         `json:"updated_by"`
}

// Terminal reports whether the listing can no longer change. A FILLED_PARTIAL
// record can still be cancelled.
func (l *Listing) Terminal() bool {
	return l.Status != ListingActive && l.Status != ListingFilledPartial
}

// HistoryID is the synthetic id of a retired listing.
func (l *Listing) HistoryID() ListingVersionID {
	return ListingVersionID{Key: l.Key, Version: l.Version}
}

// OrderStatus is the lifecycle state of an Order.
type OrderStatus string

const (
	OrderActive           OrderStatus = "ACTIVE"
	OrderFilled           OrderStatus = "FILLED"
	OrderCancelled        OrderStatus = "CANCELLED"
	OrderCancelledPartial OrderStatus = "CANCELLED_PARTIAL"
)

// Order is a standing offer to buy claims placed no further than
// MaxPlaceInLine ahead of the frontier, up to Committed capital.
type Order struct {
	ID              OrderID         `json:"id"`
	Version         int             `json:"version"`
	Owner           string          `json:"owner"`
	Committed       decimal.Decimal `json:"committed"`
	Price           decimal.Decimal `json:"price"`
	PricingMode     PricingMode     `json:"pricing_mode"`
	MinFill         int64           `json:"min_fill"`
	MaxPlaceInLine  int64           `json:"max_place_in_line"`
	FilledCommitted decimal.Decimal `json:"filled_committed"`
	FilledClaims    int64           `json:"filled_claims"`
	Status          OrderStatus     `json:"status"`
	Fills           []uuid.UUID     `json:"fills"`
	NextVersion     int             `json:"next_version"`
	CreatedBy       EventID         `json:"created_by"`
	UpdatedBy       EventID         `json:"updated_by"`
}

// Terminal reports whether the order can no longer change.
func (o *Order) Terminal() bool { return o.Status != OrderActive }

// HistoryID is the synthetic id of a retired order.
func (o *Order) HistoryID() OrderVersionID {
	return OrderVersionID{ID: o.ID, Version: o.Version}
}

// FillKind says which side of the market a fill matched against.
type FillKind string

const (
	FillListing FillKind = "LISTING"
	FillOrder   FillKind = "ORDER"
)

// Fill is an immutable record of one match between a listing or order and a
// transferred claim range.
type Fill struct {
	ID          uuid.UUID       `json:"id"`
	Kind        FillKind        `json:"kind"`
	Ref         string          `json:"ref"` // listing key or order id
	From        string          `json:"from"`
	To          string          `json:"to"`
	Position    int64           `json:"position"`
	RangeStart  int64           `json:"range_start"`
	Size        int64           `json:"size"`
	Cost        decimal.Decimal `json:"cost"`
	PlaceInLine int64           `json:"place_in_line"`
	Event       EventID         `json:"event"`
}

// Marketplace is the protocol-wide running total of marketplace activity.
type Marketplace struct {
	ListedClaims        int64           `json:"listed_claims"`
	AvailableClaims     int64           `json:"available_claims"`
	FilledListed        int64           `json:"filled_listed"`
	CancelledListed     int64           `json:"cancelled_listed"`
	ExpiredListed       int64           `json:"expired_listed"`
	OrderedCapital      decimal.Decimal `json:"ordered_capital"`
	FilledOrdered       decimal.Decimal `json:"filled_ordered"`
	FilledOrderedClaims int64           `json:"filled_ordered_claims"`
	CancelledOrdered    decimal.Decimal `json:"cancelled_ordered"`
	ClaimVolume         int64           `json:"claim_volume"`
	CapitalVolume       decimal.Decimal `json:"capital_volume"`
	Listings            int64           `json:"listings"`
	Orders              int64           `json:"orders"`
	FillCount           int64           `json:"fill_count"`
	UpdatedBy           EventID         `json:"updated_by"`
}

// AuditRecord is the raw, write-once record of one inbound event, carrying
// the resolved payload for downstream snapshot consumers.
type AuditRecord struct {
	ID        EventID   `json:"id"`
	Block     uint64    `json:"block"`
	Kind      string    `json:"kind"`
	Payload   []byte    `json:"payload"` // deterministic CBOR
	Digest    string    `json:"digest"`  // hex BLAKE3 of Payload
	AppliedAt time.Time `json:"applied_at"`
}

// Cursor marks the last applied event and the frontier after it. Events is
// the number of events applied so far; a zero cursor has seen nothing.
type Cursor struct {
	Block    uint64 `json:"block"`
	LogIndex uint32 `json:"log_index"`
	Frontier int64  `json:"frontier"`
	Events   int64  `json:"events"`
}

// Before reports whether the cursor sits strictly before (block, logIndex).
// An empty cursor is before everything.
func (c Cursor) Before(block uint64, logIndex uint32) bool {
	if c.Events == 0 {
		return true
	}
	if c.Block != block {
		return c.Block < block
	}
	return c.LogIndex < logIndex
}
