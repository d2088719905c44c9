// Package event defines the inbound events the indexer consumes: one
// envelope per settlement log, carrying a kind and a kind-specific payload.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/pod-ledger/internal/codec"
	"github.com/atmx/pod-ledger/internal/model"
)

var (
	ErrUnknownKind = errors.New("event: unknown kind")
	ErrBadPayload  = errors.New("event: malformed payload")
)

// Kind names an event type as emitted by the settlement system.
type Kind string

const (
	KindIssued           Kind = "Issued"
	KindTransferred      Kind = "Transferred"
	KindRedeemed         Kind = "Redeemed"
	KindFrontierAdvanced Kind = "FrontierAdvanced"
	KindListingCreated   Kind = "ListingCreated"
	KindListingCancelled Kind = "ListingCancelled"
	KindListingFilled    Kind = "ListingFilled"
	KindOrderCreated     Kind = "OrderCreated"
	KindOrderCancelled   Kind = "OrderCancelled"
	KindOrderFilled      Kind = "OrderFilled"
	KindCreditAdjusted   Kind = "CreditAdjusted"
)

// Kinds lists every kind the indexer handles.
var Kinds = []Kind{
	KindIssued, KindTransferred, KindRedeemed, KindFrontierAdvanced,
	KindListingCreated, KindListingCancelled, KindListingFilled,
	KindOrderCreated, KindOrderCancelled, KindOrderFilled,
	KindCreditAdjusted,
}

// Envelope is one event as delivered by the source. ID is the deterministic
// (tx, log index) coordinate; Block orders events across transactions.
type Envelope struct {
	ID      model.EventID   `json:"id"`
	Block   uint64          `json:"block"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Payload is the decoded body of an envelope.
type Payload interface {
	Kind() Kind
}

type Issued struct {
	Account   string          `json:"account"`
	Position  int64           `json:"position"`
	Size      int64           `json:"size"`
	Committed decimal.Decimal `json:"committed"`
}

type Transferred struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Position int64  `json:"position"`
	Size     int64  `json:"size"`
}

type Redeemed struct {
	Account   string  `json:"account"`
	Positions []int64 `json:"positions"`
}

type FrontierAdvanced struct {
	Frontier int64 `json:"frontier"`
}

type ListingCreated struct {
	Owner       string            `json:"owner"`
	Position    int64             `json:"position"`
	RangeStart  int64             `json:"range_start"`
	Size        int64             `json:"size"`
	Price       decimal.Decimal   `json:"price"`
	MinFill     int64             `json:"min_fill"`
	MaxFrontier int64             `json:"max_frontier"`
	PricingMode model.PricingMode `json:"pricing_mode"`
}

type ListingCancelled struct {
	Owner    string `json:"owner"`
	Position int64  `json:"position"`
}

type ListingFilled struct {
	From       string          `json:"from"`
	To         string          `json:"to"`
	Position   int64           `json:"position"`
	RangeStart int64           `json:"range_start"`
	Size       int64           `json:"size"`
	Cost       decimal.Decimal `json:"cost"`
}

type OrderCreated struct {
	Owner          string            `json:"owner"`
	OrderID        model.OrderID     `json:"order_id"`
	Committed      decimal.Decimal   `json:"committed"`
	Price          decimal.Decimal   `json:"price"`
	MaxPlaceInLine int64             `json:"max_place_in_line"`
	MinFill        int64             `json:"min_fill"`
	PricingMode    model.PricingMode `json:"pricing_mode"`
}

type OrderCancelled struct {
	Owner   string        `json:"owner"`
	OrderID model.OrderID `json:"order_id"`
}

type OrderFilled struct {
	From       string          `json:"from"`
	To         string          `json:"to"`
	OrderID    model.OrderID   `json:"order_id"`
	Position   int64           `json:"position"`
	RangeStart int64           `json:"range_start"`
	Size       int64           `json:"size"`
	Cost       decimal.Decimal `json:"cost"`
}

// CreditAdjusted moves the protocol's issuance capacity by Delta.
type CreditAdjusted struct {
	Delta decimal.Decimal `json:"delta"`
}

func (Issued) Kind() Kind           { return KindIssued }
func (Transferred) Kind() Kind      { return KindTransferred }
func (Redeemed) Kind() Kind         { return KindRedeemed }
func (FrontierAdvanced) Kind() Kind { return KindFrontierAdvanced }
func (ListingCreated) Kind() Kind   { return KindListingCreated }
func (ListingCancelled) Kind() Kind { return KindListingCancelled }
func (ListingFilled) Kind() Kind    { return KindListingFilled }
func (OrderCreated) Kind() Kind     { return KindOrderCreated }
func (OrderCancelled) Kind() Kind   { return KindOrderCancelled }
func (OrderFilled) Kind() Kind      { return KindOrderFilled }
func (CreditAdjusted) Kind() Kind   { return KindCreditAdjusted }

// Decode parses the envelope's payload into the struct for its kind.
func (e Envelope) Decode() (Payload, error) {
	var p Payload
	switch e.Kind {
	case KindIssued:
		p = &Issued{}
	case KindTransferred:
		p = &Transferred{}
	case KindRedeemed:
		p = &Redeemed{}
	case KindFrontierAdvanced:
		p = &FrontierAdvanced{}
	case KindListingCreated:
		p = &ListingCreated{}
	case KindListingCancelled:
		p = &ListingCancelled{}
	case KindListingFilled:
		p = &ListingFilled{}
	case KindOrderCreated:
		p = &OrderCreated{}
	case KindOrderCancelled:
		p = &OrderCancelled{}
	case KindOrderFilled:
		p = &OrderFilled{}
	case KindCreditAdjusted:
		p = &CreditAdjusted{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if len(e.Payload) == 0 {
		return nil, fmt.Errorf("%w: %s has no payload", ErrBadPayload, e.Kind)
	}
	if err := json.Unmarshal(e.Payload, p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadPayload, e.Kind, err)
	}
	return p, nil
}

// Validate checks the envelope's coordinates before it is applied.
func (e Envelope) Validate() error {
	if e.ID.IsZero() {
		return fmt.Errorf("%w: missing id", model.ErrInvalidEventID)
	}
	return nil
}

// auditBody is the resolved form of an event kept in the audit trail.
type auditBody struct {
	ID      model.EventID `cbor:"id"`
	Block   uint64        `cbor:"block"`
	Kind    Kind          `cbor:"kind"`
	Payload Payload       `cbor:"payload"`
}

// Audit builds the write-once audit record for an applied event. The payload
// is encoded deterministically so the digest identifies its content.
func Audit(e Envelope, p Payload, at time.Time) (model.AuditRecord, error) {
	data, err := codec.Marshal(auditBody{ID: e.ID, Block: e.Block, Kind: e.Kind, Payload: p})
	if err != nil {
		return model.AuditRecord{}, fmt.Errorf("encode audit %s: %w", e.ID, err)
	}
	return model.AuditRecord{
		ID:        e.ID,
		Block:     e.Block,
		Kind:      string(e.Kind),
		Payload:   data,
		Digest:    codec.Digest(data),
		AppliedAt: at.UTC(),
	}, nil
}
