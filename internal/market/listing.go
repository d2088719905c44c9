package market

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/pod-ledger/internal/ledger"
	"github.com/atmx/pod-ledger/internal/model"
)

// NewListing describes an offer to sell [Position+RangeStart, +Size) of the
// owner's plot at Position.
type NewListing struct {
	Owner       string
	Position    int64
	RangeStart  int64
	Size        int64
	Price       decimal.Decimal
	PricingMode model.PricingMode
	MinFill     int64
	MaxFrontier int64
}

// ListingFill is a settled match against a listing: Size claims starting at
// Position+RangeStart move from the lister to the buyer for Cost.
type ListingFill struct {
	From       string
	To         string
	Position   int64
	RangeStart int64
	Size       int64
	Cost       decimal.Decimal
}

// CreateListing installs a new ACTIVE listing at (owner, position). The plot
// must exist, be owned by the lister and contain the listed range. Whatever
// record held the key before is closed if still ACTIVE and moved to history.
func (e *Engine) CreateListing(in NewListing, ref model.EventID) error {
	plot, ok := e.ledger.Plot(in.Position)
	if !ok || plot.Owner != in.Owner || plot.FullyRedeemed {
		return fmt.Errorf("%w: %s-%d", ErrUnknownPlot, in.Owner, in.Position)
	}
	if in.Size <= 0 || in.RangeStart < 0 || in.Size > plot.Size-in.RangeStart {
		return fmt.Errorf("%w: listing [%d,+%d) on plot %d of size %d",
			ledger.ErrInvalidRange, in.RangeStart, in.Size, in.Position, plot.Size)
	}

	key := model.ListingKey{Owner: in.Owner, Position: in.Position}
	e.installListing(&model.Listing{
		Key:              key,
		RangeStart:       in.RangeStart,
		RangeSize:        in.Size,
		Price:            in.Price,
		PricingMode:      in.PricingMode,
		MinFill:          in.MinFill,
		MaxFrontier:      in.MaxFrontier,
		Status:           model.ListingActive,
		Remaining:        in.Size,
		OriginalPosition: in.Position,
		CreatedBy:        ref,
		UpdatedBy:        ref,
	}, ref)

	e.agg.Listings++
	e.agg.ListedClaims += in.Size
	e.agg.AvailableClaims += in.Size
	e.touchAggregate(ref)

	slog.Info("listing created", "key", key.String(), "size", in.Size,
		"price", in.Price.String(), "max_frontier", in.MaxFrontier)
	return nil
}

// installListing puts next at its live key. A previous record at the key is
// closed if still ACTIVE, then retired under its NextVersion; next continues
// the counter from there.
func (e *Engine) installListing(next *model.Listing, ref model.EventID) {
	version := 0
	if prev, ok := e.listings[next.Key]; ok {
		if prev.Status == model.ListingActive {
			e.cancelListing(prev, ref)
		}
		retired := copyListing(prev)
		retired.Version = prev.NextVersion
		e.changes.listingHistory = append(e.changes.listingHistory, retired)
		version = prev.NextVersion + 1
	}
	next.Version = -1
	next.NextVersion = version
	e.listings[next.Key] = next
	e.watch(next)
	e.changes.touchListing(next.Key)
}

// CancelListing closes the ACTIVE or FILLED_PARTIAL listing at (owner,
// position). Cancelling a missing or already terminal listing changes nothing.
func (e *Engine) CancelListing(owner string, position int64, ref model.EventID) {
	key := model.ListingKey{Owner: owner, Position: position}
	l, ok := e.listings[key]
	if !ok || l.Terminal() {
		slog.Debug("cancel of inactive listing ignored", "key", key.String())
		return
	}
	e.cancelListing(l, ref)
	slog.Info("listing cancelled", "key", key.String(), "status", string(l.Status))
}

// cancelListing moves a listing to CANCELLED, or CANCELLED_PARTIAL when this
// record itself took a fill. Filled is the chain total and does not count here.
func (e *Engine) cancelListing(l *model.Listing, ref model.EventID) {
	l.UpdatedBy = ref
	e.changes.touchListing(l.Key)
	if l.Status == model.ListingFilledPartial {
		// Its remainder already moved to the successor.
		l.Status = model.ListingCancelledPartial
		return
	}

	e.unwatch(l)
	l.Status = model.ListingCancelled
	if len(l.Fills) > 0 {
		l.Status = model.ListingCancelledPartial
	}
	e.agg.CancelledListed += l.Remaining
	e.agg.AvailableClaims -= l.Remaining
	e.touchAggregate(ref)
}

// FillListing settles a match against the listing at (From, Position). The
// range is transferred in the ledger with market provenance and a Fill is
// recorded. A full fill leaves the listing FILLED; a partial one leaves it
// FILLED_PARTIAL and hands its remaining claims to one ACTIVE successor at
// Position+RangeStart+Size. A fill with no ACTIVE listing behind it still
// moves the claims.
func (e *Engine) FillListing(in ListingFill, ref model.EventID) error {
	if in.Size == 0 {
		return nil
	}
	key := model.ListingKey{Owner: in.From, Position: in.Position}
	l, ok := e.listings[key]
	live := ok && l.Status == model.ListingActive
	if live && in.Size > l.Remaining {
		return fmt.Errorf("%w: listing %s remaining=%d fill=%d", ErrOverfill, key, l.Remaining, in.Size)
	}

	start := in.Position + in.RangeStart
	fill := model.Fill{
		ID:          model.FillID(ref),
		Kind:        model.FillListing,
		Ref:         key.String(),
		From:        in.From,
		To:          in.To,
		Position:    in.Position,
		RangeStart:  in.RangeStart,
		Size:        in.Size,
		Cost:        in.Cost,
		PlaceInLine: start - e.ledger.Frontier(),
		Event:       ref,
	}
	if err := e.ledger.Transfer(in.From, start, in.Size, in.To, ledger.MarketTransfer(in.Cost, ref)); err != nil {
		return err
	}
	e.recordFill(fill, ref)

	if !live {
		slog.Warn("fill without active listing", "key", key.String(), "size", in.Size)
		return nil
	}

	e.unwatch(l)
	l.Filled += in.Size
	l.Remaining -= in.Size
	l.Fills = append(l.Fills, fill.ID)
	l.UpdatedBy = ref
	e.changes.touchListing(key)

	e.agg.FilledListed += in.Size
	e.agg.AvailableClaims -= in.Size
	e.touchAggregate(ref)

	if l.Remaining == 0 {
		l.Status = model.ListingFilled
		slog.Info("listing filled", "key", key.String(), "size", in.Size)
		return nil
	}

	l.Status = model.ListingFilledPartial
	successor := &model.Listing{
		Key:              model.ListingKey{Owner: in.From, Position: start + in.Size},
		RangeStart:       0,
		RangeSize:        l.Remaining,
		Price:            l.Price,
		PricingMode:      l.PricingMode,
		MinFill:          l.MinFill,
		MaxFrontier:      l.MaxFrontier,
		Status:           model.ListingActive,
		Filled:           l.Filled,
		Remaining:        l.Remaining,
		OriginalPosition: l.OriginalPosition,
		CreatedBy:        ref,
		UpdatedBy:        ref,
	}
	l.Remaining = 0
	e.installListing(successor, ref)
	slog.Info("listing partially filled", "key", key.String(), "size", in.Size,
		"successor", successor.Key.String(), "remaining", successor.Remaining)
	return nil
}

// CancelRedeemed closes any ACTIVE listing on plots the account just redeemed.
func (e *Engine) CancelRedeemed(account string, positions []int64, ref model.EventID) {
	for _, pos := range positions {
		l, ok := e.listings[model.ListingKey{Owner: account, Position: pos}]
		if !ok || l.Terminal() {
			continue
		}
		e.cancelListing(l, ref)
		slog.Info("listing cancelled by redemption", "key", l.Key.String())
	}
}

// recordFill appends an immutable fill and rolls it into market volume.
func (e *Engine) recordFill(f model.Fill, ref model.EventID) {
	e.changes.fills = append(e.changes.fills, f)
	e.agg.FillCount++
	e.agg.ClaimVolume += f.Size
	e.agg.CapitalVolume = e.agg.CapitalVolume.Add(f.Cost)
	e.touchAggregate(ref)
}
