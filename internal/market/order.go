package market

import (
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/pod-ledger/internal/ledger"
	"github.com/atmx/pod-ledger/internal/model"
)

// NewOrder describes a standing bid for claims.
type NewOrder struct {
	ID             model.OrderID
	Owner          string
	Committed      decimal.Decimal
	Price          decimal.Decimal
	PricingMode    model.PricingMode
	MinFill        int64
	MaxPlaceInLine int64
}

// OrderFill is a settled match against an order: the seller From sends Size
// claims at Position+RangeStart to the order's owner To for Cost.
type OrderFill struct {
	ID         model.OrderID
	From       string
	To         string
	Position   int64
	RangeStart int64
	Size       int64
	Cost       decimal.Decimal
}

// CreateOrder installs a new ACTIVE order under its caller-supplied id,
// retiring whatever order held the id before.
func (e *Engine) CreateOrder(in NewOrder, ref model.EventID) {
	version := 0
	if prev, ok := e.orders[in.ID]; ok {
		if prev.Status == model.OrderActive {
			e.cancelOrder(prev, ref)
		}
		retired := copyOrder(prev)
		retired.Version = prev.NextVersion
		e.changes.orderHistory = append(e.changes.orderHistory, retired)
		version = prev.NextVersion + 1
	}

	e.orders[in.ID] = &model.Order{
		ID:              in.ID,
		Version:         -1,
		Owner:           in.Owner,
		Committed:       in.Committed,
		Price:           in.Price,
		PricingMode:     in.PricingMode,
		MinFill:         in.MinFill,
		MaxPlaceInLine:  in.MaxPlaceInLine,
		FilledCommitted: decimal.Zero,
		Status:          model.OrderActive,
		NextVersion:     version,
		CreatedBy:       ref,
		UpdatedBy:       ref,
	}
	e.changes.touchOrder(in.ID)

	e.agg.Orders++
	e.agg.OrderedCapital = e.agg.OrderedCapital.Add(in.Committed)
	e.touchAggregate(ref)

	slog.Info("order created", "order_id", string(in.ID), "owner", in.Owner,
		"committed", in.Committed.String(), "max_place_in_line", in.MaxPlaceInLine)
}

// CancelOrder closes an ACTIVE order. Cancelling a missing or terminal
// order, or someone else's, changes nothing.
func (e *Engine) CancelOrder(owner string, id model.OrderID, ref model.EventID) {
	o, ok := e.orders[id]
	if !ok || o.Terminal() {
		slog.Debug("cancel of inactive order ignored", "order_id", string(id))
		return
	}
	if o.Owner != owner {
		slog.Warn("order cancel by non-owner ignored", "order_id", string(id), "owner", o.Owner, "caller", owner)
		return
	}
	e.cancelOrder(o, ref)
	slog.Info("order cancelled", "order_id", string(id), "status", string(o.Status))
}

func (e *Engine) cancelOrder(o *model.Order, ref model.EventID) {
	o.Status = model.OrderCancelled
	if o.FilledClaims > 0 {
		o.Status = model.OrderCancelledPartial
	}
	o.UpdatedBy = ref
	e.changes.touchOrder(o.ID)

	e.agg.CancelledOrdered = e.agg.CancelledOrdered.Add(o.Committed.Sub(o.FilledCommitted))
	e.touchAggregate(ref)
}

// FillOrder settles a match against an order. The claims move in the ledger
// with market provenance and the fill accumulates on the order, which becomes
// FILLED once its committed capital is used up. Orders never split.
func (e *Engine) FillOrder(in OrderFill, ref model.EventID) error {
	if in.Size == 0 {
		return nil
	}
	start := in.Position + in.RangeStart
	fill := model.Fill{
		ID:          model.FillID(ref),
		Kind:        model.FillOrder,
		Ref:         string(in.ID),
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

	o, ok := e.orders[in.ID]
	if !ok || o.Status != model.OrderActive {
		slog.Warn("fill without active order", "order_id", string(in.ID), "size", in.Size)
		return nil
	}
	if fill.PlaceInLine > o.MaxPlaceInLine {
		slog.Warn("order filled beyond its place in line", "order_id", string(in.ID),
			"place_in_line", fill.PlaceInLine, "max", o.MaxPlaceInLine)
	}
	if in.To != o.Owner {
		slog.Warn("order filled to another buyer", "order_id", string(in.ID),
			"buyer", in.To, "owner", o.Owner)
	}

	o.FilledClaims += in.Size
	o.FilledCommitted = o.FilledCommitted.Add(in.Cost)
	o.Fills = append(o.Fills, fill.ID)
	o.UpdatedBy = ref
	if o.FilledCommitted.GreaterThanOrEqual(o.Committed) {
		o.Status = model.OrderFilled
	}
	e.changes.touchOrder(o.ID)

	e.agg.FilledOrdered = e.agg.FilledOrdered.Add(in.Cost)
	e.agg.FilledOrderedClaims += in.Size
	e.touchAggregate(ref)

	slog.Info("order filled", "order_id", string(in.ID), "size", in.Size,
		"cost", in.Cost.String(), "status", string(o.Status))
	return nil
}
