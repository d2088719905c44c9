package indexer

import (
	"fmt"

	"github.com/atmx/pod-ledger/internal/event"
	"github.com/atmx/pod-ledger/internal/ledger"
	"github.com/atmx/pod-ledger/internal/market"
	"github.com/atmx/pod-ledger/internal/model"
)

// effects carries handler counts that are only reported once the event has
// been committed.
type effects struct {
	crossed int
	expired int
}

// dispatch routes a decoded payload to its handler. Ledger mutation always
// precedes the marketplace reaction to it.
func (p *Processor) dispatch(ref model.EventID, payload event.Payload) (effects, error) {
	var fx effects
	switch ev := payload.(type) {
	case *event.Issued:
		return fx, p.ledger.Issue(ev.Account, ev.Position, ev.Size, ev.Committed, ref)

	case *event.Transferred:
		return fx, p.ledger.Transfer(ev.From, ev.Position, ev.Size, ev.To, ledger.PlainTransfer(ref))

	case *event.Redeemed:
		redeemed, err := p.ledger.Redeem(ev.Account, ev.Positions, ref)
		if err != nil {
			return fx, err
		}
		p.market.CancelRedeemed(ev.Account, redeemed, ref)
		return fx, nil

	case *event.FrontierAdvanced:
		crossed, err := p.ledger.Advance(ev.Frontier, ref)
		if err != nil {
			return fx, err
		}
		fx.crossed = crossed
		fx.expired = p.market.Expire(ev.Frontier, ref)
		return fx, nil

	case *event.ListingCreated:
		return fx, p.market.CreateListing(market.NewListing{
			Owner:       ev.Owner,
			Position:    ev.Position,
			RangeStart:  ev.RangeStart,
			Size:        ev.Size,
			Price:       ev.Price,
			PricingMode: ev.PricingMode,
			MinFill:     ev.MinFill,
			MaxFrontier: ev.MaxFrontier,
		}, ref)

	case *event.ListingCancelled:
		p.market.CancelListing(ev.Owner, ev.Position, ref)
		return fx, nil

	case *event.ListingFilled:
		return fx, p.market.FillListing(market.ListingFill{
			From:       ev.From,
			To:         ev.To,
			Position:   ev.Position,
			RangeStart: ev.RangeStart,
			Size:       ev.Size,
			Cost:       ev.Cost,
		}, ref)

	case *event.OrderCreated:
		p.market.CreateOrder(market.NewOrder{
			ID:             ev.OrderID,
			Owner:          ev.Owner,
			Committed:      ev.Committed,
			Price:          ev.Price,
			PricingMode:    ev.PricingMode,
			MinFill:        ev.MinFill,
			MaxPlaceInLine: ev.MaxPlaceInLine,
		}, ref)
		return fx, nil

	case *event.OrderCancelled:
		p.market.CancelOrder(ev.Owner, ev.OrderID, ref)
		return fx, nil

	case *event.OrderFilled:
		return fx, p.market.FillOrder(market.OrderFill{
			ID:         ev.OrderID,
			From:       ev.From,
			To:         ev.To,
			Position:   ev.Position,
			RangeStart: ev.RangeStart,
			Size:       ev.Size,
			Cost:       ev.Cost,
		}, ref)

	case *event.CreditAdjusted:
		return fx, p.ledger.AdjustCredit(ev.Delta, ref)
	}
	return fx, fmt.Errorf("%w: %T", event.ErrUnknownKind, payload)
}
