package ledger

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/pod-ledger/internal/model"
)

// Issue creates a new plot [position, position+size) for owner. committed is
// the capital paid for it and becomes the plot's cost basis. Issuing over an
// existing plot is fatal, except that redelivery of the issuing event is a
// no-op.
func (s *State) Issue(owner string, position, size int64, committed decimal.Decimal, ref model.EventID) error {
	if size <= 0 || !onLine(position, size) {
		return fmt.Errorf("%w: issue size=%d at %d", ErrInvalidRange, size, position)
	}
	if p, ok := s.plots[position]; ok && p.Provenance == model.ProvenanceSow && p.ProvenanceRef == ref {
		return nil
	}
	if err := s.checkFree(position, size); err != nil {
		return err
	}

	redeemable := s.redeemableFor(position, size)
	if err := s.applyDelta(owner, Delta{
		Credit:     committed.Neg(),
		Committed:  committed,
		Issued:     size,
		Issuances:  1,
		Unredeemed: size - redeemable,
		Redeemable: redeemable,
	}, ref); err != nil {
		return err
	}

	s.putPlot(&model.Plot{
		Position:      position,
		Owner:         owner,
		Size:          size,
		Provenance:    model.ProvenanceSow,
		ProvenanceRef: ref,
		CostBasis:     committed,
		Redeemable:    redeemable,
		UpdatedBy:     ref,
	})
	s.own(owner, position)
	return nil
}

// checkFree verifies that no existing plot, redeemed or not, intersects
// [position, position+size).
func (s *State) checkFree(position, size int64) error {
	if prev, ok := s.all.Floor(position); ok && s.plots[prev].End() > position {
		return fmt.Errorf("%w: [%d,%d) intersects plot at %d", ErrOverlap, position, position+size, prev)
	}
	if next, ok := s.all.Ceil(position); ok && next < position+size {
		return fmt.Errorf("%w: [%d,%d) intersects plot at %d", ErrOverlap, position, position+size, next)
	}
	return nil
}

// cover returns the single plot containing [position, position+size).
// A range reaching past the end of its plot is fatal: transfers never span
// two plots.
func (s *State) cover(position, size int64) (*model.Plot, error) {
	start, ok := s.all.Floor(position)
	if !ok {
		return nil, fmt.Errorf("%w: [%d,%d)", ErrNoCoveringPlot, position, position+size)
	}
	p := s.plots[start]
	if p.End() <= position {
		return nil, fmt.Errorf("%w: [%d,%d)", ErrNoCoveringPlot, position, position+size)
	}
	if p.End() < position+size {
		return nil, fmt.Errorf("%w: [%d,%d) spans past plot %d ending at %d",
			ErrNoCoveringPlot, position, position+size, p.Position, p.End())
	}
	return p, nil
}

// TransferMeta describes why a range changes hands. Market fills override the
// transferred segment's provenance and cost basis.
type TransferMeta struct {
	Provenance model.Provenance
	Cost       decimal.Decimal
	Ref        model.EventID
}

// PlainTransfer is the metadata for a direct transfer between accounts.
func PlainTransfer(ref model.EventID) TransferMeta {
	return TransferMeta{Provenance: model.ProvenanceTransfer, Ref: ref}
}

// MarketTransfer is the metadata for a transfer settled by a marketplace fill.
func MarketTransfer(cost decimal.Decimal, ref model.EventID) TransferMeta {
	return TransferMeta{Provenance: model.ProvenanceMarket, Cost: cost, Ref: ref}
}

// Transfer moves [position, position+size) from one owner to another. The
// covering plot is flipped whole, or split at the start, the end, or both;
// remainders stay with the sender at their own positions. Redeemable amounts
// are recomputed per piece from the frontier and cost basis is split in
// proportion to size, with the last piece absorbing rounding.
func (s *State) Transfer(from string, position, size int64, to string, meta TransferMeta) error {
	if size == 0 {
		return nil
	}
	if size < 0 || !onLine(position, size) {
		return fmt.Errorf("%w: transfer size=%d at %d", ErrInvalidRange, size, position)
	}

	parent, err := s.cover(position, size)
	if err != nil {
		return err
	}
	if parent.Owner != from {
		if parent.Owner == to && parent.UpdatedBy == meta.Ref {
			return nil // redelivered
		}
		return fmt.Errorf("%w: plot %d owned by %s, transfer from %s",
			ErrOwnerMismatch, parent.Position, parent.Owner, from)
	}
	if parent.Redeemed > 0 {
		return fmt.Errorf("%w: plot %d", ErrRedeemedPlot, parent.Position)
	}
	if from == to {
		slog.Warn("self transfer ignored", "account", from, "position", position, "size", size)
		return nil
	}

	before := position - parent.Position
	after := parent.End() - (position + size)
	moved := s.redeemableFor(position, size)

	d := Delta{Unredeemed: size - moved, Redeemable: moved}
	if err := s.applyDelta(from, d.Neg(), meta.Ref); err != nil {
		return err
	}
	if err := s.applyDelta(to, d, meta.Ref); err != nil {
		return err
	}

	beforeCost, movedCost, afterCost := splitCost(parent.CostBasis, parent.Size, before, size, after)
	origin, originRef := parent.Provenance, parent.ProvenanceRef

	if after > 0 {
		tail := &model.Plot{
			Position:      position + size,
			Owner:         from,
			Size:          after,
			Provenance:    origin,
			ProvenanceRef: originRef,
			CostBasis:     afterCost,
			Redeemable:    s.redeemableFor(position+size, after),
			UpdatedBy:     meta.Ref,
		}
		s.putPlot(tail)
		s.own(from, tail.Position)
	}

	seg := parent
	if before > 0 {
		parent.Size = before
		parent.CostBasis = beforeCost
		parent.Redeemable = s.redeemableFor(parent.Position, before)
		parent.UpdatedBy = meta.Ref
		s.changes.touchPlot(parent.Position)
		seg = &model.Plot{Position: position}
	} else {
		s.disown(from, position, false)
	}

	seg.Owner = to
	seg.Size = size
	seg.Provenance = meta.Provenance
	seg.ProvenanceRef = meta.Ref
	seg.CostBasis = movedCost
	if meta.Provenance == model.ProvenanceMarket {
		seg.CostBasis = meta.Cost
	}
	seg.Redeemable = moved
	seg.UpdatedBy = meta.Ref
	s.putPlot(seg)
	s.own(to, position)
	return nil
}

// splitCost divides a plot's cost basis across three consecutive pieces in
// proportion to their sizes. The last non-empty piece takes the remainder so
// the parts always sum to total.
func splitCost(total decimal.Decimal, size, before, moved, after int64) (decimal.Decimal, decimal.Decimal, decimal.Decimal) {
	if total.IsZero() || size == 0 {
		return decimal.Zero, decimal.Zero, decimal.Zero
	}
	share := func(n int64) decimal.Decimal {
		return total.Mul(decimal.NewFromInt(n)).Div(decimal.NewFromInt(size))
	}
	b := share(before)
	if after == 0 {
		return b, total.Sub(b), decimal.Zero
	}
	m := share(moved)
	return b, m, total.Sub(b).Sub(m)
}

// Redeem harvests the redeemable part of each listed plot owned by account.
// A fully redeemable plot is marked FullyRedeemed and leaves circulation; a
// partly redeemable one is split into a redeemed head and an unredeemed tail
// at position+redeemable. Plots with nothing redeemable, or already redeemed,
// are skipped. It returns the positions that were redeemed.
func (s *State) Redeem(account string, positions []int64, ref model.EventID) ([]int64, error) {
	for _, pos := range positions {
		p, ok := s.plots[pos]
		if !ok {
			return nil, fmt.Errorf("%w: redeem at %d", ErrNoCoveringPlot, pos)
		}
		if p.Owner != account {
			return nil, fmt.Errorf("%w: plot %d owned by %s, redeemed by %s",
				ErrOwnerMismatch, pos, p.Owner, account)
		}
	}

	var redeemed []int64
	for _, pos := range positions {
		p := s.plots[pos]
		if p.FullyRedeemed {
			continue
		}
		amount := p.Redeemable - p.Redeemed
		if amount == 0 {
			continue
		}
		if err := s.applyDelta(account, Delta{Redeemable: -amount, Redeemed: amount}, ref); err != nil {
			return redeemed, err
		}

		if amount < p.Size {
			head, restCost, _ := splitCost(p.CostBasis, p.Size, amount, p.Size-amount, 0)
			rest := &model.Plot{
				Position:      pos + amount,
				Owner:         account,
				Size:          p.Size - amount,
				Provenance:    p.Provenance,
				ProvenanceRef: p.ProvenanceRef,
				CostBasis:     restCost,
				Redeemable:    s.redeemableFor(pos+amount, p.Size-amount),
				UpdatedBy:     ref,
			}
			p.Size = amount
			p.CostBasis = head
			s.putPlot(rest)
			s.own(account, rest.Position)
		}
		p.Redeemable = amount
		p.Redeemed = amount
		p.FullyRedeemed = true
		p.UpdatedBy = ref
		s.changes.touchPlot(pos)
		s.disown(account, pos, true)
		redeemed = append(redeemed, pos)
	}
	return redeemed, nil
}

// onLine reports whether [position, position+size) sits on the line without
// its end overflowing.
func onLine(position, size int64) bool {
	return position >= 0 && size <= math.MaxInt64-position
}
