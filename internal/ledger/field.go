package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/pod-ledger/internal/model"
)

// Field is the live rollup for one account together with its ordered set of
// owned plot positions. The protocol Field owns every unredeemed plot.
type Field struct {
	model.Field
	positions *PositionIndex
}

func newField(account string) *Field {
	return &Field{
		Field:     model.Field{Account: account},
		positions: NewPositionIndex(),
	}
}

// Balance is the account's claim position that has not been redeemed.
func (f *Field) Balance() int64 { return f.Unredeemed + f.Redeemable }

// Delta is a signed change to a Field's totals.
type Delta struct {
	Credit     decimal.Decimal
	Committed  decimal.Decimal
	Issued     int64
	Issuances  int64
	Unredeemed int64
	Redeemable int64
	Redeemed   int64
}

// Neg returns the opposite delta.
func (d Delta) Neg() Delta {
	return Delta{
		Credit:     d.Credit.Neg(),
		Committed:  d.Committed.Neg(),
		Issued:     -d.Issued,
		Issuances:  -d.Issuances,
		Unredeemed: -d.Unredeemed,
		Redeemable: -d.Redeemable,
		Redeemed:   -d.Redeemed,
	}
}

// with returns the record f would hold after d, or ErrNegativeBalance if any
// claim total would drop below zero. Credit may go negative on account Fields:
// it records credit consumed by that account.
func (f *Field) with(d Delta) (model.Field, error) {
	next := f.Field
	next.Credit = next.Credit.Add(d.Credit)
	next.Committed = next.Committed.Add(d.Committed)
	next.Issued += d.Issued
	next.IssuanceCount += d.Issuances
	next.Unredeemed += d.Unredeemed
	next.Redeemable += d.Redeemable
	next.Redeemed += d.Redeemed

	if next.Issued < 0 || next.IssuanceCount < 0 || next.Unredeemed < 0 ||
		next.Redeemable < 0 || next.Redeemed < 0 {
		return next, fmt.Errorf("%w: account %s unredeemed=%d redeemable=%d redeemed=%d",
			ErrNegativeBalance, f.Account, next.Unredeemed, next.Redeemable, next.Redeemed)
	}
	return next, nil
}

// rollupTargets lists the Fields a delta for account lands on: the account
// itself, then the protocol Field unless they are the same.
func (s *State) rollupTargets(account string) []*Field {
	if account == s.protocol {
		return []*Field{s.field(account)}
	}
	return []*Field{s.field(account), s.field(s.protocol)}
}

// applyDelta applies d to the account's Field and to the protocol Field.
// Both results are validated before either is written so one event can never
// leave the account and the protocol rollup disagreeing.
func (s *State) applyDelta(account string, d Delta, ref model.EventID) error {
	targets := s.rollupTargets(account)

	next := make([]model.Field, len(targets))
	for i, f := range targets {
		rec, err := f.with(d)
		if err != nil {
			return err
		}
		next[i] = rec
	}

	acct := targets[0]
	wasIssuer := acct.IssuanceCount > 0
	for i, f := range targets {
		f.Field = next[i]
		f.UpdatedBy = ref
		s.changes.touchField(f.Account)
	}

	if acct.Account == s.protocol {
		return nil
	}
	if !wasIssuer && acct.IssuanceCount > 0 {
		s.field(s.protocol).IssuerCount++
	}
	s.trackHolder(acct)
	return nil
}

// trackHolder keeps the live holder set in step with an account's balance.
func (s *State) trackHolder(f *Field) {
	_, held := s.holders[f.Account]
	switch {
	case f.Balance() > 0 && !held:
		s.holders[f.Account] = struct{}{}
	case f.Balance() == 0 && held:
		delete(s.holders, f.Account)
	default:
		return
	}
	proto := s.field(s.protocol)
	proto.HolderCount = int64(len(s.holders))
	s.changes.touchField(proto.Account)
}

// AdjustCredit moves the protocol's outstanding issuance capacity.
func (s *State) AdjustCredit(delta decimal.Decimal, ref model.EventID) error {
	if delta.IsZero() {
		return nil
	}
	return s.applyDelta(s.protocol, Delta{Credit: delta}, ref)
}
