package ledger

import (
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/pod-ledger/internal/model"
)

const protocol = "0xprotocol"

func ev(n uint32) model.EventID {
	return model.EventID{Tx: "0xabc", LogIndex: n}
}

func d(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

// newTestState returns a ledger with one plot of 15000 at position 1000 for
// account X, issued for 5000 committed.
func newTestState(t *testing.T) *State {
	t.Helper()
	s := NewState(protocol)
	if err := s.Issue("0xx", 1000, 15000, d(5000), ev(0)); err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	return s
}

func mustConserve(t *testing.T, s *State) {
	t.Helper()
	if err := s.CheckConservation(); err != nil {
		t.Fatalf("conservation violated: %v", err)
	}
}

func totalSize(s *State) int64 {
	var total int64
	for _, p := range s.plots {
		total += p.Size
	}
	return total
}

// --- Issue ---

func TestIssue_CreatesPlotAndRollup(t *testing.T) {
	s := newTestState(t)

	p, ok := s.Plot(1000)
	if !ok {
		t.Fatal("expected plot at 1000")
	}
	if p.Owner != "0xx" || p.Size != 15000 || p.Provenance != model.ProvenanceSow {
		t.Errorf("unexpected plot %+v", p)
	}
	if !p.CostBasis.Equal(d(5000)) {
		t.Errorf("expected cost basis 5000, got %s", p.CostBasis)
	}

	x := s.Field("0xx")
	if x.Unredeemed != 15000 || x.Issued != 15000 || x.IssuanceCount != 1 {
		t.Errorf("unexpected account field %+v", x)
	}
	proto := s.ProtocolField()
	if proto.Unredeemed != 15000 || proto.IssuerCount != 1 || proto.HolderCount != 1 {
		t.Errorf("unexpected protocol field %+v", proto)
	}
	if !proto.Credit.Equal(d(-5000)) || !proto.Committed.Equal(d(5000)) {
		t.Errorf("expected credit -5000 committed 5000, got %s / %s", proto.Credit, proto.Committed)
	}
	mustConserve(t, s)
}

func TestIssue_IssuerCountedOnce(t *testing.T) {
	s := newTestState(t)
	if err := s.Issue("0xx", 20000, 100, d(10), ev(1)); err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if err := s.Issue("0xy", 30000, 100, d(10), ev(2)); err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if got := s.ProtocolField().IssuerCount; got != 2 {
		t.Errorf("expected 2 issuers, got %d", got)
	}
	if got := s.Field("0xx").IssuanceCount; got != 2 {
		t.Errorf("expected 2 issuances for 0xx, got %d", got)
	}
}

func TestIssue_OverlapIsFatal(t *testing.T) {
	s := newTestState(t)

	cases := []struct{ pos, size int64 }{
		{1000, 10},  // same start
		{500, 600},  // runs into the plot
		{15999, 5},  // starts inside
		{0, 100000}, // swallows it
	}
	for _, c := range cases {
		err := s.Issue("0xy", c.pos, c.size, decimal.Zero, ev(9))
		if !errors.Is(err, ErrOverlap) {
			t.Errorf("issue [%d,+%d): expected ErrOverlap, got %v", c.pos, c.size, err)
		}
		if !errors.Is(err, ErrInvariant) {
			t.Errorf("overlap should be an invariant violation, got %v", err)
		}
	}
	// Adjacent ranges are fine.
	if err := s.Issue("0xy", 16000, 10, decimal.Zero, ev(10)); err != nil {
		t.Errorf("adjacent issue should succeed: %v", err)
	}
	mustConserve(t, s)
}

func TestIssue_RangePastEndOfLineIsFatal(t *testing.T) {
	s := newTestState(t)
	cases := []struct{ pos, size int64 }{
		{math.MaxInt64 - 10, 100},
		{math.MaxInt64, 1},
		{-1, 10},
		{100, 0},
	}
	for _, c := range cases {
		err := s.Issue("0xy", c.pos, c.size, decimal.Zero, ev(9))
		if !errors.Is(err, ErrInvalidRange) {
			t.Errorf("issue [%d,+%d): expected ErrInvalidRange, got %v", c.pos, c.size, err)
		}
	}
	if _, ok := s.Plot(math.MaxInt64 - 10); ok {
		t.Error("rejected plot was stored")
	}
	// The last slot of the line still fits.
	if err := s.Issue("0xy", math.MaxInt64-10, 10, decimal.Zero, ev(10)); err != nil {
		t.Errorf("issue ending at MaxInt64 should succeed: %v", err)
	}
	if err := s.Transfer("0xy", math.MaxInt64-5, 100, "0xz", PlainTransfer(ev(11))); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("transfer past end of line: expected ErrInvalidRange, got %v", err)
	}
	mustConserve(t, s)
}

func TestIssue_RedeliveryIsNoop(t *testing.T) {
	s := newTestState(t)
	before := s.ProtocolField()
	if err := s.Issue("0xx", 1000, 15000, d(5000), ev(0)); err != nil {
		t.Fatalf("redelivered issue should be a no-op, got %v", err)
	}
	if after := s.ProtocolField(); after.Unredeemed != before.Unredeemed || after.IssuanceCount != before.IssuanceCount {
		t.Errorf("redelivery changed totals: before=%+v after=%+v", before, after)
	}
}

// --- Transfer ---

func TestTransfer_ScenarioA_StartSplit(t *testing.T) {
	s := newTestState(t)

	if err := s.Transfer("0xx", 1000, 5000, "0xy", PlainTransfer(ev(1))); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	y, ok := s.Plot(1000)
	if !ok || y.Owner != "0xy" || y.Size != 5000 {
		t.Fatalf("expected 0xy to own [1000,6000), got %+v", y)
	}
	if y.Provenance != model.ProvenanceTransfer {
		t.Errorf("expected TRANSFER provenance, got %s", y.Provenance)
	}
	x, ok := s.Plot(6000)
	if !ok || x.Owner != "0xx" || x.Size != 10000 {
		t.Fatalf("expected 0xx to keep [6000,16000), got %+v", x)
	}
	if x.Provenance != model.ProvenanceSow {
		t.Errorf("remainder should keep SOW provenance, got %s", x.Provenance)
	}
	if !y.CostBasis.Add(x.CostBasis).Equal(d(5000)) {
		t.Errorf("cost basis not conserved: %s + %s", y.CostBasis, x.CostBasis)
	}

	if got := s.ProtocolField().Unredeemed; got != 15000 {
		t.Errorf("protocol unredeemed should stay 15000, got %d", got)
	}
	if got := s.Field("0xx").Unredeemed; got != 10000 {
		t.Errorf("expected 0xx unredeemed 10000, got %d", got)
	}
	if got := s.Field("0xy").Unredeemed; got != 5000 {
		t.Errorf("expected 0xy unredeemed 5000, got %d", got)
	}
	if got := s.OwnedPositions("0xx"); len(got) != 1 || got[0] != 6000 {
		t.Errorf("expected 0xx to own [6000], got %v", got)
	}
	if got := s.OwnedPositions(protocol); len(got) != 2 {
		t.Errorf("expected protocol to index 2 plots, got %v", got)
	}
	if got := s.ProtocolField().HolderCount; got != 2 {
		t.Errorf("expected 2 holders, got %d", got)
	}
	mustConserve(t, s)
}

func TestTransfer_ExactMatchFlipsOwner(t *testing.T) {
	s := newTestState(t)
	if err := s.Transfer("0xx", 1000, 15000, "0xy", PlainTransfer(ev(1))); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	p, _ := s.Plot(1000)
	if p.Owner != "0xy" || p.Size != 15000 {
		t.Errorf("expected whole plot to flip, got %+v", p)
	}
	if !p.CostBasis.Equal(d(5000)) {
		t.Errorf("plain transfer should carry cost basis, got %s", p.CostBasis)
	}
	if got := s.ProtocolField().HolderCount; got != 1 {
		t.Errorf("0xx should no longer be a holder, holders=%d", got)
	}
	if len(s.OwnedPositions("0xx")) != 0 {
		t.Errorf("0xx should own nothing, got %v", s.OwnedPositions("0xx"))
	}
	mustConserve(t, s)
}

func TestTransfer_EndSplit(t *testing.T) {
	s := newTestState(t)
	if err := s.Transfer("0xx", 11000, 5000, "0xy", PlainTransfer(ev(1))); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	x, _ := s.Plot(1000)
	y, _ := s.Plot(11000)
	if x.Owner != "0xx" || x.Size != 10000 {
		t.Errorf("expected 0xx to keep [1000,11000), got %+v", x)
	}
	if y.Owner != "0xy" || y.Size != 5000 {
		t.Errorf("expected 0xy to own [11000,16000), got %+v", y)
	}
	mustConserve(t, s)
}

func TestTransfer_MiddleSplitConservesSizeAndRedeemable(t *testing.T) {
	s := newTestState(t)
	// Frontier inside the plot so each piece has a different redeemable share.
	if _, err := s.Advance(7000, ev(1)); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	parent, _ := s.Plot(1000)
	sizeBefore := totalSize(s)

	if err := s.Transfer("0xx", 5000, 4000, "0xy", PlainTransfer(ev(2))); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	head, _ := s.Plot(1000)
	mid, _ := s.Plot(5000)
	tail, _ := s.Plot(9000)

	if head.Size+mid.Size+tail.Size != parent.Size {
		t.Errorf("sizes do not sum: %d+%d+%d != %d", head.Size, mid.Size, tail.Size, parent.Size)
	}
	if head.Redeemable+mid.Redeemable+tail.Redeemable != parent.Redeemable {
		t.Errorf("redeemable does not sum: %d+%d+%d != %d",
			head.Redeemable, mid.Redeemable, tail.Redeemable, parent.Redeemable)
	}
	if head.Redeemable != 4000 || mid.Redeemable != 2000 || tail.Redeemable != 0 {
		t.Errorf("unexpected redeemable split %d/%d/%d", head.Redeemable, mid.Redeemable, tail.Redeemable)
	}
	if head.Owner != "0xx" || tail.Owner != "0xx" || mid.Owner != "0xy" {
		t.Errorf("unexpected owners %s/%s/%s", head.Owner, mid.Owner, tail.Owner)
	}
	if totalSize(s) != sizeBefore {
		t.Errorf("ledger size changed: %d -> %d", sizeBefore, totalSize(s))
	}
	sum := head.CostBasis.Add(mid.CostBasis).Add(tail.CostBasis)
	if !sum.Equal(d(5000)) {
		t.Errorf("cost basis not conserved: %s", sum)
	}
	if got := s.Field("0xy").Redeemable; got != 2000 {
		t.Errorf("expected 0xy redeemable 2000, got %d", got)
	}
	mustConserve(t, s)
}

func TestTransfer_MarketFillOverridesCostBasis(t *testing.T) {
	s := newTestState(t)
	if err := s.Transfer("0xx", 1000, 15000, "0xy", MarketTransfer(d(900), ev(1))); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	p, _ := s.Plot(1000)
	if p.Provenance != model.ProvenanceMarket || p.ProvenanceRef != ev(1) {
		t.Errorf("expected MARKET provenance from ev(1), got %s %v", p.Provenance, p.ProvenanceRef)
	}
	if !p.CostBasis.Equal(d(900)) {
		t.Errorf("expected fill cost 900 as cost basis, got %s", p.CostBasis)
	}
}

func TestTransfer_SpanningTwoPlotsIsFatal(t *testing.T) {
	s := newTestState(t)
	if err := s.Issue("0xx", 16000, 1000, decimal.Zero, ev(1)); err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	err := s.Transfer("0xx", 15000, 2000, "0xy", PlainTransfer(ev(2)))
	if !errors.Is(err, ErrNoCoveringPlot) {
		t.Errorf("expected ErrNoCoveringPlot, got %v", err)
	}
	mustConserve(t, s)
}

func TestTransfer_WrongOwnerIsFatal(t *testing.T) {
	s := newTestState(t)
	err := s.Transfer("0xz", 1000, 10, "0xy", PlainTransfer(ev(1)))
	if !errors.Is(err, ErrOwnerMismatch) {
		t.Errorf("expected ErrOwnerMismatch, got %v", err)
	}
}

func TestTransfer_ZeroSizeIsNoop(t *testing.T) {
	s := newTestState(t)
	s.TakeChanges()
	if err := s.Transfer("0xx", 1000, 0, "0xy", PlainTransfer(ev(1))); err != nil {
		t.Fatalf("zero transfer should not fail: %v", err)
	}
	if !s.TakeChanges().Empty() {
		t.Error("zero transfer should not touch anything")
	}
}

func TestTransfer_ConservationOverSequence(t *testing.T) {
	s := newTestState(t)
	steps := []struct {
		from, to  string
		pos, size int64
	}{
		{"0xx", "0xy", 3000, 2000},
		{"0xy", "0xz", 3500, 500},
		{"0xx", "0xz", 1000, 2000},
		{"0xz", "0xx", 3500, 500},
		{"0xx", "0xy", 10000, 6000},
	}
	for i, st := range steps {
		if err := s.Transfer(st.from, st.pos, st.size, st.to, PlainTransfer(ev(uint32(i+1)))); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if _, err := s.Advance(int64(2000+i*1500), ev(uint32(100+i))); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
		if totalSize(s) != 15000 {
			t.Fatalf("step %d: total size %d", i, totalSize(s))
		}
		mustConserve(t, s)
	}
}

// --- Frontier ---

func TestAdvance_ScenarioB_AfterTransfer(t *testing.T) {
	s := newTestState(t)
	if err := s.Transfer("0xx", 1000, 5000, "0xy", PlainTransfer(ev(1))); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	crossed, err := s.Advance(6000, ev(2))
	if err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if crossed != 1 {
		t.Errorf("expected 1 plot crossed, got %d", crossed)
	}

	y, _ := s.Plot(1000)
	x, _ := s.Plot(6000)
	if y.Redeemable != 5000 {
		t.Errorf("expected 0xy fully redeemable, got %d", y.Redeemable)
	}
	if x.Redeemable != 0 {
		t.Errorf("expected 0xx remainder 0 redeemable, got %d", x.Redeemable)
	}
	if got := s.ProtocolField(); got.Redeemable != 5000 || got.Unredeemed != 10000 {
		t.Errorf("unexpected protocol totals %+v", got)
	}
	mustConserve(t, s)
}

func TestAdvance_ScenarioB_WholePlot(t *testing.T) {
	s := newTestState(t)
	if _, err := s.Advance(6000, ev(1)); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	p, _ := s.Plot(1000)
	if p.Redeemable != 5000 {
		t.Errorf("expected redeemable 5000, got %d", p.Redeemable)
	}
	if got := s.Field("0xx"); got.Redeemable != 5000 || got.Unredeemed != 10000 {
		t.Errorf("unexpected account totals %+v", got)
	}
}

func TestAdvance_RegressionIsFatal(t *testing.T) {
	s := newTestState(t)
	if _, err := s.Advance(5000, ev(1)); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	p, _ := s.Plot(1000)

	_, err := s.Advance(4000, ev(2))
	if !errors.Is(err, ErrFrontierRegression) {
		t.Fatalf("expected ErrFrontierRegression, got %v", err)
	}
	if s.Frontier() != 5000 {
		t.Errorf("frontier moved on rejected regression: %d", s.Frontier())
	}
	if after, _ := s.Plot(1000); after.Redeemable != p.Redeemable {
		t.Errorf("redeemable decreased: %d -> %d", p.Redeemable, after.Redeemable)
	}
}

func TestAdvance_OnlyTouchesCrossedPlots(t *testing.T) {
	s := NewState(protocol)
	for i := int64(0); i < 10; i++ {
		if err := s.Issue("0xx", i*100, 100, decimal.Zero, ev(uint32(i))); err != nil {
			t.Fatalf("issue %d: %v", i, err)
		}
	}
	if n, _ := s.Advance(250, ev(20)); n != 3 {
		t.Errorf("expected 3 plots crossed, got %d", n)
	}
	s.TakeChanges()
	// 250 -> 420 finishes plot 200 and crosses 300 and 400.
	if n, _ := s.Advance(420, ev(21)); n != 3 {
		t.Errorf("expected 3 plots crossed, got %d", n)
	}
	ch := s.TakeChanges()
	if len(ch.Plots) != 3 {
		t.Errorf("expected 3 plots persisted, got %d", len(ch.Plots))
	}
	if n, _ := s.Advance(420, ev(22)); n != 0 {
		t.Errorf("same frontier should cross nothing, got %d", n)
	}
	if got := s.ProtocolField().Redeemable; got != 420 {
		t.Errorf("expected protocol redeemable 420, got %d", got)
	}
	mustConserve(t, s)
}

// --- Redeem ---

func TestRedeem_FullAndPartial(t *testing.T) {
	s := newTestState(t)
	if err := s.Transfer("0xx", 1000, 5000, "0xy", PlainTransfer(ev(1))); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if _, err := s.Advance(8000, ev(2)); err != nil {
		t.Fatalf("advance failed: %v", err)
	}

	got, err := s.Redeem("0xy", []int64{1000}, ev(3))
	if err != nil || len(got) != 1 {
		t.Fatalf("redeem failed: %v %v", got, err)
	}
	y, _ := s.Plot(1000)
	if !y.FullyRedeemed || y.Redeemed != 5000 {
		t.Errorf("expected fully redeemed plot, got %+v", y)
	}
	if len(s.OwnedPositions("0xy")) != 0 {
		t.Errorf("redeemed plot should leave 0xy's set")
	}

	// 0xx holds [6000,16000) with 2000 redeemable.
	if _, err := s.Redeem("0xx", []int64{6000}, ev(4)); err != nil {
		t.Fatalf("partial redeem failed: %v", err)
	}
	head, _ := s.Plot(6000)
	rest, ok := s.Plot(8000)
	if head.Size != 2000 || !head.FullyRedeemed {
		t.Errorf("expected redeemed head of 2000, got %+v", head)
	}
	if !ok || rest.Size != 8000 || rest.Owner != "0xx" || rest.Redeemable != 0 {
		t.Errorf("expected unredeemed remainder at 8000, got %+v", rest)
	}
	if got := s.ProtocolField(); got.Redeemed != 7000 || got.Redeemable != 0 || got.Unredeemed != 8000 {
		t.Errorf("unexpected protocol totals %+v", got)
	}
	if got := s.ProtocolField().HolderCount; got != 1 {
		t.Errorf("expected only 0xx to hold claims, got %d", got)
	}
	mustConserve(t, s)

	// Redelivery and nothing-to-redeem are tolerated.
	if got, err := s.Redeem("0xx", []int64{6000, 8000}, ev(5)); err != nil || len(got) != 0 {
		t.Errorf("expected no-op redeem, got %v %v", got, err)
	}
}

func TestRedeem_UnknownPlotIsFatal(t *testing.T) {
	s := newTestState(t)
	if _, err := s.Redeem("0xx", []int64{42}, ev(1)); !errors.Is(err, ErrInvariant) {
		t.Errorf("expected invariant violation, got %v", err)
	}
}

// --- Field aggregator ---

func TestApplyDelta_NegativeLeavesBothUntouched(t *testing.T) {
	s := newTestState(t)
	acct := s.Field("0xx")
	proto := s.ProtocolField()

	err := s.applyDelta("0xx", Delta{Unredeemed: -20000}, ev(1))
	if !errors.Is(err, ErrNegativeBalance) {
		t.Fatalf("expected ErrNegativeBalance, got %v", err)
	}
	if s.Field("0xx") != acct || s.ProtocolField() != proto {
		t.Error("a rejected delta must not change either field")
	}
}

func TestApplyDelta_ProtocolAppliedOnce(t *testing.T) {
	s := NewState(protocol)
	if err := s.AdjustCredit(d(100), ev(1)); err != nil {
		t.Fatalf("adjust failed: %v", err)
	}
	if got := s.ProtocolField().Credit; !got.Equal(d(100)) {
		t.Errorf("protocol delta should apply exactly once, credit=%s", got)
	}
}

func TestTakeChanges_ListsTouchedRecords(t *testing.T) {
	s := newTestState(t)
	ch := s.TakeChanges()
	if len(ch.Plots) != 1 || len(ch.Fields) != 2 {
		t.Fatalf("expected 1 plot and 2 fields, got %d/%d", len(ch.Plots), len(ch.Fields))
	}
	if ch.Fields[0].Account != "0xx" || ch.Fields[1].Account != protocol {
		t.Errorf("fields should be in touch order, got %s, %s", ch.Fields[0].Account, ch.Fields[1].Account)
	}
	if !s.TakeChanges().Empty() {
		t.Error("second take should be empty")
	}
}

func TestLoad_RebuildsIndexes(t *testing.T) {
	s := newTestState(t)
	if err := s.Transfer("0xx", 3000, 1000, "0xy", PlainTransfer(ev(1))); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if _, err := s.Advance(2000, ev(2)); err != nil {
		t.Fatalf("advance failed: %v", err)
	}

	var plots []model.Plot
	for _, p := range s.plots {
		plots = append(plots, *p)
	}
	var fields []model.Field
	for _, f := range s.fields {
		fields = append(fields, f.Field)
	}

	r := Load(protocol, s.Frontier(), plots, fields)
	mustConserve(t, r)
	if r.Holders() != 2 {
		t.Errorf("expected 2 holders after load, got %d", r.Holders())
	}
	if got := r.OwnedPositions("0xx"); len(got) != 2 || got[0] != 1000 || got[1] != 4000 {
		t.Errorf("unexpected owned positions %v", got)
	}
	if p, ok := r.Query(3500); !ok || p.Owner != "0xy" {
		t.Errorf("expected 0xy to cover 3500, got %+v", p)
	}
}

func TestWorklist_DedupesInOrder(t *testing.T) {
	w := NewWorklist()
	w.Push("a")
	w.Push("b")
	w.Push("a")
	got := w.Drain()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("unexpected drain %v", got)
	}
	if w.Len() != 0 {
		t.Errorf("drain should empty the list")
	}
}

func TestPositionIndex_FloorCeilRange(t *testing.T) {
	ix := NewPositionIndex()
	for _, p := range []int64{50, 10, 30} {
		ix.Insert(p)
	}
	if p, ok := ix.Floor(29); !ok || p != 10 {
		t.Errorf("floor(29) = %d,%v", p, ok)
	}
	if p, ok := ix.Ceil(31); !ok || p != 50 {
		t.Errorf("ceil(31) = %d,%v", p, ok)
	}
	if _, ok := ix.Floor(5); ok {
		t.Error("floor(5) should be empty")
	}
	var seen []int64
	ix.Range(10, 50, func(p int64) bool {
		seen = append(seen, p)
		return true
	})
	if len(seen) != 2 || seen[0] != 10 || seen[1] != 30 {
		t.Errorf("range [10,50) = %v", seen)
	}
}
