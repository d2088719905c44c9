package indexer_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/pod-ledger/internal/event"
	"github.com/atmx/pod-ledger/internal/indexer"
	"github.com/atmx/pod-ledger/internal/ledger"
	"github.com/atmx/pod-ledger/internal/model"
	"github.com/atmx/pod-ledger/internal/store"
)

const protocol = "0xprotocol"

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func fixedClock() time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
}

// env wraps a payload into the n-th envelope of block 1.
func env(t *testing.T, n uint32, p event.Payload) event.Envelope {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return event.Envelope{
		ID:      model.EventID{Tx: "0xfeed", LogIndex: n},
		Block:   1,
		Kind:    p.Kind(),
		Payload: raw,
	}
}

type recorder struct {
	mu      sync.Mutex
	updates []indexer.Update
}

func (r *recorder) Broadcast(u indexer.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func newProcessor(st store.Store, opts ...indexer.Option) *indexer.Processor {
	opts = append([]indexer.Option{indexer.WithConservationCheck(), indexer.WithClock(fixedClock)}, opts...)
	return indexer.New(st, protocol, opts...)
}

func mustApply(t *testing.T, p *indexer.Processor, e event.Envelope) indexer.Result {
	t.Helper()
	res, err := p.Apply(context.Background(), e)
	if err != nil {
		t.Fatalf("apply %s %s: %v", e.Kind, e.ID, err)
	}
	return res
}

// seed issues [1000,16000) to 0xx and transfers [1000,6000) to 0xy.
func seed(t *testing.T, p *indexer.Processor) {
	t.Helper()
	mustApply(t, p, env(t, 0, &event.Issued{Account: "0xx", Position: 1000, Size: 15000, Committed: d(5000)}))
	mustApply(t, p, env(t, 1, &event.Transferred{From: "0xx", To: "0xy", Position: 1000, Size: 5000}))
}

func TestApply_CommitsLedgerChanges(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newProcessor(st)
	seed(t, p)

	y, err := st.GetPlot(ctx, 1000)
	if err != nil || y.Owner != "0xy" || y.Size != 5000 {
		t.Fatalf("unexpected plot at 1000: %+v %v", y, err)
	}
	x, err := st.GetPlot(ctx, 6000)
	if err != nil || x.Owner != "0xx" || x.Size != 10000 {
		t.Fatalf("unexpected plot at 6000: %+v %v", x, err)
	}
	f, err := st.GetField(ctx, protocol)
	if err != nil || f.Issued != 15000 || f.Unredeemed != 15000 {
		t.Errorf("unexpected protocol field %+v %v", f, err)
	}

	c, _ := st.Cursor(ctx)
	if c.Events != 2 || c.LogIndex != 1 {
		t.Errorf("unexpected cursor %+v", c)
	}
	a, err := st.GetAudit(ctx, model.EventID{Tx: "0xfeed", LogIndex: 1})
	if err != nil || a.Kind != string(event.KindTransferred) || len(a.Digest) != 64 {
		t.Errorf("unexpected audit %+v %v", a, err)
	}
	if !a.AppliedAt.Equal(fixedClock()) {
		t.Errorf("expected audit stamped by the clock, got %s", a.AppliedAt)
	}
}

func TestApply_RedeliveryIsSkipped(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newProcessor(st)
	seed(t, p)

	before := p.ProtocolField()
	res := mustApply(t, p, env(t, 1, &event.Transferred{From: "0xx", To: "0xy", Position: 1000, Size: 5000}))
	if !res.Skipped {
		t.Fatal("expected redelivered event to be skipped")
	}
	if after := p.ProtocolField(); after.Issued != before.Issued || after.HolderCount != before.HolderCount {
		t.Errorf("redelivery changed totals: %+v -> %+v", before, after)
	}
	c, _ := st.Cursor(ctx)
	if c.Events != 2 {
		t.Errorf("redelivery must not advance the cursor, got %+v", c)
	}
	if p.Halted() != nil {
		t.Errorf("redelivery must not halt: %v", p.Halted())
	}
}

func TestApply_RejectsMalformedWithoutHalting(t *testing.T) {
	p := newProcessor(store.NewMemoryStore())

	_, err := p.Apply(context.Background(), event.Envelope{Kind: event.KindIssued, Payload: []byte(`{}`)})
	if !errors.Is(err, model.ErrInvalidEventID) {
		t.Errorf("expected ErrInvalidEventID, got %v", err)
	}
	bad := env(t, 0, &event.Issued{})
	bad.Kind = "Minted"
	if _, err := p.Apply(context.Background(), bad); !errors.Is(err, event.ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
	if p.Halted() != nil {
		t.Errorf("malformed input must not halt: %v", p.Halted())
	}
}

func TestApply_InvariantViolationHalts(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newProcessor(st)
	seed(t, p)
	mustApply(t, p, env(t, 2, &event.FrontierAdvanced{Frontier: 6000}))

	_, err := p.Apply(ctx, env(t, 3, &event.FrontierAdvanced{Frontier: 5000}))
	if !errors.Is(err, ledger.ErrFrontierRegression) {
		t.Fatalf("expected frontier regression, got %v", err)
	}
	if !errors.Is(p.Halted(), ledger.ErrInvariant) {
		t.Errorf("expected processor halted on an invariant, got %v", p.Halted())
	}
	if applied, _ := st.Applied(ctx, model.EventID{Tx: "0xfeed", LogIndex: 3}); applied {
		t.Error("failed event must not be committed")
	}

	_, err = p.Apply(ctx, env(t, 4, &event.Issued{Account: "0xz", Position: 20000, Size: 10}))
	if !errors.Is(err, indexer.ErrHalted) {
		t.Errorf("expected ErrHalted for later events, got %v", err)
	}
}

func TestApply_OutOfOrderHalts(t *testing.T) {
	p := newProcessor(store.NewMemoryStore())
	seed(t, p)

	_, err := p.Apply(context.Background(), env(t, 0, &event.Issued{Account: "0xz", Position: 50000, Size: 1}))
	if err != nil {
		// Same id as the seed issue: treated as a redelivery.
		t.Fatalf("expected redelivery skip, got %v", err)
	}

	stale := env(t, 1, &event.Issued{Account: "0xz", Position: 50000, Size: 1})
	stale.ID.Tx = "0xbeef"
	if _, err := p.Apply(context.Background(), stale); !errors.Is(err, indexer.ErrOutOfOrder) {
		t.Errorf("expected ErrOutOfOrder, got %v", err)
	}
}

func TestApply_ScenarioC_ListingLifecycle(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	hub := &recorder{}
	p := newProcessor(st, indexer.WithBroadcaster(hub))
	seed(t, p)

	mustApply(t, p, env(t, 2, &event.ListingCreated{
		Owner: "0xx", Position: 6000, Size: 10000, Price: d(0.25),
		MinFill: 100, MaxFrontier: 1_000_000, PricingMode: model.PricingFixed,
	}))
	res := mustApply(t, p, env(t, 3, &event.ListingFilled{
		From: "0xx", To: "0xz", Position: 6000, Size: 2500, Cost: d(625),
	}))
	if res.Fills != 1 {
		t.Errorf("expected one fill, got %d", res.Fills)
	}

	parent, err := st.GetListing(ctx, model.ListingKey{Owner: "0xx", Position: 6000})
	if err != nil || parent.Status != model.ListingFilledPartial {
		t.Fatalf("unexpected parent %+v %v", parent, err)
	}
	succ, err := st.GetListing(ctx, model.ListingKey{Owner: "0xx", Position: 8500})
	if err != nil || succ.Status != model.ListingActive || succ.Remaining != 7500 {
		t.Fatalf("unexpected successor %+v %v", succ, err)
	}
	z, err := st.GetPlot(ctx, 6000)
	if err != nil || z.Owner != "0xz" || z.Provenance != model.ProvenanceMarket {
		t.Errorf("unexpected filled plot %+v %v", z, err)
	}
	fill, err := st.GetFill(ctx, model.FillID(model.EventID{Tx: "0xfeed", LogIndex: 3}))
	if err != nil || fill.Size != 2500 || fill.PlaceInLine != 6000 {
		t.Errorf("unexpected fill %+v %v", fill, err)
	}

	agg, _ := st.GetMarketplace(ctx)
	if agg.ListedClaims != 10000 || agg.FilledListed != 2500 || agg.AvailableClaims != 7500 {
		t.Errorf("unexpected marketplace %+v", agg)
	}

	if len(hub.updates) != 4 {
		t.Fatalf("expected 4 broadcasts, got %d", len(hub.updates))
	}
	if last := hub.updates[3]; last.Kind != event.KindListingFilled || len(last.Fills) != 1 {
		t.Errorf("unexpected last update %+v", last)
	}
}

func TestApply_ScenarioD_FrontierExpiresListing(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newProcessor(st)
	seed(t, p)

	mustApply(t, p, env(t, 2, &event.ListingCreated{
		Owner: "0xx", Position: 6000, Size: 10000, Price: d(0.25), MaxFrontier: 5000,
	}))
	mustApply(t, p, env(t, 3, &event.FrontierAdvanced{Frontier: 5000}))
	l, _ := st.GetListing(ctx, model.ListingKey{Owner: "0xx", Position: 6000})
	if l.Status != model.ListingActive {
		t.Errorf("listing must survive a frontier equal to its deadline, got %s", l.Status)
	}

	mustApply(t, p, env(t, 4, &event.FrontierAdvanced{Frontier: 5001}))
	l, _ = st.GetListing(ctx, model.ListingKey{Owner: "0xx", Position: 6000})
	if l.Status != model.ListingExpired {
		t.Errorf("expected EXPIRED, got %s", l.Status)
	}
	agg, _ := st.GetMarketplace(ctx)
	if agg.ExpiredListed != 10000 || agg.AvailableClaims != 0 {
		t.Errorf("unexpected marketplace %+v", agg)
	}
	c, _ := st.Cursor(ctx)
	if c.Frontier != 5001 {
		t.Errorf("cursor should carry the frontier, got %d", c.Frontier)
	}
}

func TestApply_RedeemCancelsListing(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newProcessor(st)
	seed(t, p)

	mustApply(t, p, env(t, 2, &event.ListingCreated{
		Owner: "0xy", Position: 1000, Size: 5000, Price: d(0.5), MaxFrontier: 1_000_000,
	}))
	mustApply(t, p, env(t, 3, &event.FrontierAdvanced{Frontier: 6000}))
	mustApply(t, p, env(t, 4, &event.Redeemed{Account: "0xy", Positions: []int64{1000}}))

	l, _ := st.GetListing(ctx, model.ListingKey{Owner: "0xy", Position: 1000})
	if l.Status != model.ListingCancelled {
		t.Errorf("expected redemption to cancel the listing, got %s", l.Status)
	}
	y, _ := st.GetField(ctx, "0xy")
	if y.Redeemed != 5000 || y.Redeemable != 0 {
		t.Errorf("unexpected field after redeem %+v", y)
	}
}

func TestApply_OrderLifecycle(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newProcessor(st)
	seed(t, p)

	mustApply(t, p, env(t, 2, &event.OrderCreated{
		Owner: "0xz", OrderID: "0xorder1", Committed: d(1000), Price: d(0.5),
		MaxPlaceInLine: 20000, PricingMode: model.PricingFixed,
	}))
	mustApply(t, p, env(t, 3, &event.OrderFilled{
		From: "0xx", To: "0xz", OrderID: "0xorder1", Position: 6000, Size: 2000, Cost: d(1000),
	}))

	o, err := st.GetOrder(ctx, "0xorder1")
	if err != nil || o.Status != model.OrderFilled || o.FilledClaims != 2000 {
		t.Fatalf("unexpected order %+v %v", o, err)
	}
	z, _ := st.GetPlot(ctx, 6000)
	if z.Owner != "0xz" || z.Size != 2000 {
		t.Errorf("unexpected plot after order fill %+v", z)
	}
	agg, _ := st.GetMarketplace(ctx)
	if !agg.FilledOrdered.Equal(d(1000)) || agg.FilledOrderedClaims != 2000 {
		t.Errorf("unexpected marketplace %+v", agg)
	}
}

func TestApply_CreditAdjusted(t *testing.T) {
	p := newProcessor(store.NewMemoryStore())
	seed(t, p)

	before := p.ProtocolField().Credit
	mustApply(t, p, env(t, 2, &event.CreditAdjusted{Delta: d(250)}))
	if got := p.ProtocolField().Credit; !got.Equal(before.Add(d(250))) {
		t.Errorf("expected credit %s, got %s", before.Add(d(250)), got)
	}
}

func TestRestore_ResumesFromStore(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newProcessor(st)
	seed(t, p)
	mustApply(t, p, env(t, 2, &event.ListingCreated{
		Owner: "0xx", Position: 6000, Size: 10000, Price: d(0.25), MaxFrontier: 7000,
	}))
	mustApply(t, p, env(t, 3, &event.FrontierAdvanced{Frontier: 6000}))

	restored := newProcessor(st)
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if c := restored.Cursor(); c.Events != 4 || c.Frontier != 6000 {
		t.Errorf("unexpected restored cursor %+v", c)
	}
	if got, want := restored.ProtocolField(), p.ProtocolField(); got.Redeemable != want.Redeemable || got.Issued != want.Issued {
		t.Errorf("restored totals differ: %+v vs %+v", got, want)
	}

	// Redelivery after restart is still a no-op.
	res := mustApply(t, restored, env(t, 3, &event.FrontierAdvanced{Frontier: 6000}))
	if !res.Skipped {
		t.Error("expected redelivered event skipped after restore")
	}

	// The restored expiry queue still fires.
	mustApply(t, restored, env(t, 4, &event.FrontierAdvanced{Frontier: 7001}))
	l, _ := st.GetListing(ctx, model.ListingKey{Owner: "0xx", Position: 6000})
	if l.Status != model.ListingExpired {
		t.Errorf("expected restored listing to expire, got %s", l.Status)
	}
	if err := restored.Verify(); err != nil {
		t.Errorf("conservation after restore: %v", err)
	}
}
