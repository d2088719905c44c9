// Package ledger implements the plot ledger: the interval-keyed ownership
// store for claims on the line, the harvestable frontier, and the per-account
// and protocol Field rollups derived from them.
//
// State is not safe for concurrent use. Events are applied one at a time by
// the indexer, which serializes access.
package ledger

import (
	"fmt"
	"sort"

	"github.com/atmx/pod-ledger/internal/model"
)

// State is the ledger's working set: every plot, every Field, the frontier,
// and the record of what the current event touched.
type State struct {
	protocol string
	frontier int64

	plots  map[int64]*model.Plot // every plot ever created, by position
	all    *PositionIndex        // positions of every plot, redeemed included
	fields map[string]*Field

	holders map[string]struct{}
	changes changeSet
}

// NewState creates an empty ledger whose protocol rollup is kept under the
// given account id.
func NewState(protocol string) *State {
	s := &State{
		protocol: protocol,
		plots:    make(map[int64]*model.Plot),
		all:      NewPositionIndex(),
		fields:   make(map[string]*Field),
		holders:  make(map[string]struct{}),
		changes:  newChangeSet(),
	}
	s.field(protocol)
	return s
}

// Load rebuilds a State from persisted records. Owned-position indexes and
// the holder set are derived, not stored.
func Load(protocol string, frontier int64, plots []model.Plot, fields []model.Field) *State {
	s := NewState(protocol)
	s.frontier = frontier

	for _, rec := range fields {
		f := s.field(rec.Account)
		f.Field = rec
		if rec.Account != protocol && f.Balance() > 0 {
			s.holders[rec.Account] = struct{}{}
		}
	}
	for i := range plots {
		p := plots[i]
		s.plots[p.Position] = &p
		s.all.Insert(p.Position)
		if !p.FullyRedeemed {
			s.own(p.Owner, p.Position)
		}
	}
	s.changes = newChangeSet()
	return s
}

// Protocol returns the protocol account id.
func (s *State) Protocol() string { return s.protocol }

// Frontier returns the current harvestable index.
func (s *State) Frontier() int64 { return s.frontier }

// field loads an account's Field, default-constructing it on first touch.
func (s *State) field(account string) *Field {
	f, ok := s.fields[account]
	if !ok {
		f = newField(account)
		s.fields[account] = f
	}
	return f
}

// Field returns a copy of the account's rollup. Unknown accounts read as an
// empty Field.
func (s *State) Field(account string) model.Field {
	if f, ok := s.fields[account]; ok {
		return f.Field
	}
	return model.Field{Account: account}
}

// ProtocolField returns a copy of the protocol rollup.
func (s *State) ProtocolField() model.Field { return s.Field(s.protocol) }

// Holders returns the number of accounts with a nonzero claim balance.
func (s *State) Holders() int { return len(s.holders) }

// Plot returns a copy of the plot starting exactly at position.
func (s *State) Plot(position int64) (model.Plot, bool) {
	p, ok := s.plots[position]
	if !ok {
		return model.Plot{}, false
	}
	return *p, true
}

// Query returns a copy of the plot covering position, if any.
func (s *State) Query(position int64) (model.Plot, bool) {
	start, ok := s.all.Floor(position)
	if !ok {
		return model.Plot{}, false
	}
	p := s.plots[start]
	if p.End() <= position {
		return model.Plot{}, false
	}
	return *p, true
}

// Plots returns the account's unredeemed plots with position in [from, to),
// ascending.
func (s *State) Plots(account string, from, to int64) []model.Plot {
	f, ok := s.fields[account]
	if !ok {
		return nil
	}
	var out []model.Plot
	f.positions.Range(from, to, func(pos int64) bool {
		out = append(out, *s.plots[pos])
		return true
	})
	return out
}

// OwnedPositions returns the account's unredeemed plot positions, ascending.
func (s *State) OwnedPositions(account string) []int64 {
	f, ok := s.fields[account]
	if !ok {
		return nil
	}
	return f.positions.Positions()
}

// putPlot stores p and marks it for persistence.
func (s *State) putPlot(p *model.Plot) {
	s.plots[p.Position] = p
	s.all.Insert(p.Position)
	s.changes.touchPlot(p.Position)
}

// own registers position in the owner's and the protocol's owned sets.
func (s *State) own(owner string, position int64) {
	s.field(owner).positions.Insert(position)
	s.field(s.protocol).positions.Insert(position)
}

// disown removes position from the owner's owned set, and from the
// protocol's when the plot leaves circulation.
func (s *State) disown(owner string, position int64, retire bool) {
	s.field(owner).positions.Delete(position)
	if retire && owner != s.protocol {
		s.field(s.protocol).positions.Delete(position)
	}
}

// redeemableFor returns how much of [start, start+size) lies below the
// frontier.
func (s *State) redeemableFor(start, size int64) int64 {
	switch {
	case s.frontier <= start:
		return 0
	case s.frontier-start >= size:
		return size
	default:
		return s.frontier - start
	}
}

// CheckConservation recomputes every Field from the plots and compares it
// with the running totals. It is a full scan and meant for tests and audits.
func (s *State) CheckConservation() error {
	type sums struct{ outstanding, redeemable, redeemed, plots int64 }
	byAccount := make(map[string]*sums)
	var total sums

	for _, p := range s.plots {
		a, ok := byAccount[p.Owner]
		if !ok {
			a = &sums{}
			byAccount[p.Owner] = a
		}
		a.redeemed += p.Redeemed
		total.redeemed += p.Redeemed
		if p.FullyRedeemed {
			continue
		}
		if p.Redeemable > p.Size || p.Redeemed > p.Redeemable {
			return fmt.Errorf("%w: plot %d size=%d redeemable=%d redeemed=%d",
				ErrInvariant, p.Position, p.Size, p.Redeemable, p.Redeemed)
		}
		a.outstanding += p.Outstanding()
		a.redeemable += p.Redeemable
		a.plots++
		total.outstanding += p.Outstanding()
		total.redeemable += p.Redeemable
		total.plots++
	}

	check := func(account string, want sums) error {
		f := s.Field(account)
		if f.Unredeemed+f.Redeemable != want.outstanding || f.Redeemable != want.redeemable ||
			f.Redeemed != want.redeemed {
			return fmt.Errorf("%w: field %s has unredeemed=%d redeemable=%d redeemed=%d, plots say outstanding=%d redeemable=%d redeemed=%d",
				ErrInvariant, account, f.Unredeemed, f.Redeemable, f.Redeemed,
				want.outstanding, want.redeemable, want.redeemed)
		}
		return nil
	}

	if err := check(s.protocol, total); err != nil {
		return err
	}
	if got := int64(s.field(s.protocol).positions.Len()); got != total.plots {
		return fmt.Errorf("%w: protocol indexes %d plots, ledger has %d", ErrInvariant, got, total.plots)
	}
	for account, f := range s.fields {
		if account == s.protocol {
			continue
		}
		want := sums{}
		if a, ok := byAccount[account]; ok {
			want = *a
		}
		if err := check(account, want); err != nil {
			return err
		}
		if got := int64(f.positions.Len()); got != want.plots {
			return fmt.Errorf("%w: field %s indexes %d plots, owns %d",
				ErrInvariant, account, got, want.plots)
		}
	}
	return nil
}

// Changes is what one event did to the ledger: copies of every plot and Field
// it touched, ready to persist.
type Changes struct {
	Plots    []model.Plot
	Fields   []model.Field
	Frontier int64
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool { return len(c.Plots) == 0 && len(c.Fields) == 0 }

// TakeChanges drains the record of touched plots and Fields.
func (s *State) TakeChanges() Changes {
	out := Changes{Frontier: s.frontier}
	positions := make([]int64, 0, len(s.changes.plots))
	for pos := range s.changes.plots {
		positions = append(positions, pos)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
	for _, pos := range positions {
		out.Plots = append(out.Plots, *s.plots[pos])
	}
	for _, account := range s.changes.accounts.Drain() {
		out.Fields = append(out.Fields, s.fields[account].Field)
	}
	s.changes.plots = make(map[int64]struct{})
	return out
}

// DiscardChanges forgets the touched set without persisting it.
func (s *State) DiscardChanges() { s.changes = newChangeSet() }

type changeSet struct {
	plots    map[int64]struct{}
	accounts *Worklist
}

func newChangeSet() changeSet {
	return changeSet{plots: make(map[int64]struct{}), accounts: NewWorklist()}
}

func (c *changeSet) touchPlot(pos int64)        { c.plots[pos] = struct{}{} }
func (c *changeSet) touchField(account string) { c.accounts.Push(account) }

// Worklist is an insertion-ordered set of accounts awaiting reconciliation.
// Pushing an account already queued keeps its original place.
type Worklist struct {
	order  []string
	queued map[string]struct{}
}

// NewWorklist creates an empty worklist.
func NewWorklist() *Worklist {
	return &Worklist{queued: make(map[string]struct{})}
}

// Push queues account unless it is already queued.
func (w *Worklist) Push(account string) {
	if _, ok := w.queued[account]; ok {
		return
	}
	w.queued[account] = struct{}{}
	w.order = append(w.order, account)
}

// Len returns the number of queued accounts.
func (w *Worklist) Len() int { return len(w.order) }

// Drain returns queued accounts in push order and empties the list.
func (w *Worklist) Drain() []string {
	out := w.order
	w.order = nil
	w.queued = make(map[string]struct{})
	return out
}
