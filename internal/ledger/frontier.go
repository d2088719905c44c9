package ledger

import (
	"fmt"

	"github.com/atmx/pod-ledger/internal/model"
)

// Advance moves the harvestable frontier to newFrontier and recomputes the
// redeemable amount of every plot the move crosses. It returns the number of
// plots whose redeemable amount changed.
//
// The scan walks the protocol's owned positions upward from the plot that
// straddles the old frontier (every plot below it is already fully
// redeemable) and stops at the first position at or past newFrontier, so its
// cost tracks the plots crossed rather than the size of the ledger.
func (s *State) Advance(newFrontier int64, ref model.EventID) (int, error) {
	if newFrontier < s.frontier {
		return 0, fmt.Errorf("%w: %d -> %d", ErrFrontierRegression, s.frontier, newFrontier)
	}
	if newFrontier == s.frontier {
		return 0, nil
	}

	owned := s.field(s.protocol).positions
	start := s.frontier
	if prev, ok := owned.Floor(s.frontier - 1); ok {
		start = prev
	}

	type step struct {
		plot  *model.Plot
		delta int64
	}
	var steps []step
	owned.Range(start, newFrontier, func(pos int64) bool {
		p := s.plots[pos]
		redeemable := p.Size
		if newFrontier-pos < redeemable {
			redeemable = newFrontier - pos
		}
		if redeemable != p.Redeemable {
			steps = append(steps, step{plot: p, delta: redeemable - p.Redeemable})
		}
		return true
	})

	s.frontier = newFrontier
	for _, st := range steps {
		if err := s.applyDelta(st.plot.Owner, Delta{Redeemable: st.delta, Unredeemed: -st.delta}, ref); err != nil {
			return 0, err
		}
		st.plot.Redeemable += st.delta
		st.plot.UpdatedBy = ref
		s.changes.touchPlot(st.plot.Position)
	}
	return len(steps), nil
}
