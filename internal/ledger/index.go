package ledger

import (
	"github.com/google/btree"
)

const indexDegree = 32

// PositionIndex is an ordered set of line positions. It backs each Field's
// owned positions and the ledger-wide plot index, giving O(log n) insert,
// delete and range scans from an arbitrary start point.
type PositionIndex struct {
	tree *btree.BTreeG[int64]
}

// NewPositionIndex creates an empty index.
func NewPositionIndex() *PositionIndex {
	return &PositionIndex{tree: btree.NewOrderedG[int64](indexDegree)}
}

// Insert adds pos; inserting an existing position is a no-op.
func (ix *PositionIndex) Insert(pos int64) { ix.tree.ReplaceOrInsert(pos) }

// Delete removes pos if present.
func (ix *PositionIndex) Delete(pos int64) { ix.tree.Delete(pos) }

// Has reports whether pos is in the set.
func (ix *PositionIndex) Has(pos int64) bool { return ix.tree.Has(pos) }

// Len returns the number of positions.
func (ix *PositionIndex) Len() int { return ix.tree.Len() }

// Floor returns the greatest position <= pos.
func (ix *PositionIndex) Floor(pos int64) (int64, bool) {
	var (
		found int64
		ok    bool
	)
	ix.tree.DescendLessOrEqual(pos, func(p int64) bool {
		found, ok = p, true
		return false
	})
	return found, ok
}

// Ceil returns the smallest position >= pos.
func (ix *PositionIndex) Ceil(pos int64) (int64, bool) {
	var (
		found int64
		ok    bool
	)
	ix.tree.AscendGreaterOrEqual(pos, func(p int64) bool {
		found, ok = p, true
		return false
	})
	return found, ok
}

// Range calls fn for each position in [from, to) in ascending order until fn
// returns false.
func (ix *PositionIndex) Range(from, to int64, fn func(pos int64) bool) {
	if from >= to {
		return
	}
	ix.tree.AscendRange(from, to, fn)
}

// Positions returns every position in ascending order.
func (ix *PositionIndex) Positions() []int64 {
	out := make([]int64, 0, ix.tree.Len())
	ix.tree.Ascend(func(p int64) bool {
		out = append(out, p)
		return true
	})
	return out
}
