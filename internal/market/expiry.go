package market

import (
	"log/slog"

	"github.com/google/btree"

	"github.com/atmx/pod-ledger/internal/model"
)

// expiryItem orders ACTIVE listings by the frontier past which they lapse.
type expiryItem struct {
	maxFrontier int64
	key         model.ListingKey
}

func expiryLess(a, b expiryItem) bool {
	if a.maxFrontier != b.maxFrontier {
		return a.maxFrontier < b.maxFrontier
	}
	if a.key.Owner != b.key.Owner {
		return a.key.Owner < b.key.Owner
	}
	return a.key.Position < b.key.Position
}

func newExpiryQueue() *btree.BTreeG[expiryItem] {
	return btree.NewG(16, expiryLess)
}

func (e *Engine) watch(l *model.Listing) {
	e.expiry.ReplaceOrInsert(expiryItem{maxFrontier: l.MaxFrontier, key: l.Key})
}

func (e *Engine) unwatch(l *model.Listing) {
	e.expiry.Delete(expiryItem{maxFrontier: l.MaxFrontier, key: l.Key})
}

// Expire marks every ACTIVE listing with MaxFrontier < frontier as EXPIRED,
// earliest deadline first. Remaining is left as it was; the aggregate moves it
// from available to expired. It returns the number of listings expired.
func (e *Engine) Expire(frontier int64, ref model.EventID) int {
	var due []expiryItem
	e.expiry.Ascend(func(it expiryItem) bool {
		if it.maxFrontier >= frontier {
			return false
		}
		due = append(due, it)
		return true
	})

	for _, it := range due {
		e.expiry.Delete(it)
		l := e.listings[it.key]
		l.Status = model.ListingExpired
		l.UpdatedBy = ref
		e.changes.touchListing(l.Key)

		e.agg.ExpiredListed += l.Remaining
		e.agg.AvailableClaims -= l.Remaining
		e.touchAggregate(ref)
	}
	if len(due) > 0 {
		slog.Info("listings expired", "count", len(due), "frontier", frontier)
	}
	return len(due)
}
