package ledger

import (
	"errors"
	"fmt"
)

// ErrInvariant is the root of every fatal consistency violation. An event that
// trips it means the event source broke its ordering or idempotency contract;
// callers must stop applying events rather than continue on corrupt state.
var ErrInvariant = errors.New("ledger: invariant violation")

var (
	ErrFrontierRegression = fmt.Errorf("%w: frontier regression", ErrInvariant)
	ErrOverlap            = fmt.Errorf("%w: overlapping plots", ErrInvariant)
	ErrNoCoveringPlot     = fmt.Errorf("%w: no plot covers range", ErrInvariant)
	ErrOwnerMismatch      = fmt.Errorf("%w: plot owner mismatch", ErrInvariant)
	ErrNegativeBalance    = fmt.Errorf("%w: negative balance", ErrInvariant)
	ErrRedeemedPlot       = fmt.Errorf("%w: plot already redeemed", ErrInvariant)
	ErrInvalidRange       = fmt.Errorf("%w: invalid range", ErrInvariant)
)
