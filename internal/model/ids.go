package model

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrInvalidEventID    = errors.New("model: invalid event id")
	ErrInvalidListingKey = errors.New("model: invalid listing key")
)

// eventIDRegex matches: {0x-prefixed tx hash}-{log index}
// Example: 0x9f3c1a-12
var eventIDRegex = regexp.MustCompile(`^(0x[0-9a-f]+)-(\d+)$`)

// listingKeyRegex matches: {owner}-{position}
// The owner may itself contain hyphens; the position follows the last one.
var listingKeyRegex = regexp.MustCompile(`^(.+)-(\d+)$`)

// fillNamespace seeds deterministic fill ids so a redelivered event
// resolves to the fill it already produced.
var fillNamespace = uuid.MustParse("5b1f8f5e-7d7a-4c61-9a8c-0f6f3a8d2e41")

// EventID identifies one inbound event by its origin transaction and the
// position of the log within it.
type EventID struct {
	Tx       string
	LogIndex uint32
}

// String renders the canonical "tx-logIndex" form.
func (id EventID) String() string {
	if id.Tx == "" {
		return ""
	}
	return fmt.Sprintf("%s-%d", id.Tx, id.LogIndex)
}

// IsZero reports whether the id is unset.
func (id EventID) IsZero() bool { return id.Tx == "" }

func (id EventID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *EventID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*id = EventID{}
		return nil
	}
	parsed, err := ParseEventID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseEventID parses and validates an event id string.
// Format: 0x{hex}-{logIndex}; the hash is lower-cased before matching.
func ParseEventID(s string) (EventID, error) {
	matches := eventIDRegex.FindStringSubmatch(strings.ToLower(s))
	if matches == nil {
		return EventID{}, fmt.Errorf("%w: %s (expected 0x{hash}-{logIndex})", ErrInvalidEventID, s)
	}
	idx, err := strconv.ParseUint(matches[2], 10, 32)
	if err != nil {
		return EventID{}, fmt.Errorf("%w: log index %s", ErrInvalidEventID, matches[2])
	}
	return EventID{Tx: matches[1], LogIndex: uint32(idx)}, nil
}

// FillID derives the id of the fill produced by an event.
func FillID(event EventID) uuid.UUID {
	return uuid.NewSHA1(fillNamespace, []byte(event.String()))
}

// ListingKey is the live identity of a listing: the lister and the line
// position of the listed plot.
type ListingKey struct {
	Owner    string
	Position int64
}

func (k ListingKey) String() string { return fmt.Sprintf("%s-%d", k.Owner, k.Position) }

func (k ListingKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *ListingKey) UnmarshalText(b []byte) error {
	parsed, err := ParseListingKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseListingKey parses the "owner-position" form.
func ParseListingKey(s string) (ListingKey, error) {
	matches := listingKeyRegex.FindStringSubmatch(s)
	if matches == nil {
		return ListingKey{}, fmt.Errorf("%w: %s", ErrInvalidListingKey, s)
	}
	pos, err := strconv.ParseInt(matches[2], 10, 64)
	if err != nil {
		return ListingKey{}, fmt.Errorf("%w: position %s", ErrInvalidListingKey, matches[2])
	}
	return ListingKey{Owner: matches[1], Position: pos}, nil
}

// ListingVersionID names a retired listing: key plus version counter.
type ListingVersionID struct {
	Key     ListingKey
	Version int
}

func (v ListingVersionID) String() string { return fmt.Sprintf("%s-%d", v.Key, v.Version) }

// OrderID is the caller-supplied order reference.
type OrderID string

// OrderVersionID names a retired order.
type OrderVersionID struct {
	ID      OrderID
	Version int
}

func (v OrderVersionID) String() string { return fmt.Sprintf("%s-%d", v.ID, v.Version) }
