package model

import (
	"encoding/json"
	"testing"
)

func TestParseEventID_Valid(t *testing.T) {
	id, err := ParseEventID("0x9F3c1a-12")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Tx != "0x9f3c1a" {
		t.Errorf("expected tx=0x9f3c1a, got %s", id.Tx)
	}
	if id.LogIndex != 12 {
		t.Errorf("expected log index 12, got %d", id.LogIndex)
	}
	if id.String() != "0x9f3c1a-12" {
		t.Errorf("unexpected canonical form %s", id.String())
	}
}

func TestParseEventID_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"0x",
		"9f3c1a-12",            // missing 0x prefix
		"0x9f3c1a",             // missing log index
		"0x9f3c1a-",            // empty log index
		"0xzz-1",               // non-hex hash
		"0x9f3c1a-99999999999", // overflows uint32
	}
	for _, s := range tests {
		if _, err := ParseEventID(s); err == nil {
			t.Errorf("expected error for event id %q", s)
		}
	}
}

func TestEventID_TextRoundTrip(t *testing.T) {
	id := EventID{Tx: "0xabc", LogIndex: 3}
	b, _ := id.MarshalText()

	var got EventID
	if err := got.UnmarshalText(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != id {
		t.Errorf("expected %v, got %v", id, got)
	}

	var empty EventID
	if err := empty.UnmarshalText(nil); err != nil || !empty.IsZero() {
		t.Errorf("empty text should decode to zero id, got %v (%v)", empty, err)
	}
}

func TestFillID_Deterministic(t *testing.T) {
	a := FillID(EventID{Tx: "0xabc", LogIndex: 1})
	b := FillID(EventID{Tx: "0xabc", LogIndex: 1})
	c := FillID(EventID{Tx: "0xabc", LogIndex: 2})
	if a != b {
		t.Error("same event should derive the same fill id")
	}
	if a == c {
		t.Error("different events should derive different fill ids")
	}
}

func TestParseListingKey(t *testing.T) {
	k, err := ParseListingKey("0xseller-1500")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k.Owner != "0xseller" || k.Position != 1500 {
		t.Errorf("unexpected key %+v", k)
	}
	if _, err := ParseListingKey("0xseller"); err == nil {
		t.Error("expected error for key without position")
	}
	v := ListingVersionID{Key: k, Version: 2}
	if v.String() != "0xseller-1500-2" {
		t.Errorf("unexpected version id %s", v.String())
	}
}

func TestListingKey_HyphenatedOwner(t *testing.T) {
	k, err := ParseListingKey("acct-1-5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k.Owner != "acct-1" || k.Position != 5 {
		t.Errorf("unexpected key %+v", k)
	}
	if _, err := ParseListingKey("-5"); err == nil {
		t.Error("expected error for key without owner")
	}

	want := Listing{Key: ListingKey{Owner: "acct-1", Position: 5}, Version: -1, Status: ListingActive}
	b, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Listing
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Key != want.Key {
		t.Errorf("expected key %v, got %v", want.Key, got.Key)
	}
}

func TestCursorBefore(t *testing.T) {
	var empty Cursor
	if !empty.Before(0, 0) {
		t.Error("empty cursor should precede every event")
	}
	c := Cursor{Block: 10, LogIndex: 4, Events: 1}
	if !c.Before(10, 5) || !c.Before(11, 0) {
		t.Error("cursor should precede later events")
	}
	if c.Before(10, 4) || c.Before(9, 99) {
		t.Error("cursor should not precede itself or earlier events")
	}
}
