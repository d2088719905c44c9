package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/atmx/pod-ledger/internal/indexer"
	"github.com/atmx/pod-ledger/internal/ledger"
	"github.com/atmx/pod-ledger/internal/store"
)

const lines = `{"id":"0xaa-0","block":1,"kind":"Issued","payload":{"account":"0xx","position":0,"size":1000,"committed":"100"}}

{"id":"0xaa-1","block":1,"kind":"Transferred","payload":{"from":"0xx","to":"0xy","position":0,"size":400}}
{"id":"0xaa-1","block":1,"kind":"Transferred","payload":{"from":"0xx","to":"0xy","position":0,"size":400}}
{"id":"0xaa-2","block":2,"kind":"FrontierAdvanced","payload":{"frontier":500}}
`

func TestReplay_AppliesAndSkips(t *testing.T) {
	proc := indexer.New(store.NewMemoryStore(), "protocol", indexer.WithConservationCheck())

	applied, skipped, err := replay(context.Background(), proc, strings.NewReader(lines))
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if applied != 3 || skipped != 1 {
		t.Errorf("expected 3 applied and 1 skipped, got %d/%d", applied, skipped)
	}
	f := proc.ProtocolField()
	if f.Issued != 1000 || f.Redeemable != 500 || f.Unredeemed != 500 {
		t.Errorf("unexpected protocol field %+v", f)
	}
	if c := proc.Cursor(); c.Block != 2 || c.Frontier != 500 {
		t.Errorf("unexpected cursor %+v", c)
	}
}

func TestReplay_StopsOnInvariant(t *testing.T) {
	proc := indexer.New(store.NewMemoryStore(), "protocol")
	bad := `{"id":"0xaa-0","block":1,"kind":"Transferred","payload":{"from":"0xx","to":"0xy","position":0,"size":1}}`

	_, _, err := replay(context.Background(), proc, strings.NewReader(bad))
	if !errors.Is(err, ledger.ErrInvariant) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
	if !strings.Contains(err.Error(), "line 1") {
		t.Errorf("expected the line number in %q", err)
	}
}
