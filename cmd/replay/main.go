// Command replay applies a JSON-lines file of event envelopes to a store and
// prints the resulting protocol totals and marketplace aggregate.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/atmx/pod-ledger/internal/event"
	"github.com/atmx/pod-ledger/internal/indexer"
	"github.com/atmx/pod-ledger/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var filePath, pebblePath, protocol string
	var verify, verbose bool

	flagSet := pflag.NewFlagSet("replay", pflag.ContinueOnError)
	flagSet.StringVar(&filePath, "file", "", "path to a JSON-lines file of event envelopes (default: stdin)")
	flagSet.StringVar(&pebblePath, "pebble", "", "Pebble directory to apply into (default: in-memory)")
	flagSet.StringVar(&protocol, "protocol", "protocol", "protocol account id")
	flagSet.BoolVar(&verify, "verify", false, "re-check conservation after every event")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log every applied event")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx := context.Background()
	var st store.Store = store.NewMemoryStore()
	if pebblePath != "" {
		pb, err := store.OpenPebble(pebblePath)
		if err != nil {
			return err
		}
		defer pb.Close()
		st = pb
	}

	var opts []indexer.Option
	if verify {
		opts = append(opts, indexer.WithConservationCheck())
	}
	proc := indexer.New(st, protocol, opts...)
	if err := proc.Restore(ctx); err != nil {
		return err
	}

	var in io.Reader = os.Stdin
	if filePath != "" {
		f, err := os.Open(filePath)
		if err != nil {
			return fmt.Errorf("open %s: %w", filePath, err)
		}
		defer f.Close()
		in = f
	}

	applied, skipped, err := replay(ctx, proc, in)
	if err != nil {
		return err
	}

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	return out.Encode(map[string]any{
		"applied":     applied,
		"skipped":     skipped,
		"cursor":      proc.Cursor(),
		"protocol":    proc.ProtocolField(),
		"marketplace": proc.Marketplace(),
	})
}

// replay applies each non-blank line of r as one envelope, in order.
func replay(ctx context.Context, proc *indexer.Processor, r io.Reader) (applied, skipped int, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var env event.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return applied, skipped, fmt.Errorf("line %d: %w", line, err)
		}
		res, err := proc.Apply(ctx, env)
		if err != nil {
			return applied, skipped, fmt.Errorf("line %d: %w", line, err)
		}
		if res.Skipped {
			skipped++
		} else {
			applied++
		}
	}
	return applied, skipped, scanner.Err()
}
