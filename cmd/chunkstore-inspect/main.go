// cmd/chunkstore-inspect implements a debug CLI: it parses command-line
// flags, fetches a JSON snapshot from a running chunkstore process (served
// at /debug/chunkstore/snapshot under -target), and prints it either as
// pretty text or JSON. An optional -history-db flag opens a local
// BadgerDB and appends each polled snapshot keyed by its poll timestamp,
// so an operator diffing a long-running store can see counter deltas
// across polls without re-querying the remote process.
//
// The snapshot payload is decoded into map[string]any rather than a
// fixed struct, to avoid version skew between this CLI and whatever
// library version the target process embeds.
//
// © 2025 chunkstore authors. MIT License.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

type options struct {
	target     string
	watch      bool
	interval   time.Duration
	jsonOutput bool
	historyDB  string
}

func parseFlags() *options {
	o := &options{}
	flag.StringVar(&o.target, "target", "http://localhost:8088", "base URL of a running chunkstore example server")
	flag.BoolVar(&o.watch, "watch", false, "keep polling at -interval until interrupted")
	flag.DurationVar(&o.interval, "interval", 5*time.Second, "poll interval in -watch mode")
	flag.BoolVar(&o.jsonOutput, "json", false, "print raw JSON instead of a formatted summary")
	flag.StringVar(&o.historyDB, "history-db", "", "optional path to a BadgerDB directory that accumulates every polled snapshot")
	flag.Parse()
	return o
}

func main() {
	opts := parseFlags()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var history *badger.DB
	if opts.historyDB != "" {
		db, err := badger.Open(badger.DefaultOptions(opts.historyDB).WithLogger(nil))
		if err != nil {
			fatal(fmt.Errorf("open history db: %w", err))
		}
		defer db.Close()
		history = db
	}

	if opts.watch {
		ticker := time.NewTicker(opts.interval)
		defer ticker.Stop()
		for {
			if err := dumpOnce(ctx, opts, history); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			select {
			case <-ticker.C:
				continue
			case <-ctx.Done():
				return
			}
		}
	}

	if err := dumpOnce(ctx, opts, history); err != nil {
		fatal(err)
	}
}

func dumpOnce(ctx context.Context, opts *options, history *badger.DB) error {
	snap, err := fetchSnapshot(ctx, opts.target)
	if err != nil {
		return err
	}

	if history != nil {
		if err := recordSnapshot(history, snap); err != nil {
			fmt.Fprintln(os.Stderr, "history write failed:", err)
		}
	}

	if opts.jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	return prettyPrint(snap)
}

func fetchSnapshot(ctx context.Context, base string) (map[string]any, error) {
	url := base + "/debug/chunkstore/snapshot"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", res.Status)
	}
	var data map[string]any
	if err := json.NewDecoder(res.Body).Decode(&data); err != nil {
		return nil, err
	}
	return data, nil
}

// recordSnapshot appends snap to history under a monotonically
// increasing key so that prior polls are never overwritten.
func recordSnapshot(db *badger.DB, snap map[string]any) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	key := []byte("poll-" + strconv.FormatInt(time.Now().UnixNano(), 10))
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, body)
	})
}

func prettyPrint(data map[string]any) error {
	fmt.Printf("puts:      %v\n", data["puts_total"])
	fmt.Printf("gets:      %v\n", data["gets_total"])
	fmt.Printf("bytes in:  %v\n", data["bytes_in_total"])
	fmt.Printf("bytes out: %v\n", data["bytes_out_total"])
	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "chunkstore-inspect:", err)
	os.Exit(1)
}
