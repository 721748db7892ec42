package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"media-cache/internal/store"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: cachedb -db <path> <command>

Offline maintenance for a media cache database. Run only while no other
process has the database open.

Commands:
  check            Run the integrity check and report the result
  checkpoint       Flush the write-ahead log into the main database file
  stats            Print record counts by media kind and lifecycle state
  purge-deleted    Hard-delete tombstone records

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	dbPath := flag.String("db", "", "path to the cache database file")
	timeout := flag.Duration("timeout", 30*time.Second, "overall command timeout")
	flag.Usage = printUsage
	flag.Parse()

	if *dbPath == "" || flag.NArg() != 1 {
		printUsage()
		os.Exit(2)
	}

	if _, err := os.Stat(*dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot access database: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	backend := store.NewSQLite(*dbPath)
	if err := backend.Open(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = backend.Close()
	}()

	var err error
	switch flag.Arg(0) {
	case "check":
		err = runCheck(ctx, backend)
	case "checkpoint":
		err = runCheckpoint(ctx, backend)
	case "stats":
		err = runStats(ctx, backend)
	case "purge-deleted":
		err = runPurgeDeleted(ctx, backend)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", flag.Arg(0))
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCheck(ctx context.Context, backend store.Backend) error {
	if err := backend.CheckIntegrity(ctx); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	fmt.Println("Integrity check passed")
	return nil
}

func runCheckpoint(ctx context.Context, backend store.Backend) error {
	if err := backend.Checkpoint(ctx); err != nil {
		return fmt.Errorf("checkpoint failed: %w", err)
	}
	fmt.Println("Write-ahead log checkpointed")
	return nil
}

func runStats(ctx context.Context, backend store.Backend) error {
	items, err := backend.ListItems(ctx)
	if err != nil {
		return err
	}

	byKind := make(map[string]int)
	byState := make(map[store.State]int)
	var totalBytes int64
	for i := range items {
		byKind[string(items[i].Kind)]++
		byState[items[i].State()]++
		totalBytes += items[i].Size
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Records:\t%d\n", len(items))
	fmt.Fprintf(w, "Cached bytes:\t%d\n", totalBytes)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Kind\tCount")
	for kind, n := range byKind {
		fmt.Fprintf(w, "%s\t%d\n", kind, n)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "State\tCount")
	for _, state := range []store.State{store.StateFresh, store.StateDownloading, store.StateAvailable, store.StateFailed, store.StateDeleted} {
		fmt.Fprintf(w, "%s\t%d\n", state, byState[state])
	}
	return w.Flush()
}

func runPurgeDeleted(ctx context.Context, backend store.Backend) error {
	items, err := backend.ListItems(ctx)
	if err != nil {
		return err
	}

	purged := 0
	for i := range items {
		if items[i].State() != store.StateDeleted {
			continue
		}
		if err := backend.DeleteItem(ctx, items[i].Key); err != nil {
			return fmt.Errorf("failed to purge %s: %w", items[i].Key, err)
		}
		purged++
	}
	fmt.Printf("Purged %d tombstone records\n", purged)
	return nil
}
