package main

// Reef is a distributed job broker for AI workloads.
// Copyright (C) 2025 The Reef Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"reef/internal/core"
	"reef/internal/logging"
	"reef/internal/store"
)

const usage = `usage: reef-admin <command> [flags]

commands:
  jobs      show queue counts and pending job ids
  workers   list registered workers
  sync      reconcile one job record (-job <id>)
  archive   move old terminal jobs to the archive (-older-than <dur>, -dir <path>)
  events    print recent lifecycle events (-n <count>)

STORE_URL selects the state store.`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	storeURL := os.Getenv("STORE_URL")
	if storeURL == "" {
		fmt.Fprintln(os.Stderr, "reef-admin: STORE_URL is required and not set")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	st, err := store.Open(ctx, storeURL)
	if err != nil {
		fatal(err)
	}
	defer st.Close()

	log := logging.New(os.Getenv("LOG_LEVEL"))
	brk := core.New(st, nil, log, 0)

	switch os.Args[1] {
	case "jobs":
		err = showJobs(ctx, st)
	case "workers":
		err = showWorkers(ctx, st)
	case "sync":
		err = syncJob(ctx, brk, os.Args[2:])
	case "archive":
		err = runArchive(ctx, brk, os.Args[2:])
	case "events":
		err = showEvents(ctx, st, os.Args[2:])
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "reef-admin: %v\n", err)
	os.Exit(1)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func showJobs(ctx context.Context, st *store.Store) error {
	pending, err := st.PendingIDs(ctx)
	if err != nil {
		return err
	}
	completed, err := st.CompletedJobs(ctx)
	if err != nil {
		return err
	}
	failed, err := st.FailedJobs(ctx)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"pending":         pending,
		"pending_count":   len(pending),
		"completed_count": len(completed),
		"failed_count":    len(failed),
	})
}

func showWorkers(ctx context.Context, st *store.Store) error {
	workers, err := st.ListWorkers(ctx)
	if err != nil {
		return err
	}
	return printJSON(workers)
}

func syncJob(ctx context.Context, brk *core.Broker, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	jobID := fs.String("job", "", "job id to reconcile")
	_ = fs.Parse(args)
	if *jobID == "" {
		return fmt.Errorf("sync: -job is required")
	}
	job, err := brk.Sync(ctx, *jobID)
	if err != nil {
		return err
	}
	return printJSON(job)
}

func runArchive(ctx context.Context, brk *core.Broker, args []string) error {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)
	olderThan := fs.Duration("older-than", 0, "terminal-age cutoff, e.g. 168h")
	dir := fs.String("dir", os.Getenv("ARCHIVE_DIR"), "archive partition root")
	_ = fs.Parse(args)
	if *olderThan <= 0 {
		return fmt.Errorf("archive: -older-than must be positive")
	}
	if *dir == "" {
		return fmt.Errorf("archive: -dir or ARCHIVE_DIR is required")
	}
	arch, err := core.OpenArchive(ctx, *dir)
	if err != nil {
		return err
	}
	defer arch.Close()
	moved, err := brk.ArchiveOlderThan(ctx, arch, *olderThan)
	if err != nil {
		return err
	}
	fmt.Printf("archived %d jobs\n", moved)
	return nil
}

func showEvents(ctx context.Context, st *store.Store, args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	n := fs.Int64("n", 50, "number of events to show")
	_ = fs.Parse(args)
	events, err := st.EventHistory(ctx, *n)
	if err != nil {
		return err
	}
	return printJSON(events)
}
