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

package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"reef/internal/metrics"
	"reef/internal/store"
	"reef/pkg/broker"
)

const archiveBusyTimeout = 5 * time.Second

// Archive is the SQLite store terminal jobs are moved into. One row per
// job keyed by id, plus a per-(date, status) partition ledger.
type Archive struct {
	db *sql.DB
}

// OpenArchive opens (or creates) the archive database under dir, applies
// connection pragmas, and runs migrations.
func OpenArchive(ctx context.Context, dir string) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	path := filepath.Join(dir, "archive.db")
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, int(archiveBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(2)
	db.SetMaxOpenConns(4)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping archive: %w", err)
	}
	a := &Archive{db: db}
	if err := a.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return a, nil
}

// Close closes the archive database.
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *Archive) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS archive_jobs (
			id             TEXT PRIMARY KEY,
			status         TEXT NOT NULL,
			partition_date TEXT NOT NULL,
			record         TEXT NOT NULL,
			archived_at    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_archive_jobs_partition
			ON archive_jobs(partition_date, status)`,
		`CREATE TABLE IF NOT EXISTS archive_partitions (
			partition_date TEXT NOT NULL,
			status         TEXT NOT NULL,
			job_count      INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (partition_date, status)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// insert writes one job into the archive, bumping the partition counter
// only when the row is new. Returns whether the row was inserted; a repeat
// id is a no-op, which makes archival idempotent per job.
func (a *Archive) insert(ctx context.Context, job *broker.Job, partitionDate string, archivedAt int64) (bool, error) {
	record, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO archive_jobs (id, status, partition_date, record, archived_at)
		 VALUES (?, ?, ?, ?, ?)`,
		job.ID, string(job.Status), partitionDate, string(record), archivedAt)
	if err != nil {
		return false, fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO archive_partitions (partition_date, status, job_count)
			 VALUES (?, ?, 1)
			 ON CONFLICT(partition_date, status) DO UPDATE SET job_count = job_count + 1`,
			partitionDate, string(job.Status))
		if err != nil {
			return false, fmt.Errorf("update partition: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return n > 0, nil
}

// Count returns the number of archived jobs. Tests and admin tooling.
func (a *Archive) Count(ctx context.Context) (int, error) {
	var n int
	err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM archive_jobs`).Scan(&n)
	return n, err
}

// PartitionCount returns the ledger count for one (date, status) partition.
func (a *Archive) PartitionCount(ctx context.Context, date, status string) (int, error) {
	var n int
	err := a.db.QueryRowContext(ctx,
		`SELECT job_count FROM archive_partitions WHERE partition_date = ? AND status = ?`,
		date, status).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

// ArchiveOlderThan moves completed and failed jobs whose terminal timestamp
// is older than the cutoff into the archive, then deletes them from the
// store. Returns the number of jobs moved. Safe to re-run: already-archived
// ids move zero rows and are still cleaned out of the store.
func (b *Broker) ArchiveOlderThan(ctx context.Context, arch *Archive, olderThan time.Duration) (int, error) {
	cutoff := b.now() - olderThan.Milliseconds()
	moved := 0

	completed, err := b.store.CompletedJobs(ctx)
	if err != nil {
		return moved, broker.StorageError("completed jobs", err)
	}
	failed, err := b.store.FailedJobs(ctx)
	if err != nil {
		return moved, broker.StorageError("failed jobs", err)
	}

	for _, batch := range []map[string]int64{completed, failed} {
		for id, ts := range batch {
			if ts > cutoff {
				continue
			}
			n, err := b.archiveOne(ctx, arch, id, ts)
			if err != nil {
				return moved, err
			}
			moved += n
		}
	}
	if moved > 0 {
		metrics.AddArchived(moved)
		b.log.Info("archived jobs", "count", moved, "older_than", olderThan)
	}
	return moved, nil
}

func (b *Broker) archiveOne(ctx context.Context, arch *Archive, id string, terminalTS int64) (int, error) {
	job, err := b.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		// Record already gone; drop the dangling terminal-map entry.
		if err := b.store.RemoveTerminal(ctx, id); err != nil {
			return 0, broker.StorageError("remove terminal", err)
		}
		return 0, nil
	}
	if err != nil {
		return 0, broker.StorageError("get job", err)
	}

	date := time.UnixMilli(terminalTS).UTC().Format("2006-01-02")
	inserted, err := arch.insert(ctx, job, date, b.now())
	if err != nil {
		return 0, err
	}

	// Only after the archive row is durable does the store copy go away.
	if err := b.store.DeleteProgress(ctx, id); err != nil {
		return 0, broker.StorageError("delete progress", err)
	}
	if err := b.store.DeleteJob(ctx, id); err != nil {
		return 0, broker.StorageError("delete job", err)
	}
	if err := b.store.RemoveTerminal(ctx, id); err != nil {
		return 0, broker.StorageError("remove terminal", err)
	}
	if inserted {
		return 1, nil
	}
	return 0, nil
}
