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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"reef/internal/store"
	"reef/pkg/broker"
)

func TestArchiveMovesOldTerminalJobs(t *testing.T) {
	b, st, _, clock := newTestBroker(t)
	ctx := context.Background()

	arch, err := OpenArchive(ctx, t.TempDir())
	require.NoError(t, err)
	defer arch.Close()

	// Complete one job a week in the past, fail another now.
	caps := registerSim(t, b, "w1")
	base := clock.now()
	clock.set(base - (7 * 24 * time.Hour).Milliseconds())

	submitSim(t, b, "old", 50)
	_, err = b.Claim(ctx, caps)
	require.NoError(t, err)
	require.NoError(t, b.Complete(ctx, "old", "w1", []byte(`{"ok":true}`)))
	oldDate := time.UnixMilli(clock.now()).UTC().Format("2006-01-02")

	clock.set(base)
	submitSim(t, b, "fresh", 50)
	_, err = b.Claim(ctx, caps)
	require.NoError(t, err)
	require.NoError(t, b.Fail(ctx, "fresh", "w1", "boom", false))

	moved, err := b.ArchiveOlderThan(ctx, arch, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	// The old job left the store entirely.
	_, err = st.GetJob(ctx, "old")
	require.True(t, errors.Is(err, store.ErrNotFound))
	completed, err := st.CompletedJobs(ctx)
	require.NoError(t, err)
	require.NotContains(t, completed, "old")
	entries, err := st.ProgressEntries(ctx, "old", 10)
	require.NoError(t, err)
	require.Empty(t, entries)

	// The fresh failure stayed.
	_, err = st.GetJob(ctx, "fresh")
	require.NoError(t, err)

	n, err := arch.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	pn, err := arch.PartitionCount(ctx, oldDate, string(broker.JobStatusCompleted))
	require.NoError(t, err)
	require.Equal(t, 1, pn)
}

func TestArchiveIsIdempotent(t *testing.T) {
	b, _, _, clock := newTestBroker(t)
	ctx := context.Background()

	arch, err := OpenArchive(ctx, t.TempDir())
	require.NoError(t, err)
	defer arch.Close()

	caps := registerSim(t, b, "w1")
	base := clock.now()
	clock.set(base - (48 * time.Hour).Milliseconds())
	submitSim(t, b, "j1", 50)
	_, err = b.Claim(ctx, caps)
	require.NoError(t, err)
	require.NoError(t, b.Complete(ctx, "j1", "w1", nil))
	clock.set(base)

	moved, err := b.ArchiveOlderThan(ctx, arch, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	// Same window again: nothing left to move.
	moved, err = b.ArchiveOlderThan(ctx, arch, 24*time.Hour)
	require.NoError(t, err)
	require.Zero(t, moved)

	n, err := arch.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
