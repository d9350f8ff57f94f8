// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package oblog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/asch/bspool/internal/objstore/memstore"
)

type entry struct {
	Block uint64 `json:"block"`
	Size  uint32 `json:"size"`
}

func collect(t *testing.T, iter func(func(entry) error) error) []entry {
	t.Helper()
	var got []entry
	require.NoError(t, iter(func(e entry) error {
		got = append(got, e)
		return nil
	}))
	return got
}

func TestAppendFlushIterate(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	l := Create[entry](store, "zfs/1/TestLog")

	for i := uint64(0); i < 5; i++ {
		l.Append(1, entry{Block: i, Size: 16})
	}
	require.Equal(t, 5, l.NumPending())

	// Nothing durable before the flush.
	got := collect(t, func(fn func(entry) error) error { return l.Iterate(ctx, fn) })
	require.Empty(t, got)

	require.NoError(t, l.Flush(ctx, 1))
	require.Equal(t, uint64(1), l.NumChunks())
	require.Equal(t, uint64(5), l.NumEntries())

	got = collect(t, func(fn func(entry) error) error { return l.Iterate(ctx, fn) })
	require.Len(t, got, 5)
	for i, e := range got {
		require.Equal(t, uint64(i), e.Block)
	}
}

func TestTwoPhaseIteration(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	l := Create[entry](store, "zfs/1/TestLog")

	for i := uint64(0); i < 3; i++ {
		l.Append(1, entry{Block: i})
	}
	require.NoError(t, l.Flush(ctx, 1))

	var most []entry
	rem, err := l.IterMost(ctx, func(e entry) error {
		most = append(most, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, most, 3)

	// Entries appended after the snapshot belong to the remainder, even
	// while they are still pending: IterRemainder flushes first.
	l.Append(2, entry{Block: 10})
	l.Append(2, entry{Block: 11})

	var suffix []entry
	require.NoError(t, l.IterRemainder(ctx, 2, rem, func(e entry) error {
		suffix = append(suffix, e)
		return nil
	}))
	require.Equal(t, []entry{{Block: 10}, {Block: 11}}, suffix)
}

func TestClearStartsNewGeneration(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	l := Create[entry](store, "zfs/1/TestLog")

	l.Append(1, entry{Block: 1})
	require.NoError(t, l.Flush(ctx, 1))
	require.NoError(t, l.Clear(ctx, 1))

	require.Equal(t, uint64(0), l.NumChunks())
	got := collect(t, func(fn func(entry) error) error { return l.Iterate(ctx, fn) })
	require.Empty(t, got)

	l.Append(1, entry{Block: 2})
	require.NoError(t, l.Flush(ctx, 1))
	got = collect(t, func(fn func(entry) error) error { return l.Iterate(ctx, fn) })
	require.Equal(t, []entry{{Block: 2}}, got)

	// A stale remainder from before the clear is rejected.
	rem := Remainder{}
	require.Error(t, l.IterRemainder(ctx, 1, rem, func(entry) error { return nil }))

	// The old generation's chunks are deleted in the background.
	require.Eventually(t, func() bool {
		infos, err := store.ListObjects(ctx, "zfs/1/TestLog/0000000000/", "")
		return err == nil && len(infos) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRecoverDiscardsUncommitted(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	l := Create[entry](store, "zfs/1/TestLog")

	l.Append(1, entry{Block: 1})
	l.Append(1, entry{Block: 2})
	require.NoError(t, l.Flush(ctx, 1))
	committed := l.Phys()

	// A later flush and a cleared generation that never made it into an
	// uberblock.
	l.Append(2, entry{Block: 3})
	require.NoError(t, l.Flush(ctx, 2))
	require.NoError(t, store.PutObject(ctx,
		fmt.Sprintf("zfs/1/TestLog/%010d/%010d", committed.Generation+1, 0), []byte("{}")))

	reopened := Open[entry](store, "zfs/1/TestLog", committed)
	require.NoError(t, reopened.Recover(ctx))

	infos, err := store.ListObjects(ctx, "zfs/1/TestLog/", "")
	require.NoError(t, err)
	require.Len(t, infos, 1)

	got := collect(t, func(fn func(entry) error) error { return reopened.Iterate(ctx, fn) })
	require.Equal(t, []entry{{Block: 1}, {Block: 2}}, got)
}
