// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/asch/bspool/internal/objstore/memstore"
	"github.com/asch/bspool/internal/pool/objectmap"
	"github.com/asch/bspool/internal/pool/phys"
)

// replayWrites resends a block range the way a client does after a crash:
// concurrently, then waits until every write is buffered in the pool.
func replayWrites(t *testing.T, p *Pool, g *errgroup.Group, first, last phys.BlockID) {
	t.Helper()
	ctx := context.Background()
	for id := first; id <= last; id++ {
		id := id
		g.Go(func() error { return p.WriteBlock(ctx, id, testBlock(id)) })
	}
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.ss.pendingUnorderedWrites) == int(last-first+1)
	}, 10*time.Second, time.Millisecond)
}

func TestResumeAfterCrashBetweenPuts(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, Create(ctx, store, "p", testGUID))

	p, _, _, err := Open(ctx, store, testGUID, DefaultTunables())
	require.NoError(t, err)

	// Run the 100-block TXG but let the store die after a single data
	// object PUT: one of the two objects persists, the other is lost,
	// emulating a crash between the PUTs.
	require.NoError(t, p.BeginTXG(1))
	store.FailAfterPuts(1)
	require.NoError(t, p.InitiateFlush(ctx, 99))
	var crashed errgroup.Group
	for id := phys.BlockID(0); id <= 99; id++ {
		id := id
		crashed.Go(func() error { return p.WriteBlock(ctx, id, testBlock(id)) })
	}
	// Some writes fail with the store; that is the crash.
	_ = crashed.Wait()
	store.Revive()

	// The process comes back up: the super still says last_txg = 0, the
	// kernel knows txg 1 was in flight, so it resumes instead of
	// beginning.
	p2, ub, nextBlock, err := Open(ctx, store, testGUID, DefaultTunables())
	require.NoError(t, err)
	require.Nil(t, ub)
	require.Equal(t, phys.BlockID(0), nextBlock)

	require.NoError(t, p2.ResumeTXG(1))

	var g errgroup.Group
	replayWrites(t, p2, &g, 0, 99)
	require.NoError(t, p2.ResumeComplete(ctx))

	// The tail of the replay stays pending; the TXG continues as usual.
	require.NoError(t, p2.InitiateFlush(ctx, 99))
	require.NoError(t, g.Wait())
	require.NoError(t, p2.EndTXG(ctx, []byte("ub"), []byte("cfg")))

	// Final state is the no-crash outcome of the same TXG: all 100
	// blocks readable, the same totals, a contiguous object map.
	stats := p2.Stats()
	require.Equal(t, uint64(100), stats.BlocksCount)
	require.Equal(t, uint64(100*16384), stats.BlocksBytes)
	require.Equal(t, uint64(2), stats.ObjectsCount)

	for id := phys.BlockID(0); id <= 99; id++ {
		data, err := p2.ReadBlock(ctx, id)
		require.NoError(t, err)
		require.Equal(t, testBlock(id), data)
	}

	entries := mapEntries(p2)
	require.Len(t, entries, 2)
	require.Equal(t, phys.BlockID(0), entries[0].Block)

	// And the pool reopens cleanly at txg 1.
	p3, ub3, nb3, err := Open(ctx, store, testGUID, DefaultTunables())
	require.NoError(t, err)
	require.Equal(t, phys.TXG(1), ub3.TXG)
	require.Equal(t, phys.BlockID(100), nb3)
	require.Equal(t, uint64(100), p3.Stats().BlocksCount)
}

func TestResumeNothingPersisted(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, Create(ctx, store, "p", testGUID))

	p, _, _, err := Open(ctx, store, testGUID, DefaultTunables())
	require.NoError(t, err)

	// Crash before any data object made it out.
	require.NoError(t, p.BeginTXG(1))
	store.FailAfterPuts(0)
	var crashed errgroup.Group
	for id := phys.BlockID(0); id < 3; id++ {
		id := id
		crashed.Go(func() error { return p.WriteBlock(ctx, id, testBlock(id)) })
	}
	require.NoError(t, p.InitiateFlush(ctx, 2))
	_ = crashed.Wait()
	store.Revive()

	p2, _, _, err := Open(ctx, store, testGUID, DefaultTunables())
	require.NoError(t, err)
	require.NoError(t, p2.ResumeTXG(1))

	var g errgroup.Group
	replayWrites(t, p2, &g, 0, 2)
	require.NoError(t, p2.ResumeComplete(ctx))
	require.NoError(t, p2.InitiateFlush(ctx, 2))
	require.NoError(t, g.Wait())
	require.NoError(t, p2.EndTXG(ctx, nil, nil))

	require.Equal(t, []objectmap.Entry{{Obj: 1, Block: 0}}, mapEntries(p2))
	for id := phys.BlockID(0); id < 3; id++ {
		data, err := p2.ReadBlock(ctx, id)
		require.NoError(t, err)
		require.Equal(t, testBlock(id), data)
	}
}

func TestResumeEverythingPersisted(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, Create(ctx, store, "p", testGUID))

	p, _, _, err := Open(ctx, store, testGUID, DefaultTunables())
	require.NoError(t, err)

	// The data objects all made it out; the crash hit before the logs
	// and uberblock did.
	require.NoError(t, p.BeginTXG(1))
	writeAll(t, p, 0, 99)
	store.FailAfterPuts(0)
	require.Error(t, p.EndTXG(ctx, nil, nil))
	store.Revive()

	p2, _, _, err := Open(ctx, store, testGUID, DefaultTunables())
	require.NoError(t, err)
	require.NoError(t, p2.ResumeTXG(1))

	var g errgroup.Group
	replayWrites(t, p2, &g, 0, 99)
	require.NoError(t, p2.ResumeComplete(ctx))

	// Every replayed write was already durable, so all of them complete
	// without another flush.
	require.NoError(t, g.Wait())
	require.NoError(t, p2.EndTXG(ctx, nil, nil))

	stats := p2.Stats()
	require.Equal(t, uint64(100), stats.BlocksCount)
	require.Equal(t, uint64(2), stats.ObjectsCount)
	for _, id := range []phys.BlockID{0, 64, 99} {
		data, err := p2.ReadBlock(ctx, id)
		require.NoError(t, err)
		require.Equal(t, testBlock(id), data)
	}
}

func TestResumeRequiresNoOpenTXG(t *testing.T) {
	p, _ := newTestPool(t, DefaultTunables())
	require.NoError(t, p.BeginTXG(1))
	require.ErrorIs(t, p.ResumeTXG(2), ErrTXGInProgress)
}
