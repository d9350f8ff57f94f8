// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package pool

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/asch/bspool/internal/objstore/memstore"
	"github.com/asch/bspool/internal/pool/objectmap"
	"github.com/asch/bspool/internal/pool/phys"
)

const testGUID = phys.PoolGUID(1)

func newTestPool(t *testing.T, tun Tunables) (*Pool, *memstore.MemStore) {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, Create(ctx, store, "p", testGUID))

	p, ub, nextBlock, err := Open(ctx, store, testGUID, tun)
	require.NoError(t, err)
	require.Nil(t, ub)
	require.Equal(t, phys.BlockID(0), nextBlock)
	return p, store
}

// testBlock builds a 16 KiB payload recognizable by its block id.
func testBlock(id phys.BlockID) []byte {
	return bytes.Repeat([]byte{byte(id), byte(id >> 8)}, 8192)
}

// writeAll replays blocks concurrently (each WriteBlock parks until its
// object is persisted) and requests a flush up to the last block.
func writeAll(t *testing.T, p *Pool, first, last phys.BlockID) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, p.InitiateFlush(ctx, last))

	var g errgroup.Group
	for id := first; id <= last; id++ {
		id := id
		g.Go(func() error { return p.WriteBlock(ctx, id, testBlock(id)) })
	}
	require.NoError(t, g.Wait())
}

func mapEntries(p *Pool) []objectmap.Entry {
	p.mapMu.RLock()
	defer p.mapMu.RUnlock()

	var entries []objectmap.Entry
	p.objects.Iterate(func(e objectmap.Entry) { entries = append(entries, e) })
	return entries
}

func TestOpenEmptyPool(t *testing.T) {
	// Creating and opening a never-synced pool yields no uberblock and a
	// zero block frontier.
	newTestPool(t, DefaultTunables())
}

func TestCreateExisting(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, Create(ctx, store, "p", testGUID))
	require.ErrorIs(t, Create(ctx, store, "p", testGUID), ErrExists)

	exists, err := Exists(ctx, store, testGUID)
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = Exists(ctx, store, 99)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestSingleBlockTXG(t *testing.T) {
	ctx := context.Background()
	p, store := newTestPool(t, DefaultTunables())

	require.NoError(t, p.BeginTXG(1))
	require.NoError(t, p.InitiateFlush(ctx, 0))
	require.NoError(t, p.WriteBlock(ctx, 0, []byte("hello")))
	require.NoError(t, p.EndTXG(ctx, []byte("ub"), []byte("cfg")))

	data, err := p.ReadBlock(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)

	cfg, err := GetConfig(ctx, store, testGUID)
	require.NoError(t, err)
	require.Equal(t, []byte("cfg"), cfg)

	// Reopen from the store: the committed state comes back.
	p2, ub, nextBlock, err := Open(ctx, store, testGUID, DefaultTunables())
	require.NoError(t, err)
	require.NotNil(t, ub)
	require.Equal(t, phys.TXG(1), ub.TXG)
	require.Equal(t, phys.BlockID(1), nextBlock)
	require.Equal(t, uint64(1), p2.Stats().BlocksCount)

	data, err = p2.ReadBlock(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)
}

func TestPackMultipleObjects(t *testing.T) {
	ctx := context.Background()
	p, store := newTestPool(t, DefaultTunables())

	// 100 blocks of 16 KiB with a 1 MiB object bound pack into exactly
	// two data objects split at block 64.
	require.NoError(t, p.BeginTXG(1))
	writeAll(t, p, 0, 99)
	require.NoError(t, p.EndTXG(ctx, nil, nil))

	require.Equal(t, []objectmap.Entry{{Obj: 1, Block: 0}, {Obj: 2, Block: 64}}, mapEntries(p))

	stats := p.Stats()
	require.Equal(t, uint64(100), stats.BlocksCount)
	require.Equal(t, uint64(100*16384), stats.BlocksBytes)
	require.Equal(t, uint64(2), stats.ObjectsCount)

	for _, id := range []phys.BlockID{0, 63, 64, 99} {
		data, err := p.ReadBlock(ctx, id)
		require.NoError(t, err)
		require.Equal(t, testBlock(id), data)
	}

	infos, err := store.ListObjects(ctx, "zfs/1/data/", "")
	require.NoError(t, err)
	require.Len(t, infos, 2)
}

func TestOutOfOrderWrites(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t, DefaultTunables())

	require.NoError(t, p.BeginTXG(1))
	require.NoError(t, p.InitiateFlush(ctx, 2))

	// Writes arrive out of order; the object packs them in block order
	// and every completion fires only after the object is persisted.
	var g errgroup.Group
	for _, w := range []struct {
		id   phys.BlockID
		data string
	}{{2, "c"}, {0, "a"}, {1, "b"}} {
		w := w
		g.Go(func() error { return p.WriteBlock(ctx, w.id, []byte(w.data)) })
	}
	require.NoError(t, g.Wait())
	require.NoError(t, p.EndTXG(ctx, nil, nil))

	for id, want := range []string{"a", "b", "c"} {
		data, err := p.ReadBlock(ctx, phys.BlockID(id))
		require.NoError(t, err)
		require.Equal(t, want, string(data))
	}

	obj, err := phys.GetDataObject(ctx, p.shared.Store, testGUID, 1)
	require.NoError(t, err)
	require.Equal(t, phys.BlockID(0), obj.MinBlock)
	require.Equal(t, phys.BlockID(3), obj.NextBlock)
	require.Len(t, obj.Blocks, 3)
}

func TestProtocolMisuse(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t, DefaultTunables())

	require.ErrorIs(t, p.WriteBlock(ctx, 0, []byte("x")), ErrNoTXG)
	require.ErrorIs(t, p.FreeBlock(ctx, 0, 1), ErrNoTXG)
	require.ErrorIs(t, p.EndTXG(ctx, nil, nil), ErrNoTXG)

	require.NoError(t, p.BeginTXG(1))
	require.ErrorIs(t, p.BeginTXG(2), ErrTXGInProgress)
	require.NoError(t, p.EndTXG(ctx, nil, nil))

	require.ErrorIs(t, p.BeginTXG(1), ErrBadTXG)
	require.NoError(t, p.BeginTXG(2))
	require.NoError(t, p.EndTXG(ctx, nil, nil))
}

func TestFreeUpdatesStats(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t, DefaultTunables())

	require.NoError(t, p.BeginTXG(1))
	require.NoError(t, p.InitiateFlush(ctx, 3))
	var g errgroup.Group
	for id := phys.BlockID(0); id < 4; id++ {
		id := id
		g.Go(func() error { return p.WriteBlock(ctx, id, testBlock(id)) })
	}
	require.NoError(t, g.Wait())
	require.NoError(t, p.EndTXG(ctx, nil, nil))

	require.NoError(t, p.BeginTXG(2))
	require.NoError(t, p.FreeBlock(ctx, 1, 16384))
	require.NoError(t, p.FreeBlock(ctx, 2, 16384))

	stats := p.Stats()
	require.Equal(t, uint64(2), stats.PendingFreesCount)
	require.Equal(t, uint64(2*16384), stats.PendingFreesBytes)

	// The stats surface keeps the original property names, including the
	// allocated/freeing alias.
	allocated, err := p.GetProp("zoa_allocated")
	require.NoError(t, err)
	require.Equal(t, uint64(2*16384), allocated)
	freeing, err := p.GetProp("zoa_freeing")
	require.NoError(t, err)
	require.Equal(t, allocated, freeing)
	objects, err := p.GetProp("zoa_objects")
	require.NoError(t, err)
	require.Equal(t, uint64(1), objects)
	_, err = p.GetProp("nonsense")
	require.Error(t, err)

	require.NoError(t, p.EndTXG(ctx, nil, nil))

	// Frees survive a reopen through the pending frees log.
	p2, _, _, err := Open(ctx, p.shared.Store, testGUID, DefaultTunables())
	require.NoError(t, err)
	require.Equal(t, uint64(2), p2.Stats().PendingFreesCount)
}

func TestOverwriteWithinTXG(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t, DefaultTunables())

	require.NoError(t, p.BeginTXG(1))
	require.NoError(t, p.InitiateFlush(ctx, 1))
	var g errgroup.Group
	for id := phys.BlockID(0); id < 2; id++ {
		id := id
		g.Go(func() error { return p.WriteBlock(ctx, id, []byte("old!")) })
	}
	require.NoError(t, g.Wait())

	// A write below the frontier rewrites the already-flushed object in
	// place (sync to convergence). The size must stay put.
	require.NoError(t, p.WriteBlock(ctx, 0, []byte("new!")))
	require.Error(t, p.WriteBlock(ctx, 1, []byte("longer than before")))

	require.NoError(t, p.EndTXG(ctx, nil, nil))

	data, err := p.ReadBlock(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("new!"), data)
	data, err = p.ReadBlock(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("old!"), data)
}

func TestReadBlockMissing(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t, DefaultTunables())

	_, err := p.ReadBlock(ctx, 17)
	require.ErrorIs(t, err, ErrBlockMissing)
}
