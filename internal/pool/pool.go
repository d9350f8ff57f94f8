// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package pool implements the transactional storage pool engine. The pool
// persists client blocks and its own metadata exclusively into an object
// store: small blocks are packed into size-bounded immutable data objects,
// metadata changes stream into three object based logs, and every
// transaction group commits by flushing the logs, writing an uberblock
// that publishes their descriptors, and finally updating the pool header.
//
// A pool has one active writer at a time. All public mutations serialize
// on the syncing state; the block to object map takes many readers and is
// only written from syncing context.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/asch/bspool/internal/objstore"
	"github.com/asch/bspool/internal/pool/objectmap"
	"github.com/asch/bspool/internal/pool/oblog"
	"github.com/asch/bspool/internal/pool/phys"
)

// Protocol misuse errors, returned to the caller.
var (
	ErrNoTXG         = errors.New("pool: no transaction group in progress")
	ErrTXGInProgress = errors.New("pool: transaction group already in progress")
	ErrBadTXG        = errors.New("pool: transaction group must be after the last committed one")
	ErrExists        = errors.New("pool: pool already exists")
	ErrBlockMissing  = errors.New("pool: block not found")
)

// Tunables bound the engine's packing, reclaim and condense behavior. The
// zero value is not usable; start from DefaultTunables.
type Tunables struct {
	// MaxBytesPerObject is the packed payload at which a data object is
	// flushed; the block that reaches it may carry the object past it.
	MaxBytesPerObject uint32

	// Reclaim starts when pending frees reach max(FreeMinBlocks,
	// FreeHighwaterPct% of all blocks) and stops launching work once
	// enough is freed to drop below FreeLowwaterPct%.
	FreeHighwaterPct float64
	FreeLowwaterPct  float64
	FreeMinBlocks    uint64

	// A metadata log is condensed when it exceeds LogCondenseMinChunks
	// plus LogCondenseMultiple times its minimal representation.
	LogCondenseMinChunks int
	LogCondenseMultiple  int

	// Concurrency bounds for reclaim object rewrites and resume GETs.
	ReclaimConcurrency int64
	ResumeConcurrency  int

	// DeleteBatch keys per background delete call, below the backend's
	// rate limit trip point.
	DeleteBatch int
}

func DefaultTunables() Tunables {
	return Tunables{
		MaxBytesPerObject:    1024 * 1024,
		FreeHighwaterPct:     10,
		FreeLowwaterPct:      9,
		FreeMinBlocks:        1000,
		LogCondenseMinChunks: 30,
		LogCondenseMultiple:  5,
		ReclaimConcurrency:   30,
		ResumeConcurrency:    50,
		DeleteBatch:          900,
	}
}

// Shared is the small immutable state shared by the pool, its logs and its
// background tasks. Logs hold a reference to Shared and never back to the
// syncing state, which keeps the ownership graph acyclic.
type Shared struct {
	Store objstore.ObjectStore
	GUID  phys.PoolGUID
	Name  string
	Tun   Tunables
}

// Pool is the main storage pool handle.
type Pool struct {
	shared *Shared

	// mu guards ss for the duration of every public mutation. It is
	// released before waiting on I/O whose completion a caller awaits.
	mu sync.Mutex
	ss *syncingState

	// mapMu guards objects: read on the write/read fast paths, written
	// from syncing context when objects are accounted or deleted.
	mapMu   sync.RWMutex
	objects *objectmap.ObjectBlockMap
}

// pendingWrite is an out-of-order write waiting to be packed. done receives
// the result once the enclosing data object has been persisted.
type pendingWrite struct {
	data []byte
	done chan error
}

// pendingObjectState is either Pending (an open data object accepting
// blocks, obj != nil) or NotPending (obj == nil, nextBlock records the next
// BlockID to allocate).
type pendingObjectState struct {
	obj       *phys.DataObjectPhys
	waiters   []chan error
	nextBlock phys.BlockID
}

func (p *pendingObjectState) isPending() bool { return p.obj != nil }

func (p *pendingObjectState) next() phys.BlockID {
	if p.obj != nil {
		return p.obj.NextBlock
	}
	return p.nextBlock
}

// syncingState is the state modified while syncing a TXG, guarded by
// Pool.mu.
type syncingState struct {
	// The storage object log records object lifecycle (Alloc/Free); some
	// objects may hold additional consolidated blocks not yet reflected
	// here. The object size log holds post-rewrite sizes, updated after
	// reclaim overwrites an object. The pending frees log may contain
	// frees that were already applied if we crashed while reclaiming.
	storageObjectLog *oblog.Log[phys.StorageObjectLogEntry]
	objectSizeLog    *oblog.Log[phys.ObjectSizeLogEntry]
	pendingFreesLog  *oblog.Log[phys.PendingFreesLogEntry]

	pendingObject          pendingObjectState
	pendingUnorderedWrites map[phys.BlockID]pendingWrite

	lastTXG    phys.TXG
	syncingTXG phys.TXG // 0 when no TXG is open

	stats phys.PoolStatsPhys

	// reclaimCB carries the commit closure from an in-flight reclaim
	// worker back to the next end of TXG; nil when no reclaim runs.
	reclaimCB chan *reclaimCommit

	// Serializes sync-to-convergence overwrites per object, so two
	// overwrites of distinct blocks in the same object cannot race their
	// GET/PUT cycles.
	rewritingObjects map[phys.ObjectID]*sync.Mutex

	// Objects superseded this TXG, deleted in the background after the
	// super is durable.
	objectsToDelete []phys.ObjectID

	// Flush the pending object as soon as nextBlock passes one of these.
	pendingFlushes []phys.BlockID // sorted
}

func newSyncingState(shared *Shared) *syncingState {
	return &syncingState{
		storageObjectLog: oblog.Create[phys.StorageObjectLogEntry](
			shared.Store, phys.LogName(shared.GUID, "StorageObjectLog")),
		objectSizeLog: oblog.Create[phys.ObjectSizeLogEntry](
			shared.Store, phys.LogName(shared.GUID, "ObjectSizeLog")),
		pendingFreesLog: oblog.Create[phys.PendingFreesLogEntry](
			shared.Store, phys.LogName(shared.GUID, "PendingFreesLog")),
		pendingUnorderedWrites: make(map[phys.BlockID]pendingWrite),
		rewritingObjects:       make(map[phys.ObjectID]*sync.Mutex),
	}
}

func (ss *syncingState) nextBlock() phys.BlockID {
	return ss.pendingObject.next()
}

// logFree appends a free to the pending frees log and accounts it. The
// bytes remain in the object store until a reclaim pass rewrites the
// containing object.
func (ss *syncingState) logFree(ent phys.PendingFreesLogEntry) {
	txg := ss.syncingTXG
	if ent.Block >= ss.nextBlock() {
		panic(fmt.Sprintf("pool: freeing unallocated block %d (next is %d)",
			ent.Block, ss.nextBlock()))
	}
	ss.pendingFreesLog.Append(uint64(txg), ent)
	ss.stats.PendingFreesCount++
	ss.stats.PendingFreesBytes += uint64(ent.Size)
}

/*
 * Pool lifecycle
 */

// Exists reports whether a pool with the given guid has a super blob.
func Exists(ctx context.Context, store objstore.ObjectStore, guid phys.PoolGUID) (bool, error) {
	return phys.PoolExists(ctx, store, guid)
}

// Create writes an empty pool header with last_txg = 0. Fails if the pool
// already exists.
func Create(ctx context.Context, store objstore.ObjectStore, name string, guid phys.PoolGUID) error {
	exists, err := phys.PoolExists(ctx, store, guid)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: guid %d", ErrExists, guid)
	}

	p := phys.PoolPhys{GUID: guid, Name: name, LastTXG: 0}
	return p.Put(ctx, store)
}

// GetConfig returns the opaque client configuration stored in the latest
// committed uberblock.
func GetConfig(ctx context.Context, store objstore.ObjectStore, guid phys.PoolGUID) ([]byte, error) {
	pp, err := phys.GetPool(ctx, store, guid)
	if err != nil {
		return nil, err
	}
	ub, err := phys.GetUberblock(ctx, store, guid, pp.LastTXG)
	if err != nil {
		return nil, err
	}
	return ub.ZFSConfig, nil
}

// Open loads the pool. For a never-synced pool (last_txg = 0) it builds a
// fresh empty state; otherwise it loads the uberblock, opens and recovers
// the three logs by their persisted descriptors, and replays the storage
// object log into the block to object map. Returns the pool, the committed
// uberblock if any, and the next allocatable BlockID.
func Open(ctx context.Context, store objstore.ObjectStore, guid phys.PoolGUID, tun Tunables) (*Pool, *phys.UberblockPhys, phys.BlockID, error) {
	pp, err := phys.GetPool(ctx, store, guid)
	if err != nil {
		return nil, nil, 0, err
	}

	shared := &Shared{Store: store, GUID: guid, Name: pp.Name, Tun: tun}

	if pp.LastTXG == 0 {
		p := &Pool{
			shared:  shared,
			ss:      newSyncingState(shared),
			objects: objectmap.New(),
		}
		return p, nil, p.ss.nextBlock(), nil
	}

	return openFromTXG(ctx, shared, pp, pp.LastTXG)
}

func openFromTXG(ctx context.Context, shared *Shared, pp *phys.PoolPhys, txg phys.TXG) (*Pool, *phys.UberblockPhys, phys.BlockID, error) {
	ub, err := phys.GetUberblock(ctx, shared.Store, shared.GUID, txg)
	if err != nil {
		return nil, nil, 0, err
	}

	ss := &syncingState{
		storageObjectLog: oblog.Open[phys.StorageObjectLogEntry](
			shared.Store, phys.LogName(shared.GUID, "StorageObjectLog"), ub.StorageObjectLog),
		objectSizeLog: oblog.Open[phys.ObjectSizeLogEntry](
			shared.Store, phys.LogName(shared.GUID, "ObjectSizeLog"), ub.ObjectSizeLog),
		pendingFreesLog: oblog.Open[phys.PendingFreesLogEntry](
			shared.Store, phys.LogName(shared.GUID, "PendingFreesLog"), ub.PendingFreesLog),
		pendingObject:          pendingObjectState{nextBlock: ub.NextBlock},
		pendingUnorderedWrites: make(map[phys.BlockID]pendingWrite),
		rewritingObjects:       make(map[phys.ObjectID]*sync.Mutex),
		lastTXG:                ub.TXG,
		stats:                  ub.Stats,
	}

	p := &Pool{shared: shared, ss: ss, objects: objectmap.New()}

	if err := ss.storageObjectLog.Recover(ctx); err != nil {
		return nil, nil, 0, err
	}
	if err := ss.objectSizeLog.Recover(ctx); err != nil {
		return nil, nil, 0, err
	}
	if err := ss.pendingFreesLog.Recover(ctx); err != nil {
		return nil, nil, 0, err
	}

	// Replay the storage object log into the block to object map.
	var allocs, frees uint64
	err = ss.storageObjectLog.Iterate(ctx, func(ent phys.StorageObjectLogEntry) error {
		switch ent.Kind {
		case phys.EntryAlloc:
			p.objects.Insert(ent.Obj, ent.FirstPossibleBlock)
			allocs++
		case phys.EntryFree:
			p.objects.Remove(ent.Obj)
			frees++
		default:
			return fmt.Errorf("storage object log: unknown entry kind %q: %w",
				ent.Kind, phys.ErrCorrupt)
		}
		return nil
	})
	if err != nil {
		return nil, nil, 0, err
	}

	log.Info().Uint64("chunks", ss.storageObjectLog.NumChunks()).
		Uint64("allocs", allocs).Uint64("frees", frees).
		Msg("loaded block to object mapping")

	if err := p.objects.Verify(); err != nil {
		return nil, nil, 0, err
	}
	if uint64(p.objects.Len()) != ss.stats.ObjectsCount {
		return nil, nil, 0, fmt.Errorf("pool: %d mapped objects but stats say %d: %w",
			p.objects.Len(), ss.stats.ObjectsCount, phys.ErrCorrupt)
	}

	return p, ub, ss.nextBlock(), nil
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() phys.PoolStatsPhys {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.ss.stats
}

// GetProp returns one of the exported statistics by its property name.
// Note: zoa_allocated reports the pending-free bytes, mirroring the
// original agent's behavior for that property name.
func (p *Pool) GetProp(name string) (uint64, error) {
	stats := p.Stats()
	switch name {
	case "zoa_allocated":
		return stats.PendingFreesBytes, nil
	case "zoa_freeing":
		return stats.PendingFreesBytes, nil
	case "zoa_objects":
		return stats.ObjectsCount, nil
	default:
		return 0, fmt.Errorf("pool: invalid prop name %q", name)
	}
}

// lastObj reads the highest allocated ObjectID under the map lock.
func (p *Pool) lastObj() phys.ObjectID {
	p.mapMu.RLock()
	defer p.mapMu.RUnlock()

	return p.objects.LastObj()
}

// blockToObj resolves the object holding a block under the map lock.
func (p *Pool) blockToObj(block phys.BlockID) (phys.ObjectID, bool) {
	p.mapMu.RLock()
	defer p.mapMu.RUnlock()

	return p.objects.BlockToObj(block)
}

// insertPendingFlush adds block to the sorted pending flush set.
func (ss *syncingState) insertPendingFlush(block phys.BlockID) {
	i := sort.Search(len(ss.pendingFlushes), func(i int) bool {
		return ss.pendingFlushes[i] >= block
	})
	if i < len(ss.pendingFlushes) && ss.pendingFlushes[i] == block {
		return
	}
	ss.pendingFlushes = append(ss.pendingFlushes, 0)
	copy(ss.pendingFlushes[i+1:], ss.pendingFlushes[i:])
	ss.pendingFlushes[i] = block
}
