// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/asch/bspool/internal/pool/metrics"
	"github.com/asch/bspool/internal/pool/phys"
)

// BeginTXG opens a transaction group. No TXG may be in progress and txg
// must come after the last committed one.
func (p *Pool) BeginTXG(txg phys.TXG) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ss := p.ss
	if ss.syncingTXG != 0 {
		return ErrTXGInProgress
	}
	if txg <= ss.lastTXG {
		return fmt.Errorf("%w: txg %d, last %d", ErrBadTXG, txg, ss.lastTXG)
	}
	ss.syncingTXG = txg

	if ss.pendingObject.isPending() {
		panic("pool: pending object left over from previous txg")
	}
	ss.pendingObject = pendingObjectState{
		obj: phys.NewDataObject(p.shared.GUID, p.lastObj().Next(), ss.nextBlock(), txg),
	}
	return nil
}

// WriteBlock stores one client block in the open TXG. Blocks may arrive in
// any order; they are packed into data objects in ascending BlockID order.
// WriteBlock returns once the block's enclosing data object has been
// persisted. A write below the current frontier takes the
// sync-to-convergence slow path and rewrites the containing object.
func (p *Pool) WriteBlock(ctx context.Context, id phys.BlockID, data []byte) error {
	var done chan error

	p.mu.Lock()
	ss := p.ss
	if ss.syncingTXG == 0 {
		p.mu.Unlock()
		return ErrNoTXG
	}

	if id < ss.nextBlock() {
		done = p.overwriteBlock(ss, id, data)
	} else {
		done = make(chan error, 1)
		ss.pendingUnorderedWrites[id] = pendingWrite{data: data, done: done}
		p.drainUnorderedWrites(ss, p.shared.Tun.MaxBytesPerObject)
	}
	p.mu.Unlock()

	// The lock is dropped before waiting: completion needs a later flush
	// or the spawned PUT to finish.
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// overwriteBlock is the sync-to-convergence slow path: the block was
// already packed into a flushed object this TXG, so the object is fetched,
// patched and rewritten under its per-object lock.
func (p *Pool) overwriteBlock(ss *syncingState, id phys.BlockID, data []byte) chan error {
	obj, ok := p.blockToObj(id)
	done := make(chan error, 1)
	if !ok {
		done <- fmt.Errorf("pool: overwrite of block %d before any object: %w", id, ErrBlockMissing)
		return done
	}

	txg := ss.syncingTXG
	mtx := ss.rewritingObjects[obj]
	if mtx == nil {
		mtx = &sync.Mutex{}
		ss.rewritingObjects[obj] = mtx
	}

	shared := p.shared
	go func() {
		mtx.Lock()
		defer mtx.Unlock()

		ctx := context.Background()
		log.Debug().Uint64("object", uint64(obj)).Uint64("block", uint64(id)).
			Msg("rewriting object to overwrite block")

		objPhys, err := phys.GetDataObject(ctx, shared.Store, shared.GUID, obj)
		if err != nil {
			done <- err
			return
		}
		// Overwrites only happen within the TXG that wrote the block.
		if objPhys.MinTXG != txg || objPhys.MaxTXG != txg {
			done <- fmt.Errorf("pool: overwriting object %d from txg range [%d,%d] in txg %d: %w",
				obj, objPhys.MinTXG, objPhys.MaxTXG, txg, phys.ErrCorrupt)
			return
		}
		old, ok := objPhys.Blocks[id]
		if !ok {
			done <- fmt.Errorf("pool: overwrite of block %d absent from object %d: %w",
				id, obj, ErrBlockMissing)
			return
		}
		// The size must not change, so the object size accounting stays
		// valid without touching the object size log from this context.
		if len(old) != len(data) {
			done <- fmt.Errorf("pool: overwrite of block %d changes size %d -> %d: %w",
				id, len(old), len(data), phys.ErrCorrupt)
			return
		}

		objPhys.Blocks[id] = data
		done <- objPhys.Put(ctx, shared.Store)
	}()
	return done
}

// drainUnorderedWrites moves consecutive buffered writes starting at the
// current frontier into the pending object, flushing it whenever its payload
// reaches sizeLimit (0 disables the limit) or a requested flush block is
// passed.
func (p *Pool) drainUnorderedWrites(ss *syncingState, sizeLimit uint32) {
	// While resuming there is no pending object to build.
	if !ss.pendingObject.isPending() {
		return
	}

	nb := ss.nextBlock()
	for {
		w, ok := ss.pendingUnorderedWrites[nb]
		if !ok {
			break
		}
		delete(ss.pendingUnorderedWrites, nb)

		obj := ss.pendingObject.obj
		obj.BlocksSize += uint32(len(w.data))
		obj.Blocks[nb] = w.data
		nb = nb.Next()
		obj.NextBlock = nb
		ss.pendingObject.waiters = append(ss.pendingObject.waiters, w.done)

		if sizeLimit != 0 && obj.BlocksSize >= sizeLimit {
			p.flushPendingObject(ss)
		}
	}
	p.checkPendingFlushes(ss)
}

// checkPendingFlushes flushes the pending object if any requested flush
// block has been packed.
func (p *Pool) checkPendingFlushes(ss *syncingState) {
	if !ss.pendingObject.isPending() {
		return
	}

	nb := ss.pendingObject.obj.NextBlock
	i := sort.Search(len(ss.pendingFlushes), func(i int) bool {
		return ss.pendingFlushes[i] >= nb
	})
	if i == 0 {
		return
	}
	ss.pendingFlushes = ss.pendingFlushes[i:]
	p.flushPendingObject(ss)
}

// InitiateFlush requests that the pending object be flushed as soon as all
// blocks up to and including block have been packed. Idempotent; a no-op
// without an open TXG or pending object (e.g. while resuming).
func (p *Pool) InitiateFlush(ctx context.Context, block phys.BlockID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ss := p.ss
	if ss.syncingTXG == 0 {
		return nil
	}
	if !ss.pendingObject.isPending() {
		return nil
	}

	ss.insertPendingFlush(block)
	p.checkPendingFlushes(ss)
	return nil
}

// accountNewObject records a freshly persisted (or recovered) data object:
// stats, the block to object map, and the Alloc/Exists log entries.
func (p *Pool) accountNewObject(ss *syncingState, obj *phys.DataObjectPhys) {
	txg := ss.syncingTXG
	if obj.GUID != p.shared.GUID {
		panic(fmt.Sprintf("pool: object %d carries foreign guid %d", obj.Object, obj.GUID))
	}
	if obj.MinTXG != txg || obj.MaxTXG != txg {
		panic(fmt.Sprintf("pool: accounting object %d with txg range [%d,%d] in txg %d",
			obj.Object, obj.MinTXG, obj.MaxTXG, txg))
	}

	ss.stats.ObjectsCount++
	ss.stats.BlocksBytes += uint64(obj.BlocksSize)
	ss.stats.BlocksCount += uint64(len(obj.Blocks))

	p.mapMu.Lock()
	p.objects.Insert(obj.Object, obj.MinBlock)
	p.mapMu.Unlock()

	ss.storageObjectLog.Append(uint64(txg), phys.StorageObjectLogEntry{
		Kind:               phys.EntryAlloc,
		Obj:                obj.Object,
		FirstPossibleBlock: obj.MinBlock,
	})
	ss.objectSizeLog.Append(uint64(txg), phys.ObjectSizeLogEntry{
		Kind:      phys.EntryExists,
		Obj:       obj.Object,
		NumBlocks: uint32(len(obj.Blocks)),
		NumBytes:  obj.BlocksSize,
	})
}

// flushPendingObject closes the pending object, replaces it with a fresh
// one, and uploads it in the background. The waiters are signaled once the
// PUT completes; flushes of different objects may be in flight at once
// (their block ranges are disjoint, so ordering between them is
// immaterial).
func (p *Pool) flushPendingObject(ss *syncingState) {
	txg := ss.syncingTXG
	obj := ss.pendingObject.obj
	if len(obj.Blocks) == 0 {
		return
	}
	waiters := ss.pendingObject.waiters

	ss.pendingObject = pendingObjectState{
		obj: phys.NewDataObject(p.shared.GUID, obj.Object.Next(), obj.NextBlock, txg),
	}

	p.accountNewObject(ss, obj)

	log.Debug().Uint64("txg", uint64(txg)).Uint64("object", uint64(obj.Object)).
		Int("blocks", len(obj.Blocks)).Uint32("bytes", obj.BlocksSize).
		Uint64("min_block", uint64(obj.MinBlock)).Msg("writing data object")

	shared := p.shared
	go func() {
		err := obj.Put(context.Background(), shared.Store)
		if err != nil {
			log.Error().Err(err).Uint64("object", uint64(obj.Object)).
				Msg("data object write failed")
		}
		for _, w := range waiters {
			w <- err
		}
	}()
}

// ReadBlock returns the contents of a block written in an earlier TXG, or
// flushed earlier in the current one. The pending object is not readable
// until it is flushed.
func (p *Pool) ReadBlock(ctx context.Context, id phys.BlockID) ([]byte, error) {
	obj, ok := p.blockToObj(id)
	if !ok {
		return nil, fmt.Errorf("pool: block %d: %w", id, ErrBlockMissing)
	}

	log.Debug().Uint64("object", uint64(obj)).Uint64("block", uint64(id)).Msg("reading block")
	objPhys, err := phys.GetDataObject(ctx, p.shared.Store, p.shared.GUID, obj)
	if err != nil {
		return nil, err
	}

	data, ok := objPhys.Blocks[id]
	if !ok {
		return nil, fmt.Errorf("pool: block %d absent from object %d: %w", id, obj, ErrBlockMissing)
	}
	return data, nil
}

// FreeBlock logs a free for a block. The free is reflected in the stats
// immediately; the backing bytes are reclaimed when a later reclaim pass
// rewrites the containing object.
func (p *Pool) FreeBlock(ctx context.Context, block phys.BlockID, size uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ss := p.ss
	if ss.syncingTXG == 0 {
		return ErrNoTXG
	}
	ss.logFree(phys.PendingFreesLogEntry{Block: block, Size: size})
	return nil
}

// EndTXG finalizes the open TXG: reclaim and condense get their chance,
// the three logs are flushed, the uberblock and super are written (in that
// order; both must be durable before the TXG is acknowledged), and
// superseded objects are deleted in the background.
func (p *Pool) EndTXG(ctx context.Context, uberblock, config []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ss := p.ss
	if ss.syncingTXG == 0 {
		return ErrNoTXG
	}
	txg := ss.syncingTXG

	// All writes must have been packed and flushed by now.
	if len(ss.pendingUnorderedWrites) != 0 {
		return fmt.Errorf("pool: ending txg %d with %d unordered writes buffered",
			txg, len(ss.pendingUnorderedWrites))
	}
	if ss.pendingObject.isPending() {
		obj := ss.pendingObject.obj
		if len(obj.Blocks) != 0 || len(ss.pendingObject.waiters) != 0 {
			return fmt.Errorf("pool: ending txg %d with a non-empty pending object", txg)
		}
		ss.pendingObject = pendingObjectState{nextBlock: obj.NextBlock}
	}

	if err := p.tryReclaimFrees(ctx, ss); err != nil {
		return err
	}
	if err := p.tryCondenseObjectLog(ctx, ss); err != nil {
		return err
	}

	ss.rewritingObjects = make(map[phys.ObjectID]*sync.Mutex)

	if len(ss.objectsToDelete) != 0 {
		panic("pool: objects_to_delete must only accumulate during end of txg")
	}

	// Splice in a finished reclaim pass, if any (non-blocking).
	if ss.reclaimCB != nil {
		select {
		case commit := <-ss.reclaimCB:
			if err := p.commitReclaim(ctx, ss, commit); err != nil {
				return err
			}
			ss.reclaimCB = nil
		default:
		}
	}

	if err := ss.storageObjectLog.Flush(ctx, uint64(txg)); err != nil {
		return err
	}
	if err := ss.objectSizeLog.Flush(ctx, uint64(txg)); err != nil {
		return err
	}
	if err := ss.pendingFreesLog.Flush(ctx, uint64(txg)); err != nil {
		return err
	}

	ub := &phys.UberblockPhys{
		GUID:             p.shared.GUID,
		TXG:              txg,
		Date:             time.Now(),
		StorageObjectLog: ss.storageObjectLog.Phys(),
		ObjectSizeLog:    ss.objectSizeLog.Phys(),
		PendingFreesLog:  ss.pendingFreesLog.Phys(),
		NextBlock:        ss.nextBlock(),
		Stats:            ss.stats,
		ZFSUberblock:     uberblock,
		ZFSConfig:        config,
	}
	if err := ub.Put(ctx, p.shared.Store); err != nil {
		return err
	}

	super := &phys.PoolPhys{GUID: p.shared.GUID, Name: p.shared.Name, LastTXG: txg}
	if err := super.Put(ctx, p.shared.Store); err != nil {
		return err
	}

	// The metadata state has moved forward atomically; superseded objects
	// can go. Deletion is fire and forget: leftovers carry TXGs at or
	// below last_txg and are harmless until the next reclaim pass.
	p.deleteObjectsInBackground(ss.objectsToDelete)
	ss.objectsToDelete = nil

	ss.lastTXG = txg
	ss.syncingTXG = 0
	metrics.Update(ss.stats)
	return nil
}

func (p *Pool) deleteObjectsInBackground(objects []phys.ObjectID) {
	if len(objects) == 0 {
		return
	}

	shared := p.shared
	batch := shared.Tun.DeleteBatch
	go func() {
		begin := time.Now()
		for start := 0; start < len(objects); start += batch {
			end := start + batch
			if end > len(objects) {
				end = len(objects)
			}
			keys := make([]string, 0, end-start)
			for _, obj := range objects[start:end] {
				keys = append(keys, phys.DataObjectKey(shared.GUID, obj))
			}
			if err := shared.Store.DeleteObjects(context.Background(), keys); err != nil {
				log.Info().Err(err).Int("objects", len(keys)).
					Msg("background object deletion failed")
			}
		}
		log.Info().Int("objects", len(objects)).Dur("elapsed", time.Since(begin)).
			Msg("deleted superseded objects")
	}()
}
