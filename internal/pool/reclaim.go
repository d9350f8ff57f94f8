// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package pool

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/asch/bspool/internal/pool/oblog"
	"github.com/asch/bspool/internal/pool/phys"
)

// objSize pairs an object with its post-rewrite payload size.
type objSize struct {
	obj       phys.ObjectID
	numBlocks uint32
	numBytes  uint32
}

// reclaimCommit is handed from the reclaim worker back to syncing context.
// Everything in it is applied atomically with the TXG that receives it: the
// stats adjustment, the rebuilt pending frees log and the object lifecycle
// entries all land in the same uberblock.
type reclaimCommit struct {
	freedBlocksCount uint64
	freedBlocksBytes uint64

	// Frees belonging to objects this pass did not touch, plus the
	// remainder cookie for frees logged after the snapshot.
	remainingFrees []phys.PendingFreesLogEntry
	freesRemainder oblog.Remainder

	// Sizes as of the snapshot, used for condensing the size log.
	objectSizes    map[phys.ObjectID]uint32
	sizesRemainder oblog.Remainder

	rewrittenObjectSizes []objSize
	deletedObjects       []phys.ObjectID
}

// tryReclaimFrees starts a background reclaim pass when the pending frees
// cross the highwater mark. At most one pass runs at a time; its results
// are spliced into a later TXG through the reclaim callback channel.
func (p *Pool) tryReclaimFrees(ctx context.Context, ss *syncingState) error {
	if ss.reclaimCB != nil {
		return nil
	}

	highwater := uint64(float64(ss.stats.BlocksCount) * p.shared.Tun.FreeHighwaterPct / 100)
	if ss.stats.PendingFreesCount < highwater ||
		ss.stats.PendingFreesCount < p.shared.Tun.FreeMinBlocks {
		return nil
	}

	log.Info().Uint64("txg", uint64(ss.syncingTXG)).
		Uint64("pending_frees", ss.stats.PendingFreesCount).
		Uint64("blocks", ss.stats.BlocksCount).Msg("reclaim starting")

	// Flush both logs so the snapshots cover this TXG's appends; the
	// chunks stay tentative until this TXG's uberblock in any case. The
	// size snapshot may then include entries from this txg, which is
	// fine, since the frees snapshot cannot name blocks inside objects
	// created this txg.
	if err := ss.pendingFreesLog.Flush(ctx, uint64(ss.syncingTXG)); err != nil {
		return err
	}
	if err := ss.objectSizeLog.Flush(ctx, uint64(ss.syncingTXG)); err != nil {
		return err
	}
	freesRemainder := ss.pendingFreesLog.Snapshot()
	sizesRemainder := ss.objectSizeLog.Snapshot()

	requiredFrees := ss.stats.PendingFreesCount -
		uint64(float64(ss.stats.BlocksCount)*p.shared.Tun.FreeLowwaterPct/100)

	cb := make(chan *reclaimCommit, 1)
	ss.reclaimCB = cb

	go p.reclaimWorker(freesRemainder, sizesRemainder, requiredFrees, cb)
	return nil
}

// batchItem is one source object of a consolidation batch.
type batchItem struct {
	obj   phys.ObjectID
	frees []phys.PendingFreesLogEntry
}

func (p *Pool) reclaimWorker(freesRemainder, sizesRemainder oblog.Remainder, requiredFrees uint64, cb chan<- *reclaimCommit) {
	ctx := context.Background()

	commit, err := p.runReclaim(ctx, freesRemainder, sizesRemainder, requiredFrees)
	if err != nil {
		// The pass is abandoned; the pending frees stay logged and a
		// later TXG will retry from scratch.
		log.Error().Err(err).Msg("reclaim pass failed")
		cb <- nil
		return
	}
	cb <- commit
}

func (p *Pool) runReclaim(ctx context.Context, freesRemainder, sizesRemainder oblog.Remainder, requiredFrees uint64) (*reclaimCommit, error) {
	ss := p.ss // logs are only snapshot-read here, which is safe concurrently

	// Bucket the pending frees by their containing object.
	freesPerObj := make(map[phys.ObjectID][]phys.PendingFreesLogEntry)
	var freesLoaded uint64
	err := ss.pendingFreesLog.IterateTo(ctx, freesRemainder, func(ent phys.PendingFreesLogEntry) error {
		obj, ok := p.blockToObj(ent.Block)
		if !ok {
			return fmt.Errorf("reclaim: free of block %d maps to no object: %w",
				ent.Block, phys.ErrCorrupt)
		}
		freesPerObj[obj] = append(freesPerObj[obj], ent)
		freesLoaded++
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Uint64("frees", freesLoaded).Msg("reclaim loaded pending frees")

	// Replay the size log into the current size per object.
	objectSizes := make(map[phys.ObjectID]uint32)
	err = ss.objectSizeLog.IterateTo(ctx, sizesRemainder, func(ent phys.ObjectSizeLogEntry) error {
		switch ent.Kind {
		case phys.EntryExists:
			objectSizes[ent.Obj] = ent.NumBytes
		case phys.EntryFreed:
			if _, ok := objectSizes[ent.Obj]; !ok {
				return fmt.Errorf("reclaim: freed entry for unknown object %d: %w",
					ent.Obj, phys.ErrCorrupt)
			}
			delete(objectSizes, ent.Obj)
		default:
			return fmt.Errorf("reclaim: unknown size entry kind %q: %w", ent.Kind, phys.ErrCorrupt)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortedObjs := make([]phys.ObjectID, 0, len(objectSizes))
	for obj := range objectSizes {
		sortedObjs = append(sortedObjs, obj)
	}
	sort.Slice(sortedObjs, func(i, j int) bool { return sortedObjs[i] < sortedObjs[j] })

	// Rank candidates by free density: most freed blocks first, then
	// lowest object id, because consolidation walks forward.
	type ranked struct {
		count int
		obj   phys.ObjectID
	}
	candidates := make([]ranked, 0, len(freesPerObj))
	for obj, frees := range freesPerObj {
		candidates = append(candidates, ranked{count: len(frees), obj: obj})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count > candidates[j].count
		}
		return candidates[i].obj < candidates[j].obj
	})

	begin := time.Now()
	commit := &reclaimCommit{
		freesRemainder: freesRemainder,
		objectSizes:    objectSizes,
		sizesRemainder: sizesRemainder,
	}

	sem := semaphore.NewWeighted(p.shared.Tun.ReclaimConcurrency)
	var wg sync.WaitGroup
	var resMu sync.Mutex
	var workerErr error

	writing := make(map[phys.ObjectID]bool)

	for _, cand := range candidates {
		obj := cand.obj
		if _, ok := freesPerObj[obj]; !ok {
			// Already swept up by an earlier multi-object batch.
			continue
		}
		if _, ok := objectSizes[obj]; !ok {
			return nil, fmt.Errorf("reclaim: no size for object %d: %w", obj, phys.ErrCorrupt)
		}

		// Greedily extend the batch with later objects while the
		// projected post-free payload stays within one object.
		var batch []batchItem
		var newSize uint32
		start := sort.Search(len(sortedObjs), func(i int) bool { return sortedObjs[i] >= obj })
		for i := start; i < len(sortedObjs); i++ {
			laterObj := sortedObjs[i]
			var laterFreed uint32
			for _, f := range freesPerObj[laterObj] {
				laterFreed += f.Size
			}
			laterNewSize := objectSizes[laterObj] - laterFreed

			if i == start {
				if laterObj != obj || writing[laterObj] {
					panic(fmt.Sprintf("reclaim: batch head %d invalid", laterObj))
				}
			} else {
				// A later object already claimed by another batch
				// stops consolidation, as does outgrowing the
				// object size bound.
				if writing[laterObj] {
					break
				}
				if newSize+laterNewSize > p.shared.Tun.MaxBytesPerObject {
					break
				}
			}

			newSize += laterNewSize
			frees := freesPerObj[laterObj]
			delete(freesPerObj, laterObj)
			commit.freedBlocksCount += uint64(len(frees))
			commit.freedBlocksBytes += uint64(laterFreed)
			batch = append(batch, batchItem{obj: laterObj, frees: frees})
		}

		writing[obj] = true
		for _, item := range batch[1:] {
			commit.deletedObjects = append(commit.deletedObjects, item.obj)
		}

		// The new size is computed from the object contents rather than
		// the size log, which may be stale after a crashed reclaim.
		wg.Add(1)
		myBatch := batch
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)

			rewritten, err := p.consolidateObjects(ctx, myBatch)
			resMu.Lock()
			defer resMu.Unlock()
			if err != nil {
				if workerErr == nil {
					workerErr = err
				}
				return
			}
			commit.rewrittenObjectSizes = append(commit.rewrittenObjectSizes, rewritten)
		}()

		if commit.freedBlocksCount > requiredFrees {
			break
		}
	}

	for _, frees := range freesPerObj {
		commit.remainingFrees = append(commit.remainingFrees, frees...)
	}

	wg.Wait()
	if workerErr != nil {
		return nil, workerErr
	}

	log.Info().Int("rewritten", len(commit.rewrittenObjectSizes)).
		Uint64("freed_blocks", commit.freedBlocksCount).
		Uint64("freed_bytes", commit.freedBlocksBytes).
		Dur("elapsed", time.Since(begin)).Msg("reclaim rewrote objects")
	return commit, nil
}

// consolidateObjects merges a batch of adjacent objects into the batch's
// lowest ObjectID, dropping freed blocks along the way, and uploads the
// result. The target id is deterministic, so a batch interrupted by a
// crash re-runs against the same blob; blocks already moved or removed by
// the interrupted run are tolerated.
func (p *Pool) consolidateObjects(ctx context.Context, batch []batchItem) (objSize, error) {
	target := batch[0].obj
	var totalFrees int
	for _, item := range batch {
		totalFrees += len(item.frees)
	}
	log.Debug().Int("objects", len(batch)).Uint64("target", uint64(target)).
		Int("frees", totalFrees).Msg("reclaim consolidating objects")

	var merged *phys.DataObjectPhys
	for _, item := range batch {
		objPhys, err := phys.GetDataObject(ctx, p.shared.Store, p.shared.GUID, item.obj)
		if err != nil {
			return objSize{}, err
		}

		for _, free := range item.frees {
			// A block freed here may already be gone if a previous
			// reclaim run crashed after rewriting this object; stats
			// for it were still not applied, so it simply counts as
			// removed.
			if data, ok := objPhys.Blocks[free.Block]; ok {
				if uint32(len(data)) != free.Size {
					return objSize{}, fmt.Errorf(
						"reclaim: block %d is %d bytes, free says %d: %w",
						free.Block, len(data), free.Size, phys.ErrCorrupt)
				}
				objPhys.BlocksSize -= uint32(len(data))
				delete(objPhys.Blocks, free.Block)
			}
		}

		if merged == nil {
			merged = objPhys
			continue
		}

		log.Debug().Uint64("from", uint64(objPhys.Object)).Uint64("to", uint64(merged.Object)).
			Int("blocks", len(objPhys.Blocks)).Msg("reclaim moving blocks")

		if objPhys.MinTXG < merged.MinTXG {
			merged.MinTXG = objPhys.MinTXG
		}
		if objPhys.MaxTXG > merged.MaxTXG {
			merged.MaxTXG = objPhys.MaxTXG
		}
		if objPhys.MinBlock < merged.MinBlock {
			merged.MinBlock = objPhys.MinBlock
		}
		if objPhys.NextBlock > merged.NextBlock {
			merged.NextBlock = objPhys.NextBlock
		}
		for id, data := range objPhys.Blocks {
			if old, ok := merged.Blocks[id]; ok {
				// Already transferred by an interrupted run; the
				// contents must agree.
				if !bytes.Equal(old, data) {
					return objSize{}, fmt.Errorf(
						"reclaim: diverging contents for block %d: %w",
						id, phys.ErrCorrupt)
				}
				continue
			}
			merged.Blocks[id] = data
			merged.BlocksSize += uint32(len(data))
		}
	}

	if merged.Object != target {
		panic(fmt.Sprintf("reclaim: merged object %d, expected %d", merged.Object, target))
	}
	if err := merged.Put(ctx, p.shared.Store); err != nil {
		return objSize{}, err
	}
	return objSize{obj: merged.Object, numBlocks: uint32(len(merged.Blocks)), numBytes: merged.BlocksSize}, nil
}

// commitReclaim applies a finished reclaim pass in syncing context: stats,
// the rebuilt pending frees log, object lifecycle entries and new sizes
// all become durable with this TXG.
func (p *Pool) commitReclaim(ctx context.Context, ss *syncingState, commit *reclaimCommit) error {
	if commit == nil {
		// The worker failed; nothing was logged, a later TXG retries.
		return nil
	}
	txg := ss.syncingTXG

	ss.stats.BlocksCount -= commit.freedBlocksCount
	ss.stats.BlocksBytes -= commit.freedBlocksBytes

	if err := p.rebuildPendingFrees(ctx, ss, commit); err != nil {
		return err
	}
	p.logDeletedObjects(ss, commit.deletedObjects)
	if err := p.tryCondenseObjectSizes(ctx, ss, commit.objectSizes, commit.sizesRemainder); err != nil {
		return err
	}

	for _, rs := range commit.rewrittenObjectSizes {
		ss.objectSizeLog.Append(uint64(txg), phys.ObjectSizeLogEntry{
			Kind:      phys.EntryExists,
			Obj:       rs.obj,
			NumBlocks: rs.numBlocks,
			NumBytes:  rs.numBytes,
		})
	}
	return nil
}

// rebuildPendingFrees atomically replaces the pending frees log with the
// frees this pass did not apply: the untouched objects' frees first, then
// the suffix logged after the snapshot. The remainder must be read before
// the clear, otherwise it would iterate the fresh generation.
func (p *Pool) rebuildPendingFrees(ctx context.Context, ss *syncingState, commit *reclaimCommit) error {
	txg := ss.syncingTXG
	begin := time.Now()

	var suffix []phys.PendingFreesLogEntry
	err := ss.pendingFreesLog.IterRemainder(ctx, uint64(txg), commit.freesRemainder,
		func(ent phys.PendingFreesLogEntry) error {
			suffix = append(suffix, ent)
			return nil
		})
	if err != nil {
		return err
	}
	if err := ss.pendingFreesLog.Clear(ctx, uint64(txg)); err != nil {
		return err
	}

	ss.stats.PendingFreesCount = 0
	ss.stats.PendingFreesBytes = 0
	for _, ent := range commit.remainingFrees {
		ss.logFree(ent)
	}
	for _, ent := range suffix {
		ss.logFree(ent)
	}

	log.Info().Uint64("txg", uint64(txg)).Uint64("frees", ss.stats.PendingFreesCount).
		Dur("elapsed", time.Since(begin)).Msg("reclaim transferred remaining frees")
	return nil
}

// logDeletedObjects retires objects consolidated away by this pass.
func (p *Pool) logDeletedObjects(ss *syncingState, deleted []phys.ObjectID) {
	txg := ss.syncingTXG
	for _, obj := range deleted {
		ss.storageObjectLog.Append(uint64(txg), phys.StorageObjectLogEntry{
			Kind: phys.EntryFree,
			Obj:  obj,
		})
		ss.objectSizeLog.Append(uint64(txg), phys.ObjectSizeLogEntry{
			Kind: phys.EntryFreed,
			Obj:  obj,
		})

		p.mapMu.Lock()
		p.objects.Remove(obj)
		p.mapMu.Unlock()

		ss.stats.ObjectsCount--
		ss.objectsToDelete = append(ss.objectsToDelete, obj)
	}
	if len(deleted) != 0 {
		log.Info().Uint64("txg", uint64(txg)).Int("objects", len(deleted)).
			Msg("reclaim logged deleted objects")
	}
}
