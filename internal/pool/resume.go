// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/asch/bspool/internal/pool/phys"
)

// ResumeTXG reopens a TXG that crashed mid-sync, instead of BeginTXG. The
// pool stays in the resuming sub-state (no pending object) while the
// client replays the writes and frees it had already issued; the replay is
// reconciled by ResumeComplete.
func (p *Pool) ResumeTXG(txg phys.TXG) error {
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
		panic("pool: resuming with a pending object")
	}
	return nil
}

// recoverObjects lists the data prefixes for objects this TXG already
// persisted before the crash, bounded below by the last committed object,
// and fetches them with bounded concurrency.
func (p *Pool) recoverObjects(ctx context.Context, txg phys.TXG) ([]*phys.DataObjectPhys, error) {
	begin := time.Now()
	lastObj := p.lastObj()
	shared := p.shared

	var listMu sync.Mutex
	var objIDs []phys.ObjectID

	g, gctx := errgroup.WithContext(ctx)
	for _, prefix := range phys.DataPrefixes(shared.GUID) {
		prefix := prefix
		g.Go(func() error {
			// Keys sort lexically while ids are decimal, so a key
			// bound would skip larger ids with more digits; the whole
			// prefix is listed and anything at or below lastObj is
			// filtered out after parsing.
			infos, err := shared.Store.ListObjects(gctx, prefix, "")
			if err != nil {
				return err
			}
			listMu.Lock()
			defer listMu.Unlock()
			for _, info := range infos {
				obj, err := phys.ParseDataObjectKey(info.Key)
				if err != nil {
					return err
				}
				if obj > lastObj {
					objIDs = append(objIDs, obj)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	log.Info().Int("objects", len(objIDs)).Dur("elapsed", time.Since(begin)).
		Msg("resume listing found objects")

	begin = time.Now()
	recovered := make([]*phys.DataObjectPhys, len(objIDs))
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(shared.Tun.ResumeConcurrency)
	for i, obj := range objIDs {
		i, obj := i, obj
		g.Go(func() error {
			objPhys, err := phys.GetDataObject(gctx, shared.Store, shared.GUID, obj)
			if err != nil {
				return err
			}
			if objPhys.MinTXG != txg || objPhys.MaxTXG != txg {
				return fmt.Errorf("resume: object %d has txg range [%d,%d], want %d: %w",
					obj, objPhys.MinTXG, objPhys.MaxTXG, txg, phys.ErrCorrupt)
			}
			recovered[i] = objPhys
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(recovered, func(i, j int) bool { return recovered[i].Object < recovered[j].Object })
	log.Info().Int("objects", len(recovered)).Dur("elapsed", time.Since(begin)).
		Msg("resume read objects")
	return recovered, nil
}

// ResumeComplete reconciles the replayed writes with the data objects the
// crashed TXG already persisted. It merges lowest block first: persisted
// objects are adopted as-is (their writes complete immediately), gaps of
// unpersisted writes are packed and flushed, and the tail of the replay
// stays pending so the TXG continues normally. Afterwards the in-memory
// state is observationally what it would have been without the crash,
// modulo object boundaries.
func (p *Pool) ResumeComplete(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ss := p.ss
	if ss.syncingTXG == 0 {
		return ErrNoTXG
	}
	txg := ss.syncingTXG
	if ss.pendingObject.isPending() {
		panic("pool: resume_complete outside resuming state")
	}

	recovered, err := p.recoverObjects(ctx, txg)
	if err != nil {
		return err
	}

	orderedWrites := make([]phys.BlockID, 0, len(ss.pendingUnorderedWrites))
	for id := range ss.pendingUnorderedWrites {
		orderedWrites = append(orderedWrites, id)
	}
	sort.Slice(orderedWrites, func(i, j int) bool { return orderedWrites[i] < orderedWrites[j] })

	ri := 0
	for {
		var nextObj *phys.DataObjectPhys
		if ri < len(recovered) {
			nextObj = recovered[ri]
		}

		switch {
		case nextObj != nil && (len(orderedWrites) == 0 || orderedWrites[0] >= nextObj.MinBlock):
			// An already-persisted object is next. Adopt it and
			// complete any replayed writes it covers: their blocks
			// are durable, the client just never saw the response.
			log.Debug().Uint64("object", uint64(nextObj.Object)).
				Uint64("min_block", uint64(nextObj.MinBlock)).
				Uint64("next_block", uint64(nextObj.NextBlock)).
				Msg("resume adopting persisted object")
			p.accountNewObject(ss, nextObj)

			cut := sort.Search(len(orderedWrites), func(i int) bool {
				return orderedWrites[i] >= nextObj.NextBlock
			})
			for _, id := range orderedWrites[:cut] {
				w := ss.pendingUnorderedWrites[id]
				delete(ss.pendingUnorderedWrites, id)
				w.done <- nil
			}
			orderedWrites = orderedWrites[cut:]

			ss.pendingObject = pendingObjectState{nextBlock: nextObj.NextBlock}
			ri++

		case len(orderedWrites) > 0 && nextObj != nil:
			// Unpersisted writes fill the gap up to the next
			// recovered object; pack them all (no size bound, the
			// gap ends where that object starts) and flush.
			before := ss.nextBlock()
			ss.pendingObject = pendingObjectState{
				obj: phys.NewDataObject(p.shared.GUID, p.lastObj().Next(), before, txg),
			}
			held := make(map[phys.BlockID]pendingWrite)
			for _, id := range orderedWrites {
				if id >= nextObj.MinBlock {
					held[id] = ss.pendingUnorderedWrites[id]
					delete(ss.pendingUnorderedWrites, id)
				}
			}
			p.drainUnorderedWrites(ss, 0)
			for id, w := range held {
				ss.pendingUnorderedWrites[id] = w
			}
			if ss.pendingObject.next() == before {
				// The replay has a hole below the next persisted
				// object; the client did not resend everything.
				return fmt.Errorf("resume: no write for block %d (next object starts at %d): %w",
					before, nextObj.MinBlock, phys.ErrCorrupt)
			}

			obj := ss.pendingObject.obj
			log.Debug().Uint64("object", uint64(obj.Object)).
				Uint64("min_block", uint64(obj.MinBlock)).
				Uint64("next_block", uint64(obj.NextBlock)).
				Msg("resume writing gap object")

			p.flushPendingObject(ss)
			nb := ss.pendingObject.next()
			ss.pendingObject = pendingObjectState{nextBlock: nb}

			cut := sort.Search(len(orderedWrites), func(i int) bool {
				return orderedWrites[i] >= nb
			})
			orderedWrites = orderedWrites[cut:]

		default:
			// Nothing persisted remains; the rest of the replay
			// becomes the pending object and the TXG goes on as
			// usual.
			ss.pendingObject = pendingObjectState{
				obj: phys.NewDataObject(p.shared.GUID, p.lastObj().Next(), ss.nextBlock(), txg),
			}
			log.Debug().Msg("resume moving trailing writes to pending object")
			p.drainUnorderedWrites(ss, p.shared.Tun.MaxBytesPerObject)
			log.Info().Uint64("txg", uint64(txg)).Msg("resume completed")
			return nil
		}
	}
}
