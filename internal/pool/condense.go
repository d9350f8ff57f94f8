// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package pool

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/asch/bspool/internal/pool/objectmap"
	"github.com/asch/bspool/internal/pool/oblog"
	"github.com/asch/bspool/internal/pool/phys"
)

// condenseNeeded reports whether a log with numChunks chunks has outgrown
// the minimal representation of liveEntries entries by the configured
// multiple.
func (p *Pool) condenseNeeded(numChunks uint64, liveEntries int) bool {
	limit := p.shared.Tun.LogCondenseMinChunks +
		p.shared.Tun.LogCondenseMultiple*(liveEntries+oblog.EntriesPerObject)/oblog.EntriesPerObject
	return numChunks >= uint64(limit)
}

// tryCondenseObjectLog rewrites the storage object log from the in-memory
// block to object map once the log has grown far past its live content.
// The map already reflects every entry appended this TXG, so the pending
// tail can simply be dropped with the old generation.
func (p *Pool) tryCondenseObjectLog(ctx context.Context, ss *syncingState) error {
	p.mapMu.RLock()
	live := p.objects.Len()
	p.mapMu.RUnlock()

	if !p.condenseNeeded(ss.storageObjectLog.NumChunks(), live) {
		return nil
	}
	txg := ss.syncingTXG

	log.Info().Uint64("txg", uint64(txg)).Uint64("chunks", ss.storageObjectLog.NumChunks()).
		Uint64("entries", ss.storageObjectLog.NumEntries()).Int("live", live).
		Msg("condensing storage object log")
	begin := time.Now()

	if err := ss.storageObjectLog.Clear(ctx, uint64(txg)); err != nil {
		return err
	}

	p.mapMu.RLock()
	p.objects.Iterate(func(e objectmap.Entry) {
		ss.storageObjectLog.Append(uint64(txg), phys.StorageObjectLogEntry{
			Kind:               phys.EntryAlloc,
			Obj:                e.Obj,
			FirstPossibleBlock: e.Block,
		})
	})
	p.mapMu.RUnlock()

	if err := ss.storageObjectLog.Flush(ctx, uint64(txg)); err != nil {
		return err
	}

	log.Info().Uint64("txg", uint64(txg)).Uint64("entries", ss.storageObjectLog.NumEntries()).
		Uint64("chunks", ss.storageObjectLog.NumChunks()).Dur("elapsed", time.Since(begin)).
		Msg("storage object log condensed")
	return nil
}

// tryCondenseObjectSizes rewrites the object size log from the sizes map a
// reclaim pass computed, replaying entries logged after the snapshot on
// top. The remainder is consumed before the clear.
func (p *Pool) tryCondenseObjectSizes(ctx context.Context, ss *syncingState, objectSizes map[phys.ObjectID]uint32, remainder oblog.Remainder) error {
	if !p.condenseNeeded(ss.objectSizeLog.NumChunks(), len(objectSizes)) {
		return nil
	}
	txg := ss.syncingTXG

	log.Info().Uint64("txg", uint64(txg)).Uint64("chunks", ss.objectSizeLog.NumChunks()).
		Uint64("entries", ss.objectSizeLog.NumEntries()).Int("live", len(objectSizes)).
		Msg("condensing object size log")
	begin := time.Now()

	var suffix []phys.ObjectSizeLogEntry
	err := ss.objectSizeLog.IterRemainder(ctx, uint64(txg), remainder,
		func(ent phys.ObjectSizeLogEntry) error {
			suffix = append(suffix, ent)
			return nil
		})
	if err != nil {
		return err
	}
	if err := ss.objectSizeLog.Clear(ctx, uint64(txg)); err != nil {
		return err
	}

	objs := make([]phys.ObjectID, 0, len(objectSizes))
	for obj := range objectSizes {
		objs = append(objs, obj)
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i] < objs[j] })
	for _, obj := range objs {
		ss.objectSizeLog.Append(uint64(txg), phys.ObjectSizeLogEntry{
			Kind:     phys.EntryExists,
			Obj:      obj,
			NumBytes: objectSizes[obj],
		})
	}
	for _, ent := range suffix {
		ss.objectSizeLog.Append(uint64(txg), ent)
	}

	if err := ss.objectSizeLog.Flush(ctx, uint64(txg)); err != nil {
		return err
	}

	log.Info().Uint64("txg", uint64(txg)).Uint64("entries", ss.objectSizeLog.NumEntries()).
		Uint64("chunks", ss.objectSizeLog.NumChunks()).Dur("elapsed", time.Since(begin)).
		Msg("object size log condensed")
	return nil
}
