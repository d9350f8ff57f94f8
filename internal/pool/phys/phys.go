// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package phys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/asch/bspool/internal/objstore"
	"github.com/asch/bspool/internal/pool/oblog"
)

// ErrCorrupt marks decode failures and integrity violations on blobs read
// back from the object store. The pool is not safely usable after one.
var ErrCorrupt = errors.New("on-disk corruption")

// PoolPhys is the pool header blob, the root of everything: it points at
// the latest committed uberblock. Guid and name are redundant with the key,
// kept for verification.
type PoolPhys struct {
	GUID    PoolGUID `json:"guid"`
	Name    string   `json:"name"`
	LastTXG TXG      `json:"last_txg"`
}

// PoolStatsPhys carries pool-wide counters through the uberblock. The
// blocks counters do not include the pending object.
type PoolStatsPhys struct {
	BlocksCount       uint64 `json:"blocks_count"`
	BlocksBytes       uint64 `json:"blocks_bytes"`
	PendingFreesCount uint64 `json:"pending_frees_count"`
	PendingFreesBytes uint64 `json:"pending_frees_bytes"`
	ObjectsCount      uint64 `json:"objects_count"`
}

// UberblockPhys is the per-TXG root metadata blob. Its existence at a TXG
// means all metadata it references is durable. The three log descriptors
// are published here atomically; a log flush that is not covered by a
// committed uberblock is discarded on recovery.
type UberblockPhys struct {
	GUID PoolGUID  `json:"guid"`
	TXG  TXG       `json:"txg"`
	Date time.Time `json:"date"`

	StorageObjectLog oblog.Phys `json:"storage_object_log"`
	PendingFreesLog  oblog.Phys `json:"pending_frees_log"`
	ObjectSizeLog    oblog.Phys `json:"object_size_log"`

	NextBlock BlockID       `json:"next_block"`
	Stats     PoolStatsPhys `json:"stats"`

	// Opaque client payloads carried through the commit, not interpreted
	// by the engine.
	ZFSUberblock []byte `json:"zfs_uberblock"`
	ZFSConfig    []byte `json:"zfs_config"`
}

// DataObjectPhys is a blob packing many small client blocks written in the
// same TXG range. Encoded with msgpack: a typical object holds hundreds of
// blocks and the compact binary block map amortizes serialization cost.
type DataObjectPhys struct {
	GUID   PoolGUID `msgpack:"guid"`
	Object ObjectID `msgpack:"object"`

	// Sum of the lengths of all block values.
	BlocksSize uint32 `msgpack:"blocks_size"`

	MinBlock  BlockID `msgpack:"min_block"`  // inclusive
	NextBlock BlockID `msgpack:"next_block"` // exclusive

	// If this object was rewritten to consolidate adjacent objects, its
	// blocks may span a range of TXGs.
	MinTXG TXG `msgpack:"min_txg"`
	MaxTXG TXG `msgpack:"max_txg"` // inclusive

	Blocks map[BlockID][]byte `msgpack:"blocks"`
}

// StorageObjectLogEntry records a data object's lifecycle: Alloc when it is
// created, Free when a reclaim pass deletes it. Replaying the log yields
// the object -> first block map.
type StorageObjectLogEntry struct {
	Kind               EntryKind `json:"kind"`
	Obj                ObjectID  `json:"obj"`
	FirstPossibleBlock BlockID   `json:"first_possible_block,omitempty"`
}

// ObjectSizeLogEntry records an object's post-write size. A later Exists
// entry for the same object supersedes earlier ones; Freed removes it.
type ObjectSizeLogEntry struct {
	Kind      EntryKind `json:"kind"`
	Obj       ObjectID  `json:"obj"`
	NumBlocks uint32    `json:"num_blocks,omitempty"`
	NumBytes  uint32    `json:"num_bytes,omitempty"`
}

// PendingFreesLogEntry records a freed block whose bytes still sit in the
// containing data object until reclaim rewrites it.
type PendingFreesLogEntry struct {
	Block BlockID `json:"block"`
	Size  uint32  `json:"size"`
}

// EntryKind discriminates the log entry variants.
type EntryKind string

const (
	EntryAlloc  EntryKind = "alloc"
	EntryFree   EntryKind = "free"
	EntryExists EntryKind = "exists"
	EntryFreed  EntryKind = "freed"
)

/*
 * Accessors for on-disk structures
 */

func GetPool(ctx context.Context, store objstore.ObjectStore, guid PoolGUID) (*PoolPhys, error) {
	key := SuperKey(guid)
	buf, err := store.GetObject(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}

	var p PoolPhys
	if _, err := FrameDecode(buf, &p); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	if p.GUID != guid {
		return nil, fmt.Errorf("%s: guid %d does not match key: %w", key, p.GUID, ErrCorrupt)
	}
	return &p, nil
}

func PoolExists(ctx context.Context, store objstore.ObjectStore, guid PoolGUID) (bool, error) {
	return store.ObjectExists(ctx, SuperKey(guid))
}

func (p *PoolPhys) Put(ctx context.Context, store objstore.ObjectStore) error {
	log.Debug().Uint64("guid", uint64(p.GUID)).Uint64("last_txg", uint64(p.LastTXG)).
		Msg("putting super")
	buf, err := FrameEncode(p)
	if err != nil {
		return err
	}
	return store.PutObject(ctx, SuperKey(p.GUID), buf)
}

func GetUberblock(ctx context.Context, store objstore.ObjectStore, guid PoolGUID, txg TXG) (*UberblockPhys, error) {
	key := UberblockKey(guid, txg)
	buf, err := store.GetObject(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}

	var u UberblockPhys
	if _, err := FrameDecode(buf, &u); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	if u.GUID != guid {
		return nil, fmt.Errorf("%s: guid %d does not match key: %w", key, u.GUID, ErrCorrupt)
	}
	if u.TXG != txg {
		return nil, fmt.Errorf("%s: txg %d does not match key: %w", key, u.TXG, ErrCorrupt)
	}
	return &u, nil
}

func (u *UberblockPhys) Put(ctx context.Context, store objstore.ObjectStore) error {
	log.Debug().Uint64("guid", uint64(u.GUID)).Uint64("txg", uint64(u.TXG)).
		Msg("putting uberblock")
	buf, err := FrameEncode(u)
	if err != nil {
		return err
	}
	return store.PutObject(ctx, UberblockKey(u.GUID, u.TXG), buf)
}

// NewDataObject returns an empty data object starting at nextBlock, open
// for packing blocks written in txg.
func NewDataObject(guid PoolGUID, obj ObjectID, nextBlock BlockID, txg TXG) *DataObjectPhys {
	return &DataObjectPhys{
		GUID:      guid,
		Object:    obj,
		MinBlock:  nextBlock,
		NextBlock: nextBlock,
		MinTXG:    txg,
		MaxTXG:    txg,
		Blocks:    make(map[BlockID][]byte),
	}
}

// Verify checks the object's internal invariants. A violation means the
// blob (or the code that built it) is corrupt.
func (d *DataObjectPhys) Verify() error {
	var sum uint64
	var minKey, maxKey BlockID
	first := true
	for id, data := range d.Blocks {
		sum += uint64(len(data))
		if first || id < minKey {
			minKey = id
		}
		if first || id > maxKey {
			maxKey = id
		}
		first = false
	}

	if sum != uint64(d.BlocksSize) {
		return fmt.Errorf("object %d: blocks_size %d != sum of block lengths %d: %w",
			d.Object, d.BlocksSize, sum, ErrCorrupt)
	}
	if d.MinTXG > d.MaxTXG {
		return fmt.Errorf("object %d: min_txg %d > max_txg %d: %w",
			d.Object, d.MinTXG, d.MaxTXG, ErrCorrupt)
	}
	if d.MinBlock > d.NextBlock {
		return fmt.Errorf("object %d: min_block %d > next_block %d: %w",
			d.Object, d.MinBlock, d.NextBlock, ErrCorrupt)
	}
	if !first {
		if minKey < d.MinBlock {
			return fmt.Errorf("object %d: block %d below min_block %d: %w",
				d.Object, minKey, d.MinBlock, ErrCorrupt)
		}
		if maxKey >= d.NextBlock {
			return fmt.Errorf("object %d: block %d not below next_block %d: %w",
				d.Object, maxKey, d.NextBlock, ErrCorrupt)
		}
	}
	return nil
}

func GetDataObject(ctx context.Context, store objstore.ObjectStore, guid PoolGUID, obj ObjectID) (*DataObjectPhys, error) {
	key := DataObjectKey(guid, obj)
	buf, err := store.GetObject(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}

	var d DataObjectPhys
	if err := msgpack.Unmarshal(buf, &d); err != nil {
		return nil, fmt.Errorf("decoding %s: %v: %w", key, err, ErrCorrupt)
	}
	if d.GUID != guid {
		return nil, fmt.Errorf("%s: guid %d does not match key: %w", key, d.GUID, ErrCorrupt)
	}
	if d.Object != obj {
		return nil, fmt.Errorf("%s: object %d does not match key: %w", key, d.Object, ErrCorrupt)
	}
	if err := d.Verify(); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *DataObjectPhys) Put(ctx context.Context, store objstore.ObjectStore) error {
	if err := d.Verify(); err != nil {
		return err
	}

	buf, err := msgpack.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding object %d: %w", d.Object, err)
	}
	log.Debug().Uint64("object", uint64(d.Object)).Int("blocks", len(d.Blocks)).
		Int("bytes", len(buf)).Msg("putting data object")
	return store.PutObject(ctx, DataObjectKey(d.GUID, d.Object), buf)
}
