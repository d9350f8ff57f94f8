// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package oblog implements an append-only log whose chunks are individual
// blobs in the object store, named <name>/<generation>/<chunk>. The log is
// the persistence form of the pool's metadata streams: entries are buffered
// in memory, flushed to numbered chunk blobs at the end of a TXG, and the
// committed length is published through the physical descriptor carried in
// the uberblock. Clearing the log bumps the generation, so a condensed or
// rebuilt log atomically replaces the previous one; stale chunks are
// deleted in the background and ignored by recovery.
package oblog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/asch/bspool/internal/objstore"
)

// EntriesPerObject is the number of entries packed into one chunk blob.
// The log condense heuristics are expressed in terms of this constant.
const EntriesPerObject = 10000

// Phys is the durable descriptor of the log, persisted in the uberblock.
// Only chunks below NumChunks in the current generation are authoritative;
// anything newer was written by an uncommitted TXG and is discarded by
// Recover.
type Phys struct {
	Generation uint64 `json:"generation"`
	NumChunks  uint64 `json:"num_chunks"`
	NumEntries uint64 `json:"num_entries"`
}

// Remainder is an opaque iteration cookie marking the log's length at the
// time of an IterMost call. IterRemainder replays only entries appended
// after that point.
type Remainder struct {
	generation uint64
	chunk      uint64
}

// Log is an object-backed append-only log of T. Not safe for concurrent
// use; the pool serializes access through its syncing state.
type Log[T any] struct {
	store objstore.ObjectStore
	name  string
	phys  Phys

	pending []T
}

type chunk[T any] struct {
	Txg     uint64 `json:"txg"`
	Entries []T    `json:"entries"`
}

// Create returns an empty log named name (generation 0).
func Create[T any](store objstore.ObjectStore, name string) *Log[T] {
	return &Log[T]{store: store, name: name}
}

// Open returns a log positioned at the committed descriptor phys.
func Open[T any](store objstore.ObjectStore, name string, phys Phys) *Log[T] {
	return &Log[T]{store: store, name: name, phys: phys}
}

func (l *Log[T]) Phys() Phys          { return l.phys }
func (l *Log[T]) NumChunks() uint64   { return l.phys.NumChunks }
func (l *Log[T]) NumEntries() uint64  { return l.phys.NumEntries + uint64(len(l.pending)) }
func (l *Log[T]) NumPending() int     { return len(l.pending) }
func (l *Log[T]) Name() string        { return l.name }

func (l *Log[T]) chunkKey(generation, chunk uint64) string {
	return fmt.Sprintf("%s/%010d/%010d", l.name, generation, chunk)
}

// Append buffers entry for the given TXG. The entry becomes durable on the
// next Flush.
func (l *Log[T]) Append(txg uint64, entry T) {
	l.pending = append(l.pending, entry)
}

// Flush writes all buffered entries as new chunk blobs. The new chunks are
// tentative until the uberblock referencing the updated Phys is written;
// recovery discards them otherwise.
func (l *Log[T]) Flush(ctx context.Context, txg uint64) error {
	for len(l.pending) > 0 {
		n := len(l.pending)
		if n > EntriesPerObject {
			n = EntriesPerObject
		}

		c := chunk[T]{Txg: txg, Entries: l.pending[:n]}
		body, err := json.Marshal(&c)
		if err != nil {
			return fmt.Errorf("%s: encoding chunk %d: %w", l.name, l.phys.NumChunks, err)
		}

		key := l.chunkKey(l.phys.Generation, l.phys.NumChunks)
		if err := l.store.PutObject(ctx, key, body); err != nil {
			return fmt.Errorf("%s: writing chunk %s: %w", l.name, key, err)
		}

		l.pending = l.pending[n:]
		l.phys.NumChunks++
		l.phys.NumEntries += uint64(n)
	}
	l.pending = nil
	return nil
}

// Clear atomically starts a new, empty generation. Chunks of the old
// generation are deleted in the background; recovery ignores them either
// way. Pending entries are dropped, so the caller flushes or re-appends
// first.
func (l *Log[T]) Clear(ctx context.Context, txg uint64) error {
	oldGen := l.phys.Generation
	oldChunks := l.phys.NumChunks

	l.phys = Phys{Generation: oldGen + 1}
	l.pending = nil

	store := l.store
	name := l.name
	go func() {
		keys := make([]string, 0, oldChunks)
		for c := uint64(0); c < oldChunks; c++ {
			keys = append(keys, fmt.Sprintf("%s/%010d/%010d", name, oldGen, c))
		}
		if err := store.DeleteObjects(context.Background(), keys); err != nil {
			log.Info().Err(err).Str("log", name).Uint64("generation", oldGen).
				Msg("deleting stale log generation failed")
		}
	}()

	log.Debug().Str("log", l.name).Uint64("txg", txg).
		Uint64("generation", l.phys.Generation).Msg("log cleared")
	return nil
}

func (l *Log[T]) iterateGen(ctx context.Context, generation, from, to uint64, fn func(T) error) error {
	for c := from; c < to; c++ {
		key := l.chunkKey(generation, c)
		body, err := l.store.GetObject(ctx, key)
		if err != nil {
			return fmt.Errorf("%s: reading chunk %s: %w", l.name, key, err)
		}

		var ch chunk[T]
		if err := json.Unmarshal(body, &ch); err != nil {
			return fmt.Errorf("%s: decoding chunk %s: %w", l.name, key, err)
		}

		for _, entry := range ch.Entries {
			if err := fn(entry); err != nil {
				return err
			}
		}
	}
	return nil
}

// Iterate calls fn for every committed entry since the last Clear, in
// append order. Pending (unflushed) entries are not visited.
func (l *Log[T]) Iterate(ctx context.Context, fn func(T) error) error {
	return l.iterateGen(ctx, l.phys.Generation, 0, l.phys.NumChunks, fn)
}

// Snapshot returns a cookie marking the log's committed length. Entries
// appended after this point are only seen by IterRemainder with the
// returned cookie.
func (l *Log[T]) Snapshot() Remainder {
	return Remainder{generation: l.phys.Generation, chunk: l.phys.NumChunks}
}

// IterateTo iterates the stable prefix captured by a Snapshot. Chunks are
// immutable once written, so this is safe from a background task while the
// owner keeps appending.
func (l *Log[T]) IterateTo(ctx context.Context, rem Remainder, fn func(T) error) error {
	return l.iterateGen(ctx, rem.generation, 0, rem.chunk, fn)
}

// IterMost iterates the stable prefix of the log and returns a cookie for
// the rest; Snapshot + IterateTo in one call.
func (l *Log[T]) IterMost(ctx context.Context, fn func(T) error) (Remainder, error) {
	rem := l.Snapshot()
	if err := l.IterateTo(ctx, rem, fn); err != nil {
		return Remainder{}, err
	}
	return rem, nil
}

// IterRemainder flushes pending entries and iterates everything appended
// after the IterMost call that produced rem. Must be called before Clear,
// otherwise the suffix would belong to the wiped generation.
func (l *Log[T]) IterRemainder(ctx context.Context, txg uint64, rem Remainder, fn func(T) error) error {
	if rem.generation != l.phys.Generation {
		return fmt.Errorf("%s: remainder generation %d does not match log generation %d",
			l.name, rem.generation, l.phys.Generation)
	}
	if err := l.Flush(ctx, txg); err != nil {
		return err
	}
	return l.iterateGen(ctx, l.phys.Generation, rem.chunk, l.phys.NumChunks, fn)
}

// Recover removes chunks that are not covered by the committed descriptor:
// older generations orphaned by a Clear, newer generations from an
// uncommitted Clear, and chunks past NumChunks from a flush whose uberblock
// never made it. Called once after opening the log by its descriptor.
func (l *Log[T]) Recover(ctx context.Context) error {
	infos, err := l.store.ListObjects(ctx, l.name+"/", "")
	if err != nil {
		return fmt.Errorf("%s: listing chunks: %w", l.name, err)
	}

	var stale []string
	for _, info := range infos {
		gen, chunk, err := l.parseChunkKey(info.Key)
		if err != nil {
			return err
		}
		if gen != l.phys.Generation || chunk >= l.phys.NumChunks {
			stale = append(stale, info.Key)
		}
	}

	if len(stale) == 0 {
		return nil
	}
	log.Info().Str("log", l.name).Int("chunks", len(stale)).
		Msg("discarding uncommitted log chunks")
	return l.store.DeleteObjects(ctx, stale)
}

func (l *Log[T]) parseChunkKey(key string) (generation, chunk uint64, err error) {
	rest := strings.TrimPrefix(key, l.name+"/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%s: malformed chunk key %q", l.name, key)
	}
	generation, err = strconv.ParseUint(parts[0], 10, 64)
	if err == nil {
		chunk, err = strconv.ParseUint(parts[1], 10, 64)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("%s: malformed chunk key %q: %v", l.name, key, err)
	}
	return generation, chunk, nil
}
