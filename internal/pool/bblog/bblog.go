// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package bblog implements a chunked, append-only, disk-backed log of
// fixed-type records stored in locally allocated extents. It serves the
// large indices that are too big to keep as object store blobs: entries
// are buffered in memory, flushed as framed chunks of at most
// EntriesPerChunk records, and, when appended in sorted key order, can be
// looked up with a two-level binary search (chunk index in RAM, then the
// target chunk read from disk).
package bblog

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/asch/bspool/internal/pool/phys"
)

const (
	// EntriesPerChunk bounds the records per framed chunk.
	EntriesPerChunk = 100

	// DefaultExtentSize is the allocation unit for new extents; large so
	// a growing log does not fragment the device.
	DefaultExtentSize = 128 * 1024 * 1024
)

// Extent is a contiguous range of the backing device.
type Extent struct {
	Location uint64 `json:"location"` // byte offset on the device
	Size     uint64 `json:"size"`
}

// Allocator hands out device extents. Implemented by the physical extent
// allocator, which is external to the engine.
type Allocator interface {
	// Allocate returns an extent of at least minSize bytes, preferring
	// targetSize. Fails when the device is out of space.
	Allocate(minSize, targetSize uint64) (Extent, error)

	// Free returns an extent (or the tail of one) to the allocator.
	Free(extent Extent)

	// Claim asserts that an extent is occupied. Used on reopen to replay
	// the log's holdings into a fresh allocator.
	Claim(extent Extent)
}

// Device is the raw backing store extents live on.
type Device interface {
	io.ReaderAt
	io.WriterAt
}

// ExtentEntry places an extent at its logical offset within the log.
type ExtentEntry struct {
	Offset phys.LogOffset `json:"offset"`
	Extent Extent         `json:"extent"`
}

// Phys is the durable descriptor of the log: the ordered extent map and
// the append frontier.
type Phys struct {
	Extents         []ExtentEntry  `json:"extents"` // ordered by Offset
	NextChunk       phys.ChunkID   `json:"next_chunk"`
	NextChunkOffset phys.LogOffset `json:"next_chunk_offset"`
	NumEntries      uint64         `json:"num_entries"`
}

type chunkFrame[T any] struct {
	ID      phys.ChunkID   `json:"id"`
	Offset  phys.LogOffset `json:"offset"`
	Entries []T            `json:"entries"`
}

type chunkIndex[T any] struct {
	offset phys.LogOffset
	first  T
}

// Log is a block based log of T. Not safe for concurrent use.
type Log[T any] struct {
	dev   Device
	alloc Allocator
	phys  Phys

	// First entry (and logical offset) of each chunk, for lookups. Not
	// persisted; rebuilt by iteration on open.
	chunks []chunkIndex[T]

	pending []T
}

// Open claims the descriptor's extents with the allocator and rebuilds the
// in-memory chunk index by iterating the log.
func Open[T any](dev Device, alloc Allocator, p Phys) (*Log[T], error) {
	for _, e := range p.Extents {
		alloc.Claim(e.Extent)
	}

	l := &Log[T]{dev: dev, alloc: alloc, phys: p}
	if err := l.iterChunks(func(c chunkFrame[T]) error {
		l.chunks = append(l.chunks, chunkIndex[T]{offset: c.Offset, first: c.Entries[0]})
		return nil
	}); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log[T]) Phys() Phys         { return l.phys }
func (l *Log[T]) NumEntries() uint64 { return l.phys.NumEntries }

// Append buffers entry in memory until the next Flush.
func (l *Log[T]) Append(entry T) {
	l.pending = append(l.pending, entry)
}

// nextWriteLocation returns the unused tail of the last extent.
func (l *Log[T]) nextWriteLocation() Extent {
	if len(l.phys.Extents) == 0 {
		return Extent{}
	}

	last := l.phys.Extents[len(l.phys.Extents)-1]
	offsetWithin := uint64(l.phys.NextChunkOffset) - uint64(last.Offset)
	if offsetWithin > last.Extent.Size {
		panic(fmt.Sprintf("bblog: next chunk offset %d beyond last extent end %d",
			l.phys.NextChunkOffset, uint64(last.Offset)+last.Extent.Size))
	}
	return Extent{
		Location: last.Extent.Location + offsetWithin,
		Size:     last.Extent.Size - offsetWithin,
	}
}

// Flush groups pending entries into chunks and writes them to extents,
// growing the extent map when the current tail is too small.
func (l *Log[T]) Flush() error {
	for len(l.pending) > 0 {
		n := len(l.pending)
		if n > EntriesPerChunk {
			n = EntriesPerChunk
		}

		frame := chunkFrame[T]{
			ID:      l.phys.NextChunk,
			Offset:  l.phys.NextChunkOffset,
			Entries: l.pending[:n],
		}
		raw, err := phys.FrameEncode(&frame)
		if err != nil {
			return err
		}

		extent := l.nextWriteLocation()
		if uint64(len(raw)) > extent.Size {
			// The tail of the current extent cannot hold this chunk.
			// Give it back and open a fresh extent at the shrunk
			// capacity offset.
			if extent.Size > 0 {
				l.alloc.Free(extent)
			}
			var capacity phys.LogOffset
			if len(l.phys.Extents) > 0 {
				last := &l.phys.Extents[len(l.phys.Extents)-1]
				last.Extent.Size -= extent.Size
				capacity = phys.LogOffset(uint64(last.Offset) + last.Extent.Size)
			}

			extent, err = l.alloc.Allocate(uint64(len(raw)), max(uint64(len(raw)), DefaultExtentSize))
			if err != nil {
				return fmt.Errorf("bblog: growing log: %w", err)
			}
			l.phys.Extents = append(l.phys.Extents, ExtentEntry{Offset: capacity, Extent: extent})
		}

		log.Trace().Uint64("chunk", uint64(frame.ID)).Uint64("offset", uint64(frame.Offset)).
			Int("entries", n).Int("bytes", len(raw)).Uint64("location", extent.Location).
			Msg("flushing block based log chunk")

		if _, err := l.dev.WriteAt(raw, int64(extent.Location)); err != nil {
			return fmt.Errorf("bblog: writing chunk %d: %w", frame.ID, err)
		}

		l.chunks = append(l.chunks, chunkIndex[T]{offset: frame.Offset, first: frame.Entries[0]})
		l.pending = l.pending[n:]
		l.phys.NumEntries += uint64(n)
		l.phys.NextChunk = l.phys.NextChunk.Next()
		l.phys.NextChunkOffset += phys.LogOffset(len(raw))
	}
	l.pending = nil
	return nil
}

// Clear frees every extent back to the allocator and resets the log.
func (l *Log[T]) Clear() {
	for _, e := range l.phys.Extents {
		l.alloc.Free(e.Extent)
	}
	l.phys = Phys{}
	l.chunks = nil
	l.pending = nil
}

// iterChunks walks the on-disk chunks in order, verifying chunk id
// continuity and the total entry count.
func (l *Log[T]) iterChunks(fn func(chunkFrame[T]) error) error {
	var entries uint64
	chunkID := phys.ChunkID(0)

	for _, e := range l.phys.Extents {
		if chunkID == l.phys.NextChunk {
			break
		}

		buf := make([]byte, e.Extent.Size)
		if _, err := l.dev.ReadAt(buf, int64(e.Extent.Location)); err != nil {
			return fmt.Errorf("bblog: reading extent at %d: %w", e.Extent.Location, err)
		}

		consumed := 0
		for consumed < len(buf) && chunkID != l.phys.NextChunk {
			var frame chunkFrame[T]
			n, err := phys.FrameDecode(buf[consumed:], &frame)
			if err != nil {
				return fmt.Errorf("bblog: chunk %d at device offset %d: %w",
					chunkID, e.Extent.Location+uint64(consumed), err)
			}
			if frame.ID != chunkID {
				return fmt.Errorf("bblog: chunk id %d where %d expected: %w",
					frame.ID, chunkID, phys.ErrCorrupt)
			}

			if err := fn(frame); err != nil {
				return err
			}
			entries += uint64(len(frame.Entries))
			chunkID = chunkID.Next()
			consumed += n
		}
	}

	if entries != l.phys.NumEntries {
		return fmt.Errorf("bblog: iterated %d entries, descriptor says %d: %w",
			entries, l.phys.NumEntries, phys.ErrCorrupt)
	}
	return nil
}

// Iter yields every entry in append order. Pending entries must have been
// flushed first.
func (l *Log[T]) Iter(fn func(T) error) error {
	if len(l.pending) != 0 {
		return errors.New("bblog: iterating log with pending entries")
	}
	return l.iterChunks(func(c chunkFrame[T]) error {
		for _, entry := range c.Entries {
			if err := fn(entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// chunkExtent returns the exact location and size of one chunk (not the
// whole containing extent).
func (l *Log[T]) chunkExtent(i int) Extent {
	chunkOffset := l.chunks[i].offset
	var chunkSize uint64
	if i == len(l.chunks)-1 {
		chunkSize = uint64(l.phys.NextChunkOffset) - uint64(chunkOffset)
	} else {
		chunkSize = uint64(l.chunks[i+1].offset) - uint64(chunkOffset)
	}

	// Find the extent containing chunkOffset: the last one at or before it.
	j := sort.Search(len(l.phys.Extents), func(j int) bool {
		return uint64(l.phys.Extents[j].Offset) > uint64(chunkOffset)
	}) - 1
	e := l.phys.Extents[j]
	return Extent{
		Location: e.Extent.Location + (uint64(chunkOffset) - uint64(e.Offset)),
		Size:     chunkSize,
	}
}

// LookupByKey finds the unique entry whose projected key equals key.
// Entries must have been appended in ascending order of the projection.
// Returns ok=false when the key is absent.
func (l *Log[T]) LookupByKey(key uint64, f func(T) uint64) (T, bool, error) {
	var zero T
	if phys.ChunkID(len(l.chunks)) != l.phys.NextChunk {
		return zero, false, fmt.Errorf("bblog: chunk index has %d chunks, descriptor says %d: %w",
			len(l.chunks), l.phys.NextChunk, phys.ErrCorrupt)
	}
	if len(l.chunks) == 0 {
		return zero, false, nil
	}

	// First chunk whose first entry is beyond the key, minus one.
	i := sort.Search(len(l.chunks), func(i int) bool { return f(l.chunks[i].first) > key }) - 1
	if i < 0 {
		// Key precedes the first chunk, therefore not present.
		return zero, false, nil
	}

	ce := l.chunkExtent(i)
	buf := make([]byte, ce.Size)
	if _, err := l.dev.ReadAt(buf, int64(ce.Location)); err != nil {
		return zero, false, fmt.Errorf("bblog: reading chunk %d: %w", i, err)
	}

	var frame chunkFrame[T]
	if _, err := phys.FrameDecode(buf, &frame); err != nil {
		return zero, false, fmt.Errorf("bblog: chunk %d: %w", i, err)
	}
	if frame.ID != phys.ChunkID(i) {
		return zero, false, fmt.Errorf("bblog: chunk id %d where %d expected: %w",
			frame.ID, i, phys.ErrCorrupt)
	}

	j := sort.Search(len(frame.Entries), func(j int) bool { return f(frame.Entries[j]) >= key })
	if j == len(frame.Entries) || f(frame.Entries[j]) != key {
		return zero, false, nil
	}
	return frame.Entries[j], true, nil
}
