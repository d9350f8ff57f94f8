// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package bblog

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// memDevice is a sparse in-memory Device. Reads past the written frontier
// come back zero-filled, like a fresh disk.
type memDevice struct {
	mu  sync.Mutex
	buf []byte
}

func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	end := int(off) + len(p)
	if end > len(d.buf) {
		grown := make([]byte, end)
		copy(grown, d.buf)
		d.buf = grown
	}
	copy(d.buf[off:end], p)
	return len(p), nil
}

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range p {
		p[i] = 0
	}
	if int(off) < len(d.buf) {
		copy(p, d.buf[off:])
	}
	return len(p), nil
}

type rec struct {
	Key uint64 `json:"key"`
	Val uint64 `json:"val"`
}

func recKey(r rec) uint64 { return r.Key }

// Arena small enough that tests never materialize the default 128 MiB
// extents.
const testArenaSize = 1 << 20

func newTestLog(t *testing.T) (*Log[rec], *memDevice, *ArenaAllocator) {
	t.Helper()
	dev := &memDevice{}
	alloc := NewArena(testArenaSize)
	l, err := Open[rec](dev, alloc, Phys{})
	require.NoError(t, err)
	return l, dev, alloc
}

func TestRoundTrip(t *testing.T) {
	l, _, _ := newTestLog(t)

	const n = 250 // three chunks
	for i := uint64(0); i < n; i++ {
		l.Append(rec{Key: i * 2, Val: i})
	}
	require.NoError(t, l.Flush())
	require.Equal(t, uint64(n), l.NumEntries())

	var got []rec
	require.NoError(t, l.Iter(func(r rec) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, n)
	for i, r := range got {
		require.Equal(t, rec{Key: uint64(i) * 2, Val: uint64(i)}, r)
	}
}

func TestIterWithPendingFails(t *testing.T) {
	l, _, _ := newTestLog(t)
	l.Append(rec{Key: 1})
	require.Error(t, l.Iter(func(rec) error { return nil }))
}

func TestLookupByKey(t *testing.T) {
	l, _, _ := newTestLog(t)

	const n = 350
	for i := uint64(0); i < n; i++ {
		l.Append(rec{Key: 10 + i*2, Val: i})
	}
	require.NoError(t, l.Flush())

	// Present keys, across chunk boundaries.
	for _, i := range []uint64{0, 1, 99, 100, 101, 249, 250, n - 1} {
		r, ok, err := l.LookupByKey(10+i*2, recKey)
		require.NoError(t, err)
		require.True(t, ok, "key %d", 10+i*2)
		require.Equal(t, i, r.Val)
	}

	// Absent: between entries, before the first chunk, past the end.
	for _, key := range []uint64{11, 13, 0, 9, 10 + n*2} {
		_, ok, err := l.LookupByKey(key, recKey)
		require.NoError(t, err)
		require.False(t, ok, "key %d", key)
	}
}

func TestLookupEmpty(t *testing.T) {
	l, _, _ := newTestLog(t)
	_, ok, err := l.LookupByKey(5, recKey)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFlushInBatches(t *testing.T) {
	l, _, _ := newTestLog(t)

	// Multiple flushes keep appending to the same extent; iteration sees
	// one continuous sequence.
	var want []rec
	for batch := uint64(0); batch < 4; batch++ {
		for i := uint64(0); i < 130; i++ {
			r := rec{Key: batch*1000 + i, Val: batch}
			l.Append(r)
			want = append(want, r)
		}
		require.NoError(t, l.Flush())
	}

	var got []rec
	require.NoError(t, l.Iter(func(r rec) error {
		got = append(got, r)
		return nil
	}))
	require.Equal(t, want, got)
}

func TestReopen(t *testing.T) {
	dev := &memDevice{}
	alloc := NewArena(testArenaSize)
	l, err := Open[rec](dev, alloc, Phys{})
	require.NoError(t, err)

	const n = 220
	for i := uint64(0); i < n; i++ {
		l.Append(rec{Key: i, Val: i * 3})
	}
	require.NoError(t, l.Flush())
	p := l.Phys()

	// A fresh allocator learns the occupied ranges through Claim; the
	// chunk index is rebuilt by iterating, so lookups work immediately.
	reopened, err := Open[rec](dev, NewArena(testArenaSize), p)
	require.NoError(t, err)

	r, ok, err := reopened.LookupByKey(137, recKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(137*3), r.Val)

	count := 0
	require.NoError(t, reopened.Iter(func(rec) error {
		count++
		return nil
	}))
	require.Equal(t, n, count)
}

func TestCorruptCountDetected(t *testing.T) {
	dev := &memDevice{}
	alloc := NewArena(testArenaSize)
	l, err := Open[rec](dev, alloc, Phys{})
	require.NoError(t, err)

	for i := uint64(0); i < 10; i++ {
		l.Append(rec{Key: i})
	}
	require.NoError(t, l.Flush())

	p := l.Phys()
	p.NumEntries = 11

	_, err = Open[rec](dev, NewArena(testArenaSize), p)
	require.Error(t, err)
}

func TestClearReturnsSpace(t *testing.T) {
	l, _, alloc := newTestLog(t)

	for i := uint64(0); i < 150; i++ {
		l.Append(rec{Key: i})
	}
	require.NoError(t, l.Flush())
	l.Clear()

	require.Equal(t, uint64(0), l.NumEntries())
	require.NoError(t, l.Iter(func(rec) error { return nil }))

	// Everything is free again.
	ext, err := alloc.Allocate(testArenaSize, testArenaSize)
	require.NoError(t, err)
	require.Equal(t, Extent{Location: 0, Size: testArenaSize}, ext)
}

func TestArenaAllocator(t *testing.T) {
	a := NewArena(1000)

	e1, err := a.Allocate(100, 100)
	require.NoError(t, err)
	e2, err := a.Allocate(100, 100)
	require.NoError(t, err)
	require.Equal(t, uint64(100), e2.Location)

	// Freeing both coalesces back into one segment.
	a.Free(e1)
	a.Free(e2)
	full, err := a.Allocate(1000, 1000)
	require.NoError(t, err)
	require.Equal(t, Extent{Location: 0, Size: 1000}, full)
	a.Free(full)

	// Target larger than the remaining segment is trimmed down to it.
	e3, err := a.Allocate(10, 4000)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), e3.Size)
	a.Free(e3)

	// Out of space.
	_, err = a.Allocate(2000, 2000)
	require.Error(t, err)

	// Claim carves an occupied range out of the middle.
	a.Claim(Extent{Location: 200, Size: 100})
	head, err := a.Allocate(200, 200)
	require.NoError(t, err)
	require.Equal(t, Extent{Location: 0, Size: 200}, head)
	require.Panics(t, func() { a.Claim(Extent{Location: 250, Size: 10}) })
}
