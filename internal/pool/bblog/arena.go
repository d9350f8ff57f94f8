// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package bblog

import (
	"fmt"
	"sort"
)

// ArenaAllocator is a first-fit extent allocator over a fixed device
// range. It satisfies the Allocator contract the log needs: allocation,
// freeing partial tails, and claiming ranges back on reopen.
type ArenaAllocator struct {
	size uint64

	// Free segments, sorted by Location, coalesced.
	free []Extent
}

var _ Allocator = (*ArenaAllocator)(nil)

// NewArena returns an allocator managing the device range [0, size).
func NewArena(size uint64) *ArenaAllocator {
	return &ArenaAllocator{size: size, free: []Extent{{Location: 0, Size: size}}}
}

// Allocate carves the first free segment that fits minSize, granting up to
// targetSize.
func (a *ArenaAllocator) Allocate(minSize, targetSize uint64) (Extent, error) {
	if targetSize < minSize {
		targetSize = minSize
	}

	for i := range a.free {
		seg := a.free[i]
		if seg.Size < minSize {
			continue
		}

		granted := seg.Size
		if granted > targetSize {
			granted = targetSize
		}

		if granted == seg.Size {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = Extent{Location: seg.Location + granted, Size: seg.Size - granted}
		}
		return Extent{Location: seg.Location, Size: granted}, nil
	}

	return Extent{}, fmt.Errorf("arena: out of space allocating %d bytes", minSize)
}

// Free returns an extent to the free list, coalescing neighbors.
func (a *ArenaAllocator) Free(extent Extent) {
	if extent.Size == 0 {
		return
	}

	i := sort.Search(len(a.free), func(i int) bool {
		return a.free[i].Location >= extent.Location
	})
	a.free = append(a.free, Extent{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = extent

	// Coalesce with the successor, then the predecessor.
	if i+1 < len(a.free) && a.free[i].Location+a.free[i].Size == a.free[i+1].Location {
		a.free[i].Size += a.free[i+1].Size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].Location+a.free[i-1].Size == a.free[i].Location {
		a.free[i-1].Size += a.free[i].Size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

// Claim removes a range from the free list, asserting it was free. Used
// when reopening a log whose extents are recorded in its descriptor.
func (a *ArenaAllocator) Claim(extent Extent) {
	for i := range a.free {
		seg := a.free[i]
		if extent.Location < seg.Location || extent.Location+extent.Size > seg.Location+seg.Size {
			continue
		}

		head := Extent{Location: seg.Location, Size: extent.Location - seg.Location}
		tail := Extent{
			Location: extent.Location + extent.Size,
			Size:     seg.Location + seg.Size - (extent.Location + extent.Size),
		}

		rest := append([]Extent{}, a.free[i+1:]...)
		a.free = a.free[:i]
		if head.Size > 0 {
			a.free = append(a.free, head)
		}
		if tail.Size > 0 {
			a.free = append(a.free, tail)
		}
		a.free = append(a.free, rest...)
		return
	}

	panic(fmt.Sprintf("arena: claiming extent [%d,%d) that is not free",
		extent.Location, extent.Location+extent.Size))
}
