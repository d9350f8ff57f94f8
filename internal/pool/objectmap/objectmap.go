// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package objectmap maintains the in-memory ordered map from ObjectID to
// the first BlockID possibly stored in that object. It answers the one
// question the read and reclaim paths need: which data object holds block
// B? The map is rebuilt from the storage object log on open and kept
// current by the syncing context; it relies on block allocation being
// monotonic and objects non-overlapping.
//
// The map itself is not synchronized. The pool guards it with a
// many-reader single-writer lock: the write and read fast paths only read,
// the syncing context writes when accounting or deleting objects.
package objectmap

import (
	"fmt"
	"sort"

	"github.com/asch/bspool/internal/pool/phys"
)

// Entry maps an object to the first block that can be stored in it.
type Entry struct {
	Obj   phys.ObjectID
	Block phys.BlockID
}

type ObjectBlockMap struct {
	// Sorted by Obj; Block is monotonic as well (verified).
	entries []Entry
}

func New() *ObjectBlockMap {
	return &ObjectBlockMap{}
}

func (m *ObjectBlockMap) Len() int {
	return len(m.entries)
}

// LastObj returns the highest ObjectID in the map, or 0 when empty. Object
// ids therefore start at 1.
func (m *ObjectBlockMap) LastObj() phys.ObjectID {
	if len(m.entries) == 0 {
		return 0
	}
	return m.entries[len(m.entries)-1].Obj
}

// Insert adds a mapping for obj. obj must be greater than every object
// already present; anything else is a bug in the caller.
func (m *ObjectBlockMap) Insert(obj phys.ObjectID, firstPossibleBlock phys.BlockID) {
	if last := m.LastObj(); obj <= last {
		panic(fmt.Sprintf("objectmap: inserting object %d not after last object %d", obj, last))
	}
	m.entries = append(m.entries, Entry{Obj: obj, Block: firstPossibleBlock})
}

// Remove deletes the mapping for obj, which must exist.
func (m *ObjectBlockMap) Remove(obj phys.ObjectID) {
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Obj >= obj })
	if i == len(m.entries) || m.entries[i].Obj != obj {
		panic(fmt.Sprintf("objectmap: removing absent object %d", obj))
	}
	m.entries = append(m.entries[:i], m.entries[i+1:]...)
}

// BlockToObj returns the object holding block: the one with the largest
// first-possible-block that is <= block. ok is false when block precedes
// every object.
func (m *ObjectBlockMap) BlockToObj(block phys.BlockID) (phys.ObjectID, bool) {
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Block > block })
	if i == 0 {
		return 0, false
	}
	return m.entries[i-1].Obj, true
}

// Iterate visits the entries in ObjectID order.
func (m *ObjectBlockMap) Iterate(fn func(Entry)) {
	for _, e := range m.entries {
		fn(e)
	}
}

// Verify checks that the mapping is strictly monotonic in both dimensions.
func (m *ObjectBlockMap) Verify() error {
	for i := 1; i < len(m.entries); i++ {
		prev, cur := m.entries[i-1], m.entries[i]
		if cur.Obj <= prev.Obj {
			return fmt.Errorf("objectmap: objects out of order (%d after %d): %w",
				cur.Obj, prev.Obj, phys.ErrCorrupt)
		}
		if cur.Block <= prev.Block {
			return fmt.Errorf("objectmap: first block %d of object %d not above %d of object %d: %w",
				cur.Block, cur.Obj, prev.Block, prev.Obj, phys.ErrCorrupt)
		}
	}
	return nil
}
