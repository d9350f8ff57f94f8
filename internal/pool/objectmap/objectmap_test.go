// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package objectmap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asch/bspool/internal/pool/phys"
)

func TestInsertLookup(t *testing.T) {
	m := New()
	require.Equal(t, 0, m.Len())
	require.Equal(t, phys.ObjectID(0), m.LastObj())

	_, ok := m.BlockToObj(0)
	require.False(t, ok)

	m.Insert(1, 0)
	m.Insert(2, 64)
	m.Insert(5, 200)
	require.Equal(t, 3, m.Len())
	require.Equal(t, phys.ObjectID(5), m.LastObj())

	cases := []struct {
		block phys.BlockID
		obj   phys.ObjectID
	}{
		{0, 1},
		{63, 1},
		{64, 2},
		{199, 2},
		{200, 5},
		{100000, 5},
	}
	for _, c := range cases {
		obj, ok := m.BlockToObj(c.block)
		require.True(t, ok, "block %d", c.block)
		require.Equal(t, c.obj, obj, "block %d", c.block)
	}

	require.NoError(t, m.Verify())
}

func TestInsertOutOfOrderPanics(t *testing.T) {
	m := New()
	m.Insert(3, 10)
	require.Panics(t, func() { m.Insert(3, 20) })
	require.Panics(t, func() { m.Insert(2, 20) })
}

func TestRemove(t *testing.T) {
	m := New()
	m.Insert(1, 0)
	m.Insert(2, 64)
	m.Insert(3, 128)

	m.Remove(2)
	require.Equal(t, 2, m.Len())

	// Blocks of the removed object now resolve to its predecessor, which
	// is where consolidation moved them.
	obj, ok := m.BlockToObj(100)
	require.True(t, ok)
	require.Equal(t, phys.ObjectID(1), obj)

	obj, ok = m.BlockToObj(128)
	require.True(t, ok)
	require.Equal(t, phys.ObjectID(3), obj)

	require.Panics(t, func() { m.Remove(2) })
}

func TestIterate(t *testing.T) {
	m := New()
	m.Insert(1, 0)
	m.Insert(4, 10)
	m.Insert(9, 20)

	var got []Entry
	m.Iterate(func(e Entry) { got = append(got, e) })
	require.Equal(t, []Entry{{1, 0}, {4, 10}, {9, 20}}, got)
}
