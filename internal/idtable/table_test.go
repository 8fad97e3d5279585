package idtable

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDsAreUniqueWhileLive(t *testing.T) {
	tbl := New[string]()
	seen := map[uint32]bool{}
	for i := 0; i < 1000; i++ {
		id, err := tbl.Insert("x")
		require.NoError(t, err)
		require.False(t, seen[id], "id %d issued twice while live", id)
		require.NotZero(t, id)
		seen[id] = true
	}
	assert.Equal(t, 1000, tbl.Len())
}

func TestIDsWrapAndSkipLiveEntries(t *testing.T) {
	tbl := New[int]()
	tbl.next = math.MaxUint32 - 2

	a, _ := tbl.Insert(1) // MaxUint32-1
	b, _ := tbl.Insert(2) // MaxUint32
	c, _ := tbl.Insert(3) // wraps past zero
	assert.Equal(t, uint32(math.MaxUint32-1), a)
	assert.Equal(t, uint32(math.MaxUint32), b)
	assert.Equal(t, uint32(1), c)

	// Wrap again with 1 still live: it must be skipped.
	tbl.next = math.MaxUint32
	d, _ := tbl.Insert(4)
	assert.Equal(t, uint32(2), d)

	tbl.Delete(c)
	tbl.next = 0
	e, _ := tbl.Insert(5)
	assert.Equal(t, uint32(1), e, "a retired id may be reused")
}

func TestGetDeleteClear(t *testing.T) {
	tbl := New[string]()
	id, _ := tbl.Insert("search")
	v, ok := tbl.Get(id)
	assert.True(t, ok)
	assert.Equal(t, "search", v)

	tbl.Delete(id)
	_, ok = tbl.Get(id)
	assert.False(t, ok)
	tbl.Delete(id)

	id2, _ := tbl.Insert("a")
	tbl.Insert("b")
	assert.ElementsMatch(t, []uint32{id2, id2 + 1}, tbl.IDs())
	tbl.Clear()
	assert.Zero(t, tbl.Len())
	id3, _ := tbl.Insert("c")
	assert.Greater(t, id3, id2+1, "counter survives Clear")
}
