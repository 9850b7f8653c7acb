package indexcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertAddAndDelCollapseRepeats(t *testing.T) {
	c, err := NewBalancedCache(1, 1<<30, NewArena(0), t.TempDir())
	require.NoError(t, err)

	require.NoError(t, c.InsertAdd([]byte("term"), 1))
	require.NoError(t, c.InsertAdd([]byte("term"), 1))
	require.NoError(t, c.InsertAdd([]byte("term"), 2))
	require.NoError(t, c.InsertDel([]byte("term"), 9))

	frozen, err := c.Freeze()
	require.NoError(t, err)
	d := frozen[0].Resident["term"]
	require.NotNil(t, d)
	require.EqualValues(t, 2, d.Add.GetCardinality())
	require.True(t, d.Add.Contains(1))
	require.True(t, d.Add.Contains(2))
	require.True(t, d.Del.Contains(9))
}

func TestZeroMaxMemorySpillsEveryUnseenKey(t *testing.T) {
	dir := t.TempDir()
	c, err := NewBalancedCache(1, 0, NewArena(0), dir)
	require.NoError(t, err)

	require.NoError(t, c.InsertAdd([]byte("a"), 1))
	require.NoError(t, c.InsertAdd([]byte("b"), 2))
	// a is already known in the spill buffer, so this insert updates that
	// entry; nothing lands in the resident map.
	require.NoError(t, c.InsertAdd([]byte("a"), 3))

	require.Empty(t, c.buckets[0].resident, "unseen keys must not land in the resident map once spilling")

	frozen, err := c.Freeze()
	require.NoError(t, err)
	require.NotEmpty(t, frozen[0].RunPaths)
}

func TestBalancedCacheDistributesAcrossBuckets(t *testing.T) {
	c, err := NewBalancedCache(4, 1<<30, NewArena(0), t.TempDir())
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.NoError(t, c.InsertAdd([]byte{byte('a' + i%26)}, uint32(i)))
	}
	nonEmpty := 0
	for _, b := range c.buckets {
		if len(b.resident) > 0 {
			nonEmpty++
		}
	}
	require.Greater(t, nonEmpty, 1, "distinct terms should land in more than one bucket")
}
