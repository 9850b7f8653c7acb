package indexcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// buildThreadCache simulates one worker thread inserting the given
// (term, docID) add pairs. With maxMemory 0 every unseen key spills; with
// a large maxMemory every key stays resident, so callers mix both to
// exercise the resident-sweep and spilled-run paths of the merge.
func buildThreadCache(t *testing.T, dir string, buckets int, maxMemory uint64, adds [][2]any) *BalancedCache {
	t.Helper()
	c, err := NewBalancedCache(buckets, maxMemory, NewArena(0), dir)
	require.NoError(t, err)
	for _, pair := range adds {
		term := pair[0].(string)
		id := pair[1].(uint32)
		require.NoError(t, c.InsertAdd([]byte(term), id))
	}
	return c
}

func TestMergeGroupUnionsAcrossThreadsAndSpilledRuns(t *testing.T) {
	dir := t.TempDir()

	// Thread 0: forces every key to spill.
	t0 := buildThreadCache(t, dir+"/t0", 1, 0, [][2]any{
		{"apple", uint32(1)}, {"banana", uint32(2)}, {"apple", uint32(3)},
	})
	// Thread 1: keeps everything resident.
	t1 := buildThreadCache(t, dir+"/t1", 1, 1<<30, [][2]any{
		{"apple", uint32(4)}, {"cherry", uint32(5)},
	})

	f0, err := t0.Freeze()
	require.NoError(t, err)
	f1, err := t1.Freeze()
	require.NoError(t, err)

	groups := Transpose([][]*FrozenBucket{f0, f1})
	require.Len(t, groups, 1)

	results := map[string]*Delta{}
	var order []string
	err = MergeGroup(groups[0], func(term []byte, d *Delta) error {
		results[string(term)] = d
		order = append(order, string(term))
		return nil
	})
	require.NoError(t, err)

	require.ElementsMatch(t, []string{"apple", "banana", "cherry"}, order)

	require.True(t, results["apple"].Add.Contains(1))
	require.True(t, results["apple"].Add.Contains(3))
	require.True(t, results["apple"].Add.Contains(4))
	require.EqualValues(t, 3, results["apple"].Add.GetCardinality())

	require.True(t, results["banana"].Add.Contains(2))
	require.True(t, results["cherry"].Add.Contains(5))
}

func TestMergeGroupEmitsEachKeyExactlyOnce(t *testing.T) {
	dir := t.TempDir()
	t0 := buildThreadCache(t, dir+"/t0", 1, 0, [][2]any{
		{"x", uint32(1)}, {"x", uint32(2)}, {"y", uint32(3)},
	})
	f0, err := t0.Freeze()
	require.NoError(t, err)

	seen := map[string]int{}
	err = MergeGroup([]*FrozenBucket{f0}, func(term []byte, d *Delta) error {
		seen[string(term)]++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, seen["x"])
	require.Equal(t, 1, seen["y"])
}
