package indexenv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireOpensAndReusesEnv(t *testing.T) {
	p := NewPool(t.TempDir(), 0, 0)
	e1, err := p.Acquire("books")
	require.NoError(t, err)
	e2, err := p.Acquire("books")
	require.NoError(t, err)
	require.Same(t, e1, e2)
	require.NoError(t, p.CloseAll())
}

func TestAcquireEvictsLRUBeyondIndexCount(t *testing.T) {
	p := NewPool(t.TempDir(), 0, 2)
	_, err := p.Acquire("a")
	require.NoError(t, err)
	_, err = p.Acquire("b")
	require.NoError(t, err)
	require.Equal(t, 2, p.Len())

	_, err = p.Acquire("c")
	require.NoError(t, err)
	require.Equal(t, 2, p.Len(), "opening past index_count should evict the LRU entry")

	_, ok := p.elems["a"]
	require.False(t, ok, "a was least recently used and should have been evicted")

	require.NoError(t, p.CloseAll())
}

func TestTouchingKeepsEntryAlive(t *testing.T) {
	p := NewPool(t.TempDir(), 0, 2)
	_, err := p.Acquire("a")
	require.NoError(t, err)
	_, err = p.Acquire("b")
	require.NoError(t, err)
	_, err = p.Acquire("a") // touch a, making b the LRU victim
	require.NoError(t, err)
	_, err = p.Acquire("c")
	require.NoError(t, err)

	_, ok := p.elems["b"]
	require.False(t, ok)
	_, ok = p.elems["a"]
	require.True(t, ok)

	require.NoError(t, p.CloseAll())
}
