package safe_map

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeMap_LoadStore(t *testing.T) {
	m := NewSafeMap[string, int]()
	require.NotNil(t, m)

	_, ok := m.Load("missing")
	assert.False(t, ok)

	m.Store("a", 1)
	v, ok := m.Load("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	m.Store("a", 2)
	v, _ = m.Load("a")
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, m.Len())
}

func TestSafeMap_Delete(t *testing.T) {
	m := NewSafeMap[string, string]()
	m.Store("k", "v")
	m.Delete("k")
	_, ok := m.Load("k")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())

	// Deleting an absent key is a no-op
	m.Delete("k")
}

func TestSafeMap_ConcurrentAccess(t *testing.T) {
	m := NewSafeMap[int, int]()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			m.Store(n, n*n)
			m.Load(n)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, m.Len())
}
