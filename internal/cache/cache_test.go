package cache

import (
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Cache {
	t.Helper()
	rc, err := NewDefault()
	require.NoError(t, err)
	t.Cleanup(rc.Close)
	return map[string]Cache{
		"ristretto": rc,
		"memory":    NewMemoryCache(time.Minute, time.Minute),
	}
}

func TestRememberForget(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			assert.True(t, c.Remember("missing-kid:2", time.Minute))
			assert.False(t, c.Remember("missing-kid:2", time.Minute))
			assert.True(t, c.Remember("missing-kid:3", time.Minute))

			c.Forget("missing-kid:2")
			assert.True(t, c.Remember("missing-kid:2", time.Minute))
		})
	}
}

func TestRememberConcurrentSingleWinner(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var wins atomic.Int32
			var wg sync.WaitGroup
			for range 32 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if c.Remember("missing-kid:race", time.Minute) {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.EqualValues(t, 1, wins.Load())
		})
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache(time.Minute, time.Minute)
	require.True(t, c.Remember("missing-kid:9", 20*time.Millisecond))
	assert.Equal(t, 1, c.Len())
	time.Sleep(50 * time.Millisecond)
	assert.True(t, c.Remember("missing-kid:9", time.Minute))
}

func TestRistrettoCacheInvalidConfig(t *testing.T) {
	_, err := NewRistrettoCache(0, 0, 0)
	assert.Error(t, err)
}

func TestRistrettoRemembersEachKidOnceUnderCapacity(t *testing.T) {
	c, err := NewRistrettoCache(1<<12, 1<<10, 64)
	require.NoError(t, err)
	defer c.Close()

	for i := range 200 {
		key := "missing-kid:" + strconv.Itoa(i)
		require.True(t, c.Remember(key, time.Minute), key)
		require.False(t, c.Remember(key, time.Minute), key)
	}
}
