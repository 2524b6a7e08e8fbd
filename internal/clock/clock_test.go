package clock

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNow_StrictlyIncreasing(t *testing.T) {
	prev := Now()
	for i := 0; i < 10000; i++ {
		next := Now()
		require.True(t, next.After(prev), "timestamps must strictly increase")
		prev = next
	}
}

func TestNow_UTC(t *testing.T) {
	now := Now()
	assert.Equal(t, time.UTC, now.Location())
	assert.WithinDuration(t, time.Now(), now, time.Second)
}

func TestNow_ConcurrentUnique(t *testing.T) {
	const goroutines = 8
	const perGoroutine = 2000

	var wg sync.WaitGroup
	results := make([][]int64, goroutines)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			out := make([]int64, 0, perGoroutine)
			for i := 0; i < perGoroutine; i++ {
				out = append(out, Now().UnixNano())
			}
			results[g] = out
		}(g)
	}
	wg.Wait()

	all := make([]int64, 0, goroutines*perGoroutine)
	for _, r := range results {
		all = append(all, r...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	for i := 1; i < len(all); i++ {
		require.NotEqual(t, all[i-1], all[i], "no two calls may share a timestamp")
	}
}

func TestNewID_UniqueAndOpaque(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := NewID()
		assert.Len(t, id, 36)
		_, dup := seen[id]
		require.False(t, dup, "id collision: %s", id)
		seen[id] = struct{}{}
	}
}
