package ids

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGeneratorUniqueUnderContention(t *testing.T) {
	g := NewGenerator(7)
	const workers, per = 8, 2000

	var mu sync.Mutex
	seen := make(map[int64]struct{}, workers*per)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, per)
			for i := 0; i < per; i++ {
				local = append(local, g.Next())
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, seen, workers*per)
}

func TestNodeBits(t *testing.T) {
	id := NewGenerator(513).Next()
	require.EqualValues(t, 513, (id>>12)&0x3FF)
	require.True(t, NodeIDFromName("gw-a") >= 0 && NodeIDFromName("gw-a") < 1024)
}
