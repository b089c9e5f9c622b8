package verify

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterSerializesWithMinSpacing(t *testing.T) {
	const minTime = 40 * time.Millisecond
	l := NewLimiter("registry", 1, minTime, nil)

	var (
		mu       sync.Mutex
		starts   []time.Time
		inFlight atomic.Int32
		maxSeen  atomic.Int32
		wg       sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Do(context.Background(), func(context.Context) error {
				n := inFlight.Add(1)
				defer inFlight.Add(-1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, starts, 4)
	assert.Equal(t, int32(1), maxSeen.Load())
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	for i := 1; i < len(starts); i++ {
		// небольшой допуск на точность таймера
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), minTime-5*time.Millisecond)
	}
}

func TestLimiterRespectsContext(t *testing.T) {
	l := NewLimiter("geo", 1, time.Hour, nil)
	require.NoError(t, l.Do(context.Background(), func(context.Context) error { return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	called := false
	err := l.Do(ctx, func(context.Context) error { called = true; return nil })
	assert.Error(t, err)
	assert.False(t, called)
}

func TestLimitersAreIndependent(t *testing.T) {
	ls := NewLimiters(time.Hour, time.Hour, time.Hour, nil)
	ctx := context.Background()
	noop := func(context.Context) error { return nil }

	start := time.Now()
	require.NoError(t, ls.Registry.Do(ctx, noop))
	require.NoError(t, ls.Ranking.Do(ctx, noop))
	require.NoError(t, ls.Geo.Do(ctx, noop))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "ranking", ls.Ranking.Name())
}
