package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makePaths(n int) []string {
	paths := make([]string, n)
	for i := range paths {
		paths[i] = fmt.Sprintf("/docs/file-%02d.pdf", i)
	}
	return paths
}

func TestForEachRunsEveryPath(t *testing.T) {
	paths := makePaths(25)

	var mu sync.Mutex
	seen := make(map[string]int)
	unscheduled := ForEach(context.Background(), paths, 4, nil, func(ctx context.Context, path string) {
		mu.Lock()
		seen[path]++
		mu.Unlock()
	})

	assert.Empty(t, unscheduled)
	require.Len(t, seen, len(paths))
	for _, p := range paths {
		assert.Equal(t, 1, seen[p], p)
	}
}

func TestForEachBoundsConcurrency(t *testing.T) {
	const bound = 3
	var current, maxSeen int64

	ForEach(context.Background(), makePaths(30), bound, nil, func(ctx context.Context, path string) {
		cur := atomic.AddInt64(&current, 1)
		for {
			prev := atomic.LoadInt64(&maxSeen)
			if cur <= prev || atomic.CompareAndSwapInt64(&maxSeen, prev, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt64(&current, -1)
	})

	assert.LessOrEqual(t, atomic.LoadInt64(&maxSeen), int64(bound))
	assert.Positive(t, atomic.LoadInt64(&maxSeen))
}

func TestForEachStopsSchedulingOnCancel(t *testing.T) {
	paths := makePaths(20)
	ctx, cancel := context.WithCancel(context.Background())

	var ran int64
	started := make(chan struct{}, 1)
	unscheduled := ForEach(ctx, paths, 1, nil, func(ctx context.Context, path string) {
		atomic.AddInt64(&ran, 1)
		select {
		case started <- struct{}{}:
			cancel()
		default:
		}
		// In-flight work finishes even after cancellation.
		time.Sleep(time.Millisecond)
	})

	total := int(atomic.LoadInt64(&ran)) + len(unscheduled)
	assert.Equal(t, len(paths), total)
	assert.NotEmpty(t, unscheduled)
}

func TestForEachMinimumConcurrency(t *testing.T) {
	var ran int64
	unscheduled := ForEach(context.Background(), makePaths(3), 0, nil, func(ctx context.Context, path string) {
		atomic.AddInt64(&ran, 1)
	})
	assert.Empty(t, unscheduled)
	assert.Equal(t, int64(3), atomic.LoadInt64(&ran))
}
