package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ForEach runs fn for every path with at most maxConcurrent invocations in
// flight; a new one launches as soon as a slot frees. Each invocation is
// isolated: fn owns its own failure handling and must never panic the pool.
//
// Cancelling ctx stops scheduling new paths; invocations already running are
// left to finish (predictable partial results). The paths that were never
// scheduled are returned so the caller can record terminal entries for them.
func ForEach(ctx context.Context, paths []string, maxConcurrent int, logger *slog.Logger, fn func(ctx context.Context, path string)) (unscheduled []string) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	start := time.Now()
	logger.Info("batch.start", "paths", len(paths), "max_concurrent", maxConcurrent)

	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup

	abort := func(i int) []string {
		logger.Warn("batch.cancelled",
			"scheduled", i, "unscheduled", len(paths)-i,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		wg.Wait()
		return paths[i:]
	}

	for i, path := range paths {
		// Checked before blocking on a slot, so an already-cancelled context
		// never schedules anything.
		if ctx.Err() != nil {
			return abort(i)
		}
		select {
		case <-ctx.Done():
			return abort(i)
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(ctx, p)
		}(path)
	}
	wg.Wait()

	logger.Info("batch.done",
		"paths", len(paths),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
