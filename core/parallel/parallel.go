// Package parallel splits index ranges across CPU cores.
package parallel

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// chunks returns [start, end) ranges covering items, one per worker.
func chunks(items, workers int) [][2]int {
	if workers > items {
		workers = items
	}
	if workers < 1 {
		workers = 1
	}
	chunkSize := (items + workers - 1) / workers

	out := make([][2]int, 0, workers)
	for start := 0; start < items; start += chunkSize {
		end := start + chunkSize
		if end > items {
			end = items
		}
		out = append(out, [2]int{start, end})
	}
	return out
}

// Parallelize divides items according to the number of CPU cores and calls fn
// for each range (start, end) concurrently. fn must only touch its own range.
func Parallelize(items int, fn func(start, end int)) {
	if items <= 0 {
		return
	}

	var wg sync.WaitGroup
	for _, c := range chunks(items, runtime.NumCPU()) {
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(c[0], c[1])
	}
	wg.Wait()
}

// ParallelizeWithThreshold runs fn sequentially when items <= threshold.
func ParallelizeWithThreshold(items int, threshold int, fn func(start, end int)) {
	if items <= 0 {
		return
	}
	if items <= threshold {
		fn(0, items)
		return
	}
	Parallelize(items, fn)
}

// ParallelizeErr is Parallelize for range functions that can fail. The first
// error cancels ctx for the remaining ranges and is returned.
func ParallelizeErr(ctx context.Context, items int, fn func(ctx context.Context, start, end int) error) error {
	if items <= 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range chunks(items, runtime.NumCPU()) {
		s, e := c[0], c[1]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, s, e)
		})
	}
	return g.Wait()
}
