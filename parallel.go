package main

import (
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Parallel building blocks shared by the passes. A single process-wide
// worker budget is set once at startup from -thread-count or FLAPLD_JOBS;
// the parallel passes go through the three helpers below, except the
// reachability walk in markLiveObjects, which starts one goroutine per file.

var numJobs = runtime.GOMAXPROCS(0)

// SetJobCount fixes the process-wide parallelism.
func SetJobCount(n int) {
	if n > 0 {
		numJobs = n
	}
}

// parallelForEach runs fn over every element of items.
func parallelForEach[T any](items []T, fn func(T)) {
	if len(items) == 0 {
		return
	}
	if numJobs == 1 || len(items) == 1 {
		for _, it := range items {
			fn(it)
		}
		return
	}
	g := new(errgroup.Group)
	g.SetLimit(numJobs)
	for _, it := range items {
		it := it
		g.Go(func() error {
			fn(it)
			return nil
		})
	}
	g.Wait()
}

// parallelForRange splits [0, n) into contiguous slices, one task each.
func parallelForRange(n int, fn func(begin, end int)) {
	if n <= 0 {
		return
	}
	if numJobs == 1 {
		fn(0, n)
		return
	}
	shard := (n + numJobs - 1) / numJobs
	if shard < 1 {
		shard = 1
	}
	g := new(errgroup.Group)
	g.SetLimit(numJobs)
	for begin := 0; begin < n; begin += shard {
		begin := begin
		end := min(begin+shard, n)
		g.Go(func() error {
			fn(begin, end)
			return nil
		})
	}
	g.Wait()
}

// parallelSort sorts by merging independently sorted shards. Good enough
// for the symbol and relocation tables we deal with; falls back to a plain
// sort for small inputs.
func parallelSort[T any](items []T, less func(a, b T) bool) {
	if len(items) < 1<<14 || numJobs == 1 {
		sort.SliceStable(items, func(i, j int) bool { return less(items[i], items[j]) })
		return
	}

	shard := (len(items) + numJobs - 1) / numJobs
	var wg sync.WaitGroup
	for begin := 0; begin < len(items); begin += shard {
		end := min(begin+shard, len(items))
		wg.Add(1)
		go func(s []T) {
			defer wg.Done()
			sort.SliceStable(s, func(i, j int) bool { return less(s[i], s[j]) })
		}(items[begin:end])
	}
	wg.Wait()

	// Merge the sorted shards pairwise.
	for width := shard; width < len(items); width *= 2 {
		var mg sync.WaitGroup
		for begin := 0; begin < len(items); begin += 2 * width {
			mid := min(begin+width, len(items))
			end := min(begin+2*width, len(items))
			if mid >= end {
				continue
			}
			mg.Add(1)
			go func(a, b []T) {
				defer mg.Done()
				mergeSorted(a, b, less)
			}(items[begin:mid], items[mid:end])
		}
		mg.Wait()
	}
}

func mergeSorted[T any](a, b []T, less func(x, y T) bool) {
	merged := make([]T, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if less(b[j], a[i]) {
			merged = append(merged, b[j])
			j++
		} else {
			merged = append(merged, a[i])
			i++
		}
	}
	merged = append(merged, a[i:]...)
	merged = append(merged, b[j:]...)
	copy(a, merged[:len(a)])
	copy(b, merged[len(a):])
}
