package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/google/btree"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/dsheap/dataspace"
	"github.com/vkngwrapper/dsheap/dataspace/mmap"
	"github.com/vkngwrapper/dsheap/dataspace/sim"
	"github.com/vkngwrapper/dsheap/heap"
	"golang.org/x/sync/errgroup"
)

type liveAllocation struct {
	addr uintptr
	size int
}

func (l liveAllocation) end() uintptr {
	return l.addr + uintptr(l.size)
}

// liveSet tracks every allocation handed out by the heap across all workers and rejects any
// that overlaps one already live
type liveSet struct {
	mutex sync.Mutex
	tree  *btree.BTreeG[liveAllocation]
}

func newLiveSet() *liveSet {
	return &liveSet{
		tree: btree.NewG[liveAllocation](32, func(a, b liveAllocation) bool {
			return a.addr < b.addr
		}),
	}
}

func (s *liveSet) insert(alloc liveAllocation) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var err error
	s.tree.DescendLessOrEqual(alloc, func(prev liveAllocation) bool {
		if prev.end() > alloc.addr {
			err = errors.Newf("allocation [0x%x, 0x%x) overlaps live allocation [0x%x, 0x%x)", alloc.addr, alloc.end(), prev.addr, prev.end())
		}
		return false
	})
	if err != nil {
		return err
	}

	s.tree.AscendGreaterOrEqual(alloc, func(next liveAllocation) bool {
		if next.addr < alloc.end() {
			err = errors.Newf("allocation [0x%x, 0x%x) overlaps live allocation [0x%x, 0x%x)", alloc.addr, alloc.end(), next.addr, next.end())
		}
		return false
	})
	if err != nil {
		return err
	}

	s.tree.ReplaceOrInsert(alloc)
	return nil
}

func (s *liveSet) remove(alloc liveAllocation) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.tree.Delete(alloc)
}

func newProvider(cfg config) (dataspace.Provider, func(), error) {
	switch *cfg.provider {
	case "mmap":
		provider, err := mmap.New(mmap.Options{
			Name:  "heapstress",
			Limit: int(cfg.limit.Bytes()),
		})
		if err != nil {
			return nil, nil, err
		}
		return provider, provider.Close, nil
	default:
		provider, err := sim.New(sim.Options{Limit: int(cfg.limit.Bytes())})
		if err != nil {
			return nil, nil, err
		}
		return provider, func() {}, nil
	}
}

type workerStats struct {
	allocs      int
	frees       int
	outOfMemory int
}

func run(logger *slog.Logger, cfg config, options heap.CreateOptions) error {
	provider, closeProvider, err := newProvider(cfg)
	if err != nil {
		return err
	}
	defer closeProvider()

	registry, err := heap.NewRegistry(logger, provider, options)
	if err != nil {
		return err
	}

	allocator, err := registry.Allocator(*cfg.executable)
	if err != nil {
		return errors.CombineErrors(err, registry.Shutdown())
	}

	hostAccessible := dataspace.IsHostAccessible(provider)
	live := newLiveSet()
	stats := make([]workerStats, *cfg.workers)

	start := time.Now()
	group, ctx := errgroup.WithContext(context.Background())
	for worker := 0; worker < *cfg.workers; worker++ {
		worker := worker
		group.Go(func() error {
			w := &stressWorker{
				id:             worker,
				allocator:      allocator,
				live:           live,
				random:         rand.New(rand.NewSource(*cfg.seed + int64(worker))),
				maxSize:        int(cfg.maxSize.Bytes()),
				maxAlignLog2:   *cfg.maxAlignLog2,
				hostAccessible: hostAccessible,
				stats:          &stats[worker],
			}
			return w.run(ctx, *cfg.ops)
		})
	}
	err = group.Wait()
	elapsed := time.Since(start)

	if err == nil {
		err = allocator.Validate()
	}
	if err == nil {
		err = allocator.CheckCorruption()
	}

	printResults(allocator, stats, elapsed)

	if *cfg.dump != "" {
		dumpErr := dumpMap(allocator, *cfg.dump)
		if dumpErr != nil {
			logger.Error("failed to write detailed map", slog.String("path", *cfg.dump), slog.Any("error", dumpErr))
		}
	}

	return errors.CombineErrors(err, registry.Shutdown())
}

type stressWorker struct {
	id             int
	allocator      *heap.Allocator
	live           *liveSet
	random         *rand.Rand
	maxSize        int
	maxAlignLog2   int
	hostAccessible bool
	stats          *workerStats

	owned []liveAllocation
}

func (w *stressWorker) run(ctx context.Context, ops int) error {
	for i := 0; i < ops; i++ {
		if ctx.Err() != nil {
			return nil
		}

		var err error
		if len(w.owned) > 0 && w.random.Intn(5) < 2 {
			err = w.free(w.random.Intn(len(w.owned)))
		} else {
			err = w.alloc()
		}
		if err != nil {
			return errors.Wrapf(err, "worker %d, operation %d", w.id, i)
		}
	}

	for len(w.owned) > 0 {
		err := w.free(len(w.owned) - 1)
		if err != nil {
			return errors.Wrapf(err, "worker %d, cleanup", w.id)
		}
	}
	return nil
}

func (w *stressWorker) pattern() byte {
	return byte(w.id + 1)
}

func (w *stressWorker) alloc() error {
	size := 1 + w.random.Intn(max(w.maxSize, 1))
	alignLog2 := w.random.Intn(w.maxAlignLog2 + 1)

	addr, err := w.allocator.Alloc(size, alignLog2)
	if errors.Is(err, heap.ErrOutOfMemory) {
		w.stats.outOfMemory++
		return nil
	} else if err != nil {
		return err
	}
	w.stats.allocs++

	if addr%(uintptr(1)<<alignLog2) != 0 {
		return errors.Newf("0x%x is not aligned to 2^%d", addr, alignLog2)
	}

	alloc := liveAllocation{addr: addr, size: size}
	err = w.live.insert(alloc)
	if err != nil {
		return err
	}
	w.owned = append(w.owned, alloc)

	if w.hostAccessible {
		data, err := w.allocator.Bytes(addr)
		if err != nil {
			return err
		}
		for i := range data {
			data[i] = w.pattern()
		}
	}

	return nil
}

func (w *stressWorker) free(index int) error {
	alloc := w.owned[index]
	w.owned[index] = w.owned[len(w.owned)-1]
	w.owned = w.owned[:len(w.owned)-1]

	size, err := w.allocator.SizeAt(alloc.addr)
	if err != nil {
		return err
	}
	if size != alloc.size {
		return errors.Newf("allocation at 0x%x reports size %d, requested %d", alloc.addr, size, alloc.size)
	}

	if w.hostAccessible {
		data, err := w.allocator.Bytes(alloc.addr)
		if err != nil {
			return err
		}
		for i, b := range data {
			if b != w.pattern() {
				return errors.Newf("allocation at 0x%x was overwritten at byte %d", alloc.addr, i)
			}
		}
	}

	w.live.remove(alloc)
	w.stats.frees++
	return w.allocator.Free(alloc.addr)
}

func printResults(allocator *heap.Allocator, stats []workerStats, elapsed time.Duration) {
	var total workerStats
	for _, s := range stats {
		total.allocs += s.allocs
		total.frees += s.frees
		total.outOfMemory += s.outOfMemory
	}

	heapStats := allocator.DetailedStatistics()

	bold := color.New(color.Bold)
	bold.Println("Workload:")
	printSummary("duration", elapsed.String())
	printSummary("allocations", humanize.Comma(int64(total.allocs)))
	printSummary("frees", humanize.Comma(int64(total.frees)))
	if total.outOfMemory > 0 {
		printSummary("out of memory", color.YellowString(humanize.Comma(int64(total.outOfMemory))))
	} else {
		printSummary("out of memory", "0")
	}

	bold.Println("Heap:")
	printSummary("strategy", allocator.Strategy().String())
	printSummary("regions", fmt.Sprintf("%d (%s)", heapStats.RegionCount, humanize.IBytes(uint64(heapStats.RegionBytes))))
	printSummary("growths", fmt.Sprintf("%d, %d failed", allocator.Growths(), allocator.GrowthFailures()))
	printSummary("live allocations", fmt.Sprintf("%d (%s)", heapStats.AllocationCount, humanize.IBytes(uint64(heapStats.AllocationBytes))))
	printSummary("unused ranges", humanize.Comma(int64(heapStats.UnusedRangeCount)))
	if heapStats.UnusedRangeCount > 0 {
		printSummary("largest unused range", humanize.IBytes(uint64(heapStats.UnusedRangeSizeMax)))
	}
}

func dumpMap(allocator *heap.Allocator, path string) error {
	writer := jwriter.NewWriter()
	allocator.PrintDetailedMap(&writer)
	if err := writer.Error(); err != nil {
		return err
	}

	return os.WriteFile(path, writer.Bytes(), 0o644)
}
