// Package heap is a general purpose allocator over backing regions acquired from a
// dataspace.Provider. Allocations of any size and power-of-two alignment are carved out of the
// mapped regions, and the pool of regions grows geometrically when nothing fits.
package heap

import (
	"context"
	"fmt"
	"log/slog"
	"math/bits"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/dsheap/dataspace"
	"github.com/vkngwrapper/dsheap/heap/internal/utils"
	"github.com/vkngwrapper/dsheap/memutils"
	"github.com/vkngwrapper/dsheap/memutils/metadata"
	"go.uber.org/atomic"
)

// Allocator serves Alloc, Free and SizeAt against the regions of a single dataspace.Pool. All
// operations, including growth of the pool, are serialized by one mutex unless the allocator
// was created with AllocatorCreateExternallySynchronized.
//
// Freed space is kept for reuse and is only returned to the provider by Destroy.
type Allocator struct {
	logger      *slog.Logger
	createFlags CreateFlags
	strategy    metadata.AllocationStrategy

	mutex     utils.OptionalMutex
	pool      *dataspace.Pool
	metadata  *metadata.RangeMetadata
	destroyed bool

	growths        atomic.Int64
	growthFailures atomic.Int64
}

var _ memutils.Validatable = &Allocator{}

func (a *Allocator) Flags() CreateFlags                    { return a.createFlags }
func (a *Allocator) Strategy() metadata.AllocationStrategy { return a.strategy }
func (a *Allocator) Executable() bool                      { return a.createFlags&AllocatorCreateExecutable != 0 }

// Growths returns the number of backing regions acquired over the allocator's lifetime. It does
// not take the allocator's lock.
func (a *Allocator) Growths() int64 { return a.growths.Load() }

// GrowthFailures returns the number of times the pool failed to grow. It does not take the
// allocator's lock.
func (a *Allocator) GrowthFailures() int64 { return a.growthFailures.Load() }

// allocationParams checks a request and returns the alignment in bytes along with the number of
// bytes the pool must grow by to be certain the request fits in the new region
func allocationParams(size int, alignLog2 int) (uint, int, error) {
	if size < 1 {
		return 0, 0, errors.Wrapf(ErrInvalidArgument, "size must be at least 1, was %d", size)
	}
	if alignLog2 < 0 || alignLog2 >= bits.UintSize-1 {
		return 0, 0, errors.Wrapf(ErrInvalidArgument, "alignment 2^%d cannot be satisfied", alignLog2)
	}

	alignment := uint(1) << alignLog2
	if alignment < uint(memutils.WordSize) {
		alignment = uint(memutils.WordSize)
	}

	growSize, err := memutils.CheckedAdd(size, memutils.WordSize-1)
	if err == nil {
		growSize, err = memutils.CheckedAdd(growSize, int(alignment)-1)
	}
	if err == nil {
		growSize, err = memutils.CheckedAdd(growSize, memutils.DebugMargin)
	}
	if err != nil {
		return 0, 0, errors.Mark(errors.Wrapf(err, "allocation of %d bytes at alignment 2^%d", size, alignLog2), ErrInvalidArgument)
	}

	return alignment, growSize, nil
}

// Alloc returns the address of a new allocation of size bytes aligned to 2^alignLog2. An alignLog2
// of 0 requests the natural word alignment. If no free range can hold the allocation, the pool is
// grown once and the allocation is carved from the new region.
//
// Errors are marked ErrInvalidArgument if the request could never succeed, or ErrOutOfMemory if
// the pool could not grow. Live allocations are never affected by a failed Alloc.
func (a *Allocator) Alloc(size int, alignLog2 int) (uintptr, error) {
	a.logger.Debug("Allocator::Alloc", slog.Int("size", size), slog.Int("alignLog2", alignLog2))

	alignment, growSize, err := allocationParams(size, alignLog2)
	if err != nil {
		return 0, err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return 0, ErrAllocatorDestroyed
	}

	success, allocRequest, err := a.metadata.CreateAllocationRequest(size, alignment, a.strategy)
	if err != nil {
		return 0, errors.Mark(err, ErrInvalidArgument)
	}

	if !success {
		err = a.grow(growSize)
		if err != nil {
			return 0, errors.Mark(errors.Wrapf(err, "allocating %d bytes", size), ErrOutOfMemory)
		}

		success, allocRequest, err = a.metadata.CreateAllocationRequest(size, alignment, a.strategy)
		if err != nil {
			return 0, errors.NewAssertionErrorWithWrappedErrf(err, "retrying allocation of %d bytes after growth", size)
		}
		if !success {
			return 0, errors.AssertionFailedf("a newly grown region could not hold an allocation of %d bytes at alignment %d", size, alignment)
		}
	}

	err = a.metadata.Alloc(allocRequest, size)
	if err != nil {
		return 0, errors.NewAssertionErrorWithWrappedErrf(err, "committing allocation of %d bytes at 0x%x", size, allocRequest.Address)
	}

	if memutils.DebugMargin > 0 && a.hostAccessible(allocRequest.Address) {
		memutils.WriteMagicValue(allocRequest.Address + uintptr(allocRequest.Size-memutils.DebugMargin))
	}

	return allocRequest.Address, nil
}

func (a *Allocator) grow(size int) error {
	region, err := a.pool.Grow(size)
	if err != nil {
		a.growthFailures.Inc()
		a.logger.LogAttrs(context.Background(), slog.LevelWarn, "    Allocator::grow FAILED",
			slog.String("request.size", humanize.IBytes(uint64(size))),
			slog.Int("region.count", a.pool.RegionCount()),
			slog.Any("error", err))
		return err
	}
	a.growths.Inc()

	err = a.metadata.AddRange(region.Base, region.Size)
	if err != nil {
		return errors.NewAssertionErrorWithWrappedErrf(err, "registering %s", region)
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Allocator::grow",
		slog.String("region.base", fmt.Sprintf("0x%x", region.Base)),
		slog.String("region.size", humanize.IBytes(uint64(region.Size))),
		slog.String("heap.size", humanize.IBytes(uint64(a.metadata.Size()))))
	return nil
}

func (a *Allocator) hostAccessible(addr uintptr) bool {
	region, ok := a.pool.RegionFor(addr)
	return ok && region.HostAccessible()
}

// Free returns the allocation at addr to the allocator's free space, merging it with any free
// neighbours. addr must have been returned by Alloc and not yet freed; anything else returns
// ErrNotAllocated and leaves every allocation untouched.
func (a *Allocator) Free(addr uintptr) error {
	a.logger.Debug("Allocator::Free", slog.String("address", fmt.Sprintf("0x%x", addr)))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return ErrAllocatorDestroyed
	}

	if memutils.DebugMargin > 0 && a.hostAccessible(addr) {
		allocRange, err := a.metadata.AllocationRange(addr)
		if err != nil {
			return err
		}

		if !memutils.ValidateMagicValue(allocRange.End() - uintptr(memutils.DebugMargin)) {
			return errors.AssertionFailedf("MEMORY CORRUPTION DETECTED AFTER FREED ALLOCATION at 0x%x", addr)
		}
	}

	return a.metadata.Free(addr)
}

// SizeAt returns the size that the live allocation at addr was requested with
func (a *Allocator) SizeAt(addr uintptr) (int, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return 0, ErrAllocatorDestroyed
	}

	return a.metadata.AllocationSize(addr)
}

// Bytes returns a slice over the live allocation at addr, sized to the requested size. The
// allocator's provider must map host-accessible memory. The slice must not be used after the
// allocation is freed.
func (a *Allocator) Bytes(addr uintptr) ([]byte, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return nil, ErrAllocatorDestroyed
	}

	size, err := a.metadata.AllocationSize(addr)
	if err != nil {
		return nil, err
	}

	if !a.hostAccessible(addr) {
		return nil, errors.Newf("allocation at 0x%x is not backed by host-accessible memory", addr)
	}

	// addr points into a provider mapping, which the garbage collector never moves or frees
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

// ReassignProvider replaces the provider used for future growths. Regions acquired so far are
// kept and are still released through the provider that acquired them.
func (a *Allocator) ReassignProvider(provider dataspace.Provider) error {
	a.logger.Debug("Allocator::ReassignProvider")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return ErrAllocatorDestroyed
	}

	return a.pool.ReassignProvider(provider)
}

// Statistics sums the allocator's regions and allocations. Allocation bytes include rounding
// to the machine word.
func (a *Allocator) Statistics() memutils.Statistics {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var stats memutils.Statistics
	a.pool.AddStatistics(&stats)
	a.metadata.AddStatistics(&stats)
	return stats
}

// DetailedStatistics is Statistics with the size extremes of allocations and unused ranges
func (a *Allocator) DetailedStatistics() memutils.DetailedStatistics {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var stats memutils.DetailedStatistics
	stats.Clear()
	a.pool.AddDetailedStatistics(&stats)
	a.metadata.AddDetailedStatistics(&stats)
	return stats
}

func printStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("RegionCount").Int(stats.RegionCount)
	json.Name("RegionBytes").Int(stats.RegionBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)

	if stats.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}

// PrintDetailedMap writes a json object describing the allocator's settings, its statistics,
// every backing region and every used and free range
func (a *Allocator) PrintDetailedMap(writer *jwriter.Writer) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	objState := writer.Object()
	defer objState.End()

	objState.Name("Flags").String(a.createFlags.String())
	objState.Name("Strategy").String(a.strategy.String())

	var stats memutils.DetailedStatistics
	stats.Clear()
	a.pool.AddDetailedStatistics(&stats)
	a.metadata.AddDetailedStatistics(&stats)

	statsObj := objState.Name("Total").Object()
	printStatistics(&statsObj, &stats)
	statsObj.End()

	poolObj := objState.Name("Pool").Object()
	a.pool.WriteJSON(&poolObj)
	poolObj.End()

	rangesObj := objState.Name("Heap").Object()
	a.metadata.WriteJSON(&rangesObj)
	rangesObj.End()
}

// Validate checks the pool and the range index for internal consistency, and that the range
// index spans exactly the pool's regions. It is expensive and should only be used for diagnostics.
func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := memutils.ValidateAll(a.pool, a.metadata)
	if err != nil {
		return err
	}

	if a.pool.Size() != a.metadata.Size() {
		return errors.Newf("the pool holds %d bytes of regions but the range index spans %d bytes", a.pool.Size(), a.metadata.Size())
	}

	// Free ranges may span several back-to-back regions
	return a.metadata.VisitAllRanges(func(sub metadata.Suballocation) error {
		for addr := sub.Address; addr < sub.End(); {
			region, ok := a.pool.RegionFor(addr)
			if !ok {
				return errors.Newf("range %s is not backed by any region at 0x%x", sub.Range, addr)
			}
			addr = region.End()
		}
		return nil
	})
}

// CheckCorruption verifies the debug margin written after every live allocation. It returns
// nil without checking anything unless built with the debug_mem_utils tag or if the provider's
// memory is not host-accessible.
func (a *Allocator) CheckCorruption() error {
	a.logger.Debug("Allocator::CheckCorruption")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return ErrAllocatorDestroyed
	}

	if memutils.DebugMargin == 0 {
		return nil
	}
	for _, region := range a.pool.Regions() {
		if !region.HostAccessible() {
			return nil
		}
	}

	return a.metadata.CheckCorruption()
}

// Destroy releases every backing region to the provider. Allocations that are still live are
// logged and become invalid. Every later call to the allocator fails with ErrAllocatorDestroyed.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return ErrAllocatorDestroyed
	}

	if !a.metadata.IsEmpty() {
		err := a.metadata.VisitAllRanges(func(sub metadata.Suballocation) error {
			if sub.Free {
				return nil
			}

			a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
				slog.String("address", fmt.Sprintf("0x%x", sub.Address)),
				slog.Int("size", sub.RequestedSize))
			return nil
		})
		if err != nil {
			a.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}
	}

	a.pool.Teardown()
	a.metadata.Clear()
	a.destroyed = true

	return nil
}
