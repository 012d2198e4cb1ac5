package metadata_test

import (
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/dsheap/memutils"
	"github.com/vkngwrapper/dsheap/memutils/metadata"
)

// carved is the number of bytes the index takes for a request of size bytes
func carved(size int) int {
	return memutils.AlignUp(size, uint(memutils.WordSize)) + memutils.DebugMargin
}

func alloc(t *testing.T, m *metadata.RangeMetadata, size int, alignment uint, strategy metadata.AllocationStrategy) uintptr {
	t.Helper()

	success, req, err := m.CreateAllocationRequest(size, alignment, strategy)
	require.NoError(t, err)
	require.True(t, success)

	err = m.Alloc(req, size)
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	return req.Address
}

func TestRangesBasicAlloc(t *testing.T) {
	ranges := metadata.NewRangeMetadata(metadata.MachineWordGranularity{})
	require.NoError(t, ranges.AddRange(0x10000, 1000))

	var stats memutils.DetailedStatistics
	stats.Clear()
	ranges.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 1000,
		UnusedRangeSizeMax: 1000,
	}, stats)

	addr := alloc(t, ranges, 100, 1, metadata.AllocationStrategyMinMemory)
	require.Equal(t, uintptr(0x10000), addr)

	stats.Clear()
	ranges.AddDetailedStatistics(&stats)

	// 100 rounds up to 104 so the range stays word-aligned
	require.Equal(t, 104, memutils.AlignUp(100, uint(memutils.WordSize)))
	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			AllocationCount: 1,
			AllocationBytes: carved(100),
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  carved(100),
		AllocationSizeMax:  carved(100),
		UnusedRangeSizeMin: 1000 - carved(100),
		UnusedRangeSizeMax: 1000 - carved(100),
	}, stats)

	size, err := ranges.AllocationSize(addr)
	require.NoError(t, err)
	require.Equal(t, 100, size)

	require.NoError(t, ranges.Free(addr))
	require.NoError(t, ranges.Validate())

	stats.Clear()
	ranges.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 1000,
		UnusedRangeSizeMax: 1000,
	}, stats)
	require.True(t, ranges.IsEmpty())
}

func TestRangesAlignment(t *testing.T) {
	ranges := metadata.NewRangeMetadata(metadata.MachineWordGranularity{})
	require.NoError(t, ranges.AddRange(0x10008, 0x10000))

	addr := alloc(t, ranges, 64, 0x1000, metadata.AllocationStrategyMinMemory)
	require.Equal(t, uintptr(0x11000), addr)

	// Leading padding became its own free range
	require.Equal(t, 2, ranges.FreeRangesCount())

	err := ranges.VisitAllRanges(func(sub metadata.Suballocation) error {
		require.Zero(t, sub.Address%uintptr(memutils.WordSize))
		return nil
	})
	require.NoError(t, err)

	// A small allocation fits in the padding
	small := alloc(t, ranges, 16, 1, metadata.AllocationStrategyMinMemory)
	require.Equal(t, uintptr(0x10008), small)
}

func TestRangesBestFit(t *testing.T) {
	ranges := metadata.NewRangeMetadata(metadata.MachineWordGranularity{})
	require.NoError(t, ranges.AddRange(0x1000, 1000))

	a := alloc(t, ranges, 200, 1, metadata.AllocationStrategyMinMemory)
	_ = alloc(t, ranges, 8, 1, metadata.AllocationStrategyMinMemory)
	b := alloc(t, ranges, 96, 1, metadata.AllocationStrategyMinMemory)
	_ = alloc(t, ranges, 8, 1, metadata.AllocationStrategyMinMemory)

	require.NoError(t, ranges.Free(a))
	require.NoError(t, ranges.Free(b))
	require.Equal(t, 3, ranges.FreeRangesCount())

	// Best fit picks the 96 byte hole even though the 200 byte hole is at a lower address
	c := alloc(t, ranges, 80, 1, metadata.AllocationStrategyMinMemory)
	require.Equal(t, b, c)

	// Lowest offset picks the 200 byte hole
	d := alloc(t, ranges, 8, 1, metadata.AllocationStrategyMinOffset)
	require.Equal(t, a, d)
}

func TestRangesMinTime(t *testing.T) {
	ranges := metadata.NewRangeMetadata(metadata.MachineWordGranularity{})
	require.NoError(t, ranges.AddRange(0x1000, 0x1000))

	a := alloc(t, ranges, 64, 1, metadata.AllocationStrategyMinTime)
	require.Equal(t, uintptr(0x1000), a)

	b := alloc(t, ranges, 64, 256, metadata.AllocationStrategyMinTime)
	require.Zero(t, b%256)

	// Only a range that is not big enough for worst-case padding remains useful here
	full := metadata.NewRangeMetadata(metadata.MachineWordGranularity{})
	require.NoError(t, full.AddRange(0x2000, carved(128)))
	c := alloc(t, full, 128, 64, metadata.AllocationStrategyMinTime)
	require.Equal(t, uintptr(0x2000), c)
}

func TestRangesMergeEitherOrder(t *testing.T) {
	for _, reverse := range []bool{false, true} {
		ranges := metadata.NewRangeMetadata(metadata.MachineWordGranularity{})
		require.NoError(t, ranges.AddRange(0x1000, 2*carved(128)+carved(256)))

		first := alloc(t, ranges, 128, 1, metadata.AllocationStrategyMinMemory)
		second := alloc(t, ranges, 128, 1, metadata.AllocationStrategyMinMemory)
		third := alloc(t, ranges, 256, 1, metadata.AllocationStrategyMinMemory)
		require.Zero(t, ranges.SumFreeSize())

		if reverse {
			require.NoError(t, ranges.Free(second))
			require.NoError(t, ranges.Free(first))
		} else {
			require.NoError(t, ranges.Free(first))
			require.NoError(t, ranges.Free(second))
		}
		require.NoError(t, ranges.Validate())
		require.Equal(t, 1, ranges.FreeRangesCount())

		largest, ok := ranges.LargestFreeRange()
		require.True(t, ok)
		require.Equal(t, metadata.Range{Address: 0x1000, Size: 2 * carved(128)}, largest)

		combined := alloc(t, ranges, 256, 1, metadata.AllocationStrategyMinMemory)
		require.Equal(t, first, combined)
		require.NoError(t, ranges.Free(third))
	}
}

func TestRangesExhausted(t *testing.T) {
	ranges := metadata.NewRangeMetadata(metadata.MachineWordGranularity{})

	success, _, err := ranges.CreateAllocationRequest(8, 1, metadata.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.False(t, success)

	require.NoError(t, ranges.AddRange(0x1008, 64))

	// Enough bytes in total but not at this alignment
	success, _, err = ranges.CreateAllocationRequest(64, 4096, metadata.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.False(t, success)

	success, _, err = ranges.CreateAllocationRequest(72, 1, metadata.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.False(t, success)
}

func TestRangesInvalidRequests(t *testing.T) {
	ranges := metadata.NewRangeMetadata(metadata.MachineWordGranularity{})
	require.NoError(t, ranges.AddRange(0x1000, 64))

	_, _, err := ranges.CreateAllocationRequest(0, 1, metadata.AllocationStrategyMinMemory)
	require.Error(t, err)

	_, _, err = ranges.CreateAllocationRequest(8, 3, metadata.AllocationStrategyMinMemory)
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))

	_, _, err = ranges.CreateAllocationRequest(math.MaxInt, 1, metadata.AllocationStrategyMinMemory)
	require.Error(t, err)
}

func TestRangesStaleRequest(t *testing.T) {
	ranges := metadata.NewRangeMetadata(metadata.MachineWordGranularity{})
	require.NoError(t, ranges.AddRange(0x1000, 64))

	success, req, err := ranges.CreateAllocationRequest(8, 1, metadata.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)
	require.NoError(t, ranges.Alloc(req, 8))

	// The free range the request was built against has been carved
	require.Error(t, ranges.Alloc(req, 8))
	require.NoError(t, ranges.Validate())
}

func TestRangesAddRange(t *testing.T) {
	ranges := metadata.NewRangeMetadata(metadata.MachineWordGranularity{})
	require.NoError(t, ranges.AddRange(0x1000, 0x1000))

	require.Error(t, ranges.AddRange(0x1800, 0x1000))
	require.Error(t, ranges.AddRange(0x800, 0x1000))
	require.Error(t, ranges.AddRange(0x1000, 8))
	require.Error(t, ranges.AddRange(0x4000, 0))

	// Disjoint ranges remain separate
	require.NoError(t, ranges.AddRange(0x4000, 0x1000))
	require.Equal(t, 2, ranges.FreeRangesCount())

	// Abutting ranges merge
	require.NoError(t, ranges.AddRange(0x2000, 0x2000))
	require.Equal(t, 1, ranges.FreeRangesCount())
	require.Equal(t, 0x4000, ranges.Size())
	require.NoError(t, ranges.Validate())

	require.True(t, ranges.Contains(0x4fff))
	require.False(t, ranges.Contains(0x5000))
	require.False(t, ranges.Contains(0xfff))
}

func TestRangesFreeUnknown(t *testing.T) {
	ranges := metadata.NewRangeMetadata(metadata.MachineWordGranularity{})
	require.NoError(t, ranges.AddRange(0x1000, 256))

	addr := alloc(t, ranges, 32, 1, metadata.AllocationStrategyMinMemory)

	err := ranges.Free(addr + 8)
	require.True(t, errors.Is(err, metadata.ErrNotAllocated))

	_, err = ranges.AllocationSize(0x9000)
	require.True(t, errors.Is(err, metadata.ErrNotAllocated))

	require.NoError(t, ranges.Free(addr))
	err = ranges.Free(addr)
	require.True(t, errors.Is(err, metadata.ErrNotAllocated))
	require.NoError(t, ranges.Validate())
}

func TestRangesClear(t *testing.T) {
	ranges := metadata.NewRangeMetadata(metadata.MachineWordGranularity{})
	require.NoError(t, ranges.AddRange(0x1000, 256))
	_ = alloc(t, ranges, 32, 1, metadata.AllocationStrategyMinMemory)

	ranges.Clear()
	require.Zero(t, ranges.Size())
	require.Zero(t, ranges.AllocationCount())
	require.Zero(t, ranges.FreeRangesCount())
	require.NoError(t, ranges.Validate())
	require.False(t, ranges.MayHaveFreeRange(1))
}

func TestRangesRandomized(t *testing.T) {
	ranges := metadata.NewRangeMetadata(metadata.MachineWordGranularity{})
	require.NoError(t, ranges.AddRange(0x100000, 1<<20))

	live := map[uintptr]int{}
	seed := uint64(12345)
	next := func(n int) int {
		seed = seed*6364136223846793005 + 1442695040888963407
		return int((seed >> 33) % uint64(n))
	}
	strategies := []metadata.AllocationStrategy{
		metadata.AllocationStrategyMinMemory,
		metadata.AllocationStrategyMinTime,
		metadata.AllocationStrategyMinOffset,
	}

	for i := 0; i < 2000; i++ {
		if len(live) > 0 && next(3) == 0 {
			for addr := range live {
				require.NoError(t, ranges.Free(addr))
				delete(live, addr)
				break
			}
			continue
		}

		size := next(2000) + 1
		alignment := uint(1) << next(10)
		success, req, err := ranges.CreateAllocationRequest(size, alignment, strategies[next(len(strategies))])
		require.NoError(t, err)
		if !success {
			continue
		}
		require.NoError(t, ranges.Alloc(req, size))
		require.Zero(t, req.Address%uintptr(alignment))

		for addr, other := range live {
			first := metadata.Range{Address: addr, Size: other}
			second := metadata.Range{Address: req.Address, Size: size}
			require.False(t, first.Overlaps(second), "%s overlaps %s", first, second)
		}
		live[req.Address] = size
	}

	require.NoError(t, ranges.Validate())
	for addr, size := range live {
		got, err := ranges.AllocationSize(addr)
		require.NoError(t, err)
		require.Equal(t, size, got)
		require.NoError(t, ranges.Free(addr))
	}
	require.Equal(t, 1, ranges.FreeRangesCount())
	require.NoError(t, ranges.Validate())
}
