package memutils_test

import (
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/dsheap/memutils"
)

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutils.CheckPow2(1, "one"))
	require.NoError(t, memutils.CheckPow2(4096, "page"))
	require.NoError(t, memutils.CheckPow2(uint(1<<40), "big"))

	err := memutils.CheckPow2(3, "three")
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))
	require.Contains(t, err.Error(), "three is 3")

	require.Error(t, memutils.CheckPow2(0, "zero"))
	require.Error(t, memutils.CheckPow2(-8, "negative"))
}

func TestAlign(t *testing.T) {
	require.Equal(t, 0, memutils.AlignUp(0, 8))
	require.Equal(t, 8, memutils.AlignUp(1, 8))
	require.Equal(t, 8, memutils.AlignUp(8, 8))
	require.Equal(t, 4096, memutils.AlignUp(4000, 4096))
	require.Equal(t, 4096, memutils.AlignDown(4100, 4096))
	require.Equal(t, 7, memutils.AlignUp(7, 1))

	require.Equal(t, uintptr(0x2000), memutils.AlignUpAddress(0x1001, 0x1000))
	require.Equal(t, uintptr(0x1000), memutils.AlignUpAddress(0x1000, 0x1000))
}

func TestCheckedAdd(t *testing.T) {
	sum, err := memutils.CheckedAdd(10, 20)
	require.NoError(t, err)
	require.Equal(t, 30, sum)

	_, err = memutils.CheckedAdd(math.MaxInt, 1)
	require.True(t, errors.Is(err, memutils.OverflowError))

	_, err = memutils.CheckedAdd(-1, 1)
	require.Error(t, err)
}

func TestNextPow2(t *testing.T) {
	require.Equal(t, 1, memutils.NextPow2(0))
	require.Equal(t, 1, memutils.NextPow2(1))
	require.Equal(t, 2, memutils.NextPow2(2))
	require.Equal(t, 4, memutils.NextPow2(3))
	require.Equal(t, 4096, memutils.NextPow2(4000))
	require.Equal(t, 4096, memutils.NextPow2(4096))
}

func TestDetailedStatistics(t *testing.T) {
	var stats memutils.DetailedStatistics
	stats.Clear()

	stats.AddRegion(4096)
	stats.AddAllocation(100)
	stats.AddAllocation(300)
	stats.AddUnusedRange(3696)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			RegionCount:     1,
			AllocationCount: 2,
			RegionBytes:     4096,
			AllocationBytes: 400,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  100,
		AllocationSizeMax:  300,
		UnusedRangeSizeMin: 3696,
		UnusedRangeSizeMax: 3696,
	}, stats)
	require.Equal(t, 3696, stats.UnusedBytes())

	var total memutils.DetailedStatistics
	total.Clear()
	total.AddDetailedStatistics(&stats)
	require.Equal(t, stats, total)
}
