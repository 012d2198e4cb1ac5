package heap

import (
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/dsheap/dataspace/sim"
)

func TestCollector(t *testing.T) {
	provider, err := sim.New(sim.Options{Limit: 8192})
	require.NoError(t, err)

	registry, err := NewRegistry(testLogger(), provider, CreateOptions{MinChunkSize: 4096})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, registry.Shutdown())
	}()

	data, err := registry.Allocator(false)
	require.NoError(t, err)

	_, err = data.Alloc(1000, 0)
	require.NoError(t, err)
	_, err = data.Alloc(2000, 0)
	require.NoError(t, err)

	code, err := registry.Allocator(true)
	require.NoError(t, err)
	_, err = code.Alloc(100, 0)
	require.NoError(t, err)

	// Only 8192 bytes are available across both allocators
	_, err = data.Alloc(5000, 0)
	require.True(t, errors.Is(err, ErrOutOfMemory))

	collector := NewCollector("dsheap", registry.Allocators())

	promRegistry := prometheus.NewPedanticRegistry()
	require.NoError(t, promRegistry.Register(collector))

	require.Equal(t, 14, testutil.CollectAndCount(collector))

	expected := `
# HELP dsheap_heap_regions Number of backing regions currently mapped.
# TYPE dsheap_heap_regions gauge
dsheap_heap_regions{allocator="data"} 1
dsheap_heap_regions{allocator="executable"} 1
# HELP dsheap_heap_allocations Number of live allocations.
# TYPE dsheap_heap_allocations gauge
dsheap_heap_allocations{allocator="data"} 2
dsheap_heap_allocations{allocator="executable"} 1
# HELP dsheap_heap_growths_total Number of backing regions acquired.
# TYPE dsheap_heap_growths_total counter
dsheap_heap_growths_total{allocator="data"} 1
dsheap_heap_growths_total{allocator="executable"} 1
# HELP dsheap_heap_growth_failures_total Number of times a backing region could not be acquired or mapped.
# TYPE dsheap_heap_growth_failures_total counter
dsheap_heap_growth_failures_total{allocator="data"} 1
dsheap_heap_growth_failures_total{allocator="executable"} 0
`
	require.NoError(t, testutil.GatherAndCompare(promRegistry, strings.NewReader(expected),
		"dsheap_heap_regions",
		"dsheap_heap_allocations",
		"dsheap_heap_growths_total",
		"dsheap_heap_growth_failures_total"))
}
