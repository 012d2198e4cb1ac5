//go:build linux

package heap

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/dsheap/dataspace/mmap"
)

func TestAllocMmapReadWrite(t *testing.T) {
	provider, err := mmap.New(mmap.Options{Name: "heap-test"})
	require.NoError(t, err)
	defer provider.Close()

	allocator, err := New(testLogger(), provider, CreateOptions{})
	require.NoError(t, err)

	var addrs []uintptr
	for i := 1; i <= 64; i++ {
		addr, err := allocator.Alloc(i*24, i%7)
		require.NoError(t, err)

		data, err := allocator.Bytes(addr)
		require.NoError(t, err)
		require.Len(t, data, i*24)
		for j := range data {
			data[j] = byte(i)
		}

		addrs = append(addrs, addr)
	}

	require.NoError(t, allocator.CheckCorruption())

	for i, addr := range addrs {
		data, err := allocator.Bytes(addr)
		require.NoError(t, err)
		for _, b := range data {
			require.Equal(t, byte(i+1), b)
		}
		require.NoError(t, allocator.Free(addr))
	}

	require.NoError(t, allocator.Validate())
	require.NoError(t, allocator.Destroy())
	require.Zero(t, provider.Used())
}

func TestExecutableMmap(t *testing.T) {
	provider, err := mmap.New(mmap.Options{})
	require.NoError(t, err)
	defer provider.Close()

	allocator, err := New(testLogger(), provider, CreateOptions{Flags: AllocatorCreateExecutable})
	require.NoError(t, err)

	addr, err := allocator.Alloc(64, 6)
	require.NoError(t, err)
	require.Zero(t, addr%64)

	data, err := allocator.Bytes(addr)
	require.NoError(t, err)
	data[0] = 0xC3

	require.NoError(t, allocator.Free(addr))
	require.NoError(t, allocator.Destroy())
}

func BenchmarkMmapWrite(b *testing.B) {
	provider, err := mmap.New(mmap.Options{})
	require.NoError(b, err)
	defer provider.Close()

	allocator, err := New(testLogger(), provider, CreateOptions{})
	require.NoError(b, err)
	defer func() {
		require.NoError(b, allocator.Destroy())
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		addr, err := allocator.Alloc(100000, 0)
		require.NoError(b, err)

		data, err := allocator.Bytes(addr)
		require.NoError(b, err)
		for j := range data {
			data[j] = 1
		}

		require.NoError(b, allocator.Free(addr))
	}
	b.StopTimer()
	require.NoError(b, allocator.CheckCorruption())
}
