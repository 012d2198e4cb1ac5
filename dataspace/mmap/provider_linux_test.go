//go:build linux

package mmap_test

import (
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/dsheap/dataspace"
	"github.com/vkngwrapper/dsheap/dataspace/mmap"
)

func TestMapReadWrite(t *testing.T) {
	provider, err := mmap.New(mmap.Options{})
	require.NoError(t, err)
	defer provider.Close()

	require.True(t, dataspace.IsHostAccessible(provider))

	handle, err := provider.AcquireRegion(100, false)
	require.NoError(t, err)
	require.Equal(t, provider.Granularity(), provider.Used())

	base, err := provider.Map(handle, false)
	require.NoError(t, err)
	require.NotZero(t, base)
	require.Zero(t, base%uintptr(provider.Granularity()))

	data := unsafe.Slice((*byte)(unsafe.Pointer(base)), provider.Granularity())
	for i := range data {
		data[i] = byte(i)
	}
	require.Equal(t, byte(99), data[99])

	provider.Release(handle)
	require.Zero(t, provider.Used())
}

func TestMapErrors(t *testing.T) {
	provider, err := mmap.New(mmap.Options{Name: "test"})
	require.NoError(t, err)
	defer provider.Close()

	_, err = provider.Map(42, false)
	require.True(t, errors.Is(err, dataspace.ErrRegionInvalid))
	require.True(t, errors.Is(err, dataspace.ErrMappingFailed))

	handle, err := provider.AcquireRegion(4096, false)
	require.NoError(t, err)

	_, err = provider.Map(handle, true)
	require.True(t, errors.Is(err, dataspace.ErrMappingConflict))

	_, err = provider.Map(handle, false)
	require.NoError(t, err)

	_, err = provider.Map(handle, false)
	require.True(t, errors.Is(err, dataspace.ErrMappingConflict))

	_, err = provider.AcquireRegion(0, false)
	require.Error(t, err)
}

func TestLimit(t *testing.T) {
	provider, err := mmap.New(mmap.Options{Limit: 4 * 4096})
	require.NoError(t, err)
	defer provider.Close()

	first, err := provider.AcquireRegion(3*4096, false)
	require.NoError(t, err)

	_, err = provider.AcquireRegion(2*4096, false)
	require.True(t, errors.Is(err, dataspace.ErrCapacityExhausted))

	provider.Release(first)
	_, err = provider.AcquireRegion(2*4096, false)
	require.NoError(t, err)
}
