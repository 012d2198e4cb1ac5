// Package dataspace manages the backing regions that a heap carves its allocations from. A Provider
// hands out regions of raw memory and maps them into the address space; a Pool decides how large
// each new region should be, keeps track of every region it has acquired and releases them all
// when it is torn down.
package dataspace

//go:generate go run go.uber.org/mock/mockgen -package mock_dataspace -destination ./mocks/provider.go github.com/vkngwrapper/dsheap/dataspace Provider

// Handle identifies a backing region acquired from a Provider. Its meaning is private to the Provider
// that issued it.
type Handle uint64

// Provider is the source of backing memory. Implementations must be safe for concurrent use if they
// are shared between pools.
type Provider interface {
	// AcquireRegion allocates a new backing region of at least size bytes. When the provider cannot
	// supply the memory, the error should be marked with ErrCapacityExhausted.
	AcquireRegion(size int, executable bool) (Handle, error)
	// Map makes a region acquired from this provider addressable and returns its base address. Errors
	// should be marked with ErrRegionInvalid or ErrMappingConflict.
	Map(handle Handle, executable bool) (uintptr, error)
	// Release frees a region acquired from this provider, unmapping it first if necessary. It is
	// best-effort and is called exactly once per handle.
	Release(handle Handle)
	// Granularity is the provider's minimum allocation size in bytes. It must be a power of two and
	// region sizes will be rounded up to a multiple of it.
	Granularity() int
}

// HostAccessible may be implemented by a Provider to indicate whether the memory it maps can be read
// and written directly by this process. Providers that do not implement it are assumed not to be.
type HostAccessible interface {
	HostAccessible() bool
}

// IsHostAccessible returns true if the provider's mapped memory may be dereferenced
func IsHostAccessible(provider Provider) bool {
	accessible, ok := provider.(HostAccessible)
	return ok && accessible.HostAccessible()
}
