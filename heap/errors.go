package heap

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/dsheap/memutils/metadata"
)

var (
	// ErrOutOfMemory is returned from Alloc when no free range could hold the request and the pool
	// could not grow. The underlying dataspace error is preserved in the chain.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrInvalidArgument is returned from Alloc for requests that can never be satisfied: a size
	// below 1, a negative or oversized alignment, or a size that overflows once padding is added
	ErrInvalidArgument = errors.New("invalid allocation request")
	// ErrNotAllocated is returned from Free, SizeAt and Bytes when the address does not start a
	// live allocation
	ErrNotAllocated = metadata.ErrNotAllocated
	// ErrAllocatorDestroyed is returned from every operation on an allocator after Destroy
	ErrAllocatorDestroyed = errors.New("allocator has been destroyed")
	// ErrRegistryClosed is returned from Registry.Allocator after Shutdown
	ErrRegistryClosed = errors.New("allocator registry has been shut down")
)
