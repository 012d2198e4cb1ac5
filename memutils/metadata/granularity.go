package metadata

import "github.com/vkngwrapper/dsheap/memutils"

// Granularity lets the consumer of RangeMetadata impose minimum size and alignment
// requirements on every allocation request before it is placed.
type Granularity interface {
	// RoundUpAllocRequest returns the size and alignment that will actually be carved for
	// a request. Neither may be smaller than what was passed in and the alignment must
	// remain a power of two.
	RoundUpAllocRequest(allocSize int, allocAlignment uint) (int, uint)
}

// MachineWordGranularity rounds every allocation to a multiple of the machine word and
// aligns it to at least one machine word. This keeps every range boundary word-aligned.
type MachineWordGranularity struct{}

var _ Granularity = MachineWordGranularity{}

func (MachineWordGranularity) RoundUpAllocRequest(allocSize int, allocAlignment uint) (int, uint) {
	if allocAlignment < uint(memutils.WordSize) {
		allocAlignment = uint(memutils.WordSize)
	}
	return memutils.AlignUp(allocSize, uint(memutils.WordSize)), allocAlignment
}
