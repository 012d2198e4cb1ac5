// Package metadata tracks which parts of a flat address space are free and which are
// allocated. RangeMetadata is fed address ranges as they become available and carves
// individually freeable, aligned allocations out of them.
package metadata

import "fmt"

// Range is a contiguous span of address space
type Range struct {
	Address uintptr
	Size    int
}

// End returns the first address past the end of the range
func (r Range) End() uintptr {
	return r.Address + uintptr(r.Size)
}

// Contains returns true if addr lies within the range
func (r Range) Contains(addr uintptr) bool {
	return addr >= r.Address && addr < r.End()
}

// Overlaps returns true if the two ranges share at least one byte
func (r Range) Overlaps(other Range) bool {
	return r.Address < other.End() && other.Address < r.End()
}

func (r Range) String() string {
	return fmt.Sprintf("[0x%x, 0x%x)", r.Address, r.End())
}

// Suballocation describes a single free or used range within a RangeMetadata, as presented
// to VisitAllRanges
type Suballocation struct {
	Range
	// RequestedSize is the size the allocation was requested with. It is 0 for free ranges.
	RequestedSize int
	Free          bool
}
