package dataspace

import "fmt"

// Region is one backing region acquired and mapped by a Pool. Its base address never changes while
// the pool owns it.
type Region struct {
	Handle Handle
	Base   uintptr
	Size   int

	provider Provider
}

// End returns the first address past the end of the region
func (r Region) End() uintptr {
	return r.Base + uintptr(r.Size)
}

// Contains returns true if addr lies inside the region
func (r Region) Contains(addr uintptr) bool {
	return addr >= r.Base && addr < r.End()
}

func (r Region) String() string {
	return fmt.Sprintf("region %d [0x%x, 0x%x)", r.Handle, r.Base, r.End())
}

// HostAccessible returns true if the memory behind the region may be dereferenced by this process
func (r Region) HostAccessible() bool {
	return r.provider != nil && IsHostAccessible(r.provider)
}
