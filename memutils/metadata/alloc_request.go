package metadata

// AllocationRequest is returned from RangeMetadata.CreateAllocationRequest and indicates where and how
// the metadata intends to carve a new allocation. It is committed with RangeMetadata.Alloc, which fails
// if the free range it was created against has changed in the meantime.
type AllocationRequest struct {
	// FreeRange is the free range the allocation will be carved out of
	FreeRange Range
	// Address is the aligned address the allocation will start at
	Address uintptr
	// Size is the total number of bytes that will be carved, which may be larger than what was
	// originally requested
	Size int
	// Strategy is the strategy that located FreeRange
	Strategy AllocationStrategy
}

// LeadingPadding is the number of bytes at the start of the free range skipped to satisfy alignment
func (r AllocationRequest) LeadingPadding() int {
	return int(r.Address - r.FreeRange.Address)
}

// TrailingRemainder is the number of bytes that will be left free after the allocation
func (r AllocationRequest) TrailingRemainder() int {
	return r.FreeRange.Size - r.LeadingPadding() - r.Size
}
