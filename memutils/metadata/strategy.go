package metadata

// AllocationStrategy exposes several options for choosing the free range a new allocation is carved
// from. Exactly one should be chosen; if none is chosen, AllocationStrategyMinMemory is used.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory selects the smallest free range that can hold the allocation once
	// alignment padding is accounted for. Ties between ranges of equal size go to the lowest address.
	// This is the default.
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime selects the first free range whose size guarantees a fit regardless
	// of alignment, so that no scanning is necessary in the common case. Falls back to a best fit
	// search among the smaller ranges only when no such range exists.
	AllocationStrategyMinTime
	// AllocationStrategyMinOffset selects the free range with the lowest address that can hold the
	// allocation. This packs allocations toward the start of the address space at the cost of a
	// linear scan.
	AllocationStrategyMinOffset
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	AllocationStrategyMinMemory: "MinMemory",
	AllocationStrategyMinTime:   "MinTime",
	AllocationStrategyMinOffset: "MinOffset",
}

func (s AllocationStrategy) String() string {
	str, ok := allocationStrategyMapping[s]
	if !ok {
		return "Unknown"
	}
	return str
}

// ParseAllocationStrategy converts the output of AllocationStrategy.String back into a strategy
func ParseAllocationStrategy(str string) (AllocationStrategy, bool) {
	for strategy, name := range allocationStrategyMapping {
		if name == str {
			return strategy, true
		}
	}
	return 0, false
}
