package metadata

import (
	"fmt"
	"sync"

	"github.com/dolthub/swiss"
	"github.com/google/btree"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/dsheap/memutils"
)

const btreeDegree = 16

// ErrNotAllocated is returned when an address that does not start a live allocation is passed
// to a method that requires one
var ErrNotAllocated = errors.New("address is not a live allocation")

var nodeAllocator = sync.Pool{
	New: func() any {
		return &rangeNode{}
	},
}

type rangeNode struct {
	address   uintptr
	size      int
	requested int
	free      bool
}

func (n *rangeNode) end() uintptr {
	return n.address + uintptr(n.size)
}

func (n *rangeNode) toRange() Range {
	return Range{Address: n.address, Size: n.size}
}

func lessByAddress(a, b *rangeNode) bool {
	return a.address < b.address
}

func lessBySize(a, b *rangeNode) bool {
	if a.size != b.size {
		return a.size < b.size
	}
	return a.address < b.address
}

// RangeMetadata indexes every free and used range of a flat address space. Ranges are added as
// backing memory becomes available and are never removed, except by Clear.
//
// Three structures are kept in step: a B-tree of all ranges ordered by address (neighbour lookup
// when merging), a B-tree of free ranges ordered by size and then address (fit search) and a hash
// map of used ranges keyed by address (Free and size lookups).
//
// RangeMetadata is not safe for concurrent use.
type RangeMetadata struct {
	granularity Granularity

	totalSize  int
	freeSize   int
	allocCount int
	freeCount  int

	ranges     *btree.BTreeG[*rangeNode]
	freeRanges *btree.BTreeG[*rangeNode]
	used       *swiss.Map[uintptr, *rangeNode]

	key rangeNode
}

var _ memutils.Validatable = &RangeMetadata{}

// NewRangeMetadata creates an empty RangeMetadata. granularity decides how requests are rounded
// before they are placed; MachineWordGranularity is appropriate for general purpose heaps.
func NewRangeMetadata(granularity Granularity) *RangeMetadata {
	m := &RangeMetadata{
		granularity: granularity,
	}
	m.init()
	return m
}

func (m *RangeMetadata) init() {
	m.ranges = btree.NewG[*rangeNode](btreeDegree, lessByAddress)
	m.freeRanges = btree.NewG[*rangeNode](btreeDegree, lessBySize)
	m.used = swiss.NewMap[uintptr, *rangeNode](42)
}

func (m *RangeMetadata) allocateNode(address uintptr, size int) *rangeNode {
	n := nodeAllocator.Get().(*rangeNode)
	n.address = address
	n.size = size
	n.requested = 0
	n.free = false
	return n
}

func (m *RangeMetadata) releaseNode(n *rangeNode) {
	nodeAllocator.Put(n)
}

// Size returns the total number of bytes contributed through AddRange
func (m *RangeMetadata) Size() int { return m.totalSize }

// SumFreeSize returns the number of bytes not currently allocated
func (m *RangeMetadata) SumFreeSize() int { return m.freeSize }

// AllocationCount returns the number of live allocations
func (m *RangeMetadata) AllocationCount() int { return m.allocCount }

// FreeRangesCount returns the number of distinct free ranges. Adjacent free ranges are always merged,
// so this is a measure of fragmentation.
func (m *RangeMetadata) FreeRangesCount() int { return m.freeCount }

// IsEmpty returns true if there are no live allocations
func (m *RangeMetadata) IsEmpty() bool { return m.allocCount == 0 }

// LargestFreeRange returns the largest free range, or false if there is no free space at all
func (m *RangeMetadata) LargestFreeRange() (Range, bool) {
	node, ok := m.freeRanges.Max()
	if !ok {
		return Range{}, false
	}
	return node.toRange(), true
}

// MayHaveFreeRange is a fast heuristic: it returns false only if no free range is large enough
// to hold size bytes before any alignment is considered.
func (m *RangeMetadata) MayHaveFreeRange(size int) bool {
	largest, ok := m.LargestFreeRange()
	return ok && largest.Size >= size
}

// atOrBefore returns the range with the highest address that is less than or equal to addr
func (m *RangeMetadata) atOrBefore(addr uintptr) *rangeNode {
	var found *rangeNode
	m.key.address = addr
	m.ranges.DescendLessOrEqual(&m.key, func(item *rangeNode) bool {
		found = item
		return false
	})
	return found
}

// atOrAfter returns the range with the lowest address that is greater than or equal to addr
func (m *RangeMetadata) atOrAfter(addr uintptr) *rangeNode {
	var found *rangeNode
	m.key.address = addr
	m.ranges.AscendGreaterOrEqual(&m.key, func(item *rangeNode) bool {
		found = item
		return false
	})
	return found
}

func (m *RangeMetadata) rangeAt(addr uintptr) *rangeNode {
	m.key.address = addr
	node, ok := m.ranges.Get(&m.key)
	if !ok {
		return nil
	}
	return node
}

// Contains returns true if addr lies within any range, free or used
func (m *RangeMetadata) Contains(addr uintptr) bool {
	node := m.atOrBefore(addr)
	return node != nil && node.end() > addr
}

// AddRange contributes a new span of address space, which becomes free space for future allocations.
// It is merged with any free range that it directly abuts. The span must not overlap any range
// already present.
func (m *RangeMetadata) AddRange(addr uintptr, size int) error {
	if size < 1 {
		return errors.Errorf("invalid range size: %d", size)
	}
	newRange := Range{Address: addr, Size: size}
	if newRange.End() < addr {
		return errors.Errorf("range %s wraps around the address space", newRange)
	}

	if prev := m.atOrBefore(addr); prev != nil && prev.end() > addr {
		return errors.Errorf("range %s overlaps existing range %s", newRange, prev.toRange())
	}
	if next := m.atOrAfter(addr); next != nil && next.address < newRange.End() {
		return errors.Errorf("range %s overlaps existing range %s", newRange, next.toRange())
	}

	m.totalSize += size
	m.insertMerged(m.allocateNode(addr, size))

	memutils.DebugValidate(m)
	return nil
}

func (m *RangeMetadata) insertFree(node *rangeNode) {
	node.free = true
	node.requested = 0
	m.ranges.ReplaceOrInsert(node)
	m.freeRanges.ReplaceOrInsert(node)
	m.freeSize += node.size
	m.freeCount++
}

func (m *RangeMetadata) removeFree(node *rangeNode) {
	if !node.free {
		panic(fmt.Sprintf("range %s is not free", node.toRange()))
	}
	if _, ok := m.freeRanges.Delete(node); !ok {
		panic(fmt.Sprintf("free range %s was missing from the size index", node.toRange()))
	}
	m.ranges.Delete(node)
	m.freeSize -= node.size
	m.freeCount--
}

// insertMerged inserts a node that is in neither tree as free space, absorbing any free neighbours
func (m *RangeMetadata) insertMerged(node *rangeNode) {
	if node.address > 0 {
		if prev := m.atOrBefore(node.address - 1); prev != nil && prev.free && prev.end() == node.address {
			m.removeFree(prev)
			node.address = prev.address
			node.size += prev.size
			m.releaseNode(prev)
		}
	}

	if next := m.rangeAt(node.end()); next != nil && next.free {
		m.removeFree(next)
		node.size += next.size
		m.releaseNode(next)
	}

	m.insertFree(node)
}

func fitsIn(node *rangeNode, size int, alignment uint) (uintptr, bool) {
	if node.size < size {
		return 0, false
	}

	aligned := memutils.AlignUpAddress(node.address, alignment)
	if aligned < node.address {
		return 0, false
	}

	padding := aligned - node.address
	if padding > uintptr(node.size-size) {
		return 0, false
	}

	return aligned, true
}

// CreateAllocationRequest locates a free range that can hold allocSize bytes aligned to allocAlignment.
// It returns false with no error if no such range exists. The request must be committed with Alloc
// before any other mutation of the metadata.
func (m *RangeMetadata) CreateAllocationRequest(
	allocSize int, allocAlignment uint,
	strategy AllocationStrategy,
) (bool, AllocationRequest, error) {
	var allocRequest AllocationRequest

	if allocSize < 1 {
		return false, allocRequest, errors.Errorf("invalid allocSize: %d", allocSize)
	}
	if err := memutils.CheckPow2(allocAlignment, "allocAlignment"); err != nil {
		return false, allocRequest, err
	}

	memutils.DebugValidate(m)

	allocSize, allocAlignment = m.granularity.RoundUpAllocRequest(allocSize, allocAlignment)
	allocSize, err := memutils.CheckedAdd(allocSize, memutils.DebugMargin)
	if err != nil {
		return false, allocRequest, err
	}

	// Is there enough space at all?
	if allocSize > m.freeSize {
		return false, allocRequest, nil
	}

	var block *rangeNode
	var address uintptr
	if strategy&AllocationStrategyMinTime != 0 {
		strategy = AllocationStrategyMinTime
		block, address = m.findFastFit(allocSize, allocAlignment)
	} else if strategy&AllocationStrategyMinOffset != 0 {
		strategy = AllocationStrategyMinOffset
		block, address = m.findLowestFit(allocSize, allocAlignment)
	} else {
		strategy = AllocationStrategyMinMemory
		block, address = m.findBestFit(allocSize, allocAlignment, nil)
	}

	if block == nil {
		return false, allocRequest, nil
	}

	allocRequest.FreeRange = block.toRange()
	allocRequest.Address = address
	allocRequest.Size = allocSize
	allocRequest.Strategy = strategy
	return true, allocRequest, nil
}

// findBestFit walks free ranges from the smallest that could hold size upward and returns the
// first one that still fits once alignment is applied. If below is not nil the walk stops at it.
func (m *RangeMetadata) findBestFit(size int, alignment uint, below *rangeNode) (*rangeNode, uintptr) {
	var found *rangeNode
	var foundAddress uintptr

	visit := func(item *rangeNode) bool {
		if address, ok := fitsIn(item, size, alignment); ok {
			found = item
			foundAddress = address
			return false
		}
		return true
	}

	m.key = rangeNode{size: size}
	if below == nil {
		m.freeRanges.AscendGreaterOrEqual(&m.key, visit)
	} else {
		m.freeRanges.AscendRange(&m.key, below, visit)
	}

	return found, foundAddress
}

// findFastFit takes the smallest free range that can hold size bytes under any alignment padding
func (m *RangeMetadata) findFastFit(size int, alignment uint) (*rangeNode, uintptr) {
	worstCase, err := memutils.CheckedAdd(size, int(alignment)-1)
	if err != nil {
		return m.findBestFit(size, alignment, nil)
	}

	var guaranteed *rangeNode
	m.key = rangeNode{size: worstCase}
	m.freeRanges.AscendGreaterOrEqual(&m.key, func(item *rangeNode) bool {
		guaranteed = item
		return false
	})

	if guaranteed != nil {
		if address, ok := fitsIn(guaranteed, size, alignment); ok {
			return guaranteed, address
		}
	}

	// Nothing is big enough to be sure, try the ranges that might fit depending on their address
	return m.findBestFit(size, alignment, &rangeNode{size: worstCase})
}

// findLowestFit returns the free range with the lowest address that can hold the allocation
func (m *RangeMetadata) findLowestFit(size int, alignment uint) (*rangeNode, uintptr) {
	var found *rangeNode
	var foundAddress uintptr

	m.ranges.Ascend(func(item *rangeNode) bool {
		if !item.free {
			return true
		}
		if address, ok := fitsIn(item, size, alignment); ok {
			found = item
			foundAddress = address
			return false
		}
		return true
	})

	return found, foundAddress
}

// Alloc commits an AllocationRequest, carving the used range out of the requested free range and
// returning any leading padding and trailing remainder to the free space. requestedSize is the size
// the consumer asked for and is reported back by AllocationSize.
func (m *RangeMetadata) Alloc(req AllocationRequest, requestedSize int) error {
	block := m.rangeAt(req.FreeRange.Address)
	if block == nil || !block.free || block.size != req.FreeRange.Size {
		return errors.Errorf("allocation request refers to free range %s, which no longer exists", req.FreeRange)
	}
	if req.Address < block.address || req.Size < 1 || req.LeadingPadding()+req.Size > block.size {
		return errors.Errorf("allocation request for %d bytes at 0x%x does not fit in free range %s", req.Size, req.Address, req.FreeRange)
	}
	if requestedSize < 1 || requestedSize > req.Size {
		return errors.Errorf("requested size %d is incompatible with a carved size of %d", requestedSize, req.Size)
	}

	m.removeFree(block)

	// Leading padding: the range before it can't be free, or it would have been merged with this one
	if padding := req.LeadingPadding(); padding > 0 {
		m.insertFree(m.allocateNode(block.address, padding))
	}

	if remainder := req.TrailingRemainder(); remainder > 0 {
		m.insertFree(m.allocateNode(req.Address+uintptr(req.Size), remainder))
	}

	block.address = req.Address
	block.size = req.Size
	block.requested = requestedSize
	block.free = false

	m.ranges.ReplaceOrInsert(block)
	m.used.Put(block.address, block)
	m.allocCount++

	memutils.DebugValidate(m)
	return nil
}

func (m *RangeMetadata) getAllocation(addr uintptr) (*rangeNode, error) {
	node, ok := m.used.Get(addr)
	if !ok {
		return nil, errors.Wrapf(ErrNotAllocated, "0x%x", addr)
	}
	return node, nil
}

// Free returns the allocation starting at addr to free space, merging it with free neighbours on
// both sides. The metadata is left untouched if addr is not a live allocation.
func (m *RangeMetadata) Free(addr uintptr) error {
	block, err := m.getAllocation(addr)
	if err != nil {
		return err
	}

	m.used.Delete(addr)
	m.ranges.Delete(block)
	m.allocCount--

	m.insertMerged(block)

	memutils.DebugValidate(m)
	return nil
}

// AllocationSize returns the size that the allocation at addr was requested with
func (m *RangeMetadata) AllocationSize(addr uintptr) (int, error) {
	block, err := m.getAllocation(addr)
	if err != nil {
		return 0, err
	}
	return block.requested, nil
}

// AllocationRange returns the full range carved for the allocation at addr, including any
// rounding and debug margin
func (m *RangeMetadata) AllocationRange(addr uintptr) (Range, error) {
	block, err := m.getAllocation(addr)
	if err != nil {
		return Range{}, err
	}
	return block.toRange(), nil
}

// VisitAllRanges calls the provided callback once for each free and used range, in address order.
// Iteration stops at the first error, which is returned.
func (m *RangeMetadata) VisitAllRanges(handleRange func(sub Suballocation) error) error {
	var err error
	m.ranges.Ascend(func(item *rangeNode) bool {
		err = handleRange(Suballocation{
			Range:         item.toRange(),
			RequestedSize: item.requested,
			Free:          item.free,
		})
		return err == nil
	})
	return err
}

// AddDetailedStatistics sums this metadata's ranges into stats. Region counts are not touched.
func (m *RangeMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	m.ranges.Ascend(func(item *rangeNode) bool {
		if item.free {
			stats.AddUnusedRange(item.size)
		} else {
			stats.AddAllocation(item.size)
		}
		return true
	})
}

// AddStatistics sums this metadata's allocations into stats. Region counts are not touched.
func (m *RangeMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.AllocationCount += m.allocCount
	stats.AllocationBytes += m.totalSize - m.freeSize
}

// CheckCorruption verifies the debug margin after every live allocation. The address space must be
// host-accessible. It always succeeds unless built with the debug_mem_utils tag.
func (m *RangeMetadata) CheckCorruption() error {
	if memutils.DebugMargin == 0 {
		return nil
	}

	var err error
	m.used.Iter(func(addr uintptr, block *rangeNode) bool {
		if !memutils.ValidateMagicValue(block.end() - uintptr(memutils.DebugMargin)) {
			err = errors.Errorf("memory corruption detected after allocation at 0x%x", addr)
			return true
		}
		return false
	})
	return err
}

// Clear forgets every range, free or used, returning the metadata to its newly-created state
func (m *RangeMetadata) Clear() {
	m.ranges.Ascend(func(item *rangeNode) bool {
		m.releaseNode(item)
		return true
	})

	m.totalSize = 0
	m.freeSize = 0
	m.allocCount = 0
	m.freeCount = 0
	m.init()
}

// WriteJSON populates a json object with a summary of this metadata and every range in it
func (m *RangeMetadata) WriteJSON(json *jwriter.ObjectState) {
	json.Name("TotalBytes").Int(m.totalSize)
	json.Name("UnusedBytes").Int(m.freeSize)
	json.Name("Allocations").Int(m.allocCount)
	json.Name("UnusedRanges").Int(m.freeCount)

	arr := json.Name("Ranges").Array()
	defer arr.End()

	_ = m.VisitAllRanges(func(sub Suballocation) error {
		obj := arr.Object()
		defer obj.End()

		obj.Name("Address").String(fmt.Sprintf("0x%x", sub.Address))
		obj.Name("Size").Int(sub.Size)
		if sub.Free {
			obj.Name("Type").String("FREE")
		} else {
			obj.Name("Type").String("USED")
			obj.Name("RequestedSize").Int(sub.RequestedSize)
		}
		return nil
	})
}

// Validate performs internal consistency checks across all three indices. It is expensive and
// should only be run for diagnostics.
func (m *RangeMetadata) Validate() error {
	if m.freeSize > m.totalSize {
		return errors.Errorf("free size %d exceeds total size %d", m.freeSize, m.totalSize)
	}

	var err error
	var prev *rangeNode
	var calculatedSize, calculatedFreeSize, allocCount, freeCount int

	m.ranges.Ascend(func(item *rangeNode) bool {
		if item.size < 1 {
			err = errors.Errorf("range at 0x%x has invalid size %d", item.address, item.size)
			return false
		}

		if prev != nil {
			if prev.end() > item.address {
				err = errors.Errorf("range %s overlaps range %s", prev.toRange(), item.toRange())
				return false
			}
			if prev.free && item.free && prev.end() == item.address {
				err = errors.Errorf("adjacent free ranges %s and %s were not merged", prev.toRange(), item.toRange())
				return false
			}
		}

		calculatedSize += item.size
		if item.free {
			freeCount++
			calculatedFreeSize += item.size
			if !m.freeRanges.Has(item) {
				err = errors.Errorf("free range %s is missing from the size index", item.toRange())
				return false
			}
			if m.used.Has(item.address) {
				err = errors.Errorf("free range %s is listed as a live allocation", item.toRange())
				return false
			}
		} else {
			allocCount++
			if item.requested < 1 || item.requested > item.size {
				err = errors.Errorf("allocation at 0x%x has requested size %d but a carved size of %d", item.address, item.requested, item.size)
				return false
			}
			if node, ok := m.used.Get(item.address); !ok || node != item {
				err = errors.Errorf("allocation %s is missing from the allocation index", item.toRange())
				return false
			}
		}

		prev = item
		return true
	})
	if err != nil {
		return err
	}

	if calculatedSize != m.totalSize {
		return errors.Errorf("the total size of the metadata is %d, but the ranges only added up to %d", m.totalSize, calculatedSize)
	}

	if calculatedFreeSize != m.freeSize {
		return errors.Errorf("the free size of the metadata is %d, but the free ranges only added up to %d", m.freeSize, calculatedFreeSize)
	}

	if allocCount != m.allocCount || m.used.Count() != allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, the allocation index holds %d, but the used ranges added up to %d", m.allocCount, m.used.Count(), allocCount)
	}

	if freeCount != m.freeCount || m.freeRanges.Len() != freeCount {
		return errors.Errorf("the free range count of the metadata is %d, the size index holds %d, but there were %d free ranges", m.freeCount, m.freeRanges.Len(), freeCount)
	}

	return nil
}
