package memutils

import (
	"math"
	"math/bits"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// WordSize is the size in bytes of a machine word. Allocations are never aligned to less than this.
const WordSize = int(unsafe.Sizeof(uintptr(0)))

type Number interface {
	constraints.Integer
}

func CheckPow2[T Number](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// AlignUpAddress is AlignUp for addresses
func AlignUpAddress(addr uintptr, alignment uint) uintptr {
	return (addr + uintptr(alignment) - 1) &^ (uintptr(alignment) - 1)
}

// CheckedAdd sums two non-negative sizes, returning an error if the result would overflow int.
func CheckedAdd(a, b int) (int, error) {
	if a < 0 || b < 0 || a > math.MaxInt-b {
		return 0, cerrors.Wrapf(OverflowError, "%d + %d", a, b)
	}
	return a + b, nil
}

// NextPow2 returns the smallest power of two that is greater than or equal to value
func NextPow2(value int) int {
	if value <= 1 {
		return 1
	}
	return 1 << (bits.UintSize - bits.LeadingZeros(uint(value-1)))
}
