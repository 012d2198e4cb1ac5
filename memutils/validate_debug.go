//go:build debug_mem_utils

package memutils

import "unsafe"

const (
	// DebugMargin is the number of bytes of debug data that should be placed after each allocation
	// in address ranges managed by memutils
	DebugMargin int = 16
	// corruptionDetectionMagicValue is a 4-byte pattern that should be copied into debug data placed between
	// allocations
	corruptionDetectionMagicValue uint32 = 0x7F84E666
)

func marginWords(addr uintptr) []uint32 {
	return unsafe.Slice((*uint32)(unsafe.Pointer(addr)), DebugMargin/int(unsafe.Sizeof(uint32(0))))
}

// WriteMagicValue writes an easy-to-identify marker across DebugMargin bytes at the provided address.
// The address must point to host-accessible memory. This method no-ops unless the debug_mem_utils
// build tag is present.
func WriteMagicValue(addr uintptr) {
	words := marginWords(addr)
	for i := range words {
		words[i] = corruptionDetectionMagicValue
	}
}

// ValidateMagicValue verifies that the easy-to-identify marker written by WriteMagicValue is still present.
// It returns true if the value is still present and false otherwise.
// This method no-ops unless the debug_mem_utils build tag is present.
func ValidateMagicValue(addr uintptr) bool {
	for _, word := range marginWords(addr) {
		if word != corruptionDetectionMagicValue {
			return false
		}
	}

	return true
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}
