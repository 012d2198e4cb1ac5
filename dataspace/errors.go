package dataspace

import "github.com/cockroachdb/errors"

var (
	// ErrCapacityExhausted indicates that the provider could not supply a backing region
	ErrCapacityExhausted = errors.New("backing region unavailable")
	// ErrMappingFailed indicates that a region was acquired but could not be mapped into the address space
	ErrMappingFailed = errors.New("backing region could not be mapped")
	// ErrRegionInvalid is a kind of ErrMappingFailed in which the handle was not recognized
	ErrRegionInvalid = errors.Mark(errors.New("backing region handle is invalid"), ErrMappingFailed)
	// ErrMappingConflict is a kind of ErrMappingFailed in which the address space could not accommodate the region
	ErrMappingConflict = errors.Mark(errors.New("backing region conflicts with the address space"), ErrMappingFailed)
	// ErrGrowthFailed marks every error returned from Pool.Grow
	ErrGrowthFailed = errors.New("region pool growth failed")
	// ErrPoolDestroyed is returned when growing a pool that has been torn down
	ErrPoolDestroyed = errors.New("region pool has been torn down")
)
