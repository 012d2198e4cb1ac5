// Package sim implements a dataspace.Provider over a simulated address space. Regions are never
// backed by real memory, so addresses it hands out must not be dereferenced. It is deterministic,
// which makes it useful for tests and for exercising allocation policies.
package sim

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/dsheap/dataspace"
	"github.com/vkngwrapper/dsheap/memutils"
)

const (
	// DefaultBase is the first address handed out when Options.Base is 0
	DefaultBase uintptr = 0x10000000
	// DefaultGranularity is the granularity used when Options.Granularity is 0
	DefaultGranularity int = 4096
)

// Options configures a simulated Provider. The zero value is valid.
type Options struct {
	// Base is the address the first region is mapped at
	Base uintptr
	// Granularity is the minimum region size. It must be a power of two.
	Granularity int
	// Limit is the maximum number of bytes that may be acquired at once. 0 means unlimited.
	Limit int
	// Spacing is the number of unmapped bytes left between consecutive regions. When 0, regions
	// are mapped back-to-back.
	Spacing int
}

type region struct {
	size       int
	executable bool
	mapped     bool
	base       uintptr
}

// Provider is a simulated dataspace.Provider. It is safe for concurrent use.
type Provider struct {
	mutex   sync.Mutex
	options Options

	nextAddress uintptr
	nextHandle  dataspace.Handle
	used        int
	regions     map[dataspace.Handle]*region

	acquisitions []int
	releases     []dataspace.Handle

	acquireFailures []error
	mapFailures     []error
}

var _ dataspace.Provider = &Provider{}

// New creates a simulated provider
func New(options Options) (*Provider, error) {
	if options.Base == 0 {
		options.Base = DefaultBase
	}
	if options.Granularity == 0 {
		options.Granularity = DefaultGranularity
	}

	err := memutils.CheckPow2(options.Granularity, "granularity")
	if err != nil {
		return nil, err
	}
	if options.Limit < 0 || options.Spacing < 0 {
		return nil, errors.Newf("limit (%d) and spacing (%d) may not be negative", options.Limit, options.Spacing)
	}

	return &Provider{
		options:     options,
		nextAddress: memutils.AlignUpAddress(options.Base, uint(options.Granularity)),
		regions:     make(map[dataspace.Handle]*region),
	}, nil
}

func (p *Provider) Granularity() int {
	return p.options.Granularity
}

// HostAccessible always returns false: simulated regions have no memory behind them
func (p *Provider) HostAccessible() bool {
	return false
}

// FailNextAcquire queues an error to be returned from a future call to AcquireRegion. Queued errors
// are returned in order, one per call.
func (p *Provider) FailNextAcquire(err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.acquireFailures = append(p.acquireFailures, err)
}

// FailNextMap queues an error to be returned from a future call to Map
func (p *Provider) FailNextMap(err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.mapFailures = append(p.mapFailures, err)
}

func (p *Provider) AcquireRegion(size int, executable bool) (dataspace.Handle, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if len(p.acquireFailures) > 0 {
		err := p.acquireFailures[0]
		p.acquireFailures = p.acquireFailures[1:]
		return 0, err
	}

	if size < 1 {
		return 0, errors.Newf("invalid region size: %d", size)
	}
	size, err := memutils.CheckedAdd(size, p.options.Granularity-1)
	if err != nil {
		return 0, errors.Mark(err, dataspace.ErrCapacityExhausted)
	}
	size = memutils.AlignDown(size, uint(p.options.Granularity))

	if p.options.Limit > 0 && size > p.options.Limit-p.used {
		return 0, errors.Wrapf(dataspace.ErrCapacityExhausted, "%d bytes requested, %d of %d in use", size, p.used, p.options.Limit)
	}

	p.nextHandle++
	p.regions[p.nextHandle] = &region{
		size:       size,
		executable: executable,
	}
	p.used += size
	p.acquisitions = append(p.acquisitions, size)

	return p.nextHandle, nil
}

func (p *Provider) Map(handle dataspace.Handle, executable bool) (uintptr, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	r, ok := p.regions[handle]
	if !ok {
		return 0, errors.Wrapf(dataspace.ErrRegionInvalid, "handle %d", handle)
	}

	if len(p.mapFailures) > 0 {
		err := p.mapFailures[0]
		p.mapFailures = p.mapFailures[1:]
		return 0, err
	}

	if r.mapped {
		return 0, errors.Wrapf(dataspace.ErrMappingConflict, "handle %d is already mapped at 0x%x", handle, r.base)
	}
	if r.executable != executable {
		return 0, errors.Wrapf(dataspace.ErrMappingConflict, "handle %d was acquired with executable=%t", handle, r.executable)
	}

	end := p.nextAddress + uintptr(r.size)
	if end < p.nextAddress {
		return 0, errors.Wrapf(dataspace.ErrMappingConflict, "no address space left for handle %d", handle)
	}

	r.base = p.nextAddress
	r.mapped = true
	p.nextAddress = memutils.AlignUpAddress(end+uintptr(p.options.Spacing), uint(p.options.Granularity))

	return r.base, nil
}

func (p *Provider) Release(handle dataspace.Handle) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	r, ok := p.regions[handle]
	if !ok {
		return
	}

	p.used -= r.size
	delete(p.regions, handle)
	p.releases = append(p.releases, handle)
}

// Acquisitions returns the size of every region acquired so far, in order
func (p *Provider) Acquisitions() []int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return append([]int(nil), p.acquisitions...)
}

// Releases returns the handle of every region released so far, in order
func (p *Provider) Releases() []dataspace.Handle {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return append([]dataspace.Handle(nil), p.releases...)
}

// LiveRegions returns the number of regions acquired and not yet released
func (p *Provider) LiveRegions() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.regions)
}

// Used returns the number of bytes acquired and not yet released
func (p *Provider) Used() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.used
}
