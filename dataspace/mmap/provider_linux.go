//go:build linux

package mmap

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/dsheap/dataspace"
	"github.com/vkngwrapper/dsheap/memutils"
	"golang.org/x/sys/unix"
)

type region struct {
	fd         int
	size       int
	executable bool
	mapping    []byte
}

// Provider acquires regions as memfds and maps them with mmap. It is safe for concurrent use.
type Provider struct {
	mutex    sync.Mutex
	name     string
	limit    int
	pageSize int

	used       int
	nextHandle dataspace.Handle
	regions    map[dataspace.Handle]*region
}

// New creates a Provider
func New(options Options) (*Provider, error) {
	if options.Limit < 0 {
		return nil, errors.Newf("invalid limit: %d", options.Limit)
	}

	name := options.Name
	if name == "" {
		name = "dsheap"
	}

	return &Provider{
		name:     name,
		limit:    options.Limit,
		pageSize: unix.Getpagesize(),
		regions:  make(map[dataspace.Handle]*region),
	}, nil
}

func (p *Provider) Granularity() int {
	return p.pageSize
}

func (p *Provider) HostAccessible() bool {
	return true
}

func isCapacityErrno(err error) bool {
	return errors.Is(err, unix.ENOMEM) ||
		errors.Is(err, unix.ENOSPC) ||
		errors.Is(err, unix.EMFILE) ||
		errors.Is(err, unix.ENFILE) ||
		errors.Is(err, unix.EFBIG)
}

func (p *Provider) AcquireRegion(size int, executable bool) (dataspace.Handle, error) {
	if size < 1 {
		return 0, errors.Newf("invalid region size: %d", size)
	}
	size, err := memutils.CheckedAdd(size, p.pageSize-1)
	if err != nil {
		return 0, errors.Mark(err, dataspace.ErrCapacityExhausted)
	}
	size = memutils.AlignDown(size, uint(p.pageSize))

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.limit > 0 && size > p.limit-p.used {
		return 0, errors.Wrapf(dataspace.ErrCapacityExhausted, "%d bytes requested, %d of %d in use", size, p.used, p.limit)
	}

	fd, err := unix.MemfdCreate(p.name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		if isCapacityErrno(err) {
			err = errors.Mark(err, dataspace.ErrCapacityExhausted)
		}
		return 0, errors.Wrap(err, "memfd_create")
	}

	err = unix.Ftruncate(fd, int64(size))
	if err != nil {
		_ = unix.Close(fd)
		if isCapacityErrno(err) {
			err = errors.Mark(err, dataspace.ErrCapacityExhausted)
		}
		return 0, errors.Wrapf(err, "sizing memfd to %d bytes", size)
	}

	_, err = unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_GROW|unix.F_SEAL_SEAL)
	if err != nil {
		_ = unix.Close(fd)
		return 0, errors.Wrap(err, "sealing memfd")
	}

	p.nextHandle++
	p.regions[p.nextHandle] = &region{
		fd:         fd,
		size:       size,
		executable: executable,
	}
	p.used += size

	return p.nextHandle, nil
}

func (p *Provider) Map(handle dataspace.Handle, executable bool) (uintptr, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	r, ok := p.regions[handle]
	if !ok {
		return 0, errors.Wrapf(dataspace.ErrRegionInvalid, "handle %d", handle)
	}
	if r.mapping != nil {
		return 0, errors.Wrapf(dataspace.ErrMappingConflict, "handle %d is already mapped", handle)
	}
	if r.executable != executable {
		return 0, errors.Wrapf(dataspace.ErrMappingConflict, "handle %d was acquired with executable=%t", handle, r.executable)
	}

	prot := unix.PROT_READ | unix.PROT_WRITE
	if executable {
		prot |= unix.PROT_EXEC
	}

	data, err := unix.Mmap(r.fd, 0, r.size, prot, unix.MAP_SHARED)
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "mapping handle %d", handle), dataspace.ErrMappingConflict)
	}

	r.mapping = data
	return uintptr(unsafe.Pointer(unsafe.SliceData(data))), nil
}

func (p *Provider) Release(handle dataspace.Handle) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	r, ok := p.regions[handle]
	if !ok {
		return
	}

	p.release(r)
	delete(p.regions, handle)
}

func (p *Provider) release(r *region) {
	if r.mapping != nil {
		_ = unix.Munmap(r.mapping)
		r.mapping = nil
	}
	_ = unix.Close(r.fd)
	p.used -= r.size
}

// Used returns the number of bytes acquired and not yet released
func (p *Provider) Used() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.used
}

// Close releases every region that is still outstanding
func (p *Provider) Close() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for handle, r := range p.regions {
		p.release(r)
		delete(p.regions, handle)
	}
}
