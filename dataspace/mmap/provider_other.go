//go:build !linux

package mmap

import "github.com/vkngwrapper/dsheap/dataspace"

// Provider is unavailable on this platform; New always fails
type Provider struct{}

func New(options Options) (*Provider, error) {
	return nil, ErrUnsupported
}

func (p *Provider) Granularity() int {
	return 4096
}

func (p *Provider) HostAccessible() bool {
	return false
}

func (p *Provider) AcquireRegion(size int, executable bool) (dataspace.Handle, error) {
	return 0, ErrUnsupported
}

func (p *Provider) Map(handle dataspace.Handle, executable bool) (uintptr, error) {
	return 0, ErrUnsupported
}

func (p *Provider) Release(handle dataspace.Handle) {}

func (p *Provider) Used() int { return 0 }

func (p *Provider) Close() {}
