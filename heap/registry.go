package heap

import (
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/dsheap/dataspace"
)

// Registry holds the process's allocators, one for data and one for executable code. It is
// created once at startup, handed to whatever needs to allocate, and shut down after the last
// allocation has been freed.
type Registry struct {
	logger *slog.Logger

	mutex      sync.Mutex
	data       *Allocator
	executable *Allocator
	closed     bool
}

// NewRegistry creates both allocators over the same provider. The AllocatorCreateExecutable flag
// in options is ignored; it is set for the executable allocator only.
func NewRegistry(logger *slog.Logger, provider dataspace.Provider, options CreateOptions) (*Registry, error) {
	dataOptions := options
	dataOptions.Flags &^= AllocatorCreateExecutable

	data, err := New(logger.With(slog.Bool("executable", false)), provider, dataOptions)
	if err != nil {
		return nil, errors.Wrap(err, "creating data allocator")
	}

	executableOptions := options
	executableOptions.Flags |= AllocatorCreateExecutable

	executable, err := New(logger.With(slog.Bool("executable", true)), provider, executableOptions)
	if err != nil {
		destroyErr := data.Destroy()
		if destroyErr != nil {
			logger.Error("error attempting to destroy data allocator after registry creation failure", slog.Any("error", destroyErr))
		}
		return nil, errors.Wrap(err, "creating executable allocator")
	}

	return &Registry{
		logger:     logger,
		data:       data,
		executable: executable,
	}, nil
}

// Allocator returns the allocator for executable or non-executable memory
func (r *Registry) Allocator(executable bool) (*Allocator, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	if executable {
		return r.executable, nil
	}
	return r.data, nil
}

// Allocators returns every allocator keyed by a name suitable for a metrics label
func (r *Registry) Allocators() map[string]*Allocator {
	return map[string]*Allocator{
		"data":       r.data,
		"executable": r.executable,
	}
}

// Shutdown destroys both allocators, releasing all of their backing regions. Calls after the
// first do nothing.
func (r *Registry) Shutdown() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	r.logger.Debug("Registry::Shutdown")
	return errors.CombineErrors(r.data.Destroy(), r.executable.Destroy())
}
