// Package mmap implements a dataspace.Provider backed by anonymous shared memory files. Each region
// is a memfd sized to the request and sealed against resizing; mapping it makes the memory available
// to this process, optionally executable.
package mmap

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/dsheap/dataspace"
)

// ErrUnsupported is returned from New on platforms without memfd support
var ErrUnsupported = errors.New("mmap-backed regions are not supported on this platform")

// Options configures a Provider. The zero value is valid.
type Options struct {
	// Name is attached to every memfd and shows up in /proc/<pid>/maps. Defaults to "dsheap".
	Name string
	// Limit is the maximum number of bytes that may be acquired at once, emulating a memory quota.
	// 0 means unlimited.
	Limit int
}

var _ dataspace.Provider = &Provider{}
var _ dataspace.HostAccessible = &Provider{}
