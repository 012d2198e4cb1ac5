package heap

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/vkngwrapper/dsheap/dataspace"
	"github.com/vkngwrapper/dsheap/heap/internal/utils"
	"github.com/vkngwrapper/dsheap/memutils/metadata"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = map[CreateFlags]string{}

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping[f] = str
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for bit := 0; bit < 32; bit++ {
		flag := CreateFlags(1) << bit
		if f&flag == 0 {
			continue
		}

		name, ok := allocatorCreateFlagsMapping[flag]
		if !ok {
			name = "Unknown"
		}
		names = append(names, name)
	}

	return strings.Join(names, "|")
}

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator will not be synchronized
	// internally. The consumer must guarantee it is used from only one goroutine at a time or is
	// synchronized by some other mechanism, but performance may improve because the internal mutex
	// is not used.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
	// AllocatorCreateExecutable requests that every backing region be mapped executable, for
	// allocators that will hold generated code
	AllocatorCreateExecutable
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
	AllocatorCreateExecutable.Register("AllocatorCreateExecutable")
}

// CreateOptions contains optional settings when creating an allocator. It is valid to leave
// all the fields blank.
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// MinChunkSize is the size in bytes of the first backing region. Defaults to
	// dataspace.DefaultMinChunkSize.
	MinChunkSize int
	// MaxChunkSize is the size that backing region growth stops doubling at. Defaults to
	// dataspace.DefaultMaxChunkSize.
	MaxChunkSize int
	// Strategy selects the free range that each allocation is carved from. Defaults to
	// metadata.AllocationStrategyMinMemory.
	Strategy metadata.AllocationStrategy
}

// New creates a new Allocator. No backing memory is acquired until the first allocation.
//
// provider - The source of backing regions. It is used for every growth until ReassignProvider
// is called.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, provider dataspace.Provider, options CreateOptions) (*Allocator, error) {
	pool, err := dataspace.NewPool(logger, provider, dataspace.PoolCreateInfo{
		Executable:   options.Flags&AllocatorCreateExecutable != 0,
		MinChunkSize: options.MinChunkSize,
		MaxChunkSize: options.MaxChunkSize,
	})
	if err != nil {
		return nil, err
	}

	strategy := options.Strategy
	if strategy == 0 {
		strategy = metadata.AllocationStrategyMinMemory
	}

	allocator := &Allocator{
		logger:      logger,
		createFlags: options.Flags,
		strategy:    strategy,
		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&AllocatorCreateExternallySynchronized == 0,
			Mutex:    sync.Mutex{},
		},
		pool:     pool,
		metadata: metadata.NewRangeMetadata(metadata.MachineWordGranularity{}),
	}

	logger.Debug("Allocator::New",
		slog.String("flags", options.Flags.String()),
		slog.String("strategy", strategy.String()),
		slog.Int("chunk.min", pool.MinChunkSize()),
		slog.Int("chunk.max", pool.MaxChunkSize()))

	return allocator, nil
}
