package dataspace

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/dsheap/memutils"
)

const (
	// DefaultMinChunkSize is the size of the first region a pool acquires when PoolCreateInfo.MinChunkSize
	// is left at 0: 4096 machine words.
	DefaultMinChunkSize int = 4 * 1024 * memutils.WordSize
	// DefaultMaxChunkSize is the size that region growth stops doubling at when PoolCreateInfo.MaxChunkSize
	// is left at 0: 1Mi machine words.
	DefaultMaxChunkSize int = 1024 * 1024 * memutils.WordSize
)

// PoolCreateInfo contains the settings a Pool is created with. The zero value is valid.
type PoolCreateInfo struct {
	// Executable requests that every region in the pool be mapped executable
	Executable bool
	// MinChunkSize is the size in bytes of the first region acquired
	MinChunkSize int
	// MaxChunkSize bounds the doubling of the region size after each growth. Larger regions are still
	// acquired when a single request demands it.
	MaxChunkSize int
}

// Pool owns the regions acquired from a Provider, in the order they were acquired. Each growth
// acquires a region at least as large as the current chunk size, which doubles after every successful
// growth until it reaches the maximum.
//
// Pool is not safe for concurrent use; callers serialize access.
type Pool struct {
	logger     *slog.Logger
	provider   Provider
	executable bool

	minChunkSize int
	maxChunkSize int
	chunkSize    int

	regions   []Region
	destroyed bool
}

var _ memutils.Validatable = &Pool{}

// NewPool creates an empty Pool. No regions are acquired until the first call to Grow.
func NewPool(logger *slog.Logger, provider Provider, info PoolCreateInfo) (*Pool, error) {
	if provider == nil {
		return nil, errors.New("a backing region provider is required")
	}

	granularity := provider.Granularity()
	err := memutils.CheckPow2(granularity, "provider granularity")
	if err != nil {
		return nil, err
	}

	minChunkSize := info.MinChunkSize
	if minChunkSize == 0 {
		minChunkSize = DefaultMinChunkSize
	}
	maxChunkSize := info.MaxChunkSize
	if maxChunkSize == 0 {
		maxChunkSize = max(DefaultMaxChunkSize, minChunkSize)
	}

	if minChunkSize < 0 || maxChunkSize < minChunkSize {
		return nil, errors.Newf("invalid chunk size bounds: min %d, max %d", minChunkSize, maxChunkSize)
	}

	if maxChunkSize > math.MaxInt-granularity {
		return nil, errors.Newf("max chunk size %d is too large", maxChunkSize)
	}

	minChunkSize = memutils.AlignUp(minChunkSize, uint(granularity))
	maxChunkSize = memutils.AlignUp(maxChunkSize, uint(granularity))

	return &Pool{
		logger:       logger,
		provider:     provider,
		executable:   info.Executable,
		minChunkSize: minChunkSize,
		maxChunkSize: maxChunkSize,
		chunkSize:    minChunkSize,
	}, nil
}

func (p *Pool) Executable() bool    { return p.executable }
func (p *Pool) MinChunkSize() int   { return p.minChunkSize }
func (p *Pool) MaxChunkSize() int   { return p.maxChunkSize }
func (p *Pool) RegionCount() int    { return len(p.regions) }
func (p *Pool) IsDestroyed() bool   { return p.destroyed }
func (p *Pool) Provider() Provider  { return p.provider }
func (p *Pool) NextChunkSize() int  { return p.chunkSize }
func (p *Pool) Granularity() int    { return p.provider.Granularity() }
func (p *Pool) Region(i int) Region { return p.regions[i] }

// Regions returns a copy of the pool's regions in acquisition order
func (p *Pool) Regions() []Region {
	regions := make([]Region, len(p.regions))
	copy(regions, p.regions)
	return regions
}

// Size returns the total number of bytes across all regions
func (p *Pool) Size() int {
	var size int
	for _, region := range p.regions {
		size += region.Size
	}
	return size
}

// RegionFor returns the region that contains addr, if any
func (p *Pool) RegionFor(addr uintptr) (Region, bool) {
	for _, region := range p.regions {
		if region.Contains(addr) {
			return region, true
		}
	}
	return Region{}, false
}

// Contains returns true if addr lies inside any of the pool's regions
func (p *Pool) Contains(addr uintptr) bool {
	_, ok := p.RegionFor(addr)
	return ok
}

// ReassignProvider replaces the provider used for future growths. Regions that were already acquired
// are still released through the provider that acquired them.
func (p *Pool) ReassignProvider(provider Provider) error {
	if provider == nil {
		return errors.New("a backing region provider is required")
	}
	err := memutils.CheckPow2(provider.Granularity(), "provider granularity")
	if err != nil {
		return err
	}

	p.provider = provider
	return nil
}

// Grow acquires and maps a new region of at least minSize bytes and returns it. The region is
// max(minSize, NextChunkSize()) bytes rounded up to the provider's granularity.
//
// On failure nothing is registered: a region that was acquired but could not be mapped is released
// again. Every error is marked with ErrGrowthFailed and one of ErrCapacityExhausted, ErrMappingFailed
// or ErrPoolDestroyed.
func (p *Pool) Grow(minSize int) (Region, error) {
	if p.destroyed {
		return Region{}, errors.Mark(ErrPoolDestroyed, ErrGrowthFailed)
	}
	if minSize < 1 {
		return Region{}, errors.Mark(errors.Newf("invalid growth size: %d", minSize), ErrGrowthFailed)
	}

	granularity := p.provider.Granularity()
	size := max(minSize, p.chunkSize)
	if size > math.MaxInt-granularity {
		return Region{}, errors.Mark(
			errors.Wrapf(ErrCapacityExhausted, "%d bytes can never be acquired", size),
			ErrGrowthFailed)
	}
	size = memutils.AlignUp(size, uint(granularity))

	handle, err := p.provider.AcquireRegion(size, p.executable)
	if err != nil {
		if !errors.Is(err, ErrCapacityExhausted) {
			err = errors.Mark(err, ErrCapacityExhausted)
		}

		p.logger.LogAttrs(context.Background(), slog.LevelWarn, "failed to acquire backing region",
			slog.String("region.size", humanize.IBytes(uint64(size))),
			slog.Bool("executable", p.executable),
			slog.Any("error", err))
		return Region{}, errors.Mark(errors.Wrapf(err, "acquiring %d byte region", size), ErrGrowthFailed)
	}

	base, err := p.provider.Map(handle, p.executable)
	if err != nil {
		// Never leave a half-initialized region behind
		p.provider.Release(handle)

		if !errors.Is(err, ErrMappingFailed) {
			err = errors.Mark(err, ErrMappingFailed)
		}

		p.logger.LogAttrs(context.Background(), slog.LevelWarn, "failed to map backing region",
			slog.Uint64("region.handle", uint64(handle)),
			slog.String("region.size", humanize.IBytes(uint64(size))),
			slog.Any("error", err))
		return Region{}, errors.Mark(errors.Wrapf(err, "mapping %d byte region", size), ErrGrowthFailed)
	}

	region := Region{
		Handle:   handle,
		Base:     base,
		Size:     size,
		provider: p.provider,
	}
	p.regions = append(p.regions, region)

	if p.chunkSize > p.maxChunkSize/2 {
		p.chunkSize = p.maxChunkSize
	} else {
		p.chunkSize *= 2
	}

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "grew region pool",
		slog.Int("region.index", len(p.regions)-1),
		slog.String("region.base", fmt.Sprintf("0x%x", base)),
		slog.String("region.size", humanize.IBytes(uint64(size))),
		slog.Int("chunk.next", p.chunkSize))

	return region, nil
}

// Teardown releases every region in reverse acquisition order. The pool cannot be grown afterward.
// Calling Teardown more than once has no further effect.
func (p *Pool) Teardown() {
	if p.destroyed {
		return
	}

	for i := len(p.regions) - 1; i >= 0; i-- {
		region := p.regions[i]
		region.provider.Release(region.Handle)

		p.logger.LogAttrs(context.Background(), slog.LevelDebug, "released backing region",
			slog.Int("region.index", i),
			slog.Uint64("region.handle", uint64(region.Handle)))
	}

	p.regions = nil
	p.destroyed = true
}

// AddStatistics sums the pool's regions into stats
func (p *Pool) AddStatistics(stats *memutils.Statistics) {
	stats.RegionCount += len(p.regions)
	stats.RegionBytes += p.Size()
}

// AddDetailedStatistics sums the pool's regions into stats
func (p *Pool) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for _, region := range p.regions {
		stats.AddRegion(region.Size)
	}
}

// WriteJSON writes an array with an entry for each region to the provided json writer
func (p *Pool) WriteJSON(json *jwriter.ObjectState) {
	json.Name("Executable").Bool(p.executable)
	json.Name("NextChunkSize").Int(p.chunkSize)

	arr := json.Name("Regions").Array()
	defer arr.End()

	for i, region := range p.regions {
		obj := arr.Object()
		obj.Name("Index").Int(i)
		obj.Name("Handle").Float64(float64(region.Handle))
		obj.Name("Base").String(fmt.Sprintf("0x%x", region.Base))
		obj.Name("Size").Int(region.Size)
		obj.End()
	}
}

// Validate checks that the regions are well-formed and do not overlap one another
func (p *Pool) Validate() error {
	if p.chunkSize < p.minChunkSize || p.chunkSize > p.maxChunkSize {
		return errors.Newf("chunk size %d is outside of the bounds [%d, %d]", p.chunkSize, p.minChunkSize, p.maxChunkSize)
	}

	if p.destroyed && len(p.regions) > 0 {
		return errors.Newf("the pool has been torn down but still holds %d regions", len(p.regions))
	}

	for i, region := range p.regions {
		if region.Size < 1 {
			return errors.Newf("%s has invalid size %d", region, region.Size)
		}
		if region.provider == nil {
			return errors.Newf("%s has no provider to release it", region)
		}
		if region.End() < region.Base {
			return errors.Newf("%s wraps around the address space", region)
		}

		for _, other := range p.regions[i+1:] {
			if region.Base < other.End() && other.Base < region.End() {
				return errors.Newf("%s overlaps %s", region, other)
			}
		}
	}

	return nil
}
