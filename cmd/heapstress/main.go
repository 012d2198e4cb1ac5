// Command heapstress runs a random allocation workload against a heap and verifies every
// allocation it gets back.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/c2h5oh/datasize"
	"github.com/fatih/color"
	"github.com/vkngwrapper/dsheap/heap"
	"github.com/vkngwrapper/dsheap/memutils/metadata"
)

// byteSizeValue lets kingpin parse flags such as "64KB" or "1MB"
type byteSizeValue struct {
	size *datasize.ByteSize
}

func (v byteSizeValue) Set(str string) error {
	return v.size.UnmarshalText([]byte(str))
}

func (v byteSizeValue) String() string {
	return v.size.String()
}

func byteSize(clause *kingpin.FlagClause) *datasize.ByteSize {
	size := new(datasize.ByteSize)
	clause.SetValue(byteSizeValue{size: size})
	return size
}

type config struct {
	provider     *string
	minChunk     *datasize.ByteSize
	maxChunk     *datasize.ByteSize
	limit        *datasize.ByteSize
	maxSize      *datasize.ByteSize
	ops          *int
	workers      *int
	maxAlignLog2 *int
	strategy     *string
	executable   *bool
	seed         *int64
	dump         *string
	logLevel     *string
}

func main() {
	app := kingpin.New("heapstress", "Run a random alloc/free workload against a dataspace-backed heap.")
	app.HelpFlag.Short('h')

	cfg := config{
		provider:     app.Flag("provider", "Backing region provider.").Default("sim").Enum("sim", "mmap"),
		minChunk:     byteSize(app.Flag("min-chunk", "Size of the first backing region.").Default("32KB")),
		maxChunk:     byteSize(app.Flag("max-chunk", "Size that backing region growth stops doubling at.").Default("8MB")),
		limit:        byteSize(app.Flag("limit", "Maximum backing memory the provider hands out. 0 for no limit.").Default("0")),
		maxSize:      byteSize(app.Flag("max-size", "Largest allocation requested.").Default("4KB")),
		ops:          app.Flag("ops", "Operations performed by each worker.").Default("100000").Int(),
		workers:      app.Flag("workers", "Number of concurrent workers.").Default("4").Int(),
		maxAlignLog2: app.Flag("max-align-log2", "Largest alignment requested, as a power of two.").Default("8").Int(),
		strategy:     app.Flag("strategy", "Free range selection strategy.").Default("MinMemory").Enum("MinMemory", "MinTime", "MinOffset"),
		executable:   app.Flag("executable", "Allocate from the executable heap.").Bool(),
		seed:         app.Flag("seed", "Random seed for the workload.").Default("1").Int64(),
		dump:         app.Flag("dump", "Write the heap's detailed JSON map to this file before shutdown.").String(),
		logLevel:     app.Flag("log-level", "Log level.").Default("info").Enum("debug", "info", "warn", "error"),
	}

	kingpin.MustParse(app.Parse(os.Args[1:]))

	var level slog.Level
	if err := level.UnmarshalText([]byte(*cfg.logLevel)); err != nil {
		exitWithErr(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	strategy, _ := metadata.ParseAllocationStrategy(*cfg.strategy)
	options := heap.CreateOptions{
		MinChunkSize: int(cfg.minChunk.Bytes()),
		MaxChunkSize: int(cfg.maxChunk.Bytes()),
		Strategy:     strategy,
	}

	err := run(logger, cfg, options)
	if err != nil {
		exitWithErr(err)
	}
}

func exitWithErr(err error) {
	_, _ = color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "heapstress: %+v\n", err)
	os.Exit(1)
}

func printSummary(title string, value string) {
	fmt.Printf("\t%s: %s\n", color.CyanString(title), value)
}
