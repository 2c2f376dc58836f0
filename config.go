package tbman

import (
	"errors"
	"fmt"
	"log/slog"
)

// Config configures a Manager's size-class ladder, pool layout, and alignment policy.
type Config struct {
	// PoolSize is the byte size of every TokenManager's backing pool. Must be a
	// power of two. Bigger pools amortize mmap overhead across more blocks but
	// waste more memory per partially-used pool.
	PoolSize uint64

	// MinBlockSize and MaxBlockSize bound the size-class ladder (see sizeClassLadder).
	// Requests larger than MaxBlockSize are forwarded to the platform allocator.
	MinBlockSize uint64
	MaxBlockSize uint64

	// SteppingMethod controls how many arithmetic steps are interleaved between
	// doublings when generating the size-class ladder. 0 and 1 both give pure
	// doubling; larger values trade more size classes (less waste) for more
	// BlockManagers (more bookkeeping).
	SteppingMethod uint

	// FullAlign requests that every pool be allocated aligned to PoolSize, which
	// enables the O(1) aligned fast path for free/realloc. If the platform cannot
	// honor it for a given pool, the Manager's aligned flag latches to false for
	// every subsequent operation (spec.md §4.4.4).
	FullAlign bool

	// SweepHysteresis is the ratio of empty-to-nonempty TokenManagers within a
	// BlockManager that triggers bulk release of trailing empty pools to the OS.
	SweepHysteresis float64

	// Logger receives structured diagnostic events (Manager initialization,
	// alignment loss, leaked instances at Close). Pool creation and sweeps
	// are not logged. Defaults to slog.Default().
	Logger *slog.Logger

	// DebugChecks enables the extra validation described in spec.md §7 as
	// "Assertion (debug builds only)": double-free detection, out-of-pool frees,
	// and frees of the reserved header region. Off by default, since it requires
	// scanning the free-token set on every free.
	DebugChecks bool
}

const (
	// TBMANAlign is the minimum alignment of every external (oversize) block,
	// which the page-aligned mmap path always satisfies. Blocks served from a
	// pool sit at pool base + token*blockSize, so they are aligned only to
	// their block size (or less, for block sizes that are not powers of two).
	TBMANAlign = 256

	defaultPoolSize        = 65536
	defaultMinBlockSize    = 8
	defaultMaxBlockSize    = 16384
	defaultSteppingMethod  = 1
	defaultFullAlign       = true
	defaultSweepHysteresis = 0.125
)

// DefaultConfig returns the configuration spec.md §6 requires as the out-of-the-box default.
func DefaultConfig() Config {
	return Config{
		PoolSize:        defaultPoolSize,
		MinBlockSize:    defaultMinBlockSize,
		MaxBlockSize:    defaultMaxBlockSize,
		SteppingMethod:  defaultSteppingMethod,
		FullAlign:       defaultFullAlign,
		SweepHysteresis: defaultSweepHysteresis,
		Logger:          slog.Default(),
	}
}

// Validate checks that the configuration is self-consistent, returning a
// descriptive error when it is not.
func (c Config) Validate() error {
	var errs []error
	if c.PoolSize == 0 || (c.PoolSize&(c.PoolSize-1)) != 0 {
		errs = append(errs, fmt.Errorf("pool size %d is not a power of two", c.PoolSize))
	}
	if c.MinBlockSize == 0 {
		errs = append(errs, errors.New("min block size must be > 0"))
	}
	if c.MaxBlockSize < c.MinBlockSize {
		errs = append(errs, fmt.Errorf("max block size %d is smaller than min block size %d", c.MaxBlockSize, c.MinBlockSize))
	}
	if c.SweepHysteresis < 0 {
		errs = append(errs, errors.New("sweep hysteresis must be >= 0"))
	}
	return errors.Join(errs...)
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.SweepHysteresis == 0 {
		c.SweepHysteresis = defaultSweepHysteresis
	}
	return c
}
