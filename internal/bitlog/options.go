package bitlog

import (
	"time"

	"go.uber.org/zap"
)

// Defaults mirror the range HaloDB-style stores typically ship with;
// none of these are prescribed by the spec beyond their existence.
const (
	DefaultMaxFileSize              = 64 << 20 // 64MiB
	DefaultMergeThresholdPerFile    = 0.5
	DefaultMergeThresholdFileNumber = 4
)

// DefaultMergeJobInterval is how often the merge scheduler wakes up to
// check for eligible victims.
const DefaultMergeJobInterval = 30 * time.Second

// Options configures an Engine. See spec.md §6.
type Options struct {
	// MaxFileSize is the seal-and-rotate threshold for data files, in
	// bytes. An incoming record is never split across a rotation.
	MaxFileSize int64

	// MergeJobInterval is the merge scheduler's tick period.
	MergeJobInterval time.Duration

	// MergeThresholdPerFile is the fraction (0, 1] of a file's physical
	// size that its stale bytes must reach before it becomes a merge
	// victim.
	MergeThresholdPerFile float64

	// MergeThresholdFileNumber is both the minimum number of victims
	// needed before a merge round starts, and the maximum batch size
	// elected per round.
	MergeThresholdFileNumber int

	// IsMergeDisabled disables the background scheduler entirely; Open
	// still performs recovery.
	IsMergeDisabled bool

	// UseMmap selects the Reader a sealed file is read through:
	// memory-mapped when true (the default), or a plain *os.File-backed
	// Reader when false.
	UseMmap bool

	// Logger receives structured diagnostics. Defaults to a no-op
	// logger: an embedded library must stay silent unless a caller
	// opts in.
	Logger *zap.Logger
}

// DefaultOptions returns an Options populated with the package defaults.
func DefaultOptions() Options {
	return Options{
		MaxFileSize:              DefaultMaxFileSize,
		MergeJobInterval:         DefaultMergeJobInterval,
		MergeThresholdPerFile:    DefaultMergeThresholdPerFile,
		MergeThresholdFileNumber: DefaultMergeThresholdFileNumber,
		IsMergeDisabled:          false,
		UseMmap:                  true,
		Logger:                   zap.NewNop(),
	}
}

func (o *Options) withDefaults() {
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.MergeJobInterval <= 0 {
		o.MergeJobInterval = DefaultMergeJobInterval
	}
	if o.MergeThresholdPerFile <= 0 || o.MergeThresholdPerFile > 1 {
		o.MergeThresholdPerFile = DefaultMergeThresholdPerFile
	}
	if o.MergeThresholdFileNumber <= 0 {
		o.MergeThresholdFileNumber = DefaultMergeThresholdFileNumber
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}
