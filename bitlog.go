// Package bitlog is an embedded, single-process key/value store: an
// append-only log of CRC-checked records per spec.md, with hint files
// for fast startup and a background merge that reclaims space behind
// superseded and deleted keys.
package bitlog

import (
	"time"

	"go.uber.org/zap"

	"github.com/nyasuto/bitlog/internal/bitlog"
)

// DB is a handle to an open store directory. The zero value is not
// usable; construct one with Open.
type DB struct {
	engine *bitlog.Engine
}

// Option configures Open, following the functional-options idiom used
// throughout the rest of this module's ambient stack.
type Option func(*bitlog.Options)

// WithMaxFileSize sets the seal-and-rotate threshold for data files.
func WithMaxFileSize(bytes int64) Option {
	return func(o *bitlog.Options) { o.MaxFileSize = bytes }
}

// WithMergeInterval sets how often the background merge scheduler
// checks for eligible victim files.
func WithMergeInterval(d time.Duration) Option {
	return func(o *bitlog.Options) { o.MergeJobInterval = d }
}

// WithMergeThreshold sets the stale-fraction, in (0, 1], a file must
// cross before it becomes a merge candidate.
func WithMergeThreshold(fraction float64) Option {
	return func(o *bitlog.Options) { o.MergeThresholdPerFile = fraction }
}

// WithMergeBatchSize sets both the minimum number of elected victims
// needed to start a merge round and the maximum number taken per round.
func WithMergeBatchSize(n int) Option {
	return func(o *bitlog.Options) { o.MergeThresholdFileNumber = n }
}

// WithoutMerge disables the background merge scheduler. Recovery still
// runs normally; space is simply never reclaimed.
func WithoutMerge() Option {
	return func(o *bitlog.Options) { o.IsMergeDisabled = true }
}

// WithLogger attaches a *zap.Logger for structured diagnostics. The
// default is silent.
func WithLogger(l *zap.Logger) Option {
	return func(o *bitlog.Options) { o.Logger = l }
}

// WithoutMmap reads sealed files through plain positional *os.File
// reads instead of memory-mapping them. Use this when a deployment
// would rather not map every sealed segment into its address space.
func WithoutMmap() Option {
	return func(o *bitlog.Options) { o.UseMmap = false }
}

// Open opens (and if necessary creates) a store rooted at dir. Only one
// process may hold a directory open at a time; a second Open against
// the same dir fails fast instead of corrupting the first.
func Open(dir string, opts ...Option) (*DB, error) {
	options := bitlog.DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	e, err := bitlog.Open(bitlog.Config{Dir: dir, Options: options})
	if err != nil {
		return nil, err
	}
	return &DB{engine: e}, nil
}

// Put writes value for key, superseding any prior value. Keys must be
// 1-255 bytes.
func (db *DB) Put(key, value []byte) error {
	return db.engine.Put(key, value)
}

// Get returns the current value for key, or ErrNotFound if it has no
// value (never written, or deleted).
func (db *DB) Get(key []byte) ([]byte, error) {
	return db.engine.Get(key)
}

// Delete removes key. Deleting an absent key is not an error.
func (db *DB) Delete(key []byte) error {
	return db.engine.Delete(key)
}

// ListDataFileIds returns every file id currently backing the store,
// active or sealed. Intended for tests and operational introspection,
// not for steering application logic.
func (db *DB) ListDataFileIds() map[uint32]struct{} {
	return db.engine.ListDataFileIds()
}

// Close seals the active file, stops the merge scheduler, and releases
// the directory lock. The DB must not be used afterward.
func (db *DB) Close() error {
	return db.engine.Close()
}

// ErrNotFound is returned by Get for a key with no current value.
var ErrNotFound = bitlog.ErrNotFound
