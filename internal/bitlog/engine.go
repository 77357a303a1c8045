package bitlog

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var idPattern = regexp.MustCompile(`^([0-9]+)\.(data|hint)$`)

// Config bundles everything Open needs, following iamNilotpal-ignite's
// Engine/Config idiom of an explicit, testable constructor input
// instead of a long positional parameter list.
type Config struct {
	Dir     string
	Options Options
}

// Engine orchestrates put/get/delete, owns the active DataFile and the
// Stale Accountant, and drives recovery on open (spec.md §4.6).
type Engine struct {
	dir    string
	opts   Options
	logger *zap.Logger

	// rotMu serializes rollover decisions: a put/delete that decides it
	// must seal-and-rotate must not race another writer doing the same.
	rotMu  sync.Mutex
	active *DataFile
	nextID uint32

	index *keyIndex
	stale *staleAccountant
	files *fileSet
	merge *mergeScheduler
	lock  *flock.Flock

	closed atomic.Bool
}

// Open creates dir if absent, recovers the index from on-disk hint
// (and orphan data) files, starts a fresh active file, and launches
// the merge scheduler unless disabled (spec.md §4.6 "open").
func Open(cfg Config) (*Engine, error) {
	opts := cfg.Options
	opts.withDefaults()

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, wrapIO("mkdir", cfg.Dir, err)
	}

	lock := flock.New(filepath.Join(cfg.Dir, "LOCK"))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, wrapIO("lock", cfg.Dir, err)
	}
	if !ok {
		return nil, errors.Errorf("bitlog: %s is already open by another process", cfg.Dir)
	}

	e := &Engine{
		dir:    cfg.Dir,
		opts:   opts,
		logger: opts.Logger,
		files:  newFileSet(),
		index:  newKeyIndex(),
		lock:   lock,
	}
	e.stale = newStaleAccountant(opts.MergeThresholdPerFile, engineFileSizer{e: e})

	ids, err := scanExistingIDs(cfg.Dir)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	for _, id := range ids {
		df, err := openSealedDataFile(cfg.Dir, id, opts.UseMmap)
		if err != nil {
			_ = lock.Unlock()
			return nil, err
		}
		e.files.Add(id, df)
	}

	if err := e.recover(ids); err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	var nextID uint32
	if len(ids) > 0 {
		nextID = ids[len(ids)-1] + 1
	}
	active, err := createActiveDataFile(cfg.Dir, nextID, opts.UseMmap)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	e.active = active
	e.nextID = nextID + 1

	e.merge = newMergeScheduler(e)
	if !opts.IsMergeDisabled {
		e.merge.start()
	}

	e.logger.Info("bitlog: opened", fieldDir(cfg.Dir), zap.Int("recovered_files", len(ids)), zap.Int("keys", e.index.Len()))
	return e, nil
}

// scanExistingIDs lists the fileIds present as .data files, ascending.
func scanExistingIDs(dir string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, wrapIO("readdir", dir, err)
	}
	seen := make(map[uint32]bool)
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		m := idPattern.FindStringSubmatch(ent.Name())
		if m == nil || m[2] != "data" {
			continue
		}
		n, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			continue
		}
		seen[uint32(n)] = true
	}
	ids := make([]uint32, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// recover implements spec.md §4.6's recovery protocol: hint files are
// read in fileId order; any data file lacking a hint sibling is
// scanned directly as an implicit hint stream (§9).
func (e *Engine) recover(ids []uint32) error {
	for _, id := range ids {
		hintPath := hintFilePath(e.dir, id)
		var entries []HintEntry
		if _, err := os.Stat(hintPath); err == nil {
			var rerr error
			entries, rerr = readHintFile(hintPath)
			if rerr != nil {
				return rerr
			}
		} else {
			df := e.files.Load()[id]
			entries = df.ScanAll()
		}
		e.applyRecoveredEntries(id, entries)
	}
	return nil
}

func (e *Engine) applyRecoveredEntries(fileID uint32, entries []HintEntry) {
	for _, ent := range entries {
		loc := Locator{FileID: fileID, Offset: ent.RecordOffset, RecordSize: ent.RecordSize}
		existing, had := e.index.Get(ent.Key)
		switch {
		case !had && !ent.Tombstone:
			e.index.Put(ent.Key, loc)
		case had && ent.Tombstone:
			e.index.Remove(ent.Key)
			e.stale.ChargeOverwrite(existing)
		case had && !ent.Tombstone:
			e.index.Put(ent.Key, loc)
			e.stale.ChargeOverwrite(existing)
		}
		if ent.Tombstone {
			// the tombstone's own bytes are dead the instant they exist
			// (DESIGN.md Open Question 3).
			e.stale.ChargeBytes(fileID, int64(ent.RecordSize))
		}
	}
}

func validateKey(key []byte) error {
	if len(key) == 0 {
		return errors.WithStack(&InvalidKeyError{KeyLen: 0})
	}
	if len(key) > MaxKeySize {
		return errors.WithStack(&InvalidKeyError{KeyLen: len(key)})
	}
	return nil
}

// Put encodes and appends a record, then publishes its locator to the
// index (spec.md §4.6 "put"). The index update happens strictly after
// the data is durable at the returned offset, so any Get observing the
// new locator is guaranteed to find the record.
func (e *Engine) Put(key, value []byte) error {
	if e.closed.Load() {
		return errors.New("bitlog: engine closed")
	}
	if err := validateKey(key); err != nil {
		return err
	}

	rec, err := encodeRecord(key, value, false)
	if err != nil {
		return err
	}

	fileID, offset, err := e.appendToActive(rec)
	if err != nil {
		return err
	}

	loc := Locator{FileID: fileID, Offset: uint64(offset), RecordSize: uint32(len(rec))}
	prior, had := e.index.Put(key, loc)
	if had {
		e.stale.ChargeOverwrite(prior)
	}
	return nil
}

// Get resolves key's locator, reads the record from its owning file,
// and verifies the CRC (spec.md §4.6 "get").
func (e *Engine) Get(key []byte) ([]byte, error) {
	if e.closed.Load() {
		return nil, errors.New("bitlog: engine closed")
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	loc, ok := e.index.Get(key)
	if !ok {
		return nil, ErrNotFound
	}

	df, release, err := e.resolveFile(loc.FileID)
	if err != nil {
		return nil, err
	}
	defer release()

	raw, err := df.Read(int64(loc.Offset), loc.RecordSize)
	if err != nil {
		return nil, err
	}
	_, rec, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	if rec.Tombstone {
		// Should never be the current locator; defensive per spec.md §4.6.
		return nil, ErrNotFound
	}
	return rec.Value, nil
}

// Delete appends a tombstone and removes key from the index (spec.md
// §4.6 "delete"). Tombstones are logged, not silent.
func (e *Engine) Delete(key []byte) error {
	if e.closed.Load() {
		return errors.New("bitlog: engine closed")
	}
	if err := validateKey(key); err != nil {
		return err
	}

	rec, err := encodeRecord(key, nil, true)
	if err != nil {
		return err
	}

	fileID, _, err := e.appendToActive(rec)
	if err != nil {
		return err
	}

	prior, had := e.index.Remove(key)
	if had {
		e.stale.ChargeOverwrite(prior)
	}
	e.stale.ChargeBytes(fileID, int64(len(rec)))
	return nil
}

// appendToActive seals and rotates the active file first if the
// incoming record would overflow it (spec.md §4.2's rollover policy:
// a record is never split across files).
func (e *Engine) appendToActive(rec []byte) (uint32, int64, error) {
	e.rotMu.Lock()
	defer e.rotMu.Unlock()

	if e.active.WouldOverflow(int64(len(rec)), e.opts.MaxFileSize) {
		if err := e.rotate(); err != nil {
			return 0, 0, err
		}
	}

	offset, err := e.active.Append(rec)
	if err != nil {
		return 0, 0, err
	}
	return e.active.ID(), offset, nil
}

// rotate seals the current active file, publishes it into the sealed
// view, and starts a new active file. Caller must hold rotMu.
func (e *Engine) rotate() error {
	sealed := e.active
	if err := sealed.Seal(); err != nil {
		return err
	}
	e.files.Add(sealed.ID(), sealed)

	id := e.nextID
	e.nextID++
	next, err := createActiveDataFile(e.dir, id, e.opts.UseMmap)
	if err != nil {
		return err
	}
	e.active = next
	e.logger.Debug("bitlog: rotated active file", fieldFileID(id))
	return nil
}

// engineFileSizer resolves a fileId's current size whether it belongs
// to the still-growing active file or an already-sealed one. spec.md
// §4.5's chargeOverwrite contract doesn't distinguish the two when
// resolving fileSize(prior.fileId), so the accountant must not either —
// otherwise a file that racks up most of its staleness while still
// active, then seals without further writes, never crosses the
// threshold check and escapes the victim set permanently.
type engineFileSizer struct {
	e *Engine
}

func (s engineFileSizer) fileSize(id uint32) (int64, bool) {
	s.e.rotMu.Lock()
	if s.e.active != nil && s.e.active.ID() == id {
		size := s.e.active.Size()
		s.e.rotMu.Unlock()
		return size, true
	}
	s.e.rotMu.Unlock()
	return s.e.files.fileSize(id)
}

// resolveFile returns the DataFile owning fileID, pinned against
// concurrent merge retirement, and a release func the caller must call
// when done reading.
func (e *Engine) resolveFile(fileID uint32) (*DataFile, func(), error) {
	e.rotMu.Lock()
	if e.active != nil && e.active.ID() == fileID {
		df := e.active
		e.rotMu.Unlock()
		return df, func() {}, nil
	}
	e.rotMu.Unlock()

	df, ok := e.files.Load()[fileID]
	if !ok {
		return nil, nil, errors.WithStack(&InconsistentError{FileID: fileID})
	}
	df.Pin()
	return df, df.Unpin, nil
}

// ListDataFileIds returns every fileId currently on disk, active or
// sealed. Test-only introspection per spec.md §6.
func (e *Engine) ListDataFileIds() map[uint32]struct{} {
	ids := make(map[uint32]struct{})
	e.rotMu.Lock()
	if e.active != nil {
		ids[e.active.ID()] = struct{}{}
	}
	e.rotMu.Unlock()
	for id := range e.files.Load() {
		ids[id] = struct{}{}
	}
	return ids
}

// Close stops the merge scheduler, drains any in-flight round, seals
// the active file, closes every sealed file and the index, and
// releases the directory lock (spec.md §4.6 "close").
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	if e.merge != nil && !e.opts.IsMergeDisabled {
		err = multierr.Append(err, e.merge.stop())
	}

	e.rotMu.Lock()
	if e.active != nil {
		err = multierr.Append(err, e.active.Seal())
	}
	e.rotMu.Unlock()

	for _, df := range e.files.Load() {
		err = multierr.Append(err, df.Close())
	}

	err = multierr.Append(err, e.index.Close())
	err = multierr.Append(err, e.lock.Unlock())

	e.logger.Info("bitlog: closed", fieldDir(e.dir))
	return err
}
