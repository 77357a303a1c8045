package bitlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

func dataFileName(id uint32) string { return fmt.Sprintf("%d.data", id) }
func hintFileName(id uint32) string { return fmt.Sprintf("%d.hint", id) }

func dataFilePath(dir string, id uint32) string { return filepath.Join(dir, dataFileName(id)) }
func hintFilePath(dir string, id uint32) string { return filepath.Join(dir, hintFileName(id)) }

// DataFile is a single append-only log segment (spec.md §4.2). While
// active it holds an *os.File opened for append and supports positional
// reads through the same handle; sealing closes that handle, streams
// the file once to build its paired hint file, and switches reads over
// to a Reader (memory-mapped by default).
type DataFile struct {
	id  uint32
	dir string

	// useMmap governs which Reader Seal builds once this segment is
	// sealed (Options.UseMmap): memory-mapped by default, or a plain
	// *os.File-backed Reader when mapping every sealed segment isn't
	// wanted.
	useMmap bool

	mu          sync.RWMutex
	f           *os.File
	writeOffset int64
	poisoned    bool
	sealed      bool
	reader      Reader

	// pinCount/unlinkPending implement the §9 file-handle-lifetime
	// note: a merge round that retires this file must not unlink it
	// out from under an in-flight reader.
	pinCount      int
	unlinkPending bool
}

// createActiveDataFile creates a brand-new, empty active segment.
func createActiveDataFile(dir string, id uint32, useMmap bool) (*DataFile, error) {
	path := dataFilePath(dir, id)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, wrapIO("create", path, err)
	}
	return &DataFile{id: id, dir: dir, f: f, useMmap: useMmap}, nil
}

// openSealedDataFile opens an already-sealed file for read-only access.
// It is also used for the file that was active when the process last
// exited: the engine always starts a fresh active file on recovery
// (spec.md §4.6 step 5), so any pre-existing file is read-only from
// here on regardless of whether it was ever formally sealed.
func openSealedDataFile(dir string, id uint32, useMmap bool) (*DataFile, error) {
	path := dataFilePath(dir, id)
	r, err := openReader(path, useMmap)
	if err != nil {
		return nil, wrapIO("open", path, err)
	}
	return &DataFile{id: id, dir: dir, sealed: true, reader: r, useMmap: useMmap}, nil
}

func (d *DataFile) path() string { return dataFilePath(d.dir, d.id) }

// ID returns the file's monotonic identifier.
func (d *DataFile) ID() uint32 { return d.id }

// Size returns the file's current size: the write offset while active,
// or the sealed reader's size once sealed.
func (d *DataFile) Size() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.sealed {
		return d.reader.Size()
	}
	return d.writeOffset
}

// ScanAll decodes every whole, CRC-valid record in the file in append
// order. Used during recovery for a data file with no paired hint file
// (spec.md §4.6, §9): the previously-active file at crash time.
func (d *DataFile) ScanAll() []HintEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var ra io.ReaderAt = d.f
	size := d.writeOffset
	if d.sealed {
		ra = d.reader
		size = d.reader.Size()
	}
	return scanRecords(ra, size)
}

// IsSealed reports whether the file accepts no further appends.
func (d *DataFile) IsSealed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sealed
}

// IsPoisoned reports whether a prior short/failed write left this file
// unsafe to append to further (it may still be sealed and read).
func (d *DataFile) IsPoisoned() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.poisoned
}

// WouldOverflow reports whether appending incomingSize more bytes would
// cross maxFileSize, per the rollover policy in spec.md §4.2.
func (d *DataFile) WouldOverflow(incomingSize, maxFileSize int64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.writeOffset+incomingSize > maxFileSize
}

// Append writes recordBytes at the current write offset and returns the
// offset it was written at (the pre-append offset), per spec.md §4.2.
// A short or failed write truncates the file back to the last known
// good offset; if even that truncation fails the file is poisoned and
// must not be appended to again.
func (d *DataFile) Append(recordBytes []byte) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sealed {
		return 0, errors.New("bitlog: append to sealed file")
	}
	if d.poisoned {
		return 0, errors.New("bitlog: append to poisoned file")
	}

	before := d.writeOffset
	n, err := d.f.Write(recordBytes)
	if err != nil || n != len(recordBytes) {
		if truncErr := d.f.Truncate(before); truncErr != nil {
			d.poisoned = true
		}
		if err == nil {
			err = io.ErrShortWrite
		}
		return 0, wrapIO("append", d.path(), err)
	}

	d.writeOffset = before + int64(n)
	return before, nil
}

// Read performs a positional read of exactly size bytes starting at
// offset.
func (d *DataFile) Read(offset int64, size uint32) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	buf := make([]byte, size)
	var n int
	var err error
	if d.sealed {
		n, err = d.reader.ReadAt(buf, offset)
	} else {
		n, err = d.f.ReadAt(buf, offset)
	}
	if err != nil && err != io.EOF {
		return nil, wrapIO("read", d.path(), err)
	}
	if n < len(buf) {
		return nil, errors.WithStack(&CorruptError{FileID: d.id, Offset: offset, Reason: "short read (eof)"})
	}
	return buf, nil
}

// Seal flushes and fsyncs the active file, streams it through the
// codec to build its paired hint file (discarding any trailing garbage
// from a torn write, per spec.md §7), truncates the data file forward
// of the last whole record, and switches it over to read-only. It is a
// no-op if already sealed.
func (d *DataFile) Seal() error {
	d.mu.Lock()
	if d.sealed {
		d.mu.Unlock()
		return nil
	}
	if err := d.f.Sync(); err != nil {
		d.mu.Unlock()
		return wrapIO("fsync", d.path(), err)
	}
	f := d.f
	size := d.writeOffset
	d.mu.Unlock()

	entries := scanRecords(f, size)
	offset := scannedSize(entries)

	hw := newHintWriter()
	for _, e := range entries {
		hw.append(e)
	}

	if offset < size {
		if err := f.Truncate(offset); err != nil {
			return wrapIO("truncate", d.path(), err)
		}
	}

	if err := hw.publish(hintFilePath(d.dir, d.id)); err != nil {
		return err
	}

	if err := f.Close(); err != nil {
		return wrapIO("close", d.path(), err)
	}

	r, err := openReader(d.path(), d.useMmap)
	if err != nil {
		return wrapIO("open", d.path(), err)
	}

	d.mu.Lock()
	d.f = nil
	d.reader = r
	d.writeOffset = offset
	d.sealed = true
	d.mu.Unlock()
	return nil
}

// Pin must be held by any reader dispatching a positional read so a
// concurrent merge round cannot unlink the file mid-read.
func (d *DataFile) Pin() {
	d.mu.Lock()
	d.pinCount++
	d.mu.Unlock()
}

// Unpin releases a Pin. If the file was marked for unlink while pinned
// and this was the last pin, it is deleted now.
func (d *DataFile) Unpin() {
	d.mu.Lock()
	d.pinCount--
	shouldDelete := d.pinCount == 0 && d.unlinkPending
	d.mu.Unlock()
	if shouldDelete {
		_ = d.delete()
	}
}

// MarkForUnlink retires the file: it is deleted immediately if
// unpinned, or as soon as its last pinned reader releases it.
func (d *DataFile) MarkForUnlink() error {
	d.mu.Lock()
	d.unlinkPending = true
	shouldDelete := d.pinCount == 0
	d.mu.Unlock()
	if shouldDelete {
		return d.delete()
	}
	return nil
}

// delete unlinks both the data file and its hint sibling, if present.
func (d *DataFile) delete() error {
	d.mu.Lock()
	if d.reader != nil {
		_ = d.reader.Close()
	}
	if d.f != nil {
		_ = d.f.Close()
	}
	d.mu.Unlock()

	if err := os.Remove(d.path()); err != nil && !os.IsNotExist(err) {
		return wrapIO("delete", d.path(), err)
	}
	hintPath := hintFilePath(d.dir, d.id)
	if err := os.Remove(hintPath); err != nil && !os.IsNotExist(err) {
		return wrapIO("delete", hintPath, err)
	}
	return nil
}

// Close releases the file handle without deleting anything, used on a
// clean engine shutdown.
func (d *DataFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reader != nil {
		return wrapIO("close", d.path(), d.reader.Close())
	}
	if d.f != nil {
		return wrapIO("close", d.path(), d.f.Close())
	}
	return nil
}
