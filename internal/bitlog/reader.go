package bitlog

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Reader is an abstraction over positional file access, so a sealed
// DataFile can be backed by either plain I/O or a memory-mapped view
// without the rest of the engine caring which.
type Reader interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

// DiskReader wraps a standard *os.File opened read-only.
type DiskReader struct {
	f *os.File
}

// NewDiskReader wraps an already-open read-only file.
func NewDiskReader(f *os.File) *DiskReader {
	return &DiskReader{f: f}
}

func (d *DiskReader) ReadAt(b []byte, off int64) (int, error) {
	return d.f.ReadAt(b, off)
}

func (d *DiskReader) Close() error {
	return d.f.Close()
}

func (d *DiskReader) Size() int64 {
	info, err := d.f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// openReader opens a sealed file's Reader: memory-mapped by default, or
// a plain positional *os.File reader when useMmap is false. Options.UseMmap
// exposes this so a deployment that would rather not map every sealed
// segment into its address space (many small segments, or a platform
// where mmap is undesirable) can opt out without losing fast positional
// reads entirely.
func openReader(path string, useMmap bool) (Reader, error) {
	if useMmap {
		return NewMmapReader(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return NewDiskReader(f), nil
}

// MmapReader memory-maps a sealed data file for zero-copy positional
// reads. Sealed files never change, so the mapping never needs to be
// kept in sync with concurrent writers.
type MmapReader struct {
	f    *os.File
	data []byte
	size int64
}

// NewMmapReader opens path read-only and maps its full contents.
func NewMmapReader(path string) (*MmapReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	size := info.Size()

	if size == 0 {
		// unix.Mmap rejects a zero-length mapping.
		return &MmapReader{f: f, data: nil, size: 0}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return &MmapReader{f: f, data: data, size: size}, nil
}

func (m *MmapReader) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 || off >= m.size {
		return 0, io.EOF
	}
	if off+int64(len(b)) > m.size {
		n := copy(b, m.data[off:])
		return n, io.EOF
	}
	copy(b, m.data[off:off+int64(len(b))])
	return len(b), nil
}

func (m *MmapReader) Close() error {
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			return err
		}
		m.data = nil
	}
	return m.f.Close()
}

func (m *MmapReader) Size() int64 {
	return m.size
}
