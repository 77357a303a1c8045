package bitlog

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotFound is the normal control-path return for a Get on an absent
// key. It is never wrapped with a stack trace; it is not a failure.
var ErrNotFound = errors.New("bitlog: key not found")

// IOError wraps a failed read, write, fsync, or unlink. The engine
// remains usable after one unless a failed append to the active file
// could not be truncated back, in which case that file is poisoned
// (see DataFile.poisoned).
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("bitlog: io error during %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func wrapIO(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(&IOError{Op: op, Path: path, Err: err})
}

// CorruptError signals a CRC mismatch or a structurally invalid header
// or length prefix. During a Get it propagates to the caller; during
// recovery it ends the scan of the file it occurred in.
type CorruptError struct {
	FileID uint32
	Offset int64
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("bitlog: corrupt record in file %d at offset %d: %s", e.FileID, e.Offset, e.Reason)
}

// InconsistentError means the index pointed at a file or offset that no
// longer exists. This should be impossible under the engine's
// invariants and indicates a bug or a torn merge.
type InconsistentError struct {
	Key    []byte
	FileID uint32
}

func (e *InconsistentError) Error() string {
	return fmt.Sprintf("bitlog: index entry for key %q references missing file %d", e.Key, e.FileID)
}

// InvalidKeyError means the key length is outside the bounds the header
// can represent (§4.1: keySize is a single byte). Rejected before any
// I/O is attempted.
type InvalidKeyError struct {
	KeyLen int
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("bitlog: key length %d outside permitted range 1..%d", e.KeyLen, MaxKeySize)
}
