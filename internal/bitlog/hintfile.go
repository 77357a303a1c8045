package bitlog

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"

	atomicfile "github.com/natefinch/atomic"
)

// Hint entry layout (spec.md §4.4):
//
//	keySize(1) | recordSize(4, BE) | recordOffset(8, BE) | tombstone(1) | key
const hintEntryHeaderSize = 1 + 4 + 8 + 1

// HintEntry is one fast-recovery tuple, in the same append order as the
// records in its paired data file.
type HintEntry struct {
	Key          []byte
	RecordOffset uint64
	RecordSize   uint32
	Tombstone    bool
}

// hintWriter accumulates entries in memory and publishes them in a
// single atomic write. Hint files are small relative to their data
// file (index-only), so buffering the whole thing is cheap and lets
// the publish be a single natefinch/atomic.WriteFile call instead of a
// partial-write-prone streaming append.
type hintWriter struct {
	buf bytes.Buffer
}

func newHintWriter() *hintWriter {
	return &hintWriter{}
}

func (w *hintWriter) append(e HintEntry) {
	var hdr [hintEntryHeaderSize]byte
	hdr[0] = byte(len(e.Key))
	binary.BigEndian.PutUint32(hdr[1:5], e.RecordSize)
	binary.BigEndian.PutUint64(hdr[5:13], e.RecordOffset)
	if e.Tombstone {
		hdr[13] = 1
	}
	w.buf.Write(hdr[:])
	w.buf.Write(e.Key)
}

// publish atomically writes the accumulated entries to path.
func (w *hintWriter) publish(path string) error {
	return wrapIO("write hint", path, atomicfile.WriteFile(path, bytes.NewReader(w.buf.Bytes())))
}

// readHintFile reads every well-formed entry from path in file order.
// A truncated trailing entry (a torn write from a crash mid-seal) is
// discarded silently rather than treated as corruption, per spec.md §7.
func readHintFile(path string) ([]HintEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, wrapIO("open hint", path, err)
	}
	defer f.Close()

	var entries []HintEntry
	r := bufio.NewReader(f)
	for {
		hdr := make([]byte, hintEntryHeaderSize)
		if _, err := io.ReadFull(r, hdr); err != nil {
			break // EOF or short read: stop, discard the torn tail
		}
		keySize := hdr[0]
		recordSize := binary.BigEndian.Uint32(hdr[1:5])
		recordOffset := binary.BigEndian.Uint64(hdr[5:13])
		tombstone := hdr[13] != 0

		key := make([]byte, keySize)
		if _, err := io.ReadFull(r, key); err != nil {
			break
		}

		entries = append(entries, HintEntry{
			Key:          key,
			RecordOffset: recordOffset,
			RecordSize:   recordSize,
			Tombstone:    tombstone,
		})
	}
	return entries, nil
}
