package bitlog

import (
	"os"
	"testing"
)

func TestDataFileAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	df, err := createActiveDataFile(dir, 0, true)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer df.Close()

	rec, err := encodeRecord([]byte("k"), []byte("v"), false)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	offset, err := df.Append(rec)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if offset != 0 {
		t.Fatalf("expected first append at offset 0, got %d", offset)
	}

	got, err := df.Read(offset, uint32(len(rec)))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	_, parsed, err := decodeRecord(got)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if string(parsed.Value) != "v" {
		t.Fatalf("got value %q", parsed.Value)
	}
}

func TestDataFileSealBuildsHintAndSwitchesReader(t *testing.T) {
	dir := t.TempDir()
	df, err := createActiveDataFile(dir, 0, true)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	rec, _ := encodeRecord([]byte("k"), []byte("v"), false)
	if _, err := df.Append(rec); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	if err := df.Seal(); err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if !df.IsSealed() {
		t.Fatal("expected sealed")
	}
	if _, ok := df.reader.(*MmapReader); !ok {
		t.Fatalf("expected *MmapReader after seal, got %T", df.reader)
	}

	if _, err := os.Stat(hintFilePath(dir, 0)); err != nil {
		t.Fatalf("expected hint file to exist: %v", err)
	}

	entries, err := readHintFile(hintFilePath(dir, 0))
	if err != nil {
		t.Fatalf("read hint failed: %v", err)
	}
	if len(entries) != 1 || string(entries[0].Key) != "k" {
		t.Fatalf("unexpected hint entries: %+v", entries)
	}

	if _, err := df.Append(rec); err == nil {
		t.Fatal("expected append to sealed file to fail")
	}
}

func TestDataFileSealDiscardsTornTail(t *testing.T) {
	dir := t.TempDir()
	df, err := createActiveDataFile(dir, 0, true)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	rec, _ := encodeRecord([]byte("whole"), []byte("record"), false)
	if _, err := df.Append(rec); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	// Simulate a crash mid-write: append a truncated second record
	// directly to the file below the DataFile's own bookkeeping.
	torn, _ := encodeRecord([]byte("torn"), []byte("record"), false)
	if _, err := df.f.Write(torn[:len(torn)-3]); err != nil {
		t.Fatalf("torn write failed: %v", err)
	}
	df.writeOffset += int64(len(torn) - 3)

	if err := df.Seal(); err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	entries, err := readHintFile(hintFilePath(dir, 0))
	if err != nil {
		t.Fatalf("read hint failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the whole record to survive, got %d entries", len(entries))
	}

	info, err := os.Stat(dataFilePath(dir, 0))
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Size() != int64(len(rec)) {
		t.Fatalf("expected data file truncated to %d bytes, got %d", len(rec), info.Size())
	}
}

func TestDataFileSealWithoutMmapUsesDiskReader(t *testing.T) {
	dir := t.TempDir()
	df, err := createActiveDataFile(dir, 0, false)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	rec, _ := encodeRecord([]byte("k"), []byte("v"), false)
	if _, err := df.Append(rec); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := df.Seal(); err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	if _, ok := df.reader.(*DiskReader); !ok {
		t.Fatalf("expected *DiskReader, got %T", df.reader)
	}

	got, err := df.Read(0, uint32(len(rec)))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	_, parsed, err := decodeRecord(got)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if string(parsed.Value) != "v" {
		t.Fatalf("got value %q", parsed.Value)
	}
}

func TestDataFileWouldOverflow(t *testing.T) {
	dir := t.TempDir()
	df, err := createActiveDataFile(dir, 0, true)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer df.Close()

	if df.WouldOverflow(50, 100) {
		t.Fatal("50 bytes into an empty 100-byte budget should not overflow")
	}
	rec, _ := encodeRecord([]byte("k"), make([]byte, 90), false)
	if _, err := df.Append(rec); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if !df.WouldOverflow(50, 100) {
		t.Fatal("expected overflow once the file is already near the budget")
	}
}

func TestDataFilePinDefersUnlink(t *testing.T) {
	dir := t.TempDir()
	df, err := createActiveDataFile(dir, 0, true)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := df.Seal(); err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	df.Pin()
	if err := df.MarkForUnlink(); err != nil {
		t.Fatalf("mark for unlink failed: %v", err)
	}
	if _, err := os.Stat(dataFilePath(dir, 0)); err != nil {
		t.Fatalf("file should still exist while pinned: %v", err)
	}

	df.Unpin()
	if _, err := os.Stat(dataFilePath(dir, 0)); !os.IsNotExist(err) {
		t.Fatalf("expected file removed after last unpin, stat err = %v", err)
	}
}
