package bitlog

import "io"

// scanRecords sequentially decodes whole, CRC-valid records from ra up
// to size, stopping at the first short read, bad header, or CRC
// mismatch. It is the "treat the file as an implicit hint stream"
// logic spec.md §4.6/§9 requires for the data file that was active at
// crash time, and is reused by DataFile.Seal to build a real hint file
// for a cleanly-sealed one. Trailing garbage past the last whole
// record is discarded, never treated as corruption (spec.md §7).
func scanRecords(ra io.ReaderAt, size int64) []HintEntry {
	var entries []HintEntry
	header := make([]byte, headerSize)
	var offset int64
	for offset < size {
		if _, err := ra.ReadAt(header, offset); err != nil {
			break
		}
		h, err := decodeHeader(header)
		if err != nil {
			break
		}
		recSize := h.RecordSize()
		if offset+recSize > size {
			break
		}
		full := make([]byte, recSize)
		if _, err := ra.ReadAt(full, offset); err != nil {
			break
		}
		if _, _, err := decodeRecord(full); err != nil {
			break
		}

		key := make([]byte, h.KeySize)
		copy(key, full[headerSize:headerSize+int64(h.KeySize)])
		entries = append(entries, HintEntry{
			Key:          key,
			RecordOffset: uint64(offset),
			RecordSize:   uint32(recSize),
			Tombstone:    h.Tombstone,
		})
		offset += recSize
	}
	return entries
}

// scannedSize returns how many leading bytes of the scanned region were
// covered by whole records, i.e. where a torn trailing write begins.
func scannedSize(entries []HintEntry) int64 {
	if len(entries) == 0 {
		return 0
	}
	last := entries[len(entries)-1]
	return int64(last.RecordOffset) + int64(last.RecordSize)
}
