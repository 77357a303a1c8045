package bitlog

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

// Record on-disk layout:
//
//	crc32(4) | keySize(1) | valueSize(4, BE) | tombstone(1) | reserved(7) | key | value
//
// The CRC covers every byte after the CRC field through the end of the
// body (header[4:] || key || value). A tombstone carries a zero-length
// value; its key bytes are still present so recovery can identify what
// was deleted.
const (
	headerSize  = 17
	crcOffset   = 0
	keySzOffset = 4
	valSzOffset = 5
	tombOffset  = 9
	reservedLen = 7

	// MaxKeySize is the largest key the on-disk header can address: the
	// key-length field is a single byte.
	MaxKeySize = 255
)

// Header is the decoded fixed-size prefix of a record, enough to know how
// many more bytes the body occupies without having read it yet.
type Header struct {
	CRC       uint32
	KeySize   uint8
	ValueSize uint32
	Tombstone bool
}

// BodySize returns the number of key+value bytes following the header.
func (h Header) BodySize() int64 {
	return int64(h.KeySize) + int64(h.ValueSize)
}

// RecordSize returns the total on-disk size of the record this header
// belongs to.
func (h Header) RecordSize() int64 {
	return headerSize + h.BodySize()
}

// Record is a fully decoded record.
type Record struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

// sizeOf returns the on-disk size of a record with the given key and
// value lengths, without needing to encode it.
func sizeOf(keyLen, valLen int) int64 {
	return headerSize + int64(keyLen) + int64(valLen)
}

// encodeRecord packs a key/value/tombstone triple into its on-disk byte
// representation. The codec is pure: it never touches a file.
func encodeRecord(key, value []byte, tombstone bool) ([]byte, error) {
	if len(key) > MaxKeySize {
		return nil, errors.WithStack(&InvalidKeyError{KeyLen: len(key)})
	}

	valLen := len(value)
	if tombstone {
		valLen = 0
	}

	buf := make([]byte, headerSize+len(key)+valLen)
	buf[keySzOffset] = byte(len(key))
	binary.BigEndian.PutUint32(buf[valSzOffset:valSzOffset+4], uint32(valLen))
	if tombstone {
		buf[tombOffset] = 1
	}
	// reserved bytes are left zero

	copy(buf[headerSize:headerSize+len(key)], key)
	if !tombstone {
		copy(buf[headerSize+len(key):], value)
	}

	crc := crc32.ChecksumIEEE(buf[crcOffset+4:])
	binary.BigEndian.PutUint32(buf[crcOffset:crcOffset+4], crc)
	return buf, nil
}

// decodeHeader parses the fixed-size header from exactly headerSize bytes.
func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, errors.WithStack(&CorruptError{Reason: "short header"})
	}
	return Header{
		CRC:       binary.BigEndian.Uint32(buf[crcOffset : crcOffset+4]),
		KeySize:   buf[keySzOffset],
		ValueSize: binary.BigEndian.Uint32(buf[valSzOffset : valSzOffset+4]),
		Tombstone: buf[tombOffset] != 0,
	}, nil
}

// decodeRecord decodes a full record from exactly headerSize+h.BodySize()
// bytes (header followed by key and value). It verifies the CRC and
// returns Corrupt if it mismatches or the buffer is short.
func decodeRecord(buf []byte) (Header, Record, error) {
	h, err := decodeHeader(buf)
	if err != nil {
		return Header{}, Record{}, err
	}
	want := headerSize + h.BodySize()
	if int64(len(buf)) < want {
		return Header{}, Record{}, errors.WithStack(&CorruptError{Reason: "truncated body"})
	}

	if crc32.ChecksumIEEE(buf[4:want]) != h.CRC {
		return Header{}, Record{}, errors.WithStack(&CorruptError{Reason: "crc mismatch"})
	}

	key := make([]byte, h.KeySize)
	copy(key, buf[headerSize:headerSize+int64(h.KeySize)])

	var value []byte
	if !h.Tombstone {
		value = make([]byte, h.ValueSize)
		copy(value, buf[headerSize+int64(h.KeySize):want])
	}

	return h, Record{Key: key, Value: value, Tombstone: h.Tombstone}, nil
}
