// =============================================================================
// MESSAGE - Binary record format for the log
// =============================================================================
//
// WHAT IS A MESSAGE?
// The unit of storage. Every produce becomes exactly one message, laid out on
// disk with a fixed header followed by variable-length key and value:
//
//   +--------+---------+-------+-----+--------+-----------+-----------+
//   | Magic  | Version | Flags | CRC | Offset | Timestamp | Producer  |
//   | 2 B    | 1 B     | 1 B   | 4 B | 8 B    | 8 B       | ID 8 B    |
//   +--------+---------+-------+-----+--------+-----------+-----------+
//   | Epoch  | Sequence | KeyLen | ValueLen | Key ...  | Value ...    |
//   | 2 B    | 4 B      | 2 B    | 4 B      | variable | variable     |
//   +--------+----------+--------+----------+----------+--------------+
//
// WHY A FIXED HEADER?
// Recovery and sequential scans must be able to reslice the log without any
// external index: read 44 bytes, learn the payload length, skip forward.
// A torn tail (crash mid-write) is detected by the CRC and truncated away.
//
// Producer ID / Epoch / Sequence:
//   - ProducerID < 0 means the record was produced without idempotence.
//   - Epoch fences zombie producers after a restart: a record stamped with a
//     stale epoch is rejected before it reaches the log.
//   - Sequence is the per-(producer, partition) counter used for server-side
//     deduplication of retried sends.
//
// Flags byte layout:
//   bits 0-1  compression codec (none/gzip/snappy/lz4)
//   bit  2    control record (transaction commit/abort marker)
//   bit  3    tombstone
//   bit  4    transactional (part of an open transaction when appended)
//
// =============================================================================

package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"
)

const (
	// MagicByte1 and MagicByte2 identify a Takhin record ("TK").
	MagicByte1 = 0x54
	MagicByte2 = 0x4B

	// FormatVersion is bumped on any incompatible header change.
	FormatVersion = 1

	// HeaderSize is the fixed header length:
	// Magic(2) + Version(1) + Flags(1) + CRC(4) + Offset(8) + Timestamp(8) +
	// ProducerID(8) + Epoch(2) + Sequence(4) + KeyLen(2) + ValueLen(4) = 44
	HeaderSize = 44

	// MaxKeySize bounds the routing key. Keys are identifiers, not payloads.
	MaxKeySize = 65535

	// MaxValueSize bounds a single record payload.
	MaxValueSize = 16 * 1024 * 1024
)

// Flag bits. The two low bits hold the compression codec.
const (
	flagCodecMask     = 0x03
	FlagControl       = 1 << 2
	FlagTombstone     = 1 << 3
	FlagTransactional = 1 << 4
)

// NoProducerID marks a record produced without an idempotent session.
const NoProducerID int64 = -1

var (
	// ErrInvalidMagic means the bytes at this position are not a record
	// header. Seen when a scan runs into a torn tail.
	ErrInvalidMagic = errors.New("invalid magic bytes")

	// ErrUnsupportedVersion means the record was written by a newer format.
	ErrUnsupportedVersion = errors.New("unsupported format version")

	// ErrCorruptMessage means the payload does not match its CRC.
	ErrCorruptMessage = errors.New("message corrupt: CRC mismatch")

	// ErrMessageTooShort means the buffer ends before the declared lengths.
	ErrMessageTooShort = errors.New("message truncated")

	// ErrKeyTooLarge and ErrValueTooLarge reject oversized records before
	// they reach the log.
	ErrKeyTooLarge   = errors.New("key exceeds maximum size")
	ErrValueTooLarge = errors.New("value exceeds maximum size")
)

// Message is one record. Offset is assigned by the log at append time;
// everything else is fixed by the producer.
type Message struct {
	Offset    int64
	Timestamp int64 // unix milliseconds
	Key       []byte
	Value     []byte

	// Idempotent/transactional producer identity. ProducerID is
	// NoProducerID for plain produces.
	ProducerID    int64
	ProducerEpoch int16
	Sequence      int32

	Flags uint8
}

// Castagnoli: hardware-accelerated on amd64/arm64, same polynomial Kafka uses.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// NewMessage builds an uncompressed, non-transactional record with the
// current time.
func NewMessage(key, value []byte) *Message {
	return &Message{
		Timestamp:  time.Now().UnixMilli(),
		Key:        key,
		Value:      value,
		ProducerID: NoProducerID,
	}
}

// Codec returns the compression codec recorded in the flags byte.
func (m *Message) Codec() CompressionType {
	return CompressionType(m.Flags & flagCodecMask)
}

// SetCodec records the compression codec in the flags byte.
func (m *Message) SetCodec(c CompressionType) {
	m.Flags = (m.Flags &^ flagCodecMask) | (uint8(c) & flagCodecMask)
}

// IsControl reports whether this is a transaction marker rather than data.
func (m *Message) IsControl() bool { return m.Flags&FlagControl != 0 }

// IsTransactional reports whether the record was appended inside an open
// transaction.
func (m *Message) IsTransactional() bool { return m.Flags&FlagTransactional != 0 }

// IsTombstone reports whether the record marks a deletion.
func (m *Message) IsTombstone() bool { return m.Flags&FlagTombstone != 0 }

// Size returns the encoded length in bytes.
func (m *Message) Size() int {
	return HeaderSize + len(m.Key) + len(m.Value)
}

// Encode serializes the message. The CRC covers the whole record with the
// CRC field itself zeroed, so a flipped magic, version, or flags bit fails
// verification the same way payload corruption does.
func (m *Message) Encode() ([]byte, error) {
	if len(m.Key) > MaxKeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrKeyTooLarge, len(m.Key))
	}
	if len(m.Value) > MaxValueSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(m.Value))
	}

	buf := make([]byte, m.Size())
	buf[0] = MagicByte1
	buf[1] = MagicByte2
	buf[2] = FormatVersion
	buf[3] = m.Flags
	// buf[4:8] is the CRC, filled last.
	binary.BigEndian.PutUint64(buf[8:16], uint64(m.Offset))
	binary.BigEndian.PutUint64(buf[16:24], uint64(m.Timestamp))
	binary.BigEndian.PutUint64(buf[24:32], uint64(m.ProducerID))
	binary.BigEndian.PutUint16(buf[32:34], uint16(m.ProducerEpoch))
	binary.BigEndian.PutUint32(buf[34:38], uint32(m.Sequence))
	binary.BigEndian.PutUint16(buf[38:40], uint16(len(m.Key)))
	binary.BigEndian.PutUint32(buf[40:44], uint32(len(m.Value)))
	copy(buf[HeaderSize:], m.Key)
	copy(buf[HeaderSize+len(m.Key):], m.Value)

	// buf[4:8] is still zero here, so this checksums the record with the
	// CRC field zeroed.
	crc := crc32.Checksum(buf, crcTable)
	binary.BigEndian.PutUint32(buf[4:8], crc)
	return buf, nil
}

// Decode parses one message from the start of data. Extra trailing bytes
// are ignored, so callers can decode straight out of a segment read buffer.
func Decode(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, ErrMessageTooShort
	}
	if data[0] != MagicByte1 || data[1] != MagicByte2 {
		return nil, ErrInvalidMagic
	}
	if data[2] != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, data[2])
	}

	keyLen := int(binary.BigEndian.Uint16(data[38:40]))
	valueLen := int(binary.BigEndian.Uint32(data[40:44]))
	total := HeaderSize + keyLen + valueLen
	if len(data) < total {
		return nil, ErrMessageTooShort
	}

	// Verify against the record with a zeroed CRC field, without mutating
	// the caller's buffer.
	stored := binary.BigEndian.Uint32(data[4:8])
	var zero [4]byte
	crc := crc32.Checksum(data[:4], crcTable)
	crc = crc32.Update(crc, crcTable, zero[:])
	crc = crc32.Update(crc, crcTable, data[8:total])
	if crc != stored {
		return nil, ErrCorruptMessage
	}

	m := &Message{
		Flags:         data[3],
		Offset:        int64(binary.BigEndian.Uint64(data[8:16])),
		Timestamp:     int64(binary.BigEndian.Uint64(data[16:24])),
		ProducerID:    int64(binary.BigEndian.Uint64(data[24:32])),
		ProducerEpoch: int16(binary.BigEndian.Uint16(data[32:34])),
		Sequence:      int32(binary.BigEndian.Uint32(data[34:38])),
	}
	if keyLen > 0 {
		m.Key = make([]byte, keyLen)
		copy(m.Key, data[HeaderSize:HeaderSize+keyLen])
	}
	if valueLen > 0 {
		m.Value = make([]byte, valueLen)
		copy(m.Value, data[HeaderSize+keyLen:total])
	}
	return m, nil
}
