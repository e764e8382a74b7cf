package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"
)

// Op identifies the kind of mutation a Record represents.
type Op byte

const (
	OpPut    Op = 1
	OpDelete Op = 2
)

// recordHeaderLen is len(4) + op(1) + key_len(1) + value_len(4), the fixed
// part of the §3 frame preceding the key and value bytes.
const recordHeaderLen = 4 + 1 + 1 + 4

// RecordOverhead is the fixed on-disk framing cost of one PUT record,
// used by Page's logical byte accounting (§3 "Byte accounting").
const RecordOverhead = recordHeaderLen

// Record is one log entry: a PUT carries a value, a DELETE carries none.
type Record struct {
	Op    Op
	Key   string
	Value []byte
}

// encodeRecord serializes r into the on-disk frame, compressing the value with
// Snappy (§4.2 "Disk footprint"). DELETE records and empty values are
// stored uncompressed since there is nothing to gain.
func encodeRecord(r Record) ([]byte, error) {
	if len(r.Key) == 0 || len(r.Key) > MaxKeyBytes {
		return nil, fmt.Errorf("storage: record key length %d out of range", len(r.Key))
	}

	var payload []byte
	if r.Op == OpPut && len(r.Value) > 0 {
		payload = snappy.Encode(nil, r.Value)
	}

	body := recordHeaderLen - 4 + len(r.Key) + len(payload)
	buf := make([]byte, 4+body)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(body))
	buf[4] = byte(r.Op)
	buf[5] = byte(len(r.Key))
	copy(buf[6:6+len(r.Key)], r.Key)
	binary.LittleEndian.PutUint32(buf[6+len(r.Key):10+len(r.Key)], uint32(len(payload)))
	copy(buf[10+len(r.Key):], payload)

	return buf, nil
}

// decodeRecord parses one frame's body (everything after the 4-byte length
// prefix, exactly `length` bytes) back into a Record, decompressing the
// value if present.
func decodeRecord(body []byte) (Record, error) {
	if len(body) < 2 {
		return Record{}, fmt.Errorf("storage: record body too short (%d bytes)", len(body))
	}

	op := Op(body[0])
	keyLen := int(body[1])
	if 2+keyLen+4 > len(body) {
		return Record{}, fmt.Errorf("storage: record body truncated before value_len")
	}
	key := string(body[2 : 2+keyLen])
	valueLen := int(binary.LittleEndian.Uint32(body[2+keyLen : 6+keyLen]))
	if 6+keyLen+valueLen != len(body) {
		return Record{}, fmt.Errorf("storage: record body length mismatch")
	}

	if op == OpDelete || valueLen == 0 {
		return Record{Op: op, Key: key}, nil
	}

	compressed := body[6+keyLen : 6+keyLen+valueLen]
	value, err := snappy.Decode(nil, compressed)
	if err != nil {
		return Record{}, fmt.Errorf("storage: snappy decode: %w", err)
	}

	return Record{Op: op, Key: key, Value: value}, nil
}
