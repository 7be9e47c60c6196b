package wral

import (
	"encoding/binary"

	"github.com/klauspost/crc32"
)

// encodeRecord produces the on-disk representation of one entry (spec.md
// §4.1): length:u32 crc32:u32 seqno:u64 payload_len:u32 payload. length
// covers everything after itself; crc32 covers (seqno, payload_len,
// payload).
func encodeRecord(seqno uint64, payload []byte) []byte {
	body := make([]byte, 8+4+len(payload))
	binary.LittleEndian.PutUint64(body[0:8], seqno)
	binary.LittleEndian.PutUint32(body[8:12], uint32(len(payload)))
	copy(body[12:], payload)

	sum := crc32.ChecksumIEEE(body)

	rec := make([]byte, 4+4+len(body))
	binary.LittleEndian.PutUint32(rec[4:8], sum)
	copy(rec[8:], body)
	length := uint32(len(rec) - 4)
	binary.LittleEndian.PutUint32(rec[0:4], length)
	return rec
}

// decodedRecord is what decodeRecord extracts from one framed record.
type decodedRecord struct {
	seqno    uint64
	payload  []byte
	consumed int // total bytes of buf this record occupied
}

// decodeRecord parses one record from the head of buf. It returns
// errTornTail when buf does not (yet) contain a complete, valid record —
// the caller decides whether that is a torn tail (current file, repairable)
// or fatal corruption (frozen file, per I4).
func decodeRecord(buf []byte) (decodedRecord, error) {
	if len(buf) < 4 {
		return decodedRecord{}, errTornTail
	}
	length := binary.LittleEndian.Uint32(buf[0:4])
	if length < recordHeaderSize-4 {
		return decodedRecord{}, errTornTail
	}
	total := 4 + int(length) // full on-disk size, length field included
	if total > len(buf) {
		return decodedRecord{}, errTornTail
	}

	payloadLen := length - (recordHeaderSize - 4)
	if binary.LittleEndian.Uint32(buf[16:20]) != payloadLen {
		// the declared payload_len doesn't agree with length; reject
		// before trusting the CRC.
		return decodedRecord{}, errTornTail
	}

	body := buf[8:total] // seqno || payload_len || payload, CRC-covered
	wantCRC := binary.LittleEndian.Uint32(buf[4:8])
	gotCRC := crc32.ChecksumIEEE(body)
	if wantCRC != gotCRC {
		return decodedRecord{}, errTornTail
	}

	seqno := binary.LittleEndian.Uint64(body[0:8])
	declaredPayloadLen := binary.LittleEndian.Uint32(body[8:12])
	if declaredPayloadLen != payloadLen {
		return decodedRecord{}, errTornTail
	}
	payload := body[12:]

	return decodedRecord{seqno: seqno, payload: payload, consumed: total}, nil
}
