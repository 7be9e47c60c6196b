package wral

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/crc32"
	"github.com/klauspost/compress/zstd"
)

// Wire format (spec.md §3, §6, bit-exact):
//
//	HEADER  = { magic: 8 bytes, version: u16, file_number: u64, first_seqno: u64 }
//	RECORD  = { length: u32, crc32: u32, seqno: u64, payload_len: u32, payload: bytes }
//	TRAILER = { marker: 8 bytes, last_seqno: u64, entry_count: u64,
//	            state_blob: length-prefixed bytes, footer_crc: u32 }
//
// All integers are little-endian. length covers everything after itself.
// crc32 covers (seqno, payload_len, payload) with the IEEE 802.3 reflected
// polynomial 0xEDB88320.

const formatVersion uint16 = 1

var headerMagic = [8]byte{'W', 'R', 'A', 'L', 0, 'H', 'D', 'R'}
var trailerMagic = [8]byte{'W', 'R', 'A', 'L', 0, 'T', 'R', 'L'}

const headerSize = 8 + 2 + 8 + 8 // magic, version, file_number, first_seqno

// recordHeaderSize is the fixed portion of a record: length, crc32, seqno,
// payload_len.
const recordHeaderSize = 4 + 4 + 8 + 4

// stateBlobInlineThreshold is the size above which a trailer's state_blob
// is zstd-compressed before being written (SPEC_FULL.md §4.2 [EXPANSION]).
const stateBlobInlineThreshold = 256

const (
	stateBlobRaw        byte = 0
	stateBlobCompressed  byte = 1
)

type fileHeader struct {
	fileNumber uint64
	firstSeqno uint64
}

func encodeHeader(fileNumber, firstSeqno uint64) []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:8], headerMagic[:])
	binary.LittleEndian.PutUint16(buf[8:10], formatVersion)
	binary.LittleEndian.PutUint64(buf[10:18], fileNumber)
	binary.LittleEndian.PutUint64(buf[18:26], firstSeqno)
	return buf
}

func decodeHeader(buf []byte, path string) (fileHeader, error) {
	if len(buf) != headerSize {
		return fileHeader{}, corruptErr(path, "short header", nil)
	}
	if string(buf[0:8]) != string(headerMagic[:]) {
		return fileHeader{}, corruptErr(path, "bad header magic", nil)
	}
	version := binary.LittleEndian.Uint16(buf[8:10])
	if version != formatVersion {
		return fileHeader{}, ErrUnsupportedVersion
	}
	h := fileHeader{
		fileNumber: binary.LittleEndian.Uint64(buf[10:18]),
		firstSeqno: binary.LittleEndian.Uint64(buf[18:26]),
	}
	return h, nil
}

type fileTrailer struct {
	lastSeqno  uint64
	entryCount uint64
	stateBlob  []byte
}

// encodeTrailer serializes the trailer, compressing stateBlob when it is
// larger than stateBlobInlineThreshold.
func encodeTrailer(lastSeqno, entryCount uint64, stateBlob []byte) ([]byte, error) {
	flag := stateBlobRaw
	blob := stateBlob
	if len(stateBlob) > stateBlobInlineThreshold {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("wral: zstd encoder: %w", err)
		}
		compressed := enc.EncodeAll(stateBlob, nil)
		enc.Close()
		if len(compressed) < len(stateBlob) {
			flag = stateBlobCompressed
			blob = compressed
		}
	}

	body := make([]byte, 0, 8+8+8+1+len(blob)+4)
	body = binary.LittleEndian.AppendUint64(body, lastSeqno)
	body = binary.LittleEndian.AppendUint64(body, entryCount)
	body = binary.LittleEndian.AppendUint32(body, uint32(len(blob))+1)
	body = append(body, flag)
	body = append(body, blob...)

	buf := make([]byte, 0, 8+len(body)+4)
	buf = append(buf, trailerMagic[:]...)
	buf = append(buf, body...)

	sum := crc32.ChecksumIEEE(buf)
	buf = binary.LittleEndian.AppendUint32(buf, sum)
	return buf, nil
}

func decodeTrailer(buf []byte, path string) (fileTrailer, error) {
	if len(buf) < 8+8+8+4+4 {
		return fileTrailer{}, corruptErr(path, "short trailer", nil)
	}
	if string(buf[0:8]) != string(trailerMagic[:]) {
		return fileTrailer{}, corruptErr(path, "bad trailer magic", nil)
	}

	want := binary.LittleEndian.Uint32(buf[len(buf)-4:])
	got := crc32.ChecksumIEEE(buf[:len(buf)-4])
	if want != got {
		return fileTrailer{}, corruptErr(path, "footer crc mismatch", nil)
	}

	off := 8
	lastSeqno := binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	entryCount := binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	blobLen := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	if blobLen == 0 {
		return fileTrailer{}, corruptErr(path, "missing state blob flag byte", nil)
	}
	end := off + int(blobLen)
	if end > len(buf)-4 {
		return fileTrailer{}, corruptErr(path, "state blob runs past trailer", nil)
	}
	flag := buf[off]
	blob := buf[off+1 : end]

	if flag == stateBlobCompressed {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return fileTrailer{}, fmt.Errorf("wral: zstd decoder: %w", err)
		}
		defer dec.Close()
		raw, err := dec.DecodeAll(blob, nil)
		if err != nil {
			return fileTrailer{}, corruptErr(path, "state blob decompression failed", err)
		}
		blob = raw
	} else if flag != stateBlobRaw {
		return fileTrailer{}, corruptErr(path, "unknown state blob encoding", nil)
	}

	return fileTrailer{lastSeqno: lastSeqno, entryCount: entryCount, stateBlob: blob}, nil
}

// trailerSize returns the on-disk size a trailer with the given state blob
// occupies when the blob is stored raw. Nothing in the package calls it;
// rotation decides on the current file size alone.
func trailerSize(stateBlob []byte) int {
	n := len(stateBlob)
	if n > stateBlobInlineThreshold {
		// Compression ratio is unknown ahead of encoding; trailers only
		// ever gate a *soft* limit (spec.md §4.3), so an upper-bound
		// estimate (uncompressed size) is acceptable here.
	}
	return 8 + 8 + 8 + 4 + 1 + n + 4
}
