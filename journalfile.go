package wral

import (
	"io"
	"os"
)

// journalFile is a handle to one on-disk segment, current or frozen
// (spec.md §4.2). It is the unit the writer appends to and the unit a
// reader opens read-only.
type journalFile struct {
	f          *os.File
	path       string
	fileNumber uint64
	firstSeqno uint64
	size       int64 // bytes written so far, header included
}

// createJournalFile writes the header, fsyncs it, and returns a handle
// positioned at EOF (spec.md §4.2 "create").
func createJournalFile(path string, fileNumber, firstSeqno uint64) (*journalFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, ioErr("create", path, err)
	}
	ok := false
	defer func() {
		if !ok {
			f.Close()
			os.Remove(path)
		}
	}()

	hbuf := encodeHeader(fileNumber, firstSeqno)
	if _, err := f.Write(hbuf); err != nil {
		return nil, ioErr("write-header", path, err)
	}
	if err := f.Sync(); err != nil {
		return nil, ioErr("fsync-header", path, err)
	}

	ok = true
	return &journalFile{
		f:          f,
		path:       path,
		fileNumber: fileNumber,
		firstSeqno: firstSeqno,
		size:       int64(len(hbuf)),
	}, nil
}

// openJournalFileForAppend reopens an existing current (unsealed) file at
// the given valid-data offset, ready to append more records after that
// point. The caller is expected to have already established offset via
// scanJournalFile.
func openJournalFileForAppend(path string, h fileHeader, offset int64) (*journalFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, ioErr("open", path, err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, ioErr("seek", path, err)
	}
	return &journalFile{
		f:          f,
		path:       path,
		fileNumber: h.fileNumber,
		firstSeqno: h.firstSeqno,
		size:       offset,
	}, nil
}

// append writes bytes to the OS file; it does not fsync (spec.md §4.2
// "append").
func (jf *journalFile) append(b []byte) error {
	if _, err := jf.f.Write(b); err != nil {
		return ioErr("write", jf.path, err)
	}
	jf.size += int64(len(b))
	return nil
}

// sync fsyncs the file (spec.md §4.2 "sync").
func (jf *journalFile) sync() error {
	if err := jf.f.Sync(); err != nil {
		return ioErr("fsync", jf.path, err)
	}
	return nil
}

// truncate discards everything after offset — used to repair a torn tail
// in the current file (spec.md §4.6 step 3).
func (jf *journalFile) truncate(offset int64) error {
	if err := jf.f.Truncate(offset); err != nil {
		return ioErr("truncate", jf.path, err)
	}
	if _, err := jf.f.Seek(offset, io.SeekStart); err != nil {
		return ioErr("seek", jf.path, err)
	}
	jf.size = offset
	return nil
}

// seal writes the trailer, fsyncs, and marks the file read-only (spec.md
// §4.2 "seal"). It does not rename the file — frozen-vs-current status in
// WRAL is determined by trailer presence, not file name (filename.go).
func (jf *journalFile) seal(lastSeqno, entryCount uint64, stateBlob []byte) error {
	trailer, err := encodeTrailer(lastSeqno, entryCount, stateBlob)
	if err != nil {
		return err
	}
	if err := jf.append(trailer); err != nil {
		return err
	}
	if err := jf.sync(); err != nil {
		return err
	}
	if err := jf.f.Chmod(0o444); err != nil {
		return ioErr("chmod", jf.path, err)
	}
	return nil
}

func (jf *journalFile) close() error {
	if jf.f == nil {
		return nil
	}
	err := jf.f.Close()
	jf.f = nil
	if err != nil {
		return ioErr("close", jf.path, err)
	}
	return nil
}

// scanResult is what scanJournalFile derives from a single forward pass.
type scanResult struct {
	header      fileHeader
	trailer     *fileTrailer // non-nil iff the file is frozen
	lastSeqno   uint64       // 0 if no valid records
	entryCount  uint64
	validOffset int64 // byte offset of the end of valid data: end of trailer if frozen, end of last valid record otherwise
	recordsEnd  int64 // byte offset where the record stream ends (trailer, if any, starts here)
	torn        bool  // true iff scanning stopped mid-record (only legal for the current file)
}

// scanJournalFile performs the linear forward scan described in spec.md
// §4.2 "scan": it stops at the first invalid record and records whether
// termination was at EOF, a valid trailer, or a torn suffix.
func scanJournalFile(path string) (scanResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return scanResult{}, ioErr("read", path, err)
	}
	if len(raw) < headerSize {
		return scanResult{}, corruptErr(path, "file shorter than header", nil)
	}

	h, err := decodeHeader(raw[:headerSize], path)
	if err != nil {
		return scanResult{}, err
	}

	res := scanResult{header: h, validOffset: int64(headerSize)}
	buf := raw[headerSize:]
	seqno := uint64(0)
	count := uint64(0)

	for {
		if len(buf) == 0 {
			break
		}
		// A trailer begins with trailerMagic, which can never collide
		// with a valid record: every record starts with a length field
		// whose low 4 bytes would have to spell "WRAL\0TRL"'s first four
		// bytes as a little-endian uint32, and decodeRecord additionally
		// requires the declared length to agree with the remaining
		// buffer, which a trailer (crc-terminated, no length prefix at
		// all) cannot satisfy once checked below. We still check magic
		// directly first since it's cheap and unambiguous.
		if len(buf) >= 8 && string(buf[0:8]) == string(trailerMagic[:]) {
			tr, err := decodeTrailer(buf, path)
			if err != nil {
				return scanResult{}, err
			}
			res.trailer = &tr
			res.lastSeqno = tr.lastSeqno
			res.entryCount = tr.entryCount
			res.recordsEnd = res.validOffset
			res.validOffset += int64(len(buf))
			return res, nil
		}

		rec, err := decodeRecord(buf)
		if err != nil {
			res.torn = true
			res.recordsEnd = res.validOffset
			return res, nil
		}
		if count > 0 && rec.seqno != seqno+1 {
			return scanResult{}, corruptErr(path, "seqno gap within file", nil)
		}
		seqno = rec.seqno
		count++
		res.lastSeqno = seqno
		res.entryCount = count
		res.validOffset += int64(rec.consumed)
		buf = buf[rec.consumed:]
	}

	res.recordsEnd = res.validOffset
	return res, nil
}
