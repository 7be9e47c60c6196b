package wral

import (
	"context"
	"os"
	"sync"
)

// recover_ implements spec.md §4.6's Open-time algorithm: enumerate the
// directory, validate every frozen file concurrently (I1, I2, I4), locate
// or create the current file, repair a torn tail if one is found, and
// derive (next_seqno, state) before the Wal is handed to the caller.
//
// The trailing underscore avoids shadowing Go's builtin recover inside
// this package while keeping it unmistakably a recovery-only helper; it
// is never part of the public API.
func recover_[S any](w *Wal[S]) error {
	nums, err := w.dirx.listFileNumbers()
	if err != nil {
		return err
	}

	if len(nums) == 0 {
		nf, err := createJournalFile(w.dirx.filePath(0), 0, 1)
		if err != nil {
			return err
		}
		w.current = nf
		w.nextSeqno = 1
		var zero S
		w.state = zero
		return nil
	}

	n := len(nums)
	results := make([]scanResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i, num := range nums {
		i, num := i, num
		wg.Add(1)
		w.backgroundSubmit(context.Background(), func() {
			defer wg.Done()
			res, serr := scanJournalFile(w.dirx.filePath(num))
			results[i] = res
			errs[i] = serr
		})
	}
	wg.Wait()
	for _, serr := range errs {
		if serr != nil {
			return serr
		}
	}

	// Every file but the last must be frozen (have a trailer) and
	// contiguous with its predecessor (I1, I2).
	var prevLastSeqno uint64
	var prevSet bool
	var frozenState []byte
	haveFrozenState := false

	for i := 0; i < n-1; i++ {
		res := results[i]
		path := w.dirx.filePath(nums[i])
		if res.trailer == nil {
			return corruptErr(path, "non-final journal file has no trailer", nil)
		}
		if res.header.fileNumber != nums[i] {
			return corruptErr(path, "file_number in header does not match file name", nil)
		}
		if prevSet && res.header.firstSeqno != prevLastSeqno+1 {
			return corruptErr(path, "gap between journal files", nil)
		}
		prevLastSeqno = res.lastSeqno
		prevSet = true
		frozenState = res.trailer.stateBlob
		haveFrozenState = true
	}

	last := results[n-1]
	lastNum := nums[n-1]
	lastPath := w.dirx.filePath(lastNum)
	if prevSet && last.header.firstSeqno != prevLastSeqno+1 {
		return corruptErr(lastPath, "gap between journal files", nil)
	}

	var maxSeqno uint64
	var haveAnySeqno bool
	var current *journalFile
	var replayFrom int64 // byte offset to start replay at, within the current (unsealed) file
	var replayPath string
	var replaying bool

	if last.trailer != nil {
		// Every file on disk is frozen; there is no current file yet.
		// WRAL creates the next one eagerly rather than deferring to the
		// first AddEntry, simplifying the writer's invariant that
		// w.current is always non-nil (see DESIGN.md).
		maxSeqno = last.lastSeqno
		haveAnySeqno = prevSet || last.lastSeqno > 0 || last.entryCount > 0
		frozenState = last.trailer.stateBlob
		haveFrozenState = true

		nextNum := lastNum + 1
		nf, err := createJournalFile(w.dirx.filePath(nextNum), nextNum, maxSeqno+1)
		if err != nil {
			return err
		}
		current = nf
	} else {
		if last.torn {
			w.logger.Warn("wral: repairing torn tail", "path", lastPath, "valid_offset", last.validOffset)
		}
		f, err := openJournalFileForAppend(lastPath, last.header, last.validOffset)
		if err != nil {
			return err
		}
		if last.torn {
			if terr := f.truncate(last.validOffset); terr != nil {
				f.close()
				return terr
			}
			if derr := syncDir(w.dir); derr != nil {
				w.logger.Warn("wral: fsync of directory after tail repair failed", "dir", w.dir, "err", derr)
			}
		}
		current = f
		maxSeqno = last.lastSeqno
		haveAnySeqno = last.entryCount > 0 || prevSet
		w.entryCount = last.entryCount

		replaying = last.entryCount > 0
		replayFrom = int64(headerSize)
		replayPath = lastPath
	}

	if haveAnySeqno {
		w.nextSeqno = maxSeqno + 1
	} else {
		w.nextSeqno = 1
	}
	w.current = current

	var state S
	if haveFrozenState {
		st, err := w.sm.Decode(frozenState)
		if err != nil {
			return corruptErr(lastPath, "state blob decode failed", err)
		}
		state = st
	}

	if replaying {
		if err := replayInto(w, replayPath, replayFrom, last.validOffset, &state); err != nil {
			return err
		}
	}
	w.state = state

	return nil
}

// replayInto re-decodes the valid records of the current (unsealed) file
// between [from, to) and folds each into state via the caller's reducer —
// the portion of history not yet captured by any sealed trailer (spec.md
// §4.6 step 4).
func replayInto[S any](w *Wal[S], path string, from, to int64, state *S) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ioErr("read", path, err)
	}
	if to > int64(len(raw)) {
		to = int64(len(raw))
	}
	buf := raw[from:to]
	for len(buf) > 0 {
		rec, err := decodeRecord(buf)
		if err != nil {
			// Already validated by scanJournalFile; a second failure here
			// would mean the file changed under us.
			return corruptErr(path, "record vanished during replay", err)
		}
		*state = w.sm.Reduce(*state, rec.seqno, rec.payload)
		buf = buf[rec.consumed:]
	}
	return nil
}

// syncDir fsyncs a directory's inode so that a tail-truncation survives a
// subsequent crash (spec.md §4.6 step 3's "fsync the directory").
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return ioErr("open", dir, err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return ioErr("fsync-dir", dir, err)
	}
	return nil
}
