package wral

import (
	"fmt"
)

// batch is one group-commit unit: every payload reserved by AddEntry while
// this batch is open lands in the same batch and is flushed with a single
// write + (optionally) a single fsync (spec.md §4.4, §9).
//
// The leader/follower split happens without a condition variable: the
// first goroutine to see w.pendingBatch == nil creates the batch, under
// w.mu, and every subsequent AddEntry call (on any goroutine) keeps
// appending to that same batch — still under brief w.mu critical sections
// — until commitLeader reaches the batch's ticket turn. Only then is
// w.pendingBatch detached, so callers arriving after that point build a
// fresh batch rather than racing the write already underway. A channel
// close stands in for the "followers wake up" broadcast.
type batch struct {
	buf       []byte
	count     int
	lastSeqno uint64
	done      chan struct{}
	err       error
}

// commitLeader performs the actual file I/O for one batch. Commits across
// batches are ordered by ticket, not by scheduling luck: a ticket is handed
// out atomically with batch creation (AddEntry, under w.mu), and
// commitLeader blocks until every lower-numbered ticket has finished,
// guaranteeing on-disk order matches sequence-number order even though the
// write+fsync itself happens outside w.mu.
func (w *Wal[S]) commitLeader(ticket uint64, b *batch) error {
	w.commitMu.Lock()
	for w.nextTicketToRun != ticket {
		w.commitCond.Wait()
	}

	// Only now, with this batch's turn finally up, do we stop it from
	// accepting more followers: every AddEntry that arrived while we were
	// waiting for earlier tickets to flush joined b instead of opening a
	// new batch, which is the whole point of group commit (spec.md §4.4,
	// §9). Detaching any later than this would race the write below;
	// detaching any earlier would reproduce the bug where every call
	// fsyncs alone. The reducer state read here covers exactly the entries
	// up to b.lastSeqno, since no later batch can exist before b detaches;
	// a rotation after this batch seals the file with that snapshot.
	w.mu.Lock()
	if w.pendingBatch == b {
		w.pendingBatch = nil
	}
	stateSnapshot := w.state
	w.mu.Unlock()

	err := w.writeAndMaybeRotate(b, stateSnapshot)

	w.nextTicketToRun++
	w.commitCond.Broadcast()
	w.commitMu.Unlock()

	b.err = err
	close(b.done)

	if err != nil {
		w.poison(err)
	}
	return err
}

// writeAndMaybeRotate appends a batch's bytes to the current file, fsyncs
// it if the durability policy requires that, and rotates to a fresh file
// if the soft size limit was crossed (spec.md §4.3, §4.4 step 2-3).
//
// Any failure here is treated as fatal to the writer: a best-effort
// truncate is attempted to leave the file at its pre-batch length, but the
// writer is poisoned regardless of whether that truncate succeeds. Rolling
// next_seqno back instead and letting the writer continue is unsound once
// other goroutines may already have reserved higher sequence numbers
// against a later batch while this one was in flight; poisoning is the
// conservative reading of an edge case spec.md leaves ambiguous (see
// DESIGN.md).
func (w *Wal[S]) writeAndMaybeRotate(b *batch, stateSnapshot S) error {
	w.commitCount.Add(1)

	cur := w.current
	preSize := cur.size // safe: commitMu serializes every mutator of cur.size

	if err := cur.append(b.buf); err != nil {
		if terr := cur.truncate(preSize); terr != nil {
			return fmt.Errorf("%w (and truncate failed: %v)", err, terr)
		}
		return err
	}

	if w.fsyncOn {
		if err := cur.sync(); err != nil {
			if terr := cur.truncate(preSize); terr != nil {
				return fmt.Errorf("%w (and truncate failed: %v)", err, terr)
			}
			return err
		}
	}

	w.entryCount += uint64(b.count)

	if w.opts.Verbose {
		w.logger.Debug("committed batch", "journal", w.name, "entries", b.count, "bytes", len(b.buf), "last_seqno", b.lastSeqno)
	}

	if uint64(cur.size) > w.limit {
		if err := w.rotate(b.lastSeqno, stateSnapshot); err != nil {
			return err
		}
	}
	return nil
}

// rotate seals the current file with the state snapshot as of the last
// committed entry, and opens the next file in sequence (spec.md §4.3).
// It runs only from inside commitLeader, so it never races another
// rotation or another batch's append.
func (w *Wal[S]) rotate(lastSeqno uint64, stateSnapshot S) error {
	stateBlob := w.sm.Encode(stateSnapshot)
	if err := w.current.seal(lastSeqno, w.entryCount, stateBlob); err != nil {
		return err
	}
	w.dirx.invalidate(w.current.fileNumber)

	nextNumber := w.current.fileNumber + 1
	nf, err := createJournalFile(w.dirx.filePath(nextNumber), nextNumber, lastSeqno+1)
	if err != nil {
		return err
	}

	if cerr := w.current.close(); cerr != nil {
		w.logger.Warn("wral: close of sealed journal file failed", "path", w.current.path, "err", cerr)
	}

	if w.opts.Verbose {
		w.logger.Debug("rotating journal file", "journal", w.name, "sealed_file", nextNumber-1, "next_file", nextNumber, "last_seqno", lastSeqno)
	}

	w.current = nf
	w.entryCount = 0
	return nil
}
