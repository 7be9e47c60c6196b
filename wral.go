// Package wral implements a durable, append-only, monotonically-numbered
// write-ahead log: the durability substrate for higher-level data
// structures (indexes, state machines, consensus logs).
//
// Writers submit opaque payloads; the log assigns each a strictly
// increasing sequence number, persists it to disk under a configurable
// durability policy, and exposes in-order and ranged readback concurrently
// with ongoing writes. A log rotates across multiple files as it grows and
// repairs a torn tail left by a crash mid-write.
//
// # File format
//
//	file    = header record* trailer?
//	header  = magic(8) version(u16) file_number(u64) first_seqno(u64)
//	record  = length(u32) crc32(u32) seqno(u64) payload_len(u32) payload
//	trailer = magic(8) last_seqno(u64) entry_count(u64) state_blob footer_crc(u32)
//
// The trailer is present only once a file has been sealed at rotation or
// at Close; the file currently being written has no trailer. All integers
// are little-endian; crc32 is IEEE 802.3 (reflected 0xEDB88320) over
// (seqno, payload_len, payload).
//
// # Concurrency
//
// Multiple goroutines may call AddEntry concurrently: reservation of a
// sequence number is serialized and fast, but the fsync that makes a batch
// of entries durable is shared across every goroutine that arrived while
// it was being assembled (group commit, writer.go). Creating an iterator
// (Iter, Range) takes the commit lock to snapshot the live file's size, so
// it waits for an in-flight batch's write and fsync to finish; once
// created, an iterator reads its files without holding any lock.
package wral

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
)

// DefaultJournalSizeLimit is the soft per-file byte cap used when
// Options.JournalSizeLimit is zero.
const DefaultJournalSizeLimit = 1 << 30 // 1 GiB

// minJournalSizeLimit is the floor below which JournalSizeLimit is
// rejected as InvalidConfig: just enough room for a file header, one
// zero-payload record, and a trailer with an empty state blob, so a
// directory can still make forward progress (and rotate promptly, which
// test suites exploit to exercise rotation without writing megabytes).
const minJournalSizeLimit = 80

// Options configures Open. Zero-value fields take the documented default.
type Options struct {
	// Name is embedded in file names (wral-<name>-<n>.log) and must match
	// [A-Za-z0-9_-]+.
	Name string

	// JournalSizeLimit is the soft byte cap per file before rotation.
	// Default DefaultJournalSizeLimit.
	JournalSizeLimit uint64

	// Fsync selects the durability policy: if true (the default), every
	// batch commit fsyncs before AddEntry returns; if false, entries are
	// only write(2)'d through to the OS buffer cache.
	Fsync *bool

	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Verbose additionally logs per-batch/per-rotation debug detail.
	Verbose bool

	// Now stands in for time.Now, for deterministic tests.
	Now func() time.Time

	// HeaderCacheSize bounds the frozen-file header LRU (directory.go).
	// Defaults to defaultHeaderCacheSize.
	HeaderCacheSize int

	// Pool is the bounded worker pool used for concurrent per-file
	// validation during Open's recovery (recovery.go). A private pool is
	// created and owned by the Wal if nil.
	Pool *ants.Pool
}

func (o Options) fsyncEnabled() bool {
	if o.Fsync == nil {
		return true
	}
	return *o.Fsync
}

func (o Options) journalSizeLimit() uint64 {
	if o.JournalSizeLimit == 0 {
		return DefaultJournalSizeLimit
	}
	return o.JournalSizeLimit
}

// Wal is a handle to an open write-ahead log parameterized over the
// caller's opaque reducer state S (spec.md §6). A Wal is safe to share
// across goroutines; clones of the handle are not needed since the handle
// itself is already concurrency-safe.
type Wal[S any] struct {
	dir    string
	name   string
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	dirx *directory
	lock *processLock
	pool *ants.Pool
	ownPool bool

	sm StateMachine[S]

	// mu guards reservation-phase state: sequence-number allocation, the
	// reducer state, and which batch is currently accepting reservations.
	// It is held only briefly, never across I/O (spec.md §4.4 step 1).
	mu           sync.Mutex
	pendingBatch *batch
	ticketNext   uint64
	closed       bool
	poisonErr    error
	nextSeqno    uint64
	state        S

	// commitMu guards the current file and everything about it: its
	// identity (rotation swaps the pointer), its size, and its entry
	// count. It is held for the full duration of a batch's write+fsync
	// and of any rotation that follows, so that file content, file size,
	// and file identity are always observed as a consistent triple by
	// readers and by AddEntry's own ticket-ordering wait (writer.go).
	commitMu        sync.Mutex
	commitCond      *sync.Cond
	nextTicketToRun uint64
	current         *journalFile
	entryCount      uint64

	limit   uint64
	fsyncOn bool

	// commitCount tallies physical write+fsync commits (writer.go), one
	// per flushed batch regardless of how many AddEntry calls joined it.
	// Not exposed publicly; tests compare it against the number of
	// AddEntry calls to confirm group commit is actually batching and not
	// just correctly ordering one-entry-per-fsync commits.
	commitCount atomic.Int64
}

// Open creates or recovers the log stored in dir, using sm as the state
// machine's capability set and initial (zero) value never observed
// directly — recovery always starts from either the most recently sealed
// trailer's decoded state, replayed forward through the current file, or,
// for a brand-new directory, the caller never sees a "zero state" moment
// because the first AddEntry already has a Reduce-derived value.
func Open[S any](dir string, sm StateMachine[S], opts Options) (*Wal[S], error) {
	if err := validateName(opts.Name); err != nil {
		return nil, err
	}
	if opts.JournalSizeLimit != 0 && opts.JournalSizeLimit < minJournalSizeLimit {
		return nil, &InvalidConfigError{Field: "journal_size_limit", Reason: fmt.Sprintf("must be >= %d", minJournalSizeLimit)}
	}
	if fi, err := os.Stat(dir); err != nil {
		return nil, ioErr("stat", dir, err)
	} else if !fi.IsDir() {
		return nil, &InvalidConfigError{Field: "dir", Reason: "not a directory"}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	dirx, err := newDirectory(dir, opts.Name, opts.HeaderCacheSize)
	if err != nil {
		return nil, err
	}

	lock, err := acquireProcessLock(dir)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			lock.release()
		}
	}()

	pool := opts.Pool
	ownPool := false
	if pool == nil {
		pool, err = ants.NewPool(runtime.NumCPU())
		if err != nil {
			return nil, fmt.Errorf("wral: worker pool: %w", err)
		}
		ownPool = true
	}

	w := &Wal[S]{
		dir:    dir,
		name:   opts.Name,
		opts:   opts,
		logger: logger,
		now:    now,
		dirx:   dirx,
		lock:   lock,
		pool:   pool,
		ownPool: ownPool,
		sm:     sm,
		limit:  opts.journalSizeLimit(),
		fsyncOn: opts.fsyncEnabled(),
	}
	w.commitCond = sync.NewCond(&w.commitMu)

	if err := recover_(w); err != nil {
		if ownPool {
			pool.Release()
		}
		lock.release()
		return nil, err
	}

	ok = true
	return w, nil
}

// AddEntry appends payload, returning its assigned sequence number only
// once the durability contract selected by Options.Fsync is satisfied
// (spec.md §4.4).
func (w *Wal[S]) AddEntry(payload []byte) (uint64, error) {
	w.mu.Lock()
	if w.poisonErr != nil {
		err := &PoisonedError{Cause: w.poisonErr}
		w.mu.Unlock()
		return 0, err
	}
	if w.closed {
		w.mu.Unlock()
		return 0, ErrClosed
	}

	b := w.pendingBatch
	isLeader := b == nil
	if isLeader {
		b = &batch{done: make(chan struct{})}
		w.pendingBatch = b
	}

	seqno := w.nextSeqno
	w.nextSeqno++
	w.state = w.sm.Reduce(w.state, seqno, payload)
	rec := encodeRecord(seqno, payload)
	b.buf = append(b.buf, rec...)
	b.count++
	b.lastSeqno = seqno

	var ticket uint64
	if isLeader {
		ticket = w.ticketNext
		w.ticketNext++
	}
	w.mu.Unlock()

	if !isLeader {
		<-b.done
		return seqno, b.err
	}

	err := w.commitLeader(ticket, b)
	return seqno, err
}

// Close seals the current journal (writing its trailer) and releases
// handles (spec.md §6).
//
// Close is not safe to call concurrently with AddEntry: a reservation that
// has already been assigned a sequence number but has not yet reached its
// turn to commit (writer.go's ticket wait) may lose its entry if Close
// seals the file out from under it. Callers must quiesce writers before
// closing, the same contract most embedded WAL libraries place on
// shutdown.
func (w *Wal[S]) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	poisoned := w.poisonErr != nil
	stateBlob := w.sm.Encode(w.state)
	lastSeqno := w.nextSeqno - 1
	w.mu.Unlock()

	w.commitMu.Lock()
	var err error
	if w.current != nil && !poisoned {
		err = w.current.seal(lastSeqno, w.entryCount, stateBlob)
	}
	if w.current != nil {
		if cerr := w.current.close(); err == nil {
			err = cerr
		}
	}
	w.commitMu.Unlock()

	if w.ownPool {
		w.pool.Release()
	}
	if lerr := w.lock.release(); err == nil {
		err = lerr
	}
	return err
}

func (w *Wal[S]) poison(cause error) {
	w.mu.Lock()
	if w.poisonErr == nil {
		w.poisonErr = cause
		w.logger.Error("wral: writer poisoned", "journal", w.name, "cause", cause)
	}
	w.mu.Unlock()
}

// backgroundSubmit runs fn on the shared worker pool, falling back to
// running it inline if the pool is saturated or being shut down — Open and
// recovery must make progress even under pool pressure.
func (w *Wal[S]) backgroundSubmit(ctx context.Context, fn func()) {
	if err := w.pool.Submit(fn); err != nil {
		fn()
	}
	_ = ctx
}
