package wral

import (
	"path/filepath"

	"github.com/gofrs/flock"
)

// processLock is an advisory, process-wide exclusive lock on one journal
// directory (SPEC_FULL.md §4.3 [EXPANSION]). It is layered underneath the
// in-process writer mutex (writer.go) and has no bearing on spec.md's
// in-process ordering guarantees — it only prevents a second process from
// opening the same directory for writing.
type processLock struct {
	fl *flock.Flock
}

func acquireProcessLock(dir string) (*processLock, error) {
	fl := flock.New(filepath.Join(dir, lockFileName))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, ioErr("flock", fl.Path(), err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &processLock{fl: fl}, nil
}

func (pl *processLock) release() error {
	if pl == nil || pl.fl == nil {
		return nil
	}
	return pl.fl.Unlock()
}
