package wral

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"
)

// directory owns the set of journal files for one log: their naming and
// enumeration (spec.md §4.3), and a small cache of parsed frozen-file
// headers so range() doesn't reparse files it has already seen
// (SPEC_FULL.md §4.3 [EXPANSION]). Contiguity (I2) is validated by
// recover_ (recovery.go), not here.
type directory struct {
	path string
	name string

	headerCache *lru.Cache[uint64, scanResult]
}

const defaultHeaderCacheSize = 256

func newDirectory(path, name string, cacheSize int) (*directory, error) {
	if cacheSize <= 0 {
		cacheSize = defaultHeaderCacheSize
	}
	cache, err := lru.New[uint64, scanResult](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("wral: header cache: %w", err)
	}
	return &directory{path: path, name: name, headerCache: cache}, nil
}

func (d *directory) filePath(fileNumber uint64) string {
	return filepath.Join(d.path, formatFileName(d.name, fileNumber))
}

// listFileNumbers enumerates this log's journal files, ascending by
// file_number. Unrelated directory entries (including the lock file) are
// skipped.
func (d *directory) listFileNumbers() ([]uint64, error) {
	dirf, err := os.Open(d.path)
	if err != nil {
		return nil, ioErr("open", d.path, err)
	}
	defer dirf.Close()

	var nums []uint64
	for {
		ents, err := dirf.ReadDir(64)
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, ioErr("readdir", d.path, err)
		}
		for _, ent := range ents {
			if !ent.Type().IsRegular() {
				continue
			}
			n, ok := parseFileName(d.name, ent.Name())
			if !ok {
				continue
			}
			nums = append(nums, n)
		}
	}
	slices.Sort(nums)
	return nums, nil
}

// scanWithCache returns the cached scanResult for a frozen file, or scans
// and caches it. Callers must only use the cache for files known to be
// frozen (the current file's scan result changes as writes land and must
// never be cached).
func (d *directory) scanWithCache(fileNumber uint64) (scanResult, error) {
	if r, ok := d.headerCache.Get(fileNumber); ok {
		return r, nil
	}
	r, err := scanJournalFile(d.filePath(fileNumber))
	if err != nil {
		return scanResult{}, err
	}
	if r.trailer != nil {
		d.headerCache.Add(fileNumber, r)
	}
	return r, nil
}

func (d *directory) invalidate(fileNumber uint64) {
	d.headerCache.Remove(fileNumber)
}
