package wral

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// File names follow spec.md §6: wral-<name>-<NNNNNNNNNN>.log, zero-padded
// to fileNumberDigits so that alphanumeric sort of file names equals
// numeric order of file_number (spec.md §3). Unlike the teacher's
// draft/finalized/sealed filename discipline (which encoded status plus a
// timestamp plus a record id in every name), WRAL's current-vs-frozen
// status lives in the file's trailer, not its name — spec.md's naming
// scheme only ever names the file_number.
const (
	fileNumberDigits = 10
	lockFileName     = ".wral-lock"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func validateName(name string) error {
	if name == "" || !nameRe.MatchString(name) {
		return &InvalidConfigError{Field: "name", Reason: "must match [A-Za-z0-9_-]+"}
	}
	return nil
}

func formatFileName(name string, fileNumber uint64) string {
	return fmt.Sprintf("wral-%s-%0*d.log", name, fileNumberDigits, fileNumber)
}

// parseFileName extracts the file_number from a directory entry, for the
// given log name. ok is false for anything that doesn't belong to this log
// (including the lock file and unrelated directory entries), which callers
// silently skip.
func parseFileName(name, entry string) (fileNumber uint64, ok bool) {
	prefix := "wral-" + name + "-"
	rest, found := strings.CutPrefix(entry, prefix)
	if !found {
		return 0, false
	}
	rest, found = strings.CutSuffix(rest, ".log")
	if !found {
		return 0, false
	}
	if len(rest) != fileNumberDigits {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
