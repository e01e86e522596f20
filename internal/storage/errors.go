package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// BulkError reports rows within one chunk that failed a bulk insert
// while the rest of the chunk committed. Keys are chunk-relative
// offsets.
type BulkError struct {
	Rows map[int]string
}

func (e *BulkError) Error() string {
	offsets := make([]int, 0, len(e.Rows))
	for off := range e.Rows {
		offsets = append(offsets, off)
	}
	sort.Ints(offsets)

	parts := make([]string, 0, len(offsets))
	for _, off := range offsets {
		parts = append(parts, fmt.Sprintf("%d: %s", off, e.Rows[off]))
	}
	return fmt.Sprintf("%d rows failed bulk insert (%s)", len(e.Rows), strings.Join(parts, "; "))
}

// UnreachableError marks a connection-level store failure. It is fatal
// for the whole job, unlike per-record write errors.
type UnreachableError struct {
	Store string
	Err   error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("store %s unreachable: %v", e.Store, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

func IsUnreachable(err error) bool {
	var u *UnreachableError
	return errors.As(err, &u)
}
