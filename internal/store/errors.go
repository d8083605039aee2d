package store

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/strand/internal/hash"
)

// ErrorCode categorizes store failures by the behavior callers should
// take, not by the SQLite error that produced them.
type ErrorCode string

const (
	// CodeConflict means content arrived whose hash disagrees with
	// content already referenced under that hash. Caller error.
	CodeConflict ErrorCode = "CONFLICT"

	// CodeCorruption means an index points at a missing primary row.
	// Fatal: the owning cell must degrade.
	CodeCorruption ErrorCode = "CORRUPTION"

	// CodeBusy means write contention outlasted the retry budget.
	// Transient.
	CodeBusy ErrorCode = "BUSY"

	// CodeDisk is an I/O-level failure from the database engine.
	CodeDisk ErrorCode = "DISK"

	// CodeNotFound means a required row is absent. Most reads return
	// (nil, nil) for absence; this code is for lookups where absence
	// violates a caller-stated precondition.
	CodeNotFound ErrorCode = "NOT_FOUND"
)

// Error is the store's structured error. Hash identifies the offending
// row where one exists.
type Error struct {
	Code    ErrorCode
	Hash    hash.Hash
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if !e.Hash.IsEmpty() {
		return fmt.Sprintf("%s: %s (hash=%s)", e.Code, e.Message, e.Hash)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// IsConflict reports a hash/content conflict, through wrapping.
func IsConflict(err error) bool { return hasCode(err, CodeConflict) }

// IsCorruption reports a fatal index/row mismatch, through wrapping.
func IsCorruption(err error) bool { return hasCode(err, CodeCorruption) }

// IsBusy reports exhausted write contention, through wrapping.
func IsBusy(err error) bool { return hasCode(err, CodeBusy) }

func hasCode(err error, code ErrorCode) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// isSQLiteBusy detects lock contention worth retrying.
func isSQLiteBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// classify wraps a raw database error into a store Error.
func classify(err error, context string) error {
	if err == nil {
		return nil
	}
	if isSQLiteBusy(err) {
		return &Error{Code: CodeBusy, Message: context, Wrapped: err}
	}
	return &Error{Code: CodeDisk, Message: context, Wrapped: err}
}
