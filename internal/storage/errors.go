package storage

import (
	"errors"
	"fmt"
	"io/fs"
)

// Sentinel errors for storage failure classification.
var (
	// ErrNotFound indicates the target path does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPermissionDenied indicates a permission/access failure.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrIO covers every other backend failure.
	ErrIO = errors.New("storage I/O error")
)

// Error wraps an underlying error with storage classification.
type Error struct {
	Kind error
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// wrapError classifies err. Returns nil if err is nil.
func wrapError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	kind := ErrIO
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, ErrNotFound):
		kind = ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		kind = ErrPermissionDenied
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}
