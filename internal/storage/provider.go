// Package storage is the minimal read/write/list contract fragment
// transfers need, with a local filesystem and an S3 implementation.
package storage

import (
	"io"
)

// Sink is a file being written. Nothing is visible at its path until
// Commit; Abort discards it.
type Sink interface {
	io.Writer
	Commit() error
	Abort() error
}

// Provider is a storage backend. Paths are provider-specific and built
// with Join.
type Provider interface {
	// Exists reports whether path names a file or a folder.
	Exists(path string) (bool, error)
	// IsFile reports whether path names a regular file.
	IsFile(path string) (bool, error)
	// List returns the direct children of a folder, sorted.
	List(path string) ([]string, error)
	Open(path string) (io.ReadCloser, error)
	ReadFile(path string) ([]byte, error)
	// Create starts an atomic write of path.
	Create(path string) (Sink, error)
	WriteFile(path string, data []byte) error
	MkdirAll(path string) error
	Join(elem ...string) string
}
