package storage

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/renameio"
)

// Local stores files on the local filesystem. Writes land under a
// temporary name and are renamed into place on Commit.
type Local struct{}

// NewLocal returns a local filesystem provider.
func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, wrapError("stat", path, err)
	}
	return true, nil
}

func (l *Local) IsFile(path string) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, wrapError("stat", path, err)
	}
	return info.Mode().IsRegular(), nil
}

func (l *Local) List(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, wrapError("list", path, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, filepath.Join(path, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func (l *Local) Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, wrapError("open", path, err)
	}
	return f, nil
}

func (l *Local) ReadFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapError("read", path, err)
	}
	return b, nil
}

func (l *Local) Create(path string) (Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, wrapError("mkdir", filepath.Dir(path), err)
	}
	pf, err := renameio.TempFile("", path)
	if err != nil {
		return nil, wrapError("create", path, err)
	}
	if err := pf.Chmod(0o644); err != nil {
		pf.Cleanup()
		return nil, wrapError("create", path, err)
	}
	return &localSink{pf: pf, path: path}, nil
}

func (l *Local) WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return wrapError("mkdir", filepath.Dir(path), err)
	}
	return wrapError("write", path, renameio.WriteFile(path, data, 0o644))
}

func (l *Local) MkdirAll(path string) error {
	return wrapError("mkdir", path, os.MkdirAll(path, 0o755))
}

func (l *Local) Join(elem ...string) string {
	return filepath.Join(elem...)
}

type localSink struct {
	pf   *renameio.PendingFile
	path string
	done bool
}

func (s *localSink) Write(p []byte) (int, error) {
	n, err := s.pf.Write(p)
	return n, wrapError("write", s.path, err)
}

func (s *localSink) Commit() error {
	if s.done {
		return nil
	}
	s.done = true
	return wrapError("commit", s.path, s.pf.CloseAtomicallyReplace())
}

func (s *localSink) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	return wrapError("abort", s.path, s.pf.Cleanup())
}

var _ Provider = (*Local)(nil)
