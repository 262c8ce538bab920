package storage

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sheerbytes/backhaul/pkg/protocol"
)

func TestLocalCreateCommit(t *testing.T) {
	dir := t.TempDir()
	p := NewLocal()
	path := filepath.Join(dir, "nested", "data.bin")

	sink, err := p.Create(path)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if _, err := sink.Write([]byte("hello")); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if ok, _ := p.Exists(path); ok {
		t.Fatalf("file visible before Commit")
	}
	if err := sink.Commit(); err != nil {
		t.Fatalf("Commit error: %v", err)
	}
	got, err := p.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("content = %q", got)
	}
	if err := sink.Abort(); err != nil {
		t.Fatalf("Abort after Commit error: %v", err)
	}
	if ok, _ := p.IsFile(path); !ok {
		t.Fatalf("committed file removed by late Abort")
	}
}

func TestLocalCreateAbortLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	p := NewLocal()
	path := filepath.Join(dir, "data.bin")

	sink, err := p.Create(path)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	sink.Write([]byte("partial"))
	if err := sink.Abort(); err != nil {
		t.Fatalf("Abort error: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir error: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("aborted write left %d entries", len(entries))
	}
}

func TestLocalListExistsIsFile(t *testing.T) {
	dir := t.TempDir()
	p := NewLocal()
	for _, name := range []string{"b.bin", "a.bin"} {
		if err := p.WriteFile(filepath.Join(dir, name), []byte(name)); err != nil {
			t.Fatalf("WriteFile error: %v", err)
		}
	}
	if err := p.MkdirAll(filepath.Join(dir, "sub")); err != nil {
		t.Fatalf("MkdirAll error: %v", err)
	}

	entries, err := p.List(dir)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	want := []string{filepath.Join(dir, "a.bin"), filepath.Join(dir, "b.bin"), filepath.Join(dir, "sub")}
	if len(entries) != len(want) {
		t.Fatalf("List = %v, want %v", entries, want)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Fatalf("List = %v, want %v", entries, want)
		}
	}

	if ok, _ := p.IsFile(filepath.Join(dir, "sub")); ok {
		t.Fatalf("folder reported as file")
	}
	if ok, _ := p.Exists(filepath.Join(dir, "sub")); !ok {
		t.Fatalf("folder reported missing")
	}
	if ok, _ := p.Exists(filepath.Join(dir, "missing")); ok {
		t.Fatalf("missing path reported present")
	}
	if _, err := p.List(filepath.Join(dir, "missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := p.Open(filepath.Join(dir, "missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	rc, err := p.Open(filepath.Join(dir, "a.bin"))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	if string(b) != "a.bin" {
		t.Fatalf("Open content = %q", b)
	}
}

func TestFragmentFolderLayout(t *testing.T) {
	p := NewLocal()
	l := Layout{Root: "/backups", BackupManagerID: "DEFAULT"}
	meta := &protocol.Metadata{AgentID: "agent-1", BackupName: "nightly", Fragment: protocol.Fragment{FragmentID: "frag-1"}}
	f := l.FragmentFolder(p, meta)
	if f.Root != "/backups/DEFAULT/nightly/agent-1/frag-1" {
		t.Fatalf("Root = %s", f.Root)
	}
	if f.Data != f.Root+"/data" || f.CustomMetadata != f.Root+"/customMetadata" || f.FragmentFile != f.Root+"/Fragment.json" {
		t.Fatalf("folder = %+v", f)
	}
}

func TestFirstFileSkipsFoldersAndSidecars(t *testing.T) {
	dir := t.TempDir()
	p := NewLocal()
	if err := p.MkdirAll(filepath.Join(dir, "0-sub")); err != nil {
		t.Fatalf("MkdirAll error: %v", err)
	}
	p.WriteFile(filepath.Join(dir, "b.bin"), []byte("b"))
	p.WriteFile(filepath.Join(dir, "b.bin.md5"), []byte("x"))
	p.WriteFile(filepath.Join(dir, "a.bin.md5"), []byte("x"))

	got, ok, err := FirstFile(p, dir)
	if err != nil {
		t.Fatalf("FirstFile error: %v", err)
	}
	if !ok || got != filepath.Join(dir, "b.bin") {
		t.Fatalf("FirstFile = %s %v", got, ok)
	}

	empty := t.TempDir()
	if _, ok, err := FirstFile(p, empty); ok || err != nil {
		t.Fatalf("FirstFile on empty folder = %v %v", ok, err)
	}
}
