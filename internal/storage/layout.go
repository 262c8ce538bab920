package storage

import (
	"sort"
	"strings"

	"github.com/sheerbytes/backhaul/pkg/protocol"
)

// Fragment folder layout:
//
//	<root>/<backupManagerId>/<backupName>/<agentId>/<fragmentId>/
//	    Fragment.json
//	    data/<file>, data/<file>.md5
//	    customMetadata/<file>, customMetadata/<file>.md5
const (
	DataFolder           = "data"
	CustomMetadataFolder = "customMetadata"
	FragmentFileName     = "Fragment.json"
	ChecksumSuffix       = ".md5"
)

// Layout maps fragments to folders below a backup location.
type Layout struct {
	Root            string
	BackupManagerID string
}

// FragmentFolder holds the paths of one fragment's folder.
type FragmentFolder struct {
	Root           string
	Data           string
	CustomMetadata string
	FragmentFile   string
}

// FragmentFolder returns where meta's fragment lives on p.
func (l Layout) FragmentFolder(p Provider, meta *protocol.Metadata) FragmentFolder {
	root := p.Join(l.Root, l.BackupManagerID, meta.BackupName, meta.AgentID, meta.Fragment.FragmentID)
	return FragmentFolder{
		Root:           root,
		Data:           p.Join(root, DataFolder),
		CustomMetadata: p.Join(root, CustomMetadataFolder),
		FragmentFile:   p.Join(root, FragmentFileName),
	}
}

// ChecksumPath returns the sidecar path holding file's checksum.
func ChecksumPath(file string) string {
	return file + ChecksumSuffix
}

// IsChecksumPath reports whether name is reserved for checksum sidecars.
func IsChecksumPath(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ChecksumSuffix)
}

// FirstFile returns the first regular file in folder by path order,
// skipping checksum sidecars. ok is false if there is none.
func FirstFile(p Provider, folder string) (path string, ok bool, err error) {
	entries, err := p.List(folder)
	if err != nil {
		return "", false, err
	}
	sort.Strings(entries)
	for _, e := range entries {
		if IsChecksumPath(e) {
			continue
		}
		isFile, err := p.IsFile(e)
		if err != nil {
			return "", false, err
		}
		if isFile {
			return e, true, nil
		}
	}
	return "", false, nil
}
