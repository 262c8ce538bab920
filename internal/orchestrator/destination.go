package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sheerbytes/backhaul/internal/job"
	"github.com/sheerbytes/backhaul/internal/storage"
	"github.com/sheerbytes/backhaul/internal/transfer"
	"github.com/sheerbytes/backhaul/pkg/protocol"
)

// fragmentDestination stores a received fragment in its job's fragment
// folder once admitted: Fragment.json on Prepare, files below data/ and
// customMetadata/, and a .md5 sidecar per accepted file.
type fragmentDestination struct {
	job    *job.Job
	store  storage.Provider
	bind   func(meta *protocol.Metadata) error
	folder storage.FragmentFolder
}

func newFragmentDestination(j *job.Job, bind func(*protocol.Metadata) error) *fragmentDestination {
	return &fragmentDestination{job: j, store: j.Storage(), bind: bind}
}

// Admit authorizes the fragment for the job and binds it to this stream.
func (d *fragmentDestination) Admit(meta *protocol.Metadata) error {
	folder, err := d.job.FragmentFolder(meta)
	if err != nil {
		return err
	}
	if d.bind != nil {
		if err := d.bind(meta); err != nil {
			return err
		}
	}
	d.folder = folder
	return nil
}

func (d *fragmentDestination) Prepare(meta *protocol.Metadata) error {
	info, err := json.MarshalIndent(meta.Fragment, "", "  ")
	if err != nil {
		return fmt.Errorf("encode fragment info: %w", err)
	}
	for _, dir := range []string{d.folder.Data, d.folder.CustomMetadata} {
		if err := d.store.MkdirAll(dir); err != nil {
			return err
		}
	}
	return d.store.WriteFile(d.folder.FragmentFile, info)
}

// Create refuses names that would collide with checksum sidecars.
func (d *fragmentDestination) Create(kind protocol.DataMessageType, name string) (transfer.Sink, error) {
	if storage.IsChecksumPath(name) {
		return nil, fmt.Errorf("%w: %q uses the checksum sidecar suffix", transfer.ErrInvalidFilename, name)
	}
	sink, err := d.store.Create(d.path(kind, name))
	if err != nil {
		return nil, err
	}
	return sink, nil
}

func (d *fragmentDestination) Accept(kind protocol.DataMessageType, name, checksum string) error {
	return d.store.WriteFile(storage.ChecksumPath(d.path(kind, name)), []byte(strings.ToLower(checksum)))
}

func (d *fragmentDestination) path(kind protocol.DataMessageType, name string) string {
	if kind == protocol.TypeCustomMetadataFile {
		return d.store.Join(d.folder.CustomMetadata, name)
	}
	return d.store.Join(d.folder.Data, name)
}
