package channel

import (
	"bytes"
	"io"
	"os"

	"github.com/sheerbytes/backhaul/internal/transfer"
	"github.com/sheerbytes/backhaul/pkg/protocol"
)

type fileOpener struct{}

func (fileOpener) Open(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0644)
}

type captureDest struct {
	data      bytes.Buffer
	committed bool
}

func (d *captureDest) Prepare(*protocol.Metadata) error { return nil }

func (d *captureDest) Create(protocol.DataMessageType, string) (transfer.Sink, error) {
	return d, nil
}

func (d *captureDest) Accept(protocol.DataMessageType, string, string) error { return nil }

func (d *captureDest) Write(p []byte) (int, error) { return d.data.Write(p) }

func (d *captureDest) Commit() error {
	d.committed = true
	return nil
}

func (d *captureDest) Abort() error { return nil }
