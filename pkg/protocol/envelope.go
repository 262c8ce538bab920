package protocol

import (
	"errors"
	"fmt"
)

// Envelope is one message on a data channel. Exactly one of Metadata or
// Chunk is set, matching Type.
type Envelope struct {
	Type     DataMessageType `msgpack:"type"`
	Metadata *Metadata       `msgpack:"metadata,omitempty"`
	Chunk    *Chunk          `msgpack:"chunk,omitempty"`
}

// ValidateBasic checks that the populated payload matches the envelope type.
func (e *Envelope) ValidateBasic() error {
	switch e.Type {
	case TypeMetadata:
		if e.Metadata == nil {
			return errors.New("metadata envelope without metadata payload")
		}
		if e.Chunk != nil {
			return errors.New("metadata envelope carries a chunk payload")
		}
	case TypeBackupFile, TypeCustomMetadataFile:
		if e.Chunk == nil {
			return fmt.Errorf("%s envelope without chunk payload", e.Type)
		}
		if e.Metadata != nil {
			return fmt.Errorf("%s envelope carries a metadata payload", e.Type)
		}
	default:
		return fmt.Errorf("invalid envelope type %d", e.Type)
	}
	return nil
}

// ValidateMetadata reports the first required metadata field that is empty.
func ValidateMetadata(m *Metadata) error {
	if m == nil {
		return errors.New("metadata is required")
	}
	switch {
	case m.AgentID == "":
		return errors.New("agent_id is required")
	case m.BackupName == "":
		return errors.New("backup_name is required")
	case m.Fragment.FragmentID == "":
		return errors.New("fragment_id is required")
	case m.Fragment.SizeInBytes == "":
		return errors.New("size_in_bytes is required")
	case m.Fragment.Version == "":
		return errors.New("version is required")
	}
	return nil
}
