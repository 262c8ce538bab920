package protocol

// DataMessageType identifies which payload variant an Envelope carries.
type DataMessageType uint8

// Envelope payload kinds.
const (
	TypeUnknown DataMessageType = iota
	TypeMetadata
	TypeBackupFile
	TypeCustomMetadataFile
)

func (t DataMessageType) String() string {
	switch t {
	case TypeMetadata:
		return "METADATA"
	case TypeBackupFile:
		return "BACKUP_FILE"
	case TypeCustomMetadataFile:
		return "CUSTOM_METADATA_FILE"
	default:
		return "UNKNOWN"
	}
}

// IsFile reports whether t carries a Chunk payload.
func (t DataMessageType) IsFile() bool {
	return t == TypeBackupFile || t == TypeCustomMetadataFile
}

// FrameKind tags a Chunk with its position in a file's frame sequence.
// FrameUnspecified is what untagged (legacy) senders produce; receivers
// classify those by shape, see Chunk.Classify.
type FrameKind uint8

const (
	FrameUnspecified FrameKind = iota
	FrameFilename
	FrameContent
	FrameChecksum
)

func (k FrameKind) String() string {
	switch k {
	case FrameFilename:
		return "filename"
	case FrameContent:
		return "content"
	case FrameChecksum:
		return "checksum"
	default:
		return "unspecified"
	}
}

// Fragment identifies one unit of an agent's backup data.
type Fragment struct {
	FragmentID        string            `msgpack:"fragment_id" json:"fragmentId"`
	Version           string            `msgpack:"version" json:"version"`
	SizeInBytes       string            `msgpack:"size_in_bytes" json:"sizeInBytes"`
	CustomInformation map[string]string `msgpack:"custom_information,omitempty" json:"customInformation,omitempty"`
}

// Metadata opens a fragment transfer. In the backup direction it is the
// first envelope on the stream; in the restore direction it is the agent's
// request.
type Metadata struct {
	AgentID    string   `msgpack:"agent_id" json:"agentId"`
	BackupName string   `msgpack:"backup_name" json:"backupName"`
	Fragment   Fragment `msgpack:"fragment" json:"fragment"`
}

// Chunk is one frame of a file: a filename, a content range, or a checksum.
// The same type serves primary data and custom metadata files.
type Chunk struct {
	Kind     FrameKind `msgpack:"kind,omitempty"`
	FileName string    `msgpack:"file_name,omitempty"`
	Content  []byte    `msgpack:"content,omitempty"`
	Checksum string    `msgpack:"checksum,omitempty"`
}

// Classify returns the chunk's frame kind. Tagged chunks report their tag.
// Untagged chunks are classified by shape: no checksum and no content is a
// filename frame, no checksum is a content frame, anything else is a
// checksum frame. An untagged empty content frame is therefore
// indistinguishable from a filename frame.
func (c *Chunk) Classify() FrameKind {
	if c.Kind != FrameUnspecified {
		return c.Kind
	}
	switch {
	case c.Checksum == "" && len(c.Content) == 0:
		return FrameFilename
	case c.Checksum == "":
		return FrameContent
	default:
		return FrameChecksum
	}
}
