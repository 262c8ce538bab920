package protocol

// FrameBuilder builds the three frames of a file for one payload kind.
type FrameBuilder struct {
	kind DataMessageType
}

var (
	// BackupFileFrames builds frames for a fragment's primary data file.
	BackupFileFrames = FrameBuilder{kind: TypeBackupFile}
	// CustomMetadataFrames builds frames for a fragment's custom metadata file.
	CustomMetadataFrames = FrameBuilder{kind: TypeCustomMetadataFile}
)

// Kind returns the envelope type the builder wraps chunks in.
func (b FrameBuilder) Kind() DataMessageType {
	return b.kind
}

func (b FrameBuilder) Filename(name string) *Envelope {
	return b.wrap(&Chunk{Kind: FrameFilename, FileName: name})
}

// Content wraps p without copying; callers that reuse p must encode the
// envelope before refilling it.
func (b FrameBuilder) Content(p []byte) *Envelope {
	return b.wrap(&Chunk{Kind: FrameContent, Content: p})
}

func (b FrameBuilder) Checksum(hexDigest string) *Envelope {
	return b.wrap(&Chunk{Kind: FrameChecksum, Checksum: hexDigest})
}

func (b FrameBuilder) wrap(c *Chunk) *Envelope {
	return &Envelope{Type: b.kind, Chunk: c}
}

// MetadataEnvelope builds the envelope that opens a fragment transfer.
func MetadataEnvelope(m Metadata) *Envelope {
	return &Envelope{Type: TypeMetadata, Metadata: &m}
}
