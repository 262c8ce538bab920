package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/sheerbytes/backhaul/pkg/protocol"
)

const maxFilenameLength = 255

// ErrInvalidFilename indicates a file name with path separators or a dot
// name.
var ErrInvalidFilename = errors.New("invalid filename")

// fileSlot is the file an Assembler is on. It only moves forward.
type fileSlot int

const (
	slotNone fileSlot = iota
	slotPrimary
	slotCustomMetadata
)

func (s fileSlot) String() string {
	switch s {
	case slotPrimary:
		return "primary file"
	case slotCustomMetadata:
		return "custom metadata file"
	default:
		return "none"
	}
}

func slotFor(t protocol.DataMessageType) fileSlot {
	if t == protocol.TypeCustomMetadataFile {
		return slotCustomMetadata
	}
	return slotPrimary
}

// AssemblerConfig configures an Assembler.
type AssemblerConfig struct {
	// Tracker receives fragment lifecycle reports. May be nil.
	Tracker FragmentTracker
	// IOKind classifies sink and destination errors. Defaults to
	// ErrFailedToTransfer.
	IOKind error
	Logger *zap.Logger
}

// Assembler interprets the envelopes of one data channel and writes the
// files they carry to a Destination. It holds the state of a single
// stream and is not safe for concurrent use.
type Assembler struct {
	dest    Destination
	tracker FragmentTracker
	ioKind  error
	logger  *zap.Logger

	meta       *protocol.Metadata
	registered bool
	finished   bool

	current  fileSlot
	fileName string
	sink     Sink
	digest   *Digest
	received int64
}

// NewAssembler creates an Assembler writing to dest.
func NewAssembler(dest Destination, cfg AssemblerConfig) *Assembler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ioKind := cfg.IOKind
	if ioKind == nil {
		ioKind = ErrFailedToTransfer
	}
	return &Assembler{
		dest:    dest,
		tracker: cfg.Tracker,
		ioKind:  ioKind,
		logger:  logger,
	}
}

// Metadata returns the fragment metadata, or nil before it arrived.
func (a *Assembler) Metadata() *protocol.Metadata {
	return a.meta
}

// Received returns the number of content bytes written so far.
func (a *Assembler) Received() int64 {
	return a.received
}

// Begin starts a fragment from metadata that did not arrive on the stream,
// such as a restore request. It behaves like a METADATA envelope.
func (a *Assembler) Begin(meta *protocol.Metadata) error {
	err := a.begin(meta)
	if err != nil {
		a.Fail(err)
	}
	return err
}

// Handle processes one envelope. Any error it returns has already
// released the open sink and been reported to the tracker.
func (a *Assembler) Handle(env *protocol.Envelope) error {
	var err error
	switch {
	case env == nil:
		err = protocolViolation("nil envelope")
	case a.finished:
		err = protocolViolation("%s envelope after end of fragment", env.Type)
	case env.Type == protocol.TypeMetadata:
		err = a.begin(env.Metadata)
	case env.Type.IsFile():
		err = a.handleChunk(env.Type, env.Chunk)
	default:
		err = protocolViolation("unknown envelope type %d", env.Type)
	}
	if err != nil {
		a.Fail(err)
	}
	return err
}

// Run reads envelopes from in until the peer half-closes or an error
// occurs.
func (a *Assembler) Run(ctx context.Context, in Inbound) error {
	for {
		env, err := in.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return a.Complete()
		}
		if err != nil {
			a.Fail(err)
			return err
		}
		if err := a.Handle(env); err != nil {
			return err
		}
	}
}

// Complete ends the stream cleanly. A stream that never carried metadata
// completes without reporting anything. A stream that ends inside a file
// fails with ErrProtocolViolation.
func (a *Assembler) Complete() error {
	if a.finished {
		return nil
	}
	if a.meta == nil {
		a.finished = true
		return nil
	}
	if a.sink != nil {
		err := protocolViolation("stream ended before checksum of %s", a.fileName)
		a.Fail(err)
		return err
	}
	a.finished = true
	if a.registered && a.tracker != nil {
		a.tracker.FragmentSucceeded(a.meta.AgentID, a.meta.Fragment.FragmentID)
	}
	a.logger.Info("fragment received",
		zap.String("agent_id", a.meta.AgentID),
		zap.String("fragment_id", a.meta.Fragment.FragmentID),
		zap.Int64("bytes", a.received))
	return nil
}

// Fail discards any open sink and reports the fragment as failed if it
// was registered. Later calls are no-ops.
func (a *Assembler) Fail(cause error) {
	a.closeSink()
	if a.finished {
		return
	}
	a.finished = true
	if a.meta == nil {
		return
	}
	a.logger.Warn("fragment receive failed",
		zap.String("agent_id", a.meta.AgentID),
		zap.String("fragment_id", a.meta.Fragment.FragmentID),
		zap.Int64("bytes", a.received),
		zap.Error(cause))
	if a.registered && a.tracker != nil {
		a.tracker.FragmentFailed(a.meta.AgentID, a.meta.Fragment.FragmentID)
	}
}

func (a *Assembler) begin(meta *protocol.Metadata) error {
	if a.meta != nil {
		return protocolViolation("duplicate metadata for fragment %s", a.meta.Fragment.FragmentID)
	}
	if err := protocol.ValidateMetadata(meta); err != nil {
		return newError(ErrProtocolViolation, "validate metadata", err)
	}
	a.meta = meta
	fragmentID := meta.Fragment.FragmentID
	if adm, ok := a.dest.(Admitter); ok {
		if err := adm.Admit(meta); err != nil {
			return newError(ErrProtocolViolation, "admit fragment "+fragmentID, err)
		}
	}
	if a.tracker != nil {
		if err := a.tracker.ReceiveNewFragment(meta.AgentID, fragmentID); err != nil {
			return newError(ErrProtocolViolation, "register fragment "+fragmentID, err)
		}
		a.registered = true
	}
	if err := a.dest.Prepare(meta); err != nil {
		return newError(a.ioKind, "prepare fragment "+fragmentID, err)
	}
	return nil
}

func (a *Assembler) handleChunk(kind protocol.DataMessageType, chunk *protocol.Chunk) error {
	if a.meta == nil {
		return protocolViolation("%s frame before metadata", kind)
	}
	if chunk == nil {
		return protocolViolation("%s envelope without chunk", kind)
	}
	slot := slotFor(kind)

	switch chunk.Classify() {
	case protocol.FrameFilename:
		return a.openFile(kind, slot, chunk.FileName)
	case protocol.FrameContent:
		if a.sink == nil || slot != a.current {
			return protocolViolation("%s content frame without filename", kind)
		}
		a.digest.Add(chunk.Content)
		if _, err := a.sink.Write(chunk.Content); err != nil {
			return newError(a.ioKind, "write "+a.fileName, err)
		}
		a.received += int64(len(chunk.Content))
		return nil
	case protocol.FrameChecksum:
		if a.sink == nil || slot != a.current {
			return protocolViolation("%s checksum frame without filename", kind)
		}
		return a.closeFile(kind, chunk.Checksum)
	default:
		return protocolViolation("unknown frame kind %d", chunk.Kind)
	}
}

func (a *Assembler) openFile(kind protocol.DataMessageType, slot fileSlot, name string) error {
	if a.sink != nil {
		return protocolViolation("filename frame %q while %s is open", name, a.fileName)
	}
	if slot <= a.current {
		return protocolViolation("%s after %s", slot, a.current)
	}
	if slot == slotCustomMetadata && a.current != slotPrimary {
		return protocolViolation("custom metadata file before primary file")
	}
	if err := validateFilename(name); err != nil {
		return newError(ErrProtocolViolation, "open file", fmt.Errorf("%q: %w", name, err))
	}
	sink, err := a.dest.Create(kind, name)
	if errors.Is(err, ErrInvalidFilename) {
		return newError(ErrProtocolViolation, "open file", err)
	}
	if err != nil {
		return newError(a.ioKind, "create "+name, err)
	}
	a.current = slot
	a.fileName = name
	a.sink = sink
	a.digest = NewDigest()
	return nil
}

func (a *Assembler) closeFile(kind protocol.DataMessageType, checksum string) error {
	name := a.fileName
	computed := a.digest.Digest()
	sink := a.sink
	a.sink = nil

	if !strings.EqualFold(computed, checksum) {
		sink.Abort()
		return newError(ErrChecksumValidation, "validate "+name,
			fmt.Errorf("computed %s, received %s", computed, checksum))
	}
	if err := sink.Commit(); err != nil {
		return newError(a.ioKind, "commit "+name, err)
	}
	if err := a.dest.Accept(kind, name, computed); err != nil {
		return newError(a.ioKind, "accept "+name, err)
	}
	a.logger.Debug("file accepted",
		zap.String("file", name),
		zap.Stringer("kind", kind),
		zap.String("md5", computed))
	return nil
}

func (a *Assembler) closeSink() {
	if a.sink == nil {
		return
	}
	if err := a.sink.Abort(); err != nil {
		a.logger.Debug("abort sink", zap.String("file", a.fileName), zap.Error(err))
	}
	a.sink = nil
}

func validateFilename(filename string) error {
	if filename == "" {
		return ErrInvalidFilename
	}
	if strings.Contains(filename, "/") || strings.Contains(filename, "\\") {
		return ErrInvalidFilename
	}
	if filename == "." || filename == ".." {
		return ErrInvalidFilename
	}
	if len(filename) > maxFilenameLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidFilename, maxFilenameLength)
	}
	return nil
}
