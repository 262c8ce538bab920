package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/backhaul/internal/channel"
	"github.com/sheerbytes/backhaul/internal/job"
	"github.com/sheerbytes/backhaul/internal/session"
	"github.com/sheerbytes/backhaul/internal/storage"
	"github.com/sheerbytes/backhaul/internal/transfer"
	"github.com/sheerbytes/backhaul/pkg/protocol"
)

const abcdeMD5 = "2ecdde3959051d913f61b14579ea136d"

type fixture struct {
	root     string
	jobs     *job.Executor
	sessions *session.Store
	svc      *DataService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		root:     t.TempDir(),
		jobs:     job.NewExecutor(nil),
		sessions: session.NewStore(time.Hour, nil),
	}
	f.svc = NewDataService(Config{
		Jobs:             f.jobs,
		Sessions:         f.sessions,
		RestoreChunkSize: 2,
		AckTimeout:       2 * time.Second,
	})
	return f
}

func (f *fixture) startJob(t *testing.T, typ job.Type) *job.Job {
	t.Helper()
	cfg := job.Config{
		BackupName:         "nightly",
		Layout:             storage.Layout{Root: f.root, BackupManagerID: "DEFAULT"},
		Storage:            storage.NewLocal(),
		DataChannelTimeout: 5 * time.Second,
	}
	j := job.NewBackupJob(cfg)
	if typ == job.Restore {
		j = job.NewRestoreJob(cfg)
	}
	if err := f.jobs.Start(j); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	return j
}

func testMetadata() protocol.Metadata {
	return protocol.Metadata{
		AgentID:    "agent-1",
		BackupName: "nightly",
		Fragment:   protocol.Fragment{FragmentID: "frag-1", Version: "0.0.1", SizeInBytes: "5"},
	}
}

func pipe(t *testing.T) (orch, agent *channel.Channel) {
	t.Helper()
	orch, agent = channel.Pipe(channel.Config{})
	t.Cleanup(func() {
		orch.Close()
		agent.Close()
	})
	return orch, agent
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}

func runAsync(fn func() error) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- fn() }()
	return ch
}

func wait(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for data channel handler")
		return nil
	}
}

// sendFragment drives the agent side of a backup.
func sendFragment(ctx context.Context, agent *channel.Channel, req transfer.FragmentRequest) (int64, error) {
	flow := transfer.NewFlowStream(agent, transfer.FlowConfig{AwaitAck: true, AckTimeout: 2 * time.Second})
	return transfer.NewSender(storage.NewLocal(), 2, nil).TransferFragment(ctx, flow, req)
}

func TestBackupStoresFragment(t *testing.T) {
	f := newFixture(t)
	j := f.startJob(t, job.Backup)
	orch, agent := pipe(t)
	ctx := context.Background()

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "backup.txt"), "ABCDE")
	writeFile(t, filepath.Join(src, "custom.txt"), "meta")

	done := runAsync(func() error { return f.svc.Backup(ctx, orch, "mem") })
	sent, err := sendFragment(ctx, agent, transfer.FragmentRequest{
		Metadata:           testMetadata(),
		PrimaryPath:        filepath.Join(src, "backup.txt"),
		CustomMetadataPath: filepath.Join(src, "custom.txt"),
	})
	if err != nil {
		t.Fatalf("TransferFragment error: %v", err)
	}
	if sent != 9 {
		t.Fatalf("sent = %d, want 9", sent)
	}
	if err := wait(t, done); err != nil {
		t.Fatalf("Backup error: %v", err)
	}

	meta := testMetadata()
	folder, _ := j.FragmentFolder(&meta)
	if got := readFile(t, filepath.Join(folder.Data, "backup.txt")); got != "ABCDE" {
		t.Fatalf("stored data = %q", got)
	}
	if got := readFile(t, filepath.Join(folder.Data, "backup.txt.md5")); got != abcdeMD5 {
		t.Fatalf("stored checksum = %q", got)
	}
	if got := readFile(t, filepath.Join(folder.CustomMetadata, "custom.txt")); got != "meta" {
		t.Fatalf("stored custom metadata = %q", got)
	}
	if info := readFile(t, folder.FragmentFile); !bytes.Contains([]byte(info), []byte(`"fragmentId": "frag-1"`)) {
		t.Fatalf("Fragment.json = %s", info)
	}

	rec, ok := j.Fragment("agent-1", "frag-1")
	if !ok || rec.Status != job.Succeeded || rec.BytesSent != 9 {
		t.Fatalf("fragment record = %+v %v", rec, ok)
	}
	if len(f.sessions.Active()) != 0 {
		t.Fatalf("stream still registered after Backup returned")
	}
}

func TestBackupWithoutRunningJobIsRejected(t *testing.T) {
	f := newFixture(t)
	f.startJob(t, job.Restore)
	orch, agent := pipe(t)
	ctx := context.Background()

	done := runAsync(func() error { return f.svc.Backup(ctx, orch, "mem") })
	meta := testMetadata()
	if err := agent.Send(protocol.MetadataEnvelope(meta)); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	err := wait(t, done)
	if !errors.Is(err, ErrNoRunningJob) {
		t.Fatalf("expected ErrNoRunningJob, got %v", err)
	}
	<-agent.Acknowledged()
	var abort *transfer.AbortError
	if !errors.As(agent.PeerErr(), &abort) || abort.Reason != RejectReason {
		t.Fatalf("agent PeerErr = %v", agent.PeerErr())
	}
}

func TestBackupForOtherBackupIsUnauthorized(t *testing.T) {
	f := newFixture(t)
	j := f.startJob(t, job.Backup)
	orch, agent := pipe(t)
	ctx := context.Background()

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "backup.txt"), "ABCDE")
	meta := testMetadata()
	meta.BackupName = "weekly"

	done := runAsync(func() error { return f.svc.Backup(ctx, orch, "mem") })
	sendFragment(ctx, agent, transfer.FragmentRequest{Metadata: meta, PrimaryPath: filepath.Join(src, "backup.txt")})

	if err := wait(t, done); !errors.Is(err, job.ErrUnauthorizedDataChannel) {
		t.Fatalf("expected ErrUnauthorizedDataChannel, got %v", err)
	}
	if rec, ok := j.Fragment("agent-1", "frag-1"); ok {
		t.Fatalf("unauthorized channel created a fragment record: %+v", rec)
	}
	if _, err := os.Stat(filepath.Join(f.root, "DEFAULT", "weekly")); !os.IsNotExist(err) {
		t.Fatalf("unauthorized channel wrote below the storage root: %v", err)
	}
}

func TestBackupSecondStreamForFragmentIsRejected(t *testing.T) {
	f := newFixture(t)
	j := f.startJob(t, job.Backup)
	busy := f.sessions.Open(session.Backup, "ws")
	if _, err := f.sessions.Bind(busy.ID, "agent-1", "frag-1"); err != nil {
		t.Fatalf("Bind error: %v", err)
	}
	orch, agent := pipe(t)
	ctx := context.Background()

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "backup.txt"), "ABCDE")
	done := runAsync(func() error { return f.svc.Backup(ctx, orch, "mem") })
	sendFragment(ctx, agent, transfer.FragmentRequest{Metadata: testMetadata(), PrimaryPath: filepath.Join(src, "backup.txt")})

	if err := wait(t, done); !errors.Is(err, session.ErrStreamActive) {
		t.Fatalf("expected ErrStreamActive, got %v", err)
	}
	if rec, ok := j.Fragment("agent-1", "frag-1"); ok {
		t.Fatalf("rejected stream touched the fragment record: %+v", rec)
	}
}

func TestBackupDuplicateStreamLeavesLiveTransferIntact(t *testing.T) {
	f := newFixture(t)
	j := f.startJob(t, job.Backup)
	ctx := context.Background()

	first, firstAgent := pipe(t)
	firstDone := runAsync(func() error { return f.svc.Backup(ctx, first, "ws") })
	frames := protocol.BackupFileFrames
	if err := firstAgent.Send(protocol.MetadataEnvelope(testMetadata())); err != nil {
		t.Fatalf("send metadata: %v", err)
	}
	if err := firstAgent.Send(frames.Filename("backup.txt")); err != nil {
		t.Fatalf("send filename: %v", err)
	}
	waitForStatus(t, j, job.Receiving)

	second, secondAgent := pipe(t)
	secondDone := runAsync(func() error { return f.svc.Backup(ctx, second, "ws") })
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "backup.txt"), "XXXXX")
	sendFragment(ctx, secondAgent, transfer.FragmentRequest{
		Metadata:    testMetadata(),
		PrimaryPath: filepath.Join(src, "backup.txt"),
	})
	if err := wait(t, secondDone); !errors.Is(err, session.ErrStreamActive) {
		t.Fatalf("expected ErrStreamActive, got %v", err)
	}
	if rec, _ := j.Fragment("agent-1", "frag-1"); rec.Status != job.Receiving || rec.Attempts != 1 {
		t.Fatalf("fragment record after duplicate = %+v", rec)
	}

	for _, env := range []*protocol.Envelope{
		frames.Content([]byte("ABCDE")),
		frames.Checksum(transfer.Checksum([]byte("ABCDE"))),
	} {
		if err := firstAgent.Send(env); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if err := firstAgent.CloseSend(); err != nil {
		t.Fatalf("CloseSend error: %v", err)
	}
	if err := wait(t, firstDone); err != nil {
		t.Fatalf("Backup error: %v", err)
	}

	rec, ok := j.Fragment("agent-1", "frag-1")
	if !ok || rec.Status != job.Succeeded || rec.Attempts != 1 {
		t.Fatalf("fragment record = %+v %v", rec, ok)
	}
	meta := testMetadata()
	folder, _ := j.FragmentFolder(&meta)
	if got := readFile(t, filepath.Join(folder.Data, "backup.txt")); got != "ABCDE" {
		t.Fatalf("stored data = %q", got)
	}
}

func TestBackupSucceededFragmentRefusesNewStream(t *testing.T) {
	f := newFixture(t)
	j := f.startJob(t, job.Backup)
	ctx := context.Background()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "backup.txt"), "ABCDE")
	req := transfer.FragmentRequest{Metadata: testMetadata(), PrimaryPath: filepath.Join(src, "backup.txt")}

	orch, agent := pipe(t)
	done := runAsync(func() error { return f.svc.Backup(ctx, orch, "ws") })
	if _, err := sendFragment(ctx, agent, req); err != nil {
		t.Fatalf("TransferFragment error: %v", err)
	}
	if err := wait(t, done); err != nil {
		t.Fatalf("Backup error: %v", err)
	}

	writeFile(t, req.PrimaryPath, "XXXXX")
	orch, agent = pipe(t)
	done = runAsync(func() error { return f.svc.Backup(ctx, orch, "ws") })
	sendFragment(ctx, agent, req)
	if err := wait(t, done); !errors.Is(err, job.ErrFragmentSucceeded) {
		t.Fatalf("expected ErrFragmentSucceeded, got %v", err)
	}

	rec, _ := j.Fragment("agent-1", "frag-1")
	if rec.Status != job.Succeeded || rec.Attempts != 1 {
		t.Fatalf("fragment record = %+v", rec)
	}
	meta := testMetadata()
	folder, _ := j.FragmentFolder(&meta)
	if got := readFile(t, filepath.Join(folder.Data, "backup.txt")); got != "ABCDE" {
		t.Fatalf("stored data = %q", got)
	}
}

func TestBackupChecksumSuffixedFilenameIsRejected(t *testing.T) {
	f := newFixture(t)
	j := f.startJob(t, job.Backup)
	orch, agent := pipe(t)
	ctx := context.Background()

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "x.md5"), "ABCDE")
	done := runAsync(func() error { return f.svc.Backup(ctx, orch, "ws") })
	sendFragment(ctx, agent, transfer.FragmentRequest{Metadata: testMetadata(), PrimaryPath: filepath.Join(src, "x.md5")})

	if err := wait(t, done); !errors.Is(err, transfer.ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
	if rec, _ := j.Fragment("agent-1", "frag-1"); rec.Status != job.Failed {
		t.Fatalf("fragment status = %s, want FAILED", rec.Status)
	}
	meta := testMetadata()
	folder, _ := j.FragmentFolder(&meta)
	if _, err := os.Stat(filepath.Join(folder.Data, "x.md5")); !os.IsNotExist(err) {
		t.Fatalf("reserved name was written: %v", err)
	}
}

func waitForStatus(t *testing.T, j *job.Job, want job.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := j.Fragment("agent-1", "frag-1"); ok && rec.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("fragment never reached %s", want)
}

// memDest collects restored files in memory.
type memDest struct {
	mu    sync.Mutex
	files map[string]string
}

type memSink struct {
	dest *memDest
	name string
	buf  bytes.Buffer
}

func (s *memSink) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *memSink) Abort() error                { return nil }
func (s *memSink) Commit() error {
	s.dest.mu.Lock()
	defer s.dest.mu.Unlock()
	s.dest.files[s.name] = s.buf.String()
	return nil
}

func (d *memDest) Prepare(*protocol.Metadata) error { return nil }
func (d *memDest) Create(kind protocol.DataMessageType, name string) (transfer.Sink, error) {
	return &memSink{dest: d, name: kind.String() + "/" + name}, nil
}
func (d *memDest) Accept(protocol.DataMessageType, string, string) error { return nil }

// receiveFragment drives the agent side of a restore.
func receiveFragment(ctx context.Context, agent *channel.Channel, meta protocol.Metadata) (*memDest, error) {
	dest := &memDest{files: make(map[string]string)}
	if err := agent.Send(protocol.MetadataEnvelope(meta)); err != nil {
		return dest, err
	}
	asm := transfer.NewAssembler(dest, transfer.AssemblerConfig{IOKind: transfer.ErrFailedToDownload})
	if err := asm.Begin(&meta); err != nil {
		return dest, err
	}
	if err := asm.Run(ctx, agent); err != nil {
		return dest, err
	}
	return dest, agent.Ack()
}

func seedFragment(t *testing.T, j *job.Job, data, checksum string) storage.FragmentFolder {
	t.Helper()
	meta := testMetadata()
	folder, err := j.FragmentFolder(&meta)
	if err != nil {
		t.Fatalf("FragmentFolder error: %v", err)
	}
	writeFile(t, folder.FragmentFile, `{"fragmentId":"frag-1"}`)
	writeFile(t, filepath.Join(folder.Data, "backup.txt"), data)
	if checksum != "" {
		writeFile(t, filepath.Join(folder.Data, "backup.txt.md5"), checksum)
	}
	return folder
}

func TestRestoreSendsFragment(t *testing.T) {
	f := newFixture(t)
	j := f.startJob(t, job.Restore)
	folder := seedFragment(t, j, "ABCDE", abcdeMD5)
	writeFile(t, filepath.Join(folder.CustomMetadata, "custom.txt"), "meta")
	orch, agent := pipe(t)
	ctx := context.Background()

	done := runAsync(func() error { return f.svc.Restore(ctx, orch, "mem") })
	dest, err := receiveFragment(ctx, agent, testMetadata())
	if err != nil {
		t.Fatalf("receive error: %v", err)
	}
	if err := wait(t, done); err != nil {
		t.Fatalf("Restore error: %v", err)
	}

	if got := dest.files["BACKUP_FILE/backup.txt"]; got != "ABCDE" {
		t.Fatalf("restored files = %v", dest.files)
	}
	if got := dest.files["CUSTOM_METADATA_FILE/custom.txt"]; got != "meta" {
		t.Fatalf("restored files = %v", dest.files)
	}
	if j.AgentBytes("agent-1") != 5 {
		t.Fatalf("AgentBytes = %d, want 5", j.AgentBytes("agent-1"))
	}
}

func TestRestoreWithoutChecksumSidecar(t *testing.T) {
	f := newFixture(t)
	j := f.startJob(t, job.Restore)
	seedFragment(t, j, "ABCDE", "")
	orch, agent := pipe(t)
	ctx := context.Background()

	done := runAsync(func() error { return f.svc.Restore(ctx, orch, "mem") })
	if _, err := receiveFragment(ctx, agent, testMetadata()); err != nil {
		t.Fatalf("receive error: %v", err)
	}
	if err := wait(t, done); err != nil {
		t.Fatalf("Restore error: %v", err)
	}
}

func TestRestoreCorruptedBackup(t *testing.T) {
	f := newFixture(t)
	j := f.startJob(t, job.Restore)
	seedFragment(t, j, "ABCDE", "00000000000000000000000000000000")
	orch, agent := pipe(t)
	ctx := context.Background()

	done := runAsync(func() error { return f.svc.Restore(ctx, orch, "mem") })
	dest, recvErr := receiveFragment(ctx, agent, testMetadata())

	err := wait(t, done)
	if !errors.Is(err, transfer.ErrChecksumValidation) {
		t.Fatalf("expected ErrChecksumValidation, got %v", err)
	}
	if !j.Corrupted() {
		t.Fatalf("backup not marked as corrupted")
	}
	if !errors.Is(recvErr, transfer.ErrAborted) {
		t.Fatalf("agent error = %v, want abort", recvErr)
	}
	if len(dest.files) != 0 {
		t.Fatalf("agent committed %v", dest.files)
	}
}

func TestRestoreLocationMissing(t *testing.T) {
	f := newFixture(t)
	f.startJob(t, job.Restore)
	orch, agent := pipe(t)
	ctx := context.Background()

	done := runAsync(func() error { return f.svc.Restore(ctx, orch, "mem") })
	if err := agent.Send(protocol.MetadataEnvelope(testMetadata())); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if err := wait(t, done); !errors.Is(err, transfer.ErrRestoreLocationMissing) {
		t.Fatalf("expected ErrRestoreLocationMissing, got %v", err)
	}

	// No frame precedes the abort.
	_, err := agent.Recv(ctx)
	if !errors.Is(err, transfer.ErrAborted) {
		t.Fatalf("first inbound = %v, want abort", err)
	}
}

func TestRestoreEmptyDataFolder(t *testing.T) {
	f := newFixture(t)
	j := f.startJob(t, job.Restore)
	meta := testMetadata()
	folder, _ := j.FragmentFolder(&meta)
	writeFile(t, folder.FragmentFile, "{}")
	writeFile(t, filepath.Join(folder.Data, "only.md5"), abcdeMD5)
	orch, agent := pipe(t)
	ctx := context.Background()

	done := runAsync(func() error { return f.svc.Restore(ctx, orch, "mem") })
	agent.Send(protocol.MetadataEnvelope(meta))
	if err := wait(t, done); !errors.Is(err, transfer.ErrRestoreLocationMissing) {
		t.Fatalf("expected ErrRestoreLocationMissing, got %v", err)
	}
}

func TestRestoreInvalidRequest(t *testing.T) {
	f := newFixture(t)
	f.startJob(t, job.Restore)
	orch, agent := pipe(t)
	ctx := context.Background()

	meta := testMetadata()
	meta.Fragment.Version = ""
	done := runAsync(func() error { return f.svc.Restore(ctx, orch, "mem") })
	agent.Send(protocol.MetadataEnvelope(meta))
	if err := wait(t, done); !errors.Is(err, transfer.ErrRestoreLocationMissing) {
		t.Fatalf("expected ErrRestoreLocationMissing, got %v", err)
	}
}

func TestRestoreWithoutRunningJob(t *testing.T) {
	f := newFixture(t)
	orch, agent := pipe(t)
	ctx := context.Background()

	done := runAsync(func() error { return f.svc.Restore(ctx, orch, "mem") })
	agent.Send(protocol.MetadataEnvelope(testMetadata()))
	if err := wait(t, done); !errors.Is(err, ErrNoRunningJob) {
		t.Fatalf("expected ErrNoRunningJob, got %v", err)
	}
}
