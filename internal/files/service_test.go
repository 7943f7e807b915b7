package files

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hearth/backend/internal/apperr"
	"github.com/hearth/backend/internal/models"
)

type notification struct {
	recipient string
	kind      string
	payload   any
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notification
}

func (n *recordingNotifier) Notify(_ context.Context, recipient, kind string, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notification{recipient: recipient, kind: kind, payload: payload})
	return nil
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, e := range n.events {
		out = append(out, e.recipient+":"+e.kind)
	}
	return out
}

type staticDirectory map[string]bool

func (d staticDirectory) UserExists(_ context.Context, username string) (bool, error) {
	return d[username], nil
}

type brokenCreateStore struct {
	*InMemoryMetadataStore
}

func (brokenCreateStore) Create(context.Context, models.FileRecord) error {
	return errors.New("connection reset")
}

var (
	alice = Actor{Username: "alice"}
	bob   = Actor{Username: "bob"}
	carol = Actor{Username: "carol"}
	admin = Actor{Username: "root", IsAdmin: true}
)

func newTestService(t *testing.T, store MetadataStore, opts ...Option) (*Service, string) {
	t.Helper()
	root := t.TempDir()
	dir := staticDirectory{"alice": true, "bob": true, "carol": true}
	opts = append([]Option{WithRecipients(dir)}, opts...)
	svc, err := NewService(Config{Root: root, MaxUploadBytes: 64}, store, opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, root
}

func stagingEntries(t *testing.T, root string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(root, stagingDir))
	if err != nil {
		t.Fatalf("read staging dir: %v", err)
	}
	return entries
}

func TestIngestStoresContentAddressedFile(t *testing.T) {
	store := NewInMemoryMetadataStore()
	notifier := &recordingNotifier{}
	svc, root := newTestService(t, store, WithNotifier(notifier))

	rec, err := svc.Ingest(context.Background(), alice, "bob", "report.pdf", strings.NewReader("hello world\n"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if rec.ContentHash != helloWorldSHA256 || rec.Size != 12 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Sender != "alice" || rec.Receiver != "bob" {
		t.Fatalf("unexpected parties %+v", rec)
	}

	contents, err := os.ReadFile(filepath.Join(root, "a9", helloWorldSHA256, "report.pdf"))
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}
	if string(contents) != "hello world\n" {
		t.Fatalf("unexpected stored contents %q", contents)
	}

	if n := len(stagingEntries(t, root)); n != 0 {
		t.Fatalf("expected empty staging dir, found %d entries", n)
	}

	got := notifier.kinds()
	if len(got) != 1 || got[0] != "bob:"+EventFileAvailable {
		t.Fatalf("unexpected notifications %v", got)
	}
}

func TestIngestDuplicateIsConflict(t *testing.T) {
	store := NewInMemoryMetadataStore()
	svc, _ := newTestService(t, store)

	if _, err := svc.Ingest(context.Background(), alice, "bob", "report.pdf", strings.NewReader("hello world\n")); err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	_, err := svc.Ingest(context.Background(), alice, "bob", "report.pdf", strings.NewReader("hello world\n"))
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict got %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("expected exactly one record got %d", store.Len())
	}
}

func TestIngestDuplicateUnderNewNameLeavesNoOrphan(t *testing.T) {
	store := NewInMemoryMetadataStore()
	svc, root := newTestService(t, store)

	if _, err := svc.Ingest(context.Background(), alice, "bob", "report.pdf", strings.NewReader("hello world\n")); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	_, err := svc.Ingest(context.Background(), alice, "bob", "copy.pdf", strings.NewReader("hello world\n"))
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict got %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "a9", helloWorldSHA256, "copy.pdf")); !os.IsNotExist(err) {
		t.Fatalf("expected orphan object to be removed, stat err %v", err)
	}
}

func TestIngestSameContentToAnotherReceiver(t *testing.T) {
	store := NewInMemoryMetadataStore()
	svc, _ := newTestService(t, store)

	for _, receiver := range []string{"bob", "carol"} {
		if _, err := svc.Ingest(context.Background(), alice, receiver, "report.pdf", strings.NewReader("hello world\n")); err != nil {
			t.Fatalf("ingest to %s: %v", receiver, err)
		}
	}
	if store.Len() != 2 {
		t.Fatalf("expected two records got %d", store.Len())
	}
}

func TestIngestRejectsOversizedUpload(t *testing.T) {
	store := NewInMemoryMetadataStore()
	svc, root := newTestService(t, store)

	_, err := svc.Ingest(context.Background(), alice, "bob", "big.bin", bytes.NewReader(make([]byte, 65)))
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("expected too large got %v", err)
	}
	if n := len(stagingEntries(t, root)); n != 0 {
		t.Fatalf("expected staged file to be removed, found %d", n)
	}
	if store.Len() != 0 {
		t.Fatal("expected no record")
	}

	if _, err := svc.Ingest(context.Background(), alice, "bob", "exact.bin", bytes.NewReader(make([]byte, 64))); err != nil {
		t.Fatalf("expected upload at the limit to succeed: %v", err)
	}
}

func TestIngestUnknownReceiver(t *testing.T) {
	svc, _ := newTestService(t, NewInMemoryMetadataStore())

	_, err := svc.Ingest(context.Background(), alice, "mallory", "a.txt", strings.NewReader("x"))
	if !errors.Is(err, ErrReceiverNotFound) {
		t.Fatalf("expected receiver not found got %v", err)
	}
}

func TestIngestMetadataFailureKeepsObject(t *testing.T) {
	store := brokenCreateStore{NewInMemoryMetadataStore()}
	svc, root := newTestService(t, store)

	_, err := svc.Ingest(context.Background(), alice, "bob", "report.pdf", strings.NewReader("hello world\n"))
	if !apperr.Is(err, apperr.KindMetadata) {
		t.Fatalf("expected metadata error got %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "a9", helloWorldSHA256, "report.pdf")); err != nil {
		t.Fatalf("expected object to remain on disk: %v", err)
	}
}

func TestIngestReplacesCorruptedObject(t *testing.T) {
	store := NewInMemoryMetadataStore()
	svc, root := newTestService(t, store)

	if _, err := svc.Ingest(context.Background(), alice, "bob", "report.pdf", strings.NewReader("hello world\n")); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	object := filepath.Join(root, "a9", helloWorldSHA256, "report.pdf")
	if err := os.WriteFile(object, []byte("tampered"), 0o600); err != nil {
		t.Fatalf("corrupt object: %v", err)
	}

	if _, err := svc.Ingest(context.Background(), carol, "bob", "report.pdf", strings.NewReader("hello world\n")); err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	contents, err := os.ReadFile(object)
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	if string(contents) != "hello world\n" {
		t.Fatalf("expected uploaded bytes to replace the corrupted object, got %q", contents)
	}
	res, err := svc.Verify(context.Background(), bob, helloWorldSHA256)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Verified {
		t.Fatalf("expected verified object, actual hash %s", res.ActualHash)
	}
}

func TestIngestRenameFailureKeepsStagedFile(t *testing.T) {
	store := NewInMemoryMetadataStore()
	svc, root := newTestService(t, store)

	blocker := filepath.Join(root, "a9", helloWorldSHA256, "report.pdf")
	if err := os.MkdirAll(blocker, 0o750); err != nil {
		t.Fatalf("create blocking directory: %v", err)
	}
	if err := os.WriteFile(filepath.Join(blocker, "keep"), []byte("x"), 0o600); err != nil {
		t.Fatalf("populate blocking directory: %v", err)
	}

	_, err := svc.Ingest(context.Background(), alice, "bob", "report.pdf", strings.NewReader("hello world\n"))
	if !apperr.Is(err, apperr.KindStorage) {
		t.Fatalf("expected storage error got %v", err)
	}
	if n := len(stagingEntries(t, root)); n != 1 {
		t.Fatalf("expected the staged upload to be kept, found %d entries", n)
	}
	if store.Len() != 0 {
		t.Fatalf("expected no record, found %d", store.Len())
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	store := NewInMemoryMetadataStore()
	svc, root := newTestService(t, store)

	if _, err := svc.Ingest(context.Background(), alice, "bob", "report.pdf", strings.NewReader("hello world\n")); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	res, err := svc.Verify(context.Background(), bob, helloWorldSHA256)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Verified {
		t.Fatal("expected fresh upload to verify")
	}

	stored := filepath.Join(root, "a9", helloWorldSHA256, "report.pdf")
	if err := os.WriteFile(stored, []byte("tampered\n"), 0o600); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	res, err = svc.Verify(context.Background(), bob, helloWorldSHA256)
	if err != nil {
		t.Fatalf("verify after tamper: %v", err)
	}
	if res.Verified {
		t.Fatal("expected tampered file to fail verification")
	}
	if res.Record.Filename != "report.pdf" {
		t.Fatalf("expected metadata in result got %+v", res.Record)
	}

	if _, err := svc.Verify(context.Background(), carol, helloWorldSHA256); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected outsider to be forbidden got %v", err)
	}
	if _, err := svc.Verify(context.Background(), bob, strings.Repeat("0", 64)); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected unknown hash to be not found got %v", err)
	}
}

func TestListRequiresReceiverOrAdmin(t *testing.T) {
	svc, _ := newTestService(t, NewInMemoryMetadataStore())
	if _, err := svc.Ingest(context.Background(), alice, "bob", "report.pdf", strings.NewReader("hello world\n")); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	recs, err := svc.List(context.Background(), bob, "bob")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || recs[0].ContentHash != helloWorldSHA256 {
		t.Fatalf("unexpected listing %+v", recs)
	}

	if _, err := svc.List(context.Background(), alice, "bob"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden got %v", err)
	}
	if _, err := svc.List(context.Background(), admin, "bob"); err != nil {
		t.Fatalf("expected admin listing to succeed: %v", err)
	}
}

func TestDeleteThenOpenIsNotFound(t *testing.T) {
	store := NewInMemoryMetadataStore()
	notifier := &recordingNotifier{}
	svc, root := newTestService(t, store, WithNotifier(notifier))

	if _, err := svc.Ingest(context.Background(), alice, "bob", "report.pdf", strings.NewReader("hello world\n")); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	f, _, err := svc.Open(context.Background(), alice, "bob", "report.pdf")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = f.Close()

	if err := svc.Delete(context.Background(), bob, "bob", "report.pdf"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, _, err := svc.Open(context.Background(), bob, "bob", "report.pdf"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found after delete got %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "a9")); !os.IsNotExist(err) {
		t.Fatalf("expected empty shard directory to be pruned, stat err %v", err)
	}

	got := notifier.kinds()
	if len(got) != 2 || got[1] != "bob:"+EventFileDeleted {
		t.Fatalf("unexpected notifications %v", got)
	}
}

func TestDeleteKeepsSharedObject(t *testing.T) {
	store := NewInMemoryMetadataStore()
	svc, root := newTestService(t, store)

	for _, receiver := range []string{"bob", "carol"} {
		if _, err := svc.Ingest(context.Background(), alice, receiver, "report.pdf", strings.NewReader("hello world\n")); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	if err := svc.Delete(context.Background(), bob, "bob", "report.pdf"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "a9", helloWorldSHA256, "report.pdf")); err != nil {
		t.Fatalf("expected shared object to survive: %v", err)
	}
	if _, _, err := svc.Open(context.Background(), carol, "carol", "report.pdf"); err != nil {
		t.Fatalf("expected carol to still download: %v", err)
	}
}

func TestDeleteMissingObjectIsNotFound(t *testing.T) {
	store := NewInMemoryMetadataStore()
	svc, root := newTestService(t, store)

	if _, err := svc.Ingest(context.Background(), alice, "bob", "report.pdf", strings.NewReader("hello world\n")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := os.RemoveAll(filepath.Join(root, "a9")); err != nil {
		t.Fatalf("remove object: %v", err)
	}

	if err := svc.Delete(context.Background(), bob, "bob", "report.pdf"); !errors.Is(err, ErrStoredFileMissing) {
		t.Fatalf("expected missing object error got %v", err)
	}
	if store.Len() != 1 {
		t.Fatal("expected record to be kept when the object is missing")
	}
}

func TestDeleteForbiddenForOutsider(t *testing.T) {
	svc, _ := newTestService(t, NewInMemoryMetadataStore())
	if _, err := svc.Ingest(context.Background(), alice, "bob", "report.pdf", strings.NewReader("hello world\n")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := svc.Delete(context.Background(), carol, "bob", "report.pdf"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden got %v", err)
	}
}

func TestPurgeRemovesEverything(t *testing.T) {
	store := NewInMemoryMetadataStore()
	svc, root := newTestService(t, store)

	for _, receiver := range []string{"bob", "carol"} {
		if _, err := svc.Ingest(context.Background(), alice, receiver, "report.pdf", strings.NewReader("hello world\n")); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	if _, err := svc.Purge(context.Background(), alice, helloWorldSHA256); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected non-admin purge to be forbidden got %v", err)
	}

	n, err := svc.Purge(context.Background(), admin, helloWorldSHA256)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 2 || store.Len() != 0 {
		t.Fatalf("expected two records purged, got %d (remaining %d)", n, store.Len())
	}
	if _, err := os.Stat(filepath.Join(root, "a9")); !os.IsNotExist(err) {
		t.Fatalf("expected shard directory removed, stat err %v", err)
	}
}

type memoryMirror struct {
	mu      sync.Mutex
	objects map[string][]byte
	done    chan string
}

func newMemoryMirror() *memoryMirror {
	return &memoryMirror{objects: make(map[string][]byte), done: make(chan string, 8)}
}

func (m *memoryMirror) Put(_ context.Context, key string, r io.Reader, _ int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
	m.done <- "put:" + key
	return nil
}

func (m *memoryMirror) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	m.done <- "delete:" + key
	return nil
}

func waitFor(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("expected %s got %s", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
}

func TestReplicatorMirrorsIngestAndDelete(t *testing.T) {
	mirror := newMemoryMirror()
	root := t.TempDir()
	replicator := NewReplicator(root, mirror, ReplicatorConfig{Workers: 1, QueueSize: 4}, nil, nil)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = replicator.Shutdown(ctx)
	}()

	svc, err := NewService(Config{Root: root, MaxUploadBytes: 64}, NewInMemoryMetadataStore(), WithReplicator(replicator))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	rec, err := svc.Ingest(context.Background(), alice, "bob", "report.pdf", strings.NewReader("hello world\n"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	waitFor(t, mirror.done, "put:"+rec.StoredPath)

	mirror.mu.Lock()
	data := string(mirror.objects[rec.StoredPath])
	mirror.mu.Unlock()
	if data != "hello world\n" {
		t.Fatalf("unexpected mirrored bytes %q", data)
	}

	if err := svc.Delete(context.Background(), bob, "bob", "report.pdf"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitFor(t, mirror.done, "delete:"+rec.StoredPath)
}

func TestPurgeNotifiesReceiversAndMirrorsDelete(t *testing.T) {
	mirror := newMemoryMirror()
	root := t.TempDir()
	replicator := NewReplicator(root, mirror, ReplicatorConfig{Workers: 1, QueueSize: 4}, nil, nil)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = replicator.Shutdown(ctx)
	}()

	notifier := &recordingNotifier{}
	svc, err := NewService(Config{Root: root, MaxUploadBytes: 64}, NewInMemoryMetadataStore(),
		WithReplicator(replicator), WithNotifier(notifier))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	var storedPath string
	for _, receiver := range []string{"bob", "carol"} {
		rec, err := svc.Ingest(context.Background(), alice, receiver, "report.pdf", strings.NewReader("hello world\n"))
		if err != nil {
			t.Fatalf("ingest to %s: %v", receiver, err)
		}
		storedPath = rec.StoredPath
		waitFor(t, mirror.done, "put:"+storedPath)
	}

	if _, err := svc.Purge(context.Background(), admin, helloWorldSHA256); err != nil {
		t.Fatalf("purge: %v", err)
	}
	waitFor(t, mirror.done, "delete:"+storedPath)

	deleted := map[string]bool{}
	for _, event := range notifier.kinds() {
		if strings.HasSuffix(event, ":"+EventFileDeleted) {
			deleted[strings.TrimSuffix(event, ":"+EventFileDeleted)] = true
		}
	}
	if !deleted["bob"] || !deleted["carol"] {
		t.Fatalf("expected both receivers notified, got %v", notifier.kinds())
	}

	select {
	case extra := <-mirror.done:
		t.Fatalf("expected one mirror delete for the shared object, got %s", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReplicatorRejectsAfterShutdown(t *testing.T) {
	replicator := NewReplicator(t.TempDir(), newMemoryMirror(), ReplicatorConfig{}, nil, nil)
	if err := replicator.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := replicator.EnqueuePut(context.Background(), "x"); !errors.Is(err, errReplicatorClosed) {
		t.Fatalf("expected closed error got %v", err)
	}
}
