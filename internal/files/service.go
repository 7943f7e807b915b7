package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/hearth/backend/internal/apperr"
	"github.com/hearth/backend/internal/logging"
	"github.com/hearth/backend/internal/metrics"
	"github.com/hearth/backend/internal/models"
)

// Notification kinds emitted by the service.
const (
	EventFileAvailable = "file_available"
	EventFileDeleted   = "file_deleted"
)

const stagingDir = "temp"

var (
	// ErrFileTooLarge indicates the upload exceeded the configured maximum.
	ErrFileTooLarge = apperr.New(apperr.KindTooLarge, "file exceeds maximum upload size")
	// ErrReceiverNotFound indicates the receiver has no account.
	ErrReceiverNotFound = apperr.New(apperr.KindNotFound, "receiver not found")
	// ErrForbidden indicates the caller is not a party to the file.
	ErrForbidden = apperr.New(apperr.KindForbidden, "not allowed to access this file")
	// ErrStoredFileMissing indicates a record whose object is gone from disk.
	ErrStoredFileMissing = apperr.New(apperr.KindNotFound, "stored file is missing")
)

// Actor identifies the authenticated caller.
type Actor struct {
	Username string
	IsAdmin  bool
}

// RecipientDirectory reports whether a username can receive files.
type RecipientDirectory interface {
	UserExists(ctx context.Context, username string) (bool, error)
}

// Notifier delivers best-effort events to a recipient's live connections.
type Notifier interface {
	Notify(ctx context.Context, recipient, kind string, payload any) error
}

// FileView is the public representation of a record.
type FileView struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256"`
	Timestamp time.Time `json:"timestamp"`
}

// View converts a record into its public representation.
func View(rec models.FileRecord) FileView {
	return FileView{
		From:      rec.Sender,
		To:        rec.Receiver,
		Filename:  rec.Filename,
		Size:      rec.Size,
		SHA256:    rec.ContentHash,
		Timestamp: rec.CreatedAt,
	}
}

// VerifyResult reports whether the stored bytes still match the digest.
type VerifyResult struct {
	Verified   bool
	ActualHash string
	Record     models.FileRecord
}

// Config configures the service.
type Config struct {
	Root           string
	MaxUploadBytes int64
}

// Service ingests, verifies, serves and removes content-addressed files.
type Service struct {
	root     string
	maxBytes int64

	store      MetadataStore
	recipients RecipientDirectory
	notifier   Notifier
	replicator *Replicator
	metrics    *metrics.Metrics
	now        func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithNotifier sets the event sink for availability notifications.
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithRecipients enables receiver existence checks.
func WithRecipients(d RecipientDirectory) Option { return func(s *Service) { s.recipients = d } }

// WithReplicator mirrors stored objects through r.
func WithReplicator(r *Replicator) Option { return func(s *Service) { s.replicator = r } }

// WithMetrics records operation outcomes.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService prepares the storage root and its staging directory.
func NewService(cfg Config, store MetadataStore, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("files: metadata store must not be nil")
	}
	if cfg.MaxUploadBytes <= 0 {
		return nil, errors.New("files: max upload size must be positive")
	}
	if err := os.MkdirAll(filepath.Join(cfg.Root, stagingDir), 0o750); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}

	s := &Service{
		root:     cfg.Root,
		maxBytes: cfg.MaxUploadBytes,
		store:    store,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ingest stores the content read from r as a file sent by actor to receiver.
func (s *Service) Ingest(ctx context.Context, actor Actor, receiver, filename string, r io.Reader) (rec models.FileRecord, err error) {
	ctx, span := logging.StartSpan(ctx, "files.ingest")
	defer span.End()
	defer func() {
		span.RecordError(err)
		s.metrics.FileOp("ingest", err)
	}()
	logger := logging.FromContext(ctx)

	if err := ValidateFilename(filename); err != nil {
		return models.FileRecord{}, err
	}
	if err := s.checkRecipient(ctx, receiver); err != nil {
		return models.FileRecord{}, err
	}

	staged, hash, size, err := s.stage(r)
	if err != nil {
		return models.FileRecord{}, err
	}

	storedPath, err := ResolvePath(hash, filename)
	if err != nil {
		_ = os.Remove(staged)
		return models.FileRecord{}, err
	}

	if err := s.relocate(staged, storedPath); err != nil {
		logger.Error("relocate staged upload", "staged", staged, "storedPath", storedPath, "error", err)
		return models.FileRecord{}, err
	}

	rec = models.FileRecord{
		ID:          uuid.NewString(),
		Sender:      actor.Username,
		Receiver:    receiver,
		ContentHash: hash,
		Filename:    filename,
		Size:        size,
		StoredPath:  storedPath,
		CreatedAt:   s.now(),
	}

	if err := s.store.Create(ctx, rec); err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			s.discardUnreferenced(ctx, storedPath)
			return models.FileRecord{}, err
		}
		logger.Error("record file metadata; object kept for reconciliation",
			"hash", hash, "storedPath", storedPath, "sender", rec.Sender, "receiver", receiver, "error", err)
		return models.FileRecord{}, apperr.WrapMsg(apperr.KindMetadata, "record file", "failed to record file metadata", err)
	}

	s.metrics.Ingested(size)
	logger.Info("file ingested", "hash", hash, "size", size, "sender", rec.Sender, "receiver", receiver)

	s.notify(ctx, receiver, EventFileAvailable, View(rec))
	if s.replicator != nil {
		if err := s.replicator.EnqueuePut(ctx, storedPath); err != nil {
			logger.Warn("enqueue mirror upload", "storedPath", storedPath, "error", err)
		}
	}

	return rec, nil
}

// stage copies r into a private temp file while hashing it.
func (s *Service) stage(r io.Reader) (string, string, int64, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, stagingDir), "upload-*")
	if err != nil {
		return "", "", 0, apperr.Wrap(apperr.KindStorage, "create staging file", err)
	}
	name := tmp.Name()

	fail := func(err error) (string, string, int64, error) {
		_ = tmp.Close()
		_ = os.Remove(name)
		return "", "", 0, err
	}

	hasher := NewContentHasher()
	limited := io.LimitReader(r, s.maxBytes+1)
	written, err := io.Copy(tmp, io.TeeReader(limited, hasher))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fail(ErrFileTooLarge)
		}
		return fail(apperr.Wrap(apperr.KindStorage, "write staging file", err))
	}
	if written > s.maxBytes {
		return fail(ErrFileTooLarge)
	}
	if err := tmp.Sync(); err != nil {
		return fail(apperr.Wrap(apperr.KindStorage, "sync staging file", err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return "", "", 0, apperr.Wrap(apperr.KindStorage, "close staging file", err)
	}

	return name, hasher.Sum(), hasher.Size(), nil
}

// relocate moves the staged file to its content address. An object already at
// that address is replaced: the freshly hashed bytes are authoritative. A
// failed rename leaves the staged file in place.
func (s *Service) relocate(staged, storedPath string) error {
	final := s.absPath(storedPath)
	if err := os.MkdirAll(filepath.Dir(final), 0o750); err != nil {
		return apperr.Wrap(apperr.KindStorage, "create object directory", err)
	}
	if err := os.Rename(staged, final); err != nil {
		return apperr.Wrap(apperr.KindStorage, "rename staged file", err)
	}
	return nil
}

// discardUnreferenced removes the object of an upload that lost a uniqueness
// race when no record references it.
func (s *Service) discardUnreferenced(ctx context.Context, storedPath string) {
	refs, err := s.store.CountByStoredPath(ctx, storedPath)
	if err != nil || refs > 0 {
		return
	}
	if err := os.Remove(s.absPath(storedPath)); err == nil {
		s.pruneDirs(storedPath)
	}
}

// Verify re-hashes the newest object stored under hash.
func (s *Service) Verify(ctx context.Context, actor Actor, hash string) (res VerifyResult, err error) {
	ctx, span := logging.StartSpan(ctx, "files.verify")
	defer span.End()
	defer func() {
		span.RecordError(err)
		s.metrics.FileOp("verify", err)
	}()

	if err := ValidateHash(hash); err != nil {
		return VerifyResult{}, err
	}
	rec, err := s.store.FindByHash(ctx, hash)
	if err != nil {
		return VerifyResult{}, err
	}
	if !canAccess(actor, rec) {
		return VerifyResult{}, ErrForbidden
	}

	actual, _, err := HashFile(s.absPath(rec.StoredPath))
	if err != nil {
		return VerifyResult{}, err
	}

	res = VerifyResult{Verified: actual == hash, ActualHash: actual, Record: rec}
	if !res.Verified {
		logging.FromContext(ctx).Warn("stored file failed integrity check",
			"hash", hash, "actual", actual, "storedPath", rec.StoredPath)
	}
	return res, nil
}

// List returns the files received by receiver, newest first.
func (s *Service) List(ctx context.Context, actor Actor, receiver string) ([]models.FileRecord, error) {
	if !actor.IsAdmin && actor.Username != receiver {
		return nil, ErrForbidden
	}
	recs, err := s.store.ListByReceiver(ctx, receiver)
	if err != nil {
		return nil, fmt.Errorf("list files for %s: %w", receiver, err)
	}
	return recs, nil
}

// Open returns a handle to the stored object. The caller closes it.
func (s *Service) Open(ctx context.Context, actor Actor, receiver, filename string) (*os.File, models.FileRecord, error) {
	rec, err := s.store.FindByReceiverAndFilename(ctx, receiver, filename)
	if err != nil {
		return nil, models.FileRecord{}, err
	}
	if !canAccess(actor, rec) {
		return nil, models.FileRecord{}, ErrForbidden
	}

	f, err := os.Open(s.absPath(rec.StoredPath))
	if err != nil {
		if os.IsNotExist(err) {
			logging.FromContext(ctx).Warn("record without stored object", "storedPath", rec.StoredPath, "recordId", rec.ID)
			return nil, models.FileRecord{}, ErrStoredFileMissing
		}
		return nil, models.FileRecord{}, apperr.Wrap(apperr.KindStorage, "open stored file", err)
	}
	return f, rec, nil
}

// Delete removes the object (when no other record shares it) and then the record.
func (s *Service) Delete(ctx context.Context, actor Actor, receiver, filename string) (err error) {
	ctx, span := logging.StartSpan(ctx, "files.delete")
	defer span.End()
	defer func() {
		span.RecordError(err)
		s.metrics.FileOp("delete", err)
	}()
	logger := logging.FromContext(ctx)

	rec, err := s.store.FindByReceiverAndFilename(ctx, receiver, filename)
	if err != nil {
		return err
	}
	if !canAccess(actor, rec) {
		return ErrForbidden
	}

	abs := s.absPath(rec.StoredPath)
	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			logger.Warn("stored file missing on delete", "storedPath", rec.StoredPath, "recordId", rec.ID)
			return ErrStoredFileMissing
		}
		return apperr.Wrap(apperr.KindStorage, "stat stored file", err)
	}

	refs, err := s.store.CountByStoredPath(ctx, rec.StoredPath)
	if err != nil {
		return apperr.Wrap(apperr.KindMetadata, "count object references", err)
	}

	removed := false
	if refs <= 1 {
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return apperr.Wrap(apperr.KindStorage, "remove stored file", err)
		}
		s.pruneDirs(rec.StoredPath)
		removed = true
	}

	if err := s.store.DeleteByID(ctx, rec.ID); err != nil {
		logger.Error("delete file record after object removal", "recordId", rec.ID, "storedPath", rec.StoredPath, "error", err)
		return apperr.WrapMsg(apperr.KindMetadata, "delete record", "failed to delete file metadata", err)
	}

	logger.Info("file deleted", "hash", rec.ContentHash, "receiver", receiver, "objectRemoved", removed)
	s.notify(ctx, rec.Receiver, EventFileDeleted, View(rec))
	if removed && s.replicator != nil {
		if err := s.replicator.EnqueueDelete(ctx, rec.StoredPath); err != nil {
			logger.Warn("enqueue mirror delete", "storedPath", rec.StoredPath, "error", err)
		}
	}
	return nil
}

// Purge removes every record and object stored under hash. Admin only.
func (s *Service) Purge(ctx context.Context, actor Actor, hash string) (n int64, err error) {
	defer func() { s.metrics.FileOp("purge", err) }()

	if !actor.IsAdmin {
		return 0, ErrForbidden
	}
	if err := ValidateHash(hash); err != nil {
		return 0, err
	}

	logger := logging.FromContext(ctx)

	recs, err := s.store.ListByHash(ctx, hash)
	if err != nil {
		return 0, apperr.WrapMsg(apperr.KindMetadata, "list records", "failed to read file metadata", err)
	}

	if err := os.RemoveAll(filepath.Join(s.root, hash[:shardWidth], hash)); err != nil {
		return 0, apperr.Wrap(apperr.KindStorage, "remove objects", err)
	}
	_ = os.Remove(filepath.Join(s.root, hash[:shardWidth]))

	n, err = s.store.DeleteByHash(ctx, hash)
	if err != nil {
		return 0, apperr.WrapMsg(apperr.KindMetadata, "purge records", "failed to delete file metadata", err)
	}
	logger.Info("purged content", "hash", hash, "records", n)

	mirrored := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		s.notify(ctx, rec.Receiver, EventFileDeleted, View(rec))
		if _, seen := mirrored[rec.StoredPath]; seen || s.replicator == nil {
			continue
		}
		mirrored[rec.StoredPath] = struct{}{}
		if err := s.replicator.EnqueueDelete(ctx, rec.StoredPath); err != nil {
			logger.Warn("enqueue mirror delete", "storedPath", rec.StoredPath, "error", err)
		}
	}
	return n, nil
}

func (s *Service) checkRecipient(ctx context.Context, receiver string) error {
	if receiver == "" {
		return apperr.New(apperr.KindValidation, "receiver is required")
	}
	if s.recipients == nil {
		return nil
	}
	ok, err := s.recipients.UserExists(ctx, receiver)
	if err != nil {
		return fmt.Errorf("look up receiver: %w", err)
	}
	if !ok {
		return ErrReceiverNotFound
	}
	return nil
}

func (s *Service) notify(ctx context.Context, recipient, kind string, payload any) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, recipient, kind, payload); err != nil {
		logging.FromContext(ctx).Warn("notification failed", "recipient", recipient, "kind", kind, "error", err)
	}
}

// pruneDirs removes the hash and shard directories above storedPath when empty.
func (s *Service) pruneDirs(storedPath string) {
	dir := path.Dir(storedPath)
	for i := 0; i < 2 && dir != "." && dir != "/"; i++ {
		if err := os.Remove(s.absPath(dir)); err != nil {
			return
		}
		dir = path.Dir(dir)
	}
}

func (s *Service) absPath(storedPath string) string {
	return filepath.Join(s.root, filepath.FromSlash(storedPath))
}

func canAccess(actor Actor, rec models.FileRecord) bool {
	return actor.IsAdmin || actor.Username == rec.Sender || actor.Username == rec.Receiver
}
