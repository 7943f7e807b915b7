package files

import (
	"context"
	"sort"
	"sync"

	"github.com/hearth/backend/internal/apperr"
	"github.com/hearth/backend/internal/models"
)

var (
	// ErrRecordNotFound indicates no file record matched the lookup.
	ErrRecordNotFound = apperr.New(apperr.KindNotFound, "file not found")
	// ErrDuplicateRecord indicates the (sender, receiver, hash) tuple already exists.
	ErrDuplicateRecord = apperr.New(apperr.KindConflict, "file already shared with this receiver")
)

// MetadataStore persists file records. Create must fail with a conflict kind
// error when the (sender, receiver, hash) tuple exists; lookups fail with a
// not-found kind error.
type MetadataStore interface {
	Create(ctx context.Context, rec models.FileRecord) error
	FindByHash(ctx context.Context, hash string) (models.FileRecord, error)
	FindByReceiverAndFilename(ctx context.Context, receiver, filename string) (models.FileRecord, error)
	ListByReceiver(ctx context.Context, receiver string) ([]models.FileRecord, error)
	ListByHash(ctx context.Context, hash string) ([]models.FileRecord, error)
	CountByStoredPath(ctx context.Context, storedPath string) (int, error)
	DeleteByID(ctx context.Context, id string) error
	DeleteByHash(ctx context.Context, hash string) (int64, error)
}

// InMemoryMetadataStore implements MetadataStore for tests and local development.
type InMemoryMetadataStore struct {
	mu      sync.RWMutex
	records map[string]models.FileRecord
}

// NewInMemoryMetadataStore returns an empty store.
func NewInMemoryMetadataStore() *InMemoryMetadataStore {
	return &InMemoryMetadataStore{records: make(map[string]models.FileRecord)}
}

func (s *InMemoryMetadataStore) Create(_ context.Context, rec models.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.records {
		if existing.Sender == rec.Sender && existing.Receiver == rec.Receiver && existing.ContentHash == rec.ContentHash {
			return ErrDuplicateRecord
		}
	}
	s.records[rec.ID] = rec
	return nil
}

func (s *InMemoryMetadataStore) FindByHash(_ context.Context, hash string) (models.FileRecord, error) {
	return s.newest(func(r models.FileRecord) bool { return r.ContentHash == hash })
}

func (s *InMemoryMetadataStore) FindByReceiverAndFilename(_ context.Context, receiver, filename string) (models.FileRecord, error) {
	return s.newest(func(r models.FileRecord) bool { return r.Receiver == receiver && r.Filename == filename })
}

func (s *InMemoryMetadataStore) ListByReceiver(_ context.Context, receiver string) ([]models.FileRecord, error) {
	return s.list(func(r models.FileRecord) bool { return r.Receiver == receiver }), nil
}

func (s *InMemoryMetadataStore) ListByHash(_ context.Context, hash string) ([]models.FileRecord, error) {
	return s.list(func(r models.FileRecord) bool { return r.ContentHash == hash }), nil
}

func (s *InMemoryMetadataStore) list(match func(models.FileRecord) bool) []models.FileRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.FileRecord
	for _, r := range s.records {
		if match(r) {
			out = append(out, r)
		}
	}
	sortNewestFirst(out)
	return out
}

func (s *InMemoryMetadataStore) CountByStoredPath(_ context.Context, storedPath string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.records {
		if r.StoredPath == storedPath {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryMetadataStore) DeleteByID(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return ErrRecordNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *InMemoryMetadataStore) DeleteByHash(_ context.Context, hash string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, r := range s.records {
		if r.ContentHash == hash {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored records. Useful for tests.
func (s *InMemoryMetadataStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *InMemoryMetadataStore) newest(match func(models.FileRecord) bool) (models.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []models.FileRecord
	for _, r := range s.records {
		if match(r) {
			matches = append(matches, r)
		}
	}
	if len(matches) == 0 {
		return models.FileRecord{}, ErrRecordNotFound
	}
	sortNewestFirst(matches)
	return matches[0], nil
}

func sortNewestFirst(recs []models.FileRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID > recs[j].ID
		}
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}
