package files

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hearth/backend/internal/metrics"
)

// Mirror is an object store receiving copies of stored files.
type Mirror interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Delete(ctx context.Context, key string) error
}

// ReplicatorConfig controls the concurrency characteristics of the replicator.
type ReplicatorConfig struct {
	QueueSize  int
	Workers    int
	JobTimeout time.Duration
}

type mirrorAction string

const (
	mirrorPut    mirrorAction = "put"
	mirrorDelete mirrorAction = "delete"
)

type mirrorJob struct {
	action     mirrorAction
	storedPath string
}

var errReplicatorClosed = errors.New("replicator closed")

// Replicator copies stored objects to a Mirror from a pool of background
// workers. Failures are logged and counted; the local copy stays authoritative.
type Replicator struct {
	root    string
	mirror  Mirror
	logger  *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	jobs   chan mirrorJob
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	// mu guards closed so no send races the close of jobs.
	mu     sync.RWMutex
	closed bool
}

// NewReplicator starts the worker pool.
func NewReplicator(root string, mirror Mirror, cfg ReplicatorConfig, logger *slog.Logger, m *metrics.Metrics) *Replicator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Replicator{
		root:    root,
		mirror:  mirror,
		logger:  logger,
		metrics: m,
		timeout: cfg.JobTimeout,
		jobs:    make(chan mirrorJob, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	r.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go r.worker()
	}
	return r
}

// EnqueuePut schedules an upload of the object at storedPath.
func (r *Replicator) EnqueuePut(ctx context.Context, storedPath string) error {
	return r.enqueue(ctx, mirrorJob{action: mirrorPut, storedPath: storedPath})
}

// EnqueueDelete schedules removal of the mirrored object.
func (r *Replicator) EnqueueDelete(ctx context.Context, storedPath string) error {
	return r.enqueue(ctx, mirrorJob{action: mirrorDelete, storedPath: storedPath})
}

func (r *Replicator) enqueue(ctx context.Context, job mirrorJob) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return errReplicatorClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return errReplicatorClosed
	case r.jobs <- job:
		return nil
	}
}

// Shutdown stops accepting jobs and waits for queued jobs to drain.
func (r *Replicator) Shutdown(ctx context.Context) error {
	r.once.Do(func() {
		r.cancel()
		r.mu.Lock()
		r.closed = true
		close(r.jobs)
		r.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *Replicator) worker() {
	defer r.wg.Done()
	for job := range r.jobs {
		r.handle(job)
	}
}

func (r *Replicator) handle(job mirrorJob) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var err error
	switch job.action {
	case mirrorPut:
		err = r.put(ctx, job.storedPath)
	case mirrorDelete:
		err = r.mirror.Delete(ctx, job.storedPath)
	}

	r.metrics.Mirror(string(job.action), err)
	if err != nil {
		r.logger.Error("mirror job failed", "action", job.action, "storedPath", job.storedPath, "error", err)
	}
}

func (r *Replicator) put(ctx context.Context, storedPath string) error {
	f, err := os.Open(filepath.Join(r.root, filepath.FromSlash(storedPath)))
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return r.mirror.Put(ctx, storedPath, f, info.Size())
}
