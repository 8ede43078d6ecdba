package jobs

import (
	"context"
	"time"

	"github.com/MimeLyc/media-transcriber/pkg/log"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type ManagerConfig struct {
	Workers            int
	DispatchInterval   time.Duration
	StaleCheckInterval time.Duration
}

// Manager ties the progress store, admission queue, worker pool and
// dispatcher together behind submit and query calls.
type Manager struct {
	store      *Store
	queue      *Queue
	pool       *Pool
	dispatcher *Dispatcher
	now        func() time.Time
}

func NewManager(store *Store, exec Executor, cfg ManagerConfig) *Manager {
	queue := NewQueue()
	pool := NewPool(cfg.Workers, store, exec)
	return &Manager{
		store:      store,
		queue:      queue,
		pool:       pool,
		dispatcher: NewDispatcher(queue, pool, store, cfg.DispatchInterval, cfg.StaleCheckInterval),
		now:        time.Now,
	}
}

func (m *Manager) NewID() string {
	return uuid.NewString()
}

func (m *Manager) Store() *Store {
	return m.store
}

func (m *Manager) Start(ctx context.Context) {
	m.dispatcher.Start(ctx)
}

// Stop ends dispatching and waits for running pipelines. Jobs still queued
// stay queued in the durable log.
func (m *Manager) Stop() {
	m.dispatcher.Stop()
	m.pool.Wait()
	if n := m.queue.Len(); n > 0 {
		log.Warn("Stopping with %d jobs still queued", n)
	}
}

// Submit registers a job and either queues it or hands it straight to the
// pool. A direct submission that finds the pool busy, or other jobs waiting,
// is queued instead.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	if taskErr := req.normalize(); taskErr != nil {
		return nil, taskErr.WithAdvice()
	}
	if req.ID == "" {
		req.ID = m.NewID()
	}

	status := StatusPending
	message := "starting processing"
	if req.QueueMode {
		status = StatusQueued
		message = "added to transcription queue"
	}

	job, err := m.store.Create(&Job{
		ID:            req.ID,
		Source:        req.Source,
		SourceKind:    req.SourceKind,
		OriginalName:  req.OriginalName,
		MediaKind:     req.MediaKind,
		Model:         req.Model,
		LanguageMode:  req.LanguageMode,
		Language:      req.Language,
		ExportFormats: req.ExportFormats,
		UserID:        req.UserID,
		Status:        status,
		Stage:         StageUpload,
		Message:       message,
	})
	if err != nil {
		return nil, err
	}

	if !req.QueueMode && m.queue.Len() == 0 {
		err := m.pool.TrySubmit(ctx, job.ID)
		if err == nil {
			return m.snapshot(ctx, job.ID), nil
		}
		if !errors.Is(err, ErrPoolFull) {
			return nil, err
		}
	}

	if job.Status == StatusPending {
		if _, err := m.store.Update(job.ID, Update{Status: StatusQueued, Message: "added to transcription queue"}); err != nil {
			return nil, err
		}
	}
	m.queue.Enqueue(Entry{JobID: job.ID, EnqueuedAt: m.now()})
	m.dispatcher.RefreshPositions()
	log.Info("Job %s queued (%d waiting)", job.ID, m.queue.Len())
	return m.snapshot(ctx, job.ID), nil
}

func (m *Manager) Get(ctx context.Context, id string) (*Job, bool) {
	return m.store.Get(ctx, id)
}

func (m *Manager) QueueStatus() QueueStatus {
	status := QueueStatus{
		QueueSize:     m.queue.Len(),
		ActiveWorkers: m.pool.Active(),
	}
	if next, ok := m.queue.Peek(); ok {
		status.NextJobID = next.JobID
	}
	return status
}

func (m *Manager) snapshot(ctx context.Context, id string) *Job {
	job, _ := m.store.Get(ctx, id)
	return job
}
