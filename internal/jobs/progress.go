package jobs

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/MimeLyc/media-transcriber/pkg/log"
	"github.com/cockroachdb/errors"
)

const (
	DefaultTimeout = time.Hour
	TimeoutMessage = "timeout exceeded"

	persistTimeout = 5 * time.Second
)

// Store is the in-memory progress store. It owns the live copy of every job
// and mirrors each change into the durable log on a best-effort basis.
type Store struct {
	durable DurableLog
	timeout time.Duration
	now     func() time.Time

	mu   sync.RWMutex
	jobs map[string]*Job
}

type StoreOption func(*Store)

func WithTimeout(timeout time.Duration) StoreOption {
	return func(s *Store) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(durable DurableLog, opts ...StoreOption) *Store {
	s := &Store{
		durable: durable,
		timeout: DefaultTimeout,
		now:     time.Now,
		jobs:    make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Timeout() time.Duration {
	return s.timeout
}

func (s *Store) Create(job *Job) (*Job, error) {
	if job == nil || job.ID == "" {
		return nil, errors.New("job id is required")
	}

	now := s.now()
	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; exists {
		s.mu.Unlock()
		return nil, errors.Wrapf(ErrDuplicateJob, "job %s", job.ID)
	}
	stored := cloneJob(job)
	if stored.Status == "" {
		stored.Status = StatusPending
	}
	if stored.Stage == "" {
		stored.Stage = StageUpload
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.jobs[stored.ID] = stored
	snapshot := cloneJob(stored)
	s.mu.Unlock()

	s.saveRecord(snapshot)
	s.appendEvent(snapshot, fmt.Sprintf("task created for file %s", snapshot.OriginalName))
	return snapshot, nil
}

// Update applies a progress change. Progress never moves backwards and
// terminal jobs reject every update.
func (s *Store) Update(id string, u Update) (*Job, error) {
	now := s.now()

	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	if job.Status.Terminal() {
		s.mu.Unlock()
		return nil, errors.Wrapf(ErrInvalidTransition, "job %s is already %s", id, job.Status)
	}

	recordChanged := false
	if u.Status != "" && u.Status != job.Status {
		if u.Status.Terminal() || !canTransition(job.Status, u.Status) {
			s.mu.Unlock()
			return nil, errors.Wrapf(ErrInvalidTransition, "job %s: %s -> %s", id, job.Status, u.Status)
		}
		job.Status = u.Status
		recordChanged = true
		if u.Status == StatusProcessing {
			started := now
			job.StartedAt = &started
			job.QueuePosition = ""
		}
	}
	if u.Progress > job.Progress {
		job.Progress = min(u.Progress, ProgressDone)
	}
	if u.Stage != "" {
		job.Stage = u.Stage
	}
	if u.Message != "" {
		job.Message = u.Message
	}
	if u.ETA != nil {
		secs := etaSeconds(*u.ETA)
		job.ETASeconds = &secs
	}
	if u.Title != "" && u.Title != job.OriginalName {
		job.OriginalName = u.Title
		recordChanged = true
	}
	if u.AudioDuration > 0 {
		job.AudioDuration = u.AudioDuration
		recordChanged = true
	}
	job.UpdatedAt = now
	snapshot := cloneJob(job)
	s.mu.Unlock()

	if recordChanged {
		s.saveRecord(snapshot)
	}
	s.appendEvent(snapshot, snapshot.Message)
	return snapshot, nil
}

// Report lets the store act as the pipeline's progress sink.
func (s *Store) Report(id string, u Update) error {
	_, err := s.Update(id, u)
	return err
}

// Complete moves a job to its terminal state. Exactly one of text and error
// ends up populated.
func (s *Store) Complete(id string, out Outcome) (*Job, error) {
	now := s.now()

	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	if job.Status.Terminal() {
		s.mu.Unlock()
		return nil, errors.Wrapf(ErrInvalidTransition, "job %s is already %s", id, job.Status)
	}

	failure := out.Err
	if failure == nil && out.Text == "" {
		failure = NewTaskError(KindTranscription, "engine returned an empty transcript", nil)
	}
	if failure == nil && job.Status != StatusProcessing {
		s.mu.Unlock()
		return nil, errors.Wrapf(ErrInvalidTransition, "job %s: %s -> %s", id, job.Status, StatusCompleted)
	}

	if failure != nil {
		markFailed(job, failure, now)
	} else {
		job.Status = StatusCompleted
		job.Progress = ProgressDone
		job.Stage = StageFinish
		job.Message = "transcription completed"
		job.Text = out.Text
		job.Error = ""
		if out.DetectedLanguage != "" {
			job.DetectedLanguage = out.DetectedLanguage
		}
	}
	if len(out.Artifacts) > 0 {
		job.Artifacts = cloneMap(out.Artifacts)
	}
	if len(out.ExportErrors) > 0 {
		job.ExportErrors = cloneMap(out.ExportErrors)
	}
	zero := 0
	job.ETASeconds = &zero
	job.QueuePosition = ""
	completed := now
	job.CompletedAt = &completed
	job.UpdatedAt = now
	snapshot := cloneJob(job)
	s.mu.Unlock()

	s.saveRecord(snapshot)
	s.appendEvent(snapshot, snapshot.Message)
	return snapshot, nil
}

// Get returns a snapshot of the job. Stale processing jobs are timed out on
// read, and jobs no longer in memory are rebuilt from the durable log.
func (s *Store) Get(ctx context.Context, id string) (*Job, bool) {
	now := s.now()

	s.mu.Lock()
	job, ok := s.jobs[id]
	if ok {
		expired := s.expireLocked(job, now)
		snapshot := cloneJob(job)
		s.mu.Unlock()
		if expired {
			s.logTimeout(snapshot)
		}
		return snapshot, true
	}
	s.mu.Unlock()

	if s.durable == nil {
		return nil, false
	}
	rec, err := s.durable.LoadRecord(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Error("Failed to load job %s from durable log: %v", id, err)
		}
		return nil, false
	}

	restored := jobFromRecord(rec)
	if !restored.Status.Terminal() && now.Sub(restored.UpdatedAt) > s.timeout {
		markFailed(restored, NewTaskError(KindTimeout, TimeoutMessage, nil), now)
		s.logTimeout(restored)
	}
	return restored, true
}

// ExpireStale times out every processing job that stopped reporting.
func (s *Store) ExpireStale() int {
	now := s.now()

	s.mu.Lock()
	expired := make([]*Job, 0)
	for _, job := range s.jobs {
		if s.expireLocked(job, now) {
			expired = append(expired, cloneJob(job))
		}
	}
	s.mu.Unlock()

	for _, job := range expired {
		s.logTimeout(job)
	}
	return len(expired)
}

func (s *Store) expireLocked(job *Job, now time.Time) bool {
	if job.Status != StatusProcessing || now.Sub(job.UpdatedAt) <= s.timeout {
		return false
	}
	markFailed(job, NewTaskError(KindTimeout, TimeoutMessage, nil), now)
	return true
}

func (s *Store) logTimeout(job *Job) {
	log.Warn("Job %s exceeded timeout of %s, marked as error", job.ID, s.timeout)
	s.saveRecord(job)
	s.appendEvent(job, job.Message)
}

// SetQueuePositions writes position labels for jobs still waiting in line.
func (s *Store) SetQueuePositions(positions map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, label := range positions {
		if job, ok := s.jobs[id]; ok && job.Status == StatusQueued {
			job.QueuePosition = label
		}
	}
}

func (s *Store) List() []*Job {
	s.mu.RLock()
	ret := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		ret = append(ret, cloneJob(job))
	}
	s.mu.RUnlock()

	sort.Slice(ret, func(i, j int) bool {
		return ret[i].CreatedAt.Before(ret[j].CreatedAt)
	})
	return ret
}

// ActiveIDs lists jobs that have not reached a terminal state.
func (s *Store) ActiveIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret := make([]string, 0)
	for id, job := range s.jobs {
		if !job.Status.Terminal() {
			ret = append(ret, id)
		}
	}
	return ret
}

// Evict drops jobs last updated before cutoff. Durable records are kept.
func (s *Store) Evict(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, job := range s.jobs {
		if job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			evicted++
		}
	}
	return evicted
}

func (s *Store) saveRecord(job *Job) {
	if s.durable == nil || job == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.durable.SaveRecord(ctx, recordFromJob(job)); err != nil {
		log.Error("Failed to persist job %s: %v", job.ID, NewTaskError(KindPersistence, "save record", err))
	}
}

func (s *Store) appendEvent(job *Job, message string) {
	if s.durable == nil || job == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	ev := Event{
		JobID:     job.ID,
		Timestamp: job.UpdatedAt,
		Status:    job.Status,
		Progress:  job.Progress,
		Step:      job.Stage.Label(),
		Message:   message,
	}
	if err := s.durable.AppendEvent(ctx, ev); err != nil {
		log.Error("Failed to append event for job %s: %v", job.ID, NewTaskError(KindPersistence, "append event", err))
	}
}

func markFailed(job *Job, failure *TaskError, now time.Time) {
	msg := failure.Message
	if msg == "" {
		msg = failure.Kind.String()
	}
	job.Status = StatusError
	job.Error = msg
	job.ErrorKind = failure.Kind
	job.Text = ""
	job.Message = "error: " + msg
	completed := now
	job.CompletedAt = &completed
	job.UpdatedAt = now
}

func etaSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Round(d.Seconds()))
}
