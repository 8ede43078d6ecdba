package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDurable struct {
	mu      sync.Mutex
	records map[string]Record
	events  []Event
	failErr error
}

func newMemDurable() *memDurable {
	return &memDurable{records: make(map[string]Record)}
}

func (m *memDurable) SaveRecord(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.records[rec.JobID] = rec
	return nil
}

func (m *memDurable) AppendEvent(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *memDurable) LoadRecord(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *memDurable) eventsFor(id string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret := make([]Event, 0)
	for _, ev := range m.events {
		if ev.JobID == id {
			ret = append(ret, ev)
		}
	}
	return ret
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestJob(id string) *Job {
	return &Job{
		ID:            id,
		Source:        Source{Path: "/tmp/" + id + ".mp3"},
		SourceKind:    SourceUpload,
		OriginalName:  "talk.mp3",
		MediaKind:     MediaAudio,
		Model:         "base",
		LanguageMode:  LanguageAuto,
		ExportFormats: []string{"pdf"},
	}
}

func createProcessing(t *testing.T, s *Store, id string) {
	t.Helper()
	_, err := s.Create(newTestJob(id))
	require.NoError(t, err)
	_, err = s.Update(id, Update{Status: StatusProcessing})
	require.NoError(t, err)
}

func TestStore_CreateDefaultsAndDuplicate(t *testing.T) {
	durable := newMemDurable()
	s := NewStore(durable)

	job, err := s.Create(newTestJob("a"))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, StageUpload, job.Stage)
	assert.False(t, job.CreatedAt.IsZero())

	_, err = s.Create(newTestJob("a"))
	assert.True(t, errors.Is(err, ErrDuplicateJob))

	events := durable.eventsFor("a")
	require.Len(t, events, 1)
	assert.Equal(t, "task created for file talk.mp3", events[0].Message)
}

func TestStore_ProgressIsMonotonic(t *testing.T) {
	s := NewStore(nil)
	createProcessing(t, s, "a")

	steps := []int{10, 35, 20, 50, 40, 95, 60}
	last := 0
	for _, p := range steps {
		job, err := s.Update("a", Update{Progress: p})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, job.Progress, last)
		last = job.Progress
	}
	assert.Equal(t, 95, last)

	job, err := s.Update("a", Update{Progress: 250})
	require.NoError(t, err)
	assert.Equal(t, ProgressDone, job.Progress)
}

func TestStore_CompleteSuccess(t *testing.T) {
	durable := newMemDurable()
	s := NewStore(durable)
	createProcessing(t, s, "a")

	job, err := s.Complete("a", Outcome{
		Text:             "hello world",
		DetectedLanguage: "en",
		Artifacts:        map[string]string{"pdf": "transcript_talk.pdf"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, ProgressDone, job.Progress)
	assert.Equal(t, "hello world", job.Text)
	assert.Empty(t, job.Error)
	require.NotNil(t, job.ETASeconds)
	assert.Equal(t, 0, *job.ETASeconds)
	require.NotNil(t, job.CompletedAt)

	rec, err := durable.LoadRecord(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, "en", rec.DetectedLanguage)
}

func TestStore_CompleteEmptyTextFails(t *testing.T) {
	s := NewStore(nil)
	createProcessing(t, s, "a")

	job, err := s.Complete("a", Outcome{Text: ""})
	require.NoError(t, err)
	assert.Equal(t, StatusError, job.Status)
	assert.Equal(t, KindTranscription, job.ErrorKind)
	assert.Empty(t, job.Text)
	assert.NotEmpty(t, job.Error)
}

func TestStore_ExactlyOneOfTextAndError(t *testing.T) {
	s := NewStore(nil)
	createProcessing(t, s, "ok")
	createProcessing(t, s, "bad")

	okJob, err := s.Complete("ok", Outcome{Text: "fine"})
	require.NoError(t, err)
	badJob, err := s.Complete("bad", Failed(NewTaskError(KindDecode, "no audio stream", nil)))
	require.NoError(t, err)

	for _, job := range []*Job{okJob, badJob} {
		assert.True(t, (job.Text == "") != (job.Error == ""), "job %s", job.ID)
	}
	assert.Equal(t, "no audio stream", badJob.Error)
	assert.Equal(t, KindDecode, badJob.ErrorKind)
}

func TestStore_TerminalIsFinal(t *testing.T) {
	s := NewStore(nil)
	createProcessing(t, s, "a")
	_, err := s.Complete("a", Outcome{Text: "done"})
	require.NoError(t, err)

	_, err = s.Update("a", Update{Progress: 50, Message: "late"})
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = s.Complete("a", Failed(NewTaskError(KindTimeout, TimeoutMessage, nil)))
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	job, ok := s.Get(context.Background(), "a")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, job.Status)
}

func TestStore_RejectsInvalidTransitions(t *testing.T) {
	s := NewStore(nil)
	_, err := s.Create(newTestJob("a"))
	require.NoError(t, err)

	_, err = s.Update("a", Update{Status: StatusCompleted})
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = s.Complete("a", Outcome{Text: "too early"})
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = s.Update("a", Update{Status: StatusQueued})
	require.NoError(t, err)
	_, err = s.Update("a", Update{Status: StatusPending})
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = s.Update("missing", Update{Progress: 5})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_ProcessingSetsStartedAndClearsPosition(t *testing.T) {
	s := NewStore(nil)
	job := newTestJob("a")
	job.Status = StatusQueued
	_, err := s.Create(job)
	require.NoError(t, err)

	s.SetQueuePositions(map[string]string{"a": "1/1"})
	got, _ := s.Get(context.Background(), "a")
	assert.Equal(t, "1/1", got.QueuePosition)

	got, err = s.Update("a", Update{Status: StatusProcessing})
	require.NoError(t, err)
	assert.Empty(t, got.QueuePosition)
	assert.NotNil(t, got.StartedAt)
}

func TestStore_GetTimesOutStaleProcessingJob(t *testing.T) {
	clock := newFakeClock()
	durable := newMemDurable()
	s := NewStore(durable, WithTimeout(time.Hour), WithClock(clock.Now))
	createProcessing(t, s, "a")

	clock.Advance(59 * time.Minute)
	job, ok := s.Get(context.Background(), "a")
	require.True(t, ok)
	assert.Equal(t, StatusProcessing, job.Status)

	clock.Advance(2 * time.Minute)
	job, ok = s.Get(context.Background(), "a")
	require.True(t, ok)
	assert.Equal(t, StatusError, job.Status)
	assert.Equal(t, TimeoutMessage, job.Error)
	assert.Equal(t, KindTimeout, job.ErrorKind)

	rec, err := durable.LoadRecord(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, StatusError, rec.Status)
	assert.Equal(t, "TimeoutError", rec.ErrorKind)
}

func TestStore_ExpireStale(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(nil, WithTimeout(time.Minute), WithClock(clock.Now))
	createProcessing(t, s, "stale")
	_, err := s.Create(newTestJob("waiting"))
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, s.ExpireStale())

	job, _ := s.Get(context.Background(), "stale")
	assert.Equal(t, StatusError, job.Status)
	job, _ = s.Get(context.Background(), "waiting")
	assert.Equal(t, StatusPending, job.Status)
}

func TestStore_GetRebuildsEvictedJobFromDurableLog(t *testing.T) {
	clock := newFakeClock()
	durable := newMemDurable()
	s := NewStore(durable, WithClock(clock.Now))
	createProcessing(t, s, "a")
	_, err := s.Complete("a", Outcome{Text: "persisted text", DetectedLanguage: "pt"})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	assert.Equal(t, 1, s.Evict(clock.Now()))
	assert.Empty(t, s.List())

	job, ok := s.Get(context.Background(), "a")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, ProgressDone, job.Progress)
	assert.Equal(t, "persisted text", job.Text)
	assert.Equal(t, "pt", job.DetectedLanguage)

	_, ok = s.Get(context.Background(), "never-existed")
	assert.False(t, ok)
}

func TestStore_GetTimesOutStaleDurableRecord(t *testing.T) {
	clock := newFakeClock()
	durable := newMemDurable()
	require.NoError(t, durable.SaveRecord(context.Background(), Record{
		JobID:     "orphan",
		Status:    StatusProcessing,
		CreatedAt: clock.Now(),
		UpdatedAt: clock.Now(),
	}))
	s := NewStore(durable, WithTimeout(time.Hour), WithClock(clock.Now))

	clock.Advance(2 * time.Hour)
	job, ok := s.Get(context.Background(), "orphan")
	require.True(t, ok)
	assert.Equal(t, StatusError, job.Status)
	assert.Equal(t, TimeoutMessage, job.Error)
}

func TestStore_DurableFailureDoesNotFailUpdates(t *testing.T) {
	durable := newMemDurable()
	durable.failErr = errors.New("disk full")
	s := NewStore(durable)

	createProcessing(t, s, "a")
	job, err := s.Update("a", Update{Progress: 40, Stage: StageLoadModel})
	require.NoError(t, err)
	assert.Equal(t, 40, job.Progress)
}

func TestStore_ActiveIDsAndList(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(nil, WithClock(clock.Now))
	createProcessing(t, s, "first")
	clock.Advance(time.Second)
	createProcessing(t, s, "second")
	_, err := s.Complete("first", Outcome{Text: "x"})
	require.NoError(t, err)

	assert.Equal(t, []string{"second"}, s.ActiveIDs())
	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "first", list[0].ID)
	assert.Equal(t, "second", list[1].ID)
}

func TestStore_ETASecondsRounded(t *testing.T) {
	s := NewStore(nil)
	createProcessing(t, s, "a")

	eta := 90*time.Second + 600*time.Millisecond
	job, err := s.Update("a", Update{ETA: &eta})
	require.NoError(t, err)
	require.NotNil(t, job.ETASeconds)
	assert.Equal(t, 91, *job.ETASeconds)
}

func TestTaskError_KindAndAdvice(t *testing.T) {
	cause := errors.New("exit status 1")
	err := NewTaskError(KindModelLoad, "model missing", cause).WithAdvice()

	assert.Equal(t, KindModelLoad, KindOf(err))
	assert.True(t, IsKind(err, KindModelLoad))
	assert.False(t, IsKind(nil, KindModelLoad))
	assert.Contains(t, err.Error(), "[ModelLoadError] model missing: exit status 1")
	assert.Contains(t, Advice(err), "models directory")
	assert.True(t, errors.Is(err, cause))

	assert.Equal(t, KindTimeout, ParseKind("TimeoutError"))
	assert.Equal(t, KindUnknown, ParseKind("nope"))
}
