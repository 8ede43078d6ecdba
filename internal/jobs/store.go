package jobs

import (
	"context"
	"time"
)

// DurableLog persists job records and their transition events so that
// terminal results survive eviction and restarts.
type DurableLog interface {
	SaveRecord(ctx context.Context, rec Record) error
	AppendEvent(ctx context.Context, ev Event) error
	// LoadRecord returns ErrNotFound when the job was never recorded.
	LoadRecord(ctx context.Context, jobID string) (Record, error)
}

// Record is the persisted shape of a job.
type Record struct {
	JobID              string
	UserID             string
	OriginalName       string
	MediaKind          MediaKind
	Model              string
	Language           string
	DetectedLanguage   string
	Status             Status
	SourceKind         SourceKind
	AudioDuration      float64
	ProcessingDuration float64
	StartedAt          *time.Time
	CompletedAt        *time.Time
	ErrorMessage       string
	ErrorKind          string
	Text               string
	Artifacts          map[string]string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Event is one audit line of a job's history.
type Event struct {
	JobID     string    `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	Step      string    `json:"step"`
	Message   string    `json:"message"`
}

func recordFromJob(job *Job) Record {
	rec := Record{
		JobID:              job.ID,
		UserID:             job.UserID,
		OriginalName:       job.OriginalName,
		MediaKind:          job.MediaKind,
		Model:              job.Model,
		Language:           job.Language,
		DetectedLanguage:   job.DetectedLanguage,
		Status:             job.Status,
		SourceKind:         job.SourceKind,
		AudioDuration:      job.AudioDuration,
		ProcessingDuration: job.ProcessingDuration().Seconds(),
		StartedAt:          job.StartedAt,
		CompletedAt:        job.CompletedAt,
		ErrorMessage:       job.Error,
		Text:               job.Text,
		Artifacts:          cloneMap(job.Artifacts),
		CreatedAt:          job.CreatedAt,
		UpdatedAt:          job.UpdatedAt,
	}
	if job.Status == StatusError {
		rec.ErrorKind = job.ErrorKind.String()
	}
	return rec
}

// jobFromRecord rebuilds the minimal view of a job that was evicted from
// memory. Live progress history is not recoverable.
func jobFromRecord(rec Record) *Job {
	job := &Job{
		ID:               rec.JobID,
		UserID:           rec.UserID,
		OriginalName:     rec.OriginalName,
		MediaKind:        rec.MediaKind,
		Model:            rec.Model,
		Language:         rec.Language,
		SourceKind:       rec.SourceKind,
		Status:           rec.Status,
		DetectedLanguage: rec.DetectedLanguage,
		Text:             rec.Text,
		Error:            rec.ErrorMessage,
		ErrorKind:        ParseKind(rec.ErrorKind),
		Artifacts:        cloneMap(rec.Artifacts),
		AudioDuration:    rec.AudioDuration,
		CreatedAt:        rec.CreatedAt,
		StartedAt:        rec.StartedAt,
		UpdatedAt:        rec.UpdatedAt,
		CompletedAt:      rec.CompletedAt,
	}
	switch rec.Status {
	case StatusCompleted:
		job.Progress = ProgressDone
		job.Stage = StageFinish
		job.Message = "transcription completed"
	case StatusError:
		job.Stage = StageFinish
		job.Message = "transcription failed"
	}
	return job
}
