package jobs

import (
	"context"
	"time"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusQueued:     true,
		StatusProcessing: true,
		StatusError:      true,
	},
	StatusQueued: {
		StatusProcessing: true,
		StatusError:      true,
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusError:     true,
	},
}

func canTransition(from, to Status) bool {
	if from == to {
		return !from.Terminal()
	}
	return allowedTransitions[from][to]
}

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

type LanguageMode string

const (
	LanguageAuto    LanguageMode = "auto"
	LanguageSpecify LanguageMode = "specify"
)

type SourceKind string

const (
	SourceUpload  SourceKind = "upload"
	SourceYouTube SourceKind = "youtube"
	SourceURL     SourceKind = "url"
)

type Source struct {
	Path string `json:"path,omitempty"`
	URL  string `json:"url,omitempty"`
}

func (s Source) Remote() bool {
	return s.URL != ""
}

type Job struct {
	ID            string       `json:"id"`
	Source        Source       `json:"source"`
	SourceKind    SourceKind   `json:"source_kind"`
	OriginalName  string       `json:"original_name"`
	MediaKind     MediaKind    `json:"media_kind"`
	Model         string       `json:"model"`
	LanguageMode  LanguageMode `json:"language_mode"`
	Language      string       `json:"language,omitempty"`
	ExportFormats []string     `json:"export_formats"`
	UserID        string       `json:"user_id,omitempty"`

	Status           Status            `json:"status"`
	Progress         int               `json:"progress"`
	Stage            Stage             `json:"stage"`
	Message          string            `json:"message,omitempty"`
	QueuePosition    string            `json:"queue_position,omitempty"`
	ETASeconds       *int              `json:"eta_seconds,omitempty"`
	DetectedLanguage string            `json:"detected_language,omitempty"`
	Text             string            `json:"text,omitempty"`
	Error            string            `json:"error,omitempty"`
	ErrorKind        Kind              `json:"-"`
	Artifacts        map[string]string `json:"artifacts,omitempty"`
	ExportErrors     map[string]string `json:"export_errors,omitempty"`
	AudioDuration    float64           `json:"audio_duration,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ProcessingDuration is the wall time between start and completion.
func (j *Job) ProcessingDuration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// Update is a partial progress change. Zero values leave fields untouched.
type Update struct {
	Progress      int
	Stage         Stage
	Message       string
	Status        Status
	ETA           *time.Duration
	Title         string
	AudioDuration float64
}

// Outcome is the terminal result of one pipeline run. Err set means failure.
type Outcome struct {
	Text             string
	DetectedLanguage string
	Artifacts        map[string]string
	ExportErrors     map[string]string
	Err              *TaskError
}

func Failed(err *TaskError) Outcome {
	return Outcome{Err: err}
}

// Reporter receives progress from a running pipeline.
type Reporter interface {
	Report(id string, u Update) error
}

// Executor runs one job end to end. Cleanup always runs after Execute,
// whatever the outcome.
type Executor interface {
	Execute(ctx context.Context, job *Job, reporter Reporter) Outcome
	Cleanup(job *Job)
}

type QueueStatus struct {
	QueueSize     int    `json:"queue_size"`
	NextJobID     string `json:"next_job_id"`
	ActiveWorkers int    `json:"active_workers"`
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	tmp := *job
	tmp.ExportFormats = append([]string(nil), job.ExportFormats...)
	tmp.Artifacts = cloneMap(job.Artifacts)
	tmp.ExportErrors = cloneMap(job.ExportErrors)
	if job.ETASeconds != nil {
		eta := *job.ETASeconds
		tmp.ETASeconds = &eta
	}
	if job.StartedAt != nil {
		at := *job.StartedAt
		tmp.StartedAt = &at
	}
	if job.CompletedAt != nil {
		at := *job.CompletedAt
		tmp.CompletedAt = &at
	}
	return &tmp
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	ret := make(map[string]string, len(m))
	for k, v := range m {
		ret[k] = v
	}
	return ret
}
