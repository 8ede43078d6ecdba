package httpapi

import (
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/media-transcriber/internal/engine"
	"github.com/MimeLyc/media-transcriber/internal/fetcher"
	"github.com/MimeLyc/media-transcriber/internal/jobs"
	"github.com/MimeLyc/media-transcriber/internal/persistence"
	"github.com/MimeLyc/media-transcriber/internal/pipeline"
	"github.com/MimeLyc/media-transcriber/pkg/file"
	"github.com/MimeLyc/media-transcriber/pkg/log"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"golang.org/x/text/language"
)

type submitResponse struct {
	JobID         string      `json:"job_id"`
	Status        jobs.Status `json:"status"`
	QueuePosition string      `json:"queue_position,omitempty"`
}

type jobResponse struct {
	ID               string            `json:"id"`
	Status           jobs.Status       `json:"status"`
	Progress         int               `json:"progress"`
	Stage            jobs.Stage        `json:"stage"`
	StageLabel       string            `json:"stage_label"`
	Message          string            `json:"message,omitempty"`
	OriginalName     string            `json:"original_name,omitempty"`
	Model            string            `json:"model,omitempty"`
	QueuePosition    string            `json:"queue_position,omitempty"`
	ETASeconds       *int              `json:"eta_seconds,omitempty"`
	FormattedETA     string            `json:"formatted_eta,omitempty"`
	Text             string            `json:"text,omitempty"`
	DetectedLanguage string            `json:"detected_language,omitempty"`
	Error            string            `json:"error,omitempty"`
	ErrorKind        string            `json:"error_kind,omitempty"`
	Artifacts        map[string]string `json:"artifacts,omitempty"`
	ExportErrors     map[string]string `json:"export_errors,omitempty"`
	AudioDuration    float64           `json:"audio_duration,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

func newJobResponse(job *jobs.Job) jobResponse {
	ret := jobResponse{
		ID:               job.ID,
		Status:           job.Status,
		Progress:         job.Progress,
		Stage:            job.Stage,
		StageLabel:       job.Stage.Label(),
		Message:          job.Message,
		OriginalName:     job.OriginalName,
		Model:            job.Model,
		QueuePosition:    job.QueuePosition,
		ETASeconds:       job.ETASeconds,
		Text:             job.Text,
		DetectedLanguage: job.DetectedLanguage,
		Error:            job.Error,
		Artifacts:        job.Artifacts,
		ExportErrors:     job.ExportErrors,
		AudioDuration:    job.AudioDuration,
		CreatedAt:        job.CreatedAt,
		CompletedAt:      job.CompletedAt,
	}
	if job.ETASeconds != nil {
		ret.FormattedETA = pipeline.FormatETA(time.Duration(*job.ETASeconds) * time.Second)
	}
	if job.Status == jobs.StatusError {
		ret.ErrorKind = job.ErrorKind.String()
	}
	return ret
}

type historyItem struct {
	ID                 string            `json:"id"`
	OriginalName       string            `json:"original_name"`
	MediaKind          jobs.MediaKind    `json:"media_kind"`
	SourceKind         jobs.SourceKind   `json:"source_kind"`
	Model              string            `json:"model"`
	Language           string            `json:"language,omitempty"`
	DetectedLanguage   string            `json:"detected_language,omitempty"`
	Status             jobs.Status       `json:"status"`
	AudioDuration      float64           `json:"audio_duration"`
	ProcessingDuration float64           `json:"processing_duration"`
	Error              string            `json:"error,omitempty"`
	ErrorKind          string            `json:"error_kind,omitempty"`
	Artifacts          map[string]string `json:"artifacts,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
}

func newHistoryItem(rec jobs.Record) historyItem {
	return historyItem{
		ID:                 rec.JobID,
		OriginalName:       rec.OriginalName,
		MediaKind:          rec.MediaKind,
		SourceKind:         rec.SourceKind,
		Model:              rec.Model,
		Language:           rec.Language,
		DetectedLanguage:   rec.DetectedLanguage,
		Status:             rec.Status,
		AudioDuration:      rec.AudioDuration,
		ProcessingDuration: rec.ProcessingDuration,
		Error:              rec.ErrorMessage,
		ErrorKind:          rec.ErrorKind,
		Artifacts:          rec.Artifacts,
		CreatedAt:          rec.CreatedAt,
		CompletedAt:        rec.CompletedAt,
	}
}

func (s *Server) handleSubmit(c *gin.Context) {
	if s.limiter != nil && !s.limiter.Allow() {
		writeError(c, http.StatusTooManyRequests, "too many submissions, try again in a minute")
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUpload)

	req, err := s.parseSubmitForm(c)
	if err != nil {
		writeTaskError(c, err)
		return
	}

	fh, fileErr := c.FormFile("file")
	rawURL := strings.TrimSpace(c.PostForm("url"))
	switch {
	case fileErr == nil:
		err = s.acceptUpload(c, fh, &req)
	case rawURL != "":
		err = acceptURL(rawURL, &req)
	default:
		var maxErr *http.MaxBytesError
		if errors.As(fileErr, &maxErr) {
			err = jobs.TaskErrorf(jobs.KindInput, fileErr, "the file exceeds the %s upload limit", humanize.IBytes(uint64(maxErr.Limit)))
		} else {
			err = jobs.NewTaskError(jobs.KindInput, "a file or a URL is required", nil)
		}
	}
	if err != nil {
		writeTaskError(c, err)
		return
	}

	job, err := s.jobs.Submit(c.Request.Context(), req)
	if err != nil {
		if req.Source.Path != "" {
			_ = os.Remove(req.Source.Path)
		}
		writeTaskError(c, err)
		return
	}
	log.Info("Accepted job %s (%s, model %s, formats %v)", job.ID, job.OriginalName, job.Model, job.ExportFormats)
	c.JSON(http.StatusAccepted, submitResponse{
		JobID:         job.ID,
		Status:        job.Status,
		QueuePosition: job.QueuePosition,
	})
}

// parseSubmitForm reads the options shared by uploads and URLs, falling
// back to the runtime defaults.
func (s *Server) parseSubmitForm(c *gin.Context) (jobs.SubmitRequest, error) {
	req := jobs.SubmitRequest{
		ID:           s.jobs.NewID(),
		Model:        strings.TrimSpace(c.PostForm("model")),
		LanguageMode: jobs.LanguageMode(strings.TrimSpace(c.PostForm("language_mode"))),
		Language:     strings.TrimSpace(c.PostForm("language")),
		UserID:       userID(c),
	}

	var defaults []string
	if s.settings != nil {
		if current, err := s.settings.GetRuntimeSettings(); err == nil {
			if req.Model == "" {
				req.Model = current.DefaultModel
			}
			defaults = current.DefaultExportFormats
		}
	}
	if req.Model == "" {
		req.Model = engine.Catalog[0].ID
	}
	if !engine.Known(req.Model) {
		return req, jobs.TaskErrorf(jobs.KindInput, nil, "unknown model %q, expected one of %v", req.Model, engine.ModelIDs())
	}

	if req.LanguageMode == jobs.LanguageSpecify {
		tag, err := language.Parse(req.Language)
		if err != nil {
			return req, jobs.TaskErrorf(jobs.KindInput, err, "invalid language code %q", req.Language)
		}
		base, _ := tag.Base()
		req.Language = base.String()
	}

	if raw := strings.TrimSpace(c.PostForm("queue_mode")); raw != "" {
		queued, err := strconv.ParseBool(raw)
		if raw == "on" {
			queued, err = true, nil
		}
		if err != nil {
			return req, jobs.TaskErrorf(jobs.KindInput, err, "invalid queue_mode %q", raw)
		}
		req.QueueMode = queued
	}

	formats := make([]string, 0)
	for _, v := range c.PostFormArray("export_formats") {
		formats = append(formats, strings.Split(v, ",")...)
	}
	if strings.TrimSpace(strings.Join(formats, "")) == "" {
		formats = defaults
	}
	req.ExportFormats = jobs.NormalizeExportFormats(formats)
	return req, nil
}

func (s *Server) acceptUpload(c *gin.Context, fh *multipart.FileHeader, req *jobs.SubmitRequest) error {
	name := filepath.Base(fh.Filename)
	ext := file.Ext(name)
	kind, ok := jobs.KindForExtension(ext)
	if !ok {
		return jobs.TaskErrorf(jobs.KindInput, nil, "unsupported file type %q", ext)
	}
	if fh.Size == 0 {
		return jobs.NewTaskError(jobs.KindInput, "the uploaded file is empty", nil)
	}

	f, err := fh.Open()
	if err != nil {
		return jobs.NewTaskError(jobs.KindInput, "could not read the uploaded file", err)
	}
	mtype, err := mimetype.DetectReader(f)
	_ = f.Close()
	if err != nil {
		return jobs.NewTaskError(jobs.KindInput, "could not read the uploaded file", err)
	}
	if !acceptedMIME(mtype) {
		return jobs.TaskErrorf(jobs.KindInput, nil, "the file content (%s) is not audio or video", mtype.String())
	}

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return jobs.NewTaskError(jobs.KindPersistence, "could not store the upload", err)
	}
	dst := filepath.Join(s.uploadDir, req.ID+ext)
	if err := c.SaveUploadedFile(fh, dst); err != nil {
		return jobs.NewTaskError(jobs.KindPersistence, "could not store the upload", err)
	}

	req.Source = jobs.Source{Path: dst}
	req.SourceKind = jobs.SourceUpload
	req.OriginalName = name
	req.MediaKind = kind
	return nil
}

// acceptURL validates a remote source. Downloads are always decoded like
// video since the container yt-dlp picks is not known up front.
func acceptURL(rawURL string, req *jobs.SubmitRequest) error {
	u, err := fetcher.ValidateURL(rawURL)
	if err != nil {
		return jobs.NewTaskError(jobs.KindInput, "the URL must be an http(s) address", err)
	}
	req.Source = jobs.Source{URL: u.String()}
	req.SourceKind = jobs.SourceURL
	if fetcher.IsYouTube(u) {
		req.SourceKind = jobs.SourceYouTube
	}
	req.OriginalName = u.String()
	req.MediaKind = jobs.MediaVideo
	return nil
}

// acceptedMIME allows audio and video content. Undetectable binary content
// is let through for ffmpeg to judge.
func acceptedMIME(m *mimetype.MIME) bool {
	mt := m.String()
	if strings.HasPrefix(mt, "audio/") || strings.HasPrefix(mt, "video/") {
		return true
	}
	return m.Is("application/ogg") || m.Is("application/octet-stream")
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, ok := s.jobs.Get(c.Request.Context(), c.Param("id"))
	if !ok {
		writeError(c, http.StatusNotFound, "job not found")
		return
	}
	c.JSON(http.StatusOK, newJobResponse(job))
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		writeError(c, http.StatusServiceUnavailable, "history is not available")
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	filter := persistence.HistoryFilter{Limit: limit, UserID: userID(c)}
	if c.Query("all") == "true" {
		filter.UserID = ""
	}
	records, err := s.history.ListRecords(c.Request.Context(), filter)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	items := make([]historyItem, 0, len(records))
	for _, rec := range records {
		items = append(items, newHistoryItem(rec))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) handleEvents(c *gin.Context) {
	if s.history == nil {
		writeError(c, http.StatusServiceUnavailable, "history is not available")
		return
	}
	id := c.Param("id")
	events, err := s.history.ListEvents(c.Request.Context(), id)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	if len(events) == 0 {
		if _, ok := s.jobs.Get(c.Request.Context(), id); !ok {
			writeError(c, http.StatusNotFound, "job not found")
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"job_id": id, "events": events})
}
