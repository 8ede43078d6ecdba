package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MimeLyc/media-transcriber/internal/config"
	"github.com/MimeLyc/media-transcriber/internal/export"
	"github.com/MimeLyc/media-transcriber/internal/jobs"
	"github.com/MimeLyc/media-transcriber/internal/persistence"
	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeJobs struct {
	mu        sync.Mutex
	submitted []jobs.SubmitRequest
	jobs      map[string]*jobs.Job
	submitErr error
	nextID    int
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: make(map[string]*jobs.Job)}
}

func (f *fakeJobs) NewID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return "job-" + string(rune('0'+f.nextID))
}

func (f *fakeJobs) Submit(_ context.Context, req jobs.SubmitRequest) (*jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted = append(f.submitted, req)
	job := &jobs.Job{
		ID:            req.ID,
		OriginalName:  req.OriginalName,
		Model:         req.Model,
		ExportFormats: req.ExportFormats,
		Status:        jobs.StatusQueued,
		QueuePosition: "1/1",
	}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeJobs) Get(_ context.Context, id string) (*jobs.Job, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, false
	}
	tmp := *job
	return &tmp, true
}

func (f *fakeJobs) QueueStatus() jobs.QueueStatus {
	return jobs.QueueStatus{QueueSize: 2, NextJobID: "job-9", ActiveWorkers: 1}
}

type fakeSettingsStore struct {
	current   config.RuntimeSettings
	updateErr error
}

func (f *fakeSettingsStore) GetRuntimeSettings() (config.RuntimeSettings, error) {
	return f.current, nil
}

func (f *fakeSettingsStore) UpdateRuntimeSettings(next config.RuntimeSettings) (config.RuntimeSettings, error) {
	if f.updateErr != nil {
		return config.RuntimeSettings{}, f.updateErr
	}
	f.current = next
	return f.current, nil
}

type fakeHistory struct {
	filter persistence.HistoryFilter
	events []jobs.Event
}

func (f *fakeHistory) ListRecords(_ context.Context, filter persistence.HistoryFilter) ([]jobs.Record, error) {
	f.filter = filter
	return []jobs.Record{{JobID: "job-1", Status: jobs.StatusCompleted, OriginalName: "talk.mp3"}}, nil
}

func (f *fakeHistory) ListEvents(context.Context, string) ([]jobs.Event, error) {
	return f.events, nil
}

type fakeModels []string

func (f fakeModels) Loaded() []string { return f }

func defaultSettings() *fakeSettingsStore {
	return &fakeSettingsStore{current: config.RuntimeSettings{
		DefaultModel:         "base",
		DefaultExportFormats: []string{"txt"},
		FallbackLanguage:     "pt",
	}}
}

func newTestServer(t *testing.T, svc *fakeJobs, opts ...Option) (*Server, string) {
	t.Helper()
	uploadDir := filepath.Join(t.TempDir(), "uploads")
	base := []Option{
		WithUploads(uploadDir, 1<<20),
		WithRuntimeSettingsStore(defaultSettings()),
	}
	return NewServer(svc, append(base, opts...)...), uploadDir
}

type formFile struct {
	name    string
	content []byte
}

func multipartRequest(t *testing.T, fields map[string]string, f *formFile) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if f != nil {
		part, err := w.CreateFormFile("file", f.name)
		require.NoError(t, err)
		_, err = part.Write(f.content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/transcriptions", body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func mp3Bytes() []byte {
	return append([]byte("ID3\x03\x00\x00\x00\x00\x00\x00"), bytes.Repeat([]byte{0}, 64)...)
}

// streamRecorder adds the CloseNotify gin needs to stream.
type streamRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool, 1)}
}

func (r *streamRecorder) CloseNotify() <-chan bool {
	return r.closed
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestServer_SubmitUpload(t *testing.T) {
	svc := newFakeJobs()
	srv, uploadDir := newTestServer(t, svc)

	req := multipartRequest(t, map[string]string{
		"model":          "small",
		"language_mode":  "specify",
		"language":       "pt-BR",
		"queue_mode":     "true",
		"export_formats": "srt,docx",
	}, &formFile{name: "Talk.MP3", content: mp3Bytes()})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "job-1", resp.JobID)
	assert.Equal(t, jobs.StatusQueued, resp.Status)
	assert.Equal(t, "1/1", resp.QueuePosition)

	require.Len(t, svc.submitted, 1)
	got := svc.submitted[0]
	assert.Equal(t, filepath.Join(uploadDir, "job-1.mp3"), got.Source.Path)
	assert.Equal(t, jobs.SourceUpload, got.SourceKind)
	assert.Equal(t, jobs.MediaAudio, got.MediaKind)
	assert.Equal(t, "Talk.MP3", got.OriginalName)
	assert.Equal(t, "small", got.Model)
	assert.Equal(t, "pt", got.Language)
	assert.True(t, got.QueueMode)
	assert.Equal(t, []string{"srt", "docx"}, got.ExportFormats)
	assert.NotEmpty(t, got.UserID)
	assert.FileExists(t, got.Source.Path)
}

func TestServer_SubmitUsesRuntimeDefaults(t *testing.T) {
	svc := newFakeJobs()
	srv, _ := newTestServer(t, svc)

	req := multipartRequest(t, nil, &formFile{name: "clip.mp3", content: mp3Bytes()})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, svc.submitted, 1)
	assert.Equal(t, "base", svc.submitted[0].Model)
	assert.Equal(t, []string{"txt"}, svc.submitted[0].ExportFormats)
	assert.False(t, svc.submitted[0].QueueMode)
}

func TestServer_SubmitRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
		file   *formFile
	}{
		{name: "nothing"},
		{name: "extension", file: &formFile{name: "notes.txt", content: []byte("hello")}},
		{name: "empty file", file: &formFile{name: "empty.wav"}},
		{name: "content is text", file: &formFile{name: "fake.mp3", content: []byte("just some plain text, not audio at all")}},
		{name: "unknown model", fields: map[string]string{"model": "gigantic"}, file: &formFile{name: "a.mp3", content: mp3Bytes()}},
		{name: "bad language", fields: map[string]string{"language_mode": "specify", "language": "!!"}, file: &formFile{name: "a.mp3", content: mp3Bytes()}},
		{name: "bad queue mode", fields: map[string]string{"queue_mode": "maybe"}, file: &formFile{name: "a.mp3", content: mp3Bytes()}},
		{name: "bad url", fields: map[string]string{"url": "ftp://example.com/a.mp3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeJobs()
			srv, uploadDir := newTestServer(t, svc)

			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, multipartRequest(t, tt.fields, tt.file))

			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			resp := decodeError(t, rec)
			assert.Equal(t, "InputError", resp.ErrorKind)
			assert.NotEmpty(t, resp.Error)
			assert.Empty(t, svc.submitted)

			entries, _ := os.ReadDir(uploadDir)
			assert.Empty(t, entries, "rejected uploads must not be stored")
		})
	}
}

func TestServer_SubmitTooLarge(t *testing.T) {
	svc := newFakeJobs()
	uploadDir := filepath.Join(t.TempDir(), "small")
	srv, _ := newTestServer(t, svc, WithUploads(uploadDir, 1024))

	big := append(mp3Bytes(), bytes.Repeat([]byte{0}, 4096)...)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, multipartRequest(t, nil, &formFile{name: "long.mp3", content: big}))

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())
	resp := decodeError(t, rec)
	assert.Equal(t, "InputError", resp.ErrorKind)
	assert.Equal(t, "the file exceeds the 1.0 KiB upload limit", resp.Error)
	assert.Empty(t, svc.submitted)
	entries, _ := os.ReadDir(uploadDir)
	assert.Empty(t, entries)
}

func TestServer_SubmitURL(t *testing.T) {
	svc := newFakeJobs()
	srv, _ := newTestServer(t, svc)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, multipartRequest(t, map[string]string{"url": "https://youtu.be/abc123"}, nil))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, multipartRequest(t, map[string]string{"url": "https://media.example.com/episode.mp3"}, nil))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Len(t, svc.submitted, 2)
	assert.Equal(t, jobs.SourceYouTube, svc.submitted[0].SourceKind)
	assert.Equal(t, "https://youtu.be/abc123", svc.submitted[0].Source.URL)
	assert.Equal(t, jobs.SourceURL, svc.submitted[1].SourceKind)
	assert.Equal(t, jobs.MediaVideo, svc.submitted[1].MediaKind)
}

func TestServer_SubmitFailureRemovesUpload(t *testing.T) {
	svc := newFakeJobs()
	svc.submitErr = jobs.NewTaskError(jobs.KindPersistence, "could not record the job", errors.New("disk full")).WithAdvice()
	srv, uploadDir := newTestServer(t, svc)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, multipartRequest(t, nil, &formFile{name: "a.mp3", content: mp3Bytes()}))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "PersistenceError", resp.ErrorKind)
	assert.Equal(t, "could not record the job", resp.Error)
	assert.NotEmpty(t, resp.Advice)
	assert.NoFileExists(t, filepath.Join(uploadDir, "job-1.mp3"))
}

func TestServer_SubmitRateLimited(t *testing.T) {
	svc := newFakeJobs()
	srv, _ := newTestServer(t, svc, WithSubmitRate(1))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, multipartRequest(t, map[string]string{"url": "https://example.com/a"}, nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, multipartRequest(t, map[string]string{"url": "https://example.com/b"}, nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestServer_GetJob(t *testing.T) {
	svc := newFakeJobs()
	eta := 75
	svc.jobs["done"] = &jobs.Job{ID: "done", Status: jobs.StatusCompleted, Progress: 100, Stage: jobs.StageFinish, Text: "hi", Artifacts: map[string]string{"txt": "t.txt"}}
	svc.jobs["busy"] = &jobs.Job{ID: "busy", Status: jobs.StatusProcessing, Progress: 50, Stage: jobs.StageTranscribe, ETASeconds: &eta}
	svc.jobs["failed"] = &jobs.Job{ID: "failed", Status: jobs.StatusError, Error: "engine returned an empty transcript", ErrorKind: jobs.KindTranscription}
	srv, _ := newTestServer(t, svc)

	get := func(id string) (*httptest.ResponseRecorder, map[string]any) {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/transcriptions/"+id, nil))
		var body map[string]any
		_ = json.Unmarshal(rec.Body.Bytes(), &body)
		return rec, body
	}

	rec, body := get("done")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "hi", body["text"])
	assert.Equal(t, "Finishing", body["stage_label"])

	_, body = get("busy")
	assert.Equal(t, "1m 15s", body["formatted_eta"])
	assert.EqualValues(t, 75, body["eta_seconds"])

	_, body = get("failed")
	assert.Equal(t, "TranscriptionError", body["error_kind"])

	rec, _ = get("missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_StreamStopsAtTerminalState(t *testing.T) {
	svc := newFakeJobs()
	svc.jobs["done"] = &jobs.Job{ID: "done", Status: jobs.StatusCompleted, Progress: 100}
	srv, _ := newTestServer(t, svc, WithStreamInterval(10*time.Millisecond))

	rec := newStreamRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/transcriptions/done/stream", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/event-stream"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, 1, strings.Count(rec.Body.String(), "event:progress\n"))
	assert.Contains(t, rec.Body.String(), `"status":"completed"`)

	notFound := newStreamRecorder()
	srv.Handler().ServeHTTP(notFound, httptest.NewRequest(http.MethodGet, "/api/transcriptions/nope/stream", nil))
	assert.Equal(t, http.StatusNotFound, notFound.Code)
}

func TestServer_StreamFollowsProgress(t *testing.T) {
	svc := newFakeJobs()
	svc.jobs["busy"] = &jobs.Job{ID: "busy", Status: jobs.StatusProcessing, Progress: 40}
	srv, _ := newTestServer(t, svc, WithStreamInterval(10*time.Millisecond))

	go func() {
		time.Sleep(50 * time.Millisecond)
		svc.mu.Lock()
		svc.jobs["busy"].Status = jobs.StatusCompleted
		svc.jobs["busy"].Progress = 100
		svc.mu.Unlock()
	}()

	rec := newStreamRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/transcriptions/busy/stream", nil))

	body := rec.Body.String()
	assert.GreaterOrEqual(t, strings.Count(body, "event:progress\n"), 2)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(body), `}`))
	assert.Contains(t, body, `"progress":100`)
}

func TestServer_StreamStopsWhenClientLeaves(t *testing.T) {
	svc := newFakeJobs()
	svc.jobs["busy"] = &jobs.Job{ID: "busy", Status: jobs.StatusProcessing, Progress: 10}
	srv, _ := newTestServer(t, svc, WithStreamInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(40*time.Millisecond, cancel)

	rec := newStreamRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		req := httptest.NewRequest(http.MethodGet, "/api/transcriptions/busy/stream", nil).WithContext(ctx)
		srv.Handler().ServeHTTP(rec, req)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after the client left")
	}
	assert.Contains(t, rec.Body.String(), `"progress":10`)
}

func TestServer_HistoryAndEvents(t *testing.T) {
	svc := newFakeJobs()
	svc.jobs["job-1"] = &jobs.Job{ID: "job-1", Status: jobs.StatusCompleted}
	history := &fakeHistory{events: []jobs.Event{{JobID: "job-1", Status: jobs.StatusQueued, Step: "upload"}}}
	srv, _ := newTestServer(t, svc, WithHistory(history))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/transcriptions?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, history.filter.Limit)
	assert.NotEmpty(t, history.filter.UserID, "history is scoped to the session user")
	assert.Contains(t, rec.Body.String(), `"original_name":"talk.mp3"`)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/transcriptions?all=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, history.filter.UserID)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/transcriptions/job-1/events", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"step":"upload"`)

	history.events = nil
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/transcriptions/ghost/events", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Exports(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "txt"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "txt", "transcript_talk.txt"), []byte("TRANSCRIPT"), 0o644))
	srv, _ := newTestServer(t, newFakeJobs(), WithExports(export.NewRegistry(dir)))

	tests := []struct {
		path string
		code int
	}{
		{"/api/exports/txt/transcript_talk.txt", http.StatusOK},
		{"/api/exports/txt/missing.txt", http.StatusNotFound},
		{"/api/exports/odt/transcript_talk.txt", http.StatusBadRequest},
		{"/api/exports/txt/..secret", http.StatusBadRequest},
		{"/api/exports/txt/a%5Cb.txt", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		assert.Equal(t, tt.code, rec.Code, tt.path)
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/exports/txt/transcript_talk.txt", nil))
	assert.Equal(t, "TRANSCRIPT", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "transcript_talk.txt")
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
}

func TestServer_ExportContentTypeFollowsExporter(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "docx"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docx", "transcript_talk.docx"), []byte("PK"), 0o644))
	srv, _ := newTestServer(t, newFakeJobs(), WithExports(export.NewRegistry(dir)))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/exports/docx/transcript_talk.docx", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, export.DOCX{}.ContentType(), rec.Header().Get("Content-Type"))
}

func TestServer_ListExports(t *testing.T) {
	dir := t.TempDir()
	registry := export.NewRegistry(dir)
	doc := export.Document{Text: "Hello there.", OriginalName: "my talk.mp3"}
	name, err := registry.Export("txt", doc)
	require.NoError(t, err)
	srv, _ := newTestServer(t, newFakeJobs(), WithExports(registry))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/exports/txt", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var files []exportFileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &files))
	require.Len(t, files, 1)
	assert.Equal(t, name, files[0].Filename)
	assert.Positive(t, files[0].Size)
	assert.False(t, files[0].CreatedAt.IsZero())
	assert.Equal(t, "/api/exports/txt/"+url.PathEscape(name), files[0].DownloadURL)

	// the listed URL downloads the file
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, files[0].DownloadURL, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Hello there.")

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/exports/pdf", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/exports/odt", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	bare, _ := newTestServer(t, newFakeJobs())
	rec = httptest.NewRecorder()
	bare.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/exports/txt", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_QueueHealthAndModels(t *testing.T) {
	srv, _ := newTestServer(t, newFakeJobs(), WithModels(fakeModels{"base"}), WithVersion("1.2.3"))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/queue", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var queue jobs.QueueStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &queue))
	assert.Equal(t, jobs.QueueStatus{QueueSize: 2, NextJobID: "job-9", ActiveWorkers: 1}, queue)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "1.2.3", health.Version)
	assert.Equal(t, []string{"base"}, health.LoadedModels)
	assert.Equal(t, 2, health.QueueSize)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var models []modelResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &models))
	require.NotEmpty(t, models)
	assert.Equal(t, "base", models[0].ID)
	assert.True(t, models[0].Loaded)
	assert.False(t, models[1].Loaded)
}

type fakeDB struct{ err error }

func (f fakeDB) Ping(context.Context) error { return f.err }

func TestServer_HealthDatabaseAndJanitor(t *testing.T) {
	get := func(srv *Server) (int, healthResponse) {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
		var health healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
		return rec.Code, health
	}

	srv, _ := newTestServer(t, newFakeJobs(), WithDatabase(fakeDB{}), WithJanitorSchedule("*/15 * * * *"))
	code, health := get(srv)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "ok", health.Database)
	require.NotNil(t, health.Janitor)
	assert.Equal(t, "*/15 * * * *", health.Janitor.Expression)
	assert.True(t, health.Janitor.Next.After(time.Now()))
	assert.Zero(t, health.Janitor.Next.Minute()%15)

	srv, _ = newTestServer(t, newFakeJobs(), WithDatabase(fakeDB{err: errors.New("database is locked")}))
	code, health = get(srv)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "error", health.Database)
	assert.Nil(t, health.Janitor)

	srv, _ = newTestServer(t, newFakeJobs(), WithJanitorSchedule("not a schedule"))
	code, health = get(srv)
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, health.Database)
	assert.Nil(t, health.Janitor)
}

func TestServer_Settings(t *testing.T) {
	store := defaultSettings()
	srv, _ := newTestServer(t, newFakeJobs(), WithRuntimeSettingsStore(store))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/settings", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"default_model":"base"`)

	put := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPut, "/api/settings", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec = put(`{"default_model":"medium","default_export_formats":["pdf","srt"],"fallback_language":"en"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "medium", store.current.DefaultModel)

	rec = put(`{"default_model":"nope","default_export_formats":["pdf"],"fallback_language":"en"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "medium", store.current.DefaultModel)

	rec = put(`not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	store.updateErr = errors.New("read-only file system")
	rec = put(`{"default_model":"base","default_export_formats":["pdf"],"fallback_language":"en"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
