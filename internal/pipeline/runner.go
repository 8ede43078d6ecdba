package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/MimeLyc/media-transcriber/internal/engine"
	"github.com/MimeLyc/media-transcriber/internal/export"
	"github.com/MimeLyc/media-transcriber/internal/fetcher"
	"github.com/MimeLyc/media-transcriber/internal/jobs"
	"github.com/MimeLyc/media-transcriber/internal/media"
	"github.com/MimeLyc/media-transcriber/pkg/file"
	"github.com/MimeLyc/media-transcriber/pkg/log"
)

type Engine interface {
	DetectLanguage(ctx context.Context, m *engine.Model, audio string) (string, error)
	Transcribe(ctx context.Context, m *engine.Model, audio, language string) (engine.Transcript, error)
}

type ModelProvider interface {
	Get(ctx context.Context, id string) (*engine.Model, error)
}

type Exporter interface {
	Export(format string, doc export.Document) (string, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, rawURL, dir, id string) (fetcher.Result, error)
}

// FallbackSource supplies the fallback language at run time so settings
// changes apply to the next detection failure.
type FallbackSource interface {
	FallbackLanguage() string
}

type Config struct {
	UploadDir        string
	FallbackLanguage string
	AppVersion       string
}

type Deps struct {
	Decoder  media.Decoder
	Engine   Engine
	Models   ModelProvider
	Exporter Exporter
	Fetcher  Fetcher
	Fallback FallbackSource
}

// Runner executes the transcription stages for one job at a time. It is
// safe for concurrent use by several workers.
type Runner struct {
	cfg  Config
	deps Deps
	now  func() time.Time
}

var _ jobs.Executor = (*Runner)(nil)

func NewRunner(cfg Config, deps Deps) *Runner {
	return &Runner{cfg: cfg, deps: deps, now: time.Now}
}

// result is the value of a stage or the classified reason it failed.
type result[T any] struct {
	val T
	err *jobs.TaskError
}

func ok[T any](v T) result[T] {
	return result[T]{val: v}
}

func fail[T any](err *jobs.TaskError) result[T] {
	return result[T]{err: err}
}

// run carries per-job state between stages.
type run struct {
	job      *jobs.Job
	reporter jobs.Reporter
	started  time.Time
	name     string
	estimate time.Duration
}

func (r *Runner) Execute(ctx context.Context, job *jobs.Job, reporter jobs.Reporter) jobs.Outcome {
	st := &run{
		job:      job,
		reporter: reporter,
		started:  r.now(),
		name:     job.OriginalName,
	}

	src := r.upload(ctx, st)
	if src.err != nil {
		return jobs.Failed(src.err)
	}
	audio := r.extract(ctx, st, src.val, media.ExtractOptions{})
	if audio.err != nil {
		return jobs.Failed(audio.err)
	}
	checked := r.validate(ctx, st, src.val, audio.val)
	if checked.err != nil {
		return jobs.Failed(checked.err)
	}
	model := r.loadModel(ctx, st)
	if model.err != nil {
		return jobs.Failed(model.err)
	}
	lang := r.language(ctx, st, model.val, checked.val)
	if lang.err != nil {
		return jobs.Failed(lang.err)
	}
	transcript := r.transcribe(ctx, st, model.val, checked.val, lang.val)
	if transcript.err != nil {
		return jobs.Failed(transcript.err)
	}
	return r.finish(st, transcript.val)
}

// Cleanup removes every temporary file named after the job.
func (r *Runner) Cleanup(job *jobs.Job) {
	failed, err := file.RemoveMatching(r.cfg.UploadDir, job.ID)
	if err != nil {
		log.Warn("Failed to clean up files of job %s: %v", job.ID, err)
		return
	}
	for _, path := range failed {
		log.Warn("Failed to remove temporary file %s", path)
	}
}

func (r *Runner) report(st *run, progress int, stage jobs.Stage, message string) {
	u := jobs.Update{Progress: progress, Stage: stage, Message: message}
	if st.estimate > 0 {
		eta := Remaining(st.estimate, r.now().Sub(st.started))
		u.ETA = &eta
	}
	r.send(st, u)
}

func (r *Runner) send(st *run, u jobs.Update) {
	if err := st.reporter.Report(st.job.ID, u); err != nil {
		log.Warn("Progress update for job %s rejected: %v", st.job.ID, err)
	}
}

func (r *Runner) upload(ctx context.Context, st *run) result[string] {
	src := st.job.Source
	if !src.Remote() {
		return ok(src.Path)
	}

	r.report(st, jobs.ProgressFetch, jobs.StageUpload, "downloading remote media")
	if r.deps.Fetcher == nil {
		return fail[string](jobs.NewTaskError(jobs.KindInput, "remote sources are not supported", nil))
	}
	res, err := r.deps.Fetcher.Fetch(ctx, src.URL, r.cfg.UploadDir, st.job.ID)
	if err != nil {
		return fail[string](jobs.NewTaskError(jobs.KindInput, "could not download the media from the URL", err))
	}
	if res.Title != "" {
		st.name = res.Title
		r.send(st, jobs.Update{Title: res.Title})
	}
	return ok(res.Path)
}

func (r *Runner) extract(ctx context.Context, st *run, src string, opts media.ExtractOptions) result[string] {
	if st.job.MediaKind != jobs.MediaVideo {
		r.report(st, jobs.ProgressAudioReceived, jobs.StageUpload, "audio file received")
		return ok(src)
	}

	r.report(st, jobs.ProgressExtractStart, jobs.StageExtract, "extracting audio from video")
	out := filepath.Join(r.cfg.UploadDir, st.job.ID+".wav")
	if err := r.deps.Decoder.Extract(ctx, src, out, opts); err != nil {
		return fail[string](jobs.NewTaskError(jobs.KindDecode, "could not extract audio from the video", err))
	}
	r.report(st, jobs.ProgressExtracted, jobs.StageExtract, "audio extracted")
	return ok(out)
}

type checkedAudio struct {
	path     string
	duration float64
}

// validate probes the audio duration. Transport streams get one more
// extraction restricted to the first audio stream before giving up.
func (r *Runner) validate(ctx context.Context, st *run, src, audio string) result[checkedAudio] {
	r.report(st, jobs.ProgressValidate, jobs.StageValidate, "validating audio")

	duration, err := r.deps.Decoder.Duration(ctx, audio)
	if err != nil && st.job.MediaKind == jobs.MediaVideo && file.Ext(src) == ".ts" {
		log.Warn("Audio of %s failed validation, retrying with the first audio stream: %v", st.job.ID, err)
		retried := r.extract(ctx, st, src, media.ExtractOptions{FirstAudioStream: true})
		if retried.err != nil {
			return fail[checkedAudio](retried.err)
		}
		audio = retried.val
		duration, err = r.deps.Decoder.Duration(ctx, audio)
	}
	if err != nil {
		return fail[checkedAudio](jobs.NewTaskError(jobs.KindDecode, "the audio is invalid or has no duration", err))
	}
	if duration <= 0 {
		return fail[checkedAudio](jobs.NewTaskError(jobs.KindDecode, "the audio is invalid or has no duration", media.ErrNoDuration))
	}

	st.estimate = Estimate(duration, st.job.Model, st.job.MediaKind == jobs.MediaVideo)
	r.send(st, jobs.Update{AudioDuration: duration})
	r.report(st, jobs.ProgressPrepared, jobs.StageValidate,
		fmt.Sprintf("preparing transcription of %s audio", FormatETA(time.Duration(duration*float64(time.Second)))))
	return ok(checkedAudio{path: audio, duration: duration})
}

func (r *Runner) loadModel(ctx context.Context, st *run) result[*engine.Model] {
	r.report(st, jobs.ProgressLoadModel, jobs.StageLoadModel, "loading transcription model")
	m, err := r.deps.Models.Get(ctx, st.job.Model)
	if err != nil {
		return fail[*engine.Model](jobs.TaskErrorf(jobs.KindModelLoad, err, "could not load model %s", st.job.Model))
	}
	return ok(m)
}

// language resolves the transcription language. Detection failures fall
// back to the configured language instead of failing the job.
func (r *Runner) language(ctx context.Context, st *run, m *engine.Model, audio checkedAudio) result[string] {
	if st.job.LanguageMode == jobs.LanguageSpecify {
		r.report(st, jobs.ProgressTranscribe, jobs.StageTranscribe, "transcribing audio")
		return ok(st.job.Language)
	}

	r.report(st, jobs.ProgressDetectLanguage, jobs.StageDetectLanguage, "detecting language")
	lang, err := r.deps.Engine.DetectLanguage(ctx, m, audio.path)
	lang = strings.TrimSpace(lang)
	if err != nil || lang == "" {
		lang = r.fallbackLanguage()
		log.Warn("Language detection failed for job %s, falling back to %q: %v", st.job.ID, lang, err)
		r.report(st, jobs.ProgressDetected, jobs.StageDetectLanguage,
			fmt.Sprintf("language detection failed, using %s", displayLanguage(lang)))
		return ok(lang)
	}
	r.report(st, jobs.ProgressDetected, jobs.StageDetectLanguage, "language detected: "+lang)
	return ok(lang)
}

func (r *Runner) transcribe(ctx context.Context, st *run, m *engine.Model, audio checkedAudio, lang string) result[engine.Transcript] {
	if st.job.LanguageMode != jobs.LanguageSpecify {
		r.report(st, jobs.ProgressDetected, jobs.StageTranscribe, "transcribing audio")
	}
	tr, err := r.deps.Engine.Transcribe(ctx, m, audio.path, lang)
	if err != nil {
		return fail[engine.Transcript](jobs.NewTaskError(jobs.KindTranscription, "transcription failed", err))
	}
	tr.Text = strings.TrimSpace(tr.Text)
	if tr.Text == "" {
		return fail[engine.Transcript](jobs.NewTaskError(jobs.KindTranscription, "engine returned an empty transcript", nil))
	}
	if lang != "" {
		tr.Language = lang
	} else if tr.Language == "" {
		tr.Language = engine.IdentifyLanguage(tr.Text)
	}
	return ok(tr)
}

// finish exports every requested format. Export failures are recorded per
// format and never fail the job.
func (r *Runner) finish(st *run, tr engine.Transcript) jobs.Outcome {
	r.report(st, jobs.ProgressFinish, jobs.StageFinish, "finishing and saving results")

	out := jobs.Outcome{
		Text:             tr.Text,
		DetectedLanguage: tr.Language,
		Artifacts:        make(map[string]string),
	}
	doc := export.Document{
		Text:         tr.Text,
		OriginalName: st.name,
		Language:     tr.Language,
		CreatedAt:    r.now(),
		AppVersion:   r.cfg.AppVersion,
	}
	for _, format := range st.job.ExportFormats {
		name, err := r.deps.Exporter.Export(format, doc)
		if err != nil {
			taskErr := jobs.TaskErrorf(jobs.KindExport, err, "could not export %s", format)
			log.Error("Job %s: %v", st.job.ID, taskErr)
			if out.ExportErrors == nil {
				out.ExportErrors = make(map[string]string)
			}
			out.ExportErrors[format] = err.Error()
			continue
		}
		out.Artifacts[format] = name
	}
	return out
}

func (r *Runner) fallbackLanguage() string {
	if r.deps.Fallback != nil {
		if lang := strings.TrimSpace(r.deps.Fallback.FallbackLanguage()); lang != "" {
			return lang
		}
	}
	return r.cfg.FallbackLanguage
}

func displayLanguage(lang string) string {
	if lang == "" {
		return "engine detection"
	}
	return lang
}
