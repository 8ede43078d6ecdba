package engine

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/MimeLyc/media-transcriber/pkg/log"
	"github.com/abadojack/whatlanggo"
	"github.com/cockroachdb/errors"
)

var (
	ErrModelNotFound = errors.New("model file not found")
	ErrNoLanguage    = errors.New("engine reported no language")

	detectedLangRe = regexp.MustCompile(`auto-detected language:\s*([a-z]{2,3})`)
)

// DetectWindowMs is the leading audio window used for language detection.
const DetectWindowMs = 30000

// Model is a loaded, ready to use recognition model.
type Model struct {
	ID        string
	Path      string
	SizeBytes int64
}

type Transcript struct {
	Text     string
	Language string
}

type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	ret := commandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		ret.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			ret.ExitCode = exitErr.ExitCode()
		}
		return ret, err
	}
	return ret, nil
}

type Options struct {
	Bin       string
	ModelsDir string
	Threads   int
}

// Whisper drives the whisper.cpp command line tool.
type Whisper struct {
	bin       string
	modelsDir string
	threads   int
	runner    commandRunner
}

func NewWhisper(opts Options) *Whisper {
	if opts.Bin == "" {
		opts.Bin = "whisper-cli"
	}
	if opts.Threads <= 0 {
		opts.Threads = 4
	}
	return &Whisper{
		bin:       opts.Bin,
		modelsDir: opts.ModelsDir,
		threads:   opts.Threads,
		runner:    execRunner{},
	}
}

// LoadModel resolves id to its weights file and checks it is usable.
func (w *Whisper) LoadModel(_ context.Context, id string) (*Model, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return nil, errors.Newf("invalid model id %q", id)
	}
	path := ModelFile(w.modelsDir, id)
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(ErrModelNotFound, "%s: %v", path, err)
	}
	if info.IsDir() || info.Size() == 0 {
		return nil, errors.Wrapf(ErrModelNotFound, "%s is empty", path)
	}
	log.Info("Loaded model %s from %s (%d bytes)", id, path, info.Size())
	return &Model{ID: id, Path: path, SizeBytes: info.Size()}, nil
}

// DetectLanguage runs detection over the leading window of audio.
func (w *Whisper) DetectLanguage(ctx context.Context, m *Model, audio string) (string, error) {
	res, err := w.runner.Run(ctx, w.bin, w.detectArgs(m, audio)...)
	if err != nil {
		return "", errors.Wrapf(err, "whisper language detection (exit %d): %s", res.ExitCode, tail(res.Stderr))
	}
	lang := parseDetectedLanguage(res.Stdout + "\n" + res.Stderr)
	if lang == "" {
		return "", ErrNoLanguage
	}
	return lang, nil
}

// Transcribe always transcribes (never translates). An empty language lets
// the engine pick one.
func (w *Whisper) Transcribe(ctx context.Context, m *Model, audio, language string) (Transcript, error) {
	base := strings.TrimSuffix(audio, filepath.Ext(audio))
	res, err := w.runner.Run(ctx, w.bin, w.transcribeArgs(m, audio, base, language)...)
	if err != nil {
		return Transcript{}, errors.Wrapf(err, "whisper transcription (exit %d): %s", res.ExitCode, tail(res.Stderr))
	}

	txtPath := base + ".txt"
	raw, err := os.ReadFile(txtPath)
	if err != nil {
		return Transcript{}, errors.Wrap(err, "whisper completed but transcript file is missing")
	}
	if rmErr := os.Remove(txtPath); rmErr != nil {
		log.Warn("Failed to remove %s: %v", txtPath, rmErr)
	}

	text := normalizeText(string(raw))
	ret := Transcript{Text: text, Language: language}
	if ret.Language == "" {
		ret.Language = parseDetectedLanguage(res.Stdout + "\n" + res.Stderr)
	}
	if ret.Language == "" && text != "" {
		ret.Language = IdentifyLanguage(text)
	}
	return ret, nil
}

// IdentifyLanguage guesses the ISO 639-1 code of text. Empty when unsure.
func IdentifyLanguage(text string) string {
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return ""
	}
	return info.Lang.Iso6391()
}

func (w *Whisper) detectArgs(m *Model, audio string) []string {
	return []string{
		"-m", m.Path,
		"-f", audio,
		"-dl",
		"-d", strconv.Itoa(DetectWindowMs),
		"-t", strconv.Itoa(w.threads),
	}
}

func (w *Whisper) transcribeArgs(m *Model, audio, base, language string) []string {
	args := []string{
		"-m", m.Path,
		"-f", audio,
		"-of", base,
		"-otxt",
		"-t", strconv.Itoa(w.threads),
	}
	if lang := normalizeLanguage(language); lang != "" {
		args = append(args, "-l", lang)
	}
	return args
}

func parseDetectedLanguage(output string) string {
	m := detectedLangRe.FindStringSubmatch(output)
	if m == nil {
		return ""
	}
	return m[1]
}

// normalizeLanguage maps "auto" and empty to no override.
func normalizeLanguage(raw string) string {
	lang := strings.TrimSpace(raw)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return ""
	}
	return lang
}

// normalizeText joins the per-segment lines whisper writes into one text.
func normalizeText(raw string) string {
	lines := strings.Split(raw, "\n")
	parts := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, " ")
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 300 {
		return s[len(s)-300:]
	}
	return s
}
