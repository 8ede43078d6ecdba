package jobs

import (
	"slices"
	"strings"
)

var (
	AudioExtensions = []string{".mp3", ".wav", ".m4a", ".ogg", ".flac"}
	VideoExtensions = []string{".mp4", ".mov", ".avi", ".mkv", ".wmv", ".ts"}

	ExportFormats       = []string{"pdf", "txt", "srt", "docx"}
	DefaultExportFormat = "pdf"
)

// KindForExtension classifies a file extension (with dot, any case).
func KindForExtension(ext string) (MediaKind, bool) {
	ext = strings.ToLower(ext)
	switch {
	case slices.Contains(AudioExtensions, ext):
		return MediaAudio, true
	case slices.Contains(VideoExtensions, ext):
		return MediaVideo, true
	default:
		return "", false
	}
}

func IsExportFormat(format string) bool {
	return slices.Contains(ExportFormats, format)
}

// NormalizeExportFormats drops unknown and repeated formats. An empty result
// falls back to the default format.
func NormalizeExportFormats(raw []string) []string {
	ret := make([]string, 0, len(raw))
	for _, f := range raw {
		f = strings.ToLower(strings.TrimSpace(f))
		if !IsExportFormat(f) || slices.Contains(ret, f) {
			continue
		}
		ret = append(ret, f)
	}
	if len(ret) == 0 {
		ret = append(ret, DefaultExportFormat)
	}
	return ret
}

// ParseExportFormats splits a comma separated list and normalizes it.
func ParseExportFormats(csv string) []string {
	return NormalizeExportFormats(strings.Split(csv, ","))
}

type SubmitRequest struct {
	// ID is optional; the manager generates one when empty.
	ID            string
	Source        Source
	SourceKind    SourceKind
	OriginalName  string
	MediaKind     MediaKind
	Model         string
	LanguageMode  LanguageMode
	Language      string
	ExportFormats []string
	UserID        string
	QueueMode     bool
}

func (r *SubmitRequest) normalize() *TaskError {
	if r.Source.Path == "" && r.Source.URL == "" {
		return NewTaskError(KindInput, "a file or a URL is required", nil)
	}
	if r.SourceKind == "" {
		r.SourceKind = SourceUpload
	}
	if r.MediaKind != MediaAudio && r.MediaKind != MediaVideo {
		return TaskErrorf(KindInput, nil, "unsupported media kind %q", r.MediaKind)
	}
	if r.Model == "" {
		return NewTaskError(KindInput, "model is required", nil)
	}
	switch r.LanguageMode {
	case "":
		r.LanguageMode = LanguageAuto
	case LanguageAuto, LanguageSpecify:
	default:
		return TaskErrorf(KindInput, nil, "unsupported language mode %q", r.LanguageMode)
	}
	if r.LanguageMode == LanguageSpecify && strings.TrimSpace(r.Language) == "" {
		return NewTaskError(KindInput, "language is required when language_mode is specify", nil)
	}
	if r.LanguageMode == LanguageAuto {
		r.Language = ""
	}
	r.ExportFormats = NormalizeExportFormats(r.ExportFormats)
	return nil
}
