package export

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/MimeLyc/media-transcriber/pkg/file"
	"github.com/cockroachdb/errors"
)

var ErrUnknownFormat = errors.New("unknown export format")

// Document is what every exporter renders.
type Document struct {
	Text         string
	OriginalName string
	Language     string
	CreatedAt    time.Time
	AppVersion   string
}

// Exporter renders a document in one format.
type Exporter interface {
	Format() string
	ContentType() string
	Write(w io.Writer, doc Document) error
}

// Registry writes exports under dir/<format>/.
type Registry struct {
	dir       string
	exporters map[string]Exporter
}

func NewRegistry(dir string, exporters ...Exporter) *Registry {
	r := &Registry{
		dir:       dir,
		exporters: make(map[string]Exporter),
	}
	if len(exporters) == 0 {
		exporters = []Exporter{TXT{}, SRT{}, PDF{}, DOCX{}}
	}
	for _, e := range exporters {
		r.exporters[e.Format()] = e
	}
	return r
}

func (r *Registry) Formats() []string {
	ret := make([]string, 0, len(r.exporters))
	for f := range r.exporters {
		ret = append(ret, f)
	}
	sort.Strings(ret)
	return ret
}

func (r *Registry) Lookup(format string) (Exporter, bool) {
	e, ok := r.exporters[format]
	return e, ok
}

// ContentType is the media type served for format.
func (r *Registry) ContentType(format string) string {
	if e, ok := r.exporters[format]; ok {
		return e.ContentType()
	}
	return "application/octet-stream"
}

// Artifact is one generated file.
type Artifact struct {
	Name      string
	Size      int64
	CreatedAt time.Time
}

// List returns the files exported in format, newest first. A format that
// was never exported has none.
func (r *Registry) List(format string) ([]Artifact, error) {
	if _, ok := r.exporters[format]; !ok {
		return nil, errors.Wrapf(ErrUnknownFormat, "%q", format)
	}
	entries, err := os.ReadDir(filepath.Join(r.dir, format))
	if errors.Is(err, fs.ErrNotExist) {
		return []Artifact{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "list %s exports", format)
	}
	ret := make([]Artifact, 0, len(entries))
	for _, entry := range entries {
		// skips in-flight temp files
		if strings.HasPrefix(entry.Name(), ".") || !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		ret = append(ret, Artifact{Name: entry.Name(), Size: info.Size(), CreatedAt: info.ModTime()})
	}
	sort.SliceStable(ret, func(i, j int) bool {
		if ret[i].CreatedAt.Equal(ret[j].CreatedAt) {
			return ret[i].Name > ret[j].Name
		}
		return ret[i].CreatedAt.After(ret[j].CreatedAt)
	})
	return ret, nil
}

// Path resolves a previously exported file name.
func (r *Registry) Path(format, name string) string {
	return filepath.Join(r.dir, format, name)
}

// Export renders doc and returns the file name it was written under.
func (r *Registry) Export(format string, doc Document) (string, error) {
	e, ok := r.exporters[format]
	if !ok {
		return "", errors.Wrapf(ErrUnknownFormat, "%q", format)
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}

	dir := filepath.Join(r.dir, format)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create export dir %s", dir)
	}
	name := FileName(doc.OriginalName, format, doc.CreatedAt)

	tmp, err := os.CreateTemp(dir, ".export-*")
	if err != nil {
		return "", errors.Wrap(err, "create temp export file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := e.Write(tmp, doc); err != nil {
		tmp.Close()
		return "", errors.Wrapf(err, "render %s", format)
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrap(err, "close export file")
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return "", errors.Wrap(err, "move export file into place")
	}
	return name, nil
}

// FileName builds transcript_<base>_<YYYYmmdd_HHMMSS>.<ext>.
func FileName(original, ext string, at time.Time) string {
	base := sanitize(file.BaseName(original))
	if base == "" {
		base = "media"
	}
	return fmt.Sprintf("transcript_%s_%s.%s", base, at.Format("20060102_150405"), ext)
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r == '/' || r == '\\' || r == ':' || r < 0x20:
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	ret := strings.Trim(b.String(), ". ")
	return strings.ReplaceAll(ret, "..", "_")
}

func header(doc Document) []string {
	lines := []string{"Original file: " + doc.OriginalName}
	if doc.Language != "" {
		lines = append(lines, "Detected language: "+doc.Language)
	}
	return append(lines, "Date: "+doc.CreatedAt.Format("02/01/2006 15:04:05"))
}

func footer(doc Document) string {
	if doc.AppVersion == "" {
		return "Generated with media-transcriber"
	}
	return "Generated with media-transcriber v" + doc.AppVersion
}
