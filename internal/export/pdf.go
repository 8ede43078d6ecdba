package export

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/cockroachdb/errors"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/font"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/text/encoding/charmap"
)

// A4 portrait in points, origin lower left.
const (
	pageHeight   = 842
	marginLeft   = 50
	marginTop    = 60
	marginBottom = 60
	bodySize     = 11
	lineHeight   = 15
	charsPerLine = 90
)

// DefaultUnicodeFont ships with pdfcpu and is installed into its config dir
// on first use. It covers Latin, Greek and Cyrillic.
const DefaultUnicodeFont = "Roboto-Regular"

var ErrUnsupportedText = errors.New("text cannot be rendered with any installed PDF font")

// PDF sets text in the core Helvetica fonts when WinAnsi can encode it and
// in an embedded TrueType font otherwise.
type PDF struct {
	// UnicodeFonts are pdfcpu user font names tried before the default one
	// and any other installed font.
	UnicodeFonts []string
}

func (PDF) Format() string      { return "pdf" }
func (PDF) ContentType() string { return "application/pdf" }

// InstallPDFFonts points pdfcpu at configDir/pdfcpu and installs the given
// TrueType files (.ttf or .ttc) as user fonts.
func InstallPDFFonts(configDir string, files []string) error {
	for _, f := range files {
		switch filepath.Ext(f) {
		case ".ttf", ".ttc":
		default:
			return errors.Newf("font %s: only .ttf and .ttc files are supported", f)
		}
		if _, err := os.Stat(f); err != nil {
			return errors.Wrapf(err, "font %s", f)
		}
	}
	if err := pdfapi.EnsureDefaultConfigAt(configDir); err != nil {
		return errors.Wrapf(err, "pdfcpu config at %s", configDir)
	}
	if len(files) == 0 {
		return nil
	}
	return errors.Wrap(pdfapi.InstallFonts(files), "install pdf fonts")
}

type pdfFont struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

type pdfText struct {
	Value string  `json:"value"`
	Pos   [2]int  `json:"pos"`
	Font  pdfFont `json:"font"`
}

type pdfContent struct {
	Text []pdfText `json:"text"`
}

type pdfPage struct {
	Content pdfContent `json:"content"`
}

type pdfLayout struct {
	Paper string             `json:"paper"`
	Pages map[string]pdfPage `json:"pages"`
}

// Write lays the document out as pdfcpu JSON and lets pdfcpu build the file.
func (p PDF) Write(w io.Writer, doc Document) error {
	// loads the user fonts the layout picks from
	conf := model.NewDefaultConfiguration()

	layout, err := p.layout(doc)
	if err != nil {
		return err
	}
	data, err := json.Marshal(layout)
	if err != nil {
		return errors.Wrap(err, "encode pdf layout")
	}
	if err := pdfapi.Create(nil, bytes.NewReader(data), w, conf); err != nil {
		return errors.Wrap(err, "pdfcpu create")
	}
	return nil
}

func (p PDF) layout(doc Document) (pdfLayout, error) {
	b := &pageBuilder{pages: make(map[string]pdfPage), footer: footer(doc), pick: p.fontFor}
	b.newPage()

	b.add("Transcript", pdfFont{Name: "Helvetica-Bold", Size: 16}, 24)
	for _, line := range header(doc) {
		b.add(line, pdfFont{Name: "Helvetica-Bold", Size: 12}, 18)
	}
	b.add(strings.Repeat("_", 60), pdfFont{Name: "Helvetica", Size: bodySize}, 24)

	body := pdfFont{Name: "Helvetica", Size: bodySize}
	for _, paragraph := range strings.Split(doc.Text, "\n\n") {
		for _, line := range strings.Split(paragraph, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				b.skip(lineHeight / 2)
				continue
			}
			for _, wrapped := range wrapLine(line, charsPerLine) {
				b.add(wrapped, body, lineHeight)
			}
		}
		b.skip(lineHeight / 3)
	}
	b.flush()
	if b.err != nil {
		return pdfLayout{}, b.err
	}
	return pdfLayout{Paper: "A4", Pages: b.pages}, nil
}

// fontFor keeps the core font when it can encode text and otherwise picks
// the first user font with a glyph for every rune.
func (p PDF) fontFor(text string, core pdfFont) (pdfFont, error) {
	r, ok := firstNonWinAnsi(text)
	if !ok {
		return core, nil
	}
	for _, name := range p.candidates() {
		if userFontCovers(name, text) {
			return pdfFont{Name: name, Size: core.Size}, nil
		}
	}
	return pdfFont{}, errors.Wrapf(ErrUnsupportedText, "no font has a glyph for %q (U+%04X)", r, r)
}

func (p PDF) candidates() []string {
	ret := append([]string(nil), p.UnicodeFonts...)
	if !slices.Contains(ret, DefaultUnicodeFont) {
		ret = append(ret, DefaultUnicodeFont)
	}
	installed := font.UserFontNames()
	sort.Strings(installed)
	for _, name := range installed {
		if !slices.Contains(ret, name) {
			ret = append(ret, name)
		}
	}
	return ret
}

func firstNonWinAnsi(text string) (rune, bool) {
	for _, r := range text {
		if _, ok := charmap.Windows1252.EncodeRune(r); !ok {
			return r, true
		}
	}
	return 0, false
}

func userFontCovers(name, text string) bool {
	font.UserFontMetricsLock.RLock()
	ttf, ok := font.UserFontMetrics[name]
	font.UserFontMetricsLock.RUnlock()
	if !ok {
		return false
	}
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		if _, ok := ttf.Chars[uint32(r)]; !ok {
			return false
		}
	}
	return true
}

type pageBuilder struct {
	pages   map[string]pdfPage
	footer  string
	pick    func(text string, core pdfFont) (pdfFont, error)
	current []pdfText
	n       int
	y       int
	err     error
}

func (b *pageBuilder) newPage() {
	b.n++
	b.current = nil
	b.y = pageHeight - marginTop
}

func (b *pageBuilder) flush() {
	value := b.footer + " - Page " + strconv.Itoa(b.n)
	b.current = append(b.current, pdfText{
		Value: value,
		Pos:   [2]int{marginLeft, marginBottom / 2},
		Font:  b.font(value, pdfFont{Name: "Helvetica-Oblique", Size: 8}),
	})
	b.pages[strconv.Itoa(b.n)] = pdfPage{Content: pdfContent{Text: b.current}}
}

func (b *pageBuilder) add(value string, core pdfFont, advance int) {
	if b.y-advance < marginBottom {
		b.flush()
		b.newPage()
	}
	b.current = append(b.current, pdfText{Value: value, Pos: [2]int{marginLeft, b.y}, Font: b.font(value, core)})
	b.y -= advance
}

// font resolves the font for one line. The first failure sticks.
func (b *pageBuilder) font(value string, core pdfFont) pdfFont {
	if b.pick == nil {
		return core
	}
	f, err := b.pick(value, core)
	if err != nil {
		if b.err == nil {
			b.err = err
		}
		return core
	}
	return f
}

func (b *pageBuilder) skip(advance int) {
	b.y -= advance
}

// wrapLine breaks s at the last space before width runes.
func wrapLine(s string, width int) []string {
	ret := make([]string, 0, 1)
	runes := []rune(s)
	for len(runes) > width {
		cut := width
		for i := width; i > 0; i-- {
			if runes[i] == ' ' {
				cut = i
				break
			}
		}
		ret = append(ret, string(runes[:cut]))
		runes = []rune(strings.TrimLeft(string(runes[cut:]), " "))
	}
	return append(ret, string(runes))
}
