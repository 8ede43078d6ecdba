package export

import (
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/fumiama/go-docx"
)

// DOCX writes an A4 Word document with the default theme.
type DOCX struct{}

func (DOCX) Format() string { return "docx" }
func (DOCX) ContentType() string {
	return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
}

func (DOCX) Write(w io.Writer, doc Document) error {
	d := docx.New().WithDefaultTheme()

	// sizes are half points
	d.AddParagraph().Justification("center").AddText("Transcript").Bold().Size("32")
	for _, line := range header(doc) {
		d.AddParagraph().AddText(line)
	}
	d.AddParagraph().AddText(strings.Repeat("_", 50))
	for _, p := range strings.Split(doc.Text, "\n\n") {
		d.AddParagraph().AddText(p)
	}
	d.AddParagraph().Justification("center").AddText(footer(doc)).Italic().Size("16")

	// appends the section properties, so it goes last
	d.WithA4Page()

	if _, err := d.WriteTo(w); err != nil {
		return errors.Wrap(err, "write docx")
	}
	return nil
}
