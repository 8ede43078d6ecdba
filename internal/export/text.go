package export

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"unicode"
)

const ruleWidth = 80

type TXT struct{}

func (TXT) Format() string      { return "txt" }
func (TXT) ContentType() string { return "text/plain; charset=utf-8" }

func (TXT) Write(w io.Writer, doc Document) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "TRANSCRIPT\n==========\n\n")
	for _, line := range header(doc) {
		fmt.Fprintln(bw, line)
	}
	rule := strings.Repeat("-", ruleWidth)
	fmt.Fprintf(bw, "\n%s\n\n", rule)
	bw.WriteString(doc.Text)
	fmt.Fprintf(bw, "\n\n%s\n%s", rule, footer(doc))
	return bw.Flush()
}

// SRT cues are synthetic: one sentence per cue, cueSeconds apiece.
type SRT struct{}

const cueSeconds = 3

func (SRT) Format() string      { return "srt" }
func (SRT) ContentType() string { return "application/x-subrip; charset=utf-8" }

func (SRT) Write(w io.Writer, doc Document) error {
	bw := bufio.NewWriter(w)
	for i, sentence := range SplitSentences(doc.Text) {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		n := i + 1
		fmt.Fprintf(bw, "%d\n%s --> %s\n%s\n\n",
			n, srtTime((n-1)*cueSeconds), srtTime(n*cueSeconds), sentence)
	}
	return bw.Flush()
}

// SplitSentences splits after '.', '!' or '?' when followed by whitespace.
// The whitespace run is dropped.
func SplitSentences(text string) []string {
	runes := []rune(text)
	ret := make([]string, 0)
	start := 0
	for i := 0; i < len(runes); i++ {
		if !unicode.IsSpace(runes[i]) || i == 0 {
			continue
		}
		switch runes[i-1] {
		case '.', '!', '?':
		default:
			continue
		}
		end := i
		for i < len(runes) && unicode.IsSpace(runes[i]) {
			i++
		}
		ret = append(ret, string(runes[start:end]))
		start = i
		i--
	}
	return append(ret, string(runes[start:]))
}

func srtTime(seconds int) string {
	return fmt.Sprintf("%02d:%02d:%02d,%03d", seconds/3600, seconds%3600/60, seconds%60, 0)
}
