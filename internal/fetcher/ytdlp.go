package fetcher

import (
	"bufio"
	"bytes"
	"context"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/MimeLyc/media-transcriber/pkg/log"
	"github.com/cockroachdb/errors"
)

var (
	ErrInvalidURL = errors.New("invalid media URL")

	youTubeHosts = []string{"youtube.com", "www.youtube.com", "m.youtube.com", "youtu.be"}
)

// ValidateURL accepts absolute http(s) URLs with a host.
func ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidURL, "%v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Wrapf(ErrInvalidURL, "unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, errors.Wrap(ErrInvalidURL, "missing host")
	}
	return u, nil
}

func IsYouTube(u *url.URL) bool {
	return u != nil && slices.Contains(youTubeHosts, strings.ToLower(u.Hostname()))
}

type Result struct {
	Path  string
	Title string
}

// YtDlp downloads the audio track of remote media with yt-dlp.
type YtDlp struct {
	bin string
}

func NewYtDlp(bin string) *YtDlp {
	if bin == "" {
		bin = "yt-dlp"
	}
	return &YtDlp{bin: bin}
}

// Fetch stores the audio of rawURL as dir/<id>.<ext>.
func (y *YtDlp) Fetch(ctx context.Context, rawURL, dir, id string) (Result, error) {
	if _, err := ValidateURL(rawURL); err != nil {
		return Result{}, err
	}
	cmdPath, err := exec.LookPath(y.bin)
	if err != nil {
		return Result{}, errors.Wrapf(err, "locate %s", y.bin)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, cmdPath, y.args(rawURL, dir, id)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := lastError(stderr.String()); msg != "" {
			return Result{}, errors.Wrapf(err, "yt-dlp: %s", msg)
		}
		return Result{}, errors.Wrap(err, "yt-dlp")
	}

	ret := parseOutput(stdout.String())
	if ret.Path == "" {
		return Result{}, errors.New("yt-dlp did not report a downloaded file")
	}
	if info, err := os.Stat(ret.Path); err != nil || info.Size() == 0 {
		return Result{}, errors.Newf("downloaded file %s is missing or empty", ret.Path)
	}
	log.Info("Fetched %s as %s (%q)", rawURL, ret.Path, ret.Title)
	return ret, nil
}

func (y *YtDlp) args(rawURL, dir, id string) []string {
	return []string{
		"--no-warnings",
		"--no-playlist",
		"--newline",
		"-x",
		"-o", filepath.Join(dir, id+".%(ext)s"),
		"--no-simulate",
		"--print", "before_dl:title",
		"--print", "after_move:filepath",
		rawURL,
	}
}

// parseOutput reads the title from the first printed line and the final
// path from the last one.
func parseOutput(out string) Result {
	lines := make([]string, 0, 2)
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	switch len(lines) {
	case 0:
		return Result{}
	case 1:
		return Result{Path: lines[0]}
	default:
		return Result{Title: lines[0], Path: lines[len(lines)-1]}
	}
}

func lastError(stderr string) string {
	ret := ""
	for _, line := range strings.Split(stderr, "\n") {
		if strings.HasPrefix(line, "ERROR:") {
			ret = strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))
		}
	}
	return ret
}
