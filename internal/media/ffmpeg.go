package media

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/MimeLyc/media-transcriber/pkg/log"
	"github.com/cockroachdb/errors"
)

type ffmpeg struct {
	ffmpegCmd  string
	ffprobeCmd string
}

func NewFfmpeg(ffmpegCmd, ffprobeCmd string) ffmpeg {
	if ffmpegCmd == "" {
		ffmpegCmd = "ffmpeg"
	}
	if ffprobeCmd == "" {
		ffprobeCmd = "ffprobe"
	}
	return ffmpeg{
		ffmpegCmd:  ffmpegCmd,
		ffprobeCmd: ffprobeCmd,
	}
}

// Extract decodes the audio track of in into a WAV file at out.
func (ff ffmpeg) Extract(ctx context.Context, in, out string, opts ExtractOptions) error {
	cmdPath, err := exec.LookPath(ff.ffmpegCmd)
	if err != nil {
		return errors.Wrapf(err, "locate %s", ff.ffmpegCmd)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, cmdPath, ff.extractArgs(in, out, opts)...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		log.Debug("ffmpeg stderr for %s: %s", in, tail(stderr.String(), 500))
		return errors.Wrapf(err, "ffmpeg extract %s", in)
	}

	info, err := os.Stat(out)
	if err != nil || info.Size() == 0 {
		return errors.Wrapf(ErrEmptyOutput, "extract %s", in)
	}
	return nil
}

// Duration reads the container duration in seconds.
func (ff ffmpeg) Duration(ctx context.Context, path string) (float64, error) {
	cmdPath, err := exec.LookPath(ff.ffprobeCmd)
	if err != nil {
		return 0, errors.Wrapf(err, "locate %s", ff.ffprobeCmd)
	}
	cmd := exec.CommandContext(ctx, cmdPath, ff.probeArgs(path)...)

	output, runErr := cmd.Output()
	var probeResult struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(output, &probeResult); err != nil {
		if runErr != nil {
			return 0, errors.Wrapf(runErr, "ffprobe %s", path)
		}
		log.Error("Failed to parse ffprobe output: %v", err)
		return 0, errors.Wrap(err, "parse ffprobe output")
	}

	raw := strings.TrimSpace(probeResult.Format.Duration)
	if raw == "" {
		if runErr != nil {
			return 0, errors.Wrapf(runErr, "ffprobe %s", path)
		}
		return 0, errors.Wrapf(ErrNoDuration, "probe %s", path)
	}
	duration, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse duration %q", raw)
	}
	if duration <= 0 {
		return 0, errors.Wrapf(ErrNoDuration, "probe %s", path)
	}
	return duration, nil
}

func (ffmpeg) probeArgs(path string) []string {
	return []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	}
}

func (ffmpeg) extractArgs(in, out string, opts ExtractOptions) []string {
	args := []string{"-i", in}
	if opts.FirstAudioStream {
		args = append(args, "-map", "0:a:0")
	}
	return append(args,
		"-vn",                  // drop video
		"-acodec", "pcm_s16le", // 16-bit PCM
		"-ar", "16000", // 16kHz
		"-ac", "1", // mono
		"-y",
		out,
	)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
