package media

import (
	"context"

	"github.com/cockroachdb/errors"
)

var (
	ErrEmptyOutput = errors.New("decoder produced no audio")
	ErrNoDuration  = errors.New("media reports no positive duration")
)

// ExtractOptions tunes one extraction run.
type ExtractOptions struct {
	// FirstAudioStream maps only the first audio stream (-map 0:a:0). Some
	// transport streams need it to be decodable at all.
	FirstAudioStream bool
}

// Decoder turns media into 16kHz mono PCM WAV and probes durations.
type Decoder interface {
	Extract(ctx context.Context, in, out string, opts ExtractOptions) error
	Duration(ctx context.Context, path string) (float64, error)
}

func NewDecoder(ffmpegBin, ffprobeBin string) Decoder {
	return NewFfmpeg(ffmpegBin, ffprobeBin)
}
