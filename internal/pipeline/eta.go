package pipeline

import (
	"fmt"
	"math"
	"time"

	"github.com/MimeLyc/media-transcriber/internal/engine"
)

// videoOverhead covers demuxing and extraction of video inputs.
const videoOverhead = 60 * time.Second

// Estimate predicts the total processing time of audio lasting duration
// seconds with the given model.
func Estimate(duration float64, model string, video bool) time.Duration {
	spec := engine.Lookup(model)
	secs := duration*spec.SpeedFactor + float64(spec.LoadSeconds)
	ret := time.Duration(math.Round(secs*1000)) * time.Millisecond
	if video {
		ret += videoOverhead
	}
	return ret
}

// Remaining is the estimate left after elapsed, never negative, in whole seconds.
func Remaining(estimate, elapsed time.Duration) time.Duration {
	left := estimate - elapsed
	if left <= 0 {
		return 0
	}
	return time.Duration(math.Round(left.Seconds())) * time.Second
}

// FormatETA renders d as "1h 2m 3s", "2m 3s" or "3s".
func FormatETA(d time.Duration) string {
	total := int(math.Round(d.Seconds()))
	if total < 0 {
		total = 0
	}
	h, m, s := total/3600, total%3600/60, total%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
