package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		name     string
		duration float64
		model    string
		video    bool
		want     time.Duration
	}{
		{"base audio", 600, "base", false, 70 * time.Second},
		{"large video", 100, "large", true, 170 * time.Second},
		{"medium audio", 1000, "medium", false, 340 * time.Second},
		{"unknown model", 100, "custom", false, 50 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Estimate(tt.duration, tt.model, tt.video))
		})
	}
}

func TestRemaining(t *testing.T) {
	assert.Equal(t, 30*time.Second, Remaining(70*time.Second, 40*time.Second))
	assert.Equal(t, 5*time.Second, Remaining(10*time.Second, 4600*time.Millisecond))
	assert.Equal(t, time.Duration(0), Remaining(10*time.Second, time.Minute))
}

func TestFormatETA(t *testing.T) {
	assert.Equal(t, "0s", FormatETA(0))
	assert.Equal(t, "3s", FormatETA(3*time.Second))
	assert.Equal(t, "2m 3s", FormatETA(123*time.Second))
	assert.Equal(t, "1h 2m 3s", FormatETA(3723*time.Second))
	assert.Equal(t, "1h 0m 0s", FormatETA(time.Hour))
	assert.Equal(t, "0s", FormatETA(-time.Second))
}
