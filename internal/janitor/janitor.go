package janitor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MimeLyc/media-transcriber/pkg/file"
	"github.com/MimeLyc/media-transcriber/pkg/log"
	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
)

// JobStore is the slice of the progress store the janitor needs.
type JobStore interface {
	ActiveIDs() []string
	Evict(cutoff time.Time) int
}

// EventPruner deletes durable audit events older than a cutoff.
type EventPruner interface {
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Config struct {
	Schedule       string
	UploadDir      string
	FileExpiration time.Duration
	JobRetention   time.Duration
	// EventRetention of zero keeps events forever.
	EventRetention time.Duration
}

// Report summarizes one sweep.
type Report struct {
	FilesRemoved  int
	FilesSkipped  int
	FilesFailed   int
	JobsEvicted   int
	EventsDeleted int64
}

type Janitor struct {
	cfg    Config
	store  JobStore
	events EventPruner
	now    func() time.Time
	group  singleflight.Group
}

type Option func(*Janitor)

func WithEventPruner(p EventPruner) Option {
	return func(j *Janitor) { j.events = p }
}

func WithClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

func New(cfg Config, store JobStore, opts ...Option) *Janitor {
	j := &Janitor{cfg: cfg, store: store, now: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Schedule registers the sweep on c. Overlapping triggers collapse into the
// run already in flight.
func (j *Janitor) Schedule(ctx context.Context, c *cron.Cron) error {
	_, err := c.AddFunc(j.cfg.Schedule, func() {
		_, _, _ = j.group.Do("sweep", func() (any, error) {
			report := j.Run(ctx)
			log.Info("Janitor sweep: removed %d files, evicted %d jobs, pruned %d events",
				report.FilesRemoved, report.JobsEvicted, report.EventsDeleted)
			return nil, nil
		})
	})
	if err != nil {
		return errors.Wrapf(err, "schedule janitor %q", j.cfg.Schedule)
	}
	return nil
}

func (j *Janitor) Run(ctx context.Context) Report {
	var report Report
	j.SweepFiles(&report)
	j.SweepStore(&report)
	j.SweepEvents(ctx, &report)
	return report
}

// SweepFiles removes expired uploads, leaving the files of jobs still in
// flight alone.
func (j *Janitor) SweepFiles(report *Report) {
	if j.cfg.UploadDir == "" || j.cfg.FileExpiration <= 0 {
		return
	}
	expired, err := file.FindOlderThan(j.cfg.UploadDir, j.now().Add(-j.cfg.FileExpiration))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("Failed to scan upload dir %s: %v", j.cfg.UploadDir, err)
		}
		return
	}

	active := j.store.ActiveIDs()
	for _, path := range expired {
		if belongsToAny(filepath.Base(path), active) {
			report.FilesSkipped++
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn("Failed to remove expired file %s: %v", path, err)
			report.FilesFailed++
			continue
		}
		log.Debug("Removed expired file %s", path)
		report.FilesRemoved++
	}
}

func (j *Janitor) SweepStore(report *Report) {
	if j.cfg.JobRetention <= 0 {
		return
	}
	report.JobsEvicted = j.store.Evict(j.now().Add(-j.cfg.JobRetention))
}

func (j *Janitor) SweepEvents(ctx context.Context, report *Report) {
	if j.events == nil || j.cfg.EventRetention <= 0 {
		return
	}
	n, err := j.events.DeleteEventsBefore(ctx, j.now().Add(-j.cfg.EventRetention))
	if err != nil {
		log.Warn("Failed to prune job events: %v", err)
		return
	}
	report.EventsDeleted = n
}

func belongsToAny(name string, ids []string) bool {
	for _, id := range ids {
		if id != "" && strings.HasPrefix(name, id) {
			return true
		}
	}
	return false
}
