package main

import (
	"context"

	"github.com/MimeLyc/media-transcriber/internal/jobs"
	"github.com/MimeLyc/media-transcriber/internal/persistence"
	"github.com/MimeLyc/media-transcriber/pkg/log"
)

// runSweep runs one janitor pass outside the server. No job is active in
// this process, so only the file age protects uploads of a running server.
func runSweep(parent context.Context, opts *rootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(parent)
	defer stop()

	durable, err := persistence.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return err
	}
	defer durable.Close()

	j := newJanitor(cfg, jobs.NewStore(durable), durable)
	report := j.Run(ctx)
	log.Info("Sweep done: removed %d files (%d skipped, %d failed), pruned %d events",
		report.FilesRemoved, report.FilesSkipped, report.FilesFailed, report.EventsDeleted)
	return nil
}
