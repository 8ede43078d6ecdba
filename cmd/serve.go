package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/MimeLyc/media-transcriber/internal/config"
	"github.com/MimeLyc/media-transcriber/internal/engine"
	"github.com/MimeLyc/media-transcriber/internal/export"
	"github.com/MimeLyc/media-transcriber/internal/fetcher"
	"github.com/MimeLyc/media-transcriber/internal/httpapi"
	"github.com/MimeLyc/media-transcriber/internal/janitor"
	"github.com/MimeLyc/media-transcriber/internal/jobs"
	"github.com/MimeLyc/media-transcriber/internal/media"
	"github.com/MimeLyc/media-transcriber/internal/modelcache"
	"github.com/MimeLyc/media-transcriber/internal/persistence"
	"github.com/MimeLyc/media-transcriber/internal/pipeline"
	"github.com/MimeLyc/media-transcriber/pkg/icron"
	"github.com/MimeLyc/media-transcriber/pkg/log"
	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

type worker interface {
	Start(ctx context.Context)
	Stop()
}

type scheduler interface {
	Schedule(ctx context.Context) error
}

type cronRunner interface {
	Start()
	Stop() context.Context
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

type schedulerFunc func(ctx context.Context) error

func (f schedulerFunc) Schedule(ctx context.Context) error {
	return f(ctx)
}

func runServe(parent context.Context, opts *rootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(parent)
	defer stop()

	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer app.close()

	sched := schedulerFunc(func(ctx context.Context) error {
		return app.janitor.Schedule(ctx, app.cron)
	})
	return runWithComponents(ctx, cfg, app.manager, sched, app.cron, app.server)
}

type app struct {
	durable *persistence.SQLiteStore
	manager *jobs.Manager
	janitor *janitor.Janitor
	cron    *cron.Cron
	server  *httpapi.Server
}

func newApp(cfg *config.Config) (*app, error) {
	for _, dir := range []string{cfg.System.UploadDir, cfg.Export.Dir, cfg.System.ModelsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create %s", dir)
		}
	}

	durable, err := persistence.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	settings, err := config.NewRuntimeSettingsStore(cfg.System.SettingsFile, cfg.RuntimeSettings())
	if err != nil {
		_ = durable.Close()
		return nil, err
	}

	store := jobs.NewStore(durable, jobs.WithTimeout(cfg.Transcription.TaskTimeout))
	whisper := engine.NewWhisper(engine.Options{
		Bin:       cfg.Engine.WhisperBin,
		ModelsDir: cfg.System.ModelsDir,
		Threads:   cfg.Engine.Threads,
	})
	models := modelcache.New(whisper.LoadModel)
	if err := export.InstallPDFFonts(cfg.System.DataDir, cfg.Export.PDFFontFiles); err != nil {
		_ = durable.Close()
		return nil, err
	}
	exports := export.NewRegistry(cfg.Export.Dir,
		export.TXT{}, export.SRT{}, export.PDF{UnicodeFonts: cfg.Export.PDFFonts}, export.DOCX{})

	runner := pipeline.NewRunner(pipeline.Config{
		UploadDir:        cfg.System.UploadDir,
		FallbackLanguage: cfg.Transcription.FallbackLanguage,
		AppVersion:       version,
	}, pipeline.Deps{
		Decoder:  media.NewDecoder(cfg.Engine.FfmpegBin, cfg.Engine.FfprobeBin),
		Engine:   whisper,
		Models:   models,
		Exporter: exports,
		Fetcher:  fetcher.NewYtDlp(cfg.Engine.YtDlpBin),
		Fallback: settings,
	})
	manager := jobs.NewManager(store, runner, jobs.ManagerConfig{
		Workers:            cfg.Transcription.MaxConcurrent,
		DispatchInterval:   cfg.Transcription.DispatchInterval,
		StaleCheckInterval: cfg.Transcription.StaleCheckInterval,
	})

	gin.SetMode(cfg.HTTP.GinMode)
	server := httpapi.NewServer(manager,
		httpapi.WithHistory(durable),
		httpapi.WithModels(models),
		httpapi.WithExports(exports),
		httpapi.WithRuntimeSettingsStore(settings),
		httpapi.WithUploads(cfg.System.UploadDir, cfg.HTTP.MaxUploadBytes()),
		httpapi.WithSubmitRate(cfg.HTTP.SubmitRatePerMinute),
		httpapi.WithCORS(cfg.HTTP.CORSAllowedOrigins),
		httpapi.WithSessionSecret(cfg.HTTP.SessionSecret),
		httpapi.WithVersion(version),
		httpapi.WithDatabase(durable),
		httpapi.WithJanitorSchedule(cfg.Janitor.Schedule),
	)

	return &app{
		durable: durable,
		manager: manager,
		janitor: newJanitor(cfg, store, durable),
		cron:    cron.New(cron.WithParser(icron.Parser)),
		server:  server,
	}, nil
}

func newJanitor(cfg *config.Config, store janitor.JobStore, durable janitor.EventPruner) *janitor.Janitor {
	return janitor.New(janitor.Config{
		Schedule:       cfg.Janitor.Schedule,
		UploadDir:      cfg.System.UploadDir,
		FileExpiration: cfg.Janitor.FileExpiration,
		JobRetention:   cfg.Janitor.JobRetention,
		EventRetention: cfg.Janitor.EventRetention,
	}, store, janitor.WithEventPruner(durable))
}

func (a *app) close() {
	if err := a.durable.Close(); err != nil {
		log.Warn("Failed to close database: %v", err)
	}
	_ = log.GetLogger().Sync()
}

// runWithComponents starts the workers, the schedule and the HTTP server,
// and tears them down in reverse order once ctx is done or the server fails.
func runWithComponents(
	ctx context.Context,
	cfg *config.Config,
	mgr worker,
	sched scheduler,
	cronEngine cronRunner,
	httpSrv httpServer,
) error {
	mgr.Start(ctx)
	if err := sched.Schedule(ctx); err != nil {
		mgr.Stop()
		return err
	}
	cronEngine.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening on %s", cfg.HTTP.Addr)
		err := httpSrv.ListenAndServe(cfg.HTTP.Addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var shutdownErr error
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Wrap(err, "http shutdown")
		}
		select {
		case <-cronEngine.Stop().Done():
		case <-shutdownCtx.Done():
			log.Warn("Janitor still running at shutdown")
		}
		mgr.Stop()
		return shutdownErr
	})
	return g.Wait()
}
