package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MimeLyc/media-transcriber/internal/config"
	"github.com/MimeLyc/media-transcriber/pkg/log"
	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "1.0.0"

type rootOptions struct {
	envFile  string
	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the transcription workers and the janitor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one janitor pass over uploads and job events, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSweep(cmd.Context(), opts)
		},
	}

	root := &cobra.Command{
		Use:   "transcriber",
		Short: "media-transcriber - speech to text for uploaded and remote media",
		Long: `media-transcriber accepts audio and video uploads or media URLs, transcribes
them with whisper.cpp and exports the transcript as TXT, SRT, PDF or DOCX.

Examples:
  transcriber                     # same as "transcriber serve"
  transcriber serve --env-file prod.env
  transcriber sweep --log-level debug`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.LoadEnvFile(opts.envFile)
		},
		RunE: serveCmd.RunE,
	}
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file to load (default .env when present)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
	root.AddCommand(serveCmd, sweepCmd)
	return root
}

// loadConfig reads the environment, then lets the saved runtime settings
// override it.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfgOpts := []config.Option{config.WithLogLevel(opts.logLevel)}
	cfg, err := config.NewFromEnv(cfgOpts...)
	if err != nil {
		return nil, err
	}

	settings, err := config.LoadRuntimeSettingsFile(cfg.System.SettingsFile)
	switch {
	case err == nil:
		cfgOpts = append(cfgOpts, config.WithRuntimeSettings(settings))
		if cfg, err = config.NewFromEnv(cfgOpts...); err != nil {
			return nil, err
		}
	case !os.IsNotExist(err):
		log.Warn("Ignoring runtime settings file %s: %v", cfg.System.SettingsFile, err)
	}

	log.InitLoggerWithFormat(log.ParseLevel(cfg.System.LogLevel), log.ParseFormat(cfg.System.LogFormat))
	return cfg, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
