package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/media-transcriber/internal/engine"
	"github.com/MimeLyc/media-transcriber/internal/jobs"
	"github.com/MimeLyc/media-transcriber/pkg/icron"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"golang.org/x/text/language"
)

// Config holds all application configuration, read from environment
// variables with sensible defaults.
//
// Environment Variables:
// HTTP:
// - HTTP_ADDR (default: :8080), GIN_MODE (default: release)
// - CORS_ALLOWED_ORIGINS: comma separated, empty allows any origin
// - SESSION_SECRET: cookie signing key
// - MAX_UPLOAD_MB (default: 500), SUBMIT_RATE_PER_MINUTE (default: 30)
//
// Storage:
// - DATA_DIR (default: /app/data), UPLOAD_DIR, EXPORT_DIR, MODELS_DIR, SETTINGS_FILE
//
// Transcription:
// - MAX_CONCURRENT_TRANSCRIPTIONS (default: 2), TASK_TIMEOUT_SECONDS (default: 3600)
// - DISPATCH_INTERVAL (default: 500ms), STALE_CHECK_INTERVAL (default: 30s)
// - DEFAULT_MODEL (default: base), FALLBACK_LANGUAGE (default: pt)
// - DEFAULT_EXPORT_FORMATS (default: pdf)
//
// Tools:
// - FFMPEG_BIN, FFPROBE_BIN, WHISPER_BIN, YTDLP_BIN, WHISPER_THREADS (default: 4)
//
// Janitor:
// - JANITOR_SCHEDULE (default: @every 30m), FILE_EXPIRATION_MINUTES (default: 30)
// - JOB_RETENTION_HOURS (default: 24), EVENT_RETENTION_DAYS (default: 30)
//
// Logging:
// - LOG_LEVEL (default: info), LOG_FORMAT (default: console)
type Config struct {
	HTTP          HTTPConfig          `json:"http"`
	System        SystemConfig        `json:"system"`
	Transcription TranscriptionConfig `json:"transcription"`
	Engine        EngineConfig        `json:"engine"`
	Janitor       JanitorConfig       `json:"janitor"`
	Export        ExportConfig        `json:"export"`
}

type HTTPConfig struct {
	Addr                string   `json:"addr"`
	GinMode             string   `json:"gin_mode"`
	CORSAllowedOrigins  []string `json:"cors_allowed_origins"`
	SessionSecret       string   `json:"-"`
	MaxUploadMB         int64    `json:"max_upload_mb"`
	SubmitRatePerMinute int      `json:"submit_rate_per_minute"`
}

// MaxUploadBytes is the request body limit for uploads.
func (c HTTPConfig) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}

type SystemConfig struct {
	DataDir      string `json:"data_dir"`
	UploadDir    string `json:"upload_dir"`
	ModelsDir    string `json:"models_dir"`
	SettingsFile string `json:"settings_file"`
	LogLevel     string `json:"log_level"`
	LogFormat    string `json:"log_format"`
}

type TranscriptionConfig struct {
	MaxConcurrent      int           `json:"max_concurrent"`
	TaskTimeout        time.Duration `json:"task_timeout"`
	DispatchInterval   time.Duration `json:"dispatch_interval"`
	StaleCheckInterval time.Duration `json:"stale_check_interval"`
	DefaultModel       string        `json:"default_model"`
	FallbackLanguage   string        `json:"fallback_language"`
}

type EngineConfig struct {
	FfmpegBin  string `json:"ffmpeg_bin"`
	FfprobeBin string `json:"ffprobe_bin"`
	WhisperBin string `json:"whisper_bin"`
	YtDlpBin   string `json:"ytdlp_bin"`
	Threads    int    `json:"threads"`
}

type JanitorConfig struct {
	Schedule       string        `json:"schedule"`
	FileExpiration time.Duration `json:"file_expiration"`
	JobRetention   time.Duration `json:"job_retention"`
	EventRetention time.Duration `json:"event_retention"`
}

type ExportConfig struct {
	Dir            string   `json:"dir"`
	DefaultFormats []string `json:"default_formats"`
	// PDFFontFiles are TrueType files installed as pdfcpu user fonts.
	PDFFontFiles []string `json:"pdf_font_files"`
	// PDFFonts are user font names tried first for text WinAnsi cannot encode.
	PDFFonts []string `json:"pdf_fonts"`
}

const DefaultDataDir = "/app/data"

// Option is a function type for configuring Config
type Option func(*Config)

func WithDataDir(dir string) Option {
	return func(c *Config) {
		c.System.DataDir = dir
	}
}

func WithLogLevel(level string) Option {
	return func(c *Config) {
		if strings.TrimSpace(level) != "" {
			c.System.LogLevel = level
		}
	}
}

// LoadEnvFile loads variables from a dotenv file without overriding the
// ones already set. A missing default file is not an error.
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil
		}
	}
	if err := godotenv.Load(path); err != nil {
		return errors.Wrapf(err, "load env file %s", path)
	}
	return nil
}

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	dataDir := getEnvString("DATA_DIR", DefaultDataDir)
	config := &Config{
		HTTP: HTTPConfig{
			Addr:                getEnvString("HTTP_ADDR", ":8080"),
			GinMode:             getEnvString("GIN_MODE", "release"),
			CORSAllowedOrigins:  getEnvList("CORS_ALLOWED_ORIGINS"),
			SessionSecret:       getEnvString("SESSION_SECRET", "media-transcriber-session"),
			MaxUploadMB:         int64(getEnvInt("MAX_UPLOAD_MB", 500)),
			SubmitRatePerMinute: getEnvInt("SUBMIT_RATE_PER_MINUTE", 30),
		},
		System: SystemConfig{
			DataDir:      dataDir,
			UploadDir:    os.Getenv("UPLOAD_DIR"),
			ModelsDir:    os.Getenv("MODELS_DIR"),
			SettingsFile: os.Getenv("SETTINGS_FILE"),
			LogLevel:     getEnvString("LOG_LEVEL", "info"),
			LogFormat:    getEnvString("LOG_FORMAT", "console"),
		},
		Transcription: TranscriptionConfig{
			MaxConcurrent:      getEnvInt("MAX_CONCURRENT_TRANSCRIPTIONS", 2),
			TaskTimeout:        time.Duration(getEnvInt("TASK_TIMEOUT_SECONDS", 3600)) * time.Second,
			DispatchInterval:   getEnvDuration("DISPATCH_INTERVAL", 500*time.Millisecond),
			StaleCheckInterval: getEnvDuration("STALE_CHECK_INTERVAL", 30*time.Second),
			DefaultModel:       getEnvString("DEFAULT_MODEL", "base"),
			FallbackLanguage:   getEnvString("FALLBACK_LANGUAGE", "pt"),
		},
		Engine: EngineConfig{
			FfmpegBin:  getEnvString("FFMPEG_BIN", "ffmpeg"),
			FfprobeBin: getEnvString("FFPROBE_BIN", "ffprobe"),
			WhisperBin: getEnvString("WHISPER_BIN", "whisper-cli"),
			YtDlpBin:   getEnvString("YTDLP_BIN", "yt-dlp"),
			Threads:    getEnvInt("WHISPER_THREADS", 4),
		},
		Janitor: JanitorConfig{
			Schedule:       getEnvString("JANITOR_SCHEDULE", "@every 30m"),
			FileExpiration: time.Duration(getEnvInt("FILE_EXPIRATION_MINUTES", 30)) * time.Minute,
			JobRetention:   time.Duration(getEnvInt("JOB_RETENTION_HOURS", 24)) * time.Hour,
			EventRetention: time.Duration(getEnvInt("EVENT_RETENTION_DAYS", 30)) * 24 * time.Hour,
		},
		Export: ExportConfig{
			Dir:            os.Getenv("EXPORT_DIR"),
			DefaultFormats: jobs.ParseExportFormats(getEnvString("DEFAULT_EXPORT_FORMATS", jobs.DefaultExportFormat)),
			PDFFontFiles:   getEnvList("PDF_FONT_FILES"),
			PDFFonts:       getEnvList("PDF_FONTS"),
		},
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}
	config.resolveDirs()

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// resolveDirs derives the storage directories left unset from DATA_DIR.
func (c *Config) resolveDirs() {
	if c.System.DataDir == "" {
		c.System.DataDir = DefaultDataDir
	}
	if c.System.UploadDir == "" {
		c.System.UploadDir = filepath.Join(c.System.DataDir, "uploads")
	}
	if c.System.ModelsDir == "" {
		c.System.ModelsDir = filepath.Join(c.System.DataDir, "models")
	}
	if c.System.SettingsFile == "" {
		c.System.SettingsFile = filepath.Join(c.System.DataDir, "settings.json")
	}
	if c.Export.Dir == "" {
		c.Export.Dir = filepath.Join(c.System.DataDir, "exports")
	}
}

func (c *Config) DBPath() string {
	return filepath.Join(c.System.DataDir, "transcriber.db")
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if c.Transcription.MaxConcurrent < 1 {
		return errors.New("MAX_CONCURRENT_TRANSCRIPTIONS must be at least 1")
	}
	if c.Transcription.TaskTimeout <= 0 {
		return errors.New("TASK_TIMEOUT_SECONDS must be positive")
	}
	if c.Transcription.DispatchInterval <= 0 || c.Transcription.StaleCheckInterval <= 0 {
		return errors.New("DISPATCH_INTERVAL and STALE_CHECK_INTERVAL must be positive")
	}
	if !engine.Known(c.Transcription.DefaultModel) {
		return errors.Newf("DEFAULT_MODEL %q is not one of %v", c.Transcription.DefaultModel, engine.ModelIDs())
	}
	if _, err := language.Parse(c.Transcription.FallbackLanguage); err != nil {
		return errors.Wrapf(err, "invalid FALLBACK_LANGUAGE %q", c.Transcription.FallbackLanguage)
	}
	if c.HTTP.MaxUploadMB <= 0 {
		return errors.New("MAX_UPLOAD_MB must be positive")
	}
	if c.HTTP.SubmitRatePerMinute < 0 {
		return errors.New("SUBMIT_RATE_PER_MINUTE must not be negative")
	}
	if err := icron.Validate(c.Janitor.Schedule); err != nil {
		return errors.Wrap(err, "invalid JANITOR_SCHEDULE")
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("500ms") or plain seconds ("30").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}

func getEnvList(key string) []string {
	ret := make([]string, 0)
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			ret = append(ret, item)
		}
	}
	return ret
}
