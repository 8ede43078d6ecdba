package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MimeLyc/media-transcriber/internal/engine"
	"github.com/MimeLyc/media-transcriber/internal/jobs"
	"github.com/cockroachdb/errors"
	"golang.org/x/text/language"
)

// RuntimeSettings are the defaults an operator can change without a restart.
type RuntimeSettings struct {
	DefaultModel         string   `json:"default_model"`
	DefaultExportFormats []string `json:"default_export_formats"`
	FallbackLanguage     string   `json:"fallback_language"`
}

func (s RuntimeSettings) Validate() error {
	if !engine.Known(s.DefaultModel) {
		return errors.Newf("default_model %q is not one of %v", s.DefaultModel, engine.ModelIDs())
	}
	if len(s.DefaultExportFormats) == 0 {
		return errors.New("default_export_formats is required")
	}
	for _, f := range s.DefaultExportFormats {
		if !jobs.IsExportFormat(f) {
			return errors.Newf("unknown export format %q", f)
		}
	}
	if strings.TrimSpace(s.FallbackLanguage) == "" {
		return errors.New("fallback_language is required")
	}
	if _, err := language.Parse(s.FallbackLanguage); err != nil {
		return errors.Wrap(err, "invalid fallback_language")
	}
	return nil
}

func (c *Config) RuntimeSettings() RuntimeSettings {
	return RuntimeSettings{
		DefaultModel:         c.Transcription.DefaultModel,
		DefaultExportFormats: append([]string(nil), c.Export.DefaultFormats...),
		FallbackLanguage:     c.Transcription.FallbackLanguage,
	}
}

// WithRuntimeSettings overrides the environment with a saved settings file.
// Invalid fields are ignored.
func WithRuntimeSettings(settings RuntimeSettings) Option {
	return func(c *Config) {
		if engine.Known(settings.DefaultModel) {
			c.Transcription.DefaultModel = settings.DefaultModel
		}
		if len(settings.DefaultExportFormats) > 0 {
			c.Export.DefaultFormats = jobs.NormalizeExportFormats(settings.DefaultExportFormats)
		}
		if _, err := language.Parse(settings.FallbackLanguage); err == nil {
			c.Transcription.FallbackLanguage = settings.FallbackLanguage
		}
	}
}

func LoadRuntimeSettingsFile(path string) (RuntimeSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuntimeSettings{}, err
	}
	var settings RuntimeSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return RuntimeSettings{}, errors.Wrap(err, "invalid settings file")
	}
	return settings, nil
}

func WriteRuntimeSettingsFile(path string, settings RuntimeSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create settings directory")
		}
	}

	content, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	content = append(content, '\n')

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o600); err != nil {
		return errors.Wrap(err, "write settings")
	}
	return errors.Wrap(os.Rename(tmpPath, path), "replace settings")
}

type RuntimeSettingsStore struct {
	path string

	mu      sync.RWMutex
	current RuntimeSettings
}

func NewRuntimeSettingsStore(path string, initial RuntimeSettings) (*RuntimeSettingsStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("settings file path is required")
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &RuntimeSettingsStore{
		path:    path,
		current: initial,
	}, nil
}

func (s *RuntimeSettingsStore) GetRuntimeSettings() (RuntimeSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, nil
}

func (s *RuntimeSettingsStore) UpdateRuntimeSettings(next RuntimeSettings) (RuntimeSettings, error) {
	if err := next.Validate(); err != nil {
		return RuntimeSettings{}, err
	}
	next.DefaultExportFormats = jobs.NormalizeExportFormats(next.DefaultExportFormats)
	if err := WriteRuntimeSettingsFile(s.path, next); err != nil {
		return RuntimeSettings{}, err
	}

	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	return next, nil
}

// FallbackLanguage feeds the pipeline's detection fallback.
func (s *RuntimeSettingsStore) FallbackLanguage() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.FallbackLanguage
}
