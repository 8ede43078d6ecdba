package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/MimeLyc/media-transcriber/internal/config"
	"github.com/MimeLyc/media-transcriber/internal/engine"
	"github.com/MimeLyc/media-transcriber/internal/jobs"
	"github.com/MimeLyc/media-transcriber/pkg/file"
	"github.com/MimeLyc/media-transcriber/pkg/icron"
	"github.com/MimeLyc/media-transcriber/pkg/log"
	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/mem"
)

type errorResponse struct {
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind,omitempty"`
	Advice    string `json:"advice,omitempty"`
}

func writeError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: message})
}

// writeTaskError maps a classified failure to a status code. Input errors
// are the client's fault; everything else is ours. An oversized body is 413.
func writeTaskError(c *gin.Context, err error) {
	kind := jobs.KindOf(err)
	status := http.StatusInternalServerError
	message := err.Error()
	var taskErr *jobs.TaskError
	if errors.As(err, &taskErr) {
		message = taskErr.Message
	}
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		status = http.StatusRequestEntityTooLarge
	case kind == jobs.KindInput:
		status = http.StatusBadRequest
	case kind == jobs.KindUnknown:
		log.Error("Request %s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	resp := errorResponse{Error: message, Advice: jobs.Advice(err)}
	if kind != jobs.KindUnknown {
		resp.ErrorKind = kind.String()
	}
	c.AbortWithStatusJSON(status, resp)
}

func (s *Server) handleQueue(c *gin.Context) {
	c.JSON(http.StatusOK, s.jobs.QueueStatus())
}

// handleExport serves a generated artifact. Both path segments must be
// plain names.
func (s *Server) handleExport(c *gin.Context) {
	if s.exports == nil {
		writeError(c, http.StatusNotFound, "exports are not available")
		return
	}
	format := c.Param("format")
	name := c.Param("filename")
	if !file.IsPlainName(format) || !file.IsPlainName(name) {
		writeError(c, http.StatusBadRequest, "invalid export path")
		return
	}
	if !slices.Contains(s.exports.Formats(), format) {
		writeError(c, http.StatusBadRequest, "unknown export format")
		return
	}

	path := s.exports.Path(format, name)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		writeError(c, http.StatusNotFound, "export not found")
		return
	}
	c.Header("Content-Type", s.exports.ContentType(format))
	c.FileAttachment(path, name)
}

type exportFileResponse struct {
	Filename    string    `json:"filename"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
	DownloadURL string    `json:"download_url"`
}

// handleListExports lists the generated files of one format, newest first.
func (s *Server) handleListExports(c *gin.Context) {
	if s.exports == nil {
		writeError(c, http.StatusNotFound, "exports are not available")
		return
	}
	format := c.Param("format")
	if !file.IsPlainName(format) || !slices.Contains(s.exports.Formats(), format) {
		writeError(c, http.StatusBadRequest, "unknown export format")
		return
	}
	artifacts, err := s.exports.List(format)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	ret := make([]exportFileResponse, 0, len(artifacts))
	for _, a := range artifacts {
		ret = append(ret, exportFileResponse{
			Filename:    a.Name,
			Size:        a.Size,
			CreatedAt:   a.CreatedAt,
			DownloadURL: "/api/exports/" + format + "/" + url.PathEscape(a.Name),
		})
	}
	c.JSON(http.StatusOK, ret)
}

type healthResponse struct {
	Status        string             `json:"status"`
	Version       string             `json:"version"`
	Database      string             `json:"database,omitempty"`
	ActiveWorkers int                `json:"active_workers"`
	QueueSize     int                `json:"queue_size"`
	LoadedModels  []string           `json:"loaded_models"`
	Goroutines    int                `json:"goroutines"`
	Memory        *memoryInfo        `json:"memory,omitempty"`
	Janitor       *icron.TriggerInfo `json:"janitor,omitempty"`
}

type memoryInfo struct {
	TotalBytes     uint64  `json:"total_bytes"`
	AvailableBytes uint64  `json:"available_bytes"`
	UsedPercent    float64 `json:"used_percent"`
}

func (s *Server) handleHealth(c *gin.Context) {
	queue := s.jobs.QueueStatus()
	resp := healthResponse{
		Status:        "ok",
		Version:       s.version,
		ActiveWorkers: queue.ActiveWorkers,
		QueueSize:     queue.QueueSize,
		LoadedModels:  s.loadedModels(),
		Goroutines:    runtime.NumGoroutine(),
	}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
		err := s.db.Ping(ctx)
		cancel()
		if err != nil {
			log.Warn("Health check: database ping failed: %v", err)
			resp.Status = "degraded"
			resp.Database = "error"
		} else {
			resp.Database = "ok"
		}
	}
	if s.janitorSchedule != "" {
		if info, err := icron.GetTriggerInfo(s.janitorSchedule, time.Now()); err == nil {
			resp.Janitor = info
		} else {
			log.Debug("Janitor schedule %q: %v", s.janitorSchedule, err)
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.Memory = &memoryInfo{
			TotalBytes:     vm.Total,
			AvailableBytes: vm.Available,
			UsedPercent:    vm.UsedPercent,
		}
	} else {
		log.Debug("Host memory unavailable: %v", err)
	}
	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

type modelResponse struct {
	engine.ModelSpec
	Loaded bool `json:"loaded"`
}

func (s *Server) handleModels(c *gin.Context) {
	loaded := s.loadedModels()
	ret := make([]modelResponse, 0, len(engine.Catalog))
	for _, spec := range engine.Catalog {
		ret = append(ret, modelResponse{
			ModelSpec: spec,
			Loaded:    slices.Contains(loaded, spec.ID),
		})
	}
	c.JSON(http.StatusOK, ret)
}

func (s *Server) loadedModels() []string {
	if s.models == nil {
		return []string{}
	}
	return s.models.Loaded()
}

func (s *Server) handleGetSettings(c *gin.Context) {
	if s.settings == nil {
		writeError(c, http.StatusServiceUnavailable, "runtime settings are not available")
		return
	}
	current, err := s.settings.GetRuntimeSettings()
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, current)
}

func (s *Server) handlePutSettings(c *gin.Context) {
	if s.settings == nil {
		writeError(c, http.StatusServiceUnavailable, "runtime settings are not available")
		return
	}
	var next config.RuntimeSettings
	if err := c.ShouldBindJSON(&next); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json body")
		return
	}
	next.DefaultModel = strings.TrimSpace(next.DefaultModel)
	next.FallbackLanguage = strings.TrimSpace(next.FallbackLanguage)

	if err := next.Validate(); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := s.settings.UpdateRuntimeSettings(next)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info("Runtime settings updated: model %s, formats %v, fallback %s",
		updated.DefaultModel, updated.DefaultExportFormats, updated.FallbackLanguage)
	c.JSON(http.StatusOK, updated)
}
