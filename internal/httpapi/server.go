package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/MimeLyc/media-transcriber/internal/config"
	"github.com/MimeLyc/media-transcriber/internal/export"
	"github.com/MimeLyc/media-transcriber/internal/jobs"
	"github.com/MimeLyc/media-transcriber/internal/persistence"
	"github.com/MimeLyc/media-transcriber/pkg/log"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	sessionCookieName = "transcriber_session"
	sessionUserKey    = "user_id"
	userIDContextKey  = "user_id"

	defaultStreamInterval = time.Second
	defaultMaxUpload      = 500 << 20
	healthPingTimeout     = 2 * time.Second
)

// JobService is the job manager as seen by the handlers.
type JobService interface {
	NewID() string
	Submit(ctx context.Context, req jobs.SubmitRequest) (*jobs.Job, error)
	Get(ctx context.Context, id string) (*jobs.Job, bool)
	QueueStatus() jobs.QueueStatus
}

type historyStore interface {
	ListRecords(ctx context.Context, filter persistence.HistoryFilter) ([]jobs.Record, error)
	ListEvents(ctx context.Context, jobID string) ([]jobs.Event, error)
}

type modelRegistry interface {
	Loaded() []string
}

type exportLocator interface {
	Formats() []string
	ContentType(format string) string
	Path(format, name string) string
	List(format string) ([]export.Artifact, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type runtimeSettingsStore interface {
	GetRuntimeSettings() (config.RuntimeSettings, error)
	UpdateRuntimeSettings(next config.RuntimeSettings) (config.RuntimeSettings, error)
}

type Server struct {
	jobs     JobService
	history  historyStore
	models   modelRegistry
	exports  exportLocator
	settings runtimeSettingsStore
	db       pinger

	uploadDir       string
	maxUpload       int64
	limiter         *rate.Limiter
	corsOrigins     []string
	sessionSecret   string
	streamInterval  time.Duration
	version         string
	janitorSchedule string

	engine *gin.Engine
	server *http.Server
}

type Option func(*Server)

func WithHistory(store historyStore) Option {
	return func(s *Server) {
		s.history = store
	}
}

func WithModels(models modelRegistry) Option {
	return func(s *Server) {
		s.models = models
	}
}

func WithExports(exports exportLocator) Option {
	return func(s *Server) {
		s.exports = exports
	}
}

// WithDatabase makes /api/health ping the store.
func WithDatabase(db pinger) Option {
	return func(s *Server) {
		s.db = db
	}
}

// WithJanitorSchedule reports the next janitor run in /api/health.
func WithJanitorSchedule(expr string) Option {
	return func(s *Server) {
		s.janitorSchedule = expr
	}
}

func WithRuntimeSettingsStore(store runtimeSettingsStore) Option {
	return func(s *Server) {
		s.settings = store
	}
}

// WithUploads sets where uploads are stored and the request body limit.
func WithUploads(dir string, maxBytes int64) Option {
	return func(s *Server) {
		s.uploadDir = dir
		if maxBytes > 0 {
			s.maxUpload = maxBytes
		}
	}
}

// WithSubmitRate limits submissions per minute across all clients. Zero
// disables the limit.
func WithSubmitRate(perMinute int) Option {
	return func(s *Server) {
		if perMinute <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
	}
}

func WithCORS(origins []string) Option {
	return func(s *Server) {
		s.corsOrigins = origins
	}
}

func WithSessionSecret(secret string) Option {
	return func(s *Server) {
		s.sessionSecret = secret
	}
}

func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.streamInterval = d
		}
	}
}

func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

func NewServer(svc JobService, opts ...Option) *Server {
	s := &Server{
		jobs:           svc,
		maxUpload:      defaultMaxUpload,
		sessionSecret:  "media-transcriber-session",
		streamInterval: defaultStreamInterval,
		version:        "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), requestLogger())
	s.engine.Use(cors.New(s.corsConfig()))

	store := cookie.NewStore([]byte(s.sessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   int((365 * 24 * time.Hour).Seconds()),
		HttpOnly: true,
		Secure:   gin.Mode() == gin.ReleaseMode,
		SameSite: http.SameSiteLaxMode,
	})
	s.engine.Use(sessions.Sessions(sessionCookieName, store), sessionUser())

	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	api := s.engine.Group("/api")
	api.POST("/transcriptions", s.handleSubmit)
	api.GET("/transcriptions", s.handleHistory)
	api.GET("/transcriptions/:id", s.handleGetJob)
	api.GET("/transcriptions/:id/stream", s.handleStream)
	api.GET("/transcriptions/:id/events", s.handleEvents)
	api.GET("/queue", s.handleQueue)
	api.GET("/exports/:format", s.handleListExports)
	api.GET("/exports/:format/:filename", s.handleExport)
	api.GET("/health", s.handleHealth)
	api.GET("/models", s.handleModels)
	api.GET("/settings", s.handleGetSettings)
	api.PUT("/settings", s.handlePutSettings)
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	if len(s.corsOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.corsOrigins
		cfg.AllowCredentials = true
	}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	return cfg
}

// sessionUser gives every browser a stable anonymous id kept in the
// signed session cookie. History is filtered by it.
func sessionUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		id, _ := session.Get(sessionUserKey).(string)
		if id == "" {
			id = uuid.NewString()
			session.Set(sessionUserKey, id)
			if err := session.Save(); err != nil {
				log.Warn("Failed to save session: %v", err)
			}
		}
		c.Set(userIDContextKey, id)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		elapsed := time.Since(start)
		switch {
		case status >= http.StatusInternalServerError:
			log.Error("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, status, elapsed)
		case status >= http.StatusBadRequest:
			log.Warn("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, status, elapsed)
		default:
			log.Debug("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, status, elapsed)
		}
	}
}

func userID(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}
