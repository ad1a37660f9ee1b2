// Package api is the HTTP boundary: session start, video upload, extraction
// requests, subject reset and status.
package api

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/andresmejia3/facecollect/internal/scheduler"
	"github.com/andresmejia3/facecollect/internal/session"
	"github.com/andresmejia3/facecollect/internal/transcode"
	"github.com/andresmejia3/facecollect/internal/types"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MaxUploadSize bounds request bodies.
const MaxUploadSize = "512M"

// Transcoder converts an uploaded recording into the canonical format.
type Transcoder interface {
	Run(ctx context.Context, src, dst string) error
}

// Queue accepts extraction jobs.
type Queue interface {
	Submit(job types.ExtractionJob) error
	InFlight(sessionID string) bool
	Stats() scheduler.Stats
}

// JobSettings are copied into every extraction job.
type JobSettings struct {
	ConfidenceThreshold float64
	PaddingRatio        float64
}

// Server wires the handlers to their dependencies.
type Server struct {
	registry   *session.Registry
	transcoder Transcoder
	queue      Queue
	settings   JobSettings
	logger     *zap.Logger
	echo       *echo.Echo

	// commitMu serializes everything that changes a session's canonical
	// video, its subject's tiles or queue membership, so an InFlight check
	// stays true until the change it guards is done.
	commitMu sync.Mutex
}

// New builds the server and registers every route.
func New(registry *session.Registry, transcoder Transcoder, queue Queue, settings JobSettings, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		registry:   registry,
		transcoder: transcoder,
		queue:      queue,
		settings:   settings,
		logger:     logger.Named("api"),
		echo:       echo.New(),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.BodyLimit(MaxUploadSize))
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.Error(v.Error))
			return nil
		},
	}))
	s.routes()
	return s
}

func (s *Server) routes() {
	g := s.echo.Group("/api")
	g.POST("/session/start", s.startSession)
	g.POST("/upload/:sessionId", s.upload)
	g.POST("/extract/:sessionId", s.extract)
	g.GET("/session/:sessionId", s.getSession)
	g.POST("/reset/:subjectId", s.reset)
	g.GET("/queue", s.queueStats)

	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("http server listening", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func fail(c echo.Context, code int, msg string) error {
	return c.JSON(code, map[string]string{"error": msg})
}

type startRequest struct {
	StudentID string `json:"studentId"`
	Name      string `json:"name"`
	Year      string `json:"year"`
	Dept      string `json:"dept"`
}

func (s *Server) startSession(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	if req.StudentID == "" || req.Name == "" || req.Year == "" || req.Dept == "" {
		return fail(c, http.StatusBadRequest, "studentId, name, year and dept are required")
	}

	sess, err := s.registry.Start(c.Request().Context(), session.StartRequest{
		SubjectID:  req.StudentID,
		Name:       req.Name,
		CohortYear: req.Year,
		Department: req.Dept,
	})
	if errors.Is(err, session.ErrInvalidSubject) {
		return fail(c, http.StatusBadRequest, err.Error())
	}
	if err != nil {
		s.logger.Error("starting session", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "could not start session")
	}
	return c.JSON(http.StatusOK, map[string]string{"sessionId": sess.SessionID, "studentId": sess.SubjectID})
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9.-]+`)

// uploadName mirrors the raw upload naming <session>_<subject>_<dept>_<year>yr.webm.
func uploadName(sess types.Session, dept, year string) string {
	if dept == "" {
		dept = sess.Department
	}
	if year == "" {
		year = sess.CohortYear
	}
	return sess.SessionID + "_" + sess.SubjectID + "_" +
		unsafeChars.ReplaceAllString(dept, "_") + "_" +
		unsafeChars.ReplaceAllString(year, "_") + "yr.webm"
}

func (s *Server) upload(c echo.Context) error {
	ctx := c.Request().Context()
	sess, err := s.registry.Get(c.Param("sessionId"))
	if err != nil {
		return fail(c, http.StatusNotFound, "session not found")
	}
	// A running job is reading the canonical video; leave every file alone.
	if s.queue.InFlight(sess.SessionID) {
		return fail(c, http.StatusConflict, "extraction already queued or running for this session")
	}

	file, err := c.FormFile("video")
	if err != nil {
		return fail(c, http.StatusBadRequest, "multipart field 'video' is required")
	}

	details := session.Details{
		Name:       c.FormValue("name"),
		CohortYear: c.FormValue("year"),
		Department: c.FormValue("dept"),
	}
	dir := s.registry.SubjectDir(sess.SubjectID)
	raw := filepath.Join(dir, uploadName(sess, details.Department, details.CohortYear))
	if err := saveUpload(file, raw); err != nil {
		s.logger.Error("saving upload", zap.String("session", sess.SessionID), zap.Error(err))
		return fail(c, http.StatusInternalServerError, "could not store upload")
	}

	// Transcode next to the canonical file and swap it in only once the
	// session is known to be idle.
	canonical := filepath.Join(dir, sess.SessionID+".mp4")
	staging := filepath.Join(dir, sess.SessionID+".staging-"+strconv.FormatInt(time.Now().UnixNano(), 36)+".mp4")
	if err := s.transcoder.Run(ctx, raw, staging); err != nil {
		os.Remove(staging)
		var f *transcode.Failure
		if errors.As(err, &f) {
			return c.JSON(http.StatusUnprocessableEntity, map[string]any{
				"error":    "transcode failed",
				"reason":   f.Error(),
				"exitCode": f.ExitCode,
			})
		}
		return fail(c, http.StatusInternalServerError, err.Error())
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if s.queue.InFlight(sess.SessionID) {
		os.Remove(staging)
		return fail(c, http.StatusConflict, "extraction already queued or running for this session")
	}
	if err := os.Rename(staging, canonical); err != nil {
		os.Remove(staging)
		s.logger.Error("installing transcoded video", zap.String("session", sess.SessionID), zap.Error(err))
		return fail(c, http.StatusInternalServerError, "could not store transcoded video")
	}

	sess, err = s.registry.MarkUploaded(ctx, sess.SessionID, canonical, details)
	if err != nil {
		s.logger.Error("marking upload", zap.String("session", c.Param("sessionId")), zap.Error(err))
		return fail(c, http.StatusInternalServerError, "could not record upload")
	}
	return s.submit(c, sess)
}

func saveUpload(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (s *Server) extract(c echo.Context) error {
	sess, err := s.registry.Get(c.Param("sessionId"))
	if err != nil {
		return fail(c, http.StatusNotFound, "session not found")
	}
	if !sess.VideoUploaded || sess.VideoPath == "" {
		return fail(c, http.StatusBadRequest, "no video uploaded for this session")
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	return s.submit(c, sess)
}

// submit must be called with commitMu held.
func (s *Server) submit(c echo.Context, sess types.Session) error {
	err := s.queue.Submit(types.ExtractionJob{
		SessionID:           sess.SessionID,
		VideoPath:           sess.VideoPath,
		OutputDir:           s.registry.SubjectDir(sess.SubjectID),
		ConfidenceThreshold: s.settings.ConfidenceThreshold,
		PaddingRatio:        s.settings.PaddingRatio,
		EnqueuedAt:          time.Now(),
	})
	switch {
	case err == nil:
		return c.JSON(http.StatusAccepted, map[string]any{
			"sessionId": sess.SessionID,
			"status":    "queued",
			"videoPath": sess.VideoPath,
		})
	case errors.Is(err, scheduler.ErrQueueFull):
		c.Response().Header().Set("Retry-After", "30")
		return fail(c, http.StatusServiceUnavailable, "extraction queue is full, try again later")
	case errors.Is(err, scheduler.ErrDuplicateJob):
		return fail(c, http.StatusConflict, "extraction already queued or running for this session")
	case errors.Is(err, scheduler.ErrStopped):
		return fail(c, http.StatusServiceUnavailable, "server is shutting down")
	default:
		return fail(c, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) getSession(c echo.Context) error {
	sess, err := s.registry.Get(c.Param("sessionId"))
	if err != nil {
		return fail(c, http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) reset(c echo.Context) error {
	subject := c.Param("subjectId")

	// Held across the check and the reset so no job can be queued in between.
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	for _, sess := range s.registry.List(subject) {
		if s.queue.InFlight(sess.SessionID) {
			return fail(c, http.StatusConflict, "an extraction for this subject is still running")
		}
	}

	res, err := s.registry.Reset(c.Request().Context(), subject)
	if errors.Is(err, session.ErrInvalidSubject) {
		return fail(c, http.StatusBadRequest, err.Error())
	}
	if err != nil {
		s.logger.Error("resetting subject", zap.String("subject", subject), zap.Error(err))
		return fail(c, http.StatusInternalServerError, "could not reset subject")
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) queueStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.queue.Stats())
}
