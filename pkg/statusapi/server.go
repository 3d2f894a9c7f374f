// Package statusapi serves a read-only HTTP view of the daemon: the last
// watch cycle, the scheduler queue, and background jobs.
package statusapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"kiln/pkg/jobs"
	"kiln/pkg/logging"
	"kiln/pkg/scheduler"
	"kiln/pkg/watch"
)

// Jobs is the read side of the background runner.
type Jobs interface {
	ListJobs() ([]jobs.Info, error)
	JobStatus(id string) (*jobs.Info, error)
	JobLogs(id string) (*string, error)
}

// Status exposes the watch loop. *watch.Watcher satisfies it.
type Status interface {
	LastSummary() (watch.Summary, bool)
	SchedulerStats() scheduler.Stats
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Repository string          `json:"repository"`
	StartedAt  time.Time       `json:"started_at"`
	Uptime     string          `json:"uptime"`
	LastCycle  *watch.Summary  `json:"last_cycle"`
	Scheduler  scheduler.Stats `json:"scheduler"`
}

// LogsResponse is the body of GET /api/v1/jobs/:id/logs. Logs is null when
// the job has produced no output yet.
type LogsResponse struct {
	JobID string  `json:"job_id"`
	Logs  *string `json:"logs"`
}

// Server is the status API.
type Server struct {
	e          *echo.Echo
	addr       string
	repository string
	status     Status
	jobs       Jobs
	started    time.Time
}

// New builds the server and its routes.
func New(addr, repository string, status Status, runner Jobs) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = HTTPErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger())

	s := &Server{e: e, addr: addr, repository: repository, status: status, jobs: runner, started: time.Now()}

	e.GET("/healthz", s.health)
	v1 := e.Group("/api/v1")
	v1.GET("/status", s.getStatus)
	v1.GET("/jobs", s.listJobs)
	v1.GET("/jobs/:id", s.getJob)
	v1.GET("/jobs/:id/logs", s.getJobLogs)
	return s
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler { return s.e }

// Serve listens on the configured address until ctx is done, then shuts
// down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("statusapi: listening", "addr", s.addr)
		if err := s.e.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("status api: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status api shutdown: %w", err)
	}
	return nil
}

func (s *Server) health(c echo.Context) error {
	return JSON(c, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getStatus(c echo.Context) error {
	resp := StatusResponse{
		Repository: s.repository,
		StartedAt:  s.started.UTC(),
		Uptime:     time.Since(s.started).Truncate(time.Second).String(),
		Scheduler:  s.status.SchedulerStats(),
	}
	if sum, ok := s.status.LastSummary(); ok {
		resp.LastCycle = &sum
	}
	return JSON(c, http.StatusOK, resp)
}

func (s *Server) listJobs(c echo.Context) error {
	list, err := s.jobs.ListJobs()
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, list)
}

func (s *Server) getJob(c echo.Context) error {
	info, err := s.jobs.JobStatus(c.Param("id"))
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, info)
}

func (s *Server) getJobLogs(c echo.Context) error {
	id := c.Param("id")
	logs, err := s.jobs.JobLogs(id)
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, LogsResponse{JobID: id, Logs: logs})
}

// requestLogger logs each request with a per-request logger.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			log := logging.NewRequestLogger()
			if rid := c.Response().Header().Get(echo.HeaderXRequestID); rid != "" {
				log = slog.With("request_id", rid)
			}
			log.Debug("http request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return err
		}
	}
}
