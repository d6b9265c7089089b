// Package server wires the gin engine: cors, request logging and identity
// extraction, the worker poll/update surface, job status reads and admin
// actions, the STAC endpoints, and the operational endpoints (/healthz,
// /metrics).
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/geoharmony/orchestrator/internal/handlers"
	"github.com/geoharmony/orchestrator/internal/logger"
	"github.com/geoharmony/orchestrator/internal/middleware"
	"github.com/geoharmony/orchestrator/internal/observability"
)

type Handlers struct {
	Worker *handlers.WorkerHandler
	Job    *handlers.JobHandler
}

// NewRouter assembles the full route tree.
func NewRouter(log *logger.Logger, h Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.Default())
	r.Use(middleware.Identity())
	r.Use(middleware.AccessLog(log))

	r.GET("/healthz", handlers.Health)
	r.GET("/metrics", gin.WrapH(observability.Handler()))

	service := r.Group("/service")
	{
		service.GET("/work", h.Worker.GetWork)
		service.PUT("/work/:id", h.Worker.UpdateWork)
	}

	jobs := r.Group("/jobs")
	{
		jobs.GET("", h.Job.ListJobs)
		jobs.GET("/:jobID", h.Job.GetJob)
		jobs.POST("/:jobID/cancel", h.Job.Cancel)
		jobs.POST("/:jobID/pause", h.Job.Pause)
		jobs.POST("/:jobID/resume", h.Job.Resume)
		jobs.POST("/:jobID/skip-preview", h.Job.SkipPreview)
	}

	stac := r.Group("/stac")
	{
		stac.GET("/:jobID", h.Job.StacCatalog)
		stac.GET("/:jobID/:index", h.Job.StacItem)
	}

	return r
}

// RouterEngine adapts a gin.Engine to the errgroup-supervised lifecycle
// app.App runs it under: Run blocks serving HTTP until ctx is canceled, then
// shuts the listener down gracefully.
type RouterEngine struct {
	Engine *gin.Engine
}

func (re *RouterEngine) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: re.Engine}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

const shutdownGrace = 10 * time.Second

