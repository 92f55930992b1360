// Package api implements the job service HTTP API: create, list, inspect and
// start scraping jobs.
package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chanscrape/chanscrape/internal/ingestion"
	"github.com/chanscrape/chanscrape/internal/job"
	"github.com/chanscrape/chanscrape/internal/logging"
	"github.com/chanscrape/chanscrape/internal/source"
)

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, src source.Source, spec ingestion.RunSpec) (*ingestion.Output, error)
}

// SourceFactory opens a fresh messaging source for each run.
type SourceFactory func() source.Source

// Handler serves the job API. Started jobs run in the background under the
// context given to NewHandler.
type Handler struct {
	ctx       context.Context
	jobs      *job.Manager
	runner    Runner
	newSource SourceFactory
	log       logging.Logger

	mu      sync.Mutex
	running map[int64]struct{}
	wg      sync.WaitGroup
}

// NewHandler creates a Handler.
func NewHandler(ctx context.Context, jobs *job.Manager, runner Runner, newSource SourceFactory, log logging.Logger) *Handler {
	if log == nil {
		log = logging.NewNop()
	}
	return &Handler{
		ctx:       ctx,
		jobs:      jobs,
		runner:    runner,
		newSource: newSource,
		log:       log,
		running:   make(map[int64]struct{}),
	}
}

// Router builds the gin engine. An empty apiKey disables authentication.
// gatherer serves /metrics; nil uses the default registry.
func (h *Handler) Router(apiKey string, gatherer prometheus.Gatherer) *gin.Engine {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(h.log), CORS())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	jobs := r.Group("/job", APIKeyAuth(apiKey))
	jobs.GET("", h.listJobs)
	jobs.POST("", h.createJob)
	jobs.GET("/:id", h.getJob)
	jobs.POST("/:id/start", h.startJob)
	return r
}

// Wait blocks until every background run has returned.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func writeError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
