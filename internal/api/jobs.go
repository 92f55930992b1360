package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/chanscrape/chanscrape/internal/ingestion"
	"github.com/chanscrape/chanscrape/internal/job"
	"github.com/chanscrape/chanscrape/internal/logging"
	"github.com/chanscrape/chanscrape/pkg/lfn"
)

func (h *Handler) listJobs(c *gin.Context) {
	jobs, err := h.jobs.List(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	c.JSON(http.StatusOK, jobs)
}

func (h *Handler) createJob(c *gin.Context) {
	tracerID := c.Query("tracer_id")
	if tracerID == "" {
		writeError(c, http.StatusBadRequest, "tracer_id is required")
		return
	}
	if err := lfn.ValidTracerID(tracerID); err != nil {
		writeError(c, http.StatusBadRequest, "tracer_id may only contain letters, digits, '_', '.' and '-'")
		return
	}

	args := make(map[string]string)
	for key, values := range c.Request.URL.Query() {
		if key != "tracer_id" && len(values) > 0 {
			args[key] = values[0]
		}
	}

	j, err := h.jobs.Create(c.Request.Context(), tracerID, args)
	if err != nil {
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "failed to create job")
		return
	}
	c.JSON(http.StatusCreated, j)
}

// lookup resolves the :id parameter, writing the error response itself.
func (h *Handler) lookup(c *gin.Context) (*job.Job, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid job id")
		return nil, false
	}
	j, err := h.jobs.Get(c.Request.Context(), id)
	switch {
	case errors.Is(err, job.ErrNotFound):
		writeError(c, http.StatusNotFound, "job not found")
		return nil, false
	case err != nil:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "failed to load job")
		return nil, false
	}
	return j, true
}

func (h *Handler) getJob(c *gin.Context) {
	if j, ok := h.lookup(c); ok {
		c.JSON(http.StatusOK, j)
	}
}

// startJob runs the pipeline for a CREATED job in the background and returns
// 202 with the job as it was when accepted.
func (h *Handler) startJob(c *gin.Context) {
	channel := c.Query("channel_name")
	if channel == "" {
		writeError(c, http.StatusBadRequest, "channel_name is required")
		return
	}
	j, ok := h.lookup(c)
	if !ok {
		return
	}
	if j.State != job.StateCreated {
		writeError(c, http.StatusConflict, "job is "+string(j.State))
		return
	}
	if !h.claim(j.ID) {
		writeError(c, http.StatusConflict, "job is already starting")
		return
	}

	spec := ingestion.RunSpec{
		JobID:       j.ID,
		ChannelName: channel,
		TracerID:    j.TracerID,
		Job:         j.Clone(),
	}
	h.wg.Add(1)
	go h.run(spec)

	c.JSON(http.StatusAccepted, j)
}

func (h *Handler) claim(id int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, busy := h.running[id]; busy {
		return false
	}
	h.running[id] = struct{}{}
	return true
}

func (h *Handler) release(id int64) {
	h.mu.Lock()
	delete(h.running, id)
	h.mu.Unlock()
}

func (h *Handler) run(spec ingestion.RunSpec) {
	defer h.wg.Done()
	defer h.release(spec.JobID)

	log := h.log.With(logging.Int64("job_id", spec.JobID), logging.String("channel", spec.ChannelName))
	out, err := h.runner.Run(h.ctx, h.newSource(), spec)
	if err != nil {
		log.Error("job run failed", logging.Error(err))
		return
	}
	log.Info("job run completed",
		logging.String("state", string(out.State)),
		logging.Int("artifacts", len(out.OutputLFNs)),
	)
}
