package rpc

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/imagvfx/stash"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

type httpHandler struct {
	d *stash.Director
}

// NewHTTPHandler creates a http handler showing the director's jobs and queue.
// It serves metrics of g at /metrics, when g isn't nil.
func NewHTTPHandler(d *stash.Director, g prometheus.Gatherer) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), logRequest)
	h := &httpHandler{d: d}
	api := r.Group("/api")
	api.GET("/jobs", h.listJobs)
	api.POST("/jobs", h.runJob)
	api.GET("/jobs/:id", h.getJob)
	api.POST("/jobs/:id/cancel", h.cancelJob)
	api.GET("/queue", h.queue)
	if g != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))
	}
	return r
}

func logRequest(c *gin.Context) {
	start := time.Now()
	c.Next()
	log.WithFields(log.Fields{
		"method":  c.Request.Method,
		"path":    c.Request.URL.Path,
		"status":  c.Writer.Status(),
		"elapsed": time.Since(start),
	}).Debug("http request")
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, stash.ErrUnknownJob), errors.Is(err, stash.ErrUnknownJobDef):
		return http.StatusNotFound
	case errors.Is(err, stash.ErrQueueShutdown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func jobID(c *gin.Context) (stash.JobID, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return 0, false
	}
	return stash.JobID(id), true
}

func (h *httpHandler) listJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"jobs":    h.d.Jobs(),
		"history": h.d.History(),
	})
}

func (h *httpHandler) getJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	if j := h.d.Get(id); j != nil {
		c.JSON(http.StatusOK, j.Info())
		return
	}
	for _, info := range h.d.History() {
		if info.ID == id {
			c.JSON(http.StatusOK, info)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
}

func (h *httpHandler) runJob(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	o, err := req.Override()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := h.d.RunDef(req.Job, o)
	if err != nil {
		c.JSON(httpStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (h *httpHandler) cancelJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	if err := h.d.Cancel(id); err != nil {
		c.JSON(httpStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "job canceled"})
}

func (h *httpHandler) queue(c *gin.Context) {
	c.JSON(http.StatusOK, h.d.Queue().Stats())
}
