package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"schedbot/internal/delivery/ledger"
	"schedbot/internal/delivery/orchestrator"
	"schedbot/internal/task/engine"
	"schedbot/internal/task/scheduler"
	logx "schedbot/pkg/logx"
)

type handlers struct {
	deps Deps
	log  logx.Logger
}

type healthResponse struct {
	Status    string              `json:"status"`
	Delivery  deliveryHealth      `json:"delivery"`
	Engine    *engine.Snapshot    `json:"engine,omitempty"`
	Scheduler *scheduler.Snapshot `json:"scheduler,omitempty"`
}

type deliveryHealth struct {
	Started  bool   `json:"started"`
	Timezone string `json:"timezone"`
	Dedup    bool   `json:"dedup"`
	Events   int    `json:"events"`
}

func (h *handlers) health(c *gin.Context) {
	snap := h.deps.Orchestrator.Snapshot()
	resp := healthResponse{
		Status: "ok",
		Delivery: deliveryHealth{
			Started:  snap.Started,
			Timezone: snap.Timezone,
			Dedup:    snap.Dedup,
			Events:   len(snap.Events),
		},
	}
	if !snap.Started {
		resp.Status = "starting"
	}
	if h.deps.Engine != nil {
		es := h.deps.Engine.Snapshot()
		resp.Engine = &es
	}
	if h.deps.Scheduler != nil {
		ss := h.deps.Scheduler.Snapshot()
		resp.Scheduler = &ss
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) schedule(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Orchestrator.Snapshot())
}

func (h *handlers) runEvent(c *gin.Context) {
	name := c.Param("name")
	id, err := h.deps.Orchestrator.Trigger(name)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Info("manual run requested", logx.String("event", name), logx.String("run_id", id))
	c.JSON(http.StatusAccepted, gin.H{"event": name, "run_id": id})
}

func (h *handlers) broadcast(c *gin.Context) {
	var req orchestrator.BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid body: %v", err)})
		return
	}
	// The broadcast outlives a dropped client.
	res, err := h.deps.Orchestrator.Broadcast(context.WithoutCancel(c.Request.Context()), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handlers) broadcastCount(c *gin.Context) {
	target := c.DefaultQuery("target", "all")
	n, err := h.deps.Orchestrator.CountBroadcastTargets(c.Request.Context(), target)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"target": target, "count": n})
}

func (h *handlers) logs(c *gin.Context) {
	q := c.Request.URL.Query()
	f, err := h.deps.Ledger.ParseFilter(q)
	if err != nil {
		h.fail(c, err)
		return
	}
	ctx := c.Request.Context()
	page, err := h.deps.Ledger.QueryPage(ctx, f, ledger.ParsePage(q))
	if err != nil {
		h.fail(c, err)
		return
	}
	stats, err := h.deps.Ledger.SummaryStats(ctx, f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": page, "stats": stats})
}

func (h *handlers) logStats(c *gin.Context) {
	f, err := h.deps.Ledger.ParseFilter(c.Request.URL.Query())
	if err != nil {
		h.fail(c, err)
		return
	}
	stats, err := h.deps.Ledger.SummaryStats(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *handlers) exportLogs(c *gin.Context) {
	f, err := h.deps.Ledger.ParseFilter(c.Request.URL.Query())
	if err != nil {
		h.fail(c, err)
		return
	}
	name := "delivery_logs_" + h.deps.Now().Format("20060102_150405") + ".csv"
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Status(http.StatusOK)

	// Headers are gone by the time a row fails; the truncated file is all
	// the client gets.
	if err := h.deps.Ledger.ExportCSV(c.Request.Context(), c.Writer, f); err != nil {
		h.log.Error("csv export failed", logx.Err(err))
	}
}

func (h *handlers) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("admin request failed", logx.String("path", c.FullPath()), logx.Err(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownEvent):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrOverlapSkip):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrNotStarted), errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrInvalidTarget),
		errors.Is(err, orchestrator.ErrEmptyText),
		errors.Is(err, ledger.ErrInvalidFilter):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
