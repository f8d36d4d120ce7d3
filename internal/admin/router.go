package admin

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"schedbot/internal/delivery/ledger"
	"schedbot/internal/delivery/orchestrator"
	"schedbot/internal/task/engine"
	"schedbot/internal/task/scheduler"
	logx "schedbot/pkg/logx"
)

type Orchestrator interface {
	Snapshot() orchestrator.Snapshot
	Trigger(name string) (string, error)
	Broadcast(ctx context.Context, req orchestrator.BroadcastRequest) (orchestrator.BroadcastResult, error)
	CountBroadcastTargets(ctx context.Context, target string) (int, error)
}

type Ledger interface {
	ParseFilter(v url.Values) (ledger.Filter, error)
	SummaryStats(ctx context.Context, f ledger.Filter) (ledger.Stats, error)
	QueryPage(ctx context.Context, f ledger.Filter, req ledger.PageRequest) (ledger.Page, error)
	ExportCSV(ctx context.Context, w io.Writer, f ledger.Filter) error
}

type EngineView interface{ Snapshot() engine.Snapshot }

type SchedulerView interface{ Snapshot() scheduler.Snapshot }

// Deps are the components the API reads from and drives. Engine, Scheduler
// and Metrics may be nil.
type Deps struct {
	Orchestrator Orchestrator
	Ledger       Ledger
	Engine       EngineView
	Scheduler    SchedulerView
	Metrics      prometheus.Gatherer
	Now          func() time.Time
}

func init() { gin.SetMode(gin.ReleaseMode) }

// NewRouter builds the gin engine. An empty token disables authentication.
func NewRouter(deps Deps, token string, log logx.Logger) *gin.Engine {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	h := &handlers{deps: deps, log: log}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))

	r.GET("/api/health", h.health)

	authed := r.Group("/", bearerAuth(token))
	{
		authed.GET("/api/schedule", h.schedule)
		authed.POST("/api/events/:name/run", h.runEvent)

		authed.POST("/api/broadcast", h.broadcast)
		authed.GET("/api/broadcast/count", h.broadcastCount)

		authed.GET("/api/logs", h.logs)
		authed.GET("/api/logs/stats", h.logStats)
		authed.GET("/api/logs/export", h.exportLogs)

		if deps.Metrics != nil {
			authed.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{})))
		}
	}
	return r
}

func bearerAuth(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func requestLogger(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("client_ip", c.ClientIP()),
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			log.Error("request failed", fields...)
		case status >= 400:
			log.Warn("request rejected", fields...)
		default:
			log.Debug("request", fields...)
		}
	}
}
