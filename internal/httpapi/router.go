// Package httpapi is the JSON API in front of the decision service.
package httpapi

import (
	"context"
	"net/http/pprof"
	"time"

	"notifyd/internal/decision"
	"notifyd/internal/engine"
	"notifyd/internal/metrics"
	"notifyd/internal/rules"
	"notifyd/internal/runtime/supervisor"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Decider makes and records one decision.
type Decider interface {
	Decide(ctx context.Context, ev engine.Event) (decision.Result, error)
}

// RuleSource is the rule store as seen by the API.
type RuleSource interface {
	Reload(ctx context.Context) rules.ReloadResult
	Version() int
}

// HistoryReader serves the per-user read endpoints.
type HistoryReader interface {
	AuditForUser(ctx context.Context, userID string, limit int) ([]storage.AuditEntry, error)
	PendingDeferred(ctx context.Context, userID string, limit int) ([]storage.DeferredEntry, error)
}

type Deps struct {
	Decider Decider
	Rules   RuleSource
	History HistoryReader
	Metrics *metrics.Metrics
	// Supervisor, when set, adds worker counters to /v1/health.
	Supervisor *supervisor.Supervisor
	Log        logx.Logger
}

type Options struct {
	// RatePerSec/Burst configure the token bucket in front of /v1. 0 disables it.
	RatePerSec  int
	Burst       int
	CORSOrigins []string
	Pprof       bool
}

type api struct {
	deps Deps
	log  logx.Logger
	now  func() time.Time
}

// NewRouter builds the gin engine with all routes and middleware installed.
func NewRouter(opts Options, deps Deps) *gin.Engine {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &api{deps: deps, log: log.With(logx.Component("http")), now: time.Now}

	r := gin.New()
	r.Use(recovery(a.log), requestLog(a.log, deps.Metrics))
	if c, ok := corsConfig(opts.CORSOrigins); ok {
		r.Use(cors.New(c))
	}

	r.GET("/", a.home)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	v1 := r.Group("/v1")
	if opts.RatePerSec > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = opts.RatePerSec
		}
		v1.Use(rateLimit(rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)))
	}
	v1.GET("/health", a.health)
	v1.POST("/decide", a.decide)
	v1.POST("/rules/reload", a.reloadRules)
	v1.GET("/users/:user_id/audit", a.userAudit)
	v1.GET("/users/:user_id/deferred", a.userDeferred)

	if opts.Pprof {
		mountPprof(r.Group("/debug/pprof"))
	}
	return r
}

func corsConfig(origins []string) (cors.Config, bool) {
	if len(origins) == 0 {
		return cors.Config{}, false
	}
	c := cors.DefaultConfig()
	c.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	c.AllowHeaders = []string{"Content-Type", "Authorization"}
	c.MaxAge = 12 * time.Hour
	for _, o := range origins {
		if o == "*" {
			c.AllowAllOrigins = true
			return c, true
		}
	}
	c.AllowOrigins = origins
	return c, true
}

func mountPprof(g *gin.RouterGroup) {
	g.GET("/", gin.WrapF(pprof.Index))
	g.GET("/cmdline", gin.WrapF(pprof.Cmdline))
	g.GET("/profile", gin.WrapF(pprof.Profile))
	g.GET("/symbol", gin.WrapF(pprof.Symbol))
	g.POST("/symbol", gin.WrapF(pprof.Symbol))
	g.GET("/trace", gin.WrapF(pprof.Trace))
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		g.GET("/"+name, gin.WrapH(pprof.Handler(name)))
	}
}
