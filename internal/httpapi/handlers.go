package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"notifyd/internal/decision"
	"notifyd/internal/engine"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"

	"github.com/gin-gonic/gin"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// decideRequest is the POST /v1/decide body. Timestamps are kept as strings so an
// unparseable value degrades to the processing instant instead of failing the request.
type decideRequest struct {
	UserID       string         `json:"user_id" binding:"required"`
	EventType    string         `json:"event_type" binding:"required"`
	Message      string         `json:"message" binding:"required"`
	Source       string         `json:"source"`
	PriorityHint string         `json:"priority_hint"`
	Timestamp    string         `json:"timestamp" binding:"required"`
	Channel      string         `json:"channel" binding:"required,oneof=push email sms in_app"`
	DedupeKey    string         `json:"dedupe_key"`
	ExpiresAt    string         `json:"expires_at"`
	Metadata     map[string]any `json:"metadata"`
}

func (r decideRequest) event() engine.Event {
	ev := engine.Event{
		UserID:       r.UserID,
		EventType:    r.EventType,
		Message:      r.Message,
		Source:       r.Source,
		PriorityHint: r.PriorityHint,
		Timestamp:    engine.ParseInstant(r.Timestamp),
		Channel:      engine.Channel(r.Channel),
		DedupeKey:    r.DedupeKey,
		Metadata:     r.Metadata,
	}
	if r.ExpiresAt != "" {
		ev.ExpiresAt = engine.ParseInstant(r.ExpiresAt)
	}
	return ev
}

func (a *api) home(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "notifyd",
		"health":  "/v1/health",
		"metrics": "/metrics",
	})
}

func (a *api) health(c *gin.Context) {
	body := gin.H{
		"ok":            true,
		"rules_version": a.deps.Rules.Version(),
		"time":          engine.FormatTime(a.now().UTC()),
	}
	if a.deps.Supervisor != nil {
		body["workers"] = a.deps.Supervisor.Counters()
	}
	c.JSON(http.StatusOK, body)
}

func (a *api) decide(c *gin.Context) {
	var req decideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	res, err := a.deps.Decider.Decide(c.Request.Context(), req.event())
	if err != nil {
		_ = c.Error(err)
		a.log.Warn("decide failed", logx.String("user_id", req.UserID), logx.Err(err))
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": "decision failed"})
		return
	}
	c.JSON(http.StatusOK, res.Response())
}

func (a *api) reloadRules(c *gin.Context) {
	res := a.deps.Rules.Reload(c.Request.Context())
	version := 0
	if res.Snapshot != nil {
		version = res.Snapshot.Version
	}
	if res.Err != nil {
		_ = c.Error(res.Err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"ok":      false,
			"version": version,
			"message": "Rules rejected; previous rules remain active",
			"error":   res.Err.Error(),
		})
		return
	}
	msg := "Rules reloaded"
	if !res.Swapped {
		msg = "Rules unchanged"
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "version": version, "message": msg})
}

func (a *api) userAudit(c *gin.Context) {
	limit, ok := listLimit(c)
	if !ok {
		return
	}
	userID := c.Param("user_id")
	items, err := a.deps.History.AuditForUser(c.Request.Context(), userID, limit)
	if err != nil {
		a.readFailed(c, err)
		return
	}
	if items == nil {
		items = []storage.AuditEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "items": items})
}

func (a *api) userDeferred(c *gin.Context) {
	limit, ok := listLimit(c)
	if !ok {
		return
	}
	userID := c.Param("user_id")
	items, err := a.deps.History.PendingDeferred(c.Request.Context(), userID, limit)
	if err != nil {
		a.readFailed(c, err)
		return
	}
	if items == nil {
		items = []storage.DeferredEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "items": items})
}

func (a *api) readFailed(c *gin.Context, err error) {
	_ = c.Error(err)
	a.log.Warn("history read failed", logx.String("user_id", c.Param("user_id")), logx.Err(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
}

func listLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}

var _ Decider = (*decision.Service)(nil)
