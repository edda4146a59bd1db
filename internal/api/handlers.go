package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"feederd/internal/device"
	"feederd/internal/feeder"
	"feederd/internal/history"
	"feederd/internal/scheduler"
)

// health always answers 200; the body says which parts are degraded.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 500*time.Millisecond)
	defer cancel()

	remoteState := "ok"
	if err := s.deps.Remote.Ping(ctx); err != nil {
		remoteState = "unavailable"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"uptime_s":  int64(time.Since(s.deps.StartedAt).Seconds()),
		"device":    s.deps.Device.Status(),
		"scheduler": s.deps.Scheduler.Snapshot(),
		"remote":    remoteState,
	})
}

func (s *Server) sensors(c *gin.Context) {
	all := s.deps.Device.Readings()
	c.JSON(http.StatusOK, gin.H{"sensors": all, "count": len(all)})
}

func (s *Server) sensorByName(c *gin.Context) {
	name := c.Param("name")
	snap, ok := s.deps.Device.SnapshotFor(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown sensor", "sensor": name})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) schedulerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Scheduler.Snapshot())
}

func (s *Server) schedulerStart(c *gin.Context) {
	s.deps.StartScheduler()
	c.JSON(http.StatusOK, s.deps.Scheduler.Snapshot())
}

func (s *Server) schedulerStop(c *gin.Context) {
	s.deps.StopScheduler()
	c.JSON(http.StatusOK, s.deps.Scheduler.Snapshot())
}

func (s *Server) schedulerSettings(c *gin.Context) {
	var patch scheduler.SettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	st, err := s.deps.Scheduler.UpdateSettings(c.Request.Context(), patch)
	if err != nil {
		var verr *scheduler.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Reason, "field": verr.Field})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": st})
}

// feedStart validates, answers 202, and runs the sequence on the daemon's
// supervisor. Progress lands in /api/feed/status and the feed history.
func (s *Server) feedStart(c *gin.Context) {
	var req feeder.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	if req.FeedSize <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "feed_size must be positive"})
		return
	}
	if req.BlowerDuration < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "blower_duration must not be negative"})
		return
	}
	if s.deps.Feeder.Snapshot().IsRunning {
		c.JSON(http.StatusConflict, gin.H{"error": feeder.ErrFeedInProgress.Error()})
		return
	}

	req.Source = feeder.SourceManual
	s.deps.RunAsync("api.feed", func(ctx context.Context) {
		// The result is recorded and published by the feeder itself.
		_, _ = s.deps.Feeder.Feed(ctx, req)
	})
	c.JSON(http.StatusAccepted, gin.H{
		"status":          "accepted",
		"feed_size":       req.FeedSize,
		"blower_duration": req.BlowerDuration,
	})
}

func (s *Server) feedStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Feeder.Snapshot())
}

func (s *Server) feedStop(c *gin.Context) {
	if err := s.deps.Feeder.StopAll(); err != nil {
		s.commandError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) alertsActive(c *gin.Context) {
	recs, err := s.deps.Alerts.ActiveAlerts(c.Request.Context())
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": recs, "count": len(recs)})
}

func (s *Server) alertsLog(c *gin.Context) {
	limit := int64(50)
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	entries, err := s.deps.Alerts.RecentLog(c.Request.Context(), limit)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) historySensors(c *gin.Context) {
	limit, ok := limitQuery(c, 100)
	if !ok {
		return
	}
	rows, err := s.deps.History.RecentSensors(c.Request.Context(), c.Query("sensor"), limit)
	if err != nil {
		historyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows, "count": len(rows)})
}

func (s *Server) historyFeeds(c *gin.Context) {
	limit, ok := limitQuery(c, 50)
	if !ok {
		return
	}
	rows, err := s.deps.History.RecentFeeds(c.Request.Context(), limit)
	if err != nil {
		historyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows, "count": len(rows)})
}

func (s *Server) historyAlerts(c *gin.Context) {
	limit, ok := limitQuery(c, 50)
	if !ok {
		return
	}
	rows, err := s.deps.History.RecentAlerts(c.Request.Context(), limit)
	if err != nil {
		historyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows, "count": len(rows)})
}

// control dispatches one board command. Unknown device/action pairs answer
// 400, a down link 503, a response timeout 504.
func (s *Server) control(c *gin.Context) {
	target := c.Param("device")
	action := c.Param("action")

	value, ok := s.controlValue(c)
	if !ok {
		return
	}

	// sensors/status is the one command that waits for a response.
	if target == "sensors" && action == "status" {
		st, err := s.deps.Control.SensorsStatus(c.Request.Context())
		if err != nil {
			s.commandError(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
		return
	}

	if err := s.dispatch(target, action, value); err != nil {
		s.commandError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent", "device": target, "action": action})
}

// controlValue reads the optional numeric argument from ?value= or the JSON
// body. A reply has already been written when ok is false.
func (s *Server) controlValue(c *gin.Context) (int, bool) {
	if raw := c.Query("value"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "value must be an integer"})
			return 0, false
		}
		return n, true
	}
	if c.Request.Body != nil && c.Request.ContentLength > 0 {
		var body struct {
			Value *int `json:"value"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
			return 0, false
		}
		if body.Value != nil {
			return *body.Value, true
		}
	}
	return 0, true
}

func (s *Server) dispatch(target, action string, value int) error {
	ctrl := s.deps.Control
	switch target {
	case "blower":
		return ctrl.ControlBlower(action, value)
	case "actuator":
		return ctrl.ControlActuator(action)
	case "auger":
		return ctrl.ControlAuger(action, value)
	case "relay":
		relayTarget, relayAction, found := strings.Cut(action, "_")
		if !found {
			return fmt.Errorf("%w: relay action %q", device.ErrUnknownCommand, action)
		}
		return ctrl.ControlRelay(relayTarget, relayAction)
	case "sensors":
		switch action {
		case "start":
			return ctrl.SensorsStart()
		case "stop":
			return ctrl.SensorsStop()
		case "interval":
			return ctrl.SensorsInterval(value)
		default:
			return fmt.Errorf("%w: sensors action %q", device.ErrUnknownCommand, action)
		}
	case "feeder":
		if action == "stop" {
			return s.deps.Feeder.StopAll()
		}
		return fmt.Errorf("%w: feeder action %q (feeding starts via /api/feed)", device.ErrUnknownCommand, action)
	default:
		return fmt.Errorf("%w: device %q", device.ErrUnknownCommand, target)
	}
}

func (s *Server) commandError(c *gin.Context, err error) {
	var timeoutErr *device.CommandTimeoutError
	switch {
	case errors.Is(err, device.ErrUnknownCommand):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, device.ErrNotConnected):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": device.ErrNotConnected.Error()})
	case errors.As(err, &timeoutErr):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error(), "partial": timeoutErr.Partial})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func storeError(c *gin.Context, err error) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shared store unavailable: " + err.Error()})
}

func historyError(c *gin.Context, err error) {
	if errors.Is(err, history.ErrDisabled) {
		c.JSON(http.StatusNotFound, gin.H{"error": history.ErrDisabled.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// limitQuery parses ?limit= with a default. A reply has already been written
// when ok is false.
func limitQuery(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return n, true
}
