package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/araddon/dateparse"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"netdash/internal/anomaly"
	"netdash/internal/dashboard"
	"netdash/internal/model"
	"netdash/internal/normalize"
	"netdash/internal/poller"
	"netdash/internal/reconcile"
	"netdash/internal/series"
)

var validate = validator.New()

// actionRequest is the optional body of a filter action.
type actionRequest struct {
	Band string `json:"band" validate:"omitempty,max=32,printascii"`
}

// statusFor maps domain errors to HTTP status codes. Anything unknown is
// treated as an upstream failure.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidRecord),
		errors.Is(err, reconcile.ErrUnknownAction),
		errors.Is(err, anomaly.ErrUnknownWindow):
		return http.StatusBadRequest
	case errors.Is(err, reconcile.ErrUnknownDevice),
		errors.Is(err, poller.ErrUnknownSource),
		errors.Is(err, series.ErrUnknownSeries),
		errors.Is(err, dashboard.ErrNotWatched):
		return http.StatusNotFound
	case errors.Is(err, reconcile.ErrActionPending),
		errors.Is(err, reconcile.ErrNothingPending),
		errors.Is(err, poller.ErrStopped):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleDevices(c *gin.Context) {
	view := s.dash.Store().View()
	devices := view.Devices()
	c.JSON(http.StatusOK, gin.H{
		"devices":    devices,
		"count":      len(devices),
		"updated_at": view.UpdatedAt(),
	})
}

func (s *Server) handleDevice(c *gin.Context) {
	mac, err := normalize.CanonicalMAC(c.Param("mac"))
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	dev, ok := s.dash.Device(mac)
	if !ok {
		writeError(c, http.StatusNotFound, fmt.Errorf("%w: %s", reconcile.ErrUnknownDevice, mac))
		return
	}
	c.JSON(http.StatusOK, dev)
}

func (s *Server) handleAction(action reconcile.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req actionRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				writeError(c, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
				return
			}
		}
		if err := validate.Struct(req); err != nil {
			writeError(c, http.StatusBadRequest, fmt.Errorf("validation failed: %w", err))
			return
		}

		dev, err := s.dash.Act(c.Request.Context(), c.Param("mac"), action, req.Band)
		if err != nil {
			writeError(c, statusFor(err), err)
			return
		}
		c.JSON(http.StatusOK, dev)
	}
}

func (s *Server) handleWatch(c *gin.Context) {
	mac, err := s.dash.Watch(c.Param("mac"))
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mac_address": mac, "series": series.DeviceSeries(mac)})
}

func (s *Server) handleUnwatch(c *gin.Context) {
	if err := s.dash.Unwatch(c.Param("mac")); err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSummary(c *gin.Context) {
	c.JSON(http.StatusOK, s.dash.Summary())
}

func (s *Server) handleAnomalies(c *gin.Context) {
	q := anomaly.Query{
		Search:   c.Query("q"),
		Since:    c.Query("since"),
		Category: c.Query("category"),
		Severity: model.Severity(c.Query("severity")),
	}
	recs, err := s.dash.Anomalies(q)
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"anomalies":  recs,
		"count":      len(recs),
		"categories": anomaly.Categories(recs),
	})
}

func (s *Server) handleAnomalyStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.dash.AnomalyStats())
}

func (s *Server) handleSeriesNames(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"series": s.dash.Series().Names()})
}

func (s *Server) handleSeries(c *gin.Context) {
	name := c.Param("name")
	points, err := s.dash.Series().Get(name)
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}

	switch c.DefaultQuery("format", "json") {
	case "json":
		c.JSON(http.StatusOK, gin.H{"name": name, "points": points})
	case "csv":
		c.Header("Content-Type", "text/csv")
		c.Status(http.StatusOK)
		if err := series.WriteCSV(c.Writer, points, series.Fields(points)); err != nil {
			s.log.Warnf("write series %s as csv: %v", name, err)
		}
	default:
		writeError(c, http.StatusBadRequest, fmt.Errorf("unsupported format %q", c.Query("format")))
	}
}

func (s *Server) handleSeriesSummary(c *gin.Context) {
	name := c.Param("name")
	field := c.Query("field")
	if field == "" {
		writeError(c, http.StatusBadRequest, errors.New("field is required"))
		return
	}
	since, err := parseSince(c.Query("since"), time.Now())
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	points, err := s.dash.Series().Get(name)
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, series.Summarize(points, field, since))
}

// parseSince accepts a lookback duration such as "15m" or an absolute time.
func parseSince(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("since must not be negative")
		}
		return now.Add(-d), nil
	}
	t, err := dateparse.ParseIn(raw, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid since %q", raw)
	}
	return t, nil
}

func (s *Server) handleSources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sources": s.dash.Sources()})
}

func (s *Server) handleRefreshAll(c *gin.Context) {
	err := s.dash.RefreshAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "sources": s.dash.Sources()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sources": s.dash.Sources()})
}

func (s *Server) handleRefresh(c *gin.Context) {
	name := c.Param("source")
	ran, err := s.dash.RefreshNow(c.Request.Context(), name)
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"source": name, "ran": ran})
}
