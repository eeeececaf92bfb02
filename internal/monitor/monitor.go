// Package monitor exposes training progress over HTTP: GET /stats returns the
// current metric snapshot as JSON, GET /healthz reports liveness.
package monitor

import (
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/quantlab/dorefa/internal/train"
)

// Server serves the stats endpoint.
type Server struct {
	stats *train.Stats
}

// NewServer wraps a stats accumulator.
func NewServer(stats *train.Stats) *Server {
	return &Server{stats: stats}
}

// Register installs the routes on e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/stats", s.handleStats)
	e.GET("/healthz", s.handleHealthz)
}

func (s *Server) handleStats(c *echo.Context) error {
	body, err := json.Marshal(s.stats.Snapshot())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSONBlob(http.StatusOK, body)
}

func (s *Server) handleHealthz(c *echo.Context) error {
	return c.String(http.StatusOK, "ok")
}
