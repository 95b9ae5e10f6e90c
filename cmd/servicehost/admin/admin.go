// Package admin is the HTTP status surface of a service host.
package admin

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// PlaceStatus is one orchestrator's counters.
type PlaceStatus struct {
	Place     string `json:"place"`
	Queued    int    `json:"queued"`
	Capacity  int    `json:"capacity"`
	Processed int64  `json:"processed"`
	Dropped   int64  `json:"dropped"`
}

// Status is the host-wide snapshot served on /status.
type Status struct {
	Version       string        `json:"version"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	RuleVersions  []string      `json:"rule_versions"`
	JoinsPending  int           `json:"joins_pending"`
	Places        []PlaceStatus `json:"places"`
}

// Source answers status snapshots.
type Source interface {
	Status() Status
}

// NewEcho builds the admin HTTP handler.
func NewEcho(src Source) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "servicehost",
		})
	})
	e.GET("/status", func(c echo.Context) error {
		return c.JSON(http.StatusOK, src.Status())
	})
	return e
}
