// Package http assembles the two echo servers: the public server the
// telephony provider talks to, and the admin server for operators.
package http

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tetrixcorps/voicecore/internal/service"
	v1 "github.com/tetrixcorps/voicecore/internal/transport/http/v1"
	"github.com/tetrixcorps/voicecore/internal/transport/http/webhook"
	"github.com/tetrixcorps/voicecore/internal/transport/ws"
)

// NewPublicServer builds the provider-facing server: webhooks and media
// streaming, no CORS.
func NewPublicServer(svc *service.Service, webhookSecret string, mediaMax int) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.GET("/health", health)

	webhook.NewHandler(svc, webhookSecret).Register(e)
	ws.NewMediaHandler(svc, mediaMax).Register(e)

	return e
}

// NewAdminServer builds the operator-facing server: registry APIs, call
// audit and metrics.
func NewAdminServer(svc *service.Service) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	e.GET("/health", health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1.NewHandler(svc).Register(e)

	return e
}

func health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}
