// Package api exposes the scanner's latest result, alert history and
// Prometheus metrics over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"GapSentinel/internal/model"
	"GapSentinel/internal/scanner"
)

// ScanSource provides scan results and on-demand cycles.
type ScanSource interface {
	Latest() *model.ScanResult
	Scan(ctx context.Context) (*model.ScanResult, error)
}

// AlertSource provides alert history.
type AlertSource interface {
	History(limit int) []model.AlertRecord
	Stats() model.AlertStats
}

// Response is the envelope of every JSON reply.
type Response struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// AlertsRequest is the query of GET /api/v1/alerts.
type AlertsRequest struct {
	Limit int `query:"limit" default:"50" validate:"gte=1,lte=500"`
}

// Server wraps an Echo instance.
type Server struct {
	echo     *echo.Echo
	addr     string
	scans    ScanSource
	alerts   AlertSource
	validate *validator.Validate
	log      zerolog.Logger
	started  time.Time
}

// New builds the server and registers routes. metrics may be nil.
func New(addr string, scans ScanSource, alerts AlertSource, metrics http.Handler, log zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		addr:     addr,
		scans:    scans,
		alerts:   alerts,
		validate: validator.New(),
		log:      log.With().Str("component", "api").Logger(),
		started:  time.Now(),
	}

	e.Use(s.recoverPanics, s.requestLogging)

	e.GET("/healthz", s.health)
	g := e.Group("/api/v1")
	g.GET("/scan/latest", s.latestScan)
	g.GET("/scan/summary", s.summary)
	g.POST("/scan", s.triggerScan)
	g.GET("/alerts", s.alertHistory)
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics))
	}
	return s
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start listens in the background.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("http server listening")
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("http server error")
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.log.Info().Msg("http server stopped")
	return nil
}

func reply(c echo.Context, status int, data any) error {
	return c.JSON(status, Response{Status: status, Message: http.StatusText(status), Data: data})
}

func (s *Server) health(c echo.Context) error {
	body := map[string]any{
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	if res := s.scans.Latest(); res != nil {
		body["lastScan"] = res.ScanNumber
		body["lastScanAt"] = res.CompletedAt
	}
	return reply(c, http.StatusOK, body)
}

func (s *Server) latestScan(c echo.Context) error {
	res := s.scans.Latest()
	if res == nil {
		return reply(c, http.StatusNotFound, "no scan has completed yet")
	}
	return reply(c, http.StatusOK, res)
}

func (s *Server) summary(c echo.Context) error {
	res := s.scans.Latest()
	if res == nil {
		return reply(c, http.StatusNotFound, "no scan has completed yet")
	}
	return reply(c, http.StatusOK, res.Summarize())
}

func (s *Server) triggerScan(c echo.Context) error {
	res, err := s.scans.Scan(c.Request().Context())
	switch {
	case err == nil:
		return reply(c, http.StatusOK, res.Summarize())
	case errors.Is(err, scanner.ErrScanInProgress):
		return reply(c, http.StatusConflict, err.Error())
	default:
		s.log.Error().Err(err).Msg("on-demand scan failed")
		return reply(c, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) alertHistory(c echo.Context) error {
	req := &AlertsRequest{}
	if err := c.Bind(req); err != nil {
		return reply(c, http.StatusBadRequest, err.Error())
	}
	if err := defaults.Set(req); err != nil {
		return reply(c, http.StatusBadRequest, err.Error())
	}
	if err := s.validate.StructCtx(c.Request().Context(), req); err != nil {
		return reply(c, http.StatusBadRequest, "limit must be between 1 and 500")
	}
	return reply(c, http.StatusOK, map[string]any{
		"alerts": s.alerts.History(req.Limit),
		"stats":  s.alerts.Stats(),
	})
}

func (s *Server) requestLogging(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		req := c.Request()
		s.log.Debug().Str("method", req.Method).Str("uri", req.RequestURI).
			Int("status", c.Response().Status).Dur("latency", time.Since(start)).Msg("request")
		return nil
	}
}

func (s *Server) recoverPanics(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().Interface("panic", r).Str("uri", c.Request().RequestURI).Msg("handler panic")
				err = reply(c, http.StatusInternalServerError, "internal error")
			}
		}()
		return next(c)
	}
}
