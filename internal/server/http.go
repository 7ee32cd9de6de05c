// Package server exposes models over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"path"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modelhub/internal/core"
	"modelhub/internal/usage"
)

// DefaultBodyLimit caps request bodies when Config.BodyLimit is empty.
const DefaultBodyLimit = "10M"

// Server wraps the Echo server
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// Config holds server configuration options
type Config struct {
	MasterKey      string // Optional: bearer key required on /v1 routes
	MetricsEnabled bool
	MetricsPath    string // default: /metrics
	// Gatherer backs the metrics endpoint; nil uses the default registry.
	Gatherer  prometheus.Gatherer
	BodyLimit string // echo size syntax, e.g. "10M"
	// Usage serves /v1/usage when set.
	Usage usage.Reader
}

// New creates a new HTTP server
func New(backend Backend, cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	handler := NewHandler(backend, cfg.Usage)

	publicPaths := []string{"/health"}
	metricsPath := "/metrics"
	if cfg.MetricsEnabled {
		if cfg.MetricsPath != "" {
			metricsPath = path.Clean("/" + cfg.MetricsPath)
		}
		publicPaths = append(publicPaths, metricsPath)
	}

	bodyLimit := cfg.BodyLimit
	if bodyLimit == "" {
		bodyLimit = DefaultBodyLimit
	}

	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(requestContext)
	e.Use(requestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(bodyLimit))
	if cfg.MasterKey != "" {
		e.Use(AuthMiddleware(cfg.MasterKey, publicPaths...))
	}

	e.GET("/health", handler.Health)
	if cfg.MetricsEnabled {
		gatherer := cfg.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		e.GET(metricsPath, echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := e.Group("/v1")
	v1.GET("/models", handler.ListModels)
	v1.POST("/generate", handler.Generate)
	v1.POST("/generate/stream", handler.GenerateStream)
	v1.POST("/chat", handler.Chat)
	v1.POST("/chat/stream", handler.ChatStream)
	v1.GET("/usage", handler.Usage)

	return &Server{echo: e, handler: handler}
}

// requestContext copies the request id into the request context so
// decorators and the usage ledger see it.
func requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Response().Header().Get(echo.HeaderXRequestID)
		ctx := core.WithRequestID(c.Request().Context(), id)
		ctx = core.WithCaller(ctx, c.Request().URL.Path)
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				slog.Warn("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			slog.Info("request", attrs...)
			return nil
		},
	})
}

// Start starts the HTTP server on the given address
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements the http.Handler interface, allowing Server to be used with httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
