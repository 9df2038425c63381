package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/kaytu-io/billing-scheduler/services/billing/api/entities"
	"github.com/kaytu-io/billing-scheduler/services/billing/scanner"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Check reports whether a dependency of the process is usable.
type Check func(ctx context.Context) error

type HttpServer struct {
	logger  *zap.Logger
	checks  map[string]Check
	scanner scanner.Scan
}

// InitializeHttpServer builds the keep-alive routes. scan may be nil, in which
// case manual scans are not offered.
func InitializeHttpServer(logger *zap.Logger, checks map[string]Check, scan scanner.Scan) *HttpServer {
	return &HttpServer{
		logger:  logger.Named("http"),
		checks:  checks,
		scanner: scan,
	}
}

func (h *HttpServer) Register(e *echo.Echo) {
	e.GET("/healthz", h.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	if h.scanner != nil {
		v1 := e.Group("/api/v1")
		v1.POST("/scans", h.TriggerScan)
	}
}

func (h *HttpServer) Health(ctx echo.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx.Request().Context(), 5*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := entities.HealthResponse{Status: entities.HealthStatusOK}
	for _, name := range names {
		if err := h.checks[name](reqCtx); err != nil {
			h.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			resp.Status = entities.HealthStatusUnavailable
			resp.Failing = append(resp.Failing, name)
		}
	}

	if resp.Status != entities.HealthStatusOK {
		return ctx.JSON(http.StatusServiceUnavailable, resp)
	}
	return ctx.JSON(http.StatusOK, resp)
}

// TriggerScan runs an expiry scan immediately, outside the schedule.
func (h *HttpServer) TriggerScan(ctx echo.Context) error {
	var req entities.ScanRequest
	if err := ctx.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}

	now := time.Now()
	if req.At != nil {
		now = *req.At
	}

	result, err := h.scanner.RunScan(ctx.Request().Context(), now)
	if err != nil {
		h.logger.Error("manual scan failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}

	resp := entities.ScanResponse{
		Published: result.Published,
		Skipped:   result.Skipped,
	}
	for _, err := range result.Errors {
		resp.Errors = append(resp.Errors, err.Error())
	}
	return ctx.JSON(http.StatusOK, resp)
}
