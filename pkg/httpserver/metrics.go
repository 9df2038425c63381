package httpserver

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var RequestsCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kaytu",
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "Count of http requests",
}, []string{"method", "path", "status"})

var RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "kaytu",
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "Duration of http requests in seconds",
	Buckets:   prometheus.DefBuckets,
}, []string{"method", "path"})

// Metrics records request count and latency per route.
func Metrics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			path := c.Path()
			if path == "" {
				path = "unknown"
			}
			RequestsCount.WithLabelValues(c.Request().Method, path, strconv.Itoa(c.Response().Status)).Inc()
			RequestDuration.WithLabelValues(c.Request().Method, path).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}
