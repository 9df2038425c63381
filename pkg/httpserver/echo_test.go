package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kaytu-io/billing-scheduler/pkg/config"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type request struct {
	Name string `json:"name" validate:"required"`
}

type testRoutes struct{}

func (testRoutes) Register(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	e.GET("/broken", func(c echo.Context) error {
		return errors.New("broken")
	})
	e.POST("/items", func(c echo.Context) error {
		var req request
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if err := c.Validate(req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return c.JSON(http.StatusCreated, req)
	})
}

func serve(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRegister(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	e := Register(zap.New(core), testRoutes{})

	assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/healthz/", "").Code)
	assert.Equal(t, http.StatusInternalServerError, serve(e, http.MethodGet, "/broken", "").Code)
	assert.Equal(t, http.StatusBadRequest, serve(e, http.MethodPost, "/items", `{}`).Code)
	assert.Equal(t, http.StatusCreated, serve(e, http.MethodPost, "/items", `{"name":"basic"}`).Code)

	// health probes are not access logged
	assert.Zero(t, logs.FilterField(zap.String("request", "GET /healthz/")).Len())
	assert.Equal(t, 1, logs.FilterMessage("Server error").Len())
	assert.Equal(t, 1, logs.FilterMessage("Client error").Len())
	assert.Equal(t, 1, logs.FilterMessage("Success").Len())
}

func TestRegisterAndStartStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- RegisterAndStart(ctx, zap.NewNop(), "127.0.0.1:0", config.Tracing{}, testRoutes{})
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not stop")
	}
}
