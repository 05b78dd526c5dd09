package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay.evalgo.org/config"
)

func TestHealthCheckHandler(t *testing.T) {
	e := NewEchoServer(DefaultServerConfig(), nil)
	e.GET("/health", HealthCheckHandler("relay", "v1.2.3", func() map[string]interface{} {
		return map[string]interface{}{"active_sessions": 2}
	}))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "v1.2.3", body.Version)
	assert.EqualValues(t, 2, body.Details["active_sessions"])
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestErrorHandler(t *testing.T) {
	e := NewEchoServer(DefaultServerConfig(), nil)
	e.GET("/teapot", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusTeapot, "short and stout")
	})
	e.GET("/boom", func(c echo.Context) error {
		return errors.New("database on fire")
	})
	e.GET("/panic", func(c echo.Context) error {
		panic("oops")
	})

	tests := []struct {
		path    string
		code    int
		message string
	}{
		{"/teapot", http.StatusTeapot, "short and stout"},
		{"/boom", http.StatusInternalServerError, "database on fire"},
		{"/panic", http.StatusInternalServerError, ""},
		{"/missing", http.StatusNotFound, "Not Found"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.code, rec.Code)

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, http.StatusText(tt.code), body.Error)
			if tt.message != "" {
				assert.Equal(t, tt.message, body.Message)
			}
		})
	}
}

func TestBodyLimit(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.BodyLimit = "1K"
	e := NewEchoServer(cfg, nil)
	e.POST("/v1/execution", func(c echo.Context) error { return c.NoContent(http.StatusAccepted) })

	big := make([]byte, 4096)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/execution", bytes.NewReader(big))
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRateLimit(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.RateLimit = 1
	e := NewEchoServer(cfg, nil)
	e.GET("/v1/executions", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	codes := map[int]int{}
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/executions", nil))
		codes[rec.Code]++
	}
	assert.Positive(t, codes[http.StatusOK])
	assert.Positive(t, codes[http.StatusTooManyRequests])
}

func TestServerConfigFrom(t *testing.T) {
	got := ServerConfigFrom(config.ServerConfig{Host: "127.0.0.1", Port: 9000, RateLimit: 5, BodyLimit: "1M"})
	assert.Equal(t, "127.0.0.1", got.Host)
	assert.Equal(t, 9000, got.Port)
	assert.Equal(t, 5.0, got.RateLimit)
	assert.Equal(t, "1M", got.BodyLimit)
}

func TestServeShutsDownWithContext(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	cfg := DefaultServerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = port
	cfg.ShutdownTimeout = time.Second
	e := NewEchoServer(cfg, nil)
	e.GET("/health", HealthCheckHandler("relay", "test", nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, e, cfg, nil) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port)) + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
