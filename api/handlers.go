// Package api provides the HTTP surface of the relay: job submission, the
// polling read of a session's executions and the health read used by the
// viewer's alerting.
//
// Routes:
//
//	POST /v1/execution            submit an execution, 202 with its id
//	GET  /v1/executions           the caller's executions, newest first
//	POST /v1/executions/refresh   reload the caller's executions from the log
//	GET  /v1/health/bad           analytics whose last probe failed
//	GET  /v1/clients/:client      cached state of one session
//
// The caller's session is chosen by the configured identity policy.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"relay.evalgo.org/common"
	"relay.evalgo.org/dispatch"
	"relay.evalgo.org/session"
)

// Dispatcher submits executions.
type Dispatcher interface {
	Dispatch(ctx context.Context, clientID string, req common.ExecutionRequest) (*common.ExecutionRecord, error)
}

// HealthReader reports unhealthy analytics.
type HealthReader interface {
	Unhealthy(ctx context.Context) ([]common.ServiceHealthEntry, error)
}

// Handlers serves the relay API.
type Handlers struct {
	Dispatcher Dispatcher
	Sessions   *session.Registry
	Health     HealthReader
	Identity   session.IdentityPolicy
	Logger     *common.ContextLogger
}

// Accepted is the body of a 202 answer to POST /v1/execution.
type Accepted struct {
	ExecutionID string `json:"executionId"`
	Status      string `json:"status"`
}

// ClientView is the body of GET /v1/clients/:client.
type ClientView struct {
	ID                string                    `json:"id"`
	ResponsesExpected int                       `json:"responsesExpected"`
	LastTouched       string                    `json:"lastTouched"`
	Executions        []*common.ExecutionRecord `json:"executions"`
}

// Register adds the API routes to e.
func (h *Handlers) Register(e *echo.Echo) {
	if h.Identity == nil {
		h.Identity = session.SharedPolicy{}
	}
	h.Logger = common.ComponentLogger(h.Logger, "api")

	v1 := e.Group("/v1")
	v1.POST("/execution", h.submit)
	v1.GET("/executions", h.executions)
	v1.POST("/executions/refresh", h.refresh)
	v1.GET("/health/bad", h.badHealth)
	v1.GET("/clients/:client", h.client)
}

// clientID resolves and activates the caller's session.
func (h *Handlers) clientID(c echo.Context) string {
	id := h.Identity.Identify(c.Response(), c.Request())
	ctx := c.Request().Context()
	h.Sessions.Ensure(ctx, id)
	h.Sessions.Touch(ctx, id)
	return id
}

// submit handles POST /v1/execution.
//
// The body is {analyticId: {name, version}, context: {...}}. A 202 means the
// broker accepted the request; the result shows up later in the polling read.
//
// Error mapping:
//   - invalid body: 400
//   - no request queue for the analytic: 500
//   - broker refused the message: 503
func (h *Handlers) submit(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	req, err := common.DecodeExecutionRequest(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	clientID := h.clientID(c)
	rec, err := h.Dispatcher.Dispatch(c.Request().Context(), clientID, *req)
	switch {
	case err == nil:
		return c.JSON(http.StatusAccepted, Accepted{ExecutionID: rec.ExecutionID, Status: rec.Status})
	case errors.Is(err, dispatch.ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrQueueNotDefined):
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	case errors.Is(err, dispatch.ErrDispatchFailed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}

// executions handles GET /v1/executions, the polling read.
func (h *Handlers) executions(c echo.Context) error {
	clientID := h.clientID(c)
	return c.JSON(http.StatusOK, h.Sessions.Executions(c.Request().Context(), clientID))
}

func (h *Handlers) refresh(c echo.Context) error {
	clientID := h.clientID(c)
	list, err := h.Sessions.Refresh(c.Request().Context(), clientID)
	if err != nil {
		h.Logger.WithError(err).WithField("client_id", clientID).Error("Refresh failed")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "durable log unavailable")
	}
	return c.JSON(http.StatusOK, list)
}

func (h *Handlers) badHealth(c echo.Context) error {
	if h.Health == nil {
		return c.JSON(http.StatusOK, []common.ServiceHealthEntry{})
	}
	entries, err := h.Health.Unhealthy(c.Request().Context())
	if err != nil {
		h.Logger.WithError(err).Error("Health read failed")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "durable log unavailable")
	}
	return c.JSON(http.StatusOK, entries)
}

// client is a diagnostic view of one cached session. It does not activate
// the session.
func (h *Handlers) client(c echo.Context) error {
	s, ok := h.Sessions.Snapshot(c.Param("client"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not active on this replica")
	}
	return c.JSON(http.StatusOK, ClientView{
		ID:                s.ID,
		ResponsesExpected: s.ResponsesExpected,
		LastTouched:       s.LastTouched.UTC().Format(time.RFC3339),
		Executions:        s.Executions,
	})
}
