package simulator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay.evalgo.org/common"
	"relay.evalgo.org/queue"
	"relay.evalgo.org/registry"
)

const (
	requestQueue  = "algo--v1_0_0"
	responseQueue = "rt106-algorithm-response--v1_0_0"
)

func fixed(v float64) func() float64 { return func() float64 { return v } }

func request(t *testing.T, executionID string) []byte {
	t.Helper()
	body, err := (&common.RequestEnvelope{
		Header:     common.MessageHeader{ExecutionID: executionID, CreationTime: 1},
		AnalyticID: common.AnalyticID{Name: "algo--v1_0_0"},
		Context:    map[string]any{"inputSeries": "patient1/study2/series3"},
	}).Marshal()
	require.NoError(t, err)
	return body
}

func TestSimulatorAnswersOnReplyQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := queue.NewMemoryTransport(queue.Options{})
	defer tr.Close()
	require.NoError(t, tr.Connect(ctx))
	rq, err := tr.EnsureResponseQueue(ctx, responseQueue)
	require.NoError(t, err)

	sim := New(tr, Config{
		Analytic: "algo--v1_0_0",
		MinDelay: time.Millisecond,
		MaxDelay: 5 * time.Millisecond,
		Rand:     fixed(0.1),
	})
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx) }()

	got := make(chan queue.Delivery, 1)
	require.NoError(t, tr.ConsumeDeliveries(ctx, rq, func(_ context.Context, d queue.Delivery) { got <- d }))

	body := request(t, "E1")
	require.Eventually(t, func() bool {
		ok, err := tr.Send(ctx, requestQueue, body, queue.Correlation{ExecutionID: "E1", ReplyTo: responseQueue, ClientID: "c1"})
		return err == nil && ok
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case d := <-got:
		env, err := common.DecodeResponseEnvelope(d.Body)
		require.NoError(t, err)
		assert.Equal(t, "E1", env.Header.ExecutionID)
		assert.Equal(t, common.StatusFinishedSuccess, env.Status)
		assert.Equal(t, "patient1/study2/resultStudy", common.FieldValue(env.Result[ResultField]))
		assert.Equal(t, "E1", d.Correlation.ExecutionID)
		assert.Equal(t, "c1", d.Correlation.ClientID)
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("simulator did not stop")
	}
}

func TestResponseStatusFollowsSuccessRate(t *testing.T) {
	env := &common.RequestEnvelope{Header: common.MessageHeader{ExecutionID: "E1"}}

	ok := New(nil, Config{Analytic: "a", Rand: fixed(0.74)}).Response(env)
	assert.Equal(t, common.StatusFinishedSuccess, ok.Status)

	failed := New(nil, Config{Analytic: "a", Rand: fixed(0.75)}).Response(env)
	assert.Equal(t, common.StatusFinishedError, failed.Status)
}

func TestDelayWithinBounds(t *testing.T) {
	sim := New(nil, Config{Analytic: "a", Rand: fixed(0.5)})
	assert.Equal(t, 6*time.Second, sim.delay())
}

func TestResultSeries(t *testing.T) {
	assert.Equal(t, "p/s/resultStudy", resultSeries(map[string]any{"a": 3, "b": "/p/s/x/"}))
	assert.Equal(t, "p/s/resultStudy", resultSeries(map[string]any{"in": map[string]any{"value": "p/s/x"}}))
	assert.Equal(t, "resultStudy", resultSeries(map[string]any{}))
}

func TestWorkerEndpoints(t *testing.T) {
	e := echo.New()
	New(nil, Config{Analytic: "algo--v1_0_0"}).Register(e)
	srv := httptest.NewServer(e)
	defer srv.Close()

	get := func(path string) map[string]any {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out
	}

	assert.Equal(t, "algo--v1_0_0", get("/v1/queue")["queue"])
	params := registry.UnwrapSchema("algo--v1_0_0", get("/v1/parameters"))
	assert.Equal(t, []string{InputField}, registry.SeriesFields(params))
	results := registry.UnwrapSchema("algo--v1_0_0", get("/v1/results"))
	assert.Equal(t, []string{ResultField}, registry.SeriesFields(results))

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
