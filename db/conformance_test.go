package db

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay.evalgo.org/common"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func pendingRecord(id, client string, at time.Time) *common.ExecutionRecord {
	return common.NewPendingRecord(id, client, "lung-seg", map[string]any{"series": "s1"}, at)
}

func completed(rec *common.ExecutionRecord, status string) *common.ExecutionRecord {
	out := rec.Clone()
	at := rec.RequestTime.Add(time.Minute)
	out.Status = status
	out.ResponseTime = &at
	out.ResultSeries = "s2"
	out.Details = append(out.Details, common.Detail{Source: common.DetailSourceResult, Name: "out", Value: "s2"})
	return out
}

// runLogConformance exercises a Log backend against the behaviour every
// backend must share.
func runLogConformance(t *testing.T, newLog func(t *testing.T) Log) {
	ctx := context.Background()

	t.Run("execution round trip", func(t *testing.T) {
		l := newLog(t)
		rec := pendingRecord("e1", "c1", t0)
		require.NoError(t, l.UpsertExecution(ctx, rec))

		got, err := l.GetExecution(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, "c1", got.ClientID)
		assert.Equal(t, common.StatusPending, got.Status)
		assert.Equal(t, common.DefaultResultSeries, got.ResultSeries)
		assert.True(t, got.RequestTime.Equal(t0))
		require.Len(t, got.Details, 1)
		assert.Equal(t, "series", got.Details[0].Name)

		client, err := l.ClientForExecution(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, "c1", client)

		_, err = l.GetExecution(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = l.ClientForExecution(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("completion is applied once", func(t *testing.T) {
		l := newLog(t)
		rec := pendingRecord("e1", "c1", t0)
		require.NoError(t, l.UpsertExecution(ctx, rec))

		require.NoError(t, l.CompleteExecution(ctx, completed(rec, common.StatusFinishedSuccess)))
		err := l.CompleteExecution(ctx, completed(rec, common.StatusFinishedError))
		assert.ErrorIs(t, err, ErrAlreadyCompleted)

		got, err := l.GetExecution(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, common.StatusFinishedSuccess, got.Status)
		assert.Equal(t, "s2", got.ResultSeries)
		require.NotNil(t, got.ResponseTime)
		assert.Len(t, got.Details, 2)

		err = l.CompleteExecution(ctx, completed(pendingRecord("nope", "c1", t0), common.StatusFinishedSuccess))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent completion has one winner", func(t *testing.T) {
		l := newLog(t)
		rec := pendingRecord("e1", "c1", t0)
		require.NoError(t, l.UpsertExecution(ctx, rec))

		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if l.CompleteExecution(ctx, completed(rec, common.StatusFinishedSuccess)) == nil {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins)
	})

	t.Run("executions for client are ordered by request time", func(t *testing.T) {
		l := newLog(t)
		require.NoError(t, l.UpsertExecution(ctx, pendingRecord("late", "c1", t0.Add(2*time.Second))))
		require.NoError(t, l.UpsertExecution(ctx, pendingRecord("early", "c1", t0)))
		require.NoError(t, l.UpsertExecution(ctx, pendingRecord("mid", "c1", t0.Add(time.Second))))
		require.NoError(t, l.UpsertExecution(ctx, pendingRecord("other", "c2", t0)))

		recs, err := l.ExecutionsForClient(ctx, "c1")
		require.NoError(t, err)
		ids := make([]string, 0, len(recs))
		for _, r := range recs {
			ids = append(ids, r.ExecutionID)
		}
		assert.Equal(t, []string{"early", "mid", "late"}, ids)

		recs, err = l.ExecutionsForClient(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("client counter", func(t *testing.T) {
		l := newLog(t)
		c, err := l.InitializeClient(ctx, "c1", t0)
		require.NoError(t, err)
		assert.Equal(t, 0, c.ResponsesExpected)

		n, err := l.AdjustResponsesExpected(ctx, "c1", 2)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		c, err = l.InitializeClient(ctx, "c1", t0.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, c.ResponsesExpected, "existing row must be kept")
		assert.True(t, c.LastTouched.Equal(t0))

		n, err = l.AdjustResponsesExpected(ctx, "c1", -2)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		n, err = l.AdjustResponsesExpected(ctx, "c1", -1)
		assert.ErrorIs(t, err, ErrCounterUnderflow)
		assert.Equal(t, 0, n)
		c, err = l.GetClient(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, 0, c.ResponsesExpected)

		_, err = l.AdjustResponsesExpected(ctx, "ghost", 1)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("client touch list delete", func(t *testing.T) {
		l := newLog(t)
		_, err := l.InitializeClient(ctx, "c1", t0)
		require.NoError(t, err)
		_, err = l.InitializeClient(ctx, "c2", t0)
		require.NoError(t, err)

		require.NoError(t, l.TouchClient(ctx, "c1", t0.Add(time.Minute)))
		c, err := l.GetClient(ctx, "c1")
		require.NoError(t, err)
		assert.True(t, c.LastTouched.Equal(t0.Add(time.Minute)))
		assert.ErrorIs(t, l.TouchClient(ctx, "ghost", t0), ErrNotFound)

		clients, err := l.ListClients(ctx)
		require.NoError(t, err)
		assert.Len(t, clients, 2)

		require.NoError(t, l.DeleteClient(ctx, "c1"))
		_, err = l.GetClient(ctx, "c1")
		assert.ErrorIs(t, err, ErrNotFound)
		clients, err = l.ListClients(ctx)
		require.NoError(t, err)
		require.Len(t, clients, 1)
		assert.Equal(t, "c2", clients[0].ID)
	})

	t.Run("health entries", func(t *testing.T) {
		l := newLog(t)
		entry := common.ServiceHealthEntry{Name: "lung", URL: "http://lung:7106", Type: "analytic"}

		added, err := l.AddHealthEntry(ctx, entry)
		require.NoError(t, err)
		assert.True(t, added)
		added, err = l.AddHealthEntry(ctx, entry)
		require.NoError(t, err)
		assert.False(t, added)

		_, err = l.AddHealthEntry(ctx, common.ServiceHealthEntry{Name: "brain", URL: "http://brain:7106", Type: "analytic"})
		require.NoError(t, err)
		_, err = l.AddHealthEntry(ctx, common.ServiceHealthEntry{Name: "datastore", URL: "http://ds", Type: "service"})
		require.NoError(t, err)

		unhealthy, err := l.UnhealthyEntries(ctx)
		require.NoError(t, err)
		assert.Empty(t, unhealthy, "unprobed entries are not unhealthy")

		long := strings.Repeat("x", 400)
		require.NoError(t, l.UpdateHealth(ctx, "lung", "http://lung:7106", 503, long, t0))
		require.NoError(t, l.UpdateHealth(ctx, "brain", "http://brain:7106", 200, "OK", t0))
		assert.ErrorIs(t, l.UpdateHealth(ctx, "ghost", "http://ghost", 200, "OK", t0), ErrNotFound)

		unhealthy, err = l.UnhealthyEntries(ctx)
		require.NoError(t, err)
		require.Len(t, unhealthy, 1)
		assert.Equal(t, "lung", unhealthy[0].Name)
		assert.Equal(t, 503, unhealthy[0].StatusCode)
		assert.Len(t, unhealthy[0].StatusString, common.MaxStatusStringLen)
		require.NotNil(t, unhealthy[0].LastChecked)

		entries, err := l.HealthEntries(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, "brain", entries[0].Name)

		require.NoError(t, l.ClearHealthEntries(ctx, "analytic"))
		entries, err = l.HealthEntries(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "datastore", entries[0].Name)
	})

	t.Run("message audit trail", func(t *testing.T) {
		l := newLog(t)
		require.NoError(t, l.InsertRequest(ctx, "e1", "c1", []byte(`{"req":1}`)))
		require.NoError(t, l.InsertResponse(ctx, "e1", "c1", []byte(`{"resp":1}`)))
		require.NoError(t, l.InsertRequest(ctx, "e2", "c1", []byte(`{"req":2}`)))

		msgs, err := l.Messages(ctx, "e1")
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, common.DirectionRequest, msgs[0].Direction)
		assert.Equal(t, `{"req":1}`, string(msgs[0].Body))
		assert.Equal(t, common.DirectionResponse, msgs[1].Direction)
		assert.Equal(t, "c1", msgs[1].ClientID)

		msgs, err = l.Messages(ctx, "none")
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}
