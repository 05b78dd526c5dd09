package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay.evalgo.org/common"
	"relay.evalgo.org/db"
	"relay.evalgo.org/metrics"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// failingStore makes every counter adjustment fail.
type failingStore struct {
	*db.MemoryLog
}

func (failingStore) AdjustResponsesExpected(context.Context, string, int) (int, error) {
	return 0, errors.New("connection reset")
}

// unlistableStore fails every execution listing.
type unlistableStore struct {
	*db.MemoryLog
}

func (unlistableStore) ExecutionsForClient(context.Context, string) ([]*common.ExecutionRecord, error) {
	return nil, errors.New("connection reset")
}

// unreadableStore fails every client read.
type unreadableStore struct {
	*db.MemoryLog
}

func (unreadableStore) GetClient(context.Context, string) (common.ClientInfo, error) {
	return common.ClientInfo{}, errors.New("connection reset")
}

func newTestRegistry(t *testing.T, store Store) (*Registry, *clock, *metrics.Metrics) {
	t.Helper()
	clk := &clock{now: t0}
	m := metrics.Nop()
	return NewRegistry(store, Options{Now: clk.Now, Metrics: m}), clk, m
}

func record(id, client string, at time.Time) *common.ExecutionRecord {
	return common.NewPendingRecord(id, client, "lung-seg--v1_0_0", map[string]any{"x": 1}, at)
}

func TestEnsureSeedsFromDurableLog(t *testing.T) {
	ctx := context.Background()
	log := db.NewMemoryLog()
	for i := 0; i < 3; i++ {
		require.NoError(t, log.UpsertExecution(ctx, record(fmt.Sprintf("e%d", i), "c1", t0.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, log.UpsertExecution(ctx, record("other", "c2", t0)))

	reg, _, m := newTestRegistry(t, log)
	s := reg.Ensure(ctx, "c1")

	require.Len(t, s.Executions, 3)
	assert.Equal(t, "e2", s.Executions[0].ExecutionID, "newest first")
	assert.Equal(t, "e0", s.Executions[2].ExecutionID)
	assert.Equal(t, 0, s.ResponsesExpected)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))

	info, err := log.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", info.ID)
}

func TestEnsureAfterRestartKeepsDurableCounter(t *testing.T) {
	ctx := context.Background()
	log := db.NewMemoryLog()

	first, _, _ := newTestRegistry(t, log)
	first.Ensure(ctx, "c1")
	first.Expect(ctx, "c1")
	first.Expect(ctx, "c1")

	restarted, _, _ := newTestRegistry(t, log)
	s := restarted.Ensure(ctx, "c1")
	assert.Equal(t, 2, s.ResponsesExpected)
}

func TestEnsureIsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t, db.NewMemoryLog())

	reg.Ensure(ctx, "c1")
	reg.AddExecution(record("e1", "c1", t0))
	s := reg.Ensure(ctx, "c1")

	assert.Len(t, s.Executions, 1, "an active session is not re-seeded")
	assert.Equal(t, 1, reg.Len())
}

func TestExpectAndRelease(t *testing.T) {
	ctx := context.Background()
	log := db.NewMemoryLog()
	reg, _, m := newTestRegistry(t, log)
	reg.Ensure(ctx, "c1")

	assert.Equal(t, 1, reg.Expect(ctx, "c1"))
	assert.Equal(t, 2, reg.Expect(ctx, "c1"))

	n, err := reg.Release(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	info, err := log.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, info.ResponsesExpected)

	n, err = reg.Release(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = reg.Release(ctx, "c1")
	assert.ErrorIs(t, err, ErrCounterUnderflow)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CounterUnderflows))

	s, ok := reg.Snapshot("c1")
	require.True(t, ok)
	assert.Equal(t, 0, s.ResponsesExpected, "counter never goes negative")
}

func TestReleaseOnReplicaWithoutSession(t *testing.T) {
	ctx := context.Background()
	log := db.NewMemoryLog()

	dispatcher, _, _ := newTestRegistry(t, log)
	dispatcher.Ensure(ctx, "c1")
	dispatcher.Expect(ctx, "c1")

	consumer, _, _ := newTestRegistry(t, log)
	n, err := consumer.Release(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, ok := consumer.Snapshot("c1")
	assert.False(t, ok, "release does not activate the session")
}

func TestCounterFallsBackToCacheWhenLogFails(t *testing.T) {
	ctx := context.Background()
	reg, _, m := newTestRegistry(t, failingStore{db.NewMemoryLog()})
	reg.Ensure(ctx, "c1")

	assert.Equal(t, 1, reg.Expect(ctx, "c1"))
	n, err := reg.Release(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = reg.Release(ctx, "c1")
	assert.ErrorIs(t, err, ErrCounterUnderflow)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DurableLogFailures.WithLabelValues("adjust_responses_expected")))
}

func TestExecutionsFallsBackToCache(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t, unlistableStore{db.NewMemoryLog()})

	reg.Ensure(ctx, "c1")
	reg.AddExecution(record("e1", "c1", t0))
	reg.AddExecution(record("e2", "c1", t0.Add(time.Second)))
	reg.AddExecution(record("x", "unknown", t0))

	list := reg.Executions(ctx, "c1")
	require.Len(t, list, 2)
	assert.Equal(t, "e2", list[0].ExecutionID)

	done := record("e1", "c1", t0)
	done.Status = common.StatusFinishedSuccess
	assert.True(t, reg.UpdateExecution(done))
	assert.False(t, reg.UpdateExecution(record("missing", "c1", t0)))

	list = reg.Executions(ctx, "c1")
	assert.Equal(t, common.StatusFinishedSuccess, list[1].Status)

	list[0].Status = "mutated"
	assert.Equal(t, common.StatusPending, reg.Executions(ctx, "c1")[0].Status, "callers get copies")
}

func TestExecutionsActivatesUnknownClient(t *testing.T) {
	ctx := context.Background()
	log := db.NewMemoryLog()
	require.NoError(t, log.UpsertExecution(ctx, record("e1", "c1", t0)))

	reg, _, _ := newTestRegistry(t, log)
	list := reg.Executions(ctx, "c1")
	require.Len(t, list, 1)
	assert.Equal(t, 1, reg.Len())
}

func TestExecutionsReadDurableState(t *testing.T) {
	ctx := context.Background()
	log := db.NewMemoryLog()
	reg, _, _ := newTestRegistry(t, log)
	reg.Ensure(ctx, "c1")

	// written by another replica
	rec := record("e1", "c1", t0)
	require.NoError(t, log.UpsertExecution(ctx, rec))
	list := reg.Executions(ctx, "c1")
	require.Len(t, list, 1)
	assert.Equal(t, common.StatusPending, list[0].Status)

	// and completed by another one
	done := rec.Clone()
	done.Status = common.StatusFinishedError
	require.NoError(t, log.CompleteExecution(ctx, done))
	list = reg.Executions(ctx, "c1")
	require.Len(t, list, 1)
	assert.Equal(t, common.StatusFinishedError, list[0].Status)

	s, ok := reg.Snapshot("c1")
	require.True(t, ok)
	assert.Equal(t, common.StatusFinishedError, s.Executions[0].Status, "cache re-seeded")

	list, err := reg.Refresh(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	log := db.NewMemoryLog()
	reg, clk, m := newTestRegistry(t, log)

	reg.Ensure(ctx, "idle")
	reg.Ensure(ctx, "busy")
	reg.Expect(ctx, "busy")
	reg.Ensure(ctx, "fresh")

	clk.Advance(2 * time.Hour)
	reg.Touch(ctx, "fresh")

	reclaimed := reg.Sweep(ctx, clk.Now())
	assert.Equal(t, []string{"idle"}, reclaimed)
	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsReclaimed.WithLabelValues(PolicyIdle)))

	_, err := log.GetClient(ctx, "idle")
	assert.ErrorIs(t, err, db.ErrNotFound)

	clk.Advance(73 * time.Hour)
	reclaimed = reg.Sweep(ctx, clk.Now())
	assert.ElementsMatch(t, []string{"busy", "fresh"}, reclaimed)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsReclaimed.WithLabelValues(PolicyDead)))
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveSessions))
}

func TestSweepHonoursOtherReplicas(t *testing.T) {
	ctx := context.Background()
	log := db.NewMemoryLog()
	a, clkA, m := newTestRegistry(t, log)
	b, clkB, _ := newTestRegistry(t, log)

	a.Ensure(ctx, "c1")

	// replica b serves the same client later and is still waiting for an answer
	clkB.Advance(90 * time.Minute)
	b.Ensure(ctx, "c1")
	b.Touch(ctx, "c1")
	b.Expect(ctx, "c1")

	clkA.Advance(2 * time.Hour)
	assert.Empty(t, a.Sweep(ctx, clkA.Now()))
	assert.Equal(t, 1, a.Len())
	assert.Zero(t, testutil.ToFloat64(m.SessionsReclaimed.WithLabelValues(PolicyIdle)))

	info, err := log.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, info.ResponsesExpected)

	s, ok := a.Snapshot("c1")
	require.True(t, ok)
	assert.Equal(t, t0.Add(90*time.Minute), s.LastTouched)

	// the answer arrives; b releases and the client goes quiet
	_, err = b.Release(ctx, "c1")
	require.NoError(t, err)
	clkA.Advance(time.Hour)
	assert.Equal(t, []string{"c1"}, a.Sweep(ctx, clkA.Now()))
	_, err = log.GetClient(ctx, "c1")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestSweepKeepsUnreadableClients(t *testing.T) {
	ctx := context.Background()
	reg, clk, m := newTestRegistry(t, unreadableStore{db.NewMemoryLog()})
	reg.Ensure(ctx, "c1")

	clk.Advance(2 * time.Hour)
	assert.Empty(t, reg.Sweep(ctx, clk.Now()))
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DurableLogFailures.WithLabelValues("get_client")))
}

func TestSweepKeepsExecutionHistory(t *testing.T) {
	ctx := context.Background()
	log := db.NewMemoryLog()
	reg, clk, _ := newTestRegistry(t, log)

	reg.Ensure(ctx, "c1")
	require.NoError(t, log.UpsertExecution(ctx, record("e1", "c1", t0)))
	clk.Advance(2 * time.Hour)
	require.Len(t, reg.Sweep(ctx, clk.Now()), 1)

	s := reg.Ensure(ctx, "c1")
	require.Len(t, s.Executions, 1)
	assert.Equal(t, "e1", s.Executions[0].ExecutionID)
}

func TestRunSweeperStopsWithContext(t *testing.T) {
	reg, _, _ := newTestRegistry(t, db.NewMemoryLog())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		reg.RunSweeper(ctx, time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestConcurrentEnsure(t *testing.T) {
	ctx := context.Background()
	log := db.NewMemoryLog()
	reg, _, _ := newTestRegistry(t, log)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Ensure(ctx, "c1")
			reg.Expect(ctx, "c1")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, reg.Len())
	info, err := log.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 16, info.ResponsesExpected)
}
