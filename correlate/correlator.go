// Package correlate applies worker responses to the executions they answer.
//
// Responses arrive on the shared response queue and may be consumed by any
// replica, so the owning client is always looked up in the durable log. The
// durable completion is a compare-and-set on the pending status, which makes
// a redelivered response a no-op on every replica.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"relay.evalgo.org/common"
	"relay.evalgo.org/db"
	"relay.evalgo.org/metrics"
	"relay.evalgo.org/registry"
	"relay.evalgo.org/session"
)

// Outcome is what happened to one response.
type Outcome string

const (
	Applied   Outcome = metrics.OutcomeApplied
	Duplicate Outcome = metrics.OutcomeDuplicate
	Orphan    Outcome = metrics.OutcomeOrphan
	Invalid   Outcome = metrics.OutcomeInvalid
)

// ErrOrphan is returned for a response whose execution is not in the log.
var ErrOrphan = errors.New("no client owns this execution")

// Options configures a Correlator.
type Options struct {
	Logger  *common.ContextLogger
	Metrics *metrics.Metrics

	// Schemas provides result schemas to find the produced series. Optional.
	Schemas registry.SchemaSource

	Now func() time.Time
}

// Correlator merges responses into execution records.
type Correlator struct {
	log      db.ExecutionLog
	sessions *session.Registry
	schemas  registry.SchemaSource

	logger  *common.ContextLogger
	metrics *metrics.Metrics
	now     func() time.Time

	locks keyedMutex
}

// New returns a Correlator.
func New(log db.ExecutionLog, sessions *session.Registry, opts Options) *Correlator {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Correlator{
		log:      log,
		sessions: sessions,
		schemas:  opts.Schemas,
		logger:   common.ComponentLogger(opts.Logger, "correlator"),
		metrics:  opts.Metrics,
		now:      opts.Now,
		locks:    keyedMutex{locks: make(map[string]*keyedLock)},
	}
}

// Handle is the queue.Handler for the response queue. Failures are logged
// and counted, never returned to the transport.
func (c *Correlator) Handle(ctx context.Context, body []byte) {
	outcome, err := c.Correlate(ctx, body)
	if err != nil && outcome != Orphan && outcome != Invalid {
		c.logger.WithError(err).Error("Response handling failed")
	}
}

// Correlate applies one response message and reports the outcome.
func (c *Correlator) Correlate(ctx context.Context, body []byte) (Outcome, error) {
	env, err := common.DecodeResponseEnvelope(body)
	if err != nil {
		c.count(Invalid)
		c.logger.WithError(err).Error("Discarding invalid response")
		return Invalid, err
	}

	executionID := env.Header.ExecutionID
	log := c.logger.WithField("execution_id", executionID)

	clientID, err := c.log.ClientForExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.count(Orphan)
			c.metrics.OrphanResponses.Inc()
			log.WithField("status", env.Status).Error("Orphan response, no client owns this execution")
			return Orphan, fmt.Errorf("%w: %s", ErrOrphan, executionID)
		}
		// the log is unreachable; the response is lost like an orphan
		c.count(Orphan)
		c.durableFailure(log, "client_for_execution", err)
		return Orphan, fmt.Errorf("failed to resolve owner of %s: %w", executionID, err)
	}
	log = log.WithField("client_id", clientID)

	unlock := c.locks.Lock(executionID)
	defer unlock()

	stored, err := c.log.GetExecution(ctx, executionID)
	if err != nil {
		c.count(Orphan)
		c.durableFailure(log, "get_execution", err)
		return Orphan, fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}
	if !stored.IsPending() {
		c.count(Duplicate)
		log.WithField("status", stored.Status).Warn("Response for a completed execution ignored")
		return Duplicate, nil
	}

	merged := c.merge(ctx, log, stored, env)
	if err := c.log.CompleteExecution(ctx, merged); err != nil {
		if errors.Is(err, db.ErrAlreadyCompleted) {
			// another replica won the race
			c.count(Duplicate)
			log.Warn("Response already applied elsewhere")
			return Duplicate, nil
		}
		c.durableFailure(log, "complete_execution", err)
	}

	if !c.sessions.UpdateExecution(merged) {
		log.Debug("Execution not cached on this replica")
	}
	if _, err := c.sessions.Release(ctx, clientID); err != nil {
		log.WithError(err).Error("Expected response count not decremented")
	}
	c.sessions.Touch(ctx, clientID)

	if err := c.log.InsertResponse(ctx, executionID, clientID, body); err != nil {
		c.durableFailure(log, "insert_response", err)
	}

	c.count(Applied)
	log.WithFields(map[string]interface{}{
		"status":        merged.Status,
		"result_series": merged.ResultSeries,
	}).Info("Execution completed")
	return Applied, nil
}

// merge builds the completed record from the stored one and the response.
func (c *Correlator) merge(ctx context.Context, log *common.ContextLogger, stored *common.ExecutionRecord, env *common.ResponseEnvelope) *common.ExecutionRecord {
	out := stored.Clone()
	at := c.now().UTC()
	out.Status = env.Status
	out.ResponseTime = &at
	out.Result = env.Result
	out.Details = append(out.Details, common.DetailsFrom(common.DetailSourceResult, env.Result)...)
	if series, ok := c.resultSeries(ctx, log, stored.AnalyticName, env.Result); ok {
		out.ResultSeries = series
	}
	return out
}

// resultSeries finds the value of the series the analytic produced. The result
// schema decides which field that is; without a schema any result entry typed
// as a series is used. With more than one candidate one is kept.
func (c *Correlator) resultSeries(ctx context.Context, log *common.ContextLogger, analytic string, result map[string]any) (string, bool) {
	var fields []string
	if c.schemas != nil {
		schema, err := c.schemas.Results(ctx, analytic)
		if err != nil {
			log.WithError(err).Debug("Result schema unavailable")
		} else {
			fields = registry.SeriesFields(schema)
		}
	}
	if len(fields) == 0 {
		for name, entry := range result {
			if common.FieldType(entry) == common.SeriesType {
				fields = append(fields, name)
			}
		}
		sort.Strings(fields)
	}
	if len(fields) > 1 {
		log.WithField("series_results", fields).Info("More than one result series, keeping one")
	}

	for _, name := range fields {
		if entry, ok := result[name]; ok {
			return common.SeriesString(common.FieldValue(entry)), true
		}
	}
	return "", false
}

func (c *Correlator) count(o Outcome) {
	c.metrics.ResponsesHandled.WithLabelValues(string(o)).Inc()
}

func (c *Correlator) durableFailure(log *common.ContextLogger, op string, err error) {
	c.metrics.DurableLogFailures.WithLabelValues(op).Inc()
	log.WithError(err).WithField("op", op).Error("Durable log operation failed")
}

// keyedMutex serialises work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
