// Package session keeps the in-memory view of client sessions: the expected
// response counter and the newest-first execution list each browser polls.
//
// The durable log is the authority. The registry is a cache over it that can
// be dropped and re-seeded at any time, which is what happens on the first
// request after a restart or on a replica that never saw the client before.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"relay.evalgo.org/common"
	"relay.evalgo.org/db"
	"relay.evalgo.org/metrics"
)

// ErrCounterUnderflow is returned by Release when no response is outstanding.
var ErrCounterUnderflow = errors.New("responses expected would become negative")

// Reclamation policies, used as the "policy" metric label.
const (
	PolicyIdle = "idle"
	PolicyDead = "dead"
)

const (
	DefaultIdleTimeout   = time.Hour
	DefaultDeadTimeout   = 72 * time.Hour
	DefaultSweepInterval = 30 * time.Second
)

// Store is the part of the durable log the registry needs.
type Store interface {
	db.ClientStore
	ExecutionsForClient(ctx context.Context, clientID string) ([]*common.ExecutionRecord, error)
}

// Session is the cached state of one client.
type Session struct {
	ID                string
	ResponsesExpected int
	LastTouched       time.Time

	// Executions is ordered newest first.
	Executions []*common.ExecutionRecord
}

func (s *Session) clone() Session {
	out := *s
	out.Executions = cloneRecords(s.Executions)
	return out
}

// Options configures a Registry.
type Options struct {
	IdleTimeout time.Duration
	DeadTimeout time.Duration
	Logger      *common.ContextLogger
	Metrics     *metrics.Metrics

	// Now is the clock, time.Now when nil.
	Now func() time.Time
}

// Registry is the concurrent session cache.
type Registry struct {
	store   Store
	idle    time.Duration
	dead    time.Duration
	log     *common.ContextLogger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry backed by store.
func NewRegistry(store Store, opts Options) *Registry {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.DeadTimeout <= 0 {
		opts.DeadTimeout = DefaultDeadTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		store:    store,
		idle:     opts.IdleTimeout,
		dead:     opts.DeadTimeout,
		log:      common.ComponentLogger(opts.Logger, "sessions"),
		metrics:  opts.Metrics,
		now:      opts.Now,
		sessions: make(map[string]*Session),
	}
}

func (r *Registry) durableFailure(op string, clientID string, err error) {
	r.metrics.DurableLogFailures.WithLabelValues(op).Inc()
	r.log.WithError(err).WithFields(map[string]interface{}{
		"client_id": clientID,
		"op":        op,
	}).Error("Durable log write failed")
}

// Ensure activates the session id, creating the durable client row when it
// does not exist and seeding the execution list from the durable log. An
// already active session is left alone. Returns a copy of the session.
func (r *Registry) Ensure(ctx context.Context, id string) Session {
	r.mu.RLock()
	s, ok := r.sessions[id]
	if ok {
		out := s.clone()
		r.mu.RUnlock()
		return out
	}
	r.mu.RUnlock()

	now := r.now()
	fresh := &Session{ID: id, LastTouched: now}

	info, err := r.store.InitializeClient(ctx, id, now)
	if err != nil {
		r.durableFailure("initialize_client", id, err)
	} else {
		fresh.ResponsesExpected = info.ResponsesExpected
	}
	if err := r.store.TouchClient(ctx, id, now); err != nil {
		r.durableFailure("touch_client", id, err)
	}

	recs, err := r.store.ExecutionsForClient(ctx, id)
	if err != nil {
		r.log.WithError(err).WithField("client_id", id).Error("Failed to load execution history")
	}
	fresh.Executions = newestFirst(recs)

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		// lost a race with another request for the same client
		return s.clone()
	}
	r.sessions[id] = fresh
	r.metrics.ActiveSessions.Set(float64(len(r.sessions)))
	r.log.WithFields(map[string]interface{}{
		"client_id":          id,
		"executions":         len(fresh.Executions),
		"responses_expected": fresh.ResponsesExpected,
	}).Info("Session activated")
	return fresh.clone()
}

// Touch records activity for id.
func (r *Registry) Touch(ctx context.Context, id string) {
	now := r.now()
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		s.LastTouched = now
	}
	r.mu.Unlock()

	if err := r.store.TouchClient(ctx, id, now); err != nil && !errors.Is(err, db.ErrNotFound) {
		r.durableFailure("touch_client", id, err)
	}
}

// Expect records one more outstanding response for id and returns the new
// count. The durable counter is the authority; the cached value follows it.
func (r *Registry) Expect(ctx context.Context, id string) int {
	durable, err := r.store.AdjustResponsesExpected(ctx, id, 1)
	if err != nil {
		r.durableFailure("adjust_responses_expected", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		if err != nil {
			return 0
		}
		return durable
	}
	if err != nil {
		s.ResponsesExpected++
	} else {
		s.ResponsesExpected = durable
	}
	return s.ResponsesExpected
}

// Release records one received response for id and returns the new count.
// When nothing is outstanding the counter is left unchanged and
// ErrCounterUnderflow is returned.
//
// The response may be consumed by a replica that never saw the client, so the
// durable counter decides. The cache is only consulted when the durable log
// cannot answer.
func (r *Registry) Release(ctx context.Context, id string) (int, error) {
	durable, err := r.store.AdjustResponsesExpected(ctx, id, -1)
	switch {
	case err == nil:
		r.mu.Lock()
		if s, ok := r.sessions[id]; ok {
			s.ResponsesExpected = durable
		}
		r.mu.Unlock()
		return durable, nil

	case errors.Is(err, db.ErrCounterUnderflow):
		r.mu.Lock()
		if s, ok := r.sessions[id]; ok {
			s.ResponsesExpected = durable
		}
		r.mu.Unlock()
		return durable, r.underflow(id)

	case errors.Is(err, db.ErrNotFound):
		// the durable row was reclaimed; only the cache is left to guard
	default:
		r.durableFailure("adjust_responses_expected", id, err)
	}

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.ResponsesExpected <= 0 {
		r.mu.Unlock()
		return 0, r.underflow(id)
	}
	s.ResponsesExpected--
	n := s.ResponsesExpected
	r.mu.Unlock()
	return n, nil
}

func (r *Registry) underflow(id string) error {
	r.metrics.CounterUnderflows.Inc()
	r.log.WithField("client_id", id).Error("Response received with no response outstanding")
	return ErrCounterUnderflow
}

// AddExecution prepends rec to the cached list of its client. It is a no-op
// for a client that is not active on this replica.
func (r *Registry) AddExecution(rec *common.ExecutionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[rec.ClientID]
	if !ok {
		return
	}
	s.Executions = append([]*common.ExecutionRecord{rec.Clone()}, s.Executions...)
}

// UpdateExecution replaces the cached record with the same execution id and
// reports whether one was found.
func (r *Registry) UpdateExecution(rec *common.ExecutionRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[rec.ClientID]
	if !ok {
		return false
	}
	for i, cached := range s.Executions {
		if cached.ExecutionID == rec.ExecutionID {
			s.Executions[i] = rec.Clone()
			return true
		}
	}
	return false
}

// Executions is the polling read: the client's executions, newest first, as
// the durable log has them. Responses may have been applied by another
// replica, so the cache is re-seeded on every read and only answers on its
// own when the log cannot.
func (r *Registry) Executions(ctx context.Context, id string) []*common.ExecutionRecord {
	list, err := r.Refresh(ctx, id)
	if err == nil {
		return list
	}
	r.log.WithError(err).WithField("client_id", id).Warn("Durable log unavailable, serving cached executions")

	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok {
		return cloneRecords(s.Executions)
	}
	return []*common.ExecutionRecord{}
}

// Refresh replaces the cached execution list of id with the durable one.
func (r *Registry) Refresh(ctx context.Context, id string) ([]*common.ExecutionRecord, error) {
	r.Ensure(ctx, id)
	recs, err := r.store.ExecutionsForClient(ctx, id)
	if err != nil {
		return nil, err
	}
	list := newestFirst(recs)

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.Executions = list
	}
	return cloneRecords(list), nil
}

// Snapshot returns a copy of the cached session.
func (r *Registry) Snapshot(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep reclaims idle and dead sessions as of now and returns their ids.
// Reclaimed clients lose their cache entry and their durable client row;
// their execution records stay in the log.
//
// Other replicas may hold the same client, so every candidate is re-checked
// against the durable counter and the latest durable touch before it goes.
// A candidate whose row cannot be read is kept.
func (r *Registry) Sweep(ctx context.Context, now time.Time) []string {
	r.mu.RLock()
	var candidates []Session
	for id, s := range r.sessions {
		if s.ResponsesExpected < 0 {
			r.log.WithFields(map[string]interface{}{
				"client_id":          id,
				"responses_expected": s.ResponsesExpected,
			}).Error("Session has a negative response count")
		}
		if now.Sub(s.LastTouched) > r.idle {
			candidates = append(candidates, Session{ID: id, ResponsesExpected: s.ResponsesExpected, LastTouched: s.LastTouched})
		}
	}
	r.mu.RUnlock()

	var ids []string
	for _, c := range candidates {
		expected, touched := c.ResponsesExpected, c.LastTouched
		info, err := r.store.GetClient(ctx, c.ID)
		switch {
		case err == nil:
			expected = info.ResponsesExpected
			if info.LastTouched.After(touched) {
				touched = info.LastTouched
			}
		case errors.Is(err, db.ErrNotFound):
			// the row is already gone; the cache decides
		default:
			r.durableFailure("get_client", c.ID, err)
			continue
		}

		r.mu.Lock()
		s, ok := r.sessions[c.ID]
		if !ok {
			r.mu.Unlock()
			continue
		}
		if s.LastTouched.After(touched) {
			touched = s.LastTouched
		}
		policy := r.policy(expected, now.Sub(touched))
		if policy == "" {
			s.LastTouched = touched
			r.mu.Unlock()
			continue
		}
		delete(r.sessions, c.ID)
		r.metrics.ActiveSessions.Set(float64(len(r.sessions)))
		r.mu.Unlock()

		log := r.log.WithFields(map[string]interface{}{
			"client_id":          c.ID,
			"responses_expected": expected,
		})
		switch {
		case policy == PolicyIdle:
			log.Info("Reclaiming idle session")
		case expected > 0:
			log.Error("Reclaiming dead session with responses outstanding")
		default:
			log.Info("Reclaiming dead session")
		}

		r.metrics.SessionsReclaimed.WithLabelValues(policy).Inc()
		if err := r.store.DeleteClient(ctx, c.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
			r.durableFailure("delete_client", c.ID, err)
		}
		ids = append(ids, c.ID)
	}
	return ids
}

// policy returns the reclamation policy that applies to a session with
// expected outstanding responses and no activity for elapsed, or "".
func (r *Registry) policy(expected int, elapsed time.Duration) string {
	switch {
	case elapsed > r.dead:
		return PolicyDead
	case expected == 0 && elapsed > r.idle:
		return PolicyIdle
	}
	return ""
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.WithField("interval", interval.String()).Info("Session sweeper started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ids := r.Sweep(ctx, r.now()); len(ids) > 0 {
				r.log.WithField("reclaimed", len(ids)).Info("Sweep finished")
			}
		}
	}
}

// newestFirst reverses the log's oldest-first order into a fresh slice.
func newestFirst(recs []*common.ExecutionRecord) []*common.ExecutionRecord {
	out := make([]*common.ExecutionRecord, len(recs))
	for i, rec := range recs {
		out[len(recs)-1-i] = rec.Clone()
	}
	return out
}

func cloneRecords(recs []*common.ExecutionRecord) []*common.ExecutionRecord {
	out := make([]*common.ExecutionRecord, len(recs))
	for i, rec := range recs {
		out[i] = rec.Clone()
	}
	return out
}
