// Package dispatch turns execution requests into broker messages.
//
// A dispatch resolves the analytic's request queue, records a pending
// execution, counts one expected response for the owning session and sends
// the request envelope. It returns as soon as the broker accepted the message.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"relay.evalgo.org/common"
	"relay.evalgo.org/db"
	"relay.evalgo.org/metrics"
	"relay.evalgo.org/queue"
	"relay.evalgo.org/registry"
	"relay.evalgo.org/session"
)

var (
	// ErrQueueNotDefined is returned when the analytic's request queue cannot
	// be resolved. Nothing is persisted or sent.
	ErrQueueNotDefined = errors.New("queue not defined for analytic")

	// ErrDispatchFailed is returned when the broker did not accept the request.
	// The execution is recorded as dispatch-failed.
	ErrDispatchFailed = errors.New("dispatch failed")

	// ErrInvalidRequest is returned for requests without an analytic name.
	ErrInvalidRequest = errors.New("invalid execution request")
)

// Failure reasons, used as the "reason" metric label.
const (
	reasonQueueNotDefined = "queue_not_defined"
	reasonInvalid         = "invalid_request"
	reasonSend            = "send"
)

// Options configures a Dispatcher.
type Options struct {
	Logger  *common.ContextLogger
	Metrics *metrics.Metrics

	// Schemas fills the record's input series from the parameter schema. Optional.
	Schemas registry.SchemaSource

	Now   func() time.Time
	NewID func() string
}

// Dispatcher sends execution requests to analytic workers.
type Dispatcher struct {
	transport queue.Transport
	resolver  registry.Resolver
	schemas   registry.SchemaSource
	log       db.ExecutionLog
	sessions  *session.Registry

	logger  *common.ContextLogger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string
}

// New returns a Dispatcher.
func New(t queue.Transport, resolver registry.Resolver, log db.ExecutionLog, sessions *session.Registry, opts Options) *Dispatcher {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Dispatcher{
		transport: t,
		resolver:  resolver,
		schemas:   opts.Schemas,
		log:       log,
		sessions:  sessions,
		logger:    common.ComponentLogger(opts.Logger, "dispatcher"),
		metrics:   opts.Metrics,
		now:       opts.Now,
		newID:     opts.NewID,
	}
}

// Dispatch sends req on behalf of clientID and returns the pending record.
//
// On ErrDispatchFailed the returned record carries the dispatch-failed status
// and the expected response count has been given back.
func (d *Dispatcher) Dispatch(ctx context.Context, clientID string, req common.ExecutionRequest) (*common.ExecutionRecord, error) {
	analytic := req.AnalyticID.Name
	if analytic == "" {
		d.metrics.DispatchFailures.WithLabelValues(reasonInvalid).Inc()
		return nil, fmt.Errorf("%w: analytic name is required", ErrInvalidRequest)
	}
	if req.Context == nil {
		req.Context = map[string]any{}
	}

	now := d.now().UTC()
	executionID := d.newID()
	log := d.logger.WithFields(map[string]interface{}{
		"execution_id": executionID,
		"client_id":    clientID,
		"analytic":     analytic,
	})

	destination, err := d.resolver.ResolveQueue(ctx, analytic)
	if err != nil {
		d.metrics.DispatchFailures.WithLabelValues(reasonQueueNotDefined).Inc()
		log.WithError(err).Error("Could not resolve request queue")
		return nil, fmt.Errorf("%w: %s: %v", ErrQueueNotDefined, analytic, err)
	}
	log = log.WithField("queue", destination)

	replyTo := d.transport.ResponseQueue().Name
	env := common.RequestEnvelope{
		Header: common.MessageHeader{
			MessageID:    d.newID(),
			PipelineID:   d.newID(),
			ExecutionID:  executionID,
			CreationTime: now.UnixMilli(),
		},
		AnalyticID:    req.AnalyticID,
		Context:       req.Context,
		ResponseQueue: replyTo,
	}
	body, err := env.Marshal()
	if err != nil {
		d.metrics.DispatchFailures.WithLabelValues(reasonInvalid).Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	d.sessions.Ensure(ctx, clientID)

	rec := common.NewPendingRecord(executionID, clientID, analytic, req.Context, now)
	rec.Input = d.inputSeries(ctx, log, analytic, req.Context)

	if err := d.log.UpsertExecution(ctx, rec); err != nil {
		d.durableFailure(log, "upsert_execution", err)
	}
	d.sessions.AddExecution(rec)
	d.sessions.Expect(ctx, clientID)

	ok, err := d.transport.Send(ctx, destination, body, queue.Correlation{
		ExecutionID:  executionID,
		ReplyTo:      replyTo,
		ClientID:     clientID,
		MessageID:    env.Header.MessageID,
		CreationTime: env.Header.CreationTime,
	})
	if err != nil || !ok {
		if err == nil {
			err = errors.New("broker did not accept the message")
		}
		return d.fail(ctx, log, rec, err)
	}

	if err := d.log.InsertRequest(ctx, executionID, clientID, body); err != nil {
		d.durableFailure(log, "insert_request", err)
	}
	d.metrics.Dispatched.WithLabelValues(analytic).Inc()
	log.Info("Execution dispatched")
	return rec.Clone(), nil
}

// fail marks rec as dispatch-failed and gives back the expected response.
func (d *Dispatcher) fail(ctx context.Context, log *common.ContextLogger, rec *common.ExecutionRecord, cause error) (*common.ExecutionRecord, error) {
	d.metrics.DispatchFailures.WithLabelValues(reasonSend).Inc()
	log.WithError(cause).Error("Broker rejected the request")

	at := d.now().UTC()
	rec.Status = common.StatusDispatchFailed
	rec.ResponseTime = &at

	if err := d.log.CompleteExecution(ctx, rec); err != nil {
		d.durableFailure(log, "complete_execution", err)
	}
	d.sessions.UpdateExecution(rec)
	if _, err := d.sessions.Release(ctx, rec.ClientID); err != nil {
		log.WithError(err).Error("Failed to release expected response")
	}
	return rec.Clone(), fmt.Errorf("%w: %v", ErrDispatchFailed, cause)
}

func (d *Dispatcher) durableFailure(log *common.ContextLogger, op string, err error) {
	d.metrics.DurableLogFailures.WithLabelValues(op).Inc()
	log.WithError(err).WithField("op", op).Error("Durable log write failed")
}

// inputSeries picks the context value of the analytic's series parameter.
// Schema lookups are best effort.
func (d *Dispatcher) inputSeries(ctx context.Context, log *common.ContextLogger, analytic string, reqContext map[string]any) string {
	if d.schemas == nil {
		return ""
	}
	params, err := d.schemas.Parameters(ctx, analytic)
	if err != nil {
		log.WithError(err).Debug("Parameter schema unavailable")
		return ""
	}
	fields := registry.SeriesFields(params)
	if len(fields) > 1 {
		log.WithField("series_parameters", fields).Info("More than one input series, keeping one")
	}
	for _, name := range fields {
		if v, ok := reqContext[name]; ok {
			return common.SeriesString(common.FieldValue(v))
		}
	}
	return ""
}
