// Package queue is the message transport of the relay. It hides the broker
// behind the Transport interface so the dispatcher and the correlator do not
// care whether requests travel over RabbitMQ, Amazon SQS or an in-process bus.
//
// Every backend:
//   - connects with an unbounded, fixed-delay retry loop
//   - creates the shared response queue if it is missing
//   - delivers each consumed message to the handler once and auto-acknowledges it
//   - checks that a destination exists before sending to it
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relay.evalgo.org/common"
	"relay.evalgo.org/config"
	"relay.evalgo.org/metrics"
)

var (
	// ErrQueueNotFound is returned by Send when the destination does not exist.
	ErrQueueNotFound = errors.New("queue not found")

	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("transport not connected")
)

// Handler processes the body of one delivered message.
type Handler func(ctx context.Context, body []byte)

// Correlation is the transport-level metadata sent alongside a request so that
// workers know where to reply and which execution the reply belongs to.
type Correlation struct {
	ExecutionID  string
	ReplyTo      string
	ClientID     string
	MessageID    string
	CreationTime int64
}

// QueueHandle identifies a queue. Address is the broker-specific locator
// (the queue name for AMQP, the queue URL for SQS).
type QueueHandle struct {
	Name    string
	Address string
}

// Transport is a message broker connection.
type Transport interface {
	// Connect blocks until connected or ctx is done. Calling it again while
	// connected is a no-op.
	Connect(ctx context.Context) error

	// EnsureResponseQueue returns the named queue, creating it if needed, and
	// remembers it as the response queue.
	EnsureResponseQueue(ctx context.Context, name string) (QueueHandle, error)

	// Consume delivers every message of q to h until ctx is done or the
	// transport is closed. It returns once consumption has started.
	Consume(ctx context.Context, q QueueHandle, h Handler) error

	// Send enqueues payload on destination. The boolean reports whether the
	// broker accepted the message.
	Send(ctx context.Context, destination string, payload []byte, c Correlation) (bool, error)

	// ResponseQueue is the queue set by the last EnsureResponseQueue.
	ResponseQueue() QueueHandle

	Close() error
}

// Delivery is a consumed message together with its transport metadata.
type Delivery struct {
	Body        []byte
	Correlation Correlation
}

// DeliveryHandler processes one delivery.
type DeliveryHandler func(ctx context.Context, d Delivery)

// WorkerTransport is the side of the broker that analytic workers use: they
// need to stand up their own request queue and read the reply address of each
// request. All backends implement it.
type WorkerTransport interface {
	Transport

	// DeclareQueue returns the named queue, creating it if needed.
	DeclareQueue(ctx context.Context, name string) (QueueHandle, error)

	// ConsumeDeliveries is Consume with correlation metadata.
	ConsumeDeliveries(ctx context.Context, q QueueHandle, h DeliveryHandler) error
}

// Options carries what every backend needs besides its own settings.
type Options struct {
	ReconnectDelay time.Duration
	Logger         *common.ContextLogger
	Metrics        *metrics.Metrics
}

func (o Options) withDefaults(component string) Options {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	o.Logger = common.ComponentLogger(o.Logger, component)
	if o.Metrics == nil {
		o.Metrics = metrics.Nop()
	}
	return o
}

// New builds the transport selected by cfg.Kind.
func New(cfg config.BrokerConfig, log *common.ContextLogger, m *metrics.Metrics) (WorkerTransport, error) {
	opts := Options{ReconnectDelay: cfg.ReconnectDelay, Logger: log, Metrics: m}
	switch cfg.Kind {
	case config.BrokerAMQP:
		return NewRabbitMQTransport(cfg.AMQP.URL, opts), nil
	case config.BrokerSQS:
		return NewSQSTransport(cfg.SQS, opts), nil
	case config.BrokerMemory:
		return NewMemoryTransport(opts), nil
	default:
		return nil, fmt.Errorf("unknown broker kind: %q", cfg.Kind)
	}
}

// retry calls attempt until it succeeds or ctx is done, waiting delay between
// attempts.
func retry(ctx context.Context, delay time.Duration, log *common.ContextLogger, m *metrics.Metrics, attempt func() error) error {
	for {
		err := attempt()
		if err == nil {
			m.Reconnects.WithLabelValues("success").Inc()
			return nil
		}
		m.Reconnects.WithLabelValues("failure").Inc()
		log.WithError(err).WithField("retry_in", delay.String()).Warn("Broker connection failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// bodyOnly adapts a Handler to a DeliveryHandler.
func bodyOnly(h Handler) DeliveryHandler {
	return func(ctx context.Context, d Delivery) { h(ctx, d.Body) }
}

// deliver runs h for one message and keeps a handler panic from killing the
// consume loop.
func deliver(ctx context.Context, log *common.ContextLogger, h DeliveryHandler, d Delivery) {
	defer common.LogPanic(log)
	h(ctx, d)
}
