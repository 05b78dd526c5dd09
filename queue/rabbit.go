package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/streadway/amqp"

	"relay.evalgo.org/common"
)

// RabbitMQTransport is the AMQP 0-9-1 backend.
//
// One connection is shared by everything. Publishes go through a long-lived
// channel that is replaced after any publish error; destination checks run on
// throwaway channels because a failed passive inspect closes the channel.
// When the connection drops, a background loop reconnects with a fixed delay
// and restarts every registered consumer.
type RabbitMQTransport struct {
	url    string
	dialer AMQPDialer
	opts   Options

	mu        sync.Mutex
	conn      AMQPConnection
	pubCh     AMQPChannel
	response  QueueHandle
	consumers []rabbitConsumer
	closed    bool

	lifecycle context.Context
	stop      context.CancelFunc
}

type rabbitConsumer struct {
	ctx   context.Context
	queue QueueHandle
	h     DeliveryHandler
}

// NewRabbitMQTransport returns an unconnected transport for url.
func NewRabbitMQTransport(url string, opts Options) *RabbitMQTransport {
	return NewRabbitMQTransportWithDialer(url, brokerDialer{}, opts)
}

// NewRabbitMQTransportWithDialer allows injecting a custom dialer for testing.
func NewRabbitMQTransportWithDialer(url string, dialer AMQPDialer, opts Options) *RabbitMQTransport {
	lifecycle, stop := context.WithCancel(context.Background())
	return &RabbitMQTransport{
		url:       url,
		dialer:    dialer,
		opts:      opts.withDefaults("amqp-transport"),
		lifecycle: lifecycle,
		stop:      stop,
	}
}

func (r *RabbitMQTransport) Connect(ctx context.Context) error {
	r.mu.Lock()
	connected := r.conn != nil
	r.mu.Unlock()
	if connected {
		return nil
	}
	return r.connect(ctx)
}

func (r *RabbitMQTransport) connect(ctx context.Context) error {
	return retry(ctx, r.opts.ReconnectDelay, r.opts.Logger, r.opts.Metrics, func() error {
		conn, err := r.dialer.Dial(r.url)
		if err != nil {
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			conn.Close()
			return nil
		}
		r.conn = conn
		r.pubCh = nil
		r.mu.Unlock()

		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		go r.watch(notify)
		r.opts.Logger.WithField("url", common.MaskURL(r.url)).Info("Connected to RabbitMQ")
		return nil
	})
}

// watch waits for the connection to close and reconnects unless the
// transport itself was closed.
func (r *RabbitMQTransport) watch(notify chan *amqp.Error) {
	amqpErr, ok := <-notify

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.conn = nil
	r.pubCh = nil
	r.mu.Unlock()

	log := r.opts.Logger
	if ok && amqpErr != nil {
		log = log.WithField("reason", amqpErr.Reason)
	}
	log.Warn("RabbitMQ connection closed, reconnecting")

	if err := r.connect(r.lifecycle); err != nil {
		return
	}
	r.restore()
}

// restore re-declares the response queue and restarts consumers after a
// reconnect.
func (r *RabbitMQTransport) restore() {
	r.mu.Lock()
	response := r.response
	consumers := append([]rabbitConsumer(nil), r.consumers...)
	r.mu.Unlock()

	if response.Name != "" {
		if _, err := r.ensureQueue(response.Name, false, true); err != nil {
			r.opts.Logger.WithError(err).WithField("queue", response.Name).Error("Failed to restore response queue")
		}
	}
	for _, c := range consumers {
		if c.ctx.Err() != nil {
			continue
		}
		if err := r.startConsumer(c); err != nil {
			r.opts.Logger.WithError(err).WithField("queue", c.queue.Name).Error("Failed to restart consumer")
		}
	}
}

func (r *RabbitMQTransport) connection() (AMQPConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil, ErrNotConnected
	}
	return r.conn, nil
}

// ensureQueue inspects name and declares it when the inspect fails.
func (r *RabbitMQTransport) ensureQueue(name string, durable, autoDelete bool) (QueueHandle, error) {
	conn, err := r.connection()
	if err != nil {
		return QueueHandle{}, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return QueueHandle{}, fmt.Errorf("failed to open a channel: %w", err)
	}
	if _, err := ch.QueueInspect(name); err == nil {
		ch.Close()
		return QueueHandle{Name: name, Address: name}, nil
	}
	ch.Close()

	ch, err = conn.Channel()
	if err != nil {
		return QueueHandle{}, fmt.Errorf("failed to open a channel: %w", err)
	}
	defer ch.Close()
	_, err = ch.QueueDeclare(
		name,       // name
		durable,    // durable
		autoDelete, // delete when unused
		false,      // exclusive
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		return QueueHandle{}, fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	r.opts.Logger.WithField("queue", name).Info("Declared queue")
	return QueueHandle{Name: name, Address: name}, nil
}

func (r *RabbitMQTransport) EnsureResponseQueue(_ context.Context, name string) (QueueHandle, error) {
	q, err := r.ensureQueue(name, false, true)
	if err != nil {
		return QueueHandle{}, err
	}
	r.mu.Lock()
	r.response = q
	r.mu.Unlock()
	return q, nil
}

func (r *RabbitMQTransport) DeclareQueue(_ context.Context, name string) (QueueHandle, error) {
	return r.ensureQueue(name, false, false)
}

func (r *RabbitMQTransport) Consume(ctx context.Context, q QueueHandle, h Handler) error {
	return r.ConsumeDeliveries(ctx, q, bodyOnly(h))
}

func (r *RabbitMQTransport) ConsumeDeliveries(ctx context.Context, q QueueHandle, h DeliveryHandler) error {
	c := rabbitConsumer{ctx: ctx, queue: q, h: h}
	if err := r.startConsumer(c); err != nil {
		return err
	}
	r.mu.Lock()
	r.consumers = append(r.consumers, c)
	r.mu.Unlock()
	return nil
}

func (r *RabbitMQTransport) startConsumer(c rabbitConsumer) error {
	conn, err := r.connection()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open a channel: %w", err)
	}
	deliveries, err := ch.Consume(
		c.queue.Name, // queue
		"",           // consumer
		true,         // auto-ack
		false,        // exclusive
		false,        // no-local
		false,        // no-wait
		nil,          // args
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to consume from %s: %w", c.queue.Name, err)
	}

	log := r.opts.Logger.WithField("queue", c.queue.Name)
	log.Info("Consuming")
	go func() {
		defer ch.Close()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-r.lifecycle.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					// channel or connection closed; watch restarts us
					return
				}
				deliver(c.ctx, log, c.h, Delivery{Body: d.Body, Correlation: correlationFromDelivery(d)})
			}
		}
	}()
	return nil
}

func correlationFromDelivery(d amqp.Delivery) Correlation {
	c := Correlation{
		ExecutionID: d.CorrelationId,
		ReplyTo:     d.ReplyTo,
		ClientID:    d.AppId,
	}
	if v, ok := d.Headers["messageId"].(string); ok {
		c.MessageID = v
	}
	switch v := d.Headers["creationTime"].(type) {
	case int64:
		c.CreationTime = v
	case int32:
		c.CreationTime = int64(v)
	case float64:
		c.CreationTime = int64(v)
	}
	return c
}

func (r *RabbitMQTransport) Send(_ context.Context, destination string, payload []byte, c Correlation) (bool, error) {
	conn, err := r.connection()
	if err != nil {
		return false, err
	}

	probe, err := conn.Channel()
	if err != nil {
		return false, fmt.Errorf("failed to open a channel: %w", err)
	}
	_, inspectErr := probe.QueueInspect(destination)
	probe.Close()
	if inspectErr != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrQueueNotFound, destination, inspectErr)
	}

	ch, err := r.publishChannel(conn)
	if err != nil {
		return false, err
	}

	err = ch.Publish(
		"",          // exchange (empty string means default exchange)
		destination, // routing key (queue name)
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			ReplyTo:       c.ReplyTo,
			CorrelationId: c.ExecutionID,
			AppId:         c.ClientID,
			Headers: amqp.Table{
				"messageId":    c.MessageID,
				"executionId":  c.ExecutionID,
				"creationTime": c.CreationTime,
			},
			Body: payload,
		},
	)
	if err != nil {
		r.opts.Logger.WithError(err).WithField("queue", destination).Error("Publish failed, discarding channel")
		r.mu.Lock()
		if r.pubCh == ch {
			r.pubCh = nil
		}
		r.mu.Unlock()
		ch.Close()
		return false, fmt.Errorf("failed to publish message: %w", err)
	}
	return true, nil
}

func (r *RabbitMQTransport) publishChannel(conn AMQPConnection) (AMQPChannel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubCh != nil {
		return r.pubCh, nil
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	r.pubCh = ch
	return ch, nil
}

func (r *RabbitMQTransport) ResponseQueue() QueueHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.response
}

// Close closes the channel and the connection and stops reconnecting.
func (r *RabbitMQTransport) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn, ch := r.conn, r.pubCh
	r.conn, r.pubCh = nil, nil
	r.mu.Unlock()

	r.stop()
	if ch != nil {
		ch.Close()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}
