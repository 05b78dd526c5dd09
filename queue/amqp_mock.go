package queue

import (
	"fmt"
	"sync"

	"github.com/streadway/amqp"
)

// MockAMQPBroker is the shared state behind mock connections and channels.
// Queues declared on any channel are visible to all of them, and a publish to
// the default exchange is routed to the consumer of the queue named by the
// routing key.
type MockAMQPBroker struct {
	mu         sync.Mutex
	queues     map[string]chan amqp.Delivery
	QueueArgs  map[string][2]bool // name -> {durable, autoDelete}
	Published  []amqp.Publishing
	Keys       []string
	InspectErr map[string]error
}

func newMockAMQPBroker() *MockAMQPBroker {
	return &MockAMQPBroker{
		queues:     make(map[string]chan amqp.Delivery),
		QueueArgs:  make(map[string][2]bool),
		InspectErr: make(map[string]error),
	}
}

// AddQueue creates a queue as if another party had declared it.
func (b *MockAMQPBroker) AddQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = make(chan amqp.Delivery, 64)
	}
}

// HasQueue reports whether name was declared.
func (b *MockAMQPBroker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// PublishedCount returns the number of accepted publishes.
func (b *MockAMQPBroker) PublishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Published)
}

// LastPublished returns the most recent publish and its routing key.
func (b *MockAMQPBroker) LastPublished() (amqp.Publishing, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.Published) == 0 {
		return amqp.Publishing{}, ""
	}
	return b.Published[len(b.Published)-1], b.Keys[len(b.Keys)-1]
}

// MockAMQPConnection is a mock implementation of AMQPConnection for testing
type MockAMQPConnection struct {
	Broker *MockAMQPBroker
	// Error to return from operations
	ChannelErr error
	CloseErr   error

	mu            sync.Mutex
	closeNotify   []chan *amqp.Error
	channelsOpen  int
	ChannelCalled bool
	CloseCalled   bool
	// PublishErr is copied to every channel opened on this connection
	PublishErr error
}

// Channel returns a new mock channel on the shared broker
func (m *MockAMQPConnection) Channel() (AMQPChannel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ChannelCalled = true
	if m.ChannelErr != nil {
		return nil, m.ChannelErr
	}
	m.channelsOpen++
	return &MockAMQPChannel{broker: m.Broker, PublishErr: m.PublishErr}, nil
}

// ChannelsOpened returns how many channels were opened.
func (m *MockAMQPConnection) ChannelsOpened() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channelsOpen
}

// NotifyClose registers a listener that Drop signals.
func (m *MockAMQPConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeNotify = append(m.closeNotify, receiver)
	return receiver
}

// Drop simulates a broker-side connection loss.
func (m *MockAMQPConnection) Drop(reason string) {
	m.mu.Lock()
	listeners := m.closeNotify
	m.closeNotify = nil
	m.mu.Unlock()
	for _, l := range listeners {
		l <- &amqp.Error{Code: amqp.ConnectionForced, Reason: reason}
		close(l)
	}
}

// Close mocks closing the connection
func (m *MockAMQPConnection) Close() error {
	m.mu.Lock()
	m.CloseCalled = true
	listeners := m.closeNotify
	m.closeNotify = nil
	m.mu.Unlock()
	for _, l := range listeners {
		close(l)
	}
	return m.CloseErr
}

// MockAMQPChannel is a mock implementation of AMQPChannel for testing
type MockAMQPChannel struct {
	broker *MockAMQPBroker
	// Errors to return from operations
	QueueDeclareErr error
	PublishErr      error
	ConsumeErr      error
	CloseErr        error
	// Track function calls
	QueueDeclareCalled bool
	PublishCalled      bool
	CloseCalled        bool
}

// QueueDeclare mocks declaring a queue
func (m *MockAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	m.QueueDeclareCalled = true
	if m.QueueDeclareErr != nil {
		return amqp.Queue{}, m.QueueDeclareErr
	}
	m.broker.AddQueue(name)
	m.broker.mu.Lock()
	m.broker.QueueArgs[name] = [2]bool{durable, autoDelete}
	m.broker.mu.Unlock()
	return amqp.Queue{Name: name}, nil
}

// QueueInspect fails with a 404 channel error for unknown queues
func (m *MockAMQPChannel) QueueInspect(name string) (amqp.Queue, error) {
	m.broker.mu.Lock()
	defer m.broker.mu.Unlock()
	if err, ok := m.broker.InspectErr[name]; ok {
		return amqp.Queue{}, err
	}
	q, ok := m.broker.queues[name]
	if !ok {
		return amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name)}
	}
	return amqp.Queue{Name: name, Messages: len(q)}, nil
}

// Publish routes the message to the queue named by key
func (m *MockAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.PublishCalled = true
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.broker.mu.Lock()
	defer m.broker.mu.Unlock()
	m.broker.Published = append(m.broker.Published, msg)
	m.broker.Keys = append(m.broker.Keys, key)
	if q, ok := m.broker.queues[key]; ok && exchange == "" {
		q <- amqp.Delivery{
			Headers:       msg.Headers,
			ContentType:   msg.ContentType,
			DeliveryMode:  msg.DeliveryMode,
			CorrelationId: msg.CorrelationId,
			ReplyTo:       msg.ReplyTo,
			AppId:         msg.AppId,
			RoutingKey:    key,
			Body:          msg.Body,
		}
	}
	return nil
}

// Consume returns the delivery channel of the queue
func (m *MockAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if m.ConsumeErr != nil {
		return nil, m.ConsumeErr
	}
	m.broker.mu.Lock()
	defer m.broker.mu.Unlock()
	q, ok := m.broker.queues[queue]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + queue + "'"}
	}
	return q, nil
}

// Close mocks closing the channel
func (m *MockAMQPChannel) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// MockAMQPDialer is a mock implementation of AMQPDialer for testing
type MockAMQPDialer struct {
	// MockConnection is the connection to return from Dial()
	MockConnection *MockAMQPConnection
	// FailuresBeforeSuccess makes the first N dials fail with DialErr
	FailuresBeforeSuccess int
	// Error to return from Dial
	DialErr error

	mu        sync.Mutex
	dialCount int
	LastURL   string
}

// Dial mocks dialing an AMQP connection
func (m *MockAMQPDialer) Dial(url string) (AMQPConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dialCount++
	m.LastURL = url
	if m.DialErr != nil && (m.FailuresBeforeSuccess < 0 || m.dialCount <= m.FailuresBeforeSuccess) {
		return nil, m.DialErr
	}
	return m.MockConnection, nil
}

// Dials returns how many times Dial was called.
func (m *MockAMQPDialer) Dials() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dialCount
}

// SetupMockDialerForTest creates a fully configured mock dialer for testing
func SetupMockDialerForTest() (*MockAMQPDialer, *MockAMQPConnection, *MockAMQPBroker) {
	broker := newMockAMQPBroker()
	conn := &MockAMQPConnection{Broker: broker}
	return &MockAMQPDialer{MockConnection: conn}, conn, broker
}

// NewMockAMQPDialerWithError creates a mock dialer whose dials always fail
func NewMockAMQPDialerWithError(err error) *MockAMQPDialer {
	return &MockAMQPDialer{DialErr: err, FailuresBeforeSuccess: -1}
}
