package queue

import (
	"context"
	"sync"
)

// MemoryTransport is an in-process broker. Queues are buffered Go channels;
// it serves single-replica development setups and tests.
type MemoryTransport struct {
	opts Options

	mu        sync.Mutex
	connected bool
	closed    bool
	queues    map[string]chan Delivery
	response  QueueHandle
	done      chan struct{}
}

const memoryQueueSize = 1024

// NewMemoryTransport returns an unconnected in-process transport.
func NewMemoryTransport(opts Options) *MemoryTransport {
	return &MemoryTransport{
		opts:   opts.withDefaults("memory-transport"),
		queues: make(map[string]chan Delivery),
		done:   make(chan struct{}),
	}
}

func (t *MemoryTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrNotConnected
	}
	t.connected = true
	return ctx.Err()
}

func (t *MemoryTransport) DeclareQueue(_ context.Context, name string) (QueueHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return QueueHandle{}, ErrNotConnected
	}
	if _, ok := t.queues[name]; !ok {
		t.queues[name] = make(chan Delivery, memoryQueueSize)
	}
	return QueueHandle{Name: name, Address: name}, nil
}

func (t *MemoryTransport) EnsureResponseQueue(ctx context.Context, name string) (QueueHandle, error) {
	q, err := t.DeclareQueue(ctx, name)
	if err != nil {
		return QueueHandle{}, err
	}
	t.mu.Lock()
	t.response = q
	t.mu.Unlock()
	return q, nil
}

func (t *MemoryTransport) Consume(ctx context.Context, q QueueHandle, h Handler) error {
	return t.ConsumeDeliveries(ctx, q, bodyOnly(h))
}

func (t *MemoryTransport) ConsumeDeliveries(ctx context.Context, q QueueHandle, h DeliveryHandler) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	ch, ok := t.queues[q.Name]
	t.mu.Unlock()
	if !ok {
		return ErrQueueNotFound
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.done:
				return
			case d := <-ch:
				deliver(ctx, t.opts.Logger, h, d)
			}
		}
	}()
	return nil
}

func (t *MemoryTransport) Send(ctx context.Context, destination string, payload []byte, c Correlation) (bool, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return false, ErrNotConnected
	}
	q, ok := t.queues[destination]
	t.mu.Unlock()
	if !ok {
		return false, ErrQueueNotFound
	}

	d := Delivery{Body: append([]byte(nil), payload...), Correlation: c}
	select {
	case q <- d:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	default:
		// full
		return false, nil
	}
}

func (t *MemoryTransport) ResponseQueue() QueueHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.response
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.connected = false
		close(t.done)
	}
	return nil
}

// Pending returns the number of undelivered messages on name.
func (t *MemoryTransport) Pending(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queues[name])
}
