package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// MockSQS is an in-memory SQSAPI for tests. Received messages stay invisible
// until deleted; ReceiveMessage polls briefly instead of blocking for the full
// wait time.
type MockSQS struct {
	mu       sync.Mutex
	queues   map[string]*mockSQSQueue // by URL
	byName   map[string]string
	seq      int
	SendErr  error
	Sent     []*sqs.SendMessageInput
	Deleted  int
	Creates  int
	PollWait time.Duration
}

type mockSQSQueue struct {
	name     string
	messages []types.Message
	inFlight map[string]types.Message
}

// NewMockSQS returns an empty mock.
func NewMockSQS() *MockSQS {
	return &MockSQS{
		queues:   make(map[string]*mockSQSQueue),
		byName:   make(map[string]string),
		PollWait: 10 * time.Millisecond,
	}
}

// AddQueue creates name as if another party had created it, returning its URL.
func (m *MockSQS) AddQueue(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addQueue(name)
}

func (m *MockSQS) addQueue(name string) string {
	if url, ok := m.byName[name]; ok {
		return url
	}
	url := "https://sqs.mock.local/000000000000/" + name
	m.byName[name] = url
	m.queues[url] = &mockSQSQueue{name: name, inFlight: make(map[string]types.Message)}
	return url
}

// HasQueue reports whether name exists.
func (m *MockSQS) HasQueue(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byName[name]
	return ok
}

// Pending returns the number of messages not yet deleted from name.
func (m *MockSQS) Pending(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[m.byName[name]]
	if q == nil {
		return 0
	}
	return len(q.messages) + len(q.inFlight)
}

func (m *MockSQS) GetQueueUrl(_ context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	url, ok := m.byName[aws.ToString(in.QueueName)]
	if !ok {
		return nil, &types.QueueDoesNotExist{Message: aws.String("The specified queue does not exist.")}
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(url)}, nil
}

func (m *MockSQS) CreateQueue(_ context.Context, in *sqs.CreateQueueInput, _ ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Creates++
	return &sqs.CreateQueueOutput{QueueUrl: aws.String(m.addQueue(aws.ToString(in.QueueName)))}, nil
}

func (m *MockSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return nil, m.SendErr
	}
	q, ok := m.queues[aws.ToString(in.QueueUrl)]
	if !ok {
		return nil, &types.QueueDoesNotExist{Message: aws.String("The specified queue does not exist.")}
	}
	m.seq++
	id := fmt.Sprintf("msg-%d", m.seq)
	q.messages = append(q.messages, types.Message{
		MessageId:         aws.String(id),
		Body:              in.MessageBody,
		MessageAttributes: in.MessageAttributes,
	})
	m.Sent = append(m.Sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String(id)}, nil
}

func (m *MockSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if msg, ok, err := m.take(aws.ToString(in.QueueUrl)); err != nil || ok {
		if err != nil {
			return nil, err
		}
		return &sqs.ReceiveMessageOutput{Messages: []types.Message{msg}}, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(m.PollWait):
		return &sqs.ReceiveMessageOutput{}, nil
	}
}

func (m *MockSQS) take(url string) (types.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[url]
	if !ok {
		return types.Message{}, false, &types.QueueDoesNotExist{Message: aws.String("The specified queue does not exist.")}
	}
	if len(q.messages) == 0 {
		return types.Message{}, false, nil
	}
	msg := q.messages[0]
	q.messages = q.messages[1:]
	m.seq++
	handle := fmt.Sprintf("rh-%d", m.seq)
	msg.ReceiptHandle = aws.String(handle)
	q.inFlight[handle] = msg
	return msg, true, nil
}

func (m *MockSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[aws.ToString(in.QueueUrl)]
	if !ok {
		return nil, &types.QueueDoesNotExist{Message: aws.String("The specified queue does not exist.")}
	}
	delete(q.inFlight, aws.ToString(in.ReceiptHandle))
	m.Deleted++
	return &sqs.DeleteMessageOutput{}, nil
}
