package db

import (
	"context"
	"sync"
	"time"

	"relay.evalgo.org/common"
)

// MemoryLog keeps the durable log in process memory.
// It is safe for concurrent use but does not survive a restart.
type MemoryLog struct {
	mu         sync.Mutex
	executions map[string]*common.ExecutionRecord
	clients    map[string]common.ClientInfo
	health     map[string]common.ServiceHealthEntry
	messages   map[string][]common.MessageLogEntry
}

// NewMemoryLog returns an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		executions: make(map[string]*common.ExecutionRecord),
		clients:    make(map[string]common.ClientInfo),
		health:     make(map[string]common.ServiceHealthEntry),
		messages:   make(map[string][]common.MessageLogEntry),
	}
}

func (m *MemoryLog) UpsertExecution(_ context.Context, rec *common.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[rec.ExecutionID] = rec.Clone()
	return nil
}

func (m *MemoryLog) CompleteExecution(_ context.Context, rec *common.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.executions[rec.ExecutionID]
	if !ok {
		return ErrNotFound
	}
	if !stored.IsPending() {
		return ErrAlreadyCompleted
	}
	m.executions[rec.ExecutionID] = rec.Clone()
	return nil
}

func (m *MemoryLog) GetExecution(_ context.Context, executionID string) (*common.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.executions[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryLog) ExecutionsForClient(_ context.Context, clientID string) ([]*common.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*common.ExecutionRecord, 0)
	for _, rec := range m.executions {
		if rec.ClientID == clientID {
			out = append(out, rec.Clone())
		}
	}
	sortByRequestTime(out)
	return out, nil
}

func (m *MemoryLog) ClientForExecution(_ context.Context, executionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.executions[executionID]
	if !ok {
		return "", ErrNotFound
	}
	return rec.ClientID, nil
}

func (m *MemoryLog) InsertRequest(_ context.Context, executionID, clientID string, body []byte) error {
	m.appendMessage(newMessage(common.DirectionRequest, executionID, clientID, body))
	return nil
}

func (m *MemoryLog) InsertResponse(_ context.Context, executionID, clientID string, body []byte) error {
	m.appendMessage(newMessage(common.DirectionResponse, executionID, clientID, body))
	return nil
}

func (m *MemoryLog) appendMessage(msg common.MessageLogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ExecutionID] = append(m.messages[msg.ExecutionID], msg)
}

func (m *MemoryLog) Messages(_ context.Context, executionID string) ([]common.MessageLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]common.MessageLogEntry(nil), m.messages[executionID]...), nil
}

func (m *MemoryLog) InitializeClient(_ context.Context, clientID string, now time.Time) (common.ClientInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[clientID]; ok {
		return c, nil
	}
	c := common.ClientInfo{ID: clientID, LastTouched: now}
	m.clients[clientID] = c
	return c, nil
}

func (m *MemoryLog) GetClient(_ context.Context, clientID string) (common.ClientInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return common.ClientInfo{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryLog) TouchClient(_ context.Context, clientID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return ErrNotFound
	}
	c.LastTouched = at
	m.clients[clientID] = c
	return nil
}

func (m *MemoryLog) AdjustResponsesExpected(_ context.Context, clientID string, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return 0, ErrNotFound
	}
	if c.ResponsesExpected+delta < 0 {
		return c.ResponsesExpected, ErrCounterUnderflow
	}
	c.ResponsesExpected += delta
	m.clients[clientID] = c
	return c.ResponsesExpected, nil
}

func (m *MemoryLog) DeleteClient(_ context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, clientID)
	return nil
}

func (m *MemoryLog) ListClients(_ context.Context) ([]common.ClientInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]common.ClientInfo, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	return out, nil
}

func (m *MemoryLog) HealthEntries(_ context.Context) ([]common.ServiceHealthEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]common.ServiceHealthEntry, 0, len(m.health))
	for _, e := range m.health {
		out = append(out, e)
	}
	sortHealth(out)
	return out, nil
}

func (m *MemoryLog) AddHealthEntry(_ context.Context, e common.ServiceHealthEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := healthKey(e.Name, e.URL)
	if _, ok := m.health[key]; ok {
		return false, nil
	}
	m.health[key] = e
	return true, nil
}

func (m *MemoryLog) UpdateHealth(_ context.Context, name, url string, code int, status string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := healthKey(name, url)
	e, ok := m.health[key]
	if !ok {
		return ErrNotFound
	}
	e.StatusCode = code
	e.StatusString = common.Truncate(status, common.MaxStatusStringLen)
	e.LastChecked = &at
	m.health[key] = e
	return nil
}

func (m *MemoryLog) UnhealthyEntries(ctx context.Context) ([]common.ServiceHealthEntry, error) {
	entries, err := m.HealthEntries(ctx)
	if err != nil {
		return nil, err
	}
	return unhealthyOnly(entries), nil
}

func (m *MemoryLog) ClearHealthEntries(_ context.Context, entryType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.health {
		if e.Type == entryType {
			delete(m.health, k)
		}
	}
	return nil
}

func (m *MemoryLog) Close() error { return nil }
