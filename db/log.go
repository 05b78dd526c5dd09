// Package db provides the durable log of the relay: execution records, client
// session rows, service health entries and the raw broker message audit trail.
//
// The log is the authority for correlation. Any replica can map an execution id
// back to its owning client through it, and completion is a compare-and-set on
// the pending status so a response delivered twice is applied once.
//
// Backends:
//   - MemoryLog: process-local, for tests and single-replica development
//   - GormLog:   PostgreSQL through gorm, for multi-replica deployments
//   - BoltLog:   embedded bbolt file, for single-node deployments
//   - RedisLog:  Redis/DragonflyDB through go-redis
package db

import (
	"context"
	"errors"
	"sort"
	"time"

	"relay.evalgo.org/common"
)

var (
	// ErrNotFound is returned when a record, client or entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyCompleted is returned by CompleteExecution when the stored
	// record is no longer pending.
	ErrAlreadyCompleted = errors.New("execution already completed")

	// ErrCounterUnderflow is returned when a decrement would make a client's
	// expected response count negative. The stored value is left unchanged.
	ErrCounterUnderflow = errors.New("responses expected would become negative")
)

// ExecutionLog stores execution records and the raw message trail.
type ExecutionLog interface {
	// UpsertExecution inserts or replaces a record.
	UpsertExecution(ctx context.Context, rec *common.ExecutionRecord) error

	// CompleteExecution replaces the stored record with rec only if the stored
	// status is still pending. Returns ErrNotFound or ErrAlreadyCompleted otherwise.
	CompleteExecution(ctx context.Context, rec *common.ExecutionRecord) error

	GetExecution(ctx context.Context, executionID string) (*common.ExecutionRecord, error)

	// ExecutionsForClient returns the client's records ordered by request time, oldest first.
	ExecutionsForClient(ctx context.Context, clientID string) ([]*common.ExecutionRecord, error)

	// ClientForExecution maps an execution id to its owning client.
	ClientForExecution(ctx context.Context, executionID string) (string, error)

	InsertRequest(ctx context.Context, executionID, clientID string, body []byte) error
	InsertResponse(ctx context.Context, executionID, clientID string, body []byte) error
	Messages(ctx context.Context, executionID string) ([]common.MessageLogEntry, error)
}

// ClientStore stores the durable part of client sessions.
type ClientStore interface {
	// InitializeClient inserts a zeroed row if none exists and returns the stored row.
	InitializeClient(ctx context.Context, clientID string, now time.Time) (common.ClientInfo, error)

	GetClient(ctx context.Context, clientID string) (common.ClientInfo, error)
	TouchClient(ctx context.Context, clientID string, at time.Time) error

	// AdjustResponsesExpected adds delta to the counter and returns the new value.
	// A result below zero is refused with ErrCounterUnderflow.
	AdjustResponsesExpected(ctx context.Context, clientID string, delta int) (int, error)

	DeleteClient(ctx context.Context, clientID string) error
	ListClients(ctx context.Context) ([]common.ClientInfo, error)
}

// HealthStore stores service health entries.
type HealthStore interface {
	HealthEntries(ctx context.Context) ([]common.ServiceHealthEntry, error)

	// AddHealthEntry inserts e unless an entry with the same name and URL exists.
	// Reports whether a row was inserted.
	AddHealthEntry(ctx context.Context, e common.ServiceHealthEntry) (bool, error)

	// UpdateHealth records a probe result. status is truncated to MaxStatusStringLen.
	UpdateHealth(ctx context.Context, name, url string, code int, status string, at time.Time) error

	// UnhealthyEntries returns entries that were probed and did not answer 200.
	UnhealthyEntries(ctx context.Context) ([]common.ServiceHealthEntry, error)

	// ClearHealthEntries removes all entries of the given type.
	ClearHealthEntries(ctx context.Context, entryType string) error
}

// Log is the complete durable log.
type Log interface {
	ExecutionLog
	ClientStore
	HealthStore
	Close() error
}

func sortByRequestTime(recs []*common.ExecutionRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].RequestTime.Equal(recs[j].RequestTime) {
			return recs[i].ExecutionID < recs[j].ExecutionID
		}
		return recs[i].RequestTime.Before(recs[j].RequestTime)
	})
}

func sortHealth(entries []common.ServiceHealthEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Name == entries[j].Name {
			return entries[i].URL < entries[j].URL
		}
		return entries[i].Name < entries[j].Name
	})
}

func unhealthyOnly(entries []common.ServiceHealthEntry) []common.ServiceHealthEntry {
	out := make([]common.ServiceHealthEntry, 0)
	for _, e := range entries {
		if e.Unhealthy() {
			out = append(out, e)
		}
	}
	return out
}

func healthKey(name, url string) string {
	return name + "|" + url
}

func newMessage(direction, executionID, clientID string, body []byte) common.MessageLogEntry {
	return common.MessageLogEntry{
		ExecutionID: executionID,
		ClientID:    clientID,
		Direction:   direction,
		Body:        append([]byte(nil), body...),
		LoggedAt:    time.Now().UTC(),
	}
}
