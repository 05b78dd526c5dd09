package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"

	"relay.evalgo.org/common"
	"relay.evalgo.org/db/bolt"
)

const (
	bucketExecutions = "executions"
	bucketClients    = "clients"
	bucketHealth     = "service_health"
	bucketMessages   = "message_log"
)

// BoltLog is a durable log in a single bbolt file. bbolt serialises writers,
// so every compare-and-set runs inside one read-write transaction.
type BoltLog struct {
	db *bolt.DB
}

// OpenBoltLog opens (or creates) the log at path.
func OpenBoltLog(path string) (*BoltLog, error) {
	db, err := bolt.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.CreateBuckets(bucketExecutions, bucketClients, bucketHealth, bucketMessages); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltLog{db: db}, nil
}

func notFound(err error) error {
	if errors.Is(err, bolt.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

func (l *BoltLog) UpsertExecution(_ context.Context, rec *common.ExecutionRecord) error {
	return l.db.PutJSON(bucketExecutions, rec.ExecutionID, rec)
}

func (l *BoltLog) CompleteExecution(_ context.Context, rec *common.ExecutionRecord) error {
	var stored common.ExecutionRecord
	return l.db.UpdateJSON(bucketExecutions, rec.ExecutionID, &stored, func(found bool) error {
		if !found {
			return ErrNotFound
		}
		if !stored.IsPending() {
			return ErrAlreadyCompleted
		}
		stored = *rec.Clone()
		return nil
	})
}

func (l *BoltLog) GetExecution(_ context.Context, executionID string) (*common.ExecutionRecord, error) {
	var rec common.ExecutionRecord
	if err := l.db.GetJSON(bucketExecutions, executionID, &rec); err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

func (l *BoltLog) ExecutionsForClient(_ context.Context, clientID string) ([]*common.ExecutionRecord, error) {
	out := make([]*common.ExecutionRecord, 0)
	err := l.db.ForEachJSON(bucketExecutions, func(_ string, v interface{}) error {
		rec := v.(*common.ExecutionRecord)
		if rec.ClientID == clientID {
			out = append(out, rec)
		}
		return nil
	}, func() interface{} { return &common.ExecutionRecord{} })
	if err != nil {
		return nil, err
	}
	sortByRequestTime(out)
	return out, nil
}

func (l *BoltLog) ClientForExecution(ctx context.Context, executionID string) (string, error) {
	rec, err := l.GetExecution(ctx, executionID)
	if err != nil {
		return "", err
	}
	return rec.ClientID, nil
}

func (l *BoltLog) InsertRequest(_ context.Context, executionID, clientID string, body []byte) error {
	return l.insertMessage(newMessage(common.DirectionRequest, executionID, clientID, body))
}

func (l *BoltLog) InsertResponse(_ context.Context, executionID, clientID string, body []byte) error {
	return l.insertMessage(newMessage(common.DirectionResponse, executionID, clientID, body))
}

func (l *BoltLog) insertMessage(msg common.MessageLogEntry) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketMessages))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put([]byte(fmt.Sprintf("%s/%020d", msg.ExecutionID, seq)), data)
	})
}

func (l *BoltLog) Messages(_ context.Context, executionID string) ([]common.MessageLogEntry, error) {
	out := make([]common.MessageLogEntry, 0)
	err := l.db.ForEachPrefixJSON(bucketMessages, executionID+"/", func(_ string, v interface{}) error {
		out = append(out, *v.(*common.MessageLogEntry))
		return nil
	}, func() interface{} { return &common.MessageLogEntry{} })
	return out, err
}

func (l *BoltLog) InitializeClient(ctx context.Context, clientID string, now time.Time) (common.ClientInfo, error) {
	if _, err := l.db.PutJSONIfAbsent(bucketClients, clientID, common.ClientInfo{ID: clientID, LastTouched: now}); err != nil {
		return common.ClientInfo{}, err
	}
	return l.GetClient(ctx, clientID)
}

func (l *BoltLog) GetClient(_ context.Context, clientID string) (common.ClientInfo, error) {
	var c common.ClientInfo
	if err := l.db.GetJSON(bucketClients, clientID, &c); err != nil {
		return common.ClientInfo{}, notFound(err)
	}
	return c, nil
}

func (l *BoltLog) TouchClient(_ context.Context, clientID string, at time.Time) error {
	var c common.ClientInfo
	return l.db.UpdateJSON(bucketClients, clientID, &c, func(found bool) error {
		if !found {
			return ErrNotFound
		}
		c.LastTouched = at
		return nil
	})
}

func (l *BoltLog) AdjustResponsesExpected(_ context.Context, clientID string, delta int) (int, error) {
	var c common.ClientInfo
	err := l.db.UpdateJSON(bucketClients, clientID, &c, func(found bool) error {
		if !found {
			return ErrNotFound
		}
		if c.ResponsesExpected+delta < 0 {
			return ErrCounterUnderflow
		}
		c.ResponsesExpected += delta
		return nil
	})
	return c.ResponsesExpected, err
}

func (l *BoltLog) DeleteClient(_ context.Context, clientID string) error {
	return l.db.Delete(bucketClients, clientID)
}

func (l *BoltLog) ListClients(_ context.Context) ([]common.ClientInfo, error) {
	out := make([]common.ClientInfo, 0)
	err := l.db.ForEachJSON(bucketClients, func(_ string, v interface{}) error {
		out = append(out, *v.(*common.ClientInfo))
		return nil
	}, func() interface{} { return &common.ClientInfo{} })
	return out, err
}

func (l *BoltLog) HealthEntries(_ context.Context) ([]common.ServiceHealthEntry, error) {
	out := make([]common.ServiceHealthEntry, 0)
	err := l.db.ForEachJSON(bucketHealth, func(_ string, v interface{}) error {
		out = append(out, *v.(*common.ServiceHealthEntry))
		return nil
	}, func() interface{} { return &common.ServiceHealthEntry{} })
	if err != nil {
		return nil, err
	}
	sortHealth(out)
	return out, nil
}

func (l *BoltLog) AddHealthEntry(_ context.Context, e common.ServiceHealthEntry) (bool, error) {
	return l.db.PutJSONIfAbsent(bucketHealth, healthKey(e.Name, e.URL), e)
}

func (l *BoltLog) UpdateHealth(_ context.Context, name, url string, code int, status string, at time.Time) error {
	var e common.ServiceHealthEntry
	return l.db.UpdateJSON(bucketHealth, healthKey(name, url), &e, func(found bool) error {
		if !found {
			return ErrNotFound
		}
		e.StatusCode = code
		e.StatusString = common.Truncate(status, common.MaxStatusStringLen)
		e.LastChecked = &at
		return nil
	})
}

func (l *BoltLog) UnhealthyEntries(ctx context.Context) ([]common.ServiceHealthEntry, error) {
	entries, err := l.HealthEntries(ctx)
	if err != nil {
		return nil, err
	}
	return unhealthyOnly(entries), nil
}

func (l *BoltLog) ClearHealthEntries(_ context.Context, entryType string) error {
	return l.db.DeleteWhere(bucketHealth, func(v []byte) bool {
		var e common.ServiceHealthEntry
		return json.Unmarshal(v, &e) == nil && e.Type == entryType
	})
}

func (l *BoltLog) Close() error {
	return l.db.Close()
}
