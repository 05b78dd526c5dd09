package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"relay.evalgo.org/common"
)

// RedisLog stores the durable log in Redis or DragonflyDB.
//
// Key layout (prefix defaults to "relay"):
//
//	<p>:exec:<id>            execution record JSON
//	<p>:client-execs:<cid>   sorted set of execution ids scored by request time
//	<p>:client:<cid>         hash {responsesExpected, lastTouched}
//	<p>:clients              set of client ids
//	<p>:health               hash name|url -> entry JSON
//	<p>:messages:<id>        list of message JSON
//
// Compare-and-set operations use WATCH/MULTI and retry on conflict.
type RedisLog struct {
	client *redis.Client
	prefix string
}

const redisMaxRetries = 10

// NewRedisLog connects to addr and verifies the connection with PING.
func NewRedisLog(ctx context.Context, addr, password string) (*RedisLog, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return NewRedisLogWithClient(client, "relay"), nil
}

// OpenRedisLog connects using a redis:// URL.
func OpenRedisLog(ctx context.Context, rawURL string) (*RedisLog, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return NewRedisLogWithClient(client, "relay"), nil
}

// NewRedisLogWithClient uses an existing client; prefix namespaces all keys.
func NewRedisLogWithClient(client *redis.Client, prefix string) *RedisLog {
	if prefix == "" {
		prefix = "relay"
	}
	return &RedisLog{client: client, prefix: prefix}
}

func (l *RedisLog) key(parts ...string) string {
	k := l.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// watch runs fn under WATCH on keys, retrying when another writer interferes.
func (l *RedisLog) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < redisMaxRetries; i++ {
		err := l.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("redis transaction on %v: %w", keys, redis.TxFailedErr)
}

func (l *RedisLog) UpsertExecution(ctx context.Context, rec *common.ExecutionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}
	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, l.key("exec", rec.ExecutionID), data, 0)
		pipe.ZAdd(ctx, l.key("client-execs", rec.ClientID), redis.Z{
			Score:  float64(rec.RequestTime.UnixNano()),
			Member: rec.ExecutionID,
		})
		return nil
	})
	return err
}

func (l *RedisLog) CompleteExecution(ctx context.Context, rec *common.ExecutionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}
	key := l.key("exec", rec.ExecutionID)
	return l.watch(ctx, func(tx *redis.Tx) error {
		stored, err := l.getExecution(ctx, tx, key)
		if err != nil {
			return err
		}
		if !stored.IsPending() {
			return ErrAlreadyCompleted
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
}

func (l *RedisLog) getExecution(ctx context.Context, c redis.Cmdable, key string) (*common.ExecutionRecord, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec common.ExecutionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	return &rec, nil
}

func (l *RedisLog) GetExecution(ctx context.Context, executionID string) (*common.ExecutionRecord, error) {
	return l.getExecution(ctx, l.client, l.key("exec", executionID))
}

func (l *RedisLog) ExecutionsForClient(ctx context.Context, clientID string) ([]*common.ExecutionRecord, error) {
	ids, err := l.client.ZRange(ctx, l.key("client-execs", clientID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*common.ExecutionRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := l.GetExecution(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sortByRequestTime(out)
	return out, nil
}

func (l *RedisLog) ClientForExecution(ctx context.Context, executionID string) (string, error) {
	rec, err := l.GetExecution(ctx, executionID)
	if err != nil {
		return "", err
	}
	return rec.ClientID, nil
}

func (l *RedisLog) InsertRequest(ctx context.Context, executionID, clientID string, body []byte) error {
	return l.insertMessage(ctx, newMessage(common.DirectionRequest, executionID, clientID, body))
}

func (l *RedisLog) InsertResponse(ctx context.Context, executionID, clientID string, body []byte) error {
	return l.insertMessage(ctx, newMessage(common.DirectionResponse, executionID, clientID, body))
}

func (l *RedisLog) insertMessage(ctx context.Context, msg common.MessageLogEntry) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return l.client.RPush(ctx, l.key("messages", msg.ExecutionID), data).Err()
}

func (l *RedisLog) Messages(ctx context.Context, executionID string) ([]common.MessageLogEntry, error) {
	raws, err := l.client.LRange(ctx, l.key("messages", executionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]common.MessageLogEntry, 0, len(raws))
	for _, raw := range raws {
		var msg common.MessageLogEntry
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (l *RedisLog) InitializeClient(ctx context.Context, clientID string, now time.Time) (common.ClientInfo, error) {
	key := l.key("client", clientID)
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "responsesExpected", 0)
		pipe.HSetNX(ctx, key, "lastTouched", now.UnixNano())
		pipe.SAdd(ctx, l.key("clients"), clientID)
		return nil
	})
	if err != nil {
		return common.ClientInfo{}, err
	}
	return l.GetClient(ctx, clientID)
}

func (l *RedisLog) readClient(ctx context.Context, c redis.Cmdable, clientID string) (common.ClientInfo, error) {
	fields, err := c.HGetAll(ctx, l.key("client", clientID)).Result()
	if err != nil {
		return common.ClientInfo{}, err
	}
	if len(fields) == 0 {
		return common.ClientInfo{}, ErrNotFound
	}
	expected, err := strconv.Atoi(fields["responsesExpected"])
	if err != nil {
		return common.ClientInfo{}, fmt.Errorf("corrupt responsesExpected for %s: %w", clientID, err)
	}
	touched, err := strconv.ParseInt(fields["lastTouched"], 10, 64)
	if err != nil {
		return common.ClientInfo{}, fmt.Errorf("corrupt lastTouched for %s: %w", clientID, err)
	}
	return common.ClientInfo{
		ID:                clientID,
		ResponsesExpected: expected,
		LastTouched:       time.Unix(0, touched).UTC(),
	}, nil
}

func (l *RedisLog) GetClient(ctx context.Context, clientID string) (common.ClientInfo, error) {
	return l.readClient(ctx, l.client, clientID)
}

func (l *RedisLog) TouchClient(ctx context.Context, clientID string, at time.Time) error {
	key := l.key("client", clientID)
	return l.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "lastTouched", at.UnixNano())
			return nil
		})
		return err
	}, key)
}

func (l *RedisLog) AdjustResponsesExpected(ctx context.Context, clientID string, delta int) (int, error) {
	key := l.key("client", clientID)
	var result int
	err := l.watch(ctx, func(tx *redis.Tx) error {
		c, err := l.readClient(ctx, tx, clientID)
		if err != nil {
			return err
		}
		result = c.ResponsesExpected
		if c.ResponsesExpected+delta < 0 {
			return ErrCounterUnderflow
		}
		next := c.ResponsesExpected + delta
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "responsesExpected", next)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}, key)
	return result, err
}

func (l *RedisLog) DeleteClient(ctx context.Context, clientID string) error {
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, l.key("client", clientID))
		pipe.SRem(ctx, l.key("clients"), clientID)
		return nil
	})
	return err
}

func (l *RedisLog) ListClients(ctx context.Context) ([]common.ClientInfo, error) {
	ids, err := l.client.SMembers(ctx, l.key("clients")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]common.ClientInfo, 0, len(ids))
	for _, id := range ids {
		c, err := l.GetClient(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (l *RedisLog) HealthEntries(ctx context.Context) ([]common.ServiceHealthEntry, error) {
	raws, err := l.client.HGetAll(ctx, l.key("health")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]common.ServiceHealthEntry, 0, len(raws))
	for _, raw := range raws {
		var e common.ServiceHealthEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal health entry: %w", err)
		}
		out = append(out, e)
	}
	sortHealth(out)
	return out, nil
}

func (l *RedisLog) AddHealthEntry(ctx context.Context, e common.ServiceHealthEntry) (bool, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("failed to marshal health entry: %w", err)
	}
	return l.client.HSetNX(ctx, l.key("health"), healthKey(e.Name, e.URL), data).Result()
}

func (l *RedisLog) UpdateHealth(ctx context.Context, name, url string, code int, status string, at time.Time) error {
	key := l.key("health")
	field := healthKey(name, url)
	return l.watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, field).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var e common.ServiceHealthEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("failed to unmarshal health entry: %w", err)
		}
		e.StatusCode = code
		e.StatusString = common.Truncate(status, common.MaxStatusStringLen)
		e.LastChecked = &at
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, field, data)
			return nil
		})
		return err
	}, key)
}

func (l *RedisLog) UnhealthyEntries(ctx context.Context) ([]common.ServiceHealthEntry, error) {
	entries, err := l.HealthEntries(ctx)
	if err != nil {
		return nil, err
	}
	return unhealthyOnly(entries), nil
}

func (l *RedisLog) ClearHealthEntries(ctx context.Context, entryType string) error {
	entries, err := l.HealthEntries(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Type != entryType {
			continue
		}
		if err := l.client.HDel(ctx, l.key("health"), healthKey(e.Name, e.URL)).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (l *RedisLog) Close() error {
	return l.client.Close()
}
