package db

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisLog(t *testing.T) (*RedisLog, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	l := NewRedisLogWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "relay")
	t.Cleanup(func() { l.Close() })
	return l, mr
}

func TestRedisLog(t *testing.T) {
	runLogConformance(t, func(t *testing.T) Log {
		l, _ := newMiniredisLog(t)
		return l
	})
}

func TestRedisLogKeyLayout(t *testing.T) {
	ctx := context.Background()
	l, mr := newMiniredisLog(t)

	require.NoError(t, l.UpsertExecution(ctx, pendingRecord("e1", "c1", t0)))
	_, err := l.InitializeClient(ctx, "c1", t0)
	require.NoError(t, err)

	assert.True(t, mr.Exists("relay:exec:e1"))
	assert.True(t, mr.Exists("relay:client-execs:c1"))
	assert.True(t, mr.Exists("relay:client:c1"))
	assert.Equal(t, "0", mr.HGet("relay:client:c1", "responsesExpected"))

	members, err := mr.Members("relay:clients")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, members)
}

func TestNewRedisLogConnectFailure(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = NewRedisLog(context.Background(), addr, "")
	assert.Error(t, err)
}

func TestOpenRedisLogFromURL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	l, err := OpenRedisLog(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer l.Close()

	_, err = l.InitializeClient(context.Background(), "c1", t0)
	require.NoError(t, err)
	assert.True(t, mr.Exists("relay:client:c1"))

	_, err = OpenRedisLog(context.Background(), "not a url")
	assert.Error(t, err)
}
