//go:build integration

package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRabbitMQContainer starts a RabbitMQ container for testing
func setupRabbitMQContainer(t *testing.T) string {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-management-alpine",
		ExposedPorts: []string{"5672/tcp", "15672/tcp"},
		Env: map[string]string{
			"RABBITMQ_DEFAULT_USER": "guest",
			"RABBITMQ_DEFAULT_PASS": "guest",
		},
		WaitingFor: wait.ForLog("Server startup complete").
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start RabbitMQ container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5672")
	require.NoError(t, err)

	// Wait a bit for RabbitMQ to be fully ready
	time.Sleep(2 * time.Second)

	return fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
}

func TestRabbitMQTransport_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	url := setupRabbitMQContainer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := NewRabbitMQTransport(url, testOptions())
	defer relay.Close()
	worker := NewRabbitMQTransport(url, testOptions())
	defer worker.Close()

	require.NoError(t, relay.Connect(ctx))
	require.NoError(t, worker.Connect(ctx))

	t.Run("missing destination", func(t *testing.T) {
		ok, err := relay.Send(ctx, "no-such-queue", []byte(`{}`), Correlation{})
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrQueueNotFound)

		// the failed inspect must not poison later publishes
		_, err = relay.EnsureResponseQueue(ctx, testResponseQueue)
		require.NoError(t, err)
	})

	t.Run("request and reply", func(t *testing.T) {
		responses, err := relay.EnsureResponseQueue(ctx, testResponseQueue)
		require.NoError(t, err)
		got := make(chan []byte, 1)
		require.NoError(t, relay.Consume(ctx, responses, func(_ context.Context, body []byte) { got <- body }))

		requests, err := worker.DeclareQueue(ctx, "echo--v1_0_0")
		require.NoError(t, err)
		require.NoError(t, worker.ConsumeDeliveries(ctx, requests, func(ctx context.Context, d Delivery) {
			_, err := worker.Send(ctx, d.Correlation.ReplyTo, d.Body, Correlation{ExecutionID: d.Correlation.ExecutionID})
			assert.NoError(t, err)
		}))

		ok, err := relay.Send(ctx, "echo--v1_0_0", []byte(`{"ping":true}`), Correlation{
			ExecutionID: "e1",
			ReplyTo:     testResponseQueue,
			ClientID:    "c1",
		})
		require.NoError(t, err)
		require.True(t, ok)

		select {
		case body := <-got:
			assert.JSONEq(t, `{"ping":true}`, string(body))
		case <-time.After(10 * time.Second):
			t.Fatal("no reply received")
		}
	})
}
