//go:build integration

package lock

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startNATS(t *testing.T) jetstream.JetStream {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.11.7-alpine",
			ExposedPorts: []string{"4222/tcp"},
			Cmd:          []string{"--js"},
			WaitingFor:   wait.ForListeningPort("4222/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)

	nc, err := nats.Connect(fmt.Sprintf("nats://%s:%s", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	require.NoError(t, err)
	return js
}

func TestNATSLeases(t *testing.T) {
	ctx := context.Background()
	store, err := NewNATSLeases(ctx, startNATS(t), "leases")
	require.NoError(t, err)

	now := time.Now()
	key := "conversations:Users/bob/conversations/x"

	ok, err := store.Acquire(ctx, key, "1", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Acquire(ctx, key, "2", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "held lease must not be acquired")

	ok, err = store.Extend(ctx, key, "2", now, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "non-owner must not extend")

	later := now.Add(2 * time.Minute)
	ok, err = store.Acquire(ctx, key, "2", later, later.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "expired lease must be taken over")

	ok, err = store.Release(ctx, key, "1")
	require.NoError(t, err)
	assert.False(t, ok, "stale owner must not release")

	ok, err = store.Release(ctx, key, "2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Acquire(ctx, key, "3", later, later.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "released key must be acquirable")
}

func TestLockerOnNATS(t *testing.T) {
	ctx := context.Background()
	store, err := NewNATSLeases(ctx, startNATS(t), "leases")
	require.NoError(t, err)

	l := New(store)
	var counter int32
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			assert.NoError(t, l.WithLock(ctx, "k", func(ctx context.Context) error {
				v := atomic.LoadInt32(&counter)
				time.Sleep(time.Millisecond)
				atomic.StoreInt32(&counter, v+1)
				return nil
			}))
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	assert.Equal(t, int32(5), atomic.LoadInt32(&counter))
}
