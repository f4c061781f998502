package redisbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreflow/workflow/pkg/bus/redisbus"
)

func newTestBus(t *testing.T) *redisbus.Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return redisbus.New(client)
}

func TestRedisBusDeliversNotifyToSubscriber(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "wake")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Notify(ctx, "wake", []byte("go")))

	select {
	case msg := <-sub.C():
		assert.Equal(t, "go", string(msg))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestRedisBusDoesNotDeliverUnrelatedSubject(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "wake")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Notify(ctx, "other", []byte("go")))

	select {
	case msg := <-sub.C():
		t.Fatalf("unexpected message delivered: %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRedisBusCloseStopsDelivery(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "wake")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	_, ok := <-sub.C()
	assert.False(t, ok, "channel must be closed after Close")
}

func TestRedisBusMultipleSubscribersEachReceive(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	sub1, err := b.Subscribe(ctx, "wake")
	require.NoError(t, err)
	defer sub1.Close()
	sub2, err := b.Subscribe(ctx, "wake")
	require.NoError(t, err)
	defer sub2.Close()

	require.NoError(t, b.Notify(ctx, "wake", []byte("go")))

	for _, sub := range []interface{ C() <-chan []byte }{sub1, sub2} {
		select {
		case msg := <-sub.C():
			assert.Equal(t, "go", string(msg))
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for notification")
		}
	}
}
