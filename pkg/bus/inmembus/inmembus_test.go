package inmembus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreflow/workflow/pkg/bus/inmembus"
)

func TestNotifyDeliversToSubscriber(t *testing.T) {
	b := inmembus.New()
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

func TestNotifyToUnrelatedSubjectDoesNotDeliver(t *testing.T) {
	b := inmembus.New()
	ctx := context.Background()
	sub, err := b.Subscribe(ctx, "wake")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Notify(ctx, "other", []byte("go")))

	select {
	case msg := <-sub.C():
		t.Fatalf("unexpected message delivered: %q", msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestNotifyIsBestEffortWhenNoSubscriber(t *testing.T) {
	b := inmembus.New()
	err := b.Notify(context.Background(), "wake", nil)
	assert.NoError(t, err, "publishing with zero subscribers must not error")
}

func TestCloseStopsFurtherDelivery(t *testing.T) {
	b := inmembus.New()
	ctx := context.Background()
	sub, err := b.Subscribe(ctx, "wake")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	require.NoError(t, b.Notify(ctx, "wake", []byte("go")))

	_, ok := <-sub.C()
	assert.False(t, ok, "channel must be closed after Close")
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	b := inmembus.New()
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
