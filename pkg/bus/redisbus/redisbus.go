// Package redisbus implements bus.PubSub on top of Redis Pub/Sub, following
// the lazily-created-channel-handle shape of the registry's stream manager:
// callers ask for a subject by name and get back a handle, with tracing
// spans wrapping the network call. Each Subscribe opens a new Redis
// subscription; handles are not cached.
package redisbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/coreflow/workflow/pkg/bus"
)

type Bus struct {
	client *redis.Client
	tracer trace.Tracer
}

// New wraps an existing Redis client. The caller owns the client's
// lifecycle (creation and Close).
func New(client *redis.Client) *Bus {
	return &Bus{client: client, tracer: otel.Tracer("github.com/coreflow/workflow/pkg/bus/redisbus")}
}

var _ bus.PubSub = (*Bus)(nil)

func (b *Bus) Notify(ctx context.Context, subject string, body []byte) error {
	ctx, span := b.tracer.Start(ctx, "bus.notify", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "redis"),
			attribute.String("messaging.destination.name", subject),
			attribute.String("messaging.operation", "publish"),
		))
	defer span.End()

	if err := b.client.Publish(ctx, subject, body).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish wake notification")
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, subject string) (bus.Subscription, error) {
	ps := b.client.Subscribe(ctx, subject)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}

	sub := &subscription{ps: ps, out: make(chan []byte, 64)}
	sub.wg.Add(1)
	go sub.pump()
	return sub, nil
}

type subscription struct {
	ps     *redis.PubSub
	out    chan []byte
	wg     sync.WaitGroup
	closed sync.Once
}

func (s *subscription) pump() {
	defer s.wg.Done()
	defer close(s.out)
	for msg := range s.ps.Channel() {
		select {
		case s.out <- []byte(msg.Payload):
		default:
			// Slow consumer: drop the hint, the next poll tick still
			// picks up the underlying work from storage.
		}
	}
}

func (s *subscription) C() <-chan []byte { return s.out }

func (s *subscription) Close() error {
	var err error
	s.closed.Do(func() {
		err = s.ps.Close()
		s.wg.Wait()
	})
	return err
}
