// Package inmembus implements bus.PubSub in process, for tests and local
// single-node development where a Redis deployment would be overkill.
package inmembus

import (
	"context"
	"sync"

	"github.com/coreflow/workflow/pkg/bus"
)

type Bus struct {
	mu   sync.Mutex
	subs map[string][]*subscription
}

func New() *Bus {
	return &Bus{subs: make(map[string][]*subscription)}
}

var _ bus.PubSub = (*Bus)(nil)

func (b *Bus) Notify(_ context.Context, subject string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs[subject] {
		select {
		case s.out <- body:
		default:
		}
	}
	return nil
}

func (b *Bus) Subscribe(_ context.Context, subject string) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &subscription{b: b, subject: subject, out: make(chan []byte, 64)}
	b.subs[subject] = append(b.subs[subject], s)
	return s, nil
}

type subscription struct {
	b       *Bus
	subject string
	out     chan []byte
	closed  sync.Once
}

func (s *subscription) C() <-chan []byte { return s.out }

func (s *subscription) Close() error {
	s.closed.Do(func() {
		s.b.mu.Lock()
		defer s.b.mu.Unlock()
		list := s.b.subs[s.subject]
		for i, other := range list {
			if other == s {
				s.b.subs[s.subject] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(s.out)
	})
	return nil
}
