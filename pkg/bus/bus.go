// Package bus defines the wake-notification fan-out the worker pool uses to
// shorten its poll interval when new work is dispatched, instead of relying
// solely on periodic polling of the storage backend.
package bus

import "context"

// Notifier publishes a wake notification whenever a storage operation makes
// a workflow newly eligible for pull (dispatch, signal publish, activity
// commit, and so on). Publishing is best-effort: a dropped notification
// only delays a pull until the worker's next poll tick, it never loses
// work, since eligibility itself lives in the storage backend.
type Notifier interface {
	// Notify publishes a wake hint on subject. body is opaque and may be
	// empty; subscribers should treat receipt as "something changed,
	// poll now" rather than trust the payload.
	Notify(ctx context.Context, subject string, body []byte) error
}

// Subscription delivers wake hints for one subject until Close is called.
type Subscription interface {
	// C yields a notification each time one arrives on the subject. The
	// channel is closed when the subscription is closed or its
	// connection is permanently lost.
	C() <-chan []byte
	Close() error
}

// Subscriber opens a Subscription for subject.
type Subscriber interface {
	Subscribe(ctx context.Context, subject string) (Subscription, error)
}

// PubSub is the full contract a worker pool needs: publish wake hints and
// subscribe to them. WakeSubject is the conventional subject workers
// subscribe to for "a workflow somewhere became eligible".
type PubSub interface {
	Notifier
	Subscriber
}

// WakeSubject is the default subject used for general wake fan-out, when
// callers don't need per-name or per-tag routing.
const WakeSubject = "workflow.wake"
