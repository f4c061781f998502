// Package client implements the Dispatch API: the narrow contract external
// callers (an HTTP gateway, another service, a CLI) use to start workflows,
// signal them, and collect their output, without depending on pkg/worker or
// pkg/replay directly.
package client

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/coreflow/workflow/pkg/bus"
	"github.com/coreflow/workflow/pkg/storage"
	"github.com/coreflow/workflow/pkg/workflow"
)

// Client is the Dispatch API surface: dispatch, signal, poll for output.
type Client struct {
	storage storage.Adapter
	bus     bus.PubSub
}

// New constructs a Client over adapter and pubsub. pubsub may be nil, in
// which case dispatch/signal calls rely on the worker pool's periodic tick
// to pick up the new row instead of an immediate wake notification.
func New(adapter storage.Adapter, pubsub bus.PubSub) *Client {
	return &Client{storage: adapter, bus: pubsub}
}

// Dispatch starts a new top-level workflow run, generating its id. tags may
// be nil. rayID, if empty, is generated so the run still has a correlation
// id to thread through any signals it sends.
func (c *Client) Dispatch(ctx context.Context, name string, input []byte, tags workflow.Tags, rayID workflow.RayID) (workflow.ID, error) {
	id := workflow.ID(uuid.NewString())
	if rayID == "" {
		rayID = workflow.RayID(uuid.NewString())
	}
	if err := c.storage.DispatchWorkflow(ctx, rayID, id, name, tags, input); err != nil {
		return "", err
	}
	c.notifyWake(ctx)
	return id, nil
}

// Signal delivers body to the workflow identified by id under signal name.
func (c *Client) Signal(ctx context.Context, id workflow.ID, name string, body []byte) error {
	if err := c.storage.PublishSignal(ctx, "", id, workflow.SignalID(uuid.NewString()), name, body); err != nil {
		return err
	}
	c.notifyWake(ctx)
	return nil
}

// TaggedSignal delivers body to whichever workflow's tags are a superset of
// tags. tags must be non-empty; the storage adapter rejects an empty map.
func (c *Client) TaggedSignal(ctx context.Context, tags workflow.Tags, name string, body []byte) error {
	if err := c.storage.PublishTaggedSignal(ctx, "", tags, workflow.SignalID(uuid.NewString()), name, body); err != nil {
		return err
	}
	c.notifyWake(ctx)
	return nil
}

// ErrNotComplete is returned by GetOutput when the workflow has not
// produced an output yet and the caller asked not to block.
var ErrNotComplete = errors.New("client: workflow has not completed")

// GetOutput returns id's output once set. With pollInterval <= 0 it checks
// once and returns ErrNotComplete if the workflow is still running;
// otherwise it polls at pollInterval until ctx is done or output appears.
func (c *Client) GetOutput(ctx context.Context, id workflow.ID, pollInterval time.Duration) ([]byte, error) {
	w, err := c.storage.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Output != nil {
		return w.Output, nil
	}
	if pollInterval <= 0 {
		return nil, ErrNotComplete
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			w, err := c.storage.GetWorkflow(ctx, id)
			if err != nil {
				return nil, err
			}
			if w.Output != nil {
				return w.Output, nil
			}
		}
	}
}

func (c *Client) notifyWake(ctx context.Context) {
	if c.bus == nil {
		return
	}
	_ = c.bus.Notify(ctx, bus.WakeSubject, nil)
}
