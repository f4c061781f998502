// Package worker implements the pull loop that claims eligible workflows
// from a storage.Adapter, replays their history through a registered
// handler, and persists the resulting completion, suspension, or failure.
package worker

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/coreflow/workflow/pkg/bus"
	"github.com/coreflow/workflow/pkg/engine"
	"github.com/coreflow/workflow/pkg/replay"
	"github.com/coreflow/workflow/pkg/storage"
	"github.com/coreflow/workflow/pkg/telemetry"
	"github.com/coreflow/workflow/pkg/workflow"
)

// Config controls the pull loop's pacing and concurrency.
type Config struct {
	// WorkerInstanceID identifies this process for lease ownership and
	// stale-lease recovery. Must be unique per running process.
	WorkerInstanceID workflow.WorkerInstanceID
	// TickInterval is the baseline polling period; a wake notification
	// from Bus triggers an immediate extra tick instead of waiting for
	// the next one.
	TickInterval time.Duration
	// MaxConcurrency bounds how many workflows this pool executes at
	// once.
	MaxConcurrency int64
	// MaxPullCount bounds how many workflows a single PullWorkflows call
	// may claim.
	MaxPullCount int
	// LeaseStaleAfter is how long a worker instance may go without
	// pinging before another pool is allowed to steal its leases.
	LeaseStaleAfter time.Duration
	// PingInterval is how often the pool pings its own liveness.
	PingInterval time.Duration
	// MaxWakesPerSecond bounds how often a bus wake notification may
	// trigger an extra tick, so a burst of signals or completions does not
	// turn into a burst of PullWorkflows calls against storage. Ticks
	// driven by TickInterval are never throttled. Zero means unbounded.
	MaxWakesPerSecond float64
}

// DefaultConfig returns reasonable defaults for a single-process pool.
func DefaultConfig(id workflow.WorkerInstanceID) Config {
	return Config{
		WorkerInstanceID:  id,
		TickInterval:      500 * time.Millisecond,
		MaxConcurrency:    32,
		MaxPullCount:      16,
		LeaseStaleAfter:   30 * time.Second,
		PingInterval:      10 * time.Second,
		MaxWakesPerSecond: 20,
	}
}

// Pool runs the pull/replay/commit cycle against a Registry of workflow and
// activity handlers.
type Pool struct {
	cfg      Config
	adapter  storage.Adapter
	bus      bus.PubSub
	registry *engine.Registry
	sem      *semaphore.Weighted
	wakeLim  *rate.Limiter

	log     telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// New constructs a Pool. adapter and pubsub are typically the same
// instances passed to engine.New; registry must already have every
// workflow and activity the pool should execute registered.
func New(cfg Config, adapter storage.Adapter, pubsub bus.PubSub, registry *engine.Registry) *Pool {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 32
	}
	wakeLim := rate.NewLimiter(rate.Inf, 1)
	if cfg.MaxWakesPerSecond > 0 {
		wakeLim = rate.NewLimiter(rate.Limit(cfg.MaxWakesPerSecond), 1)
	}
	return &Pool{
		cfg:      cfg,
		adapter:  adapter,
		bus:      pubsub,
		registry: registry,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrency),
		wakeLim:  wakeLim,
		log:      telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		tracer:   telemetry.NewNoopTracer(),
	}
}

// WithTelemetry replaces the pool's no-op Logger/Metrics/Tracer. Call
// before Run.
func (p *Pool) WithTelemetry(log telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) *Pool {
	p.log, p.metrics, p.tracer = log, metrics, tracer
	return p
}

// Run blocks, polling for eligible workflows and dispatching them to
// handlers, until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	var wake <-chan []byte
	if p.bus != nil {
		sub, err := p.bus.Subscribe(ctx, bus.WakeSubject)
		if err != nil {
			return err
		}
		defer sub.Close()
		wake = sub.C()
	}

	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()
	pingTicker := time.NewTicker(p.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		case <-wake:
			if p.wakeLim.Allow() {
				p.tick(ctx)
			}
		case <-pingTicker.C:
			_ = p.adapter.Ping(ctx, p.cfg.WorkerInstanceID)
			if n, err := p.adapter.StealStaleLeases(ctx, p.cfg.LeaseStaleAfter); err == nil && n > 0 {
				p.notifyWake(ctx)
			}
		}
	}
}

func (p *Pool) tick(ctx context.Context) {
	names := p.registry.WorkflowNames()
	workflows, err := p.adapter.PullWorkflows(ctx, p.cfg.WorkerInstanceID, names, p.cfg.MaxPullCount)
	if err != nil || len(workflows) == 0 {
		return
	}
	for _, w := range workflows {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func(w *workflow.Workflow) {
			defer p.sem.Release(1)
			p.execute(ctx, w)
		}(w)
	}
}

func (p *Pool) execute(ctx context.Context, w *workflow.Workflow) {
	ctx, span := p.tracer.Start(ctx, "workflow.tick")
	defer span.End()
	start := time.Now()

	handler, ok := p.registry.Workflow(w.Name)
	if !ok {
		_ = p.adapter.FailWorkflow(ctx, w.ID, workflow.WakeCondition{}, "no handler registered for workflow "+w.Name)
		p.log.Error(ctx, "no handler registered", "workflow_id", string(w.ID), "workflow_name", w.Name)
		return
	}

	history, err := p.adapter.LoadHistory(ctx, w.ID)
	if err != nil {
		span.RecordError(err)
		p.retryLater(ctx, w.ID, err)
		return
	}

	rc := replay.NewContext(w.ID, history, 0)
	rc.SetAncestry(ancestryFor(w))
	outcome := p.runHandler(ctx, handler, rc, w.Input)

	if err := p.flushPassive(ctx, rc); err != nil {
		span.RecordError(err)
		p.retryLater(ctx, w.ID, err)
		return
	}

	if err := p.commit(ctx, rc, w.ID, outcome); err != nil {
		span.RecordError(err)
		p.retryLater(ctx, w.ID, err)
		return
	}

	result := "suspended"
	switch {
	case outcome.Done:
		result = "done"
	case outcome.Err != nil:
		result = "failed"
	}
	p.metrics.RecordTimer("workflow_tick_duration", time.Since(start), "workflow_name", w.Name, "result", result)
	p.metrics.IncCounter("workflow_tick_total", 1, "workflow_name", w.Name, "result", result)
	p.log.Info(ctx, "workflow tick", "workflow_id", string(w.ID), "workflow_name", w.Name, "result", result, "events_staged", len(rc.Pending()))

	if outcome.Done || outcome.Err == nil {
		p.notifyWake(ctx)
	}
}

// flushPassive persists whatever Activity, Sleep, Branch, and VersionCheck
// events the tick staged but has not already committed. Loop commits each
// iteration's nested events as it goes (a loop body cannot suspend, so a
// whole loop — and every UpdateLoop-driven forget pass inside it — runs
// within a single tick, before this end-of-tick flush ever sees the
// history); those events arrive here already marked Committed and
// replay.CommitPassiveEvents skips them. SignalReceive, SubWorkflow, and
// MessageSend are committed immediately by their own primitive call and
// are ignored here the same way.
func (p *Pool) flushPassive(ctx context.Context, rc *replay.Context) error {
	return replay.CommitPassiveEvents(ctx, p.adapter, rc.Pending())
}

func (p *Pool) runHandler(ctx context.Context, handler engine.WorkflowFunc, rc *replay.Context, input []byte) (outcome replay.HandlerOutcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = replay.Failed(workflow.New(workflow.KindUnrecoverable, "workflow handler panicked: %v", r))
		}
	}()
	return handler(ctx, rc, input)
}

func (p *Pool) commit(ctx context.Context, rc *replay.Context, id workflow.ID, outcome replay.HandlerOutcome) error {
	switch {
	case outcome.Err != nil:
		kind, _ := workflow.KindOf(outcome.Err)
		wake := workflow.WakeCondition{}
		if workflow.Retryable(outcome.Err) {
			wake = workflow.WakeCondition{DeadlineAt: time.Now().Add(backoffFor(kind))}
		}
		return p.adapter.FailWorkflow(ctx, id, wake, outcome.Err.Error())
	case outcome.Done:
		return p.adapter.CommitWorkflow(ctx, id, outcome.Output)
	default:
		return p.adapter.FailWorkflow(ctx, id, outcome.Wake, "")
	}
}

func backoffFor(kind workflow.Kind) time.Duration {
	base := 750 * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(base)))
	return base + jitter
}

func (p *Pool) retryLater(ctx context.Context, id workflow.ID, err error) {
	_ = p.adapter.FailWorkflow(ctx, id, workflow.WakeCondition{DeadlineAt: time.Now().Add(time.Second)}, err.Error())
}

// ancestryFor reconstructs w's dispatch chain for the recursive-request
// guard: whatever chain it inherited, plus itself. A malformed ancestry
// tag (should never happen outside a storage-level corruption) degrades to
// an empty chain rather than blocking the workflow from running.
func ancestryFor(w *workflow.Workflow) []workflow.AncestorRef {
	chain, _ := workflow.DecodeAncestry(w.Tags[workflow.AncestryTagKey])
	self := workflow.AncestorRef{Name: w.Name, Tags: workflow.VisibleTags(w.Tags)}
	return append(chain, self)
}

func (p *Pool) notifyWake(ctx context.Context) {
	if p.bus == nil {
		return
	}
	_ = p.bus.Notify(ctx, bus.WakeSubject, nil)
}
