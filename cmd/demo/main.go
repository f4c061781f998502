// Command demo dispatches a single workflow against an in-memory adapter,
// runs one worker pool tick loop until it completes, and prints the
// output — a minimal end-to-end smoke test of client, worker, and replay
// wired together.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coreflow/workflow/pkg/client"
	"github.com/coreflow/workflow/pkg/engine"
	"github.com/coreflow/workflow/pkg/replay"
	"github.com/coreflow/workflow/pkg/storage/inmem"
	"github.com/coreflow/workflow/pkg/worker"
	"github.com/coreflow/workflow/pkg/workflow"
)

const greetWorkflow = "demo.greet"

func greet(ctx context.Context, rc *replay.Context, input []byte) replay.HandlerOutcome {
	var name string
	if err := json.Unmarshal(input, &name); err != nil {
		return replay.Failed(workflow.New(workflow.KindUnrecoverable, "decode input: %v", err))
	}

	greeting, err := rc.Activity(ctx, "build-greeting", input, func(ctx context.Context, input []byte) ([]byte, error) {
		var name string
		_ = json.Unmarshal(input, &name)
		return json.Marshal(fmt.Sprintf("Hello, %s!", name))
	})
	if err != nil {
		if workflow.Retryable(err) {
			return replay.Suspend(workflow.WakeCondition{DeadlineAt: time.Now().Add(time.Second)})
		}
		return replay.Failed(err)
	}
	return replay.Completed(greeting)
}

func main() {
	ctx := context.Background()

	adapter := inmem.New()
	registry := engine.NewRegistry()
	if err := registry.RegisterWorkflow(engine.WorkflowDefinition{Name: greetWorkflow, Handler: greet}); err != nil {
		panic(err)
	}

	c := client.New(adapter, nil)
	input, _ := json.Marshal("Gopher")
	id, err := c.Dispatch(ctx, greetWorkflow, input, nil, "")
	if err != nil {
		panic(err)
	}

	pool := worker.New(worker.DefaultConfig("demo-worker"), adapter, nil, registry)
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	go func() { _ = pool.Run(runCtx) }()

	for {
		out, err := c.GetOutput(ctx, id, 20*time.Millisecond)
		if err == nil {
			var greeting string
			_ = json.Unmarshal(out, &greeting)
			fmt.Println("WorkflowID:", id)
			fmt.Println("Output:", greeting)
			return
		}
		select {
		case <-runCtx.Done():
			panic("demo timed out waiting for workflow completion")
		default:
		}
	}
}
