package resource

import (
	"context"
	"fmt"
	"time"

	"github.com/Ram-1405/piperun/internal/common"
	"github.com/Ram-1405/piperun/internal/env"
	"github.com/Ram-1405/piperun/internal/pipeline"
	"github.com/Ram-1405/piperun/internal/store"
	"github.com/Ram-1405/piperun/internal/store/connector"
	"github.com/Ram-1405/piperun/internal/util"
)

const (
	teardownAttempts = 3
	teardownDelay    = 2 * time.Second
	teardownTimeout  = 5 * time.Minute
)

// Runner executes one teardown command and reports its exit code and
// combined output. Injected so the tracker does not depend on the executor.
type Runner func(ctx context.Context, argv []string, environ []string, timeout time.Duration) (int, string, error)

// Report summarizes one teardown pass.
type Report struct {
	Destroyed []store.Resource
	Leaked    []store.Resource
}

// Tracker follows externally provisioned resources through their lifecycle:
// registered as active when a stage creates them, destroyed after a
// successful teardown, leaked when teardown keeps failing. Leaked rows stay
// visible until an operator acknowledges them.
type Tracker struct {
	store  *store.Store
	run    Runner
	logger *common.Logger
}

func NewTracker(st *store.Store, run Runner) *Tracker {
	return &Tracker{
		store:  st,
		run:    run,
		logger: common.GetLogger().WithComponent("resource"),
	}
}

// Register records a resource provisioned by a stage. resolvedID is the
// concrete identifier extracted from the stage output or rendered from the
// spec template.
func (t *Tracker) Register(runID, stage string, spec pipeline.ResourceSpec, resolvedID string) (int, error) {
	if resolvedID == "" {
		return 0, fmt.Errorf("stage %s: empty identifier for resource type %s", stage, spec.Type)
	}
	id, err := t.store.AddResource(runID, spec.Type, resolvedID, spec.Teardown)
	if err != nil {
		return 0, err
	}
	t.logger.Info("resource registered",
		"run_id", runID, "stage", stage, "type", spec.Type, "resource_id", resolvedID)
	return id, nil
}

// Teardown destroys the active resources of a run in reverse creation
// order. Each teardown command is retried a few times; a resource whose
// command never succeeds is marked leaked and reported, not silently
// dropped.
func (t *Tracker) Teardown(ctx context.Context, runID string, base *env.Env) (*Report, error) {
	resources, err := t.store.ListResources(runID)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	for i := len(resources) - 1; i >= 0; i-- {
		r := resources[i]
		if r.Status != connector.ResourceStatusActive {
			continue
		}

		if t.teardownOne(ctx, r, base) {
			if err := t.store.MarkResourceDestroyed(r.ID); err != nil {
				return report, err
			}
			r.Status = connector.ResourceStatusDestroyed
			report.Destroyed = append(report.Destroyed, r)
			t.logger.Info("resource destroyed", "run_id", runID, "type", r.Type, "resource_id", r.ResourceID)
			continue
		}

		if err := t.store.MarkResourceLeaked(r.ID); err != nil {
			return report, err
		}
		r.Status = connector.ResourceStatusLeaked
		report.Leaked = append(report.Leaked, r)
		t.logger.Warn("resource leaked, teardown failed",
			"run_id", runID, "type", r.Type, "resource_id", r.ResourceID, "teardown", r.Teardown)
	}
	return report, nil
}

// Leaked returns unacknowledged leaked resources across all runs.
func (t *Tracker) Leaked() ([]store.Resource, error) {
	return t.store.ListLeaked()
}

// Acknowledge marks one leaked resource as handled by an operator.
func (t *Tracker) Acknowledge(id int) error {
	return t.store.AcknowledgeLeak(id)
}

func (t *Tracker) teardownOne(ctx context.Context, r store.Resource, base *env.Env) bool {
	e := base.Clone()
	e.SetString("local", "resource_id", r.ResourceID)
	argv := util.RenderArgv(r.Teardown, e)

	for attempt := 1; attempt <= teardownAttempts; attempt++ {
		exitCode, output, err := t.run(ctx, argv, e.OSEnviron(), teardownTimeout)
		if err == nil && exitCode == 0 {
			return true
		}
		t.logger.Warn("teardown attempt failed",
			"resource_id", r.ResourceID, "attempt", attempt, "exit_code", exitCode,
			"error", err, "output", output)

		if attempt == teardownAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(teardownDelay):
		}
	}
	return false
}
