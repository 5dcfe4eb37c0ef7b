package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Ram-1405/piperun/internal/common"
	"github.com/Ram-1405/piperun/internal/constants"
	"github.com/Ram-1405/piperun/internal/env"
	"github.com/Ram-1405/piperun/internal/pipeline"
	"github.com/Ram-1405/piperun/internal/resource"
	"github.com/Ram-1405/piperun/internal/store"
	"github.com/Ram-1405/piperun/internal/store/connector"
	"github.com/Ram-1405/piperun/internal/util"
	"github.com/tidwall/gjson"
)

// Options configures one engine instance. FromStage and ToStage narrow the
// run to a declaration-order window of the stage list; stages outside the
// window are treated as already done and leave no attempt rows.
type Options struct {
	Revision  string
	Target    string
	FromStage string
	ToStage   string
}

// Engine executes a pipeline's stage graph against a store: waves of
// dependency-free stages run concurrently up to the configured limit, every
// command invocation leaves an attempt row, and resources provisioned along
// the way are registered with the tracker.
type Engine struct {
	pl      *pipeline.Pipeline
	graph   stageGraph
	st      *store.Store
	tracker *resource.Tracker
	opts    Options
	logger  *common.Logger

	mu       sync.Mutex
	outputs  map[string]string // output name -> value, visible to downstream stages
	statuses map[string]string // stage -> final attempt status
	skipped  map[string]bool
	halted   bool // fail-fast: no new stage may start
	stopped  bool
	failures []string
}

type stageGraph interface {
	Batches() ([][]string, error)
	AllDependents(name string) []string
}

// NewEngine builds an engine for a validated pipeline. The pipeline must
// have passed Validate so the graph is known to be acyclic.
func NewEngine(pl *pipeline.Pipeline, st *store.Store, opts Options) (*Engine, error) {
	g, err := pl.BuildGraph()
	if err != nil {
		return nil, err
	}
	eng := &Engine{
		pl:       pl,
		graph:    g,
		st:       st,
		opts:     opts,
		logger:   common.GetLogger().WithComponent("executor"),
		outputs:  map[string]string{},
		statuses: map[string]string{},
		skipped:  map[string]bool{},
	}
	eng.tracker = resource.NewTracker(st, func(ctx context.Context, argv []string, environ []string, timeout time.Duration) (int, string, error) {
		res, rerr := runCommand(ctx, argv, "", environ, timeout)
		if rerr != nil {
			return -1, "", rerr
		}
		return res.ExitCode, res.Combined(), nil
	})
	return eng, nil
}

// Tracker exposes the engine's resource tracker for teardown commands.
func (e *Engine) Tracker() *resource.Tracker { return e.tracker }

// applyStageRange pre-marks stages outside the FromStage..ToStage window as
// done so the scheduler passes over them.
func (e *Engine) applyStageRange() error {
	from := strings.TrimSpace(e.opts.FromStage)
	to := strings.TrimSpace(e.opts.ToStage)
	if from == "" && to == "" {
		return nil
	}

	first, last := 0, len(e.pl.Stages)-1
	if from != "" {
		first = e.stageIndex(from)
		if first < 0 {
			return fmt.Errorf("unknown stage in --from: %s", from)
		}
	}
	if to != "" {
		last = e.stageIndex(to)
		if last < 0 {
			return fmt.Errorf("unknown stage in --to: %s", to)
		}
	}
	if first > last {
		return fmt.Errorf("stage range %s..%s is empty", from, to)
	}

	for i := range e.pl.Stages {
		if i < first || i > last {
			e.statuses[e.pl.Stages[i].Name] = connector.AttemptStatusSuccess
		}
	}
	return nil
}

func (e *Engine) stageIndex(name string) int {
	for i := range e.pl.Stages {
		if e.pl.Stages[i].Name == name {
			return i
		}
	}
	return -1
}

// Execute runs the whole pipeline as a fresh run and returns the finished
// run record.
func (e *Engine) Execute(ctx context.Context) (*store.Run, error) {
	if err := e.applyStageRange(); err != nil {
		return nil, err
	}
	run, err := e.st.CreateRun(e.pl.Name, e.opts.Revision, e.opts.Target)
	if err != nil {
		return nil, err
	}
	e.logger.Info("run started", "run_id", run.ID, "pipeline", e.pl.Name, "stages", len(e.pl.Stages))
	return e.execute(ctx, run)
}

// ExecuteAsync creates the run record, then finishes the pipeline in the
// background. onFinish is invoked with the terminal run record; it may be
// nil.
func (e *Engine) ExecuteAsync(ctx context.Context, onFinish func(*store.Run)) (*store.Run, error) {
	if err := e.applyStageRange(); err != nil {
		return nil, err
	}
	run, err := e.st.CreateRun(e.pl.Name, e.opts.Revision, e.opts.Target)
	if err != nil {
		return nil, err
	}
	e.logger.Info("run started", "run_id", run.ID, "pipeline", e.pl.Name, "stages", len(e.pl.Stages))
	go func() {
		finished, ferr := e.execute(ctx, run)
		if ferr != nil {
			e.logger.Error("background run did not finish cleanly", "run_id", run.ID, "error", ferr)
			return
		}
		if onFinish != nil {
			onFinish(finished)
		}
	}()
	// the goroutine keeps mutating run; callers get their own snapshot
	started := *run
	return &started, nil
}

// Resume re-executes an interrupted run. Stages whose most recent attempt
// succeeded are not re-run; their recorded outputs are restored so
// downstream templates still resolve. A stage whose last attempt is still
// `running` crashed mid-flight with an unknown outcome, so it runs again.
func (e *Engine) Resume(ctx context.Context, runID string) (*store.Run, error) {
	run, err := e.st.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	if run.Status == connector.RunStatusSucceeded {
		e.logger.Info("run already succeeded, nothing to resume", "run_id", runID)
		return run, nil
	}

	latest, err := e.st.LatestAttempts(runID)
	if err != nil {
		return nil, err
	}
	done := 0
	for stage, a := range latest {
		if a.Status != connector.AttemptStatusSuccess {
			continue
		}
		e.statuses[stage] = connector.AttemptStatusSuccess
		for k, v := range a.Outputs {
			e.outputs[k] = v
		}
		done++
	}

	if err := e.st.SetRunStatus(runID, connector.RunStatusRunning); err != nil {
		return nil, err
	}
	run.Status = connector.RunStatusRunning
	e.logger.Info("run resumed", "run_id", runID, "completed_stages", done)
	return e.execute(ctx, run)
}

func (e *Engine) execute(ctx context.Context, run *store.Run) (*store.Run, error) {
	batches, err := e.graph.Batches()
	if err != nil {
		return nil, err
	}

	maxConcurrent := e.pl.Global.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = constants.DefaultMaxConcurrent
	}
	sem := make(chan struct{}, maxConcurrent)

	for bi, batch := range batches {
		if e.isStopped() || ctx.Err() != nil {
			break
		}
		if bi > 0 && e.pl.Global.WaitBetweenStages > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(e.pl.Global.WaitBetweenStages.Std()):
			}
			if ctx.Err() != nil {
				break
			}
		}

		var wg sync.WaitGroup
		for _, name := range batch {
			if status, ok := e.status(name); ok && status == connector.AttemptStatusSuccess {
				continue // already done on a previous run
			}

			stage := e.pl.StageByName(name)
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				if e.isStopped() || ctx.Err() != nil {
					return
				}
				// checked at start time, not schedule time: a failure in
				// this batch must keep later siblings from launching
				if e.isSkipped(stage.Name) || e.isHalted() {
					if err := e.st.RecordSkipped(run.ID, stage.Name); err != nil {
						e.logger.Error("failed to record skipped stage", "run_id", run.ID, "stage", stage.Name, "error", err)
					}
					e.setStatus(stage.Name, connector.AttemptStatusSkipped)
					e.logger.Info("stage skipped, earlier stage failed", "run_id", run.ID, "stage", stage.Name)
					return
				}
				e.executeStage(ctx, run, stage)
			}()
		}
		wg.Wait()
	}

	return e.finishRun(ctx, run)
}

// executeStage drives one stage through its readiness gate and attempt
// budget, then applies the stage's failure policy if it never succeeds.
func (e *Engine) executeStage(ctx context.Context, run *store.Run, stage *pipeline.Stage) {
	logger := e.logger.WithRun(run.ID).WithStage(stage.Name)
	stageEnv := e.stageEnv(stage)

	if err := doWait(ctx, stageEnv, stage.Wait); err != nil {
		logger.Error("readiness gate failed", "error", err)
		e.recordGateFailure(run, stage, err)
		return
	}

	timeout := stage.Timeout.Std()
	if timeout <= 0 {
		timeout = constants.DefaultStageTimeout
	}
	argv := util.RenderArgv(stage.Command, stageEnv)
	workdir := stageEnv.Render(stage.Workdir)

	budget := stage.Retry.MaxAttempts()
	for attempt := 1; attempt <= budget; attempt++ {
		if ctx.Err() != nil {
			return
		}

		attemptID, err := e.st.BeginAttempt(run.ID, stage.Name, attempt)
		if err != nil {
			logger.Error("failed to record attempt start", "error", err)
			e.applyFailure(run, stage, fmt.Sprintf("store error: %v", err))
			return
		}

		res, err := runCommand(ctx, argv, workdir, stageEnv.OSEnviron(), timeout)
		if err != nil {
			// the process never started; not worth retrying
			msg := err.Error()
			_ = e.st.FinishAttempt(attemptID, connector.AttemptStatusFailed, -1, msg, nil)
			logger.Error("stage command could not start", "error", err)
			e.applyFailure(run, stage, msg)
			return
		}

		if res.ExitCode == 0 && !res.TimedOut {
			outputs := e.extractOutputs(stage, res.Stdout, logger)
			if err := e.st.FinishAttempt(attemptID, connector.AttemptStatusSuccess, 0, res.Combined(), outputs); err != nil {
				logger.Error("failed to record attempt result", "error", err)
			}
			e.publishOutputs(outputs)
			e.registerResources(run, stage, res.Stdout, stageEnv, logger)
			e.setStatus(stage.Name, connector.AttemptStatusSuccess)
			logger.Info("stage succeeded", "attempt", attempt)
			return
		}

		status := connector.AttemptStatusFailed
		if res.TimedOut {
			status = connector.AttemptStatusTimeout
		}
		if err := e.st.FinishAttempt(attemptID, status, res.ExitCode, res.Combined(), nil); err != nil {
			logger.Error("failed to record attempt result", "error", err)
		}

		if attempt < budget {
			delay := stage.Retry.Delay(attempt)
			logger.Warn("stage attempt failed, retrying",
				"attempt", attempt, "status", status, "exit_code", res.ExitCode, "retry_in", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		logger.Error("stage failed, attempt budget exhausted",
			"attempts", budget, "status", status, "exit_code", res.ExitCode)
		e.setStatus(stage.Name, status)
		e.applyFailure(run, stage, fmt.Sprintf("stage %s %s after %d attempts", stage.Name, status, budget))
		return
	}
}

// stageEnv layers the stage's own variables over upstream outputs over the
// pipeline globals. Stage env values are themselves templates and may
// reference globals and upstream outputs.
func (e *Engine) stageEnv(stage *pipeline.Stage) *env.Env {
	stageEnv := env.New()
	for k, v := range e.pl.Global.Env {
		stageEnv.SetString("global", k, v)
	}
	e.mu.Lock()
	for k, v := range e.outputs {
		stageEnv.SetString("outputs", k, v)
	}
	e.mu.Unlock()
	for k, v := range util.RenderStringMap(stage.Env, stageEnv) {
		stageEnv.SetString("local", k, v)
	}
	return stageEnv
}

// extractOutputs pulls declared outputs out of the stage's stdout using
// gjson paths. A path that resolves to nothing yields an empty value and a
// warning rather than a failure.
func (e *Engine) extractOutputs(stage *pipeline.Stage, stdout string, logger *common.Logger) map[string]string {
	if len(stage.Outputs) == 0 {
		return nil
	}
	outputs := make(map[string]string, len(stage.Outputs))
	for name, path := range stage.Outputs {
		v := gjson.Get(stdout, path)
		if !v.Exists() {
			logger.Warn("output path not found in stage stdout", "output", name, "path", path)
		}
		outputs[name] = v.String()
	}
	return outputs
}

func (e *Engine) registerResources(run *store.Run, stage *pipeline.Stage, stdout string, stageEnv *env.Env, logger *common.Logger) {
	for _, spec := range stage.Resources {
		var resolvedID string
		if spec.IDFrom != "" {
			resolvedID = gjson.Get(stdout, spec.IDFrom).String()
		} else {
			resolvedID = stageEnv.Render(spec.ID)
		}
		if _, err := e.tracker.Register(run.ID, stage.Name, spec, resolvedID); err != nil {
			logger.Error("failed to register resource", "type", spec.Type, "error", err)
		}
	}
}

func (e *Engine) publishOutputs(outputs map[string]string) {
	if len(outputs) == 0 {
		return
	}
	e.mu.Lock()
	for k, v := range outputs {
		e.outputs[k] = v
	}
	e.mu.Unlock()
}

// recordGateFailure records a failed attempt for a stage whose readiness
// gate never opened, then applies the failure policy.
func (e *Engine) recordGateFailure(run *store.Run, stage *pipeline.Stage, gateErr error) {
	id, err := e.st.BeginAttempt(run.ID, stage.Name, 1)
	if err == nil {
		_ = e.st.FinishAttempt(id, connector.AttemptStatusFailed, -1, gateErr.Error(), nil)
	}
	e.setStatus(stage.Name, connector.AttemptStatusFailed)
	e.applyFailure(run, stage, gateErr.Error())
}

// applyFailure applies the stage's failure policy to the rest of the run.
func (e *Engine) applyFailure(run *store.Run, stage *pipeline.Stage, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = append(e.failures, msg)

	switch stage.OnFailure {
	case pipeline.OnFailureContinue:
		// unrelated stages keep going, direct dependents still cannot run
		for _, dep := range e.graph.AllDependents(stage.Name) {
			e.skipped[dep] = true
		}
	case pipeline.OnFailureStop:
		e.stopped = true
	default: // skip_dependents: fail fast, nothing new starts
		e.halted = true
		for _, dep := range e.graph.AllDependents(stage.Name) {
			e.skipped[dep] = true
		}
	}
}

func (e *Engine) finishRun(ctx context.Context, run *store.Run) (*store.Run, error) {
	e.mu.Lock()
	failures := append([]string(nil), e.failures...)
	stopped := e.stopped
	e.mu.Unlock()

	status := connector.RunStatusSucceeded
	var errMsg *string
	if len(failures) > 0 || ctx.Err() != nil {
		status = connector.RunStatusFailed
		if stopped {
			status = connector.RunStatusAborted
		}
		msg := strings.Join(failures, "; ")
		if ctx.Err() != nil {
			msg = strings.TrimPrefix(msg+"; "+ctx.Err().Error(), "; ")
		}
		errMsg = &msg

		if e.pl.Global.TeardownOnFailure {
			report, terr := e.tracker.Teardown(context.WithoutCancel(ctx), run.ID, e.baseEnv())
			if terr != nil {
				e.logger.Error("teardown after failure did not complete", "run_id", run.ID, "error", terr)
			} else if len(report.Leaked) == 0 {
				status = connector.RunStatusRolledBack
			}
		}
	}

	if err := e.st.FinishRun(run.ID, status, errMsg); err != nil {
		return nil, err
	}
	run.Status = status
	run.Error = errMsg
	now := time.Now().UTC()
	run.FinishedAt = &now

	e.logger.Info("run finished", "run_id", run.ID, "status", status, "failures", len(failures))
	return run, nil
}

// baseEnv is the pipeline-global environment plus collected stage outputs,
// used for teardown command rendering.
func (e *Engine) baseEnv() *env.Env {
	base := env.New()
	for k, v := range e.pl.Global.Env {
		base.SetString("global", k, v)
	}
	e.mu.Lock()
	for k, v := range e.outputs {
		base.SetString("outputs", k, v)
	}
	e.mu.Unlock()
	return base
}

func (e *Engine) setStatus(stage, status string) {
	e.mu.Lock()
	e.statuses[stage] = status
	e.mu.Unlock()
}

func (e *Engine) status(stage string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.statuses[stage]
	return s, ok
}

func (e *Engine) isSkipped(stage string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.skipped[stage]
}

func (e *Engine) isHalted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}
