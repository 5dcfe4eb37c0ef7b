package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Ram-1405/piperun/internal/pipeline"
	"github.com/Ram-1405/piperun/internal/store"
	"github.com/Ram-1405/piperun/internal/store/connector"
	"github.com/Ram-1405/piperun/internal/store/sqlite"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "piperun.db")
	st, err := store.Connect(store.Config{Driver: store.DriverSqlite, DriverConfig: &sqlite.Config{Path: path}})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func latestByStage(t *testing.T, st *store.Store, runID string) map[string]store.Attempt {
	t.Helper()
	latest, err := st.LatestAttempts(runID)
	if err != nil {
		t.Fatalf("LatestAttempts: %v", err)
	}
	return latest
}

func TestExecute_AllSucceed(t *testing.T) {
	st := openTestStore(t)
	pl := &pipeline.Pipeline{
		Name: "ok",
		Stages: []pipeline.Stage{
			{Name: "a", Command: []string{"true"}},
			{Name: "b", Command: []string{"true"}, DependsOn: []string{"a"}},
		},
	}
	eng, err := NewEngine(pl, st, Options{Revision: "r1", Target: "staging"})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	run, err := eng.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != connector.RunStatusSucceeded {
		t.Fatalf("expected succeeded, got %s (%v)", run.Status, run.Error)
	}
	if run.Revision != "r1" || run.Target != "staging" {
		t.Fatalf("run metadata lost: %+v", run)
	}

	latest := latestByStage(t, st, run.ID)
	for _, stage := range []string{"a", "b"} {
		if latest[stage].Status != connector.AttemptStatusSuccess {
			t.Fatalf("stage %s: expected success, got %s", stage, latest[stage].Status)
		}
	}
}

func TestExecute_FailureSkipsDependents(t *testing.T) {
	st := openTestStore(t)
	// a succeeds; b fails even after retries; c depends on b and must be
	// skipped; d is independent and still runs.
	pl := &pipeline.Pipeline{
		Name: "fail-fast",
		Stages: []pipeline.Stage{
			{Name: "a", Command: []string{"true"}},
			{Name: "b", Command: []string{"false"}, DependsOn: []string{"a"},
				Retry: pipeline.RetryPolicy{Max: 2, Interval: pipeline.Duration(time.Millisecond)}},
			{Name: "c", Command: []string{"true"}, DependsOn: []string{"b"}},
			{Name: "d", Command: []string{"true"}},
		},
	}
	eng, err := NewEngine(pl, st, Options{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	run, err := eng.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != connector.RunStatusFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}
	if run.Error == nil || !strings.Contains(*run.Error, "b failed") {
		t.Fatalf("expected failure message naming stage b, got %v", run.Error)
	}

	attempts, _ := st.ListAttempts(run.ID)
	bAttempts := 0
	for _, a := range attempts {
		if a.Stage == "b" {
			bAttempts++
		}
	}
	if bAttempts != 3 {
		t.Fatalf("expected 3 attempts for b (1 + 2 retries), got %d", bAttempts)
	}

	latest := latestByStage(t, st, run.ID)
	if latest["c"].Status != connector.AttemptStatusSkipped {
		t.Fatalf("dependent c should be skipped, got %s", latest["c"].Status)
	}
	if latest["d"].Status != connector.AttemptStatusSuccess {
		t.Fatalf("independent d should still run, got %s", latest["d"].Status)
	}
}

func TestExecute_Timeout(t *testing.T) {
	st := openTestStore(t)
	pl := &pipeline.Pipeline{
		Name: "slow",
		Stages: []pipeline.Stage{
			{Name: "hang", Command: []string{"sleep", "5"}, Timeout: pipeline.Duration(100 * time.Millisecond)},
		},
	}
	eng, _ := NewEngine(pl, st, Options{})

	run, err := eng.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != connector.RunStatusFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}

	latest := latestByStage(t, st, run.ID)
	if latest["hang"].Status != connector.AttemptStatusTimeout {
		t.Fatalf("timeout must be recorded distinctly from failure, got %s", latest["hang"].Status)
	}
}

func TestExecute_OutputsFlowDownstream(t *testing.T) {
	st := openTestStore(t)
	outFile := filepath.Join(t.TempDir(), "rendered.txt")
	pl := &pipeline.Pipeline{
		Name: "outputs",
		Stages: []pipeline.Stage{
			{
				Name:    "provision",
				Command: []string{"sh", "-c", `echo '{"ip":"10.0.0.7","id":"i-0abc"}'`},
				Outputs: map[string]string{"instance_ip": "ip"},
			},
			{
				Name:      "configure",
				Command:   []string{"sh", "-c", "echo {{.instance_ip}} > " + outFile},
				DependsOn: []string{"provision"},
			},
		},
	}
	eng, _ := NewEngine(pl, st, Options{})

	run, err := eng.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != connector.RunStatusSucceeded {
		t.Fatalf("expected succeeded, got %s (%v)", run.Status, run.Error)
	}

	data, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatalf("downstream stage did not run: %v", err)
	}
	if strings.TrimSpace(string(data)) != "10.0.0.7" {
		t.Fatalf("output not rendered into downstream command: %q", data)
	}

	latest := latestByStage(t, st, run.ID)
	if latest["provision"].Outputs["instance_ip"] != "10.0.0.7" {
		t.Fatalf("outputs not persisted with the attempt: %v", latest["provision"].Outputs)
	}
}

func TestExecute_ResourceRegisteredAndTornDown(t *testing.T) {
	st := openTestStore(t)
	dir := t.TempDir()
	marker := filepath.Join(dir, "resource-alive")
	pl := &pipeline.Pipeline{
		Name:   "teardown",
		Global: pipeline.Global{TeardownOnFailure: true},
		Stages: []pipeline.Stage{
			{
				Name:    "provision",
				Command: []string{"sh", "-c", `touch ` + marker + ` && echo '{"id":"res-1"}'`},
				Resources: []pipeline.ResourceSpec{{
					Type:     "marker",
					IDFrom:   "id",
					Teardown: []string{"sh", "-c", "rm " + marker},
				}},
			},
			{Name: "deploy", Command: []string{"false"}, DependsOn: []string{"provision"}},
		},
	}
	eng, _ := NewEngine(pl, st, Options{})

	run, err := eng.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != connector.RunStatusRolledBack {
		t.Fatalf("expected rolled_back after clean teardown, got %s", run.Status)
	}

	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatal("teardown command did not run")
	}
	resources, _ := st.ListResources(run.ID)
	if len(resources) != 1 || resources[0].Status != connector.ResourceStatusDestroyed {
		t.Fatalf("resource not marked destroyed: %+v", resources)
	}
	if resources[0].ResourceID != "res-1" {
		t.Fatalf("resource id not extracted from stdout: %+v", resources[0])
	}
}

func TestExecute_StopPolicyAborts(t *testing.T) {
	st := openTestStore(t)
	pl := &pipeline.Pipeline{
		Name: "stop",
		Global: pipeline.Global{
			MaxConcurrent: 1,
		},
		Stages: []pipeline.Stage{
			{Name: "boom", Command: []string{"false"}, OnFailure: pipeline.OnFailureStop},
			{Name: "later", Command: []string{"true"}, DependsOn: []string{"boom"}},
		},
	}
	eng, _ := NewEngine(pl, st, Options{})

	run, err := eng.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != connector.RunStatusAborted {
		t.Fatalf("expected aborted, got %s", run.Status)
	}

	latest := latestByStage(t, st, run.ID)
	if _, ran := latest["later"]; ran {
		t.Fatalf("stage after stop must not leave attempts, got %+v", latest["later"])
	}
}

func TestResume_ReExecutesOnlyNonSuccessful(t *testing.T) {
	st := openTestStore(t)
	dir := t.TempDir()
	marker := filepath.Join(dir, "unblock")
	countA := filepath.Join(dir, "count-a")

	pl := &pipeline.Pipeline{
		Name: "resume",
		Stages: []pipeline.Stage{
			{Name: "a", Command: []string{"sh", "-c", "echo x >> " + countA}},
			{Name: "b", Command: []string{"sh", "-c", "test -f " + marker}, DependsOn: []string{"a"}},
		},
	}

	eng, _ := NewEngine(pl, st, Options{})
	run, err := eng.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != connector.RunStatusFailed {
		t.Fatalf("expected first run to fail, got %s", run.Status)
	}

	// unblock b, then resume with a fresh engine
	if err := os.WriteFile(marker, nil, 0o600); err != nil {
		t.Fatalf("write marker: %v", err)
	}
	eng2, _ := NewEngine(pl, st, Options{})
	resumed, err := eng2.Resume(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != connector.RunStatusSucceeded {
		t.Fatalf("expected resumed run to succeed, got %s (%v)", resumed.Status, resumed.Error)
	}

	// a ran exactly once across both executions
	data, _ := os.ReadFile(countA)
	if got := strings.Count(string(data), "x"); got != 1 {
		t.Fatalf("successful stage a must not re-run on resume, ran %d times", got)
	}
}

func TestResume_UnknownOutcomeReRuns(t *testing.T) {
	st := openTestStore(t)
	run, err := st.CreateRun("crashed", "", "")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	// simulate a crash between starting the command and persisting its
	// result: the attempt row is still `running`
	if _, err := st.BeginAttempt(run.ID, "a", 1); err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}
	if err := st.FinishRun(run.ID, connector.RunStatusFailed, nil); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	pl := &pipeline.Pipeline{
		Name:   "crashed",
		Stages: []pipeline.Stage{{Name: "a", Command: []string{"true"}}},
	}
	eng, _ := NewEngine(pl, st, Options{})
	resumed, err := eng.Resume(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != connector.RunStatusSucceeded {
		t.Fatalf("expected success after re-running unknown stage, got %s", resumed.Status)
	}

	latest := latestByStage(t, st, run.ID)
	if latest["a"].Status != connector.AttemptStatusSuccess {
		t.Fatalf("stage with unknown outcome must be re-run, got %s", latest["a"].Status)
	}
}

func TestResume_MissingRun(t *testing.T) {
	st := openTestStore(t)
	pl := &pipeline.Pipeline{
		Name:   "p",
		Stages: []pipeline.Stage{{Name: "a", Command: []string{"true"}}},
	}
	eng, _ := NewEngine(pl, st, Options{})
	if _, err := eng.Resume(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown run id")
	}
}

func TestExecute_StageRange(t *testing.T) {
	st := openTestStore(t)
	dir := t.TempDir()
	pl := &pipeline.Pipeline{
		Name: "ranged",
		Stages: []pipeline.Stage{
			{Name: "fetch", Command: []string{"touch", filepath.Join(dir, "fetch")}},
			{Name: "build", Command: []string{"touch", filepath.Join(dir, "build")}, DependsOn: []string{"fetch"}},
			{Name: "deploy", Command: []string{"touch", filepath.Join(dir, "deploy")}, DependsOn: []string{"build"}},
			{Name: "verify", Command: []string{"touch", filepath.Join(dir, "verify")}, DependsOn: []string{"deploy"}},
		},
	}
	eng, err := NewEngine(pl, st, Options{FromStage: "build", ToStage: "deploy"})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	run, err := eng.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != connector.RunStatusSucceeded {
		t.Fatalf("expected succeeded, got %s (%v)", run.Status, run.Error)
	}

	for _, name := range []string{"fetch", "verify"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			t.Fatalf("stage %s outside the range must not run", name)
		}
	}
	for _, name := range []string{"build", "deploy"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("stage %s inside the range did not run: %v", name, err)
		}
	}

	latest := latestByStage(t, st, run.ID)
	if _, ok := latest["fetch"]; ok {
		t.Fatal("out-of-range stage must leave no attempt rows")
	}
}

func TestExecute_StageRangeUnknownStage(t *testing.T) {
	st := openTestStore(t)
	pl := &pipeline.Pipeline{
		Name:   "ranged",
		Stages: []pipeline.Stage{{Name: "a", Command: []string{"true"}}},
	}
	eng, _ := NewEngine(pl, st, Options{FromStage: "nope"})
	if _, err := eng.Execute(context.Background()); err == nil {
		t.Fatal("expected error for unknown --from stage")
	}
}

func TestExecute_FailFastStopsSiblings(t *testing.T) {
	st := openTestStore(t)
	dir := t.TempDir()
	marker := filepath.Join(dir, "c-ran")
	// a succeeds; b exhausts its retries; c is an unstarted sibling of b and
	// must never launch even though it does not depend on b.
	pl := &pipeline.Pipeline{
		Name: "fail-fast-siblings",
		Stages: []pipeline.Stage{
			{Name: "a", Command: []string{"true"}},
			{Name: "b", Command: []string{"false"}, DependsOn: []string{"a"},
				Retry: pipeline.RetryPolicy{Max: 2, Interval: pipeline.Duration(time.Millisecond)}},
			{Name: "c", Command: []string{"touch", marker}, DependsOn: []string{"a"}},
		},
		Global: pipeline.Global{MaxConcurrent: 1},
	}
	eng, err := NewEngine(pl, st, Options{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	run, err := eng.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != connector.RunStatusFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}

	if _, err := os.Stat(marker); err == nil {
		t.Fatal("sibling stage ran after the retry budget was exhausted")
	}
	latest := latestByStage(t, st, run.ID)
	if latest["c"].Status != connector.AttemptStatusSkipped {
		t.Fatalf("sibling must be recorded skipped, got %s", latest["c"].Status)
	}
	if latest["b"].Status != connector.AttemptStatusFailed {
		t.Fatalf("expected b failed, got %s", latest["b"].Status)
	}
}

func TestExecute_ContinuePolicyLetsSiblingsRun(t *testing.T) {
	st := openTestStore(t)
	// with on_failure continue, b's failure skips its dependent c but the
	// unstarted sibling d still runs.
	pl := &pipeline.Pipeline{
		Name: "continue-policy",
		Stages: []pipeline.Stage{
			{Name: "a", Command: []string{"true"}},
			{Name: "b", Command: []string{"false"}, DependsOn: []string{"a"},
				OnFailure: pipeline.OnFailureContinue},
			{Name: "c", Command: []string{"true"}, DependsOn: []string{"b"}},
			{Name: "d", Command: []string{"true"}, DependsOn: []string{"a"}},
		},
		Global: pipeline.Global{MaxConcurrent: 1},
	}
	eng, err := NewEngine(pl, st, Options{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	run, err := eng.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != connector.RunStatusFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}

	latest := latestByStage(t, st, run.ID)
	if latest["d"].Status != connector.AttemptStatusSuccess {
		t.Fatalf("sibling must run under continue, got %s", latest["d"].Status)
	}
	if latest["c"].Status != connector.AttemptStatusSkipped {
		t.Fatalf("dependent must be skipped, got %s", latest["c"].Status)
	}
}

func TestExecuteAsync_ReturnsSnapshot(t *testing.T) {
	st := openTestStore(t)
	pl := &pipeline.Pipeline{
		Name:   "async",
		Stages: []pipeline.Stage{{Name: "a", Command: []string{"true"}}},
	}
	eng, err := NewEngine(pl, st, Options{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	done := make(chan *store.Run, 1)
	run, err := eng.ExecuteAsync(context.Background(), func(finished *store.Run) {
		done <- finished
	})
	if err != nil {
		t.Fatalf("ExecuteAsync: %v", err)
	}

	var finished *store.Run
	select {
	case finished = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish in time")
	}
	if finished.Status != connector.RunStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", finished.Status)
	}
	if run == finished {
		t.Fatal("caller must get its own run record, not the one the goroutine mutates")
	}
	if run.Status != connector.RunStatusRunning {
		t.Fatalf("snapshot must keep the starting status, got %s", run.Status)
	}
}

func TestExecute_AbortDuringBatchPause(t *testing.T) {
	st := openTestStore(t)
	pl := &pipeline.Pipeline{
		Name: "paused",
		Stages: []pipeline.Stage{
			{Name: "a", Command: []string{"true"}},
			{Name: "b", Command: []string{"true"}, DependsOn: []string{"a"}},
		},
		Global: pipeline.Global{WaitBetweenStages: pipeline.Duration(10 * time.Second)},
	}
	eng, err := NewEngine(pl, st, Options{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	run, err := eng.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("cancellation must cut the inter-batch pause short, took %s", elapsed)
	}
	if run.Status != connector.RunStatusFailed {
		t.Fatalf("expected failed after cancellation, got %s", run.Status)
	}
	latest := latestByStage(t, st, run.ID)
	if _, ok := latest["b"]; ok {
		t.Fatal("stage after the pause must not run once the context is cancelled")
	}
}

func TestExecute_StageEnvValuesAreTemplates(t *testing.T) {
	st := openTestStore(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "target")
	// provision publishes instance_ip; configure's own env references it and
	// the rendered value must reach the process environment.
	pl := &pipeline.Pipeline{
		Name: "env-templates",
		Stages: []pipeline.Stage{
			{Name: "provision", Command: []string{"sh", "-c", `echo '{"ip":"10.0.0.7"}'`},
				Outputs: map[string]string{"instance_ip": "ip"}},
			{Name: "configure", Command: []string{"sh", "-c", "printf '%s' \"$TARGET_HOST\" > " + out},
				Env:       map[string]string{"TARGET_HOST": "{{.instance_ip}}:22"},
				DependsOn: []string{"provision"}},
		},
	}
	eng, err := NewEngine(pl, st, Options{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	run, err := eng.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != connector.RunStatusSucceeded {
		t.Fatalf("expected succeeded, got %s (%v)", run.Status, run.Error)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("configure never wrote its target: %v", err)
	}
	if string(data) != "10.0.0.7:22" {
		t.Fatalf("stage env value not rendered, got %q", string(data))
	}
}
