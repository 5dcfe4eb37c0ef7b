package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Ram-1405/piperun/internal/graph"
)

func writePipeline(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("failed to write pipeline file: %v", err)
	}
	return path
}

func TestLoad_Valid(t *testing.T) {
	path := writePipeline(t, `
apiVersion: piperun/v1
kind: Pipeline
name: deploy-demo
global:
  env:
    region: eu-west-1
  max_concurrent: 3
  teardown_on_failure: true
stages:
  - name: provision
    command: ["terraform", "apply", "-auto-approve"]
    timeout: 5m
    outputs:
      instance_ip: "outputs.ip.value"
    resources:
      - type: vm
        id_from: "outputs.id.value"
        teardown: ["terraform", "destroy", "-auto-approve"]
  - name: configure
    command: ["ansible-playbook", "site.yaml"]
    depends_on: [provision]
    env:
      host: "{{.instance_ip}}"
    retry:
      max: 2
      interval: 5s
      backoff: 2.0
`)

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if p.Name != "deploy-demo" {
		t.Fatalf("unexpected name: %s", p.Name)
	}
	if len(p.Stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(p.Stages))
	}
	if p.Global.MaxConcurrent != 3 || !p.Global.TeardownOnFailure {
		t.Fatalf("global settings not decoded: %+v", p.Global)
	}
	prov := p.StageByName("provision")
	if prov == nil {
		t.Fatal("provision stage not found")
	}
	if prov.Timeout.Std() != 5*time.Minute {
		t.Fatalf("expected 5m timeout, got %v", prov.Timeout)
	}
	if prov.Outputs["instance_ip"] != "outputs.ip.value" {
		t.Fatalf("outputs not decoded: %v", prov.Outputs)
	}
	if len(prov.Resources) != 1 || prov.Resources[0].Type != "vm" {
		t.Fatalf("resources not decoded: %+v", prov.Resources)
	}
	cfgStage := p.StageByName("configure")
	if cfgStage.Retry.Max != 2 || cfgStage.Retry.Interval.Std() != 5*time.Second {
		t.Fatalf("retry not decoded: %+v", cfgStage.Retry)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "no stages",
			doc:  "name: empty\nstages: []\n",
			want: "no stages",
		},
		{
			name: "missing name",
			doc: `stages:
  - command: ["true"]
`,
			want: "missing name",
		},
		{
			name: "duplicate name",
			doc: `stages:
  - name: a
    command: ["true"]
  - name: a
    command: ["true"]
`,
			want: "duplicate stage name",
		},
		{
			name: "missing command",
			doc: `stages:
  - name: a
`,
			want: "missing command",
		},
		{
			name: "invalid on_failure",
			doc: `stages:
  - name: a
    command: ["true"]
    on_failure: explode
`,
			want: "invalid on_failure",
		},
		{
			name: "resource without id",
			doc: `stages:
  - name: a
    command: ["true"]
    resources:
      - type: vm
        teardown: ["true"]
`,
			want: "either id or id_from",
		},
		{
			name: "resource without teardown",
			doc: `stages:
  - name: a
    command: ["true"]
    resources:
      - type: vm
        id: fixed
`,
			want: "missing teardown",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writePipeline(t, tc.doc)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoad_UnknownDependency(t *testing.T) {
	path := writePipeline(t, `
stages:
  - name: a
    command: ["true"]
    depends_on: [ghost]
`)
	_, err := Load(path)
	var uerr *graph.UnknownDependencyError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UnknownDependencyError, got %v", err)
	}
}

func TestLoad_Cycle(t *testing.T) {
	path := writePipeline(t, `
stages:
  - name: a
    command: ["true"]
    depends_on: [b]
  - name: b
    command: ["true"]
    depends_on: [a]
`)
	_, err := Load(path)
	var cerr *graph.CycleError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CycleError, got %v", err)
	}
}

func TestRetryPolicy_MaxAttempts(t *testing.T) {
	if got := (RetryPolicy{}).MaxAttempts(); got != 1 {
		t.Fatalf("expected 1 attempt by default, got %d", got)
	}
	if got := (RetryPolicy{Max: 3}).MaxAttempts(); got != 4 {
		t.Fatalf("expected 4 attempts, got %d", got)
	}
	if got := (RetryPolicy{Max: -5}).MaxAttempts(); got != 1 {
		t.Fatalf("negative retries should mean 1 attempt, got %d", got)
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	r := RetryPolicy{Interval: Duration(100 * time.Millisecond), Backoff: 2.0}
	if got := r.Delay(1); got != 100*time.Millisecond {
		t.Fatalf("expected 100ms, got %v", got)
	}
	if got := r.Delay(3); got != 400*time.Millisecond {
		t.Fatalf("expected 400ms, got %v", got)
	}

	// no interval configured falls back to one second, constant
	d := RetryPolicy{}
	if got := d.Delay(2); got != time.Second {
		t.Fatalf("expected 1s default, got %v", got)
	}
}

func TestBuildGraph_Batches(t *testing.T) {
	p := &Pipeline{Stages: []Stage{
		{Name: "a", Command: []string{"true"}},
		{Name: "b", Command: []string{"true"}, DependsOn: []string{"a"}},
		{Name: "c", Command: []string{"true"}, DependsOn: []string{"a"}},
	}}
	g, err := p.BuildGraph()
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	batches, err := g.Batches()
	if err != nil {
		t.Fatalf("Batches failed: %v", err)
	}
	if len(batches) != 2 || len(batches[1]) != 2 {
		t.Fatalf("unexpected batches: %v", batches)
	}
}
