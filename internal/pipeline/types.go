package pipeline

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "5m".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Failure policies controlling what happens to the rest of the run when a
// stage exhausts its retry budget.
const (
	OnFailureSkipDependents = "skip_dependents"
	OnFailureStop           = "stop"
	OnFailureContinue       = "continue"
)

// Pipeline is the top-level pipeline document
type Pipeline struct {
	APIVersion string  `yaml:"apiVersion"`
	Kind       string  `yaml:"kind"`
	Name       string  `yaml:"name"`
	Stages     []Stage `yaml:"stages"`
	Global     Global  `yaml:"global"`
}

// Stage is a single named unit of work: one external command plus its
// scheduling metadata. Stages are immutable once loaded.
type Stage struct {
	Name      string            `yaml:"name"`
	Command   []string          `yaml:"command"`
	Workdir   string            `yaml:"workdir"`
	Env       map[string]string `yaml:"env"`
	DependsOn []string          `yaml:"depends_on"`
	Timeout   Duration          `yaml:"timeout"`
	Retry     RetryPolicy       `yaml:"retry"`
	Wait      WaitConfig        `yaml:"wait"`
	Outputs   map[string]string `yaml:"outputs"` // output name -> gjson path over stdout
	Resources []ResourceSpec    `yaml:"resources"`
	OnFailure string            `yaml:"on_failure"` // skip_dependents (default), stop, continue
}

// RetryPolicy controls re-execution of a failed stage command
type RetryPolicy struct {
	Max      int      `yaml:"max"`      // retries after the first attempt
	Interval Duration `yaml:"interval"` // base delay between attempts
	Backoff  float64  `yaml:"backoff"`  // multiplier, 1.0 = constant interval
}

// MaxAttempts returns the total attempt budget (first attempt included).
func (r RetryPolicy) MaxAttempts() int {
	if r.Max < 0 {
		return 1
	}
	return r.Max + 1
}

// Delay returns the wait before retry attempt n (n starts at 1).
func (r RetryPolicy) Delay(n int) time.Duration {
	interval := r.Interval.Std()
	if interval <= 0 {
		interval = time.Second
	}
	backoff := r.Backoff
	if backoff < 1 {
		backoff = 1
	}
	d := interval
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * backoff)
	}
	return d
}

// WaitConfig gates stage execution on an HTTP endpoint becoming ready,
// e.g. a freshly provisioned server answering health checks.
type WaitConfig struct {
	URL      string `yaml:"url"`
	Method   string `yaml:"method"`
	Status   int    `yaml:"status"`
	Timeout  string `yaml:"timeout"`
	Interval string `yaml:"interval"`
}

// ResourceSpec declares an external resource a stage provisions. The
// identifier is either extracted from the stage's stdout (IDFrom, a gjson
// path) or rendered from a template (ID). Teardown is the argv used to
// delete the resource; {{.resource_id}} is available when rendering it.
type ResourceSpec struct {
	Type     string   `yaml:"type"`
	ID       string   `yaml:"id"`
	IDFrom   string   `yaml:"id_from"`
	Teardown []string `yaml:"teardown"`
}

// Global holds settings that apply to the whole pipeline
type Global struct {
	Env               map[string]string `yaml:"env"`
	MaxConcurrent     int               `yaml:"max_concurrent"`
	TeardownOnFailure bool              `yaml:"teardown_on_failure"`
	WaitBetweenStages Duration          `yaml:"wait_between_stages"`
}

// StageByName returns the stage with the given name, or nil.
func (p *Pipeline) StageByName(name string) *Stage {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			return &p.Stages[i]
		}
	}
	return nil
}
