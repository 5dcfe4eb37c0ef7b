package status

import (
	"fmt"
	"strings"
	"time"

	"github.com/Ram-1405/piperun"
)

// Info aggregates everything known about one run: the run record, its
// per-stage attempt history, the resources it provisioned, and any
// unacknowledged leaks across the whole store.
type Info struct {
	Run       *piperun.Run
	Attempts  []piperun.Attempt
	Resources []piperun.Resource
	Leaked    []piperun.Resource
}

// FromStore collects status information for one run from an opened store.
func FromStore(st *piperun.Store, runID string) (Info, error) {
	run, err := st.GetRun(runID)
	if err != nil {
		return Info{}, err
	}
	if run == nil {
		return Info{}, fmt.Errorf("run %s not found", runID)
	}
	attempts, err := st.ListAttempts(runID)
	if err != nil {
		return Info{}, err
	}
	resources, err := st.ListResources(runID)
	if err != nil {
		return Info{}, err
	}
	leaked, err := st.ListLeaked()
	if err != nil {
		return Info{}, err
	}
	return Info{Run: run, Attempts: attempts, Resources: resources, Leaked: leaked}, nil
}

// Runs returns all runs in the store ordered by creation time.
func Runs(st *piperun.Store) ([]piperun.Run, error) {
	return st.ListRuns()
}

// FormatHuman returns a human-friendly multiline string for CLI output.
// attempts=false prints only the run line; attempts=true appends the stage
// attempt history and provisioned resources.
func (i Info) FormatHuman(attempts bool) string {
	var b strings.Builder
	r := i.Run
	fmt.Fprintf(&b, "run: %s pipeline=%s status=%s created=%s\n",
		r.ID, r.Pipeline, r.Status, r.CreatedAt.Format(time.RFC3339))
	if r.Error != nil {
		fmt.Fprintf(&b, "error: %s\n", *r.Error)
	}
	if !attempts {
		return b.String()
	}

	b.WriteString("attempts:\n")
	for _, a := range i.Attempts {
		fmt.Fprintf(&b, "#%d stage=%s try=%d status=%s exit=%d at=%s\n",
			a.ID, a.Stage, a.Attempt, a.Status, a.ExitCode, a.StartedAt.Format(time.RFC3339))
	}
	if len(i.Resources) > 0 {
		b.WriteString("resources:\n")
		for _, res := range i.Resources {
			fmt.Fprintf(&b, "#%d type=%s id=%s status=%s\n", res.ID, res.Type, res.ResourceID, res.Status)
		}
	}
	if len(i.Leaked) > 0 {
		fmt.Fprintf(&b, "leaked resources pending acknowledgement: %d\n", len(i.Leaked))
	}
	return b.String()
}

// FormatRuns renders a run listing, newest last.
func FormatRuns(runs []piperun.Run) string {
	if len(runs) == 0 {
		return "no runs recorded\n"
	}
	var b strings.Builder
	for _, r := range runs {
		fmt.Fprintf(&b, "%s pipeline=%s status=%s created=%s\n",
			r.ID, r.Pipeline, r.Status, r.CreatedAt.Format(time.RFC3339))
	}
	return b.String()
}
