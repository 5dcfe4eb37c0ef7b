package connector

import "database/sql"

// Run statuses. A run is owned by a single engine for its duration; the
// store is the only shared state between the engine and readers.
const (
	RunStatusPending    = "pending"
	RunStatusRunning    = "running"
	RunStatusSucceeded  = "succeeded"
	RunStatusFailed     = "failed"
	RunStatusRolledBack = "rolled_back"
	RunStatusAborted    = "aborted"
)

// Stage attempt outcomes. An attempt is inserted as `running` before the
// command starts; a row that is still `running` on resume means the process
// crashed between completion and persistence and the stage must re-execute.
const (
	AttemptStatusRunning = "running"
	AttemptStatusSuccess = "success"
	AttemptStatusFailed  = "failed"
	AttemptStatusTimeout = "timeout"
	AttemptStatusSkipped = "skipped"
)

// Provisioned resource statuses.
const (
	ResourceStatusActive    = "active"
	ResourceStatusDestroyed = "destroyed"
	ResourceStatusLeaked    = "leaked"
)

// RunRecord is a single pipeline run from the runs table.
// Timestamps are RFC3339Nano strings in UTC.
type RunRecord struct {
	ID         string
	Pipeline   string
	Revision   string
	Target     string
	Status     string
	Error      *string
	CreatedAt  string
	FinishedAt *string
}

// AttemptRecord is a single stage execution from the stage_attempts table.
// Rows are append-only; Output may be nil when capture was disabled and
// Outputs holds values extracted from the command's stdout.
type AttemptRecord struct {
	ID         int
	RunID      string
	Stage      string
	Attempt    int
	Status     string
	ExitCode   int
	Output     *string
	Outputs    map[string]string
	StartedAt  string
	FinishedAt *string
}

// ResourceRecord is an externally provisioned resource tied to a run.
// Teardown is the argv used to delete it.
type ResourceRecord struct {
	ID           int
	RunID        string
	Type         string
	ResourceID   string
	Teardown     []string
	Status       string
	Acknowledged bool
	CreatedAt    string
	TornDownAt   *string
}

// TableNames represents database table names
type TableNames struct {
	Runs          string
	StageAttempts string
	Resources     string
}

// Connector is implemented by each storage backend.
type Connector interface {
	Connect() (*sql.DB, error)
	Validate() error
	Load(config map[string]interface{}) error
	Ensure(th TableNames) error

	CreateRun(th TableNames, r RunRecord) error
	UpdateRunStatus(th TableNames, id, status string, errMsg *string, finishedAt *string) error
	GetRun(th TableNames, id string) (*RunRecord, error)
	// ListRuns returns runs ordered by created_at ASC
	ListRuns(th TableNames) ([]RunRecord, error)

	// InsertAttempt inserts a new attempt row (normally status `running`)
	// and returns its id.
	InsertAttempt(th TableNames, a AttemptRecord) (int, error)
	FinishAttempt(th TableNames, id int, status string, exitCode int, output *string, outputs map[string]string, finishedAt string) error
	// ListAttempts returns attempts for one run ordered by id ASC
	ListAttempts(th TableNames, runID string) ([]AttemptRecord, error)

	// AddResource records a provisioned resource and returns its id.
	AddResource(th TableNames, r ResourceRecord) (int, error)
	SetResourceStatus(th TableNames, id int, status string, tornDownAt *string) error
	ListResources(th TableNames, runID string) ([]ResourceRecord, error)
	// ListLeaked returns unacknowledged leaked resources across all runs
	ListLeaked(th TableNames) ([]ResourceRecord, error)
	AcknowledgeLeak(th TableNames, id int) error

	Close() error
}
