package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Ram-1405/piperun/internal/common"
	"github.com/Ram-1405/piperun/internal/constants"
	"github.com/Ram-1405/piperun/internal/retry"
	"github.com/Ram-1405/piperun/internal/store/connector"
	"github.com/Ram-1405/piperun/internal/store/postgresql"
	"github.com/Ram-1405/piperun/internal/store/sqlite"
	"github.com/Ram-1405/piperun/internal/util"
	"github.com/google/uuid"
)

// Store persists pipeline runs, stage attempts and provisioned resources
// behind a driver-specific connector. Timestamps are stored as RFC3339Nano
// strings so both backends share one schema shape.
type Store struct {
	conn   connector.Connector
	th     connector.TableNames
	driver string
}

// Run is the typed view of a run record.
type Run struct {
	ID         string     `json:"id"`
	Pipeline   string     `json:"pipeline"`
	Revision   string     `json:"revision,omitempty"`
	Target     string     `json:"target,omitempty"`
	Status     string     `json:"status"`
	Error      *string    `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Attempt is the typed view of a stage attempt record.
type Attempt struct {
	ID         int               `json:"id"`
	RunID      string            `json:"run_id"`
	Stage      string            `json:"stage"`
	Attempt    int               `json:"attempt"`
	Status     string            `json:"status"`
	ExitCode   int               `json:"exit_code"`
	Output     *string           `json:"output,omitempty"`
	Outputs    map[string]string `json:"outputs,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// Resource is the typed view of a provisioned resource record.
type Resource struct {
	ID           int        `json:"id"`
	RunID        string     `json:"run_id"`
	Type         string     `json:"type"`
	ResourceID   string     `json:"resource_id"`
	Teardown     []string   `json:"teardown,omitempty"`
	Status       string     `json:"status"`
	Acknowledged bool       `json:"acknowledged"`
	CreatedAt    time.Time  `json:"created_at"`
	TornDownAt   *time.Time `json:"torn_down_at,omitempty"`
}

// Connect opens a store for the configured driver and ensures its schema.
func Connect(cfg Config) (*Store, error) {
	th := cfg.TableNames
	if th.Runs == "" {
		th.Runs = constants.DefaultRunsTable
	}
	if th.StageAttempts == "" {
		th.StageAttempts = constants.DefaultStageAttemptsTable
	}
	if th.Resources == "" {
		th.Resources = constants.DefaultResourcesTable
	}

	var conn connector.Connector
	driver := util.TrimAndLower(cfg.Driver)
	switch driver {
	case DriverPostgres, "postgresql":
		driver = DriverPostgres
		conn = postgresql.NewStore()
	case DriverSqlite, "":
		driver = DriverSqlite
		conn = sqlite.NewStore()
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}

	if cfg.DriverConfig != nil {
		if err := conn.Load(cfg.DriverConfig.ToMap()); err != nil {
			return nil, fmt.Errorf("failed to load %s store config: %w", driver, err)
		}
	}
	if err := conn.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s store config: %w", driver, err)
	}
	if _, err := conn.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect %s store: %w", driver, err)
	}
	if err := conn.Ensure(th); err != nil {
		_ = conn.Close()
		return nil, err
	}

	common.GetLogger().WithStore(driver).Debug("store ready",
		"runs_table", th.Runs, "attempts_table", th.StageAttempts, "resources_table", th.Resources)
	return &Store{conn: conn, th: th, driver: driver}, nil
}

func (s *Store) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Driver returns the active driver name.
func (s *Store) Driver() string { return s.driver }

// write wraps store mutations with the default retry policy so transient
// failures like sqlite's busy errors do not abort a run.
func (s *Store) write(op func() error) error {
	return retry.WithRetry(context.Background(), retry.DefaultConfig(), op)
}

// CreateRun inserts a new run in `running` state and returns it.
func (s *Store) CreateRun(pipeline, revision, target string) (*Run, error) {
	run := &Run{
		ID:        uuid.NewString(),
		Pipeline:  pipeline,
		Revision:  revision,
		Target:    target,
		Status:    connector.RunStatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	rec := connector.RunRecord{
		ID:        run.ID,
		Pipeline:  run.Pipeline,
		Revision:  run.Revision,
		Target:    run.Target,
		Status:    run.Status,
		CreatedAt: formatTime(run.CreatedAt),
	}
	if err := s.write(func() error { return s.conn.CreateRun(s.th, rec) }); err != nil {
		return nil, err
	}
	return run, nil
}

// SetRunStatus updates the run status without finishing the run.
func (s *Store) SetRunStatus(id, status string) error {
	return s.write(func() error { return s.conn.UpdateRunStatus(s.th, id, status, nil, nil) })
}

// FinishRun records the terminal status, optional error text and finish time.
func (s *Store) FinishRun(id, status string, errMsg *string) error {
	finished := formatTime(time.Now().UTC())
	return s.write(func() error { return s.conn.UpdateRunStatus(s.th, id, status, errMsg, &finished) })
}

// GetRun returns a run or nil when it does not exist.
func (s *Store) GetRun(id string) (*Run, error) {
	rec, err := s.conn.GetRun(s.th, id)
	if err != nil || rec == nil {
		return nil, err
	}
	run := runFromRecord(*rec)
	return &run, nil
}

// ListRuns returns all runs ordered by creation time.
func (s *Store) ListRuns() ([]Run, error) {
	recs, err := s.conn.ListRuns(s.th)
	if err != nil {
		return nil, err
	}
	runs := make([]Run, 0, len(recs))
	for _, rec := range recs {
		runs = append(runs, runFromRecord(rec))
	}
	return runs, nil
}

// BeginAttempt inserts a `running` attempt row before the stage command
// starts. A row left in this state marks an attempt whose outcome is
// unknown, so resume treats the stage as not succeeded.
func (s *Store) BeginAttempt(runID, stage string, attempt int) (int, error) {
	rec := connector.AttemptRecord{
		RunID:     runID,
		Stage:     stage,
		Attempt:   attempt,
		Status:    connector.AttemptStatusRunning,
		ExitCode:  -1,
		StartedAt: formatTime(time.Now().UTC()),
	}
	var id int
	err := s.write(func() error {
		var ierr error
		id, ierr = s.conn.InsertAttempt(s.th, rec)
		return ierr
	})
	return id, err
}

// FinishAttempt finalizes an attempt row with its observed outcome.
func (s *Store) FinishAttempt(id int, status string, exitCode int, output string, outputs map[string]string) error {
	var out *string
	if output != "" {
		out = &output
	}
	finished := formatTime(time.Now().UTC())
	return s.write(func() error {
		return s.conn.FinishAttempt(s.th, id, status, exitCode, out, outputs, finished)
	})
}

// RecordSkipped appends a terminal `skipped` attempt for a stage whose
// dependency failed.
func (s *Store) RecordSkipped(runID, stage string) error {
	now := formatTime(time.Now().UTC())
	rec := connector.AttemptRecord{
		RunID:      runID,
		Stage:      stage,
		Attempt:    0,
		Status:     connector.AttemptStatusSkipped,
		ExitCode:   -1,
		StartedAt:  now,
		FinishedAt: &now,
	}
	return s.write(func() error {
		_, err := s.conn.InsertAttempt(s.th, rec)
		return err
	})
}

// ListAttempts returns all attempts of a run in insertion order.
func (s *Store) ListAttempts(runID string) ([]Attempt, error) {
	recs, err := s.conn.ListAttempts(s.th, runID)
	if err != nil {
		return nil, err
	}
	attempts := make([]Attempt, 0, len(recs))
	for _, rec := range recs {
		attempts = append(attempts, attemptFromRecord(rec))
	}
	return attempts, nil
}

// LatestAttempts returns the most recent attempt per stage.
func (s *Store) LatestAttempts(runID string) (map[string]Attempt, error) {
	attempts, err := s.ListAttempts(runID)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]Attempt, len(attempts))
	for _, a := range attempts {
		latest[a.Stage] = a
	}
	return latest, nil
}

// AddResource records a provisioned resource in `active` state.
func (s *Store) AddResource(runID, rtype, resourceID string, teardown []string) (int, error) {
	rec := connector.ResourceRecord{
		RunID:      runID,
		Type:       rtype,
		ResourceID: resourceID,
		Teardown:   teardown,
		Status:     connector.ResourceStatusActive,
		CreatedAt:  formatTime(time.Now().UTC()),
	}
	var id int
	err := s.write(func() error {
		var ierr error
		id, ierr = s.conn.AddResource(s.th, rec)
		return ierr
	})
	return id, err
}

// MarkResourceDestroyed records a successful teardown.
func (s *Store) MarkResourceDestroyed(id int) error {
	now := formatTime(time.Now().UTC())
	return s.write(func() error {
		return s.conn.SetResourceStatus(s.th, id, connector.ResourceStatusDestroyed, &now)
	})
}

// MarkResourceLeaked records a teardown that did not complete. The row
// stays visible until an operator acknowledges it.
func (s *Store) MarkResourceLeaked(id int) error {
	return s.write(func() error {
		return s.conn.SetResourceStatus(s.th, id, connector.ResourceStatusLeaked, nil)
	})
}

// ListResources returns the resources provisioned by a run.
func (s *Store) ListResources(runID string) ([]Resource, error) {
	recs, err := s.conn.ListResources(s.th, runID)
	if err != nil {
		return nil, err
	}
	return resourcesFromRecords(recs), nil
}

// ListLeaked returns unacknowledged leaked resources across all runs.
func (s *Store) ListLeaked() ([]Resource, error) {
	recs, err := s.conn.ListLeaked(s.th)
	if err != nil {
		return nil, err
	}
	return resourcesFromRecords(recs), nil
}

// AcknowledgeLeak acknowledges one leaked resource by id.
func (s *Store) AcknowledgeLeak(id int) error {
	return s.write(func() error { return s.conn.AcknowledgeLeak(s.th, id) })
}

func runFromRecord(rec connector.RunRecord) Run {
	return Run{
		ID:         rec.ID,
		Pipeline:   rec.Pipeline,
		Revision:   rec.Revision,
		Target:     rec.Target,
		Status:     rec.Status,
		Error:      rec.Error,
		CreatedAt:  parseTime(rec.CreatedAt),
		FinishedAt: parseTimePtr(rec.FinishedAt),
	}
}

func attemptFromRecord(rec connector.AttemptRecord) Attempt {
	return Attempt{
		ID:         rec.ID,
		RunID:      rec.RunID,
		Stage:      rec.Stage,
		Attempt:    rec.Attempt,
		Status:     rec.Status,
		ExitCode:   rec.ExitCode,
		Output:     rec.Output,
		Outputs:    rec.Outputs,
		StartedAt:  parseTime(rec.StartedAt),
		FinishedAt: parseTimePtr(rec.FinishedAt),
	}
}

func resourcesFromRecords(recs []connector.ResourceRecord) []Resource {
	resources := make([]Resource, 0, len(recs))
	for _, rec := range recs {
		resources = append(resources, Resource{
			ID:           rec.ID,
			RunID:        rec.RunID,
			Type:         rec.Type,
			ResourceID:   rec.ResourceID,
			Teardown:     rec.Teardown,
			Status:       rec.Status,
			Acknowledged: rec.Acknowledged,
			CreatedAt:    parseTime(rec.CreatedAt),
			TornDownAt:   parseTimePtr(rec.TornDownAt),
		})
	}
	return resources
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t := parseTime(*s)
	return &t
}
