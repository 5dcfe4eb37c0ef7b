package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Ram-1405/piperun/internal/common"
	"github.com/Ram-1405/piperun/internal/store/connector"
	"github.com/go-viper/mapstructure/v2"
)

type Store struct {
	db      *sql.DB
	dialect *Dialect
	DSN     string
}

// NewStore creates a new SQLite store
func NewStore() *Store {
	return &Store{
		dialect: NewDialect(),
	}
}

// Load loads configuration into the SQLite store
func (s *Store) Load(config map[string]interface{}) error {
	var c struct {
		DSN  string `mapstructure:"dsn"`
		Path string `mapstructure:"path"`
	}
	if err := mapstructure.Decode(config, &c); err != nil {
		return err
	}
	if c.DSN != "" {
		s.DSN = c.DSN
		return nil
	}
	if c.Path != "" {
		s.DSN = fmt.Sprintf("file:%s?_busy_timeout=%d&%s", c.Path, busyTimeoutMS, foreignKeysParam)
	}
	return nil
}

// Connect establishes a connection to SQLite
func (s *Store) Connect() (*sql.DB, error) {
	if s.DSN == "" {
		// Default to in-memory database for testing
		s.DSN = ":memory:"
	}

	db, err := s.dialect.Connect(s.DSN)
	if err != nil {
		return nil, err
	}
	s.db = db

	logger := common.GetLogger().WithStore("sqlite")
	logger.Debug("SQLite database connection established")
	return db, nil
}

// Validate performs basic validation (default implementation)
func (s *Store) Validate() error {
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ensure creates the necessary tables using SQLite-specific schema
func (s *Store) Ensure(th connector.TableNames) error {
	logger := common.GetLogger().WithStore("sqlite")
	logger.Debug("ensuring SQLite database schema",
		"tables", []string{th.Runs, th.StageAttempts, th.Resources})

	stmts := s.dialect.GetEnsureStatements(th.Runs, th.StageAttempts, th.Resources)
	for i, q := range stmts {
		if _, err := s.db.Exec(q); err != nil {
			logger.Error("failed to create table in schema setup", "error", err, "table_index", i+1)
			return fmt.Errorf("failed to create table %d in schema setup: %w", i+1, err)
		}
	}
	return nil
}

// CreateRun inserts a new run record
func (s *Store) CreateRun(th connector.TableNames, r connector.RunRecord) error {
	q := fmt.Sprintf(`INSERT INTO %s(id, pipeline, revision, target, status, error, created_at, finished_at)
		VALUES(?,?,?,?,?,?,?,?)`, th.Runs)
	_, err := s.db.Exec(q, r.ID, r.Pipeline, r.Revision, r.Target, r.Status, r.Error, r.CreatedAt, r.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", r.ID, err)
	}
	return nil
}

// UpdateRunStatus updates a run's status, error text and finish time
func (s *Store) UpdateRunStatus(th connector.TableNames, id, status string, errMsg *string, finishedAt *string) error {
	q := fmt.Sprintf(`UPDATE %s SET status = ?, error = ?, finished_at = ? WHERE id = ?`, th.Runs)
	res, err := s.db.Exec(q, status, errMsg, finishedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update run %s status: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// GetRun returns a single run record or nil when absent
func (s *Store) GetRun(th connector.TableNames, id string) (*connector.RunRecord, error) {
	q := fmt.Sprintf(`SELECT id, pipeline, revision, target, status, error, created_at, finished_at
		FROM %s WHERE id = ?`, th.Runs)
	var r connector.RunRecord
	var errStr, finishedAt sql.NullString
	err := s.db.QueryRow(q, id).Scan(&r.ID, &r.Pipeline, &r.Revision, &r.Target, &r.Status, &errStr, &r.CreatedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	if errStr.Valid {
		r.Error = &errStr.String
	}
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.String
	}
	return &r, nil
}

// ListRuns returns runs ordered by creation time
func (s *Store) ListRuns(th connector.TableNames) ([]connector.RunRecord, error) {
	q := fmt.Sprintf(`SELECT id, pipeline, revision, target, status, error, created_at, finished_at
		FROM %s ORDER BY created_at ASC`, th.Runs)
	rows, err := s.db.Query(q)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []connector.RunRecord
	for rows.Next() {
		var r connector.RunRecord
		var errStr, finishedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.Pipeline, &r.Revision, &r.Target, &r.Status, &errStr, &r.CreatedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if errStr.Valid {
			r.Error = &errStr.String
		}
		if finishedAt.Valid {
			r.FinishedAt = &finishedAt.String
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// InsertAttempt appends a stage attempt row and returns its id
func (s *Store) InsertAttempt(th connector.TableNames, a connector.AttemptRecord) (int, error) {
	outputsJSON, err := marshalOutputs(a.Outputs)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal outputs for stage %s: %w", a.Stage, err)
	}

	q := fmt.Sprintf(`INSERT INTO %s(run_id, stage, attempt, status, exit_code, output, outputs_json, started_at, finished_at)
		VALUES(?,?,?,?,?,?,?,?,?)`, th.StageAttempts)
	res, err := s.db.Exec(q, a.RunID, a.Stage, a.Attempt, a.Status, a.ExitCode, a.Output, outputsJSON, a.StartedAt, a.FinishedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert attempt for stage %s: %w", a.Stage, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read attempt id: %w", err)
	}
	return int(id), nil
}

// FinishAttempt finalizes a previously inserted attempt row
func (s *Store) FinishAttempt(th connector.TableNames, id int, status string, exitCode int, output *string, outputs map[string]string, finishedAt string) error {
	outputsJSON, err := marshalOutputs(outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal outputs for attempt %d: %w", id, err)
	}

	q := fmt.Sprintf(`UPDATE %s SET status = ?, exit_code = ?, output = ?, outputs_json = ?, finished_at = ? WHERE id = ?`, th.StageAttempts)
	res, err := s.db.Exec(q, status, exitCode, output, outputsJSON, finishedAt, id)
	if err != nil {
		return fmt.Errorf("failed to finish attempt %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("attempt %d not found", id)
	}
	return nil
}

// ListAttempts returns all attempts of one run ordered by id
func (s *Store) ListAttempts(th connector.TableNames, runID string) ([]connector.AttemptRecord, error) {
	q := fmt.Sprintf(`SELECT id, run_id, stage, attempt, status, exit_code, output, outputs_json, started_at, finished_at
		FROM %s WHERE run_id = ? ORDER BY id ASC`, th.StageAttempts)
	rows, err := s.db.Query(q, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts for run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var attempts []connector.AttemptRecord
	for rows.Next() {
		var a connector.AttemptRecord
		var output, outputsJSON, finishedAt sql.NullString
		if err := rows.Scan(&a.ID, &a.RunID, &a.Stage, &a.Attempt, &a.Status, &a.ExitCode, &output, &outputsJSON, &a.StartedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		if output.Valid {
			a.Output = &output.String
		}
		if finishedAt.Valid {
			a.FinishedAt = &finishedAt.String
		}
		a.Outputs = unmarshalOutputs(outputsJSON)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// AddResource records a provisioned resource and returns its id
func (s *Store) AddResource(th connector.TableNames, r connector.ResourceRecord) (int, error) {
	teardownJSON, err := json.Marshal(r.Teardown)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal teardown command: %w", err)
	}

	q := fmt.Sprintf(`INSERT INTO %s(run_id, type, resource_id, teardown_json, status, acknowledged, created_at, torn_down_at)
		VALUES(?,?,?,?,?,?,?,?)`, th.Resources)
	res, err := s.db.Exec(q, r.RunID, r.Type, r.ResourceID, string(teardownJSON), r.Status,
		s.dialect.ConvertBoolToStorage(r.Acknowledged), r.CreatedAt, r.TornDownAt)
	if err != nil {
		return 0, fmt.Errorf("failed to add resource %s: %w", r.ResourceID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read resource id: %w", err)
	}
	return int(id), nil
}

// SetResourceStatus updates a resource's lifecycle status
func (s *Store) SetResourceStatus(th connector.TableNames, id int, status string, tornDownAt *string) error {
	q := fmt.Sprintf(`UPDATE %s SET status = ?, torn_down_at = ? WHERE id = ?`, th.Resources)
	res, err := s.db.Exec(q, status, tornDownAt, id)
	if err != nil {
		return fmt.Errorf("failed to set resource %d status: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("resource %d not found", id)
	}
	return nil
}

// ListResources returns resources of one run ordered by id
func (s *Store) ListResources(th connector.TableNames, runID string) ([]connector.ResourceRecord, error) {
	q := fmt.Sprintf(`SELECT id, run_id, type, resource_id, teardown_json, status, acknowledged, created_at, torn_down_at
		FROM %s WHERE run_id = ? ORDER BY id ASC`, th.Resources)
	return s.scanResources(s.db.Query(q, runID))
}

// ListLeaked returns unacknowledged leaked resources across all runs
func (s *Store) ListLeaked(th connector.TableNames) ([]connector.ResourceRecord, error) {
	q := fmt.Sprintf(`SELECT id, run_id, type, resource_id, teardown_json, status, acknowledged, created_at, torn_down_at
		FROM %s WHERE status = ? AND acknowledged = 0 ORDER BY id ASC`, th.Resources)
	return s.scanResources(s.db.Query(q, connector.ResourceStatusLeaked))
}

// AcknowledgeLeak marks a leaked resource as acknowledged by an operator
func (s *Store) AcknowledgeLeak(th connector.TableNames, id int) error {
	q := fmt.Sprintf(`UPDATE %s SET acknowledged = 1 WHERE id = ? AND status = ? AND acknowledged = 0`, th.Resources)
	res, err := s.db.Exec(q, id, connector.ResourceStatusLeaked)
	if err != nil {
		return fmt.Errorf("failed to acknowledge leak %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("leaked resource %d not found", id)
	}
	return nil
}

func (s *Store) scanResources(rows *sql.Rows, err error) ([]connector.ResourceRecord, error) {
	if err != nil {
		return nil, fmt.Errorf("failed to query resources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var resources []connector.ResourceRecord
	for rows.Next() {
		var r connector.ResourceRecord
		var teardownJSON string
		var acknowledged int64
		var tornDownAt sql.NullString
		if err := rows.Scan(&r.ID, &r.RunID, &r.Type, &r.ResourceID, &teardownJSON, &r.Status, &acknowledged, &r.CreatedAt, &tornDownAt); err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		if tornDownAt.Valid {
			r.TornDownAt = &tornDownAt.String
		}
		r.Acknowledged = s.dialect.ConvertBoolFromStorage(acknowledged)
		if teardownJSON != "" {
			_ = json.Unmarshal([]byte(teardownJSON), &r.Teardown)
		}
		resources = append(resources, r)
	}
	return resources, rows.Err()
}

func marshalOutputs(outputs map[string]string) (*string, error) {
	if len(outputs) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(outputs)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func unmarshalOutputs(v sql.NullString) map[string]string {
	out := map[string]string{}
	if v.Valid && v.String != "" {
		_ = json.Unmarshal([]byte(v.String), &out)
	}
	return out
}
