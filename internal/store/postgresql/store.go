package postgresql

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

// NewStore creates a new PostgreSQL store
func NewStore() *Store {
	return &Store{
		dialect: NewDialect(),
	}
}

// Load loads configuration into the PostgreSQL store
func (p *Store) Load(config map[string]interface{}) error {
	var c struct {
		DSN string `mapstructure:"dsn"`
	}
	if err := mapstructure.Decode(config, &c); err != nil {
		return err
	}
	if c.DSN != "" {
		p.DSN = c.DSN
	}
	return nil
}

// Validate checks that enough configuration was provided to connect
func (p *Store) Validate() error {
	if p.DSN == "" {
		return errors.New("postgresql: missing dsn")
	}
	return nil
}

// Connect establishes a connection to PostgreSQL
func (p *Store) Connect() (*sql.DB, error) {
	db, err := p.dialect.Connect(p.DSN)
	if err != nil {
		return nil, err
	}
	p.db = db

	logger := common.GetLogger().WithStore("postgresql")
	logger.Debug("PostgreSQL database connection established")
	return db, nil
}

// Close closes the database connection
func (p *Store) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// Ensure creates the necessary tables using PostgreSQL-specific schema
func (p *Store) Ensure(th connector.TableNames) error {
	logger := common.GetLogger().WithStore("postgresql")
	logger.Debug("ensuring PostgreSQL database schema",
		"tables", []string{th.Runs, th.StageAttempts, th.Resources})

	stmts := p.dialect.GetEnsureStatements(th.Runs, th.StageAttempts, th.Resources)
	for i, q := range stmts {
		if _, err := p.db.Exec(q); err != nil {
			logger.Error("failed to create table in schema setup", "error", err, "table_index", i+1)
			return fmt.Errorf("failed to create table %d in schema setup: %w", i+1, err)
		}
	}
	return nil
}

// CreateRun inserts a new run record
func (p *Store) CreateRun(th connector.TableNames, r connector.RunRecord) error {
	q := fmt.Sprintf(`INSERT INTO %s(id, pipeline, revision, target, status, error, created_at, finished_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)`, th.Runs)
	_, err := p.db.Exec(q, r.ID, r.Pipeline, r.Revision, r.Target, r.Status, r.Error, r.CreatedAt, r.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", r.ID, err)
	}
	return nil
}

// UpdateRunStatus updates a run's status, error text and finish time
func (p *Store) UpdateRunStatus(th connector.TableNames, id, status string, errMsg *string, finishedAt *string) error {
	q := fmt.Sprintf(`UPDATE %s SET status = $1, error = $2, finished_at = $3 WHERE id = $4`, th.Runs)
	res, err := p.db.Exec(q, status, errMsg, finishedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update run %s status: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// GetRun returns a single run record or nil when absent
func (p *Store) GetRun(th connector.TableNames, id string) (*connector.RunRecord, error) {
	q := fmt.Sprintf(`SELECT id, pipeline, revision, target, status, error, created_at, finished_at
		FROM %s WHERE id = $1`, th.Runs)
	var r connector.RunRecord
	var errStr, finishedAt sql.NullString
	err := p.db.QueryRow(q, id).Scan(&r.ID, &r.Pipeline, &r.Revision, &r.Target, &r.Status, &errStr, &r.CreatedAt, &finishedAt)
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
func (p *Store) ListRuns(th connector.TableNames) ([]connector.RunRecord, error) {
	q := fmt.Sprintf(`SELECT id, pipeline, revision, target, status, error, created_at, finished_at
		FROM %s ORDER BY created_at ASC`, th.Runs)
	rows, err := p.db.Query(q)
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
func (p *Store) InsertAttempt(th connector.TableNames, a connector.AttemptRecord) (int, error) {
	outputsJSON, err := marshalOutputs(a.Outputs)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal outputs for stage %s: %w", a.Stage, err)
	}

	q := fmt.Sprintf(`INSERT INTO %s(run_id, stage, attempt, status, exit_code, output, outputs_json, started_at, finished_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`, th.StageAttempts)
	var id int
	err = p.db.QueryRow(q, a.RunID, a.Stage, a.Attempt, a.Status, a.ExitCode, a.Output, outputsJSON, a.StartedAt, a.FinishedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert attempt for stage %s: %w", a.Stage, err)
	}
	return id, nil
}

// FinishAttempt finalizes a previously inserted attempt row
func (p *Store) FinishAttempt(th connector.TableNames, id int, status string, exitCode int, output *string, outputs map[string]string, finishedAt string) error {
	outputsJSON, err := marshalOutputs(outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal outputs for attempt %d: %w", id, err)
	}

	q := fmt.Sprintf(`UPDATE %s SET status = $1, exit_code = $2, output = $3, outputs_json = $4, finished_at = $5 WHERE id = $6`, th.StageAttempts)
	res, err := p.db.Exec(q, status, exitCode, output, outputsJSON, finishedAt, id)
	if err != nil {
		return fmt.Errorf("failed to finish attempt %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("attempt %d not found", id)
	}
	return nil
}

// ListAttempts returns all attempts of one run ordered by id
func (p *Store) ListAttempts(th connector.TableNames, runID string) ([]connector.AttemptRecord, error) {
	q := fmt.Sprintf(`SELECT id, run_id, stage, attempt, status, exit_code, output, outputs_json, started_at, finished_at
		FROM %s WHERE run_id = $1 ORDER BY id ASC`, th.StageAttempts)
	rows, err := p.db.Query(q, runID)
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
func (p *Store) AddResource(th connector.TableNames, r connector.ResourceRecord) (int, error) {
	teardownJSON, err := json.Marshal(r.Teardown)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal teardown command: %w", err)
	}

	q := fmt.Sprintf(`INSERT INTO %s(run_id, type, resource_id, teardown_json, status, acknowledged, created_at, torn_down_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`, th.Resources)
	var id int
	err = p.db.QueryRow(q, r.RunID, r.Type, r.ResourceID, string(teardownJSON), r.Status, r.Acknowledged, r.CreatedAt, r.TornDownAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to add resource %s: %w", r.ResourceID, err)
	}
	return id, nil
}

// SetResourceStatus updates a resource's lifecycle status
func (p *Store) SetResourceStatus(th connector.TableNames, id int, status string, tornDownAt *string) error {
	q := fmt.Sprintf(`UPDATE %s SET status = $1, torn_down_at = $2 WHERE id = $3`, th.Resources)
	res, err := p.db.Exec(q, status, tornDownAt, id)
	if err != nil {
		return fmt.Errorf("failed to set resource %d status: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("resource %d not found", id)
	}
	return nil
}

// ListResources returns resources of one run ordered by id
func (p *Store) ListResources(th connector.TableNames, runID string) ([]connector.ResourceRecord, error) {
	q := fmt.Sprintf(`SELECT id, run_id, type, resource_id, teardown_json, status, acknowledged, created_at, torn_down_at
		FROM %s WHERE run_id = $1 ORDER BY id ASC`, th.Resources)
	return p.scanResources(p.db.Query(q, runID))
}

// ListLeaked returns unacknowledged leaked resources across all runs
func (p *Store) ListLeaked(th connector.TableNames) ([]connector.ResourceRecord, error) {
	q := fmt.Sprintf(`SELECT id, run_id, type, resource_id, teardown_json, status, acknowledged, created_at, torn_down_at
		FROM %s WHERE status = $1 AND acknowledged = FALSE ORDER BY id ASC`, th.Resources)
	return p.scanResources(p.db.Query(q, connector.ResourceStatusLeaked))
}

// AcknowledgeLeak marks a leaked resource as acknowledged by an operator
func (p *Store) AcknowledgeLeak(th connector.TableNames, id int) error {
	q := fmt.Sprintf(`UPDATE %s SET acknowledged = TRUE WHERE id = $1 AND status = $2 AND acknowledged = FALSE`, th.Resources)
	res, err := p.db.Exec(q, id, connector.ResourceStatusLeaked)
	if err != nil {
		return fmt.Errorf("failed to acknowledge leak %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("leaked resource %d not found", id)
	}
	return nil
}

func (p *Store) scanResources(rows *sql.Rows, err error) ([]connector.ResourceRecord, error) {
	if err != nil {
		return nil, fmt.Errorf("failed to query resources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var resources []connector.ResourceRecord
	for rows.Next() {
		var r connector.ResourceRecord
		var teardownJSON string
		var tornDownAt sql.NullString
		if err := rows.Scan(&r.ID, &r.RunID, &r.Type, &r.ResourceID, &teardownJSON, &r.Status, &r.Acknowledged, &r.CreatedAt, &tornDownAt); err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		if tornDownAt.Valid {
			r.TornDownAt = &tornDownAt.String
		}
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
