package constants

import (
	"net/http"
	"time"
)

// Database constants
const (
	// PostgreSQL defaults
	DefaultPostgresPort    = 5432
	DefaultPostgresSSLMode = "disable"

	// Default table names
	DefaultRunsTable          = "pipeline_runs"
	DefaultStageAttemptsTable = "stage_attempts"
	DefaultResourcesTable     = "provisioned_resources"

	// Table name suffixes when using prefixes
	RunsSuffix          = "_runs"
	StageAttemptsSuffix = "_stage_attempts"
	ResourcesSuffix     = "_resources"

	// Default sqlite filename for run history
	StoreDBFileName = "piperun.db"
)

// Wait gate defaults
const (
	DefaultWaitTimeout  = 60 * time.Second
	DefaultWaitInterval = 2 * time.Second
	DefaultWaitStatus   = http.StatusOK
	DefaultWaitMethod   = "GET"
)

// Executor defaults
const (
	DefaultMaxConcurrent = 2
	DefaultStageTimeout  = 30 * time.Minute
)
