package piperun

import (
	"context"

	"github.com/Ram-1405/piperun/internal/common"
	"github.com/Ram-1405/piperun/internal/constants"
	"github.com/Ram-1405/piperun/internal/env"
	"github.com/Ram-1405/piperun/internal/executor"
	"github.com/Ram-1405/piperun/internal/graph"
	"github.com/Ram-1405/piperun/internal/notify"
	"github.com/Ram-1405/piperun/internal/pipeline"
	"github.com/Ram-1405/piperun/internal/resource"
	"github.com/Ram-1405/piperun/internal/store"
	"github.com/Ram-1405/piperun/internal/store/connector"
	"github.com/Ram-1405/piperun/internal/store/postgresql"
	"github.com/Ram-1405/piperun/internal/store/sqlite"
)

// Re-export commonly used types for public API

// Env is the environment layering structure used when rendering commands.
type Env = env.Env

// Pipeline is a parsed and validated pipeline definition.
type Pipeline = pipeline.Pipeline

// Stage is one named unit of work inside a pipeline.
type Stage = pipeline.Stage

// CycleError reports a dependency cycle in the stage graph.
type CycleError = graph.CycleError

// UnknownDependencyError reports a depends_on entry naming no stage.
type UnknownDependencyError = graph.UnknownDependencyError

// LoadPipeline reads and validates a pipeline definition file.
func LoadPipeline(path string) (*Pipeline, error) { return pipeline.Load(path) }

// Store persists runs, stage attempts and provisioned resources.
type Store = store.Store

// Run is the persisted record of one pipeline execution.
type Run = store.Run

// Attempt is the persisted record of one stage command invocation.
type Attempt = store.Attempt

// Resource is the persisted record of one provisioned resource.
type Resource = store.Resource

// StoreConfig selects and configures the run history backend.
type StoreConfig = store.Config

// TableNames customizes the table names used by the store.
type TableNames = connector.TableNames

// SqliteConfig configures the sqlite backend.
type SqliteConfig = sqlite.Config

// PostgresConfig configures the postgresql backend.
type PostgresConfig = postgresql.Config

const (
	DriverSqlite   = store.DriverSqlite
	DriverPostgres = store.DriverPostgres
)

// ConnectStore opens a store for the configured driver and ensures its schema.
func ConnectStore(cfg StoreConfig) (*Store, error) { return store.Connect(cfg) }

// Engine executes a pipeline's stage graph against a store.
type Engine = executor.Engine

// EngineOptions carries run metadata such as revision and target.
type EngineOptions = executor.Options

// NewEngine builds an engine for a validated pipeline.
func NewEngine(pl *Pipeline, st *Store, opts EngineOptions) (*Engine, error) {
	return executor.NewEngine(pl, st, opts)
}

// Tracker follows provisioned resources through their lifecycle.
type Tracker = resource.Tracker

// TeardownReport summarizes one teardown pass.
type TeardownReport = resource.Report

// TeardownRun destroys the active resources of a run in reverse creation
// order, rendering teardown commands with the pipeline's global env.
func TeardownRun(ctx context.Context, pl *Pipeline, st *Store, runID string) (*TeardownReport, error) {
	eng, err := executor.NewEngine(pl, st, executor.Options{})
	if err != nil {
		return nil, err
	}
	base := env.New()
	for k, v := range pl.Global.Env {
		base.SetString("global", k, v)
	}
	return eng.Tracker().Teardown(ctx, runID, base)
}

// NotifyConfig describes the optional run completion webhook.
type NotifyConfig = notify.Config

// NotifyRunFinished delivers a completion webhook for a finished run.
func NotifyRunFinished(ctx context.Context, cfg NotifyConfig, run *Run) {
	notify.New(cfg).RunFinished(ctx, run)
}

// Logger is the structured logger used across the module.
type Logger = common.Logger

// LogLevel selects the logger verbosity.
type LogLevel = common.LogLevel

const (
	LogLevelError = common.LogLevelError
	LogLevelWarn  = common.LogLevelWarn
	LogLevelInfo  = common.LogLevelInfo
	LogLevelDebug = common.LogLevelDebug
)

// NewLogger creates a text logger at the given level.
func NewLogger(level LogLevel) *Logger { return common.NewLogger(level) }

// NewJSONLogger creates a JSON logger at the given level.
func NewJSONLogger(level LogLevel) *Logger { return common.NewJSONLogger(level) }

// NewColorLogger creates a colorized text logger at the given level.
func NewColorLogger(level LogLevel) *Logger { return common.NewColorLogger(level) }

// SetDefaultLogger replaces the process-wide default logger.
func SetDefaultLogger(l *Logger) { common.SetDefaultLogger(l) }

// StoreDBFileName is the default sqlite filename used for run history.
const StoreDBFileName = constants.StoreDBFileName
