package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Ram-1405/piperun"
	"github.com/Ram-1405/piperun/internal/constants"
	"github.com/Ram-1405/piperun/internal/notify"
	"github.com/Ram-1405/piperun/internal/server"
	"gopkg.in/yaml.v3"
)

type SQLiteStoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type PostgresStoreConfig struct {
	DSN      string `mapstructure:"dsn" yaml:"dsn"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	DBName   string `mapstructure:"dbname" yaml:"dbname"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

type LoggingConfig struct {
	Level         string `mapstructure:"level" yaml:"level"`                   // error, warn, info, debug
	Format        string `mapstructure:"format" yaml:"format"`                 // text, json, color
	MaskSensitive *bool  `mapstructure:"mask_sensitive" yaml:"mask_sensitive"` // enable/disable sensitive data masking
	Color         *bool  `mapstructure:"color" yaml:"color"`                   // enable/disable colorized output
}

type StoreConfig struct {
	Type     string              `mapstructure:"type" yaml:"type"`
	SQLite   SQLiteStoreConfig   `mapstructure:"sqlite" yaml:"sqlite"`
	Postgres PostgresStoreConfig `mapstructure:"postgres" yaml:"postgres"`
	// Optional table name customization
	TablePrefix        string `mapstructure:"table_prefix" yaml:"table_prefix"`
	TableRuns          string `mapstructure:"table_runs" yaml:"table_runs"`
	TableStageAttempts string `mapstructure:"table_stage_attempts" yaml:"table_stage_attempts"`
	TableResources     string `mapstructure:"table_resources" yaml:"table_resources"`
}

// ToStoreOptions maps the config file's store section onto the library's
// store configuration. The sqlite backend is the default.
func (c *StoreConfig) ToStoreOptions() *piperun.StoreConfig {
	tableNames := c.deriveTableNames()

	if strings.ToLower(strings.TrimSpace(c.Type)) == piperun.DriverPostgres {
		return c.createPostgresStoreConfig(tableNames)
	}
	return c.createSqliteStoreConfig(tableNames)
}

func (c *StoreConfig) deriveTableNames() piperun.TableNames {
	prefix := strings.TrimSpace(c.TablePrefix)
	runs := strings.TrimSpace(c.TableRuns)
	attempts := strings.TrimSpace(c.TableStageAttempts)
	resources := strings.TrimSpace(c.TableResources)

	if prefix != "" {
		if runs == "" {
			runs = prefix + constants.RunsSuffix
		}
		if attempts == "" {
			attempts = prefix + constants.StageAttemptsSuffix
		}
		if resources == "" {
			resources = prefix + constants.ResourcesSuffix
		}
	}

	return piperun.TableNames{Runs: runs, StageAttempts: attempts, Resources: resources}
}

func (c *StoreConfig) createPostgresStoreConfig(tableNames piperun.TableNames) *piperun.StoreConfig {
	pg := &piperun.PostgresConfig{
		DSN:      strings.TrimSpace(c.Postgres.DSN),
		Host:     strings.TrimSpace(c.Postgres.Host),
		Port:     c.Postgres.Port,
		User:     strings.TrimSpace(c.Postgres.User),
		Password: strings.TrimSpace(c.Postgres.Password),
		DBName:   strings.TrimSpace(c.Postgres.DBName),
		SSLMode:  strings.TrimSpace(c.Postgres.SSLMode),
	}
	return &piperun.StoreConfig{
		Driver:       piperun.DriverPostgres,
		TableNames:   tableNames,
		DriverConfig: pg,
	}
}

func (c *StoreConfig) createSqliteStoreConfig(tableNames piperun.TableNames) *piperun.StoreConfig {
	path := strings.TrimSpace(c.SQLite.Path)
	if path == "" {
		path = piperun.StoreDBFileName
	}
	return &piperun.StoreConfig{
		Driver:       piperun.DriverSqlite,
		TableNames:   tableNames,
		DriverConfig: &piperun.SqliteConfig{Path: path},
	}
}

type ConfigDoc struct {
	Pipeline string        `mapstructure:"pipeline" yaml:"pipeline"`
	Store    StoreConfig   `mapstructure:"store" yaml:"store"`
	Logging  LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Server   server.Config `mapstructure:"server" yaml:"server"`
	Notify   notify.Config `mapstructure:"notify" yaml:"notify"`
}

func (c *ConfigDoc) Load(path string) error {
	clean := filepath.Clean(path)
	// Ensure path points to a regular file to avoid opening directories/special files
	if info, statErr := os.Stat(clean); statErr != nil || !info.Mode().IsRegular() {
		if statErr != nil {
			return statErr
		}
		return fmt.Errorf("not a regular file: %s", clean)
	}
	// #nosec G304 -- config path is provided intentionally by the user/CI; cleaned and validated above
	f, err := os.Open(clean)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	dec := yaml.NewDecoder(f)
	return dec.Decode(c)
}

func (c *ConfigDoc) parseLogLevel() (piperun.LogLevel, error) {
	level := strings.ToLower(strings.TrimSpace(c.Logging.Level))
	switch level {
	case "error":
		return piperun.LogLevelError, nil
	case "warn", "warning":
		return piperun.LogLevelWarn, nil
	case "info", "":
		return piperun.LogLevelInfo, nil
	case "debug":
		return piperun.LogLevelDebug, nil
	default:
		return piperun.LogLevelInfo, fmt.Errorf("invalid logging level: %s (valid: error, warn, info, debug)", c.Logging.Level)
	}
}

// SetupLogging configures the global logger based on config settings
func (c *ConfigDoc) SetupLogging() error {
	level, err := c.parseLogLevel()
	if err != nil {
		return err
	}

	var logger *piperun.Logger
	format := strings.ToLower(strings.TrimSpace(c.Logging.Format))

	useColor := false
	if c.Logging.Color != nil {
		useColor = *c.Logging.Color
	} else if format == "color" || format == "colour" {
		useColor = true
	}

	switch format {
	case "json":
		logger = piperun.NewJSONLogger(level)
	case "color", "colour":
		logger = piperun.NewColorLogger(level)
	case "text", "":
		if useColor {
			logger = piperun.NewColorLogger(level)
		} else {
			logger = piperun.NewLogger(level)
		}
	default:
		return fmt.Errorf("invalid logging format: %s (valid: text, json, color)", c.Logging.Format)
	}

	maskingEnabled := true
	if c.Logging.MaskSensitive != nil {
		maskingEnabled = *c.Logging.MaskSensitive
	}
	logger.EnableMasking(maskingEnabled)

	piperun.SetDefaultLogger(logger)

	logger.Debug("logging configured",
		"level", level.String(), "format", format, "color", useColor, "mask_sensitive", maskingEnabled)
	return nil
}

// loadConfig reads the config file named by viper and applies its logging
// section. Commands call this before touching the pipeline or store.
func loadConfig(path string) (*ConfigDoc, error) {
	cfg := &ConfigDoc{}
	if err := cfg.Load(path); err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	if err := cfg.SetupLogging(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Pipeline) == "" {
		return nil, fmt.Errorf("config %s: pipeline path is required", path)
	}
	if cfg.Server.PipelinePath == "" {
		cfg.Server.PipelinePath = cfg.Pipeline
	}
	return cfg, nil
}

// openStore connects the configured run history backend.
func openStore(cfg *ConfigDoc) (*piperun.Store, error) {
	return piperun.ConnectStore(*cfg.Store.ToStoreOptions())
}
