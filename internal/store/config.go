package store

import "github.com/Ram-1405/piperun/internal/store/connector"

const (
	DriverSqlite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Driver       string `mapstructure:"driver"`
	TableNames   connector.TableNames
	DriverConfig DriverConfig
}

type DriverConfig interface {
	ToMap() map[string]interface{}
}
