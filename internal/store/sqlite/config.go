package sqlite

// SQLite configuration constants
const (
	busyTimeoutMS    = 5000
	foreignKeysParam = "_fk=1"
)

type Config struct {
	Path string
}

func (c *Config) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"path": c.Path,
	}
}
