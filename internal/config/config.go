// Package config implements A2's file side: a thin YAML config reader for
// the run-wide settings a BenchmarkModule/Driver needs. Grounded on the
// teacher's own buildArgs (nStangl-crdv/benchmarks/main.go), generalized
// from one benchmark-specific struct into the engine's DBType/isolation/
// terminal settings plus an opaque per-benchmark-module payload.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"oltpgo/internal/types"
)

// File is the top-level shape of a run's YAML config file.
type File struct {
	Benchmark           string `yaml:"benchmark"`
	Connection          string `yaml:"connection"`
	DBType              string `yaml:"dbType"`
	Isolation           string `yaml:"isolation"`
	Terminals           int    `yaml:"terminals"`
	WarmupSeconds       int    `yaml:"warmupSeconds"`
	MeasureSeconds      int    `yaml:"measureSeconds"`
	RecordAbortMessages bool   `yaml:"recordAbortMessages"`
	LogLevel            string `yaml:"logLevel"`

	// Raw is the undecoded file contents, handed to benchmark-module
	// factories that need their own config fields deserialized from the
	// same file (the teacher's FileData/getBenchmarkFactory idiom).
	Raw []byte `yaml:"-"`
}

// Load reads and parses path.
func Load(path string) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("config: no config file given")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	f := &File{}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	f.Raw = data
	return f, nil
}

// DatabaseType maps the config file's dbType string to types.DatabaseType.
func (f *File) DatabaseType() (types.DatabaseType, error) {
	switch f.DBType {
	case "postgres", "postgresql":
		return types.Postgres, nil
	case "cockroachdb", "cockroach":
		return types.CockroachDB, nil
	case "mysql":
		return types.MySQL, nil
	case "mariadb":
		return types.MariaDB, nil
	case "sqlserver":
		return types.SQLServer, nil
	case "oracle":
		return types.Oracle, nil
	case "db2":
		return types.DB2, nil
	default:
		return types.UnknownDB, fmt.Errorf("config: unknown dbType %q", f.DBType)
	}
}

// IsolationLevel maps the config file's isolation string to a
// types.IsolationLevel, defaulting to READ COMMITTED when unset.
func (f *File) IsolationLevel() types.IsolationLevel {
	switch f.Isolation {
	case "REPEATABLE READ":
		return types.RepeatableRead
	case "SERIALIZABLE":
		return types.Serializable
	case "", "READ COMMITTED":
		return types.ReadCommitted
	default:
		return types.ReadCommitted
	}
}
