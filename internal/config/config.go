package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Lock     LockConfig     `yaml:"lock"`
	Schedule ScheduleConfig `yaml:"schedule"`
	NATS     NATSConfig     `yaml:"nats"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type StoreConfig struct {
	Driver         string            `yaml:"driver"` // sqlserver, mysql, postgres
	Host           string            `yaml:"host"`
	Port           int               `yaml:"port"`
	User           string            `yaml:"user"`
	Password       string            `yaml:"password"`
	Database       string            `yaml:"database"`
	Params         map[string]string `yaml:"params"` // Extra DSN parameters (tls, sslmode, ...)
	FetchProcedure string            `yaml:"fetch_procedure"`
	MarkProcedure  string            `yaml:"mark_procedure"`
	Timeout        time.Duration     `yaml:"timeout"` // Applied to every store call
}

type PipelineConfig struct {
	BaseURL          string        `yaml:"base_url"`
	Organization     string        `yaml:"organization"`
	Project          string        `yaml:"project"`
	PipelineID       string        `yaml:"pipeline_id"`
	Token            string        `yaml:"token"` // Personal access token
	APIVersion       string        `yaml:"api_version"`
	RefName          string        `yaml:"ref_name"`
	Timeout          time.Duration `yaml:"timeout"`
	ParametersScript string        `yaml:"parameters_script"` // Optional JavaScript file
	// SendChangeSetHash adds the changeSetHash template parameter. The
	// pipeline must declare it, Azure DevOps rejects unknown parameters.
	SendChangeSetHash bool `yaml:"send_change_set_hash"`
}

type LockConfig struct {
	Kind    string        `yaml:"kind"` // local, database, none
	Name    string        `yaml:"name"`
	Timeout time.Duration `yaml:"timeout"`
	Delay   time.Duration `yaml:"delay"` // Poll interval while waiting for the lock
}

type ScheduleConfig struct {
	Interval         time.Duration `yaml:"interval"`
	RunOnStartup     bool          `yaml:"run_on_startup"`
	PastDueTolerance time.Duration `yaml:"past_due_tolerance"`
}

type NATSConfig struct {
	URL           string        `yaml:"url"` // Empty disables cycle notifications
	Subject       string        `yaml:"subject"`
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url"` // Empty disables pushing
	Job            string `yaml:"job"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

const (
	DriverSQLServer = "sqlserver"
	DriverMySQL     = "mysql"
	DriverPostgres  = "postgres"

	LockLocal    = "local"
	LockDatabase = "database"
	LockNone     = "none"
)

// envOverrides maps environment variables onto config fields. The names match
// the ones used by existing deployments of the poller.
var envOverrides = []struct {
	name  string
	apply func(c *Config, v string) error
}{
	{"SQL_DRIVER", func(c *Config, v string) error { c.Store.Driver = v; return nil }},
	{"SQL_SERVER", func(c *Config, v string) error { c.Store.Host = v; return nil }},
	{"SQL_PORT", func(c *Config, v string) error {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SQL_PORT %q: %w", v, err)
		}
		c.Store.Port = port
		return nil
	}},
	{"SQL_DATABASE", func(c *Config, v string) error { c.Store.Database = v; return nil }},
	{"SQL_USER", func(c *Config, v string) error { c.Store.User = v; return nil }},
	{"SQL_PASSWORD", func(c *Config, v string) error { c.Store.Password = v; return nil }},
	{"ADO_ORGANIZATION", func(c *Config, v string) error { c.Pipeline.Organization = v; return nil }},
	{"ADO_PROJECT", func(c *Config, v string) error { c.Pipeline.Project = v; return nil }},
	{"ADO_PIPELINE_ID", func(c *Config, v string) error { c.Pipeline.PipelineID = v; return nil }},
	{"ADO_PAT", func(c *Config, v string) error { c.Pipeline.Token = v; return nil }},
}

// LoadConfig reads the YAML file at path, applies environment overrides (a .env
// file next to the working directory is loaded first if present) and fills in
// defaults. A missing config file is not an error when the environment
// provides everything.
func LoadConfig(path string) (*Config, error) {
	var config Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// godotenv never overrides variables that are already set.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	config.setDefaults()
	return &config, nil
}

func (c *Config) applyEnv() error {
	for _, o := range envOverrides {
		v, ok := os.LookupEnv(o.name)
		if !ok || v == "" {
			continue
		}
		if err := o.apply(c, v); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLServer
	}
	c.Store.Driver = strings.ToLower(c.Store.Driver)

	port, fetch, mark := 1433, "dbo.usp_GetUnprocessedSchemaChanges", "dbo.usp_MarkSchemaChangesProcessed"
	switch c.Store.Driver {
	case DriverMySQL:
		port, fetch, mark = 3306, "GetUnprocessedSchemaChanges", "MarkSchemaChangesProcessed"
	case DriverPostgres:
		port, fetch, mark = 5432, "get_unprocessed_schema_changes", "mark_schema_changes_processed"
	}
	if c.Store.Port == 0 {
		c.Store.Port = port
	}
	if c.Store.FetchProcedure == "" {
		c.Store.FetchProcedure = fetch
	}
	if c.Store.MarkProcedure == "" {
		c.Store.MarkProcedure = mark
	}
	if c.Store.Timeout == 0 {
		c.Store.Timeout = 30 * time.Second
	}

	if c.Pipeline.BaseURL == "" {
		c.Pipeline.BaseURL = "https://dev.azure.com"
	}
	if c.Pipeline.APIVersion == "" {
		c.Pipeline.APIVersion = "7.0"
	}
	if c.Pipeline.RefName == "" {
		c.Pipeline.RefName = "refs/heads/main"
	}
	if c.Pipeline.Timeout == 0 {
		c.Pipeline.Timeout = 30 * time.Second
	}

	if c.Lock.Kind == "" {
		c.Lock.Kind = LockLocal
	}
	if c.Lock.Name == "" {
		c.Lock.Name = "schema-change-poller"
	}
	if c.Lock.Timeout == 0 {
		c.Lock.Timeout = 10 * time.Second
	}
	if c.Lock.Delay == 0 {
		c.Lock.Delay = 250 * time.Millisecond
	}

	if c.Schedule.Interval == 0 {
		c.Schedule.Interval = 2 * time.Minute
	}
	if c.Schedule.PastDueTolerance == 0 {
		c.Schedule.PastDueTolerance = 5 * time.Second
	}

	if c.NATS.Subject == "" {
		c.NATS.Subject = "schemachanges.cycles"
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}

	if c.Metrics.Job == "" {
		c.Metrics.Job = "schema_change_poller"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate reports the first missing or inconsistent setting.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLServer, DriverMySQL, DriverPostgres:
	default:
		return fmt.Errorf("unsupported store driver %q", c.Store.Driver)
	}
	if c.Store.Host == "" {
		return fmt.Errorf("store host is required (store.host or SQL_SERVER)")
	}
	if c.Store.Database == "" {
		return fmt.Errorf("store database is required (store.database or SQL_DATABASE)")
	}
	if c.Store.User == "" {
		return fmt.Errorf("store user is required (store.user or SQL_USER)")
	}

	if c.Pipeline.Organization == "" || c.Pipeline.Project == "" || c.Pipeline.PipelineID == "" {
		return fmt.Errorf("pipeline organization, project and pipeline_id are required")
	}
	if c.Pipeline.Token == "" {
		return fmt.Errorf("pipeline token is required (pipeline.token or ADO_PAT)")
	}

	switch c.Lock.Kind {
	case LockLocal, LockDatabase, LockNone:
	default:
		return fmt.Errorf("unsupported lock kind %q", c.Lock.Kind)
	}
	if c.Schedule.Interval < 0 {
		return fmt.Errorf("schedule interval must be positive")
	}
	return nil
}
