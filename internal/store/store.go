package store

import (
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"

	"schema-poller/internal/config"
)

// Open opens a connection pool for the configured store. Connections are
// established lazily; callers check out one connection per call.
func Open(cfg *config.StoreConfig) (*sql.DB, error) {
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(2) // one for the cycle lock, one for the current call
	db.SetMaxIdleConns(1)
	return db, nil
}

// DSN builds the driver-specific data source name.
func DSN(cfg *config.StoreConfig) (string, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	switch cfg.Driver {
	case config.DriverSQLServer:
		q := url.Values{}
		q.Set("database", cfg.Database)
		q.Set("encrypt", "true")
		if cfg.Timeout > 0 {
			q.Set("connection timeout", strconv.Itoa(int(cfg.Timeout.Seconds())))
		}
		for k, v := range cfg.Params {
			q.Set(k, v)
		}
		u := url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(cfg.User, cfg.Password),
			Host:     addr,
			RawQuery: q.Encode(),
		}
		return u.String(), nil

	case config.DriverMySQL:
		mc := mysql.NewConfig()
		mc.User = cfg.User
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = addr
		mc.DBName = cfg.Database
		mc.ParseTime = true
		mc.Timeout = cfg.Timeout
		if len(cfg.Params) > 0 {
			mc.Params = make(map[string]string, len(cfg.Params))
			for k, v := range cfg.Params {
				mc.Params[k] = v
			}
		}
		return mc.FormatDSN(), nil

	case config.DriverPostgres:
		q := url.Values{}
		for k, v := range cfg.Params {
			q.Set(k, v)
		}
		if cfg.Timeout > 0 && q.Get("connect_timeout") == "" {
			q.Set("connect_timeout", strconv.Itoa(int(cfg.Timeout.Seconds())))
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(cfg.User, cfg.Password),
			Host:     addr,
			Path:     "/" + cfg.Database,
			RawQuery: q.Encode(),
		}
		return u.String(), nil
	}
	return "", fmt.Errorf("unsupported store driver %q", cfg.Driver)
}

// Placeholder returns the bind parameter marker for position n (1-based).
func Placeholder(driver string, n int) string {
	switch driver {
	case config.DriverPostgres:
		return "$" + strconv.Itoa(n)
	case config.DriverSQLServer:
		return "@p" + strconv.Itoa(n)
	}
	return "?"
}

func fetchStatement(cfg *config.StoreConfig) string {
	switch cfg.Driver {
	case config.DriverPostgres:
		return fmt.Sprintf("SELECT * FROM %s()", cfg.FetchProcedure)
	case config.DriverSQLServer:
		return fmt.Sprintf("EXEC %s", cfg.FetchProcedure)
	}
	return fmt.Sprintf("CALL %s()", cfg.FetchProcedure)
}

func markStatement(cfg *config.StoreConfig) string {
	switch cfg.Driver {
	case config.DriverPostgres:
		return fmt.Sprintf("SELECT %s($1, $2)", cfg.MarkProcedure)
	case config.DriverSQLServer:
		return fmt.Sprintf("EXEC %s @ChangeIds = @p1, @PipelineRunId = @p2", cfg.MarkProcedure)
	}
	return fmt.Sprintf("CALL %s(?, ?)", cfg.MarkProcedure)
}
