package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	qt "github.com/frankban/quicktest"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"schema-poller/internal/config"
)

const mysqlRoutineQuery = "SELECT COUNT(*) FROM information_schema.routines " +
	"WHERE routine_schema = DATABASE() AND LOWER(routine_name) = LOWER(?)"

func newChecker(c *qt.C) (*Checker, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual),
		sqlmock.MonitorPingsOption(true),
	)
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() { db.Close() })

	cfg := &config.StoreConfig{
		Driver:         config.DriverMySQL,
		Host:           "db",
		Port:           3306,
		FetchProcedure: "GetUnprocessedSchemaChanges",
		MarkProcedure:  "MarkSchemaChangesProcessed",
		Timeout:        time.Second,
	}
	logger, _ := logtest.NewNullLogger()
	return NewChecker(db, cfg, logger), mock
}

func TestCheckSucceeds(t *testing.T) {
	c := qt.New(t)
	checker, mock := newChecker(c)

	mock.ExpectPing()
	mock.ExpectQuery(mysqlRoutineQuery).WithArgs("GetUnprocessedSchemaChanges").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(mysqlRoutineQuery).WithArgs("MarkSchemaChangesProcessed").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	c.Assert(checker.Check(context.Background()), qt.IsNil)
	c.Assert(mock.ExpectationsWereMet(), qt.IsNil)
}

func TestCheckMissingProcedure(t *testing.T) {
	c := qt.New(t)
	checker, mock := newChecker(c)

	mock.ExpectPing()
	mock.ExpectQuery(mysqlRoutineQuery).WithArgs("GetUnprocessedSchemaChanges").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(mysqlRoutineQuery).WithArgs("MarkSchemaChangesProcessed").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	err := checker.Check(context.Background())
	c.Assert(err, qt.ErrorMatches, "missing required procedures: MarkSchemaChangesProcessed")
}

func TestCheckSQLServerLooksUpProceduresByObjectID(t *testing.T) {
	c := qt.New(t)
	checker, mock := newChecker(c)
	checker.cfg.Driver = config.DriverSQLServer
	checker.cfg.FetchProcedure = "dbo.usp_GetUnprocessedSchemaChanges"
	checker.cfg.MarkProcedure = "dbo.usp_MarkSchemaChangesProcessed"

	query := "SELECT COUNT(*) FROM sys.objects WHERE object_id = OBJECT_ID(@p1) AND type = 'P'"
	mock.ExpectPing()
	mock.ExpectQuery(query).WithArgs("dbo.usp_GetUnprocessedSchemaChanges").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(query).WithArgs("dbo.usp_MarkSchemaChangesProcessed").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	err := checker.Check(context.Background())
	c.Assert(err, qt.ErrorMatches, "missing required procedures: dbo.usp_MarkSchemaChangesProcessed")
	c.Assert(mock.ExpectationsWereMet(), qt.IsNil)
}

func TestRoutineQueryScopedToCurrentSchema(t *testing.T) {
	c := qt.New(t)
	c.Assert(routineQuery(config.DriverMySQL), qt.Contains, "routine_schema = DATABASE()")
	c.Assert(routineQuery(config.DriverPostgres), qt.Contains, "routine_schema = current_schema()")
	c.Assert(routineQuery(config.DriverPostgres), qt.Contains, "LOWER($1)")
	c.Assert(routineQuery(config.DriverSQLServer), qt.Contains, "OBJECT_ID(@p1)")
}

func TestCheckPingFails(t *testing.T) {
	c := qt.New(t)
	checker, mock := newChecker(c)

	mock.ExpectPing().WillReturnError(context.DeadlineExceeded)

	err := checker.Check(context.Background())
	c.Assert(err, qt.ErrorIs, ErrStoreUnavailable)
}

func TestDSN(t *testing.T) {
	c := qt.New(t)

	dsn, err := DSN(&config.StoreConfig{
		Driver:   config.DriverMySQL,
		Host:     "db.internal",
		Port:     3306,
		User:     "poller",
		Password: "s3cret",
		Database: "app",
	})
	c.Assert(err, qt.IsNil)
	c.Assert(dsn, qt.Equals, "poller:s3cret@tcp(db.internal:3306)/app?parseTime=true")

	dsn, err = DSN(&config.StoreConfig{
		Driver:   config.DriverPostgres,
		Host:     "pg",
		Port:     5432,
		User:     "poller",
		Password: "p@ss",
		Database: "app",
		Params:   map[string]string{"sslmode": "require"},
		Timeout:  5 * time.Second,
	})
	c.Assert(err, qt.IsNil)
	c.Assert(dsn, qt.Equals, "postgres://poller:p%40ss@pg:5432/app?connect_timeout=5&sslmode=require")

	dsn, err = DSN(&config.StoreConfig{
		Driver:   config.DriverSQLServer,
		Host:     "db",
		Port:     1433,
		User:     "poller",
		Password: "s3cret",
		Database: "app",
		Timeout:  30 * time.Second,
	})
	c.Assert(err, qt.IsNil)
	c.Assert(dsn, qt.Equals, "sqlserver://poller:s3cret@db:1433?connection+timeout=30&database=app&encrypt=true")

	dsn, err = DSN(&config.StoreConfig{
		Driver:   config.DriverSQLServer,
		Host:     "localhost",
		Port:     1433,
		User:     "sa",
		Database: "app",
		Params:   map[string]string{"encrypt": "disable"},
	})
	c.Assert(err, qt.IsNil)
	c.Assert(dsn, qt.Equals, "sqlserver://sa:@localhost:1433?database=app&encrypt=disable")

	_, err = DSN(&config.StoreConfig{Driver: "sqlite"})
	c.Assert(err, qt.ErrorMatches, `unsupported store driver "sqlite"`)
}
