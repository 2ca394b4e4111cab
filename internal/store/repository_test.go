package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	qt "github.com/frankban/quicktest"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"schema-poller/internal/config"
)

var changeColumns = []string{
	"ChangeId", "SchemaName", "ObjectName", "ObjectType", "ChangeType", "ChangedBy", "ChangedAt",
}

func newRepository(c *qt.C, driver string) (*Repository, sqlmock.Sqlmock, *logtest.Hook) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() { db.Close() })

	cfg := &config.Config{Store: config.StoreConfig{Driver: driver}}
	cfg.Store.Timeout = time.Second
	switch driver {
	case config.DriverPostgres:
		cfg.Store.FetchProcedure = "get_unprocessed_schema_changes"
		cfg.Store.MarkProcedure = "mark_schema_changes_processed"
	case config.DriverSQLServer:
		cfg.Store.FetchProcedure = "dbo.usp_GetUnprocessedSchemaChanges"
		cfg.Store.MarkProcedure = "dbo.usp_MarkSchemaChangesProcessed"
	default:
		cfg.Store.FetchProcedure = "GetUnprocessedSchemaChanges"
		cfg.Store.MarkProcedure = "MarkSchemaChangesProcessed"
	}

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return NewRepository(db, &cfg.Store, logger), mock, hook
}

func TestFetchUnprocessedOrdersByChangedAtThenID(t *testing.T) {
	c := qt.New(t)
	repo, mock, _ := newRepository(c, config.DriverMySQL)

	t0 := time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery("CALL GetUnprocessedSchemaChanges()").WillReturnRows(
		sqlmock.NewRows(changeColumns).
			AddRow(int64(12), "dbo", "Invoices", "TABLE", "ALTER", "alice", t0.Add(time.Minute)).
			AddRow(int64(11), "dbo", "Orders", "TABLE", "CREATE", "bob", t0).
			AddRow(int64(10), "sales", "vCustomers", "VIEW", "ALTER", nil, t0),
	)

	changes, err := repo.FetchUnprocessed(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(changes, qt.HasLen, 3)
	c.Check(changes[0].ChangeID, qt.Equals, int64(10))
	c.Check(changes[0].ChangedBy, qt.Equals, "")
	c.Check(changes[0].QualifiedName(), qt.Equals, "sales.vCustomers")
	c.Check(changes[1].ChangeID, qt.Equals, int64(11))
	c.Check(changes[2].ChangeID, qt.Equals, int64(12))
	c.Check(changes[2].ChangedBy, qt.Equals, "alice")
	for _, ch := range changes {
		c.Check(ch.Processed, qt.IsFalse)
		c.Check(ch.PipelineRunID, qt.Equals, "")
	}
	c.Assert(mock.ExpectationsWereMet(), qt.IsNil)
}

func TestFetchUnprocessedEmpty(t *testing.T) {
	c := qt.New(t)
	repo, mock, _ := newRepository(c, config.DriverPostgres)

	mock.ExpectQuery("SELECT * FROM get_unprocessed_schema_changes()").
		WillReturnRows(sqlmock.NewRows(changeColumns))

	changes, err := repo.FetchUnprocessed(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(changes, qt.HasLen, 0)
	c.Assert(mock.ExpectationsWereMet(), qt.IsNil)
}

func TestFetchUnprocessedQueryFailed(t *testing.T) {
	c := qt.New(t)
	repo, mock, _ := newRepository(c, config.DriverMySQL)

	mock.ExpectQuery("CALL GetUnprocessedSchemaChanges()").
		WillReturnError(&mysql.MySQLError{Number: 1305, Message: "PROCEDURE does not exist"})

	_, err := repo.FetchUnprocessed(context.Background())
	c.Assert(errors.Is(err, ErrQueryFailed), qt.IsTrue)
	c.Assert(errors.Is(err, ErrStoreUnavailable), qt.IsFalse)
}

func TestFetchUnprocessedStoreUnavailable(t *testing.T) {
	c := qt.New(t)
	repo, mock, _ := newRepository(c, config.DriverMySQL)

	mock.ExpectQuery("CALL GetUnprocessedSchemaChanges()").WillReturnError(mysql.ErrInvalidConn)

	_, err := repo.FetchUnprocessed(context.Background())
	c.Assert(errors.Is(err, ErrStoreUnavailable), qt.IsTrue)
}

func TestFetchUnprocessedScanError(t *testing.T) {
	c := qt.New(t)
	repo, mock, _ := newRepository(c, config.DriverMySQL)

	mock.ExpectQuery("CALL GetUnprocessedSchemaChanges()").WillReturnRows(
		sqlmock.NewRows(changeColumns).
			AddRow("not-a-number", "dbo", "Orders", "TABLE", "CREATE", "bob", time.Now()),
	)

	_, err := repo.FetchUnprocessed(context.Background())
	c.Assert(errors.Is(err, ErrQueryFailed), qt.IsTrue)
	c.Assert(err, qt.ErrorMatches, `.*failed to scan schema change.*`)
}

func TestMarkProcessed(t *testing.T) {
	c := qt.New(t)
	repo, mock, hook := newRepository(c, config.DriverMySQL)

	mock.ExpectQuery("CALL MarkSchemaChangesProcessed(?, ?)").
		WithArgs("10,11,12", "RUN-1").
		WillReturnRows(sqlmock.NewRows([]string{"RowsUpdated"}).AddRow(int64(3)))

	n, err := repo.MarkProcessed(context.Background(), []int64{10, 11, 12}, "RUN-1")
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, int64(3))
	c.Assert(hook.LastEntry().Level, qt.Equals, logrus.InfoLevel)
	c.Assert(mock.ExpectationsWereMet(), qt.IsNil)
}

func TestSQLServerExecutesProcedures(t *testing.T) {
	c := qt.New(t)
	repo, mock, _ := newRepository(c, config.DriverSQLServer)

	t0 := time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery("EXEC dbo.usp_GetUnprocessedSchemaChanges").WillReturnRows(
		sqlmock.NewRows(changeColumns).
			AddRow(int64(11), "dbo", "Orders", "TABLE", "ALTER", "alice", t0).
			AddRow(int64(10), "dbo", "Invoices", "TABLE", "CREATE", "bob", t0),
	)
	mock.ExpectQuery("EXEC dbo.usp_MarkSchemaChangesProcessed @ChangeIds = @p1, @PipelineRunId = @p2").
		WithArgs("10,11", "RUN-7").
		WillReturnRows(sqlmock.NewRows([]string{"RowsUpdated"}).AddRow(int64(2)))

	changes, err := repo.FetchUnprocessed(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(changes, qt.HasLen, 2)
	c.Assert(changes[0].ChangeID, qt.Equals, int64(10))

	n, err := repo.MarkProcessed(context.Background(), []int64{11, 10}, "RUN-7")
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, int64(2))
	c.Assert(mock.ExpectationsWereMet(), qt.IsNil)
}

func TestSQLServerLoginFailureIsUnavailable(t *testing.T) {
	c := qt.New(t)
	repo, mock, _ := newRepository(c, config.DriverSQLServer)

	mock.ExpectQuery("EXEC dbo.usp_GetUnprocessedSchemaChanges").
		WillReturnError(mssql.Error{Number: 18456, Message: "Login failed for user 'poller'."})

	_, err := repo.FetchUnprocessed(context.Background())
	c.Assert(err, qt.ErrorIs, ErrStoreUnavailable)
}

func TestMarkProcessedTwiceIsNoop(t *testing.T) {
	c := qt.New(t)
	repo, mock, hook := newRepository(c, config.DriverPostgres)

	mock.ExpectQuery("SELECT mark_schema_changes_processed($1, $2)").
		WithArgs("10,11,12", "RUN-1").
		WillReturnRows(sqlmock.NewRows([]string{"updated"}).AddRow(int64(3)))
	mock.ExpectQuery("SELECT mark_schema_changes_processed($1, $2)").
		WithArgs("10,11,12", "RUN-1").
		WillReturnRows(sqlmock.NewRows([]string{"updated"}).AddRow(int64(0)))

	n, err := repo.MarkProcessed(context.Background(), []int64{10, 11, 12}, "RUN-1")
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, int64(3))

	n, err = repo.MarkProcessed(context.Background(), []int64{10, 11, 12}, "RUN-1")
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, int64(0))

	entry := hook.LastEntry()
	c.Assert(entry.Level, qt.Equals, logrus.WarnLevel)
	c.Assert(entry.Data["requested"], qt.Equals, 3)
	c.Assert(entry.Data["updated"], qt.Equals, int64(0))
	c.Assert(mock.ExpectationsWereMet(), qt.IsNil)
}

func TestMarkProcessedDeduplicatesIDs(t *testing.T) {
	c := qt.New(t)
	repo, mock, _ := newRepository(c, config.DriverMySQL)

	mock.ExpectQuery("CALL MarkSchemaChangesProcessed(?, ?)").
		WithArgs("7,5", "99").
		WillReturnRows(sqlmock.NewRows([]string{"RowsUpdated"}).AddRow(int64(2)))

	n, err := repo.MarkProcessed(context.Background(), []int64{7, 5, 7}, "99")
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, int64(2))
	c.Assert(mock.ExpectationsWereMet(), qt.IsNil)
}

func TestMarkProcessedEmptyDoesNotTouchStore(t *testing.T) {
	c := qt.New(t)
	repo, mock, _ := newRepository(c, config.DriverMySQL)

	n, err := repo.MarkProcessed(context.Background(), nil, "RUN-1")
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, int64(0))
	c.Assert(mock.ExpectationsWereMet(), qt.IsNil)
}

func TestMarkProcessedNoRowCount(t *testing.T) {
	c := qt.New(t)
	repo, mock, _ := newRepository(c, config.DriverMySQL)

	mock.ExpectQuery("CALL MarkSchemaChangesProcessed(?, ?)").
		WithArgs("1", "RUN-1").
		WillReturnRows(sqlmock.NewRows([]string{"RowsUpdated"}))

	_, err := repo.MarkProcessed(context.Background(), []int64{1}, "RUN-1")
	c.Assert(errors.Is(err, ErrQueryFailed), qt.IsTrue)
	c.Assert(err, qt.ErrorMatches, `.*returned no row count`)
}

func TestMarkProcessedTimeout(t *testing.T) {
	c := qt.New(t)
	repo, mock, _ := newRepository(c, config.DriverMySQL)
	repo.cfg.Timeout = 10 * time.Millisecond

	mock.ExpectQuery("CALL MarkSchemaChangesProcessed(?, ?)").
		WithArgs("1", "RUN-1").
		WillDelayFor(time.Second).
		WillReturnRows(sqlmock.NewRows([]string{"RowsUpdated"}).AddRow(int64(1)))

	_, err := repo.MarkProcessed(context.Background(), []int64{1}, "RUN-1")
	c.Assert(errors.Is(err, ErrStoreUnavailable), qt.IsTrue)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		about string
		err   error
		kind  error
	}{{
		about: "deadline",
		err:   context.DeadlineExceeded,
		kind:  ErrStoreUnavailable,
	}, {
		about: "connection done",
		err:   sql.ErrConnDone,
		kind:  ErrStoreUnavailable,
	}, {
		about: "access denied",
		err:   &mysql.MySQLError{Number: 1045, Message: "Access denied"},
		kind:  ErrStoreUnavailable,
	}, {
		about: "unknown database",
		err:   &mysql.MySQLError{Number: 1049, Message: "Unknown database"},
		kind:  ErrStoreUnavailable,
	}, {
		about: "syntax error",
		err:   &mysql.MySQLError{Number: 1064, Message: "syntax"},
		kind:  ErrQueryFailed,
	}, {
		about: "postgres connection failure",
		err:   pqError("08006"),
		kind:  ErrStoreUnavailable,
	}, {
		about: "postgres admin shutdown",
		err:   pqError("57P01"),
		kind:  ErrStoreUnavailable,
	}, {
		about: "postgres undefined function",
		err:   pqError("42883"),
		kind:  ErrQueryFailed,
	}, {
		about: "plain error",
		err:   errors.New("boom"),
		kind:  ErrQueryFailed,
	}}

	for _, test := range tests {
		t.Run(test.about, func(t *testing.T) {
			c := qt.New(t)
			err := classify("op", test.err)
			c.Assert(errors.Is(err, test.kind), qt.IsTrue, qt.Commentf("%v", err))
			c.Assert(errors.Is(err, test.err), qt.IsTrue)
		})
	}
}

func TestClassifySQLServer(t *testing.T) {
	tests := []struct {
		about  string
		number int32
		kind   error
	}{{
		about:  "login failed",
		number: 18456,
		kind:   ErrStoreUnavailable,
	}, {
		about:  "cannot open database",
		number: 4060,
		kind:   ErrStoreUnavailable,
	}, {
		about:  "database not available",
		number: 40613,
		kind:   ErrStoreUnavailable,
	}, {
		about:  "invalid object name",
		number: 208,
		kind:   ErrQueryFailed,
	}, {
		about:  "could not find stored procedure",
		number: 2812,
		kind:   ErrQueryFailed,
	}}

	for _, test := range tests {
		t.Run(test.about, func(t *testing.T) {
			c := qt.New(t)
			err := classify("op", mssql.Error{Number: test.number, Message: test.about})
			c.Assert(err, qt.ErrorIs, test.kind)

			var msErr mssql.Error
			c.Assert(errors.As(err, &msErr), qt.IsTrue)
			c.Assert(msErr.Number, qt.Equals, test.number)
		})
	}
}

func pqError(code string) error {
	return &pq.Error{Code: pq.ErrorCode(code), Message: "postgres error " + code}
}
