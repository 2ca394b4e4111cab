package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-sql-driver/mysql"
	jujuerrors "github.com/juju/errors"
	"github.com/lib/pq"
	mssql "github.com/microsoft/go-mssqldb"
)

const (
	// ErrStoreUnavailable means no usable connection to the store could be
	// established. The next cycle retries.
	ErrStoreUnavailable = jujuerrors.ConstError("store unavailable")

	// ErrQueryFailed covers every other store-level error.
	ErrQueryFailed = jujuerrors.ConstError("store query failed")
)

// classify wraps err with the store error kind it belongs to.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := ErrQueryFailed
	if isUnavailable(err) {
		kind = ErrStoreUnavailable
	}
	return fmt.Errorf("%w: %s: %w", kind, op, err)
}

func isUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case gomysql.ER_CON_COUNT_ERROR,
			gomysql.ER_DBACCESS_DENIED_ERROR,
			gomysql.ER_ACCESS_DENIED_ERROR,
			gomysql.ER_BAD_DB_ERROR,
			gomysql.ER_SERVER_SHUTDOWN,
			gomysql.ER_TOO_MANY_USER_CONNECTIONS:
			return true
		}
		return false
	}

	var msErr mssql.Error
	if errors.As(err, &msErr) {
		return sqlServerUnavailable[msErr.Number]
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", // connection exception
			"28", // invalid authorization
			"53", // insufficient resources
			"57": // operator intervention (shutdown, cancel)
			return true
		}
		if pqErr.Code == "3D000" { // invalid_catalog_name
			return true
		}
	}
	return false
}

// sqlServerUnavailable lists SQL Server error numbers raised while the
// session cannot be used at all.
var sqlServerUnavailable = map[int32]bool{
	233:   true, // no process on the other end of the pipe
	4060:  true, // cannot open database requested by the login
	10053: true, // transport-level error, connection aborted
	10054: true, // transport-level error, connection reset
	10060: true, // connection attempt timed out
	18452: true, // login from untrusted domain
	18456: true, // login failed
	40197: true, // service error processing request
	40501: true, // service is busy
	40613: true, // database not currently available
}
