package lock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"schema-poller/internal/config"
)

// Advisory is a store-side advisory lock. It holds one pooled connection for
// as long as the lock is held, so it serialises cycles across hosts that share
// the store.
type Advisory struct {
	db      *sql.DB
	driver  string
	name    string
	timeout time.Duration
	delay   time.Duration
	clock   clock.Clock
	logger  *logrus.Logger
}

// NewAdvisory returns an advisory lock called name on db.
func NewAdvisory(db *sql.DB, driver, name string, timeout, delay time.Duration, clk clock.Clock, logger *logrus.Logger) *Advisory {
	return &Advisory{
		db:      db,
		driver:  driver,
		name:    name,
		timeout: timeout,
		delay:   delay,
		clock:   clk,
		logger:  logger,
	}
}

func (a *Advisory) tryStatement() string {
	switch a.driver {
	case config.DriverPostgres:
		return "SELECT pg_try_advisory_lock(hashtext($1))"
	case config.DriverSQLServer:
		// sp_getapplock returns 0 or 1 when granted, negative otherwise.
		return sqlServerTryLock
	}
	return "SELECT GET_LOCK(?, 0)"
}

func (a *Advisory) releaseStatement() string {
	switch a.driver {
	case config.DriverPostgres:
		return "SELECT pg_advisory_unlock(hashtext($1))"
	case config.DriverSQLServer:
		return sqlServerReleaseLock
	}
	return "SELECT RELEASE_LOCK(?)"
}

const (
	sqlServerTryLock = "DECLARE @r int; " +
		"EXEC @r = sp_getapplock @Resource = @p1, @LockMode = 'Exclusive', @LockOwner = 'Session', @LockTimeout = 0; " +
		"SELECT CASE WHEN @r >= 0 THEN 1 ELSE 0 END"
	sqlServerReleaseLock = "DECLARE @r int; " +
		"EXEC @r = sp_releaseapplock @Resource = @p1, @LockOwner = 'Session'; " +
		"SELECT CASE WHEN @r = 0 THEN 1 ELSE 0 END"
)

// Acquire polls the store until the lock is granted, the timeout passes or
// ctx is done.
func (a *Advisory) Acquire(ctx context.Context) (Releaser, error) {
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection for advisory lock: %w", err)
	}

	deadline := a.clock.Now().Add(a.timeout)
	for {
		var granted sql.NullBool
		if err := conn.QueryRowContext(ctx, a.tryStatement(), a.name).Scan(&granted); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to request advisory lock %q: %w", a.name, err)
		}
		if granted.Valid && granted.Bool {
			break
		}

		if !a.clock.Now().Before(deadline) {
			conn.Close()
			return nil, fmt.Errorf("%w: advisory lock %q held elsewhere", ErrNotAcquired, a.name)
		}
		select {
		case <-ctx.Done():
			conn.Close()
			return nil, fmt.Errorf("%w: advisory lock %q: %w", ErrNotAcquired, a.name, ctx.Err())
		case <-a.clock.After(a.delay):
		}
	}

	a.logger.Debugf("Acquired advisory lock %q", a.name)
	return &onceReleaser{release: func() { a.release(conn) }}, nil
}

func (a *Advisory) release(conn *sql.Conn) {
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var released sql.NullBool
	if err := conn.QueryRowContext(ctx, a.releaseStatement(), a.name).Scan(&released); err != nil {
		// The lock lives as long as the session; discard the connection
		// instead of returning it to the pool.
		a.logger.Warnf("Failed to release advisory lock %q: %v", a.name, err)
		conn.Raw(func(interface{}) error { return driver.ErrBadConn })
		return
	}
	if !released.Valid || !released.Bool {
		a.logger.Warnf("Advisory lock %q was not held at release", a.name)
		return
	}
	a.logger.Debugf("Released advisory lock %q", a.name)
}

type onceReleaser struct {
	once    sync.Once
	release func()
}

func (r *onceReleaser) Release() {
	r.once.Do(r.release)
}
