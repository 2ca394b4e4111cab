package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"schema-poller/internal/config"
)

// Checker validates the store connection and that the procedures the poller
// depends on are installed.
type Checker struct {
	db     *sql.DB
	cfg    *config.StoreConfig
	logger *logrus.Logger
}

// NewChecker creates a new store checker
func NewChecker(db *sql.DB, cfg *config.StoreConfig, logger *logrus.Logger) *Checker {
	return &Checker{
		db:     db,
		cfg:    cfg,
		logger: logger,
	}
}

// Check pings the store and verifies both procedures exist.
func (c *Checker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if err := c.db.PingContext(ctx); err != nil {
		return classify("ping", err)
	}
	c.logger.Infof("Successfully connected to %s store at %s:%d", c.cfg.Driver, c.cfg.Host, c.cfg.Port)

	query := routineQuery(c.cfg.Driver)
	var missing []string
	for _, proc := range []string{c.cfg.FetchProcedure, c.cfg.MarkProcedure} {
		var count int
		if err := c.db.QueryRowContext(ctx, query, proc).Scan(&count); err != nil {
			return classify("look up routine "+proc, err)
		}
		if count == 0 {
			missing = append(missing, proc)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required procedures: %s", strings.Join(missing, ", "))
	}

	c.logger.Info("All required procedures found")
	return nil
}

// routineQuery counts routines with the given name in the schema the
// connection resolves unqualified names against, so a same-named routine
// elsewhere on the server does not pass the check.
func routineQuery(driver string) string {
	switch driver {
	case config.DriverSQLServer:
		return "SELECT COUNT(*) FROM sys.objects WHERE object_id = OBJECT_ID(@p1) AND type = 'P'"
	case config.DriverPostgres:
		return "SELECT COUNT(*) FROM information_schema.routines " +
			"WHERE routine_schema = current_schema() AND LOWER(routine_name) = LOWER($1)"
	}
	return "SELECT COUNT(*) FROM information_schema.routines " +
		"WHERE routine_schema = DATABASE() AND LOWER(routine_name) = LOWER(?)"
}
