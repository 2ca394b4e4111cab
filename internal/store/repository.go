package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"schema-poller/internal/config"
	"schema-poller/internal/models"
)

// Repository reads unprocessed schema changes and records which pipeline run
// handled them. Every call checks out its own connection and returns it
// before returning.
type Repository struct {
	db     *sql.DB
	cfg    *config.StoreConfig
	logger *logrus.Logger
}

// NewRepository creates a repository over an open pool.
func NewRepository(db *sql.DB, cfg *config.StoreConfig, logger *logrus.Logger) *Repository {
	return &Repository{
		db:     db,
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Repository) withConn(ctx context.Context, op string, fn func(ctx context.Context, conn *sql.Conn) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	conn, err := r.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
	}
	defer conn.Close()

	err = fn(ctx, conn)
	if err != nil && ctx.Err() != nil {
		// Drivers report cancellation in their own words.
		err = fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return classify(op, err)
}

// FetchUnprocessed returns every change not yet processed, ordered by
// ChangedAt then ChangeID. An empty result is not an error.
func (r *Repository) FetchUnprocessed(ctx context.Context) ([]models.SchemaChange, error) {
	var changes []models.SchemaChange

	err := r.withConn(ctx, "fetch unprocessed changes", func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, fetchStatement(r.cfg))
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var ch models.SchemaChange
			var changedBy sql.NullString
			if err := rows.Scan(
				&ch.ChangeID,
				&ch.SchemaName,
				&ch.ObjectName,
				&ch.ObjectType,
				&ch.ChangeType,
				&changedBy,
				&ch.ChangedAt,
			); err != nil {
				return fmt.Errorf("failed to scan schema change: %w", err)
			}
			ch.ChangedBy = changedBy.String
			changes = append(changes, ch)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	models.SortChanges(changes)
	r.logger.Debugf("Fetched %d unprocessed schema changes", len(changes))
	return changes, nil
}

// MarkProcessed marks the given changes as processed by runID in a single
// store-side statement and returns how many rows were newly updated. Ids that
// are already processed are left untouched, so calling it twice is safe.
func (r *Repository) MarkProcessed(ctx context.Context, ids []int64, runID string) (int64, error) {
	ids = distinct(ids)
	if len(ids) == 0 {
		return 0, nil
	}
	csv := joinIDs(ids)

	var updated int64
	err := r.withConn(ctx, "mark changes processed", func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, markStatement(r.cfg), csv, runID)
		if err != nil {
			return err
		}
		defer rows.Close()

		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return err
			}
			return fmt.Errorf("procedure %s returned no row count", r.cfg.MarkProcedure)
		}
		if err := rows.Scan(&updated); err != nil {
			return fmt.Errorf("failed to scan row count: %w", err)
		}
		return rows.Err()
	})
	if err != nil {
		return 0, err
	}

	if updated < int64(len(ids)) {
		r.logger.WithFields(logrus.Fields{
			"run_id":    runID,
			"requested": len(ids),
			"updated":   updated,
			"ids":       csv,
		}).Warn("Fewer schema changes marked processed than requested")
	} else {
		r.logger.Infof("Marked %d changes as processed (run %s)", updated, runID)
	}
	return updated, nil
}

func distinct(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
