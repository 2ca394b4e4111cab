// Package poller runs the detect, trigger and acknowledge cycle that turns
// pending schema changes into pipeline runs.
//
// A cycle moves through four states:
//
//	idle -> fetched -> triggered -> acknowledged
//
// and ends early at idle when nothing is pending, or at fetched when the
// pipeline could not be started. Changes are only marked processed after a run
// was started for them, so no change is ever dropped. If marking fails after a
// successful trigger, the batch is fetched and triggered again by the next
// cycle: trigger semantics are at-least-once.
package poller

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	jujuerrors "github.com/juju/errors"
	"github.com/sirupsen/logrus"

	"schema-poller/internal/lock"
	"schema-poller/internal/models"
	"schema-poller/internal/pipeline"
	"schema-poller/internal/store"
)

const (
	// ErrAcknowledgeFailed means a pipeline run was started but its changes
	// could not be marked processed. The next cycle starts a duplicate run.
	ErrAcknowledgeFailed = jujuerrors.ConstError("acknowledge failed after pipeline run started")

	// ErrCycleLocked means another cycle held the lock; nothing was fetched.
	ErrCycleLocked = jujuerrors.ConstError("another poll cycle is running")
)

// ChangeRepository reads pending changes and records the run that handled them.
type ChangeRepository interface {
	FetchUnprocessed(ctx context.Context) ([]models.SchemaChange, error)
	MarkProcessed(ctx context.Context, ids []int64, runID string) (int64, error)
}

// PipelineTrigger starts one pipeline run for a batch.
type PipelineTrigger interface {
	TriggerRun(ctx context.Context, changes []models.SchemaChange) (string, error)
}

// Notifier is told about every cycle that found changes.
type Notifier interface {
	Publish(report *models.CycleReport) error
}

// Recorder records cycle metrics.
type Recorder interface {
	ObserveCycle(report *models.CycleReport)
}

// Tick describes why a cycle runs.
type Tick struct {
	ScheduledAt time.Time
	PastDue     bool
}

// Poller sequences one poll cycle at a time.
type Poller struct {
	repo     ChangeRepository
	trigger  PipelineTrigger
	locker   lock.Locker
	notifier Notifier
	recorder Recorder
	clock    clock.Clock
	logger   *logrus.Logger
}

// Option configures a Poller.
type Option func(*Poller)

func WithLocker(l lock.Locker) Option { return func(p *Poller) { p.locker = l } }

func WithNotifier(n Notifier) Option { return func(p *Poller) { p.notifier = n } }

func WithRecorder(r Recorder) Option { return func(p *Poller) { p.recorder = r } }

func WithClock(c clock.Clock) Option { return func(p *Poller) { p.clock = c } }

// New creates a poller. Without WithLocker, cycles are not protected against
// a concurrent cycle in another process.
func New(repo ChangeRepository, trigger PipelineTrigger, logger *logrus.Logger, opts ...Option) *Poller {
	p := &Poller{
		repo:    repo,
		trigger: trigger,
		locker:  lock.Noop{},
		clock:   clock.WallClock,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RunCycle runs one poll cycle. The returned report is never nil; the error
// is non-nil when the cycle ended on a failure or could not take the lock.
func (p *Poller) RunCycle(ctx context.Context, tick Tick) (*models.CycleReport, error) {
	report := &models.CycleReport{
		CycleID:   uuid.NewString(),
		State:     models.StateIdle,
		StartedAt: p.clock.Now(),
		PastDue:   tick.PastDue,
	}
	log := p.logger.WithField("cycle_id", report.CycleID)

	if tick.PastDue {
		log.WithField("scheduled_at", tick.ScheduledAt).Info("Poll cycle is past due")
	}
	log.Debug("Schema change poll cycle started")

	err := p.runLocked(ctx, report, log)
	report.FinishedAt = p.clock.Now()
	if err != nil {
		report.Error = err.Error()
	}

	p.observe(report, log)
	return report, err
}

func (p *Poller) runLocked(ctx context.Context, report *models.CycleReport, log *logrus.Entry) error {
	releaser, err := p.locker.Acquire(ctx)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			report.Outcome = models.OutcomeLocked
			log.Warnf("Skipping poll cycle: %v", err)
			return fmt.Errorf("%w: %w", ErrCycleLocked, err)
		}
		report.Outcome = models.OutcomeLockFailed
		log.Errorf("Skipping poll cycle, cycle lock unavailable: %v", err)
		return fmt.Errorf("failed to acquire cycle lock: %w", err)
	}
	defer releaser.Release()

	return p.cycle(ctx, report, log)
}

func (p *Poller) cycle(ctx context.Context, report *models.CycleReport, log *logrus.Entry) error {
	// idle
	changes, err := p.repo.FetchUnprocessed(ctx)
	if err != nil {
		report.Outcome = models.OutcomeFetchFailed
		log.WithField("retryable", Retryable(err)).Errorf("Failed to fetch unprocessed schema changes: %v", err)
		return fmt.Errorf("failed to fetch unprocessed changes: %w", err)
	}
	if len(changes) == 0 {
		report.Outcome = models.OutcomeNoChanges
		log.Info("No unprocessed schema changes found")
		return nil
	}

	// fetched
	report.State = models.StateFetched
	report.ChangeCount = len(changes)
	report.ChangeIDs = models.ChangeIDs(changes)
	log = log.WithField("change_count", len(changes))
	log.Infof("Found %d unprocessed schema changes", len(changes))

	runID, err := p.trigger.TriggerRun(ctx, changes)
	if err != nil {
		report.Outcome = models.OutcomeTriggerFailed
		entry := log.WithField("retryable", Retryable(err))
		var rejected *pipeline.RejectedError
		if errors.As(err, &rejected) {
			entry = entry.WithField("status", rejected.StatusCode)
		}
		switch {
		case errors.Is(err, pipeline.ErrRunRequestInvalid):
			entry.Errorf("Failed to build pipeline run request, changes left for next cycle: %v", err)
		case Retryable(err):
			entry.Warnf("Failed to trigger pipeline, changes left for next cycle: %v", err)
		default:
			entry.Errorf("Pipeline trigger rejected, changes left for next cycle: %v", err)
		}
		return fmt.Errorf("failed to trigger pipeline: %w", err)
	}

	// triggered
	report.State = models.StateTriggered
	report.RunID = runID
	log = log.WithField("run_id", runID)

	marked, err := p.repo.MarkProcessed(ctx, report.ChangeIDs, runID)
	if err != nil {
		report.Outcome = models.OutcomeAcknowledgeFailed
		log.WithField("change_ids", joinIDs(report.ChangeIDs)).
			Errorf("Pipeline run started but changes were not marked processed; the next cycle will start a duplicate run: %v", err)
		return fmt.Errorf("%w: run %s: %w", ErrAcknowledgeFailed, runID, err)
	}

	// acknowledged
	report.State = models.StateAcknowledged
	report.Outcome = models.OutcomeAcknowledged
	report.Marked = marked
	log.WithField("marked", marked).Infof("Successfully triggered pipeline. Run ID: %s", runID)
	return nil
}

func (p *Poller) observe(report *models.CycleReport, log *logrus.Entry) {
	if p.recorder != nil {
		p.recorder.ObserveCycle(report)
	}
	if p.notifier == nil || report.Outcome == models.OutcomeNoChanges {
		return
	}
	if err := p.notifier.Publish(report); err != nil {
		log.Warnf("Failed to publish cycle report: %v", err)
	}
}

// Retryable reports whether err is a transient condition expected to clear by
// itself, such as an unreachable store or pipeline API or a held lock. Every
// failure is retried by the next cycle regardless; this only drives how
// loudly it is logged.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrAcknowledgeFailed),
		errors.Is(err, pipeline.ErrTriggerRejected),
		errors.Is(err, pipeline.ErrRunRequestInvalid),
		errors.Is(err, store.ErrQueryFailed):
		return false
	case errors.Is(err, store.ErrStoreUnavailable),
		errors.Is(err, pipeline.ErrTriggerUnreachable),
		errors.Is(err, ErrCycleLocked),
		errors.Is(err, lock.ErrNotAcquired):
		return true
	}
	return false
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
