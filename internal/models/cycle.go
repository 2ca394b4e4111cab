package models

import "time"

// CycleState is the furthest state a poll cycle reached.
type CycleState string

const (
	StateIdle         CycleState = "idle"
	StateFetched      CycleState = "fetched"
	StateTriggered    CycleState = "triggered"
	StateAcknowledged CycleState = "acknowledged"
)

// CycleOutcome classifies how a poll cycle ended.
type CycleOutcome string

const (
	OutcomeNoChanges         CycleOutcome = "no_changes"
	OutcomeAcknowledged      CycleOutcome = "acknowledged"
	OutcomeLocked            CycleOutcome = "locked"
	OutcomeLockFailed        CycleOutcome = "lock_failed"
	OutcomeFetchFailed       CycleOutcome = "fetch_failed"
	OutcomeTriggerFailed     CycleOutcome = "trigger_failed"
	OutcomeAcknowledgeFailed CycleOutcome = "acknowledge_failed"
)

// CycleReport summarises one poll cycle
type CycleReport struct {
	CycleID     string       `json:"cycle_id"`
	State       CycleState   `json:"state"`
	Outcome     CycleOutcome `json:"outcome"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
	PastDue     bool         `json:"past_due,omitempty"`
	ChangeCount int          `json:"change_count"`
	ChangeIDs   []int64      `json:"change_ids,omitempty"`
	RunID       string       `json:"run_id,omitempty"`
	Marked      int64        `json:"marked"`
	Error       string       `json:"error,omitempty"`
}

// Duration returns how long the cycle took.
func (r *CycleReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Failed reports whether the cycle ended on an error.
func (r *CycleReport) Failed() bool {
	switch r.Outcome {
	case OutcomeLockFailed, OutcomeFetchFailed, OutcomeTriggerFailed, OutcomeAcknowledgeFailed:
		return true
	}
	return false
}
