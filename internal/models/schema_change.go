package models

import (
	"sort"
	"time"
)

// SchemaChange represents one captured schema-level event awaiting a pipeline run
type SchemaChange struct {
	ChangeID      int64     `json:"changeId"`
	SchemaName    string    `json:"schemaName"`
	ObjectName    string    `json:"objectName"`
	ObjectType    string    `json:"objectType"` // TABLE, VIEW, PROCEDURE, ...
	ChangeType    string    `json:"changeType"` // CREATE, ALTER, DROP, ...
	ChangedBy     string    `json:"changedBy"`
	ChangedAt     time.Time `json:"changedAt"`
	Processed     bool      `json:"processed"`
	PipelineRunID string    `json:"pipelineRunId,omitempty"`
}

// QualifiedName returns "schema.object"
func (c SchemaChange) QualifiedName() string {
	return c.SchemaName + "." + c.ObjectName
}

// SortChanges orders changes by ChangedAt, then ChangeID.
func SortChanges(changes []SchemaChange) {
	sort.SliceStable(changes, func(i, j int) bool {
		a, b := changes[i], changes[j]
		if !a.ChangedAt.Equal(b.ChangedAt) {
			return a.ChangedAt.Before(b.ChangedAt)
		}
		return a.ChangeID < b.ChangeID
	})
}

// ChangeIDs returns the distinct ids of the batch in batch order.
func ChangeIDs(changes []SchemaChange) []int64 {
	ids := make([]int64, 0, len(changes))
	seen := make(map[int64]bool, len(changes))
	for _, c := range changes {
		if seen[c.ChangeID] {
			continue
		}
		seen[c.ChangeID] = true
		ids = append(ids, c.ChangeID)
	}
	return ids
}
