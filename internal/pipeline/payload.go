package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"schema-poller/internal/models"
)

// TriggerReason is sent as the triggerReason template parameter.
const TriggerReason = "schema_change_detected"

// Template parameters set by the poller. Scripts may not override them.
const (
	ParamTriggerReason = "triggerReason"
	ParamChangeCount   = "changeCount"
	ParamChanges       = "changes"
	ParamChangeSetHash = "changeSetHash"
)

var reservedParams = map[string]bool{
	ParamTriggerReason: true,
	ParamChangeCount:   true,
	ParamChanges:       true,
	ParamChangeSetHash: true,
}

// ChangeSummary is the per-change entry of the changes template parameter.
type ChangeSummary struct {
	Object    string `json:"object"`
	Type      string `json:"type"`
	Action    string `json:"action"`
	ChangedBy string `json:"changedBy"`
	Timestamp string `json:"timestamp"`
}

// RunRequest is the body of a "run pipeline" call.
type RunRequest struct {
	Resources          RunResources      `json:"resources"`
	TemplateParameters map[string]string `json:"templateParameters"`
}

type RunResources struct {
	Repositories map[string]RepositoryResource `json:"repositories"`
}

type RepositoryResource struct {
	RefName string `json:"refName"`
}

// Summarize converts a batch into change summaries, keeping batch order.
func Summarize(changes []models.SchemaChange) []ChangeSummary {
	summaries := make([]ChangeSummary, 0, len(changes))
	for _, c := range changes {
		summaries = append(summaries, ChangeSummary{
			Object:    c.QualifiedName(),
			Type:      c.ObjectType,
			Action:    c.ChangeType,
			ChangedBy: c.ChangedBy,
			Timestamp: c.ChangedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return summaries
}

// ChangeSetHash returns a hex sha256 over the ordered change ids. The same
// batch always hashes to the same value, so a pipeline can use it to detect
// a repeated run for one change set.
func ChangeSetHash(changes []models.SchemaChange) string {
	h := sha256.New()
	for i, id := range models.ChangeIDs(changes) {
		if i > 0 {
			h.Write([]byte{','})
		}
		h.Write([]byte(strconv.FormatInt(id, 10)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadOptions controls what BuildPayload adds besides the change summary.
type PayloadOptions struct {
	RefName string
	// ChangeSetHash adds the changeSetHash template parameter.
	ChangeSetHash bool
	// Extra holds additional template parameters, usually from a script.
	Extra map[string]string
}

// BuildPayload builds the run request for a batch. The output depends only on
// its inputs.
func BuildPayload(changes []models.SchemaChange, opts PayloadOptions) (*RunRequest, error) {
	summaries, err := json.Marshal(Summarize(changes))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal change summary: %w", err)
	}

	params := make(map[string]string, len(opts.Extra)+4)
	for k, v := range opts.Extra {
		if reservedParams[k] {
			return nil, fmt.Errorf("template parameter %q is reserved", k)
		}
		params[k] = v
	}
	params[ParamTriggerReason] = TriggerReason
	params[ParamChangeCount] = strconv.Itoa(len(changes))
	params[ParamChanges] = string(summaries)
	if opts.ChangeSetHash {
		params[ParamChangeSetHash] = ChangeSetHash(changes)
	}

	return &RunRequest{
		Resources: RunResources{
			Repositories: map[string]RepositoryResource{
				"self": {RefName: opts.RefName},
			},
		},
		TemplateParameters: params,
	}, nil
}
