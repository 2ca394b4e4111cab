package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"schema-poller/internal/config"
	"schema-poller/internal/models"
)

// Trigger starts pipeline runs through the Azure DevOps "Runs - Run Pipeline"
// REST API. It never retries; a failed run request is retried by the next
// poll cycle.
type Trigger struct {
	cfg    *config.PipelineConfig
	client *http.Client
	script *ParameterScript
	logger *logrus.Logger
	runURL string
}

// Option configures a Trigger.
type Option func(*Trigger)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(t *Trigger) { t.client = client }
}

// WithParameterScript adds script-derived template parameters to every run.
func WithParameterScript(script *ParameterScript) Option {
	return func(t *Trigger) { t.script = script }
}

// NewTrigger creates a trigger for the configured pipeline.
func NewTrigger(cfg *config.PipelineConfig, logger *logrus.Logger, opts ...Option) (*Trigger, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid pipeline base URL: %w", err)
	}
	base = base.JoinPath(cfg.Organization, cfg.Project, "_apis", "pipelines", cfg.PipelineID, "runs")
	base.RawQuery = url.Values{"api-version": {cfg.APIVersion}}.Encode()

	t := &Trigger{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger,
		runURL: base.String(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// RunURL returns the endpoint run requests are posted to.
func (t *Trigger) RunURL() string {
	return t.runURL
}

type runResponse struct {
	ID    json.RawMessage `json:"id"`
	Name  string          `json:"name"`
	State string          `json:"state"`
}

// TriggerRun starts one pipeline run for the batch and returns its run id.
func (t *Trigger) TriggerRun(ctx context.Context, changes []models.SchemaChange) (string, error) {
	var extra map[string]string
	if t.script != nil {
		var err error
		extra, err = t.script.Parameters(Summarize(changes))
		if err != nil {
			return "", fmt.Errorf("%w: failed to build run parameters: %w", ErrRunRequestInvalid, err)
		}
	}

	payload, err := BuildPayload(changes, PayloadOptions{
		RefName:       t.cfg.RefName,
		ChangeSetHash: t.cfg.SendChangeSetHash,
		Extra:         extra,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRunRequestInvalid, err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: failed to marshal run request: %w", ErrRunRequestInvalid, err)
	}

	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.runURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: failed to create run request: %w", ErrRunRequestInvalid, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	// Azure DevOps expects the PAT as the password of basic auth.
	req.SetBasicAuth("", t.cfg.Token)

	t.logger.Debugf("Requesting pipeline run %s (%d changes)", t.cfg.PipelineID, len(changes))

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTriggerUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: failed to read response: %w", ErrTriggerUnreachable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &RejectedError{
			StatusCode: resp.StatusCode,
			Body:       truncate(string(respBody)),
		}
	}

	var run runResponse
	if err := json.Unmarshal(respBody, &run); err != nil {
		return "", &RejectedError{
			StatusCode: resp.StatusCode,
			Body:       truncate(string(respBody)),
			Reason:     "response is not JSON",
		}
	}
	runID := runIDString(run.ID)
	if runID == "" {
		return "", &RejectedError{
			StatusCode: resp.StatusCode,
			Body:       truncate(string(respBody)),
			Reason:     "response has no run id",
		}
	}

	t.logger.WithFields(logrus.Fields{
		"run_id":   runID,
		"run_name": run.Name,
		"state":    run.State,
	}).Info("Pipeline run started")
	return runID, nil
}

// runIDString accepts both numeric and string ids.
func runIDString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func truncate(s string) string {
	if len(s) <= maxBodyInError {
		return s
	}
	return s[:maxBodyInError] + "..."
}
