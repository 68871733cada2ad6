// Package specforgesdk is a minimal SpecForge HTTP API client.
package specforgesdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal SpecForge HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "api/v1",
		Timeout:  30 * time.Second,
	}
}

// Project represents the API project model.
type Project struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// Feature represents a feature listing entry.
type Feature struct {
	FeatureID    string `json:"feature_id"`
	Description  string `json:"description,omitempty"`
	Status       string `json:"status,omitempty"`
	CurrentPhase string `json:"current_phase,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
	Registered   bool   `json:"registered"`
}

// Approval is one entry in a phase spec's approval history.
type Approval struct {
	User      string `json:"user"`
	Timestamp string `json:"timestamp"`
	Comment   string `json:"comment"`
}

// SpecPhase is one phase document.
type SpecPhase struct {
	FeatureID    string     `json:"feature_id"`
	Phase        string     `json:"phase"`
	Status       string     `json:"status"`
	Content      string     `json:"content"`
	Approvals    []Approval `json:"approvals"`
	Dependencies []string   `json:"dependencies"`
	CreatedAt    string     `json:"created_at"`
	UpdatedAt    string     `json:"updated_at"`
}

// Specs holds every generated phase document for a feature.
type Specs struct {
	FeatureID string               `json:"feature_id"`
	Phases    map[string]SpecPhase `json:"phases"`
}

// LogEntry is one persisted workflow log line.
type LogEntry struct {
	ID        int64  `json:"id"`
	FeatureID string `json:"feature_id"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	Level     string `json:"level"`
}

// WorkflowStatus describes a feature's workflow state.
type WorkflowStatus struct {
	Feature struct {
		FeatureID    string `json:"feature_id"`
		Description  string `json:"description,omitempty"`
		Status       string `json:"status"`
		CurrentPhase string `json:"current_phase"`
		CreatedAt    string `json:"created_at"`
	} `json:"feature"`
	Running  bool       `json:"running"`
	RunID    string     `json:"run_id,omitempty"`
	Progress float64    `json:"progress"`
	Logs     []LogEntry `json:"logs,omitempty"`
}

// StartResult is the response to StartWorkflow.
type StartResult struct {
	FeatureID string `json:"feature_id"`
	RunID     string `json:"run_id"`
	Project   string `json:"project"`
	Status    string `json:"status"`
}

// Run is one live workflow run.
type Run struct {
	RunID     string `json:"run_id"`
	FeatureID string `json:"feature_id"`
	Project   string `json:"project,omitempty"`
	StartedAt string `json:"started_at"`
}

// Event is one live log event from the event stream.
type Event struct {
	Message   string `json:"message"`
	Level     string `json:"level"`
	Timestamp string `json:"timestamp"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RegisterProject registers a project by name.
func (c *Client) RegisterProject(ctx context.Context, name, path string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects/register", map[string]any{"name": name, "path": path}, &resp)
	return resp, err
}

// ListProjects lists registered projects.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var resp []Project
	err := c.do(ctx, http.MethodGet, "projects", nil, &resp)
	return resp, err
}

// ListFeatures lists features for a project.
func (c *Client) ListFeatures(ctx context.Context, project string) ([]Feature, error) {
	var resp []Feature
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(project)+"/features", nil, &resp)
	return resp, err
}

// GetSpecs fetches every generated phase document for a feature.
func (c *Client) GetSpecs(ctx context.Context, project, featureID string) (Specs, error) {
	var resp Specs
	err := c.do(ctx, http.MethodGet,
		"specs/"+url.PathEscape(project)+"/"+url.PathEscape(featureID), nil, &resp)
	return resp, err
}

// ApproveSpec approves a phase document.
func (c *Client) ApproveSpec(ctx context.Context, featureID, phase, comment, user string) (SpecPhase, error) {
	return c.reviewSpec(ctx, featureID, phase, true, comment, user)
}

// RejectSpec rejects a phase document.
func (c *Client) RejectSpec(ctx context.Context, featureID, phase, comment, user string) (SpecPhase, error) {
	return c.reviewSpec(ctx, featureID, phase, false, comment, user)
}

func (c *Client) reviewSpec(ctx context.Context, featureID, phase string, approved bool, comment, user string) (SpecPhase, error) {
	body := map[string]any{
		"feature_id": featureID,
		"phase":      phase,
		"approved":   approved,
		"comment":    comment,
		"user":       user,
	}
	var resp SpecPhase
	err := c.do(ctx, http.MethodPost, "specs/approve", body, &resp)
	return resp, err
}

// StartWorkflow creates a feature and starts its workflow run.
func (c *Client) StartWorkflow(ctx context.Context, project, description string, autoApprove bool) (StartResult, error) {
	body := map[string]any{
		"project":      project,
		"description":  description,
		"auto_approve": autoApprove,
	}
	var resp StartResult
	err := c.do(ctx, http.MethodPost, "workflows/start", body, &resp)
	return resp, err
}

// WorkflowStatus fetches the current workflow state of a feature.
func (c *Client) WorkflowStatus(ctx context.Context, featureID string) (WorkflowStatus, error) {
	var resp WorkflowStatus
	err := c.do(ctx, http.MethodGet, "workflows/"+url.PathEscape(featureID)+"/status", nil, &resp)
	return resp, err
}

// ListRunning lists live workflow runs.
func (c *Client) ListRunning(ctx context.Context) ([]Run, error) {
	var resp []Run
	err := c.do(ctx, http.MethodGet, "workflows/running", nil, &resp)
	return resp, err
}

// Advance runs the next phase of a manually gated workflow.
func (c *Client) Advance(ctx context.Context, featureID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "workflows/"+url.PathEscape(featureID)+"/advance", nil, &resp)
	return resp, err
}

// Cancel stops a live workflow run.
func (c *Client) Cancel(ctx context.Context, featureID string) error {
	return c.do(ctx, http.MethodPost, "workflows/"+url.PathEscape(featureID)+"/cancel", nil, nil)
}

// Search matches features by id or description.
func (c *Client) Search(ctx context.Context, q string) ([]Feature, error) {
	var resp []Feature
	err := c.do(ctx, http.MethodGet, "search?q="+url.QueryEscape(q), nil, &resp)
	return resp, err
}

// StreamEvents follows the live event stream for a feature until ctx is
// cancelled or the server closes the stream. Events are delivered to fn in
// publish order.
func (c *Client) StreamEvents(ctx context.Context, featureID string, fn func(Event)) error {
	endpoint := c.base() + "/" + c.path("workflows/"+url.PathEscape(featureID)+"/events")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	// Streaming must not inherit the request timeout.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &evt); err != nil {
			continue
		}
		fn(evt)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + c.path(endpoint)
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) path(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		return strings.TrimLeft(p, "/")
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
