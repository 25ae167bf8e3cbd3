package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/splax/deployctl/internal/domain"
)

// DefaultBaseURL is used when no orchestrator address is configured.
const DefaultBaseURL = "http://localhost:4100"

// Client provides typed access to the orchestrator API for interactive tools.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken attaches a bearer token to every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided orchestrator base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid orchestrator url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Token is an issued operator token. ExpiresIn is in seconds.
type Token struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Operator    string `json:"operator"`
}

// DeploymentInput requests a new pipeline. Empty Stages use the environment template.
type DeploymentInput struct {
	Name        string                   `json:"name"`
	Environment domain.Environment       `json:"environment"`
	Branch      string                   `json:"branch"`
	CommitHash  string                   `json:"commit_hash"`
	Version     string                   `json:"version"`
	DeployedBy  string                   `json:"deployed_by,omitempty"`
	Stages      []domain.StageDefinition `json:"stages,omitempty"`
	Deferred    bool                     `json:"deferred,omitempty"`
}

// Ramp overrides the default canary traffic ramp.
type Ramp struct {
	StepPercent    float64 `json:"step_percent,omitempty"`
	MaxPercent     float64 `json:"max_percent,omitempty"`
	StepIntervalMs int64   `json:"step_interval_ms,omitempty"`
}

// CanaryInput requests a new canary rollout.
type CanaryInput struct {
	Name           string                `json:"name"`
	CurrentVersion string                `json:"current_version"`
	TargetVersion  string                `json:"target_version"`
	Ramp           *Ramp                 `json:"ramp,omitempty"`
	Baseline       *domain.CanaryMetrics `json:"baseline,omitempty"`
}

// PipelineQuery filters pipeline listings.
type PipelineQuery struct {
	Status      domain.PipelineStatus
	Environment domain.Environment
	Limit       int
}

// IssueToken exchanges an operator key for a bearer token.
func (c *Client) IssueToken(ctx context.Context, operator, key string) (Token, error) {
	var out Token
	err := c.do(ctx, http.MethodPost, "/auth/token", map[string]string{"operator": operator, "key": key}, &out)
	return out, err
}

// RequestDeployment creates a pipeline.
func (c *Client) RequestDeployment(ctx context.Context, input DeploymentInput) (domain.Pipeline, error) {
	var out domain.Pipeline
	err := c.do(ctx, http.MethodPost, "/pipelines", input, &out)
	return out, err
}

// ListPipelines returns pipelines, newest first.
func (c *Client) ListPipelines(ctx context.Context, query PipelineQuery) ([]domain.Pipeline, error) {
	params := url.Values{}
	if query.Status != "" {
		params.Set("status", string(query.Status))
	}
	if query.Environment != "" {
		params.Set("environment", string(query.Environment))
	}
	if query.Limit > 0 {
		params.Set("limit", strconv.Itoa(query.Limit))
	}
	path := "/pipelines"
	if encoded := params.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out struct {
		Pipelines []domain.Pipeline `json:"pipelines"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Pipelines, nil
}

// GetPipeline fetches one pipeline.
func (c *Client) GetPipeline(ctx context.Context, id string) (domain.Pipeline, error) {
	var out domain.Pipeline
	err := c.do(ctx, http.MethodGet, "/pipelines/"+url.PathEscape(id), nil, &out)
	return out, err
}

// PipelineAction runs start, pause, resume or cancel on a pipeline. Reason is only sent
// for cancel.
func (c *Client) PipelineAction(ctx context.Context, id, action, reason string) (domain.Pipeline, error) {
	switch action {
	case "start", "pause", "resume", "cancel":
	default:
		return domain.Pipeline{}, fmt.Errorf("unknown pipeline action %q", action)
	}
	var body any
	if action == "cancel" && strings.TrimSpace(reason) != "" {
		body = map[string]string{"reason": reason}
	}
	var out domain.Pipeline
	err := c.do(ctx, http.MethodPost, "/pipelines/"+url.PathEscape(id)+"/"+action, body, &out)
	return out, err
}

// MarkStageResult injects a success or failure for the running stage.
func (c *Client) MarkStageResult(ctx context.Context, id, stageID string, result domain.StageStatus, message string) (domain.Pipeline, error) {
	var out domain.Pipeline
	path := "/pipelines/" + url.PathEscape(id) + "/stages/" + url.PathEscape(stageID) + "/result"
	err := c.do(ctx, http.MethodPost, path, map[string]any{"result": result, "message": message}, &out)
	return out, err
}

// RequestCanary creates a canary rollout.
func (c *Client) RequestCanary(ctx context.Context, input CanaryInput) (domain.CanaryDeployment, error) {
	var out domain.CanaryDeployment
	err := c.do(ctx, http.MethodPost, "/canaries", input, &out)
	return out, err
}

// ListCanaries returns canaries, optionally filtered by status.
func (c *Client) ListCanaries(ctx context.Context, status domain.CanaryStatus) ([]domain.CanaryDeployment, error) {
	path := "/canaries"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var out struct {
		Canaries []domain.CanaryDeployment `json:"canaries"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Canaries, nil
}

// GetCanary fetches one canary.
func (c *Client) GetCanary(ctx context.Context, id string) (domain.CanaryDeployment, error) {
	var out domain.CanaryDeployment
	err := c.do(ctx, http.MethodGet, "/canaries/"+url.PathEscape(id), nil, &out)
	return out, err
}

// CanaryAction promotes or rolls back a running canary.
func (c *Client) CanaryAction(ctx context.Context, id, action string) (domain.CanaryDeployment, error) {
	if action != "promote" && action != "rollback" {
		return domain.CanaryDeployment{}, fmt.Errorf("unknown canary action %q", action)
	}
	var out domain.CanaryDeployment
	err := c.do(ctx, http.MethodPost, "/canaries/"+url.PathEscape(id)+"/"+action, nil, &out)
	return out, err
}

// ObserveCanary reports externally measured metrics for a canary.
func (c *Client) ObserveCanary(ctx context.Context, id string, metrics domain.CanaryMetrics) (domain.CanaryDeployment, error) {
	var out domain.CanaryDeployment
	err := c.do(ctx, http.MethodPost, "/canaries/"+url.PathEscape(id)+"/metrics", metrics, &out)
	return out, err
}

// Infrastructure returns the resource snapshot.
func (c *Client) Infrastructure(ctx context.Context) (domain.InfrastructureSnapshot, error) {
	var out domain.InfrastructureSnapshot
	err := c.do(ctx, http.MethodGet, "/infrastructure", nil, &out)
	return out, err
}

// ResourcesByStatus returns resources in the given health status.
func (c *Client) ResourcesByStatus(ctx context.Context, status domain.ResourceStatus) ([]domain.InfrastructureResource, error) {
	var out struct {
		Resources []domain.InfrastructureResource `json:"resources"`
	}
	if err := c.do(ctx, http.MethodGet, "/infrastructure?status="+url.QueryEscape(string(status)), nil, &out); err != nil {
		return nil, err
	}
	return out.Resources, nil
}

// SetResourceLifecycle marks a resource provisioning or terminating, or clears the mark with
// domain.ResourceHealthy.
func (c *Client) SetResourceLifecycle(ctx context.Context, id string, status domain.ResourceStatus) (domain.InfrastructureResource, error) {
	var out domain.InfrastructureResource
	body := map[string]domain.ResourceStatus{"status": status}
	err := c.do(ctx, http.MethodPost, "/infrastructure/"+url.PathEscape(id)+"/lifecycle", body, &out)
	return out, err
}

// Metrics returns deployment KPIs over the trailing window.
func (c *Client) Metrics(ctx context.Context, windowDays int) (domain.DeploymentMetrics, error) {
	path := "/deployments/metrics"
	if windowDays > 0 {
		path += "?window_days=" + strconv.Itoa(windowDays)
	}
	var out domain.DeploymentMetrics
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}
