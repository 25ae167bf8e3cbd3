// Package ci reports external stage results to the orchestrator's signed webhook.
package ci

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/splax/deployctl/internal/domain"
	"github.com/splax/deployctl/internal/service/webhook"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

var (
	// ErrUnauthorized indicates the orchestrator rejected the signature.
	ErrUnauthorized = errors.New("ci webhook signature rejected")
	// ErrInvalidArgument indicates the payload failed validation.
	ErrInvalidArgument = errors.New("ci webhook invalid argument")
	// ErrNotFound indicates the pipeline or stage is unknown, or the webhook is disabled.
	ErrNotFound = errors.New("ci webhook target not found")
	// ErrConflict indicates the stage is not running.
	ErrConflict = errors.New("ci webhook stage not running")
)

// Reporter posts signed stage results.
type Reporter struct {
	baseURL string
	signer  webhook.Service
	client  *http.Client
}

// Receipt is the orchestrator's acknowledgement.
type Receipt struct {
	PipelineID string                `json:"pipeline_id"`
	Status     domain.PipelineStatus `json:"status"`
	Revision   int64                 `json:"revision"`
}

// NewReporter creates a reporter for the orchestrator at baseURL signing with secret.
func NewReporter(baseURL, secret string, client *http.Client) (*Reporter, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("orchestrator base url required")
	}
	signer := webhook.New(secret)
	if !signer.Enabled() {
		return nil, errors.New("webhook secret required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Reporter{baseURL: trimmed, signer: signer, client: client}, nil
}

// Report sends result for a pipeline stage.
func (r *Reporter) Report(ctx context.Context, result webhook.StageResult) (Receipt, error) {
	if r == nil {
		return Receipt{}, errors.New("ci reporter not initialised")
	}
	if strings.TrimSpace(result.PipelineID) == "" || strings.TrimSpace(result.StageID) == "" {
		return Receipt{}, fmt.Errorf("%w: pipeline_id and stage_id are required", ErrInvalidArgument)
	}
	body, err := json.Marshal(result)
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal stage result: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/webhooks/ci", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.SignatureHeader, "sha256="+r.signer.Sign(body))

	resp, err := r.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return Receipt{}, errorForStatus(resp)
	}
	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return Receipt{}, fmt.Errorf("decode webhook response: %w", err)
	}
	return receipt, nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(buf, &payload) == nil && payload.Error != "" {
		summary = payload.Error
	}
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, summary)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, summary)
	default:
		return fmt.Errorf("webhook request failed: %s", summary)
	}
}
