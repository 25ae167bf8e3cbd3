package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/splax/deployctl/internal/domain"
	"github.com/splax/deployctl/internal/validate"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature-256"

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// StageResult is the payload a CI system posts when a stage finishes.
type StageResult struct {
	PipelineID string             `json:"pipeline_id" validate:"required"`
	StageID    string             `json:"stage_id" validate:"required"`
	Result     domain.StageStatus `json:"result" validate:"required,oneof=success failed"`
	Message    string             `json:"message"`
}

// Service validates CI webhooks.
type Service struct {
	secret []byte
}

// New constructs a webhook service for the shared secret.
func New(secret string) Service {
	return Service{secret: []byte(strings.TrimSpace(secret))}
}

// Enabled reports whether a secret is configured.
func (s Service) Enabled() bool {
	return len(s.secret) > 0
}

// Sign returns the hex HMAC-SHA256 of payload.
func (s Service) Sign(payload []byte) string {
	hasher := hmac.New(sha256.New, s.secret)
	hasher.Write(payload)
	return hex.EncodeToString(hasher.Sum(nil))
}

// ValidateSignature checks HMAC signature for payload. A "sha256=" prefix is accepted.
func (s Service) ValidateSignature(payload []byte, provided string) error {
	provided = strings.TrimPrefix(strings.TrimSpace(provided), "sha256=")
	if provided == "" {
		return ErrMissingSignature
	}
	if !hmac.Equal([]byte(provided), []byte(s.Sign(payload))) {
		return ErrInvalidSignature
	}
	return nil
}

// ParseStageResult verifies the signature and decodes the payload.
func (s Service) ParseStageResult(payload []byte, signature string) (StageResult, error) {
	if err := s.ValidateSignature(payload, signature); err != nil {
		return StageResult{}, err
	}
	var result StageResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return StageResult{}, fmt.Errorf("%w: decode stage result: %v", domain.ErrValidation, err)
	}
	if err := validate.Struct(result); err != nil {
		return StageResult{}, err
	}
	return result, nil
}
