package webhook

import (
	"errors"
	"testing"

	"github.com/splax/deployctl/internal/domain"
)

func TestParseStageResult(t *testing.T) {
	svc := New("ci-secret")
	body := []byte(`{"pipeline_id":"p1","stage_id":"stage-2","result":"failed","message":"tests red"}`)

	result, err := svc.ParseStageResult(body, "sha256="+svc.Sign(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if result.PipelineID != "p1" || result.Result != domain.StageFailed {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestParseStageResultRejects(t *testing.T) {
	svc := New("ci-secret")
	body := []byte(`{"pipeline_id":"p1","stage_id":"stage-2","result":"failed"}`)

	if _, err := svc.ParseStageResult(body, ""); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("expected missing signature, got %v", err)
	}
	if _, err := svc.ParseStageResult(body, New("other").Sign(body)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
	bad := []byte(`{"pipeline_id":"p1","stage_id":"stage-2","result":"skipped"}`)
	if _, err := svc.ParseStageResult(bad, svc.Sign(bad)); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	garbled := []byte(`{`)
	if _, err := svc.ParseStageResult(garbled, svc.Sign(garbled)); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
