package canary

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/splax/deployctl/internal/domain"
)

var testNow = time.Date(2025, 11, 5, 12, 0, 0, 0, time.UTC)

func newTestController(seed int64) *Controller {
	n := 0
	return New(Options{
		DefaultRamp: domain.RampPolicy{StepPercent: 10, MaxPercent: 50, StepInterval: 10 * time.Second},
		Rand:        rand.New(rand.NewSource(seed)),
		Now:         func() time.Time { return testNow },
		NewID: func() string {
			n++
			return fmt.Sprintf("canary-%d", n)
		},
	})
}

func mustCreate(t *testing.T, c *Controller, req Request) domain.CanaryDeployment {
	t.Helper()
	canary, err := c.Create(req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return canary
}

func defaultRequest() Request {
	return Request{Name: "checkout", CurrentVersion: "v1.4.0", TargetVersion: "v1.5.0"}
}

func TestCreateStartsPreparing(t *testing.T) {
	c := newTestController(1)
	canary := mustCreate(t, c, defaultRequest())
	if canary.Status != domain.CanaryPreparing {
		t.Fatalf("expected preparing, got %s", canary.Status)
	}
	if canary.TrafficSplitPercent != 0 {
		t.Fatalf("expected 0%% split, got %v", canary.TrafficSplitPercent)
	}
	if canary.Ramp.StepPercent != 10 || canary.Ramp.MaxPercent != 50 {
		t.Fatalf("expected default ramp, got %+v", canary.Ramp)
	}
	if len(canary.HealthChecks) != 4 {
		t.Fatalf("expected 4 health checks, got %d", len(canary.HealthChecks))
	}
}

func TestCreateRejectsInvalidRequests(t *testing.T) {
	c := newTestController(1)
	cases := map[string]Request{
		"missing name":  {CurrentVersion: "v1", TargetVersion: "v2"},
		"same versions": {Name: "x", CurrentVersion: "v1", TargetVersion: "v1"},
		"ramp above":    {Name: "x", CurrentVersion: "v1", TargetVersion: "v2", Ramp: domain.RampPolicy{StepPercent: 150}},
		"bad baseline":  {Name: "x", CurrentVersion: "v1", TargetVersion: "v2", Baseline: &domain.CanaryMetrics{UserSatisfaction: 7}},
	}
	for name, req := range cases {
		if _, err := c.Create(req); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestEmptyRampUsesDefaults(t *testing.T) {
	c := New(Options{Rand: rand.New(rand.NewSource(1)), Now: func() time.Time { return testNow }})
	canary := mustCreate(t, c, defaultRequest())
	want := domain.RampPolicy{StepPercent: DefaultStepPercent, MaxPercent: DefaultMaxPercent, StepInterval: DefaultStepInterval}
	if canary.Ramp != want {
		t.Fatalf("expected default ramp %+v, got %+v", want, canary.Ramp)
	}

	canary, _ = c.Tick(canary, time.Second)
	canary, _ = c.Tick(canary, time.Second)
	if canary.TrafficSplitPercent != DefaultStepPercent {
		t.Fatalf("expected one step before the interval elapses, got %v", canary.TrafficSplitPercent)
	}
	canary, _ = c.Tick(canary, DefaultStepInterval)
	if canary.TrafficSplitPercent != 2*DefaultStepPercent {
		t.Fatalf("expected a second step after %s, got %v", DefaultStepInterval, canary.TrafficSplitPercent)
	}
}

func TestTickRampsTowardMax(t *testing.T) {
	c := newTestController(7)
	canary := mustCreate(t, c, defaultRequest())

	canary, err := c.Tick(canary, time.Second)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if canary.Status != domain.CanaryRunning || canary.TrafficSplitPercent != 10 {
		t.Fatalf("expected running at 10%%, got %s at %v", canary.Status, canary.TrafficSplitPercent)
	}

	// Half an interval does not move traffic.
	canary, _ = c.Tick(canary, 5*time.Second)
	if canary.TrafficSplitPercent != 10 {
		t.Fatalf("expected 10%%, got %v", canary.TrafficSplitPercent)
	}
	canary, _ = c.Tick(canary, 5*time.Second)
	if canary.TrafficSplitPercent != 20 {
		t.Fatalf("expected 20%%, got %v", canary.TrafficSplitPercent)
	}
	canary, _ = c.Tick(canary, 30*time.Second)
	if canary.TrafficSplitPercent != 50 {
		t.Fatalf("expected cap at 50%%, got %v", canary.TrafficSplitPercent)
	}
	canary, _ = c.Tick(canary, time.Minute)
	if canary.TrafficSplitPercent != 50 {
		t.Fatalf("expected split to stay at max, got %v", canary.TrafficSplitPercent)
	}
}

func TestTickKeepsValuesInRange(t *testing.T) {
	c := newTestController(99)
	req := defaultRequest()
	req.Ramp = domain.RampPolicy{StepPercent: 35, MaxPercent: 100, StepInterval: time.Second}
	req.Baseline = &domain.CanaryMetrics{ErrorRatePercent: 0.01, ResponseTimeMs: 1, ThroughputPerMin: 1, UserSatisfaction: 4.99}
	canary := mustCreate(t, c, req)

	for i := 0; i < 1000; i++ {
		var err error
		canary, err = c.Tick(canary, 3*time.Second)
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		m := canary.Metrics
		if canary.TrafficSplitPercent < 0 || canary.TrafficSplitPercent > 100 {
			t.Fatalf("tick %d: split out of range: %v", i, canary.TrafficSplitPercent)
		}
		if m.ErrorRatePercent < 0 || m.ErrorRatePercent > 100 {
			t.Fatalf("tick %d: error rate out of range: %v", i, m.ErrorRatePercent)
		}
		if m.ResponseTimeMs < 0 || m.ThroughputPerMin < 0 {
			t.Fatalf("tick %d: negative metric: %+v", i, m)
		}
		if m.UserSatisfaction < 0 || m.UserSatisfaction > 5 {
			t.Fatalf("tick %d: satisfaction out of range: %v", i, m.UserSatisfaction)
		}
	}
	if canary.TrafficSplitPercent != 100 {
		t.Fatalf("expected full ramp, got %v", canary.TrafficSplitPercent)
	}
	if canary.Status != domain.CanaryRunning {
		t.Fatalf("controller must not change status on its own, got %s", canary.Status)
	}
}

func TestErrorRateDecays(t *testing.T) {
	c := newTestController(3)
	req := defaultRequest()
	req.Baseline = &domain.CanaryMetrics{ErrorRatePercent: 8, ResponseTimeMs: 200, ThroughputPerMin: 900, UserSatisfaction: 4.2}
	canary := mustCreate(t, c, req)
	for i := 0; i < 60; i++ {
		canary, _ = c.Tick(canary, time.Second)
	}
	if canary.Metrics.ErrorRatePercent >= 1 {
		t.Fatalf("expected error rate to decay below 1%%, got %v", canary.Metrics.ErrorRatePercent)
	}
}

func TestPromoteRequiresRunning(t *testing.T) {
	c := newTestController(1)
	canary := mustCreate(t, c, defaultRequest())

	got, err := c.Promote(canary)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if got.Status != domain.CanaryPreparing || got.TrafficSplitPercent != 0 || got.Revision != canary.Revision {
		t.Fatalf("expected state unchanged, got %+v", got)
	}

	running, _ := c.Tick(canary, time.Second)
	promoted, err := c.Promote(running)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if promoted.Status != domain.CanarySuccess || promoted.TrafficSplitPercent != 100 {
		t.Fatalf("expected success at 100%%, got %s at %v", promoted.Status, promoted.TrafficSplitPercent)
	}
	if promoted.CurrentVersion != "v1.5.0" {
		t.Fatalf("expected current version to follow target, got %s", promoted.CurrentVersion)
	}
	if _, err := c.Promote(promoted); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for terminal canary, got %v", err)
	}
}

func TestRollbackResetsTraffic(t *testing.T) {
	c := newTestController(1)
	canary := mustCreate(t, c, defaultRequest())
	canary, _ = c.Tick(canary, time.Second)
	canary, _ = c.Tick(canary, 20*time.Second)

	rolled, err := c.Rollback(canary)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if rolled.TrafficSplitPercent != 0 || rolled.Status != domain.CanaryRollback {
		t.Fatalf("expected rollback at 0%%, got %s at %v", rolled.Status, rolled.TrafficSplitPercent)
	}
	if rolled.CurrentVersion != "v1.4.0" {
		t.Fatalf("expected stable version kept, got %s", rolled.CurrentVersion)
	}

	after, err := c.Tick(rolled, time.Minute)
	if err != nil {
		t.Fatalf("tick terminal: %v", err)
	}
	if after.Revision != rolled.Revision {
		t.Fatalf("terminal canary must not change on tick")
	}
	if _, err := c.Rollback(rolled); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestObserveReplacesMetrics(t *testing.T) {
	c := newTestController(1)
	canary := mustCreate(t, c, defaultRequest())
	canary, _ = c.Tick(canary, time.Second)

	observed, err := c.Observe(canary, domain.CanaryMetrics{ErrorRatePercent: 7, ResponseTimeMs: 300, ThroughputPerMin: 10, UserSatisfaction: 4})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if len(observed.FailingChecks()) != 1 || observed.FailingChecks()[0].Name != CheckErrorRate {
		t.Fatalf("expected error-rate failure, got %+v", observed.HealthChecks)
	}
	if _, err := c.Observe(canary, domain.CanaryMetrics{ErrorRatePercent: -1}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
