package metrics

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/splax/deployctl/internal/domain"
)

var now = time.Date(2025, 11, 5, 12, 0, 0, 0, time.UTC)

func pipelineEntry(env domain.Environment, status domain.PipelineStatus, completedAgo, duration time.Duration) domain.HistoryEntry {
	completed := now.Add(-completedAgo)
	return domain.HistoryEntry{
		Kind:        domain.HistoryPipeline,
		Environment: env,
		Status:      string(status),
		StartedAt:   completed.Add(-duration),
		CompletedAt: completed,
		DurationMs:  duration.Milliseconds(),
	}
}

func near(a, b float64) bool { return math.Abs(a-b) < 0.01 }

func TestComputeEmptyHistoryIsNeutral(t *testing.T) {
	got, err := Compute(nil, 7, now)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	want := domain.DeploymentMetrics{WindowDays: 7, UptimePercent: 100}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestComputeRejectsWindow(t *testing.T) {
	for _, days := range []int{0, -3, MaxWindowDays + 1, 200000} {
		if _, err := Compute(nil, days, now); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("window %d: expected validation error, got %v", days, err)
		}
	}
}

func TestComputeLongestWindowKeepsEntries(t *testing.T) {
	history := []domain.HistoryEntry{pipelineEntry(domain.EnvironmentProduction, domain.PipelineSuccess, time.Hour, time.Minute)}
	got, err := Compute(history, MaxWindowDays, now)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if got.TotalDeployments != 1 {
		t.Fatalf("expected the entry inside the window, got %+v", got)
	}
}

func TestComputeRates(t *testing.T) {
	history := []domain.HistoryEntry{
		pipelineEntry(domain.EnvironmentProduction, domain.PipelineSuccess, 48*time.Hour, 10*time.Minute),
		pipelineEntry(domain.EnvironmentProduction, domain.PipelineSuccess, 36*time.Hour, 20*time.Minute),
		pipelineEntry(domain.EnvironmentStaging, domain.PipelineSuccess, 24*time.Hour, 30*time.Minute),
		pipelineEntry(domain.EnvironmentStaging, domain.PipelineFailed, 12*time.Hour, 40*time.Minute),
		{Kind: domain.HistoryCanary, Status: string(domain.CanaryRollback), RolledBack: true, CompletedAt: now.Add(-time.Hour), ResponseTimeDeltaPercent: 12},
		{Kind: domain.HistoryCanary, Status: string(domain.CanarySuccess), CompletedAt: now.Add(-2 * time.Hour), ResponseTimeDeltaPercent: -4},
		// Outside the window.
		pipelineEntry(domain.EnvironmentProduction, domain.PipelineFailed, 10*24*time.Hour, time.Minute),
	}
	got, err := Compute(history, 2, now)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if got.TotalDeployments != 4 || got.Successes != 3 || got.Failures != 1 || got.Rollbacks != 1 {
		t.Fatalf("unexpected counts: %+v", got)
	}
	checks := map[string][2]float64{
		"success rate":  {got.SuccessRatePercent, 75},
		"rollback rate": {got.RollbackRatePercent, 25},
		"frequency":     {got.DeploymentFrequencyPerDay, 2},
		"avg minutes":   {got.AvgDeploymentTimeMinutes, 25},
		"p50 minutes":   {got.P50DeploymentTimeMinutes, 25},
		"p95 minutes":   {got.P95DeploymentTimeMinutes, 38.5},
		"perf impact":   {got.PerformanceImpactPercent, 4},
	}
	for name, pair := range checks {
		if !near(pair[0], pair[1]) {
			t.Fatalf("%s: expected %v, got %v", name, pair[1], pair[0])
		}
	}
}

func TestComputeRollbackRateIsCapped(t *testing.T) {
	history := []domain.HistoryEntry{pipelineEntry(domain.EnvironmentProduction, domain.PipelineSuccess, time.Hour, time.Minute)}
	for i := 0; i < 3; i++ {
		history = append(history, domain.HistoryEntry{Kind: domain.HistoryCanary, RolledBack: true, CompletedAt: now.Add(-time.Minute)})
	}
	got, err := Compute(history, 1, now)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if got.RollbackRatePercent != 100 {
		t.Fatalf("expected rollback rate capped at 100, got %v", got.RollbackRatePercent)
	}
}

func TestComputeRecoveryAndUptime(t *testing.T) {
	history := []domain.HistoryEntry{
		// production down for 2h, staging down for 1h overlapping by 30m.
		pipelineEntry(domain.EnvironmentProduction, domain.PipelineFailed, 10*time.Hour, time.Minute),
		pipelineEntry(domain.EnvironmentProduction, domain.PipelineFailed, 9*time.Hour, time.Minute),
		pipelineEntry(domain.EnvironmentProduction, domain.PipelineSuccess, 8*time.Hour, time.Minute),
		pipelineEntry(domain.EnvironmentStaging, domain.PipelineFailed, 8*time.Hour+30*time.Minute, time.Minute),
		pipelineEntry(domain.EnvironmentStaging, domain.PipelineSuccess, 7*time.Hour+30*time.Minute, time.Minute),
	}
	got, err := Compute(history, 1, now)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if !near(got.MeanTimeToRecoveryMinutes, 90) {
		t.Fatalf("expected mttr 90, got %v", got.MeanTimeToRecoveryMinutes)
	}
	// Downtime union is 10h..7h30 ago = 2.5h of 24h.
	want := 100 - 2.5/24*100
	if !near(got.UptimePercent, math.Round(want*100)/100) {
		t.Fatalf("expected uptime %.2f, got %v", want, got.UptimePercent)
	}
}

func TestComputeOpenFailureCountsAsDowntime(t *testing.T) {
	history := []domain.HistoryEntry{
		pipelineEntry(domain.EnvironmentProduction, domain.PipelineFailed, 6*time.Hour, time.Minute),
	}
	got, err := Compute(history, 1, now)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if got.MeanTimeToRecoveryMinutes != 0 {
		t.Fatalf("unrecovered failure has no mttr, got %v", got.MeanTimeToRecoveryMinutes)
	}
	if !near(got.UptimePercent, 75) {
		t.Fatalf("expected uptime 75, got %v", got.UptimePercent)
	}
}

func TestPercentile(t *testing.T) {
	values := []float64{1, 2, 3, 4}
	if got := percentile(values, 0.5); got != 2.5 {
		t.Fatalf("expected 2.5, got %v", got)
	}
	if got := percentile(values, 1); got != 4 {
		t.Fatalf("expected 4, got %v", got)
	}
	if got := percentile(nil, 0.5); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}
