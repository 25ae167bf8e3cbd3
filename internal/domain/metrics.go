package domain

import "time"

// HistoryKind distinguishes history entries.
type HistoryKind string

const (
	HistoryPipeline HistoryKind = "pipeline"
	HistoryCanary   HistoryKind = "canary"
)

// HistoryEntry is one append-only record of a finished deployment or canary.
type HistoryEntry struct {
	ID                       string      `json:"id"`
	Kind                     HistoryKind `json:"kind"`
	PipelineID               string      `json:"pipeline_id,omitempty"`
	CanaryID                 string      `json:"canary_id,omitempty"`
	Environment              Environment `json:"environment,omitempty"`
	Version                  string      `json:"version"`
	Status                   string      `json:"status"`
	RolledBack               bool        `json:"rolled_back"`
	StartedAt                time.Time   `json:"started_at"`
	CompletedAt              time.Time   `json:"completed_at"`
	DurationMs               int64       `json:"duration_ms"`
	ResponseTimeDeltaPercent float64     `json:"response_time_delta_percent"`
}

// DeploymentMetrics is a read-only aggregate derived from history.
type DeploymentMetrics struct {
	WindowDays                int     `json:"window_days"`
	TotalDeployments          int     `json:"total_deployments"`
	Successes                 int     `json:"successes"`
	Failures                  int     `json:"failures"`
	Rollbacks                 int     `json:"rollbacks"`
	SuccessRatePercent        float64 `json:"success_rate_percent"`
	AvgDeploymentTimeMinutes  float64 `json:"avg_deployment_time_minutes"`
	P50DeploymentTimeMinutes  float64 `json:"p50_deployment_time_minutes"`
	P95DeploymentTimeMinutes  float64 `json:"p95_deployment_time_minutes"`
	MeanTimeToRecoveryMinutes float64 `json:"mean_time_to_recovery_minutes"`
	DeploymentFrequencyPerDay float64 `json:"deployment_frequency_per_day"`
	RollbackRatePercent       float64 `json:"rollback_rate_percent"`
	UptimePercent             float64 `json:"uptime_percent"`
	PerformanceImpactPercent  float64 `json:"performance_impact_percent"`
}
