package domain

import "time"

// CanaryStatus is the lifecycle state of a canary rollout.
type CanaryStatus string

const (
	CanaryPreparing CanaryStatus = "preparing"
	CanaryRunning   CanaryStatus = "running"
	CanarySuccess   CanaryStatus = "success"
	CanaryRollback  CanaryStatus = "rollback"
)

// Terminal reports whether the rollout has finished.
func (s CanaryStatus) Terminal() bool {
	return s == CanarySuccess || s == CanaryRollback
}

// HealthStatus is the outcome of a single health check.
type HealthStatus string

const (
	HealthPass    HealthStatus = "pass"
	HealthWarning HealthStatus = "warning"
	HealthFail    HealthStatus = "fail"
)

// CanaryMetrics are the live signals observed for the canary version.
type CanaryMetrics struct {
	ErrorRatePercent float64 `json:"error_rate_percent" validate:"gte=0,lte=100"`
	ResponseTimeMs   float64 `json:"response_time_ms" validate:"gte=0"`
	ThroughputPerMin float64 `json:"throughput_per_min" validate:"gte=0"`
	UserSatisfaction float64 `json:"user_satisfaction" validate:"gte=0,lte=5"`
}

// HealthCheck is one evaluated health signal.
type HealthCheck struct {
	Name    string       `json:"name"`
	Status  HealthStatus `json:"status"`
	Message string       `json:"message"`
}

// RampPolicy controls how traffic shifts to the canary version.
type RampPolicy struct {
	StepPercent  float64       `json:"step_percent" validate:"gt=0,lte=100"`
	MaxPercent   float64       `json:"max_percent" validate:"gt=0,lte=100"`
	StepInterval time.Duration `json:"step_interval"`
}

// CanaryDeployment captures a single canary rollout.
type CanaryDeployment struct {
	ID                     string        `json:"id"`
	Name                   string        `json:"name"`
	TargetVersion          string        `json:"target_version"`
	CurrentVersion         string        `json:"current_version"`
	TrafficSplitPercent    float64       `json:"traffic_split_percent"`
	Status                 CanaryStatus  `json:"status"`
	Metrics                CanaryMetrics `json:"metrics"`
	HealthChecks           []HealthCheck `json:"health_checks"`
	Ramp                   RampPolicy    `json:"ramp"`
	BaselineResponseTimeMs float64       `json:"baseline_response_time_ms"`
	SinceStepMs            int64         `json:"-"`
	Revision               int64         `json:"revision"`
	CreatedAt              time.Time     `json:"created_at"`
	UpdatedAt              time.Time     `json:"updated_at"`
}

// Clone returns a deep copy of the canary.
func (c CanaryDeployment) Clone() CanaryDeployment {
	out := c
	if c.HealthChecks != nil {
		out.HealthChecks = append([]HealthCheck(nil), c.HealthChecks...)
	}
	return out
}

// FailingChecks returns the checks with status fail.
func (c CanaryDeployment) FailingChecks() []HealthCheck {
	var failing []HealthCheck
	for _, hc := range c.HealthChecks {
		if hc.Status == HealthFail {
			failing = append(failing, hc)
		}
	}
	return failing
}
