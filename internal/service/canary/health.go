package canary

import (
	"fmt"

	"github.com/splax/deployctl/internal/domain"
)

// Health check names.
const (
	CheckErrorRate        = "error-rate"
	CheckResponseTime     = "response-time"
	CheckUserSatisfaction = "user-satisfaction"
	CheckThroughput       = "throughput"
)

// Thresholds for EvaluateHealth.
const (
	errorRateWarnPercent = 1.0
	errorRateFailPercent = 5.0
	responseTimeWarnMs   = 500.0
	responseTimeFailMs   = 1000.0
	satisfactionWarn     = 4.0
	satisfactionFail     = 3.0
)

// EvaluateHealth is a pure function of the canary's current metrics.
func EvaluateHealth(canary domain.CanaryDeployment) []domain.HealthCheck {
	m := canary.Metrics
	return []domain.HealthCheck{
		errorRateCheck(m.ErrorRatePercent),
		responseTimeCheck(m.ResponseTimeMs),
		satisfactionCheck(m.UserSatisfaction),
		throughputCheck(m.ThroughputPerMin),
	}
}

func errorRateCheck(rate float64) domain.HealthCheck {
	hc := domain.HealthCheck{Name: CheckErrorRate}
	switch {
	case rate > errorRateFailPercent:
		hc.Status = domain.HealthFail
		hc.Message = fmt.Sprintf("error rate %.2f%% above %.0f%%", rate, errorRateFailPercent)
	case rate >= errorRateWarnPercent:
		hc.Status = domain.HealthWarning
		hc.Message = fmt.Sprintf("error rate %.2f%% elevated", rate)
	default:
		hc.Status = domain.HealthPass
		hc.Message = fmt.Sprintf("error rate %.2f%% below %.0f%%", rate, errorRateWarnPercent)
	}
	return hc
}

func responseTimeCheck(ms float64) domain.HealthCheck {
	hc := domain.HealthCheck{Name: CheckResponseTime}
	switch {
	case ms > responseTimeFailMs:
		hc.Status = domain.HealthFail
		hc.Message = fmt.Sprintf("response time %.0fms above %.0fms", ms, responseTimeFailMs)
	case ms >= responseTimeWarnMs:
		hc.Status = domain.HealthWarning
		hc.Message = fmt.Sprintf("response time %.0fms elevated", ms)
	default:
		hc.Status = domain.HealthPass
		hc.Message = fmt.Sprintf("response time %.0fms within budget", ms)
	}
	return hc
}

func satisfactionCheck(score float64) domain.HealthCheck {
	hc := domain.HealthCheck{Name: CheckUserSatisfaction}
	switch {
	case score < satisfactionFail:
		hc.Status = domain.HealthFail
		hc.Message = fmt.Sprintf("user satisfaction %.1f below %.1f", score, satisfactionFail)
	case score < satisfactionWarn:
		hc.Status = domain.HealthWarning
		hc.Message = fmt.Sprintf("user satisfaction %.1f below target", score)
	default:
		hc.Status = domain.HealthPass
		hc.Message = fmt.Sprintf("user satisfaction %.1f", score)
	}
	return hc
}

func throughputCheck(perMin float64) domain.HealthCheck {
	if perMin > 0 {
		return domain.HealthCheck{Name: CheckThroughput, Status: domain.HealthPass, Message: fmt.Sprintf("%.0f requests/min", perMin)}
	}
	return domain.HealthCheck{Name: CheckThroughput, Status: domain.HealthWarning, Message: "no traffic observed"}
}
