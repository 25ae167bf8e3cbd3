package orchestrator

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/deployctl/internal/domain"
)

// Instruments holds the orchestration counters. A nil *Instruments records nothing.
type Instruments struct {
	pipelinesCompleted  *prometheus.CounterVec
	canaryOutcomes      *prometheus.CounterVec
	healthCheckFailures *prometheus.CounterVec
	autoRollbacks       prometheus.Counter
	resourceChanges     *prometheus.CounterVec
}

// NewInstruments creates the collectors and registers them with reg. Collectors already
// registered by an earlier call are reused.
func NewInstruments(reg prometheus.Registerer) *Instruments {
	in := &Instruments{
		pipelinesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deployctl",
			Subsystem: "orchestrator",
			Name:      "pipelines_completed_total",
			Help:      "Pipelines that reached a terminal status",
		}, []string{"environment", "status"}),
		canaryOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deployctl",
			Subsystem: "orchestrator",
			Name:      "canary_outcomes_total",
			Help:      "Canary rollouts that reached a terminal status",
		}, []string{"status"}),
		healthCheckFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deployctl",
			Subsystem: "orchestrator",
			Name:      "health_check_failures_total",
			Help:      "Failing canary health checks observed after a tick",
		}, []string{"check"}),
		autoRollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deployctl",
			Subsystem: "orchestrator",
			Name:      "canary_auto_rollbacks_total",
			Help:      "Canaries rolled back by the auto-rollback policy",
		}),
		resourceChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deployctl",
			Subsystem: "infrastructure",
			Name:      "status_changes_total",
			Help:      "Infrastructure resource status transitions",
		}, []string{"status"}),
	}
	if reg == nil {
		return in
	}
	in.pipelinesCompleted = registerVec(reg, in.pipelinesCompleted)
	in.canaryOutcomes = registerVec(reg, in.canaryOutcomes)
	in.healthCheckFailures = registerVec(reg, in.healthCheckFailures)
	in.resourceChanges = registerVec(reg, in.resourceChanges)
	if err := reg.Register(in.autoRollbacks); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(prometheus.Counter); ok {
				in.autoRollbacks = existing
			}
		}
	}
	return in
}

func registerVec(reg prometheus.Registerer, vec *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return vec
}

func (in *Instruments) pipelineCompleted(p domain.Pipeline) {
	if in == nil {
		return
	}
	in.pipelinesCompleted.WithLabelValues(string(p.Environment), string(p.Status)).Inc()
}

func (in *Instruments) canaryFinished(c domain.CanaryDeployment) {
	if in == nil {
		return
	}
	in.canaryOutcomes.WithLabelValues(string(c.Status)).Inc()
}

func (in *Instruments) healthCheckFailed(check string) {
	if in == nil {
		return
	}
	in.healthCheckFailures.WithLabelValues(check).Inc()
}

func (in *Instruments) autoRolledBack() {
	if in == nil {
		return
	}
	in.autoRollbacks.Inc()
}

func (in *Instruments) resourceChanged(status domain.ResourceStatus) {
	if in == nil {
		return
	}
	in.resourceChanges.WithLabelValues(string(status)).Inc()
}
