package domain

// DerivePipelineStatus computes the overall status from stage states. Paused and idle
// are operator states and are preserved as long as no stage has reached a terminal failure.
func DerivePipelineStatus(current PipelineStatus, stages []Stage) PipelineStatus {
	if len(stages) == 0 {
		return current
	}
	allSucceeded := true
	for _, st := range stages {
		if st.Status == StageFailed {
			return PipelineFailed
		}
		if st.Status != StageSuccess && st.Status != StageSkipped {
			allSucceeded = false
		}
	}
	if allSucceeded && stages[len(stages)-1].Status == StageSuccess {
		return PipelineSuccess
	}
	if current == PipelinePaused || current == PipelineIdle {
		return current
	}
	return PipelineRunning
}

// DeriveResourceStatus computes status from utilization. Provisioning and terminating
// are lifecycle states owned by whoever manages the resource and are kept as-is.
func DeriveResourceStatus(current ResourceStatus, utilization float64) ResourceStatus {
	if current == ResourceProvisioning || current == ResourceTerminating {
		return current
	}
	switch {
	case utilization > CriticalUtilizationPercent:
		return ResourceCritical
	case utilization > WarningUtilizationPercent:
		return ResourceWarning
	default:
		return ResourceHealthy
	}
}

// Severity ranks a status string for display ordering: 0 ok, 1 in progress, 2 degraded, 3 failed.
func Severity(status string) int {
	switch status {
	case string(PipelineSuccess), string(ResourceHealthy), string(HealthPass):
		return 0
	case string(PipelineRunning), string(PipelineIdle), string(StagePending), string(CanaryPreparing),
		string(ResourceProvisioning), string(ResourceTerminating):
		return 1
	case string(PipelinePaused), string(ResourceWarning), string(StageSkipped), string(CanaryRollback):
		return 2
	case string(PipelineFailed), string(ResourceCritical), string(HealthFail):
		return 3
	}
	return 1
}
