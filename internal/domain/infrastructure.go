package domain

import "time"

// ResourceType classifies an infrastructure resource.
type ResourceType string

const (
	ResourceCompute  ResourceType = "compute"
	ResourceStorage  ResourceType = "storage"
	ResourceNetwork  ResourceType = "network"
	ResourceDatabase ResourceType = "database"
	ResourceCache    ResourceType = "cache"
)

// ResourceStatus is the health state of an infrastructure resource.
type ResourceStatus string

const (
	ResourceHealthy      ResourceStatus = "healthy"
	ResourceWarning      ResourceStatus = "warning"
	ResourceCritical     ResourceStatus = "critical"
	ResourceProvisioning ResourceStatus = "provisioning"
	ResourceTerminating  ResourceStatus = "terminating"
)

// Utilization thresholds for derived resource status.
const (
	WarningUtilizationPercent  = 85.0
	CriticalUtilizationPercent = 95.0
)

// InfrastructureResource is a tracked resource owned outside the pipeline subsystem.
type InfrastructureResource struct {
	ID                 string         `json:"id" yaml:"id" validate:"required"`
	Type               ResourceType   `json:"type" yaml:"type" validate:"oneof=compute storage network database cache"`
	Name               string         `json:"name" yaml:"name" validate:"required"`
	Status             ResourceStatus `json:"status" yaml:"status"`
	UtilizationPercent float64        `json:"utilization_percent" yaml:"utilization_percent" validate:"gte=0,lte=100"`
	CostPerMonth       float64        `json:"cost_per_month" yaml:"cost_per_month" validate:"gte=0"`
	Region             string         `json:"region" yaml:"region"`
	AutoScaling        bool           `json:"auto_scaling" yaml:"auto_scaling"`
	Tags               []string       `json:"tags" yaml:"tags"`
	LastUpdated        time.Time      `json:"last_updated" yaml:"-"`
}

// Clone returns a deep copy of the resource.
func (r InfrastructureResource) Clone() InfrastructureResource {
	out := r
	if r.Tags != nil {
		out.Tags = append([]string(nil), r.Tags...)
	}
	return out
}

// InfrastructureSnapshot is a point-in-time read of all tracked resources.
type InfrastructureSnapshot struct {
	Resources        []InfrastructureResource `json:"resources"`
	TotalMonthlyCost float64                  `json:"total_monthly_cost"`
	CountsByStatus   map[ResourceStatus]int   `json:"counts_by_status"`
	TakenAt          time.Time                `json:"taken_at"`
}
