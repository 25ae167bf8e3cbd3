package infra

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/splax/deployctl/internal/domain"
)

type inventoryFile struct {
	Resources []domain.InfrastructureResource `yaml:"resources"`
}

// LoadInventory reads resources from a YAML file with a top-level `resources` list.
func LoadInventory(path string) ([]domain.InfrastructureResource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	return ParseInventory(data)
}

// ParseInventory decodes inventory YAML. Duplicate ids are rejected.
func ParseInventory(data []byte) ([]domain.InfrastructureResource, error) {
	var file inventoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: parse inventory: %v", domain.ErrValidation, err)
	}
	seen := make(map[string]struct{}, len(file.Resources))
	for _, res := range file.Resources {
		if _, dup := seen[res.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate resource id %q", domain.ErrValidation, res.ID)
		}
		seen[res.ID] = struct{}{}
	}
	return file.Resources, nil
}

// DefaultInventory is the fleet tracked when no inventory file is configured.
func DefaultInventory() []domain.InfrastructureResource {
	return []domain.InfrastructureResource{
		{ID: "web-1", Type: domain.ResourceCompute, Name: "web-server-1", UtilizationPercent: 45, CostPerMonth: 120, Region: "us-east-1", AutoScaling: true, Tags: []string{"web", "production"}},
		{ID: "web-2", Type: domain.ResourceCompute, Name: "web-server-2", UtilizationPercent: 52, CostPerMonth: 120, Region: "us-east-1", AutoScaling: true, Tags: []string{"web", "production"}},
		{ID: "db-primary", Type: domain.ResourceDatabase, Name: "postgres-primary", UtilizationPercent: 68, CostPerMonth: 450, Region: "us-east-1", Tags: []string{"database", "primary"}},
		{ID: "cache-1", Type: domain.ResourceCache, Name: "redis-cluster", UtilizationPercent: 34, CostPerMonth: 90, Region: "us-east-1", AutoScaling: true, Tags: []string{"cache"}},
		{ID: "storage-1", Type: domain.ResourceStorage, Name: "artifact-bucket", UtilizationPercent: 72, CostPerMonth: 60, Region: "us-west-2", Tags: []string{"artifacts"}},
		{ID: "lb-1", Type: domain.ResourceNetwork, Name: "edge-load-balancer", UtilizationPercent: 28, CostPerMonth: 25, Region: "global", Tags: []string{"network", "edge"}},
	}
}
