package provision

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_provisioner.go -package=mocks . Provisioner

import (
	"context"
	"errors"
)

// ResourceDefinition describes a resource a transfer needs before it can start.
type ResourceDefinition struct {
	ID         string            `json:"id"`
	TransferID string            `json:"transferId"`
	Type       string            `json:"type"`
	Properties map[string]string `json:"properties,omitempty"`
}

// ProvisionedResource is the result of provisioning one definition.
type ProvisionedResource struct {
	ID            string            `json:"id"`
	DefinitionID  string            `json:"definitionId"`
	Type          string            `json:"type"`
	Name          string            `json:"name"`
	Properties    map[string]string `json:"properties,omitempty"`
	Deprovisioned bool              `json:"deprovisioned,omitempty"`
}

var ErrUnsupportedType = errors.New("unsupported resource type")

// Provisioner creates and removes transfer resources. Both operations must be
// idempotent: repeating a call for the same definition yields the same resource.
type Provisioner interface {
	Supports(resourceType string) bool
	Provision(ctx context.Context, def ResourceDefinition) (ProvisionedResource, error)
	Deprovision(ctx context.Context, res ProvisionedResource) error
}
