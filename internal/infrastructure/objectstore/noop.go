package objectstore

import (
	"context"
	"fmt"

	"github.com/execution-hub/dataspace-connector/internal/domain/provision"
)

// Noop accepts the listed resource types without creating anything. It stands
// in for destinations the counter-party writes to directly.
type Noop struct {
	Types []string
}

func (n Noop) Supports(resourceType string) bool {
	for _, t := range n.Types {
		if t == resourceType {
			return true
		}
	}
	return false
}

func (n Noop) Provision(_ context.Context, def provision.ResourceDefinition) (provision.ProvisionedResource, error) {
	if !n.Supports(def.Type) {
		return provision.ProvisionedResource{}, fmt.Errorf("%w: %s", provision.ErrUnsupportedType, def.Type)
	}
	name := BucketName(def.TransferID, def.ID)
	return provision.ProvisionedResource{ID: name, DefinitionID: def.ID, Type: def.Type, Name: name}, nil
}

func (n Noop) Deprovision(context.Context, provision.ProvisionedResource) error {
	return nil
}
