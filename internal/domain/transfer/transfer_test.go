package transfer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/dataspace-connector/internal/domain/provision"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateInitiated, StateProvisioning, true},
		{StateProvisioning, StateProvisioned, true},
		{StateProvisioned, StateRequested, true},
		{StateProvisioned, StateStarted, true},
		{StateRequested, StateStarted, true},
		{StateStarted, StateSuspended, true},
		{StateSuspended, StateStarted, true},
		{StateStarted, StateCompleted, true},
		{StateCompleted, StateDeprovisioning, true},
		{StateTerminated, StateDeprovisioning, true},
		{StateDeprovisioning, StateDeprovisioned, true},
		{StateRequested, StateTerminated, true},
		{StateSuspended, StateCompleted, false},
		{StateCompleted, StateTerminated, false},
		{StateDeprovisioned, StateTerminated, false},
		{StateDeprovisioning, StateTerminated, false},
		{StateInitiated, StateStarted, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestResourceTracking(t *testing.T) {
	tp := New(RoleConsumer, StateProvisioning, time.Now())
	tp.ResourceManifest = []provision.ResourceDefinition{{ID: "def-1", Type: "MinIO"}}
	assert.False(t, tp.IsProvisioned("def-1"))
	assert.False(t, tp.HasLiveResources())

	tp.ProvisionedResources = append(tp.ProvisionedResources, provision.ProvisionedResource{ID: "res-1", DefinitionID: "def-1"})
	assert.True(t, tp.IsProvisioned("def-1"))
	assert.True(t, tp.HasLiveResources())

	tp.ProvisionedResources[0].Deprovisioned = true
	assert.False(t, tp.HasLiveResources())
}

func TestCopyIsIndependent(t *testing.T) {
	tp := New(RoleConsumer, StateInitiated, time.Now())
	tp.DataDestination = DataAddress{Type: "MinIO", Properties: map[string]string{"region": "eu"}}
	tp.ResourceManifest = []provision.ResourceDefinition{{ID: "def-1", Properties: map[string]string{"a": "b"}}}

	c := tp.Copy()
	c.DataDestination.Properties["region"] = "us"
	c.ResourceManifest[0].Properties["a"] = "z"

	assert.Equal(t, "eu", tp.DataDestination.Properties["region"])
	assert.Equal(t, "b", tp.ResourceManifest[0].Properties["a"])
}

func TestTransition(t *testing.T) {
	tp := New(RoleProvider, StateInitiated, time.Now())
	require.NoError(t, tp.Transition(StateProvisioning, time.Now()))
	assert.ErrorIs(t, tp.Transition(StateCompleted, time.Now()), ErrInvalidTransition)
}
