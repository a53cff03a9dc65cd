package transfer

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/execution-hub/dataspace-connector/internal/domain/process"
	"github.com/execution-hub/dataspace-connector/internal/domain/provision"
)

// EntityType names transfer entities in events and storage.
const EntityType = "transfer"

// State is a transfer process state.
type State int

const (
	StateInitiated      State = 100
	StateProvisioning   State = 200
	StateProvisioned    State = 300
	StateRequested      State = 400
	StateStarted        State = 500
	StateSuspended      State = 550
	StateCompleted      State = 600
	StateTerminated     State = 700
	StateDeprovisioning State = 800
	StateDeprovisioned  State = 900
)

var stateNames = map[State]string{
	StateInitiated:      "INITIATED",
	StateProvisioning:   "PROVISIONING",
	StateProvisioned:    "PROVISIONED",
	StateRequested:      "REQUESTED",
	StateStarted:        "STARTED",
	StateSuspended:      "SUSPENDED",
	StateCompleted:      "COMPLETED",
	StateTerminated:     "TERMINATED",
	StateDeprovisioning: "DEPROVISIONING",
	StateDeprovisioned:  "DEPROVISIONED",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// IsTerminal reports whether the protocol has ended. COMPLETED and TERMINATED
// may still be followed by resource cleanup.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateTerminated || s == StateDeprovisioned
}

// ParseState resolves a state name.
func ParseState(name string) (State, bool) {
	for s, n := range stateNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

// StateName is the int-keyed name lookup used by the generic manager.
func StateName(s int) string {
	return State(s).String()
}

var transitions = map[State][]State{
	StateInitiated:      {StateProvisioning},
	StateProvisioning:   {StateProvisioned},
	StateProvisioned:    {StateRequested, StateStarted},
	StateRequested:      {StateStarted},
	StateStarted:        {StateSuspended, StateCompleted},
	StateSuspended:      {StateStarted},
	StateCompleted:      {StateDeprovisioning},
	StateTerminated:     {StateDeprovisioning},
	StateDeprovisioning: {StateDeprovisioned},
}

// CanTransition validates a state change. TERMINATED is reachable from every
// state that has not finished the protocol.
func CanTransition(from, to State) bool {
	if to == StateTerminated && !from.IsTerminal() && from != StateDeprovisioning {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionInt adapts CanTransition for the generic manager.
func CanTransitionInt(from, to int) bool {
	return CanTransition(State(from), State(to))
}

// Role is the side of the transfer this connector plays.
type Role string

const (
	RoleConsumer Role = "CONSUMER"
	RoleProvider Role = "PROVIDER"
)

var ErrInvalidTransition = errors.New("invalid transfer state transition")

// DataAddress locates data at either end of a transfer.
type DataAddress struct {
	Type       string            `json:"type"`
	Properties map[string]string `json:"properties,omitempty"`
}

func (a DataAddress) copy() DataAddress {
	out := DataAddress{Type: a.Type}
	if a.Properties != nil {
		out.Properties = make(map[string]string, len(a.Properties))
		for k, v := range a.Properties {
			out.Properties[k] = v
		}
	}
	return out
}

// CallbackAddress receives integration events for a process.
type CallbackAddress struct {
	URI    string   `json:"uri"`
	Events []string `json:"events,omitempty"`
}

// TransferProcess is the persistent transfer entity.
type TransferProcess struct {
	process.Process
	Role                 Role                            `json:"role"`
	CorrelationID        string                          `json:"correlationId,omitempty"`
	AssetID              string                          `json:"assetId"`
	ContractID           string                          `json:"contractId"`
	CounterPartyAddress  string                          `json:"counterPartyAddress"`
	Protocol             string                          `json:"protocol"`
	DataDestination      DataAddress                     `json:"dataDestination"`
	ContentDataAddress   *DataAddress                    `json:"contentDataAddress,omitempty"`
	CallbackAddresses    []CallbackAddress               `json:"callbackAddresses,omitempty"`
	ResourceManifest     []provision.ResourceDefinition  `json:"resourceManifest,omitempty"`
	ProvisionedResources []provision.ProvisionedResource `json:"provisionedResources,omitempty"`
}

// New creates a transfer in state.
func New(role Role, state State, now time.Time) *TransferProcess {
	return &TransferProcess{
		Process: process.New(uuid.NewString(), int(state), now),
		Role:    role,
	}
}

func (t *TransferProcess) Base() *process.Process {
	return &t.Process
}

// Copy returns a deep copy.
func (t *TransferProcess) Copy() *TransferProcess {
	out := *t
	out.Process = t.CopyProcess()
	out.DataDestination = t.DataDestination.copy()
	if t.ContentDataAddress != nil {
		a := t.ContentDataAddress.copy()
		out.ContentDataAddress = &a
	}
	if t.CallbackAddresses != nil {
		out.CallbackAddresses = make([]CallbackAddress, len(t.CallbackAddresses))
		for i, c := range t.CallbackAddresses {
			c.Events = append([]string(nil), c.Events...)
			out.CallbackAddresses[i] = c
		}
	}
	if t.ResourceManifest != nil {
		out.ResourceManifest = make([]provision.ResourceDefinition, len(t.ResourceManifest))
		for i, d := range t.ResourceManifest {
			d.Properties = copyMap(d.Properties)
			out.ResourceManifest[i] = d
		}
	}
	if t.ProvisionedResources != nil {
		out.ProvisionedResources = make([]provision.ProvisionedResource, len(t.ProvisionedResources))
		for i, r := range t.ProvisionedResources {
			r.Properties = copyMap(r.Properties)
			out.ProvisionedResources[i] = r
		}
	}
	return &out
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CurrentState returns the typed state.
func (t *TransferProcess) CurrentState() State {
	return State(t.State)
}

// Transition moves the transfer to target, validating the edge.
func (t *TransferProcess) Transition(target State, now time.Time) error {
	if !CanTransition(t.CurrentState(), target) {
		return ErrInvalidTransition
	}
	t.TransitionTo(int(target), now)
	t.ClearError()
	return nil
}

// IsProvisioned reports whether the definition already has a provisioned resource.
func (t *TransferProcess) IsProvisioned(defID string) bool {
	for _, r := range t.ProvisionedResources {
		if r.DefinitionID == defID {
			return true
		}
	}
	return false
}

// HasLiveResources reports whether any provisioned resource still needs cleanup.
func (t *TransferProcess) HasLiveResources() bool {
	for _, r := range t.ProvisionedResources {
		if !r.Deprovisioned {
			return true
		}
	}
	return false
}
