package negotiation

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/execution-hub/dataspace-connector/internal/domain/policy"
	"github.com/execution-hub/dataspace-connector/internal/domain/process"
)

// EntityType names negotiation entities in events and storage.
const EntityType = "negotiation"

// State is a contract negotiation state.
type State int

const (
	StateInitiated  State = 100
	StateRequested  State = 200
	StateOffered    State = 300
	StateAgreed     State = 400
	StateVerified   State = 500
	StateFinalized  State = 600
	StateDeclined   State = 700
	StateTerminated State = 800
)

var stateNames = map[State]string{
	StateInitiated:  "INITIATED",
	StateRequested:  "REQUESTED",
	StateOffered:    "OFFERED",
	StateAgreed:     "AGREED",
	StateVerified:   "VERIFIED",
	StateFinalized:  "FINALIZED",
	StateDeclined:   "DECLINED",
	StateTerminated: "TERMINATED",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// Valid reports whether s is a member of the enumeration.
func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// IsTerminal reports whether s has no outgoing transitions.
func (s State) IsTerminal() bool {
	return s == StateFinalized || s == StateDeclined || s == StateTerminated
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
	StateInitiated: {StateRequested},
	StateRequested: {StateOffered, StateAgreed},
	StateOffered:   {StateRequested, StateAgreed},
	StateAgreed:    {StateVerified},
	StateVerified:  {StateFinalized},
}

// CanTransition validates a state change. DECLINED and TERMINATED are reachable
// from every non-terminal state.
func CanTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateDeclined || to == StateTerminated {
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

// Role is the side of the negotiation this connector plays.
type Role string

const (
	RoleConsumer Role = "CONSUMER"
	RoleProvider Role = "PROVIDER"
)

var (
	ErrInvalidTransition = errors.New("invalid negotiation state transition")
	ErrNoOffer           = errors.New("negotiation has no contract offer")
)

// ContractOffer is a set of usage terms for an asset.
type ContractOffer struct {
	ID      string        `json:"id"`
	AssetID string        `json:"assetId"`
	Policy  policy.Policy `json:"policy"`
}

// ContractAgreement is the result of a successful negotiation.
type ContractAgreement struct {
	ID          string        `json:"id"`
	ProviderID  string        `json:"providerId"`
	ConsumerID  string        `json:"consumerId"`
	AssetID     string        `json:"assetId"`
	Policy      policy.Policy `json:"policy"`
	SigningDate time.Time     `json:"signingDate"`
}

// CallbackAddress receives integration events for a process.
type CallbackAddress struct {
	URI    string   `json:"uri"`
	Events []string `json:"events,omitempty"`
}

// ContractNegotiation is the persistent negotiation entity.
type ContractNegotiation struct {
	process.Process
	Role                Role               `json:"role"`
	CorrelationID       string             `json:"correlationId,omitempty"`
	CounterPartyID      string             `json:"counterPartyId"`
	CounterPartyAddress string             `json:"counterPartyAddress"`
	Protocol            string             `json:"protocol"`
	Offers              []ContractOffer    `json:"offers"`
	Offered             bool               `json:"offered,omitempty"`
	Agreement           *ContractAgreement `json:"agreement,omitempty"`
	CallbackAddresses   []CallbackAddress  `json:"callbackAddresses,omitempty"`
}

// New creates a negotiation in state.
func New(role Role, state State, now time.Time) *ContractNegotiation {
	return &ContractNegotiation{
		Process: process.New(uuid.NewString(), int(state), now),
		Role:    role,
	}
}

func (n *ContractNegotiation) Base() *process.Process {
	return &n.Process
}

// Copy returns a deep copy.
func (n *ContractNegotiation) Copy() *ContractNegotiation {
	out := *n
	out.Process = n.CopyProcess()
	if n.Offers != nil {
		out.Offers = append([]ContractOffer(nil), n.Offers...)
	}
	if n.Agreement != nil {
		a := *n.Agreement
		out.Agreement = &a
	}
	if n.CallbackAddresses != nil {
		out.CallbackAddresses = make([]CallbackAddress, len(n.CallbackAddresses))
		for i, c := range n.CallbackAddresses {
			c.Events = append([]string(nil), c.Events...)
			out.CallbackAddresses[i] = c
		}
	}
	return &out
}

// CurrentState returns the typed state.
func (n *ContractNegotiation) CurrentState() State {
	return State(n.State)
}

// LastOffer returns the most recent offer.
func (n *ContractNegotiation) LastOffer() (ContractOffer, error) {
	if len(n.Offers) == 0 {
		return ContractOffer{}, ErrNoOffer
	}
	return n.Offers[len(n.Offers)-1], nil
}

// AddOffer appends an offer to the negotiation history.
func (n *ContractNegotiation) AddOffer(o ContractOffer) {
	n.Offers = append(n.Offers, o)
}

// Transition moves the negotiation to target, validating the edge.
func (n *ContractNegotiation) Transition(target State, now time.Time) error {
	if !CanTransition(n.CurrentState(), target) {
		return ErrInvalidTransition
	}
	n.TransitionTo(int(target), now)
	n.ClearError()
	return nil
}
