package policy

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_engine.go -package=mocks . Engine

import (
	"context"
	"time"
)

// Policy is the usage policy attached to an offer or agreement.
// Constraint is a boolean expression over the evaluation context; empty allows.
type Policy struct {
	ID         string `json:"id"`
	Assigner   string `json:"assigner,omitempty"`
	Target     string `json:"target,omitempty"`
	Action     string `json:"action,omitempty"`
	Constraint string `json:"constraint,omitempty"`
}

// Scope names the point in a process at which a policy is evaluated.
type Scope string

const (
	ScopeNegotiationRequest Scope = "negotiation.request"
	ScopeNegotiationOffer   Scope = "negotiation.offer"
	ScopeTransfer           Scope = "transfer"
)

// Context carries the facts a constraint is evaluated against.
type Context struct {
	Scope          Scope             `json:"scope"`
	ParticipantID  string            `json:"participantId"`
	CounterPartyID string            `json:"counterPartyId"`
	AssetID        string            `json:"assetId"`
	Now            time.Time         `json:"now"`
	Claims         map[string]string `json:"claims,omitempty"`
}

// Decision is the outcome of an evaluation.
type Decision struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons,omitempty"`
}

// Allow is the permissive decision.
func Allow() Decision {
	return Decision{Allowed: true}
}

// Deny builds a denying decision.
func Deny(reasons ...string) Decision {
	return Decision{Allowed: false, Reasons: reasons}
}

// Engine evaluates policies.
type Engine interface {
	Evaluate(ctx context.Context, p Policy, pctx Context) (Decision, error)
}
