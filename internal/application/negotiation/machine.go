package negotiation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/execution-hub/dataspace-connector/internal/application/statemachine"
	domainNegotiation "github.com/execution-hub/dataspace-connector/internal/domain/negotiation"
	"github.com/execution-hub/dataspace-connector/internal/domain/policy"
	"github.com/execution-hub/dataspace-connector/internal/domain/protocol"
)

// Manager is the processing loop for negotiations.
type Manager = statemachine.Manager[*domainNegotiation.ContractNegotiation]

// ManagerConfig fills the protocol-specific parts of cfg. A failure in a
// terminal state parks the negotiation where it is.
func ManagerConfig(cfg statemachine.Config) statemachine.Config {
	cfg.Name = domainNegotiation.EntityType
	cfg.ErrorState = int(domainNegotiation.StateTerminated)
	cfg.ErrorStateFor = func(state int) int {
		if domainNegotiation.State(state).IsTerminal() {
			return state
		}
		return int(domainNegotiation.StateTerminated)
	}
	cfg.StateName = domainNegotiation.StateName
	cfg.CanTransition = domainNegotiation.CanTransitionInt
	return cfg
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithOfferFirst makes the provider answer a first request with an offer
// instead of agreeing directly.
func WithOfferFirst(enabled bool) MachineOption {
	return func(m *Machine) { m.offerFirst = enabled }
}

// WithMachineClock overrides the time source used for agreements.
func WithMachineClock(clock func() time.Time) MachineOption {
	return func(m *Machine) { m.now = clock }
}

// Machine holds the per-state handlers of the negotiation protocol for both roles.
type Machine struct {
	participantID   string
	callbackAddress string
	dispatcher      protocol.Dispatcher
	policies        policy.Engine
	offerFirst      bool
	now             func() time.Time
	logger          zerolog.Logger
}

// NewMachine creates the handler set. callbackAddress is where counter-parties
// send replies to this connector.
func NewMachine(
	participantID string,
	callbackAddress string,
	dispatcher protocol.Dispatcher,
	policies policy.Engine,
	logger zerolog.Logger,
	opts ...MachineOption,
) *Machine {
	m := &Machine{
		participantID:   participantID,
		callbackAddress: callbackAddress,
		dispatcher:      dispatcher,
		policies:        policies,
		now:             time.Now,
		logger:          logger.With().Str("service", "negotiation-machine").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register installs the handlers on mgr.
func (m *Machine) Register(mgr *Manager) *Manager {
	return mgr.
		Register(int(domainNegotiation.StateInitiated), m.onInitiated).
		Register(int(domainNegotiation.StateRequested), m.onRequested).
		Register(int(domainNegotiation.StateOffered), m.onOffered).
		Register(int(domainNegotiation.StateAgreed), m.onAgreed).
		Register(int(domainNegotiation.StateVerified), m.onVerified).
		Register(int(domainNegotiation.StateDeclined), m.onEnded).
		Register(int(domainNegotiation.StateTerminated), m.onEnded)
}

// onInitiated sends the consumer's first request.
func (m *Machine) onInitiated(ctx context.Context, n *domainNegotiation.ContractNegotiation) statemachine.Outcome {
	if n.Role != domainNegotiation.RoleConsumer {
		return statemachine.Fatal("provider negotiation cannot be initiated locally")
	}
	offer, err := n.LastOffer()
	if err != nil {
		return statemachine.Fatal(err.Error())
	}
	if out, ok := m.checkPolicy(ctx, n, offer, policy.ScopeNegotiationRequest); !ok {
		return out
	}
	return m.send(ctx, n, protocol.TypeContractRequest, offer,
		statemachine.AdvanceAndWait(int(domainNegotiation.StateRequested)))
}

// onRequested lets the provider answer a request with an offer or an agreement.
func (m *Machine) onRequested(ctx context.Context, n *domainNegotiation.ContractNegotiation) statemachine.Outcome {
	if n.Role != domainNegotiation.RoleProvider {
		return statemachine.Await()
	}
	offer, err := n.LastOffer()
	if err != nil {
		return statemachine.Fatal(err.Error())
	}
	if decision, err := m.evaluate(ctx, n, offer, policy.ScopeNegotiationRequest); err != nil {
		return statemachine.Fatal(err.Error())
	} else if !decision.Allowed {
		return m.decline(ctx, n, decision)
	}

	if m.offerFirst && !n.Offered {
		counter := offer
		if counter.ID == "" {
			counter.ID = uuid.NewString()
		}
		out := m.send(ctx, n, protocol.TypeContractOffer, counter,
			statemachine.AdvanceAndWait(int(domainNegotiation.StateOffered)))
		if out.Kind == statemachine.KindAdvance {
			n.Offered = true
			if counter.ID != offer.ID {
				n.AddOffer(counter)
			}
		}
		return out
	}

	agreement := &domainNegotiation.ContractAgreement{
		ID:          uuid.NewString(),
		ProviderID:  m.participantID,
		ConsumerID:  n.CounterPartyID,
		AssetID:     offer.AssetID,
		Policy:      offer.Policy,
		SigningDate: m.now().UTC(),
	}
	if n.Agreement != nil {
		agreement = n.Agreement
	}
	n.Agreement = agreement
	return m.send(ctx, n, protocol.TypeContractAgreement, agreement,
		statemachine.AdvanceAndWait(int(domainNegotiation.StateAgreed)))
}

// onOffered lets the consumer accept or decline the provider's offer.
func (m *Machine) onOffered(ctx context.Context, n *domainNegotiation.ContractNegotiation) statemachine.Outcome {
	if n.Role != domainNegotiation.RoleConsumer {
		return statemachine.Await()
	}
	offer, err := n.LastOffer()
	if err != nil {
		return statemachine.Fatal(err.Error())
	}
	if decision, err := m.evaluate(ctx, n, offer, policy.ScopeNegotiationOffer); err != nil {
		return statemachine.Fatal(err.Error())
	} else if !decision.Allowed {
		return m.decline(ctx, n, decision)
	}
	return m.send(ctx, n, protocol.TypeContractRequest, offer,
		statemachine.AdvanceAndWait(int(domainNegotiation.StateRequested)))
}

// onAgreed lets the consumer verify the received agreement.
func (m *Machine) onAgreed(ctx context.Context, n *domainNegotiation.ContractNegotiation) statemachine.Outcome {
	if n.Role != domainNegotiation.RoleConsumer {
		return statemachine.Await()
	}
	if n.Agreement == nil {
		return statemachine.Fatal("agreed negotiation has no agreement")
	}
	return m.send(ctx, n, protocol.TypeAgreementVerification, nil,
		statemachine.AdvanceAndWait(int(domainNegotiation.StateVerified)))
}

// onVerified lets the provider finalize.
func (m *Machine) onVerified(ctx context.Context, n *domainNegotiation.ContractNegotiation) statemachine.Outcome {
	if n.Role != domainNegotiation.RoleProvider {
		return statemachine.Await()
	}
	return m.send(ctx, n, protocol.TypeNegotiationFinalized, n.Agreement,
		statemachine.Advance(int(domainNegotiation.StateFinalized)))
}

// onEnded tells the counter-party about a locally ended negotiation. Without a
// correlation id the counter-party never learnt of the negotiation.
func (m *Machine) onEnded(ctx context.Context, n *domainNegotiation.ContractNegotiation) statemachine.Outcome {
	if !n.NotifyPeer || n.CounterPartyAddress == "" || n.CorrelationID == "" {
		return statemachine.Await()
	}
	return m.send(ctx, n, protocol.TypeNegotiationTermination, Termination{Reason: n.ErrorDetail},
		statemachine.Await())
}

func (m *Machine) decline(ctx context.Context, n *domainNegotiation.ContractNegotiation, d policy.Decision) statemachine.Outcome {
	reason := "policy denied"
	if len(d.Reasons) > 0 {
		reason = reason + ": " + strings.Join(d.Reasons, "; ")
	}
	return m.send(ctx, n, protocol.TypeNegotiationTermination, Termination{Reason: reason},
		statemachine.Advance(int(domainNegotiation.StateDeclined)).WithReason(reason))
}

func (m *Machine) evaluate(ctx context.Context, n *domainNegotiation.ContractNegotiation, offer domainNegotiation.ContractOffer, scope policy.Scope) (policy.Decision, error) {
	if m.policies == nil {
		return policy.Allow(), nil
	}
	d, err := m.policies.Evaluate(ctx, offer.Policy, policy.Context{
		Scope:          scope,
		ParticipantID:  m.participantID,
		CounterPartyID: n.CounterPartyID,
		AssetID:        offer.AssetID,
		Now:            m.now(),
	})
	if err != nil {
		return policy.Decision{}, fmt.Errorf("policy evaluation: %w", err)
	}
	return d, nil
}

// checkPolicy is evaluate for the consumer's own request: a denial is fatal,
// there is nobody to notify yet.
func (m *Machine) checkPolicy(ctx context.Context, n *domainNegotiation.ContractNegotiation, offer domainNegotiation.ContractOffer, scope policy.Scope) (statemachine.Outcome, bool) {
	d, err := m.evaluate(ctx, n, offer, scope)
	if err != nil {
		return statemachine.Fatal(err.Error()), false
	}
	if !d.Allowed {
		return statemachine.Fatal("policy denied: " + strings.Join(d.Reasons, "; ")), false
	}
	return statemachine.Outcome{}, true
}

// send dispatches a message and maps the result: success yields next, a
// rejection is fatal and anything else is retried.
func (m *Machine) send(ctx context.Context, n *domainNegotiation.ContractNegotiation, t protocol.MessageType, payload interface{}, next statemachine.Outcome) statemachine.Outcome {
	msg, err := protocol.Message{
		Type:                t,
		ProcessID:           n.CorrelationID,
		CorrelationID:       n.ID,
		SenderID:            m.participantID,
		CallbackAddress:     m.callbackAddress,
		CounterPartyAddress: n.CounterPartyAddress,
		Protocol:            n.Protocol,
	}.WithPayload(payload)
	if err != nil {
		return statemachine.Fatal(fmt.Sprintf("encode %s: %v", t, err))
	}
	if err := m.dispatcher.Dispatch(ctx, msg); err != nil {
		if errors.Is(err, protocol.ErrRejected) {
			return statemachine.Fatal(fmt.Sprintf("%s: %v", t, err))
		}
		m.logger.Warn().Err(err).
			Str("process_id", n.ID).
			Str("message_type", string(t)).
			Msg("dispatch failed")
		return statemachine.Retry(fmt.Sprintf("%s: %v", t, err))
	}
	return next
}
