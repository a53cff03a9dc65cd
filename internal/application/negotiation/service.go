package negotiation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/execution-hub/dataspace-connector/internal/application/listener"
	"github.com/execution-hub/dataspace-connector/internal/application/statemachine"
	"github.com/execution-hub/dataspace-connector/internal/domain/event"
	"github.com/execution-hub/dataspace-connector/internal/domain/lease"
	domainNegotiation "github.com/execution-hub/dataspace-connector/internal/domain/negotiation"
	"github.com/execution-hub/dataspace-connector/internal/domain/process"
	"github.com/execution-hub/dataspace-connector/internal/domain/protocol"
)

// Store persists negotiations.
type Store = process.Store[*domainNegotiation.ContractNegotiation]

// Termination is the payload of a termination message.
type Termination struct {
	Reason string `json:"reason,omitempty"`
}

// InitiateRequest starts a consumer negotiation.
type InitiateRequest struct {
	CounterPartyID      string                              `json:"counterPartyId"`
	CounterPartyAddress string                              `json:"counterPartyAddress"`
	Protocol            string                              `json:"protocol"`
	Offer               domainNegotiation.ContractOffer     `json:"offer"`
	CallbackAddresses   []domainNegotiation.CallbackAddress `json:"callbackAddresses,omitempty"`
}

func (r InitiateRequest) validate() error {
	switch {
	case r.CounterPartyAddress == "":
		return fmt.Errorf("%w: counterPartyAddress is required", process.ErrInvalidArgument)
	case r.Offer.AssetID == "":
		return fmt.Errorf("%w: offer.assetId is required", process.ErrInvalidArgument)
	}
	return nil
}

// Service is the local and inbound API of negotiations. Every write holds the
// entity's lease under the service's own holder id, so it fails with a lease
// conflict while a worker processes the entity.
type Service struct {
	store         Store
	listeners     *listener.Registry
	now           func() time.Time
	logger        zerolog.Logger
	holderID      string
	leaseDuration time.Duration
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) { s.now = clock }
}

// WithLeaseDuration bounds how long a single write may hold an entity.
func WithLeaseDuration(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.leaseDuration = d
		}
	}
}

func NewService(store Store, listeners *listener.Registry, logger zerolog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		store:         store,
		listeners:     listeners,
		now:           time.Now,
		logger:        logger.With().Str("service", "negotiation").Logger(),
		holderID:      "negotiation-service-" + uuid.NewString(),
		leaseDuration: lease.DefaultDuration,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initiate creates a consumer negotiation; the manager sends the request.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*domainNegotiation.ContractNegotiation, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	n := domainNegotiation.New(domainNegotiation.RoleConsumer, domainNegotiation.StateInitiated, s.now().UTC())
	n.CounterPartyID = req.CounterPartyID
	n.CounterPartyAddress = req.CounterPartyAddress
	n.Protocol = req.Protocol
	n.CallbackAddresses = req.CallbackAddresses
	n.AddOffer(req.Offer)
	n.TraceContext = statemachine.TraceCarrier(ctx)

	if err := s.store.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("create negotiation: %w", err)
	}
	s.notify(ctx, n, 0)
	s.logger.Info().Str("process_id", n.ID).Str("counter_party_id", n.CounterPartyID).Msg("negotiation initiated")
	return n, nil
}

// Get returns a negotiation by id.
func (s *Service) Get(ctx context.Context, id string) (*domainNegotiation.ContractNegotiation, error) {
	return s.store.Find(ctx, id)
}

// Query lists negotiations.
func (s *Service) Query(ctx context.Context, q process.Query) ([]*domainNegotiation.ContractNegotiation, error) {
	return s.store.Query(ctx, q)
}

// Delete removes a negotiation that reached a terminal state.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.lease(ctx, id); err != nil {
		return err
	}
	defer s.release(ctx, id)
	n, err := s.store.Find(ctx, id)
	if err != nil {
		return err
	}
	if !n.CurrentState().IsTerminal() {
		return fmt.Errorf("%w: negotiation %s is %s", process.ErrActive, id, n.CurrentState())
	}
	return s.store.Delete(ctx, id, s.holderID)
}

// Terminate ends a negotiation locally; the manager notifies the counter-party.
func (s *Service) Terminate(ctx context.Context, id, reason string) (*domainNegotiation.ContractNegotiation, error) {
	return s.end(ctx, id, domainNegotiation.StateTerminated, reason)
}

// Decline refuses a negotiation locally; the manager notifies the counter-party.
func (s *Service) Decline(ctx context.Context, id, reason string) (*domainNegotiation.ContractNegotiation, error) {
	return s.end(ctx, id, domainNegotiation.StateDeclined, reason)
}

func (s *Service) end(ctx context.Context, id string, target domainNegotiation.State, reason string) (*domainNegotiation.ContractNegotiation, error) {
	return s.apply(ctx, id, func(n *domainNegotiation.ContractNegotiation) error {
		if err := n.Transition(target, s.now().UTC()); err != nil {
			return fmt.Errorf("%w: %s -> %s", err, n.CurrentState(), target)
		}
		n.SetError(reason)
		n.Pending = false
		n.NotifyPeer = true
		return nil
	})
}

// HandleMessage applies an inbound protocol message from a counter-party.
func (s *Service) HandleMessage(ctx context.Context, msg protocol.Message) (*domainNegotiation.ContractNegotiation, error) {
	if !msg.Type.IsNegotiation() {
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownType, msg.Type)
	}
	log := s.logger.With().
		Str("message_type", string(msg.Type)).
		Str("process_id", msg.ProcessID).
		Str("correlation_id", msg.CorrelationID).
		Logger()
	log.Debug().Msg("protocol message received")

	if msg.Type == protocol.TypeContractRequest && msg.ProcessID == "" {
		return s.onFirstRequest(ctx, msg)
	}
	if msg.ProcessID == "" {
		return nil, fmt.Errorf("%w: processId is required for %s", process.ErrInvalidArgument, msg.Type)
	}

	switch msg.Type {
	case protocol.TypeContractRequest:
		var offer domainNegotiation.ContractOffer
		if err := msg.DecodePayload(&offer); err != nil {
			return nil, fmt.Errorf("%w: contract request: %v", process.ErrInvalidArgument, err)
		}
		return s.receive(ctx, msg, domainNegotiation.RoleProvider, domainNegotiation.StateRequested, func(n *domainNegotiation.ContractNegotiation) {
			if last, err := n.LastOffer(); err != nil || last.ID != offer.ID {
				n.AddOffer(offer)
			}
		})

	case protocol.TypeContractOffer:
		var offer domainNegotiation.ContractOffer
		if err := msg.DecodePayload(&offer); err != nil {
			return nil, fmt.Errorf("%w: contract offer: %v", process.ErrInvalidArgument, err)
		}
		return s.receive(ctx, msg, domainNegotiation.RoleConsumer, domainNegotiation.StateOffered, func(n *domainNegotiation.ContractNegotiation) {
			n.AddOffer(offer)
		})

	case protocol.TypeContractAgreement:
		var agreement domainNegotiation.ContractAgreement
		if err := msg.DecodePayload(&agreement); err != nil {
			return nil, fmt.Errorf("%w: contract agreement: %v", process.ErrInvalidArgument, err)
		}
		return s.receive(ctx, msg, domainNegotiation.RoleConsumer, domainNegotiation.StateAgreed, func(n *domainNegotiation.ContractNegotiation) {
			n.Agreement = &agreement
		})

	case protocol.TypeAgreementVerification:
		return s.receive(ctx, msg, domainNegotiation.RoleProvider, domainNegotiation.StateVerified, nil)

	case protocol.TypeNegotiationFinalized:
		return s.receive(ctx, msg, domainNegotiation.RoleConsumer, domainNegotiation.StateFinalized, nil)

	default:
		var term Termination
		if err := msg.DecodePayload(&term); err != nil && !errors.Is(err, protocol.ErrEmptyPayload) {
			return nil, fmt.Errorf("%w: termination: %v", process.ErrInvalidArgument, err)
		}
		return s.apply(ctx, msg.ProcessID, func(n *domainNegotiation.ContractNegotiation) error {
			if n.CurrentState().IsTerminal() {
				return errUnchanged
			}
			if err := n.Transition(domainNegotiation.StateTerminated, s.now().UTC()); err != nil {
				return fmt.Errorf("%w: %s -> %s", err, n.CurrentState(), domainNegotiation.StateTerminated)
			}
			n.SetError(term.Reason)
			n.Pending = true
			n.NotifyPeer = false
			return nil
		})
	}
}

func (s *Service) onFirstRequest(ctx context.Context, msg protocol.Message) (*domainNegotiation.ContractNegotiation, error) {
	var offer domainNegotiation.ContractOffer
	if err := msg.DecodePayload(&offer); err != nil {
		return nil, fmt.Errorf("%w: contract request: %v", process.ErrInvalidArgument, err)
	}
	if msg.CorrelationID == "" || msg.CallbackAddress == "" {
		return nil, fmt.Errorf("%w: contract request needs correlationId and callbackAddress", process.ErrInvalidArgument)
	}
	n := domainNegotiation.New(domainNegotiation.RoleProvider, domainNegotiation.StateRequested, s.now().UTC())
	n.CorrelationID = msg.CorrelationID
	n.CounterPartyID = msg.SenderID
	n.CounterPartyAddress = msg.CallbackAddress
	n.Protocol = msg.Protocol
	n.AddOffer(offer)
	n.TraceContext = statemachine.TraceCarrier(ctx)

	if err := s.store.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("create negotiation: %w", err)
	}
	s.notify(ctx, n, 0)
	s.logger.Info().Str("process_id", n.ID).Str("counter_party_id", n.CounterPartyID).Msg("negotiation requested by counter-party")
	return n, nil
}

// receive moves the negotiation addressed by msg to target on behalf of the
// counter-party. A redelivered message for the current state is a no-op.
func (s *Service) receive(
	ctx context.Context,
	msg protocol.Message,
	role domainNegotiation.Role,
	target domainNegotiation.State,
	mutate func(*domainNegotiation.ContractNegotiation),
) (*domainNegotiation.ContractNegotiation, error) {
	return s.apply(ctx, msg.ProcessID, func(n *domainNegotiation.ContractNegotiation) error {
		if n.Role != role {
			return fmt.Errorf("%w: %s is not accepted by a %s", process.ErrInvalidArgument, msg.Type, n.Role)
		}
		if n.CurrentState() == target {
			return errUnchanged
		}
		if err := n.Transition(target, s.now().UTC()); err != nil {
			return fmt.Errorf("%w: %s -> %s", err, n.CurrentState(), target)
		}
		if n.CorrelationID == "" {
			n.CorrelationID = msg.CorrelationID
		}
		if mutate != nil {
			mutate(n)
		}
		n.Pending = false
		n.NotifyPeer = false
		return nil
	})
}

var errUnchanged = errors.New("unchanged")

// apply loads, mutates and persists a negotiation under the service's lease,
// notifying listeners of a state change.
func (s *Service) apply(ctx context.Context, id string, mutate func(*domainNegotiation.ContractNegotiation) error) (*domainNegotiation.ContractNegotiation, error) {
	if err := s.lease(ctx, id); err != nil {
		return nil, err
	}
	defer s.release(ctx, id)
	n, err := s.store.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	from := n.State
	if err := mutate(n); err != nil {
		if errors.Is(err, errUnchanged) {
			return n, nil
		}
		return nil, err
	}
	if err := s.store.Update(ctx, n, s.holderID); err != nil {
		return nil, fmt.Errorf("update negotiation %s: %w", id, err)
	}
	if n.State != from {
		s.notify(ctx, n, from)
	}
	return n, nil
}

func (s *Service) lease(ctx context.Context, id string) error {
	if err := s.store.AcquireLease(ctx, id, s.holderID, s.leaseDuration); err != nil {
		if errors.Is(err, process.ErrNotFound) {
			return err
		}
		return fmt.Errorf("lease negotiation %s: %w", id, err)
	}
	return nil
}

func (s *Service) release(ctx context.Context, id string) {
	if err := s.store.ReleaseLease(ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("process_id", id).Msg("failed to release lease")
	}
}

func (s *Service) notify(ctx context.Context, n *domainNegotiation.ContractNegotiation, from int) {
	s.listeners.Notify(ctx, event.NewTransition(domainNegotiation.EntityType, n.Base(), from, domainNegotiation.StateName))
}
