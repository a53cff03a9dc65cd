package transfer

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
	"github.com/execution-hub/dataspace-connector/internal/domain/process"
	"github.com/execution-hub/dataspace-connector/internal/domain/protocol"
	domainTransfer "github.com/execution-hub/dataspace-connector/internal/domain/transfer"
)

// Store persists transfers.
type Store = process.Store[*domainTransfer.TransferProcess]

// Request is the payload of a transfer request message.
type Request struct {
	AssetID         string                     `json:"assetId"`
	ContractID      string                     `json:"contractId"`
	DataDestination domainTransfer.DataAddress `json:"dataDestination"`
}

// Start is the payload of a transfer start message.
type Start struct {
	DataAddress *domainTransfer.DataAddress `json:"dataAddress,omitempty"`
}

// Termination is the payload of suspension and termination messages.
type Termination struct {
	Reason string `json:"reason,omitempty"`
}

// InitiateRequest starts a consumer transfer under an agreed contract.
type InitiateRequest struct {
	CounterPartyAddress string                           `json:"counterPartyAddress"`
	Protocol            string                           `json:"protocol"`
	AssetID             string                           `json:"assetId"`
	ContractID          string                           `json:"contractId"`
	DataDestination     domainTransfer.DataAddress       `json:"dataDestination"`
	CallbackAddresses   []domainTransfer.CallbackAddress `json:"callbackAddresses,omitempty"`
}

func (r InitiateRequest) validate() error {
	switch {
	case r.CounterPartyAddress == "":
		return fmt.Errorf("%w: counterPartyAddress is required", process.ErrInvalidArgument)
	case r.ContractID == "":
		return fmt.Errorf("%w: contractId is required", process.ErrInvalidArgument)
	case r.DataDestination.Type == "":
		return fmt.Errorf("%w: dataDestination.type is required", process.ErrInvalidArgument)
	}
	return nil
}

// Service is the local and inbound API of transfers. Every write holds the
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
		logger:        logger.With().Str("service", "transfer").Logger(),
		holderID:      "transfer-service-" + uuid.NewString(),
		leaseDuration: lease.DefaultDuration,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initiate creates a consumer transfer; the manager provisions and requests it.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*domainTransfer.TransferProcess, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	t := domainTransfer.New(domainTransfer.RoleConsumer, domainTransfer.StateInitiated, s.now().UTC())
	t.CounterPartyAddress = req.CounterPartyAddress
	t.Protocol = req.Protocol
	t.AssetID = req.AssetID
	t.ContractID = req.ContractID
	t.DataDestination = req.DataDestination
	t.CallbackAddresses = req.CallbackAddresses
	t.TraceContext = statemachine.TraceCarrier(ctx)
	return s.create(ctx, t)
}

func (s *Service) create(ctx context.Context, t *domainTransfer.TransferProcess) (*domainTransfer.TransferProcess, error) {
	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create transfer: %w", err)
	}
	s.notify(ctx, t, 0)
	s.logger.Info().
		Str("process_id", t.ID).
		Str("role", string(t.Role)).
		Str("contract_id", t.ContractID).
		Msg("transfer created")
	return t, nil
}

// Get returns a transfer by id.
func (s *Service) Get(ctx context.Context, id string) (*domainTransfer.TransferProcess, error) {
	return s.store.Find(ctx, id)
}

// Query lists transfers.
func (s *Service) Query(ctx context.Context, q process.Query) ([]*domainTransfer.TransferProcess, error) {
	return s.store.Query(ctx, q)
}

// Delete removes a finished transfer whose resources are cleaned up.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.lease(ctx, id); err != nil {
		return err
	}
	defer s.release(ctx, id)
	t, err := s.store.Find(ctx, id)
	if err != nil {
		return err
	}
	if !t.CurrentState().IsTerminal() || t.HasLiveResources() {
		return fmt.Errorf("%w: transfer %s is %s", process.ErrActive, id, t.CurrentState())
	}
	return s.store.Delete(ctx, id, s.holderID)
}

// Suspend pauses a started transfer.
func (s *Service) Suspend(ctx context.Context, id, reason string) (*domainTransfer.TransferProcess, error) {
	return s.local(ctx, id, domainTransfer.StateSuspended, reason)
}

// Resume restarts a suspended transfer.
func (s *Service) Resume(ctx context.Context, id string) (*domainTransfer.TransferProcess, error) {
	return s.local(ctx, id, domainTransfer.StateStarted, "")
}

// Complete marks a started transfer as done.
func (s *Service) Complete(ctx context.Context, id string) (*domainTransfer.TransferProcess, error) {
	return s.local(ctx, id, domainTransfer.StateCompleted, "")
}

// Terminate aborts a transfer.
func (s *Service) Terminate(ctx context.Context, id, reason string) (*domainTransfer.TransferProcess, error) {
	return s.local(ctx, id, domainTransfer.StateTerminated, reason)
}

// local applies a state change decided by this connector; the manager owes the
// counter-party a notice.
func (s *Service) local(ctx context.Context, id string, target domainTransfer.State, reason string) (*domainTransfer.TransferProcess, error) {
	return s.apply(ctx, id, func(t *domainTransfer.TransferProcess) error {
		if err := t.Transition(target, s.now().UTC()); err != nil {
			return fmt.Errorf("%w: %s -> %s", err, t.CurrentState(), target)
		}
		t.SetError(reason)
		t.Pending = false
		t.NotifyPeer = true
		return nil
	})
}

// HandleMessage applies an inbound protocol message from a counter-party.
func (s *Service) HandleMessage(ctx context.Context, msg protocol.Message) (*domainTransfer.TransferProcess, error) {
	if !msg.Type.IsTransfer() {
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownType, msg.Type)
	}
	s.logger.Debug().
		Str("message_type", string(msg.Type)).
		Str("process_id", msg.ProcessID).
		Str("correlation_id", msg.CorrelationID).
		Msg("protocol message received")

	if msg.Type == protocol.TypeTransferRequest {
		return s.onRequest(ctx, msg)
	}
	if msg.ProcessID == "" {
		return nil, fmt.Errorf("%w: processId is required for %s", process.ErrInvalidArgument, msg.Type)
	}

	var term Termination
	switch msg.Type {
	case protocol.TypeTransferSuspension, protocol.TypeTransferTermination:
		if err := msg.DecodePayload(&term); err != nil && !errors.Is(err, protocol.ErrEmptyPayload) {
			return nil, fmt.Errorf("%w: %s: %v", process.ErrInvalidArgument, msg.Type, err)
		}
	}

	switch msg.Type {
	case protocol.TypeTransferStart:
		var start Start
		if err := msg.DecodePayload(&start); err != nil && !errors.Is(err, protocol.ErrEmptyPayload) {
			return nil, fmt.Errorf("%w: transfer start: %v", process.ErrInvalidArgument, err)
		}
		return s.receive(ctx, msg, domainTransfer.StateStarted, true, func(t *domainTransfer.TransferProcess, from domainTransfer.State) error {
			if t.Role == domainTransfer.RoleProvider && from != domainTransfer.StateSuspended {
				return fmt.Errorf("%w: provider only accepts a start to resume", process.ErrInvalidArgument)
			}
			if start.DataAddress != nil {
				addr := *start.DataAddress
				t.ContentDataAddress = &addr
			}
			return nil
		})

	case protocol.TypeTransferSuspension:
		return s.receive(ctx, msg, domainTransfer.StateSuspended, true, func(t *domainTransfer.TransferProcess, _ domainTransfer.State) error {
			t.SetError(term.Reason)
			return nil
		})

	case protocol.TypeTransferCompletion:
		return s.receive(ctx, msg, domainTransfer.StateCompleted, false, nil)

	default:
		return s.apply(ctx, msg.ProcessID, func(t *domainTransfer.TransferProcess) error {
			if t.CurrentState().IsTerminal() || t.CurrentState() == domainTransfer.StateDeprovisioning {
				return errUnchanged
			}
			if err := t.Transition(domainTransfer.StateTerminated, s.now().UTC()); err != nil {
				return fmt.Errorf("%w: %s -> %s", err, t.CurrentState(), domainTransfer.StateTerminated)
			}
			t.SetError(term.Reason)
			t.Pending = false
			t.NotifyPeer = false
			return nil
		})
	}
}

func (s *Service) onRequest(ctx context.Context, msg protocol.Message) (*domainTransfer.TransferProcess, error) {
	var req Request
	if err := msg.DecodePayload(&req); err != nil {
		return nil, fmt.Errorf("%w: transfer request: %v", process.ErrInvalidArgument, err)
	}
	if msg.ProcessID != "" {
		return nil, fmt.Errorf("%w: transfer request must open a new process", process.ErrInvalidArgument)
	}
	if msg.CorrelationID == "" || msg.CallbackAddress == "" || req.ContractID == "" {
		return nil, fmt.Errorf("%w: transfer request needs correlationId, callbackAddress and contractId", process.ErrInvalidArgument)
	}
	t := domainTransfer.New(domainTransfer.RoleProvider, domainTransfer.StateInitiated, s.now().UTC())
	t.CorrelationID = msg.CorrelationID
	t.CounterPartyAddress = msg.CallbackAddress
	t.Protocol = msg.Protocol
	t.AssetID = req.AssetID
	t.ContractID = req.ContractID
	t.DataDestination = req.DataDestination
	t.TraceContext = statemachine.TraceCarrier(ctx)
	return s.create(ctx, t)
}

// receive moves the transfer addressed by msg to target on behalf of the
// counter-party. A redelivered message for the current state is a no-op.
func (s *Service) receive(
	ctx context.Context,
	msg protocol.Message,
	target domainTransfer.State,
	pending bool,
	mutate func(t *domainTransfer.TransferProcess, from domainTransfer.State) error,
) (*domainTransfer.TransferProcess, error) {
	return s.apply(ctx, msg.ProcessID, func(t *domainTransfer.TransferProcess) error {
		from := t.CurrentState()
		if from == target {
			return errUnchanged
		}
		if err := t.Transition(target, s.now().UTC()); err != nil {
			return fmt.Errorf("%w: %s -> %s", err, from, target)
		}
		if mutate != nil {
			if err := mutate(t, from); err != nil {
				return err
			}
		}
		if t.CorrelationID == "" {
			t.CorrelationID = msg.CorrelationID
		}
		t.Pending = pending
		t.NotifyPeer = false
		return nil
	})
}

var errUnchanged = errors.New("unchanged")

// apply loads, mutates and persists a transfer under the service's lease,
// notifying listeners of a state change.
func (s *Service) apply(ctx context.Context, id string, mutate func(*domainTransfer.TransferProcess) error) (*domainTransfer.TransferProcess, error) {
	if err := s.lease(ctx, id); err != nil {
		return nil, err
	}
	defer s.release(ctx, id)
	t, err := s.store.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	from := t.State
	if err := mutate(t); err != nil {
		if errors.Is(err, errUnchanged) {
			return t, nil
		}
		return nil, err
	}
	if err := s.store.Update(ctx, t, s.holderID); err != nil {
		return nil, fmt.Errorf("update transfer %s: %w", id, err)
	}
	if t.State != from {
		s.notify(ctx, t, from)
	}
	return t, nil
}

func (s *Service) lease(ctx context.Context, id string) error {
	if err := s.store.AcquireLease(ctx, id, s.holderID, s.leaseDuration); err != nil {
		if errors.Is(err, process.ErrNotFound) {
			return err
		}
		return fmt.Errorf("lease transfer %s: %w", id, err)
	}
	return nil
}

func (s *Service) release(ctx context.Context, id string) {
	if err := s.store.ReleaseLease(ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("process_id", id).Msg("failed to release lease")
	}
}

func (s *Service) notify(ctx context.Context, t *domainTransfer.TransferProcess, from int) {
	s.listeners.Notify(ctx, event.NewTransition(domainTransfer.EntityType, t.Base(), from, domainTransfer.StateName))
}
