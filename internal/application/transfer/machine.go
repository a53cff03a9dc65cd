package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/execution-hub/dataspace-connector/internal/application/statemachine"
	"github.com/execution-hub/dataspace-connector/internal/domain/protocol"
	"github.com/execution-hub/dataspace-connector/internal/domain/provision"
	domainTransfer "github.com/execution-hub/dataspace-connector/internal/domain/transfer"
)

// Manager is the processing loop for transfers.
type Manager = statemachine.Manager[*domainTransfer.TransferProcess]

// ManagerConfig fills the protocol-specific parts of cfg. A failure while
// cleaning up ends the transfer as DEPROVISIONED; a failure after the protocol
// finished parks the transfer where it is.
func ManagerConfig(cfg statemachine.Config) statemachine.Config {
	cfg.Name = domainTransfer.EntityType
	cfg.ErrorState = int(domainTransfer.StateTerminated)
	cfg.ErrorStateFor = func(state int) int {
		switch domainTransfer.State(state) {
		case domainTransfer.StateDeprovisioning:
			return int(domainTransfer.StateDeprovisioned)
		case domainTransfer.StateCompleted, domainTransfer.StateTerminated:
			return state
		}
		return int(domainTransfer.StateTerminated)
	}
	cfg.StateName = domainTransfer.StateName
	cfg.CanTransition = domainTransfer.CanTransitionInt
	return cfg
}

// AddressResolver locates the data of an asset on the provider side.
type AddressResolver func(ctx context.Context, assetID string) (domainTransfer.DataAddress, error)

func assetReference(_ context.Context, assetID string) (domainTransfer.DataAddress, error) {
	return domainTransfer.DataAddress{
		Type:       "AssetReference",
		Properties: map[string]string{"assetId": assetID},
	}, nil
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithAddressResolver sets how the provider finds the data it serves.
func WithAddressResolver(r AddressResolver) MachineOption {
	return func(m *Machine) { m.resolve = r }
}

// Machine holds the per-state handlers of the transfer protocol for both roles.
type Machine struct {
	participantID   string
	callbackAddress string
	dispatcher      protocol.Dispatcher
	provisioners    []provision.Provisioner
	resolve         AddressResolver
	logger          zerolog.Logger
}

func NewMachine(
	participantID string,
	callbackAddress string,
	dispatcher protocol.Dispatcher,
	provisioners []provision.Provisioner,
	logger zerolog.Logger,
	opts ...MachineOption,
) *Machine {
	m := &Machine{
		participantID:   participantID,
		callbackAddress: callbackAddress,
		dispatcher:      dispatcher,
		provisioners:    provisioners,
		resolve:         assetReference,
		logger:          logger.With().Str("service", "transfer-machine").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register installs the handlers on mgr.
func (m *Machine) Register(mgr *Manager) *Manager {
	return mgr.
		Register(int(domainTransfer.StateInitiated), m.onInitiated).
		Register(int(domainTransfer.StateProvisioning), m.onProvisioning).
		Register(int(domainTransfer.StateProvisioned), m.onProvisioned).
		Register(int(domainTransfer.StateRequested), m.onWaiting).
		Register(int(domainTransfer.StateStarted), m.onStarted).
		Register(int(domainTransfer.StateSuspended), m.onSuspended).
		Register(int(domainTransfer.StateCompleted), m.onEnded).
		Register(int(domainTransfer.StateTerminated), m.onEnded).
		Register(int(domainTransfer.StateDeprovisioning), m.onDeprovisioning)
}

func (m *Machine) provisionerFor(resourceType string) (provision.Provisioner, bool) {
	for _, p := range m.provisioners {
		if p.Supports(resourceType) {
			return p, true
		}
	}
	return nil, false
}

// onInitiated builds the resource manifest. The consumer provisions its data
// destination when a provisioner handles that type.
func (m *Machine) onInitiated(_ context.Context, t *domainTransfer.TransferProcess) statemachine.Outcome {
	t.ResourceManifest = nil
	if t.Role == domainTransfer.RoleConsumer {
		if _, ok := m.provisionerFor(t.DataDestination.Type); ok {
			t.ResourceManifest = append(t.ResourceManifest, provision.ResourceDefinition{
				ID:         t.ID + "-destination",
				TransferID: t.ID,
				Type:       t.DataDestination.Type,
				Properties: copyProps(t.DataDestination.Properties),
			})
		}
	}
	return statemachine.Advance(int(domainTransfer.StateProvisioning))
}

// onProvisioning provisions every definition not yet provisioned. Resources
// provisioned before a failure are kept on the retried entity.
func (m *Machine) onProvisioning(ctx context.Context, t *domainTransfer.TransferProcess) statemachine.Outcome {
	for _, def := range t.ResourceManifest {
		if t.IsProvisioned(def.ID) {
			continue
		}
		p, ok := m.provisionerFor(def.Type)
		if !ok {
			return statemachine.Fatal(fmt.Sprintf("%s: %s", provision.ErrUnsupportedType, def.Type))
		}
		res, err := p.Provision(ctx, def)
		if err != nil {
			if errors.Is(err, provision.ErrUnsupportedType) {
				return statemachine.Fatal(err.Error())
			}
			return statemachine.Retry(fmt.Sprintf("provision %s: %v", def.ID, err))
		}
		t.ProvisionedResources = append(t.ProvisionedResources, res)
		if t.Role == domainTransfer.RoleConsumer && def.Type == t.DataDestination.Type {
			if t.DataDestination.Properties == nil {
				t.DataDestination.Properties = map[string]string{}
			}
			for k, v := range res.Properties {
				t.DataDestination.Properties[k] = v
			}
		}
		m.logger.Info().
			Str("process_id", t.ID).
			Str("resource", res.Name).
			Msg("resource provisioned")
	}
	return statemachine.Advance(int(domainTransfer.StateProvisioned))
}

// onProvisioned opens the protocol: the consumer requests, the provider starts.
func (m *Machine) onProvisioned(ctx context.Context, t *domainTransfer.TransferProcess) statemachine.Outcome {
	if t.Role == domainTransfer.RoleConsumer {
		return m.send(ctx, t, protocol.TypeTransferRequest, Request{
			AssetID:         t.AssetID,
			ContractID:      t.ContractID,
			DataDestination: t.DataDestination,
		}, statemachine.AdvanceAndWait(int(domainTransfer.StateRequested)))
	}
	if t.ContentDataAddress == nil {
		addr, err := m.resolve(ctx, t.AssetID)
		if err != nil {
			return statemachine.Fatal(fmt.Sprintf("resolve asset %s: %v", t.AssetID, err))
		}
		t.ContentDataAddress = &addr
	}
	return m.send(ctx, t, protocol.TypeTransferStart, Start{DataAddress: t.ContentDataAddress},
		statemachine.AdvanceAndWait(int(domainTransfer.StateStarted)))
}

func (m *Machine) onWaiting(context.Context, *domainTransfer.TransferProcess) statemachine.Outcome {
	return statemachine.Await()
}

func (m *Machine) onStarted(ctx context.Context, t *domainTransfer.TransferProcess) statemachine.Outcome {
	if !m.mustNotify(t) {
		return statemachine.Await()
	}
	var payload Start
	if t.Role == domainTransfer.RoleProvider {
		payload.DataAddress = t.ContentDataAddress
	}
	return m.send(ctx, t, protocol.TypeTransferStart, payload, statemachine.Await())
}

func (m *Machine) onSuspended(ctx context.Context, t *domainTransfer.TransferProcess) statemachine.Outcome {
	if !m.mustNotify(t) {
		return statemachine.Await()
	}
	return m.send(ctx, t, protocol.TypeTransferSuspension, Termination{Reason: t.ErrorDetail}, statemachine.Await())
}

// onEnded notifies the counter-party of a local completion or termination and
// then cleans up. A rejected or undeliverable notice does not block cleanup.
func (m *Machine) onEnded(ctx context.Context, t *domainTransfer.TransferProcess) statemachine.Outcome {
	if m.mustNotify(t) {
		msgType := protocol.TypeTransferCompletion
		var payload interface{}
		if t.CurrentState() == domainTransfer.StateTerminated {
			msgType = protocol.TypeTransferTermination
			payload = Termination{Reason: t.ErrorDetail}
		}
		out := m.send(ctx, t, msgType, payload, statemachine.Advance(0))
		if out.Kind == statemachine.KindRetry {
			if t.HasLiveResources() {
				return out.OrAdvance(int(domainTransfer.StateDeprovisioning))
			}
			return out
		}
		if out.Kind == statemachine.KindFatal {
			m.logger.Warn().Str("process_id", t.ID).Str("reason", out.Reason).Msg("counter-party refused notice")
		}
	}
	if t.HasLiveResources() {
		return statemachine.Advance(int(domainTransfer.StateDeprovisioning)).WithReason(t.ErrorDetail)
	}
	return statemachine.Await()
}

func (m *Machine) onDeprovisioning(ctx context.Context, t *domainTransfer.TransferProcess) statemachine.Outcome {
	for i := range t.ProvisionedResources {
		res := &t.ProvisionedResources[i]
		if res.Deprovisioned {
			continue
		}
		p, ok := m.provisionerFor(res.Type)
		if !ok {
			return statemachine.Fatal(fmt.Sprintf("%s: %s", provision.ErrUnsupportedType, res.Type))
		}
		if err := p.Deprovision(ctx, *res); err != nil {
			return statemachine.Retry(fmt.Sprintf("deprovision %s: %v", res.Name, err))
		}
		res.Deprovisioned = true
	}
	return statemachine.Advance(int(domainTransfer.StateDeprovisioned)).WithReason(t.ErrorDetail)
}

// mustNotify reports whether a local change is still owed to an addressable counter-party.
func (m *Machine) mustNotify(t *domainTransfer.TransferProcess) bool {
	return t.NotifyPeer && t.CounterPartyAddress != "" && t.CorrelationID != ""
}

// send dispatches a message and maps the result: success yields next, a
// rejection is fatal and anything else is retried.
func (m *Machine) send(ctx context.Context, t *domainTransfer.TransferProcess, mt protocol.MessageType, payload interface{}, next statemachine.Outcome) statemachine.Outcome {
	msg, err := protocol.Message{
		Type:                mt,
		ProcessID:           t.CorrelationID,
		CorrelationID:       t.ID,
		SenderID:            m.participantID,
		CallbackAddress:     m.callbackAddress,
		CounterPartyAddress: t.CounterPartyAddress,
		Protocol:            t.Protocol,
	}.WithPayload(payload)
	if err != nil {
		return statemachine.Fatal(fmt.Sprintf("encode %s: %v", mt, err))
	}
	if err := m.dispatcher.Dispatch(ctx, msg); err != nil {
		if errors.Is(err, protocol.ErrRejected) {
			return statemachine.Fatal(fmt.Sprintf("%s: %v", mt, err))
		}
		m.logger.Warn().Err(err).
			Str("process_id", t.ID).
			Str("message_type", string(mt)).
			Msg("dispatch failed")
		return statemachine.Retry(fmt.Sprintf("%s: %v", mt, err))
	}
	return next
}

func copyProps(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
