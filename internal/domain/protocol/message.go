package protocol

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_dispatcher.go -package=mocks . Dispatcher

import (
	"context"
	"encoding/json"
	"errors"
)

// MessageType identifies a protocol message exchanged with a counter-party.
type MessageType string

const (
	TypeContractRequest        MessageType = "ContractRequestMessage"
	TypeContractOffer          MessageType = "ContractOfferMessage"
	TypeContractAgreement      MessageType = "ContractAgreementMessage"
	TypeAgreementVerification  MessageType = "ContractAgreementVerificationMessage"
	TypeNegotiationFinalized   MessageType = "ContractNegotiationFinalizedMessage"
	TypeNegotiationTermination MessageType = "ContractNegotiationTerminationMessage"

	TypeTransferRequest     MessageType = "TransferRequestMessage"
	TypeTransferStart       MessageType = "TransferStartMessage"
	TypeTransferSuspension  MessageType = "TransferSuspensionMessage"
	TypeTransferCompletion  MessageType = "TransferCompletionMessage"
	TypeTransferTermination MessageType = "TransferTerminationMessage"
)

// IsNegotiation reports whether t belongs to the negotiation protocol.
func (t MessageType) IsNegotiation() bool {
	switch t {
	case TypeContractRequest, TypeContractOffer, TypeContractAgreement,
		TypeAgreementVerification, TypeNegotiationFinalized, TypeNegotiationTermination:
		return true
	}
	return false
}

// IsTransfer reports whether t belongs to the transfer protocol.
func (t MessageType) IsTransfer() bool {
	switch t {
	case TypeTransferRequest, TypeTransferStart, TypeTransferSuspension,
		TypeTransferCompletion, TypeTransferTermination:
		return true
	}
	return false
}

// Message is the envelope sent to and received from counter-parties.
// ProcessID is the recipient's process id, empty on the first message of a process.
// CorrelationID is the sender's process id.
type Message struct {
	Type                MessageType     `json:"type"`
	ProcessID           string          `json:"processId,omitempty"`
	CorrelationID       string          `json:"correlationId"`
	SenderID            string          `json:"senderId,omitempty"`
	CallbackAddress     string          `json:"callbackAddress,omitempty"`
	CounterPartyAddress string          `json:"-"`
	Protocol            string          `json:"protocol,omitempty"`
	Payload             json.RawMessage `json:"payload,omitempty"`
}

// WithPayload marshals v into the message payload.
func (m Message) WithPayload(v interface{}) (Message, error) {
	if v == nil {
		return m, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return m, err
	}
	m.Payload = b
	return m, nil
}

// DecodePayload unmarshals the payload into v.
func (m Message) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return ErrEmptyPayload
	}
	return json.Unmarshal(m.Payload, v)
}

var (
	// ErrRejected marks a permanent refusal by the counter-party; not retried.
	ErrRejected     = errors.New("message rejected by counter-party")
	ErrEmptyPayload = errors.New("message payload is empty")
	ErrUnknownType  = errors.New("unknown message type")
)

// Dispatcher sends protocol messages to counter-parties.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
}
