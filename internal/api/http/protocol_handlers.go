package httpapi

import (
	"fmt"
	"net/http"

	"github.com/execution-hub/dataspace-connector/internal/domain/process"
	"github.com/execution-hub/dataspace-connector/internal/domain/protocol"
)

type messageReceipt struct {
	ProcessID string `json:"processId"`
	State     string `json:"state"`
}

// receiveMessage routes an inbound protocol message to the owning service.
// Statuses follow the dispatcher contract: 4xx except 409 is a permanent
// rejection, 409 and 5xx are retried by the sender.
func (s *Server) receiveMessage(w http.ResponseWriter, r *http.Request) {
	var msg protocol.Message
	if err := decodeBody(r, &msg); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	log := s.logger.With().
		Str("message_type", string(msg.Type)).
		Str("correlation_id", msg.CorrelationID).
		Logger()

	var (
		receipt messageReceipt
		err     error
	)
	switch {
	case msg.Type.IsNegotiation():
		n, herr := s.negotiationSvc.HandleMessage(r.Context(), msg)
		if herr == nil {
			receipt = messageReceipt{ProcessID: n.ID, State: n.CurrentState().String()}
		}
		err = herr
	case msg.Type.IsTransfer():
		t, herr := s.transferSvc.HandleMessage(r.Context(), msg)
		if herr == nil {
			receipt = messageReceipt{ProcessID: t.ID, State: t.CurrentState().String()}
		}
		err = herr
	default:
		err = fmt.Errorf("%w: %q", protocol.ErrUnknownType, msg.Type)
	}
	if err != nil {
		if !process.IsConflict(err) {
			log.Warn().Err(err).Msg("protocol message refused")
		}
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, receipt)
}
