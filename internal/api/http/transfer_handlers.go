package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	appTransfer "github.com/execution-hub/dataspace-connector/internal/application/transfer"
	domainTransfer "github.com/execution-hub/dataspace-connector/internal/domain/transfer"
)

func parseTransferState(name string) (int, bool) {
	s, ok := domainTransfer.ParseState(name)
	return int(s), ok
}

func (s *Server) initiateTransfer(w http.ResponseWriter, r *http.Request) {
	var req appTransfer.InitiateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	t, err := s.transferSvc.Initiate(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, t)
}

func (s *Server) listTransfers(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r, parseTransferState)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	items, err := s.transferSvc.Query(r.Context(), q)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"transfers": items})
}

func (s *Server) getTransfer(w http.ResponseWriter, r *http.Request) {
	t, err := s.transferSvc.Get(r.Context(), chi.URLParam(r, "transferId"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) suspendTransfer(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	s.transferAction(w, func(id string) (*domainTransfer.TransferProcess, error) {
		return s.transferSvc.Suspend(r.Context(), id, req.Reason)
	}, chi.URLParam(r, "transferId"))
}

func (s *Server) resumeTransfer(w http.ResponseWriter, r *http.Request) {
	s.transferAction(w, func(id string) (*domainTransfer.TransferProcess, error) {
		return s.transferSvc.Resume(r.Context(), id)
	}, chi.URLParam(r, "transferId"))
}

func (s *Server) completeTransfer(w http.ResponseWriter, r *http.Request) {
	s.transferAction(w, func(id string) (*domainTransfer.TransferProcess, error) {
		return s.transferSvc.Complete(r.Context(), id)
	}, chi.URLParam(r, "transferId"))
}

func (s *Server) terminateTransfer(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	s.transferAction(w, func(id string) (*domainTransfer.TransferProcess, error) {
		return s.transferSvc.Terminate(r.Context(), id, req.Reason)
	}, chi.URLParam(r, "transferId"))
}

func (s *Server) transferAction(w http.ResponseWriter, fn func(id string) (*domainTransfer.TransferProcess, error), id string) {
	t, err := fn(id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) deleteTransfer(w http.ResponseWriter, r *http.Request) {
	if err := s.transferSvc.Delete(r.Context(), chi.URLParam(r, "transferId")); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
