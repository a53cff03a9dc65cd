package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	appNegotiation "github.com/execution-hub/dataspace-connector/internal/application/negotiation"
	domainNegotiation "github.com/execution-hub/dataspace-connector/internal/domain/negotiation"
)

func parseNegotiationState(name string) (int, bool) {
	s, ok := domainNegotiation.ParseState(name)
	return int(s), ok
}

func (s *Server) initiateNegotiation(w http.ResponseWriter, r *http.Request) {
	var req appNegotiation.InitiateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	n, err := s.negotiationSvc.Initiate(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, n)
}

func (s *Server) listNegotiations(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r, parseNegotiationState)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	items, err := s.negotiationSvc.Query(r.Context(), q)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"negotiations": items})
}

func (s *Server) getNegotiation(w http.ResponseWriter, r *http.Request) {
	n, err := s.negotiationSvc.Get(r.Context(), chi.URLParam(r, "negotiationId"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, n)
}

func (s *Server) terminateNegotiation(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	n, err := s.negotiationSvc.Terminate(r.Context(), chi.URLParam(r, "negotiationId"), req.Reason)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, n)
}

func (s *Server) declineNegotiation(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	n, err := s.negotiationSvc.Decline(r.Context(), chi.URLParam(r, "negotiationId"), req.Reason)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, n)
}

func (s *Server) deleteNegotiation(w http.ResponseWriter, r *http.Request) {
	if err := s.negotiationSvc.Delete(r.Context(), chi.URLParam(r, "negotiationId")); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
