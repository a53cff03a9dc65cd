package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	appNegotiation "github.com/execution-hub/dataspace-connector/internal/application/negotiation"
	appTransfer "github.com/execution-hub/dataspace-connector/internal/application/transfer"
	domainNegotiation "github.com/execution-hub/dataspace-connector/internal/domain/negotiation"
	"github.com/execution-hub/dataspace-connector/internal/domain/process"
	"github.com/execution-hub/dataspace-connector/internal/domain/protocol"
	domainTransfer "github.com/execution-hub/dataspace-connector/internal/domain/transfer"
	"github.com/execution-hub/dataspace-connector/internal/infrastructure/sse"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	negotiationSvc *appNegotiation.Service
	transferSvc    *appTransfer.Service
	sseHub         *sse.Hub
	apiKeyHash     []byte
	logger         zerolog.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithAPIKeyHash protects the management routes with a bcrypt hash of the API key.
func WithAPIKeyHash(hash string) Option {
	return func(s *Server) {
		if hash != "" {
			s.apiKeyHash = []byte(hash)
		}
	}
}

func NewServer(
	negotiationSvc *appNegotiation.Service,
	transferSvc *appTransfer.Service,
	sseHub *sse.Hub,
	logger zerolog.Logger,
	opts ...Option,
) *Server {
	s := &Server{
		negotiationSvc: negotiationSvc,
		transferSvc:    transferSvc,
		sseHub:         sseHub,
		logger:         logger.With().Str("service", "http").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
	})

	// Counter-party messages; the dispatcher of the peer posts here.
	r.With(middleware.Timeout(30*time.Second)).Post("/protocol", s.receiveMessage)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Route("/negotiations", func(r chi.Router) {
				r.Post("/", s.initiateNegotiation)
				r.Get("/", s.listNegotiations)
				r.Get("/{negotiationId}", s.getNegotiation)
				r.Post("/{negotiationId}/terminate", s.terminateNegotiation)
				r.Post("/{negotiationId}/decline", s.declineNegotiation)
				r.Delete("/{negotiationId}", s.deleteNegotiation)
			})

			r.Route("/transfers", func(r chi.Router) {
				r.Post("/", s.initiateTransfer)
				r.Get("/", s.listTransfers)
				r.Get("/{transferId}", s.getTransfer)
				r.Post("/{transferId}/suspend", s.suspendTransfer)
				r.Post("/{transferId}/resume", s.resumeTransfer)
				r.Post("/{transferId}/complete", s.completeTransfer)
				r.Post("/{transferId}/terminate", s.terminateTransfer)
				r.Delete("/{transferId}", s.deleteTransfer)
			})
		})

		r.Get("/events", s.eventStream)
	})

	return r
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

// respondServiceError maps service errors onto HTTP statuses.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, process.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, process.ErrAlreadyExists),
		process.IsConflict(err):
		respondError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, domainNegotiation.ErrInvalidTransition),
		errors.Is(err, domainTransfer.ErrInvalidTransition),
		errors.Is(err, process.ErrActive):
		respondError(w, http.StatusConflict, "INVALID_STATE", err.Error())
	case errors.Is(err, process.ErrInvalidArgument),
		errors.Is(err, protocol.ErrUnknownType),
		errors.Is(err, protocol.ErrEmptyPayload),
		errors.Is(err, domainNegotiation.ErrNoOffer):
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// decodeOptionalBody accepts an empty body.
func decodeOptionalBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return decodeBody(r, v)
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := []string{}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			offset = o
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// parseQuery reads state, pending, sort, order, limit and offset. States are
// given by name and resolved with parse.
func parseQuery(r *http.Request, parse func(string) (int, bool)) (process.Query, error) {
	limit, offset := parseLimitOffset(r, 100, 500)
	q := process.Query{Limit: limit, Offset: offset}
	values := r.URL.Query()
	for _, name := range splitCSV(values.Get("state")) {
		state, ok := parse(strings.ToUpper(name))
		if !ok {
			return q, errors.New("unknown state " + name)
		}
		q.States = append(q.States, state)
	}
	if v := values.Get("pending"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return q, errors.New("invalid pending")
		}
		q.Pending = &b
	}
	switch values.Get("sort") {
	case "", string(process.SortCreatedAt):
		q.Sort = process.SortCreatedAt
	case string(process.SortStateTimestamp):
		q.Sort = process.SortStateTimestamp
	default:
		return q, errors.New("invalid sort")
	}
	q.Descending = strings.EqualFold(values.Get("order"), "desc")
	return q, nil
}

type reasonRequest struct {
	Reason string `json:"reason,omitempty"`
}
