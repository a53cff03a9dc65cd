package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/execution-hub/dataspace-connector/internal/application/listener"
	appNegotiation "github.com/execution-hub/dataspace-connector/internal/application/negotiation"
	appTransfer "github.com/execution-hub/dataspace-connector/internal/application/transfer"
	"github.com/execution-hub/dataspace-connector/internal/domain/event"
	domainNegotiation "github.com/execution-hub/dataspace-connector/internal/domain/negotiation"
	"github.com/execution-hub/dataspace-connector/internal/domain/protocol"
	domainTransfer "github.com/execution-hub/dataspace-connector/internal/domain/transfer"
	"github.com/execution-hub/dataspace-connector/internal/infrastructure/memory"
	"github.com/execution-hub/dataspace-connector/internal/infrastructure/sse"
)

type fixture struct {
	server       *Server
	handler      http.Handler
	negotiations *memory.Store[*domainNegotiation.ContractNegotiation]
	transfers    *memory.Store[*domainTransfer.TransferProcess]
	hub          *sse.Hub
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	hub := sse.NewHub(zerolog.Nop())
	reg := listener.NewRegistry(zerolog.Nop())
	reg.Register(listener.NewPublisher(hub))

	negotiations := memory.NewStore[*domainNegotiation.ContractNegotiation]()
	transfers := memory.NewStore[*domainTransfer.TransferProcess]()
	srv := NewServer(
		appNegotiation.NewService(negotiations, reg, zerolog.Nop()),
		appTransfer.NewService(transfers, reg, zerolog.Nop()),
		hub,
		zerolog.Nop(),
		opts...,
	)
	return &fixture{server: srv, handler: srv.Router(), negotiations: negotiations, transfers: transfers, hub: hub}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func initiateBody() appNegotiation.InitiateRequest {
	return appNegotiation.InitiateRequest{
		CounterPartyID:      "provider",
		CounterPartyAddress: "http://provider.test/protocol",
		Protocol:            "dataspace-protocol-http",
		Offer:               domainNegotiation.ContractOffer{ID: "offer-1", AssetID: "asset-1"},
	}
}

func TestNegotiationLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/negotiations", initiateBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created domainNegotiation.ContractNegotiation
	decode(t, rec, &created)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, int(domainNegotiation.StateInitiated), created.State)

	rec = f.do(t, http.MethodGet, "/v1/negotiations/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/negotiations?state=initiated&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Negotiations []domainNegotiation.ContractNegotiation `json:"negotiations"`
	}
	decode(t, rec, &list)
	assert.Len(t, list.Negotiations, 1)

	rec = f.do(t, http.MethodDelete, "/v1/negotiations/"+created.ID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/negotiations/"+created.ID+"/terminate", reasonRequest{Reason: "changed my mind"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var terminated domainNegotiation.ContractNegotiation
	decode(t, rec, &terminated)
	assert.Equal(t, int(domainNegotiation.StateTerminated), terminated.State)
	assert.Equal(t, "changed my mind", terminated.ErrorDetail)

	rec = f.do(t, http.MethodDelete, "/v1/negotiations/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/negotiations/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
	}{
		{"missing offer", http.MethodPost, "/v1/negotiations", appNegotiation.InitiateRequest{CounterPartyAddress: "http://p"}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/v1/negotiations", map[string]string{"bogus": "x"}, http.StatusBadRequest},
		{"unknown state", http.MethodGet, "/v1/negotiations?state=SLEEPING", nil, http.StatusBadRequest},
		{"bad pending", http.MethodGet, "/v1/transfers?pending=maybe", nil, http.StatusBadRequest},
		{"bad sort", http.MethodGet, "/v1/transfers?sort=name", nil, http.StatusBadRequest},
		{"missing transfer", http.MethodGet, "/v1/transfers/" + uuid.NewString(), nil, http.StatusNotFound},
		{"transfer without contract", http.MethodPost, "/v1/transfers", appTransfer.InitiateRequest{CounterPartyAddress: "http://p"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestTransferLocalCommands(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/transfers", appTransfer.InitiateRequest{
		CounterPartyAddress: "http://provider.test/protocol",
		AssetID:             "asset-1",
		ContractID:          "agreement-1",
		DataDestination:     domainTransfer.DataAddress{Type: "HttpData"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created domainTransfer.TransferProcess
	decode(t, rec, &created)

	// INITIATED cannot be suspended.
	rec = f.do(t, http.MethodPost, "/v1/transfers/"+created.ID+"/suspend", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/transfers/"+created.ID+"/terminate", reasonRequest{Reason: "stop"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/transfers?state=TERMINATED", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Transfers []domainTransfer.TransferProcess `json:"transfers"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Transfers, 1)
	assert.Equal(t, "stop", list.Transfers[0].ErrorDetail)
}

func TestReceiveMessage(t *testing.T) {
	f := newFixture(t)

	request, err := protocol.Message{
		Type:            protocol.TypeContractRequest,
		CorrelationID:   uuid.NewString(),
		SenderID:        "consumer",
		CallbackAddress: "http://consumer.test/protocol",
	}.WithPayload(domainNegotiation.ContractOffer{ID: "offer-1", AssetID: "asset-1"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/protocol", request)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var receipt messageReceipt
	decode(t, rec, &receipt)
	assert.NotEmpty(t, receipt.ProcessID)
	assert.Equal(t, "REQUESTED", receipt.State)

	n, err := f.negotiations.Find(context.Background(), receipt.ProcessID)
	require.NoError(t, err)
	assert.Equal(t, domainNegotiation.RoleProvider, n.Role)
	assert.Equal(t, "http://consumer.test/protocol", n.CounterPartyAddress)

	t.Run("unknown type", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/protocol", protocol.Message{Type: "Gossip", CorrelationID: "x"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
	t.Run("unknown process", func(t *testing.T) {
		msg := protocol.Message{Type: protocol.TypeAgreementVerification, ProcessID: uuid.NewString(), CorrelationID: "x"}
		rec := f.do(t, http.MethodPost, "/protocol", msg)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
	t.Run("leased process conflicts", func(t *testing.T) {
		require.NoError(t, f.negotiations.AcquireLease(context.Background(), n.ID, "worker-1", time.Minute))
		msg, err := protocol.Message{
			Type:          protocol.TypeNegotiationTermination,
			ProcessID:     n.ID,
			CorrelationID: n.CorrelationID,
		}.WithPayload(appNegotiation.Termination{Reason: "bye"})
		require.NoError(t, err)
		rec := f.do(t, http.MethodPost, "/protocol", msg)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestAPIKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	f := newFixture(t, WithAPIKeyHash(string(hash)))

	rec := f.do(t, http.MethodGet, "/v1/negotiations", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/negotiations", nil)
	req.Header.Set("X-Api-Key", "wrong")
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/negotiations", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rr = httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	// The protocol endpoint is authenticated by the protocol, not the key.
	rec = f.do(t, http.MethodPost, "/protocol", protocol.Message{Type: "Gossip"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events?client_id=ui&topics=negotiation", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)
	require.Eventually(t, func() bool { return f.hub.Client("ui") != nil }, time.Second, 10*time.Millisecond)

	require.NoError(t, f.hub.Publish(ctx, event.Event{ID: uuid.New(), Type: "transfer.started"}))
	require.NoError(t, f.hub.Publish(ctx, event.Event{ID: uuid.New(), Type: "negotiation.agreed", Subject: "n-1"}))

	var frame []string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if line == "" && len(frame) > 0 {
			break
		}
		if line != "" {
			frame = append(frame, line)
		}
	}
	require.Len(t, frame, 3)
	assert.Equal(t, "event: negotiation.agreed", frame[1])
	assert.Contains(t, frame[2], `"subject":"n-1"`)
}
