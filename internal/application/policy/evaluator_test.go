package policy

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainPolicy "github.com/execution-hub/dataspace-connector/internal/domain/policy"
)

func TestEvaluator_Evaluate(t *testing.T) {
	pctx := domainPolicy.Context{
		Scope:          domainPolicy.ScopeNegotiationRequest,
		ParticipantID:  "provider-1",
		CounterPartyID: "consumer-7",
		AssetID:        "asset-42",
		Now:            time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		Claims:         map[string]string{"region": "EU"},
	}

	tests := []struct {
		name       string
		constraint string
		allowed    bool
	}{
		{"empty allows", "", true},
		{"literal true", "TRUE", true},
		{"literal false", "false", false},
		{"counter-party match", "counterPartyId == 'consumer-7'", true},
		{"counter-party mismatch", "counterPartyId == 'consumer-8'", false},
		{"claim", "claim_region == 'EU' && assetId == 'asset-42'", true},
		{"time window", "now < 1700000000", false},
		{"scope", "scope == 'negotiation.request'", true},
	}

	e := NewEvaluator(zerolog.Nop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := e.Evaluate(context.Background(), domainPolicy.Policy{ID: "p-1", Constraint: tt.constraint}, pctx)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed)
			if !tt.allowed {
				assert.NotEmpty(t, d.Reasons)
			}
		})
	}
}

func TestEvaluator_Errors(t *testing.T) {
	e := NewEvaluator(zerolog.Nop())
	ctx := context.Background()

	_, err := e.Evaluate(ctx, domainPolicy.Policy{ID: "p-1", Constraint: "assetId =="}, domainPolicy.Context{})
	assert.Error(t, err)

	_, err = e.Evaluate(ctx, domainPolicy.Policy{ID: "p-1", Constraint: "'a' + 'b'"}, domainPolicy.Context{})
	assert.ErrorIs(t, err, ErrNotBoolean)
}

func TestEvaluator_ImplementsEngine(t *testing.T) {
	var _ domainPolicy.Engine = NewEvaluator(zerolog.Nop())
}
