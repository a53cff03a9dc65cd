package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/rs/zerolog"

	domainPolicy "github.com/execution-hub/dataspace-connector/internal/domain/policy"
)

// ErrNotBoolean is returned when a constraint evaluates to something other than a bool.
var ErrNotBoolean = errors.New("constraint did not evaluate to boolean")

// Evaluator implements policy.Engine over govaluate expressions. Available
// variables: scope, participantId, counterPartyId, assetId, action, target,
// now (unix seconds) and claim_<name> for every claim.
type Evaluator struct {
	logger zerolog.Logger
}

func NewEvaluator(logger zerolog.Logger) *Evaluator {
	return &Evaluator{logger: logger.With().Str("service", "policy").Logger()}
}

func (e *Evaluator) Evaluate(ctx context.Context, p domainPolicy.Policy, pctx domainPolicy.Context) (domainPolicy.Decision, error) {
	cond := strings.TrimSpace(p.Constraint)
	if cond == "" {
		return domainPolicy.Allow(), nil
	}
	switch strings.ToLower(cond) {
	case "true":
		return domainPolicy.Allow(), nil
	case "false":
		return domainPolicy.Deny(fmt.Sprintf("policy %s forbids %s", p.ID, pctx.Scope)), nil
	}

	expr, err := govaluate.NewEvaluableExpression(cond)
	if err != nil {
		return domainPolicy.Decision{}, fmt.Errorf("parse constraint of policy %s: %w", p.ID, err)
	}
	result, err := expr.Evaluate(buildParams(p, pctx))
	if err != nil {
		return domainPolicy.Decision{}, fmt.Errorf("evaluate constraint of policy %s: %w", p.ID, err)
	}
	allowed, ok := result.(bool)
	if !ok {
		return domainPolicy.Decision{}, fmt.Errorf("policy %s: %w", p.ID, ErrNotBoolean)
	}
	if !allowed {
		e.logger.Debug().
			Str("policy_id", p.ID).
			Str("scope", string(pctx.Scope)).
			Str("counter_party_id", pctx.CounterPartyID).
			Msg("constraint not satisfied")
		return domainPolicy.Deny(fmt.Sprintf("constraint not satisfied: %s", cond)), nil
	}
	return domainPolicy.Allow(), nil
}

func buildParams(p domainPolicy.Policy, pctx domainPolicy.Context) map[string]interface{} {
	params := map[string]interface{}{
		"scope":          string(pctx.Scope),
		"participantId":  pctx.ParticipantID,
		"counterPartyId": pctx.CounterPartyID,
		"assetId":        pctx.AssetID,
		"action":         p.Action,
		"target":         p.Target,
		"now":            float64(pctx.Now.Unix()),
	}
	for k, v := range pctx.Claims {
		params["claim_"+k] = v
	}
	return params
}
