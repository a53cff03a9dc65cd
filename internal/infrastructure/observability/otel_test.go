package observability

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/execution-hub/dataspace-connector/internal/application/statemachine"
)

func TestSetup_PropagatesTraceContext(t *testing.T) {
	p, err := Setup(context.Background(), Config{ServiceName: "connector-test", SampleRate: 1}, zerolog.Nop())
	require.NoError(t, err)
	defer func() { assert.NoError(t, p.Shutdown(context.Background())) }()

	ctx, span := otel.Tracer("test").Start(context.Background(), "initiate")
	defer span.End()

	carrier := statemachine.TraceCarrier(ctx)
	require.Contains(t, carrier, "traceparent")
	assert.Contains(t, carrier["traceparent"], span.SpanContext().TraceID().String())
}

func TestSampler(t *testing.T) {
	assert.Equal(t, "AlwaysOnSampler", sampler(1).Description())
	assert.Equal(t, "AlwaysOffSampler", sampler(0).Description())
	assert.Contains(t, sampler(0.5).Description(), "TraceIDRatioBased")
}
