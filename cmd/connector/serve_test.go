package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestStopAll(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	var ran []string
	step := func(name string, err error) shutdownStep {
		return shutdownStep{name: name, stop: func(context.Context) error {
			ran = append(ran, name)
			return err
		}}
	}

	stopAll(context.Background(), logger,
		step("http server", errors.New("context deadline exceeded")),
		step("negotiation manager", nil),
		step("telemetry", nil),
	)

	assert.Equal(t, []string{"http server", "negotiation manager", "telemetry"}, ran)
	assert.Contains(t, buf.String(), `"component":"http server"`)
	assert.Contains(t, buf.String(), "context deadline exceeded")
	assert.NotContains(t, buf.String(), "negotiation manager")
}
