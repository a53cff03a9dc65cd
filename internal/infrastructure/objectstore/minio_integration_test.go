//go:build integration

package objectstore

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/dataspace-connector/internal/domain/provision"
)

func TestProvisioner_Integration(t *testing.T) {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("MINIO_ENDPOINT is not set")
	}
	cfg := Config{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("MINIO_SECRET_KEY"),
	}
	client, err := NewMinIOClient(cfg)
	require.NoError(t, err)
	p := NewProvisioner(client, cfg, zerolog.Nop())
	ctx := context.Background()

	def := provision.ResourceDefinition{ID: "d-1", TransferID: "integration", Type: ResourceType}
	res, err := p.Provision(ctx, def)
	require.NoError(t, err)
	again, err := p.Provision(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, res.Name, again.Name)

	exists, err := client.BucketExists(ctx, res.Name)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, p.Deprovision(ctx, res))
	require.NoError(t, p.Deprovision(ctx, res))
}
