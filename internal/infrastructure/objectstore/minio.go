package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/execution-hub/dataspace-connector/internal/domain/provision"
)

// ResourceType is the data destination type served by the MinIO provisioner.
const ResourceType = "MinioBucket"

// Config locates the object store.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("minio endpoint is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("minio credentials are required")
	}
	return nil
}

// NewMinIOClient builds a client for cfg.
func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Provisioner creates one bucket per resource definition.
type Provisioner struct {
	client   *minio.Client
	endpoint string
	region   string
	logger   zerolog.Logger
}

func NewProvisioner(client *minio.Client, cfg Config, logger zerolog.Logger) *Provisioner {
	return &Provisioner{
		client:   client,
		endpoint: cfg.Endpoint,
		region:   cfg.Region,
		logger:   logger.With().Str("service", "provisioner").Str("provider", "minio").Logger(),
	}
}

func (p *Provisioner) Supports(resourceType string) bool {
	return resourceType == ResourceType
}

// Provision creates the bucket unless it already exists.
func (p *Provisioner) Provision(ctx context.Context, def provision.ResourceDefinition) (provision.ProvisionedResource, error) {
	if !p.Supports(def.Type) {
		return provision.ProvisionedResource{}, fmt.Errorf("%w: %s", provision.ErrUnsupportedType, def.Type)
	}
	name := BucketName(def.TransferID, def.ID)
	region := p.region
	if r := def.Properties["region"]; r != "" {
		region = r
	}

	exists, err := p.client.BucketExists(ctx, name)
	if err != nil {
		return provision.ProvisionedResource{}, fmt.Errorf("bucket exists %s: %w", name, err)
	}
	if !exists {
		if err := p.client.MakeBucket(ctx, name, minio.MakeBucketOptions{Region: region}); err != nil {
			return provision.ProvisionedResource{}, fmt.Errorf("make bucket %s: %w", name, err)
		}
		p.logger.Info().Str("bucket", name).Str("transfer_id", def.TransferID).Msg("bucket created")
	}

	return provision.ProvisionedResource{
		ID:           name,
		DefinitionID: def.ID,
		Type:         def.Type,
		Name:         name,
		Properties: map[string]string{
			"bucket":   name,
			"endpoint": p.endpoint,
			"region":   region,
		},
	}, nil
}

// Deprovision removes the bucket and its content. A missing bucket is not an error.
func (p *Provisioner) Deprovision(ctx context.Context, res provision.ProvisionedResource) error {
	exists, err := p.client.BucketExists(ctx, res.Name)
	if err != nil {
		return fmt.Errorf("bucket exists %s: %w", res.Name, err)
	}
	if !exists {
		return nil
	}
	if err := p.client.RemoveBucketWithOptions(ctx, res.Name, minio.RemoveBucketOptions{ForceDelete: true}); err != nil {
		return fmt.Errorf("remove bucket %s: %w", res.Name, err)
	}
	p.logger.Info().Str("bucket", res.Name).Msg("bucket removed")
	return nil
}
