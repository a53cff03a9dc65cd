package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	httpapi "github.com/execution-hub/dataspace-connector/internal/api/http"
	"github.com/execution-hub/dataspace-connector/internal/application/listener"
	"github.com/execution-hub/dataspace-connector/internal/application/negotiation"
	"github.com/execution-hub/dataspace-connector/internal/application/policy"
	"github.com/execution-hub/dataspace-connector/internal/application/statemachine"
	"github.com/execution-hub/dataspace-connector/internal/application/transfer"
	"github.com/execution-hub/dataspace-connector/internal/config"
	"github.com/execution-hub/dataspace-connector/internal/domain/event"
	domainNegotiation "github.com/execution-hub/dataspace-connector/internal/domain/negotiation"
	"github.com/execution-hub/dataspace-connector/internal/domain/provision"
	domainTransfer "github.com/execution-hub/dataspace-connector/internal/domain/transfer"
	"github.com/execution-hub/dataspace-connector/internal/infrastructure/dispatcher"
	"github.com/execution-hub/dataspace-connector/internal/infrastructure/objectstore"
	"github.com/execution-hub/dataspace-connector/internal/infrastructure/observability"
	"github.com/execution-hub/dataspace-connector/internal/infrastructure/redisbus"
	"github.com/execution-hub/dataspace-connector/internal/infrastructure/sse"
)

var skipMigrations bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the state machines",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "Do not apply the store schema on start")
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := newLogger()
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observability.Setup(ctx, observability.Config{
		ServiceName:  "dataspace-connector",
		OTLPEndpoint: cfg.OTLPEndpoint,
		Insecure:     cfg.OTLPInsecure,
		SampleRate:   cfg.SampleRate,
	}, logger)
	if err != nil {
		return err
	}

	st, err := openStores(ctx, cfg, !skipMigrations, logger)
	if err != nil {
		return err
	}
	defer st.close()

	// events
	sseHub := sse.NewHub(logger)
	routers := event.FanOut{sseHub}
	if cfg.RedisAddr != "" {
		client := redisbus.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer client.Close()
		routers = append(routers, redisbus.NewRouter(client, cfg.RedisPrefix, logger))
	}
	listeners := listener.NewRegistry(logger)
	listeners.Register(listener.NewPublisher(routers))

	// collaborators
	disp := dispatcher.NewHTTPDispatcher(dispatcher.Config{
		Timeout:      cfg.DispatchTimeout,
		RetryMax:     cfg.DispatchRetryMax,
		RetryWaitMin: 200 * time.Millisecond,
		RetryWaitMax: 2 * time.Second,
		RateLimit:    cfg.DispatchRate,
		Burst:        cfg.DispatchBurst,
	}, logger)
	provisioners, err := buildProvisioners(cfg, logger)
	if err != nil {
		return err
	}

	// state machines
	negotiationRetries, err := cfg.States.Negotiation.ResolveMaxRetries(func(name string) (int, bool) {
		s, ok := domainNegotiation.ParseState(name)
		return int(s), ok
	})
	if err != nil {
		return err
	}
	transferRetries, err := cfg.States.Transfer.ResolveMaxRetries(func(name string) (int, bool) {
		s, ok := domainTransfer.ParseState(name)
		return int(s), ok
	})
	if err != nil {
		return err
	}

	negotiationMgr := statemachine.NewManager(
		negotiation.ManagerConfig(machineConfig(cfg, negotiationRetries)),
		st.negotiations,
		statemachine.NewExponentialWaitStrategy(cfg.PollInterval, cfg.PollMaxInterval),
		listeners, logger)
	negotiation.NewMachine(cfg.ParticipantID, cfg.CallbackAddress, disp, policy.NewEvaluator(logger), logger,
		negotiation.WithOfferFirst(cfg.ProviderOffer)).Register(negotiationMgr)

	transferMgr := statemachine.NewManager(
		transfer.ManagerConfig(machineConfig(cfg, transferRetries)),
		st.transfers,
		statemachine.NewExponentialWaitStrategy(cfg.PollInterval, cfg.PollMaxInterval),
		listeners, logger)
	transfer.NewMachine(cfg.ParticipantID, cfg.CallbackAddress, disp, provisioners, logger).Register(transferMgr)

	// API server
	apiServer := httpapi.NewServer(
		negotiation.NewService(st.negotiations, listeners, logger, negotiation.WithLeaseDuration(cfg.LeaseDuration)),
		transfer.NewService(st.transfers, listeners, logger, transfer.WithLeaseDuration(cfg.LeaseDuration)),
		sseHub,
		logger,
		httpapi.WithAPIKeyHash(cfg.APIKeyHash),
	)
	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // event streams stay open
		IdleTimeout:  60 * time.Second,
	}

	if err := negotiationMgr.Start(ctx); err != nil {
		return err
	}
	if err := transferMgr.Start(ctx); err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Str("participant_id", cfg.ParticipantID).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-serverErr:
		logger.Error().Err(err).Msg("http server failed")
	}

	// graceful shutdown
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sseHub.Stop()
	stopAll(ctxShutdown, logger,
		shutdownStep{"http server", httpServer.Shutdown},
		shutdownStep{"negotiation manager", negotiationMgr.Stop},
		shutdownStep{"transfer manager", transferMgr.Stop},
		shutdownStep{"telemetry", telemetry.Shutdown},
	)
	return err
}

type shutdownStep struct {
	name string
	stop func(context.Context) error
}

// stopAll runs every step in order; a failing step is logged and does not stop the rest.
func stopAll(ctx context.Context, logger zerolog.Logger, steps ...shutdownStep) {
	for _, step := range steps {
		if err := step.stop(ctx); err != nil {
			logger.Warn().Err(err).Str("component", step.name).Msg("shutdown failed")
		}
	}
}

func machineConfig(cfg *config.Config, maxRetries map[int]int) statemachine.Config {
	return statemachine.Config{
		WorkerID:          cfg.WorkerID,
		BatchSize:         cfg.BatchSize,
		Parallelism:       cfg.Parallelism,
		DefaultMaxRetries: cfg.MaxRetries,
		MaxRetries:        maxRetries,
		RetryBaseDelay:    cfg.RetryBaseDelay,
		RetryMaxDelay:     cfg.RetryMaxDelay,
	}
}

// buildProvisioners returns the MinIO provisioner when an endpoint is
// configured, plus a no-op provisioner for NOOP_PROVISION_TYPES.
// Destinations of other types need no provisioning.
func buildProvisioners(cfg *config.Config, logger zerolog.Logger) ([]provision.Provisioner, error) {
	provisioners := []provision.Provisioner{}
	if cfg.MinIOEndpoint != "" {
		storeCfg := objectstore.Config{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Region:    cfg.MinIORegion,
			UseSSL:    cfg.MinIOUseSSL,
		}
		client, err := objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			return nil, err
		}
		provisioners = append(provisioners, objectstore.NewProvisioner(client, storeCfg, logger))
	}
	if len(cfg.NoopTypes) > 0 {
		provisioners = append(provisioners, objectstore.Noop{Types: cfg.NoopTypes})
	}
	if len(provisioners) == 0 {
		logger.Info().Msg("object store not configured, bucket destinations are refused")
	}
	return provisioners, nil
}
