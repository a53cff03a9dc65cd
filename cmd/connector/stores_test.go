package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/dataspace-connector/internal/config"
	domainNegotiation "github.com/execution-hub/dataspace-connector/internal/domain/negotiation"
	domainTransfer "github.com/execution-hub/dataspace-connector/internal/domain/transfer"
)

func TestOpenStores(t *testing.T) {
	for _, driver := range []string{config.DriverMemory, config.DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			cfg := &config.Config{
				StoreDriver:   driver,
				SQLitePath:    filepath.Join(t.TempDir(), "connector.db"),
				LeaseDuration: time.Minute,
			}
			st, err := openStores(context.Background(), cfg, true, zerolog.Nop())
			require.NoError(t, err)
			defer st.close()

			ctx := context.Background()
			n := domainNegotiation.New(domainNegotiation.RoleConsumer, domainNegotiation.StateInitiated, time.Now().UTC())
			require.NoError(t, st.negotiations.Create(ctx, n))
			tp := domainTransfer.New(domainTransfer.RoleConsumer, domainTransfer.StateInitiated, time.Now().UTC())
			require.NoError(t, st.transfers.Create(ctx, tp))

			batch, err := st.negotiations.NextForState(ctx, int(domainNegotiation.StateInitiated), 10, "worker-1")
			require.NoError(t, err)
			require.Len(t, batch, 1)
			assert.Equal(t, n.ID, batch[0].ID)

			leased, err := st.negotiations.IsLeased(ctx, n.ID)
			require.NoError(t, err)
			assert.True(t, leased)
		})
	}
}

func TestMachineConfig(t *testing.T) {
	cfg := &config.Config{WorkerID: "w", BatchSize: 5, MaxRetries: 3, RetryBaseDelay: time.Second}
	mc := machineConfig(cfg, map[int]int{200: 1})
	assert.Equal(t, "w", mc.WorkerID)
	assert.Equal(t, 5, mc.BatchSize)
	assert.Equal(t, 3, mc.DefaultMaxRetries)
	assert.Equal(t, map[int]int{200: 1}, mc.MaxRetries)
}
