package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/dataspace-connector/internal/domain/negotiation"
	"github.com/execution-hub/dataspace-connector/internal/domain/process"
	"github.com/execution-hub/dataspace-connector/internal/domain/process/processtest"
	"github.com/execution-hub/dataspace-connector/internal/domain/transfer"
)

var (
	_ process.Store[*negotiation.ContractNegotiation] = (*Store[*negotiation.ContractNegotiation])(nil)
	_ process.Store[*transfer.TransferProcess]        = (*Store[*transfer.TransferProcess])(nil)
)

func TestStoreContract(t *testing.T) {
	processtest.Run(t, func(t *testing.T, clock func() time.Time, d time.Duration) process.Store[*processtest.Entity] {
		return NewStore[*processtest.Entity](WithClock(clock), WithLeaseDuration(d))
	})
}

func TestLeaseExpiryWithWallClock(t *testing.T) {
	s := NewStore[*processtest.Entity](WithLeaseDuration(50 * time.Millisecond))
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, processtest.NewEntity("p-1", 100, time.Now().Add(-time.Second))))

	first, err := s.NextForState(ctx, 100, 1, "worker-crashed")
	require.NoError(t, err)
	require.Len(t, first, 1)

	time.Sleep(60 * time.Millisecond)

	second, err := s.NextForState(ctx, 100, 1, "worker-b")
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "p-1", second[0].ID)

	l, ok := s.Lease("p-1")
	require.True(t, ok)
	assert.Equal(t, "worker-b", l.HolderID)
}

func TestStoredEntityIsDetached(t *testing.T) {
	s := NewStore[*processtest.Entity]()
	ctx := context.Background()
	e := processtest.NewEntity("p-1", 100, time.Now())
	require.NoError(t, s.Create(ctx, e))

	e.Payload = "changed after create"
	got, err := s.Find(ctx, "p-1")
	require.NoError(t, err)
	assert.Empty(t, got.Payload)
}
