package sqlite

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/dataspace-connector/internal/domain/negotiation"
	"github.com/execution-hub/dataspace-connector/internal/domain/process"
	"github.com/execution-hub/dataspace-connector/internal/domain/process/processtest"
)

func newTestStore(t *testing.T, clock func() time.Time, d time.Duration) process.Store[*processtest.Entity] {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := NewStore(db, "test_processes", func() *processtest.Entity { return &processtest.Entity{} },
		WithClock(clock), WithLeaseDuration(d))
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestStoreContract(t *testing.T) {
	processtest.Run(t, newTestStore)
}

func TestNegotiationRoundTrip(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	s := NewStore(db, "contract_negotiations", func() *negotiation.ContractNegotiation { return &negotiation.ContractNegotiation{} })
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	n := negotiation.New(negotiation.RoleConsumer, negotiation.StateInitiated, time.Now().UTC())
	n.CounterPartyAddress = "http://provider/protocol"
	n.AddOffer(negotiation.ContractOffer{ID: "offer-1", AssetID: "asset-1"})
	require.NoError(t, s.Create(ctx, n))

	got, err := s.Find(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, negotiation.StateInitiated, got.CurrentState())
	assert.Equal(t, "http://provider/protocol", got.CounterPartyAddress)
	require.Len(t, got.Offers, 1)
	assert.Equal(t, "asset-1", got.Offers[0].AssetID)
}

func TestNextForStateRollsBackOnLeaseFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s := NewStore(db, "test_processes", func() *processtest.Entity { return &processtest.Entity{} },
		WithClock(func() time.Time { return now }))

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT e.id, e.payload FROM test_processes e")).
		WithArgs(100, now.UnixMilli(), 5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "payload"}).AddRow("p-1", `{"id":"p-1","state":100}`))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO test_processes_leases")).
		WithArgs("p-1", "worker-a", now.UnixMilli(), int64(60000)).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	got, err := s.NextForState(context.Background(), 100, 5, "worker-a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert lease p-1")
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateReportsLeaseHolder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s := NewStore(db, "test_processes", func() *processtest.Entity { return &processtest.Entity{} },
		WithClock(func() time.Time { return now }))

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM test_processes WHERE id=?")).
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT holder_id, acquired_at, duration_ms FROM test_processes_leases")).
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows([]string{"holder_id", "acquired_at", "duration_ms"}).
			AddRow("worker-a", now.Add(-time.Second).UnixMilli(), int64(60000)))
	mock.ExpectRollback()

	err = s.Update(context.Background(), processtest.NewEntity("p-1", 100, now), "worker-b")
	assert.ErrorIs(t, err, process.ErrAlreadyLeased)
	assert.NoError(t, mock.ExpectationsWereMet())
}
