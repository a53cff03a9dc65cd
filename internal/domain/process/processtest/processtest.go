// Package processtest holds the behavioural contract every process.Store must meet.
package processtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/dataspace-connector/internal/domain/process"
)

// Entity is a minimal process entity used by the contract tests.
type Entity struct {
	process.Process
	Payload string `json:"payload"`
}

func (e *Entity) Base() *process.Process { return &e.Process }

func (e *Entity) Copy() *Entity {
	return &Entity{Process: e.CopyProcess(), Payload: e.Payload}
}

// NewEntity builds an entity in state entered at ts.
func NewEntity(id string, state int, ts time.Time) *Entity {
	return &Entity{Process: process.New(id, state, ts)}
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory builds an empty store using clock and leaseDuration for NextForState.
type Factory func(t *testing.T, clock func() time.Time, leaseDuration time.Duration) process.Store[*Entity]

const (
	stateA = 100
	stateB = 200
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// Run executes the store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("create and find", func(t *testing.T) { testCreateFind(t, newStore) })
	t.Run("update respects leases", func(t *testing.T) { testUpdate(t, newStore) })
	t.Run("delete under lease is rejected", func(t *testing.T) { testDelete(t, newStore) })
	t.Run("next for state is fair", func(t *testing.T) { testFairness(t, newStore) })
	t.Run("leased entities are excluded", func(t *testing.T) { testLeasedExcluded(t, newStore) })
	t.Run("pending entities are excluded", func(t *testing.T) { testPendingExcluded(t, newStore) })
	t.Run("expired lease is reclaimed", func(t *testing.T) { testExpiredReclaim(t, newStore) })
	t.Run("acquire lease", func(t *testing.T) { testAcquire(t, newStore) })
	t.Run("query", func(t *testing.T) { testQuery(t, newStore) })
	t.Run("at most one holder", func(t *testing.T) { testAtMostOneHolder(t, newStore) })
}

func seed(t *testing.T, s process.Store[*Entity], n, state int, start time.Time) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("p-%03d", i)
		e := NewEntity(id, state, start.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.Create(context.Background(), e))
		ids = append(ids, id)
	}
	return ids
}

func testCreateFind(t *testing.T, newStore Factory) {
	clock := NewClock(epoch)
	s := newStore(t, clock.Now, time.Minute)
	ctx := context.Background()

	e := NewEntity("p-1", stateA, epoch)
	e.Payload = "offer"
	e.TraceContext["traceparent"] = "00-1-2-01"
	require.NoError(t, s.Create(ctx, e))
	assert.ErrorIs(t, s.Create(ctx, e), process.ErrAlreadyExists)

	got, err := s.Find(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "offer", got.Payload)
	assert.Equal(t, stateA, got.State)
	assert.Equal(t, 1, got.StateCount)
	assert.True(t, epoch.Equal(got.StateTimestamp))
	assert.Equal(t, "00-1-2-01", got.TraceContext["traceparent"])

	got.Payload = "mutated"
	again, err := s.Find(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "offer", again.Payload)

	_, err = s.Find(ctx, "missing")
	assert.ErrorIs(t, err, process.ErrNotFound)
}

func testUpdate(t *testing.T, newStore Factory) {
	clock := NewClock(epoch)
	s := newStore(t, clock.Now, time.Minute)
	ctx := context.Background()
	seed(t, s, 1, stateA, epoch)

	assert.ErrorIs(t, s.Update(ctx, NewEntity("missing", stateA, epoch), ""), process.ErrNotFound)

	leased, err := s.NextForState(ctx, stateA, 1, "worker-a")
	require.NoError(t, err)
	require.Len(t, leased, 1)

	e := leased[0]
	e.TransitionTo(stateB, clock.Now())
	err = s.Update(ctx, e, "worker-b")
	assert.ErrorIs(t, err, process.ErrAlreadyLeased)
	assert.ErrorIs(t, s.Update(ctx, e, ""), process.ErrAlreadyLeased)

	require.NoError(t, s.Update(ctx, e, "worker-a"))
	got, err := s.Find(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, stateB, got.State)

	clock.Advance(2 * time.Minute)
	got.Payload = "after expiry"
	require.NoError(t, s.Update(ctx, got, "worker-b"))
}

func testDelete(t *testing.T, newStore Factory) {
	clock := NewClock(epoch)
	s := newStore(t, clock.Now, time.Minute)
	ctx := context.Background()
	ids := seed(t, s, 1, stateA, epoch)

	require.NoError(t, s.AcquireLease(ctx, ids[0], "worker-a", time.Minute))
	err := s.Delete(ctx, ids[0], "worker-b")
	assert.ErrorIs(t, err, process.ErrLeasedConflict)
	var le *process.LeaseError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "worker-a", le.HolderID)

	got, err := s.Find(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, stateA, got.State)

	require.NoError(t, s.ReleaseLease(ctx, ids[0]))
	require.NoError(t, s.Delete(ctx, ids[0], "worker-b"))
	_, err = s.Find(ctx, ids[0])
	assert.ErrorIs(t, err, process.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, ids[0], ""), process.ErrNotFound)
}

func testFairness(t *testing.T, newStore Factory) {
	clock := NewClock(epoch.Add(time.Hour))
	s := newStore(t, clock.Now, time.Minute)
	ctx := context.Background()

	// inserted out of order on purpose
	require.NoError(t, s.Create(ctx, NewEntity("t3", stateA, epoch.Add(3*time.Second))))
	require.NoError(t, s.Create(ctx, NewEntity("t1", stateA, epoch.Add(1*time.Second))))
	require.NoError(t, s.Create(ctx, NewEntity("t2", stateA, epoch.Add(2*time.Second))))
	require.NoError(t, s.Create(ctx, NewEntity("other", stateB, epoch)))

	got, err := s.NextForState(ctx, stateA, 2, "worker-a")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t1", got[0].ID)
	assert.Equal(t, "t2", got[1].ID)

	empty, err := s.NextForState(ctx, 999, 5, "worker-a")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testLeasedExcluded(t *testing.T, newStore Factory) {
	clock := NewClock(epoch)
	s := newStore(t, clock.Now, time.Minute)
	ctx := context.Background()
	ids := seed(t, s, 1, stateA, epoch)

	first, err := s.NextForState(ctx, stateA, 5, "worker-a")
	require.NoError(t, err)
	require.Len(t, first, 1)

	leased, err := s.IsLeased(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, leased)

	second, err := s.NextForState(ctx, stateA, 5, "worker-b")
	require.NoError(t, err)
	assert.Empty(t, second)

	require.NoError(t, s.ReleaseLease(ctx, ids[0]))
	third, err := s.NextForState(ctx, stateA, 5, "worker-b")
	require.NoError(t, err)
	require.Len(t, third, 1)
	assert.Equal(t, ids[0], third[0].ID)
}

func testPendingExcluded(t *testing.T, newStore Factory) {
	clock := NewClock(epoch)
	s := newStore(t, clock.Now, time.Minute)
	ctx := context.Background()

	e := NewEntity("waiting", stateA, epoch)
	e.Pending = true
	require.NoError(t, s.Create(ctx, e))

	got, err := s.NextForState(ctx, stateA, 5, "worker-a")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testExpiredReclaim(t *testing.T, newStore Factory) {
	clock := NewClock(epoch)
	s := newStore(t, clock.Now, 50*time.Millisecond)
	ctx := context.Background()
	ids := seed(t, s, 1, stateA, epoch)

	crashed, err := s.NextForState(ctx, stateA, 1, "worker-crashed")
	require.NoError(t, err)
	require.Len(t, crashed, 1)

	clock.Advance(60 * time.Millisecond)
	leased, err := s.IsLeased(ctx, ids[0])
	require.NoError(t, err)
	assert.False(t, leased)

	reclaimed, err := s.NextForState(ctx, stateA, 1, "worker-b")
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, ids[0], reclaimed[0].ID)

	assert.ErrorIs(t, s.Update(ctx, reclaimed[0], "worker-crashed"), process.ErrAlreadyLeased)
}

func testAcquire(t *testing.T, newStore Factory) {
	clock := NewClock(epoch)
	s := newStore(t, clock.Now, time.Minute)
	ctx := context.Background()
	ids := seed(t, s, 1, stateA, epoch)

	assert.ErrorIs(t, s.AcquireLease(ctx, "missing", "worker-a", time.Second), process.ErrNotFound)
	require.NoError(t, s.AcquireLease(ctx, ids[0], "worker-a", time.Second))
	require.NoError(t, s.AcquireLease(ctx, ids[0], "worker-a", time.Second), "re-acquisition by the holder is idempotent")
	assert.ErrorIs(t, s.AcquireLease(ctx, ids[0], "worker-b", time.Second), process.ErrAlreadyLeased)

	clock.Advance(2 * time.Second)
	require.NoError(t, s.AcquireLease(ctx, ids[0], "worker-b", time.Second))
	assert.ErrorIs(t, s.AcquireLease(ctx, ids[0], "worker-a", time.Second), process.ErrAlreadyLeased)
}

func testQuery(t *testing.T, newStore Factory) {
	clock := NewClock(epoch)
	s := newStore(t, clock.Now, time.Minute)
	ctx := context.Background()
	seed(t, s, 4, stateA, epoch)
	require.NoError(t, s.Create(ctx, NewEntity("b-1", stateB, epoch.Add(time.Hour))))

	all, err := s.Query(ctx, process.Query{})
	require.NoError(t, err)
	assert.Len(t, all, 5)

	onlyA, err := s.Query(ctx, process.Query{States: []int{stateA}, Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, onlyA, 2)
	assert.Equal(t, "p-001", onlyA[0].ID)
	assert.Equal(t, "p-002", onlyA[1].ID)

	latest, err := s.Query(ctx, process.Query{Descending: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "b-1", latest[0].ID)
}

func testAtMostOneHolder(t *testing.T, newStore Factory) {
	clock := NewClock(epoch.Add(time.Hour))
	s := newStore(t, clock.Now, time.Minute)
	ctx := context.Background()

	const (
		workers   = 8
		batchSize = 5
		total     = 30
	)
	seed(t, s, total, stateA, epoch)

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		leased = make(map[string]string)
		dups   []string
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(holder string) {
			defer wg.Done()
			got, err := s.NextForState(ctx, stateA, batchSize, holder)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, e := range got {
				if prev, ok := leased[e.ID]; ok {
					dups = append(dups, e.ID+" by "+prev+" and "+holder)
				}
				leased[e.ID] = holder
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()

	assert.Empty(t, dups)
	assert.Len(t, leased, min(total, workers*batchSize))
}
