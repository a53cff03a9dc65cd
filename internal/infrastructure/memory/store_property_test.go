package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/execution-hub/dataspace-connector/internal/domain/process/processtest"
)

// TestNextForStateLeasesEachEntityOnce checks that concurrent pollers never
// receive the same entity and that they drain min(M, N*batch) entities.
func TestNextForStateLeasesEachEntityOnce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("union of leased ids has no duplicates", prop.ForAll(
		func(entities, workers, batch int) bool {
			s := NewStore[*processtest.Entity]()
			ctx := context.Background()
			base := time.Now().Add(-time.Hour)
			for i := 0; i < entities; i++ {
				e := processtest.NewEntity(fmt.Sprintf("p-%d", i), 100, base.Add(time.Duration(i)*time.Millisecond))
				if err := s.Create(ctx, e); err != nil {
					return false
				}
			}

			var (
				mu    sync.Mutex
				wg    sync.WaitGroup
				seen  = make(map[string]bool)
				clash bool
			)
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(holder string) {
					defer wg.Done()
					got, _ := s.NextForState(ctx, 100, batch, holder)
					mu.Lock()
					defer mu.Unlock()
					for _, e := range got {
						if seen[e.ID] {
							clash = true
						}
						seen[e.ID] = true
					}
				}(fmt.Sprintf("w-%d", w))
			}
			wg.Wait()

			return !clash && len(seen) == min(entities, workers*batch)
		},
		gen.IntRange(0, 60),
		gen.IntRange(1, 8),
		gen.IntRange(1, 10),
	))

	properties.Property("oldest entities are selected first", prop.ForAll(
		func(entities, batch int) bool {
			s := NewStore[*processtest.Entity]()
			ctx := context.Background()
			base := time.Now().Add(-time.Hour)
			// insert newest first so map order cannot accidentally match
			for i := entities - 1; i >= 0; i-- {
				e := processtest.NewEntity(fmt.Sprintf("p-%03d", i), 100, base.Add(time.Duration(i)*time.Second))
				if err := s.Create(ctx, e); err != nil {
					return false
				}
			}
			got, _ := s.NextForState(ctx, 100, batch, "w")
			if len(got) != min(entities, batch) {
				return false
			}
			for i, e := range got {
				if e.ID != fmt.Sprintf("p-%03d", i) {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 40),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}
