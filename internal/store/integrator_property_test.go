package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/flitsinc/watchtower/internal/events"
)

// For any existing document and any sequence of batches, each batch of k
// events receives ids max+1..max+k and integer ids stay unique.
func TestProperty_IntegrateIDsAreMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("ids continue from the current maximum", prop.ForAll(
		func(existingIDs []int64, batches []int) bool {
			doc := events.Document{}
			for _, id := range existingIDs {
				doc.Events = append(doc.Events, events.Event{ID: id, Title: fmt.Sprintf("existing-%d", id)})
			}
			mem := &memStore{doc: doc}
			integ := NewIntegrator(mem)

			for b, size := range batches {
				before := mem.doc.MaxID()
				input := make([]events.Event, size)
				for j := range input {
					input[j] = events.Event{Title: fmt.Sprintf("batch-%d-%d", b, j)}
				}
				res := integ.Integrate(context.Background(), input)
				if !res.Success || res.AddedCount != size {
					return false
				}
				for j, e := range res.AddedEvents {
					if e.ID != before+int64(j)+1 {
						return false
					}
				}
			}

			seen := map[int64]bool{}
			for _, e := range mem.doc.Events {
				if !e.HasIntegerID() {
					continue
				}
				if seen[e.ID] && e.Title[:5] == "batch" {
					return false
				}
				seen[e.ID] = true
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(1, 500)),
		gen.SliceOf(gen.IntRange(0, 6)),
	))

	properties.TestingRun(t)
}
