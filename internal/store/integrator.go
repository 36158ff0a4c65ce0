package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/flitsinc/watchtower/internal/events"
)

var ErrEventNotFound = errors.New("event not found")

// Result reports one integration. On failure nothing was written.
type Result struct {
	Success     bool           `json:"success"`
	Error       string         `json:"error,omitempty"`
	AddedCount  int            `json:"added_count"`
	TotalEvents int            `json:"total_events"`
	AddedEvents []events.Event `json:"added_events"`
	Skipped     int            `json:"skipped,omitempty"`
}

// Integrator appends events to a Store, assigning ids max+1, max+2, ... in
// input order, where max is the highest id this integrator has ever seen.
// Every read-modify-write it performs is serialised.
type Integrator struct {
	store Store
	dedup *Dedup

	// OnAdded is called after a successful write with the number of events
	// appended.
	OnAdded func(n int)

	mu sync.Mutex
	// highWater is the largest id assigned, read or deleted since start, so
	// ids freed by Delete are never handed out again.
	highWater int64
}

type IntegratorOption func(*Integrator)

// WithDedup enables duplicate suppression for IntegrateNew.
func WithDedup(d *Dedup) IntegratorOption {
	return func(i *Integrator) {
		i.dedup = d
	}
}

func NewIntegrator(store Store, opts ...IntegratorOption) *Integrator {
	i := &Integrator{store: store}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Integrate appends every event. The caller's slice is left untouched.
func (i *Integrator) Integrate(ctx context.Context, list []events.Event) Result {
	return i.integrate(ctx, list, false)
}

// IntegrateNew is Integrate but skips events whose fingerprint is already in
// the store, earlier in the batch, or recently written.
func (i *Integrator) IntegrateNew(ctx context.Context, list []events.Event) Result {
	return i.integrate(ctx, list, true)
}

func (i *Integrator) integrate(ctx context.Context, list []events.Event, unique bool) Result {
	i.mu.Lock()
	defer i.mu.Unlock()

	doc, err := i.store.Read(ctx)
	if err != nil {
		log.Printf("integrate: %v", err)
		return Result{Error: err.Error(), AddedEvents: []events.Event{}}
	}

	var existing map[string]struct{}
	if unique {
		existing = make(map[string]struct{}, len(doc.Events)+len(list))
		for _, e := range doc.Events {
			existing[Fingerprint(e)] = struct{}{}
		}
	}

	nextID := max(i.highWater, doc.MaxID())
	added := make([]events.Event, 0, len(list))
	var fingerprints []string
	skipped := 0
	for _, e := range list {
		if unique {
			fp := Fingerprint(e)
			if _, dup := existing[fp]; dup || (i.dedup != nil && i.dedup.Seen(fp)) {
				skipped++
				continue
			}
			existing[fp] = struct{}{}
			fingerprints = append(fingerprints, fp)
		}
		nextID++
		copied := e.Clone()
		copied.AssignID(nextID)
		added = append(added, copied)
	}

	if len(added) == 0 {
		return Result{Success: true, TotalEvents: len(doc.Events), AddedEvents: added, Skipped: skipped}
	}

	merged := events.Document{Events: make([]events.Event, 0, len(doc.Events)+len(added))}
	merged.Events = append(merged.Events, doc.Events...)
	merged.Events = append(merged.Events, added...)
	if err := i.store.Write(ctx, merged); err != nil {
		log.Printf("integrate: %v", err)
		return Result{Error: err.Error(), AddedEvents: []events.Event{}}
	}

	i.highWater = nextID
	if i.dedup != nil {
		for _, fp := range fingerprints {
			i.dedup.Mark(fp)
		}
	}
	if i.OnAdded != nil {
		i.OnAdded(len(added))
	}
	return Result{
		Success:     true,
		AddedCount:  len(added),
		TotalEvents: len(merged.Events),
		AddedEvents: added,
		Skipped:     skipped,
	}
}

// CountMatching recounts stored events matching term.
func (i *Integrator) CountMatching(ctx context.Context, term string) (int, error) {
	doc, err := i.List(ctx)
	if err != nil {
		return 0, err
	}
	return doc.CountMatching(term), nil
}

// List returns the current document.
func (i *Integrator) List(ctx context.Context) (events.Document, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.store.Read(ctx)
}

// Delete removes the event with the given integer id and returns the new
// total. The id is not reused by later integrations.
func (i *Integrator) Delete(ctx context.Context, id int64) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	doc, err := i.store.Read(ctx)
	if err != nil {
		return 0, err
	}
	kept := make([]events.Event, 0, len(doc.Events))
	for _, e := range doc.Events {
		if e.HasIntegerID() && e.ID == id {
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == len(doc.Events) {
		return len(doc.Events), fmt.Errorf("event %d: %w", id, ErrEventNotFound)
	}
	if err := i.store.Write(ctx, events.Document{Events: kept}); err != nil {
		return 0, err
	}
	i.highWater = max(i.highWater, doc.MaxID())
	return len(kept), nil
}
