package agents

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/flitsinc/watchtower/internal/eventbus"
	"github.com/flitsinc/watchtower/internal/idgen"
	"github.com/flitsinc/watchtower/internal/metrics"
)

// errRetired means the worker's agent was stopped or replaced.
var errRetired = errors.New("agent retired")

func (m *Manager) run(ctx context.Context, term string, generation uint64, done chan struct{}) {
	defer m.wg.Done()
	defer close(done)
	log.Printf("search agent for %q starting", term)
	defer log.Printf("search agent for %q stopped", term)

	if !sleep(ctx, m.timings.InitialDelay) {
		return
	}
	for {
		err := m.runCycle(ctx, term, generation)
		if errors.Is(err, errRetired) || ctx.Err() != nil {
			return
		}
		wait := m.timings.Interval
		if err != nil {
			wait = m.timings.RetryInterval
		}
		if !sleep(ctx, wait) {
			return
		}
	}
}

// runCycle performs one search, extract, geocode and integrate pass.
func (m *Manager) runCycle(ctx context.Context, term string, generation uint64) (err error) {
	m.mu.Lock()
	a, ok := m.current(term, generation)
	if !ok || ctx.Err() != nil {
		m.mu.Unlock()
		return errRetired
	}
	started := m.nowFn().UTC()
	a.lastSearch = &started
	m.mu.Unlock()

	cycleID := idgen.Cycle()
	begin := time.Now()
	added := 0
	defer func() {
		if errors.Is(err, errRetired) {
			return
		}
		outcome := metrics.OutcomeSuccess
		if err != nil {
			outcome = metrics.OutcomeFailure
			log.Printf("search agent %q cycle %s: %v", term, cycleID, err)
			m.publish(eventbus.Input{
				Stream:   eventbus.StreamErrors,
				Subject:  "cycle failed",
				Body:     err.Error(),
				Term:     term,
				Metadata: map[string]any{"cycle_id": cycleID},
			})
		} else {
			m.publish(eventbus.Input{
				Stream:   eventbus.StreamCycles,
				Subject:  "cycle completed",
				Body:     fmt.Sprintf("Agent %q added %d events", term, added),
				Term:     term,
				Metadata: map[string]any{"added_count": added, "cycle_id": cycleID},
			})
		}
		m.metrics.ObserveCycle(outcome, time.Since(begin))
		if m.onCycle != nil {
			m.onCycle(term, err)
		}
	}()

	log.Printf("search agent searching for %q", term)
	result := m.searcher.Search(ctx, term, m.timings.BatchSize)
	if ctx.Err() != nil {
		return errRetired
	}
	if !result.Success {
		return fmt.Errorf("search: %s", result.Error)
	}
	if len(result.Events) > 0 {
		integrated := m.integrator.IntegrateNew(ctx, result.Events)
		if !integrated.Success {
			return fmt.Errorf("integrate: %s", integrated.Error)
		}
		added = integrated.AddedCount
		if added > 0 {
			log.Printf("search agent %q found %d new events", term, added)
		}
	}

	count, countErr := m.integrator.CountMatching(ctx, term)
	if countErr != nil {
		return fmt.Errorf("count events: %w", countErr)
	}
	m.mu.Lock()
	if a, ok := m.current(term, generation); ok {
		a.eventsFound = count
	}
	m.mu.Unlock()
	return nil
}

// sleep waits for d or until ctx is done, reporting whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
