// Package agents runs one long-lived search worker per deployed term.
package agents

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flitsinc/watchtower/internal/eventbus"
	"github.com/flitsinc/watchtower/internal/events"
	"github.com/flitsinc/watchtower/internal/intel"
	"github.com/flitsinc/watchtower/internal/metrics"
	"github.com/flitsinc/watchtower/internal/store"
)

const StatusActive = "active"

var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrClosed        = errors.New("agent manager closed")
)

type NotFoundError struct {
	Term string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("agent for term %q not found", e.Term)
}

func (e *NotFoundError) Unwrap() error {
	return ErrAgentNotFound
}

// Searcher runs the search, extract and geocode steps for one term.
type Searcher interface {
	Search(ctx context.Context, query string, max int) intel.Result
}

// Integrator persists a cycle's events and recounts matches for a term.
type Integrator interface {
	IntegrateNew(ctx context.Context, list []events.Event) store.Result
	CountMatching(ctx context.Context, term string) (int, error)
	List(ctx context.Context) (events.Document, error)
}

// Activity receives lifecycle and cycle entries for the dashboard feed.
type Activity interface {
	Push(ctx context.Context, input eventbus.Input) (eventbus.Entry, error)
}

type Timings struct {
	InitialDelay  time.Duration
	Interval      time.Duration
	RetryInterval time.Duration
	// StopGrace bounds how long StopAll waits for workers to exit.
	StopGrace time.Duration
	BatchSize int
}

func DefaultTimings() Timings {
	return Timings{
		InitialDelay:  5 * time.Second,
		Interval:      5 * time.Minute,
		RetryInterval: 30 * time.Second,
		StopGrace:     time.Second,
		BatchSize:     3,
	}
}

// Record is the public view of one agent.
type Record struct {
	Term        string     `json:"term"`
	Status      string     `json:"status"`
	EventsFound int        `json:"events_found"`
	DeployedAt  time.Time  `json:"deployed_at"`
	LastSearch  *time.Time `json:"last_search"`
}

type DeployResult struct {
	Success       bool `json:"success"`
	DeployedCount int  `json:"deployed_count"`
	TotalActive   int  `json:"total_active"`
}

type StopAllResult struct {
	Success      bool `json:"success"`
	StoppedCount int  `json:"stopped_count"`
}

type StopOneResult struct {
	Success         bool `json:"success"`
	RemainingAgents int  `json:"remaining_agents"`
}

type StatusResult struct {
	Success        bool     `json:"success"`
	Agents         []Record `json:"agents"`
	TotalActive    int      `json:"total_active"`
	NewEventsCount int      `json:"new_events_count"`
}

type agent struct {
	term        string
	generation  uint64
	eventsFound int
	lastCount   int
	deployedAt  time.Time
	lastSearch  *time.Time
	cancel      context.CancelFunc
	done        chan struct{}
}

type Manager struct {
	searcher   Searcher
	integrator Integrator
	activity   Activity
	metrics    *metrics.Metrics
	timings    Timings
	nowFn      func() time.Time
	onCycle    func(term string, err error)

	base       context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu         sync.Mutex
	agents     map[string]*agent
	generation uint64
	closed     bool
}

type Option func(*Manager)

func WithClock(nowFn func() time.Time) Option {
	return func(m *Manager) {
		if nowFn != nil {
			m.nowFn = nowFn
		}
	}
}

func WithTimings(t Timings) Option {
	return func(m *Manager) {
		m.timings = t
	}
}

func WithActivity(a Activity) Option {
	return func(m *Manager) {
		m.activity = a
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithCycleObserver is called after every cycle with its error, if any.
func WithCycleObserver(fn func(term string, err error)) Option {
	return func(m *Manager) {
		m.onCycle = fn
	}
}

func NewManager(searcher Searcher, integrator Integrator, opts ...Option) *Manager {
	base, cancel := context.WithCancel(context.Background())
	m := &Manager{
		searcher:   searcher,
		integrator: integrator,
		timings:    DefaultTimings(),
		nowFn:      time.Now,
		base:       base,
		cancelBase: cancel,
		agents:     map[string]*agent{},
	}
	for _, opt := range opts {
		opt(m)
	}
	defaults := DefaultTimings()
	if m.timings.BatchSize <= 0 {
		m.timings.BatchSize = defaults.BatchSize
	}
	if m.timings.Interval <= 0 {
		m.timings.Interval = defaults.Interval
	}
	if m.timings.RetryInterval <= 0 {
		m.timings.RetryInterval = defaults.RetryInterval
	}
	if m.timings.InitialDelay < 0 {
		m.timings.InitialDelay = 0
	}
	return m
}

// Deploy starts a worker for every term not already active. Blank and
// repeated terms are skipped.
func (m *Manager) Deploy(terms []string) (DeployResult, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return DeployResult{}, ErrClosed
	}
	var deployed []string
	for _, raw := range terms {
		term := strings.TrimSpace(raw)
		if term == "" {
			continue
		}
		if _, ok := m.agents[term]; ok {
			continue
		}
		m.generation++
		ctx, cancel := context.WithCancel(m.base)
		a := &agent{
			term:       term,
			generation: m.generation,
			deployedAt: m.nowFn().UTC(),
			cancel:     cancel,
			done:       make(chan struct{}),
		}
		m.agents[term] = a
		m.wg.Add(1)
		go m.run(ctx, a.term, a.generation, a.done)
		deployed = append(deployed, term)
	}
	total := len(m.agents)
	m.mu.Unlock()

	m.metrics.SetActiveAgents(total)
	for _, term := range deployed {
		log.Printf("deployed search agent for %q", term)
		m.publish(eventbus.Input{Stream: eventbus.StreamAgents, Subject: "deployed", Body: fmt.Sprintf("Agent deployed for %q", term), Term: term})
	}
	return DeployResult{Success: true, DeployedCount: len(deployed), TotalActive: total}, nil
}

// StopAll cancels every worker and clears bookkeeping, then waits up to
// StopGrace for the workers to exit.
func (m *Manager) StopAll() StopAllResult {
	m.mu.Lock()
	stopped := make([]*agent, 0, len(m.agents))
	for _, a := range m.agents {
		a.cancel()
		stopped = append(stopped, a)
	}
	m.agents = map[string]*agent{}
	m.mu.Unlock()

	m.metrics.SetActiveAgents(0)
	if len(stopped) > 0 {
		m.waitFor(stopped, m.timings.StopGrace)
		log.Printf("stopped %d search agents", len(stopped))
		m.publish(eventbus.Input{Stream: eventbus.StreamAgents, Subject: "stopped", Body: fmt.Sprintf("Stopped %d agents", len(stopped)), Metadata: map[string]any{"stopped_count": len(stopped)}})
	}
	return StopAllResult{Success: true, StoppedCount: len(stopped)}
}

func (m *Manager) StopOne(term string) (StopOneResult, error) {
	term = strings.TrimSpace(term)
	m.mu.Lock()
	a, ok := m.agents[term]
	if !ok {
		m.mu.Unlock()
		return StopOneResult{}, &NotFoundError{Term: term}
	}
	a.cancel()
	delete(m.agents, term)
	remaining := len(m.agents)
	m.mu.Unlock()

	m.metrics.SetActiveAgents(remaining)
	log.Printf("stopped search agent for %q", term)
	m.publish(eventbus.Input{Stream: eventbus.StreamAgents, Subject: "stopped", Body: fmt.Sprintf("Agent stopped for %q", term), Term: term})
	return StopOneResult{Success: true, RemainingAgents: remaining}, nil
}

// Status recounts matching store events for every agent and reports how many
// appeared since the previous Status call.
func (m *Manager) Status(ctx context.Context) (StatusResult, error) {
	type snapshot struct {
		term       string
		generation uint64
	}
	m.mu.Lock()
	snaps := make([]snapshot, 0, len(m.agents))
	for _, a := range m.agents {
		snaps = append(snaps, snapshot{term: a.term, generation: a.generation})
	}
	m.mu.Unlock()

	counts := make(map[string]int, len(snaps))
	if len(snaps) > 0 {
		doc, err := m.integrator.List(ctx)
		if err != nil {
			return StatusResult{}, fmt.Errorf("count events: %w", err)
		}
		for _, s := range snaps {
			counts[s.term] = doc.CountMatching(s.term)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := StatusResult{Success: true, Agents: make([]Record, 0, len(snaps))}
	for _, s := range snaps {
		a, ok := m.agents[s.term]
		if !ok || a.generation != s.generation {
			continue
		}
		current := counts[s.term]
		if delta := current - a.lastCount; delta > 0 {
			out.NewEventsCount += delta
		}
		a.lastCount = current
		a.eventsFound = current
		out.Agents = append(out.Agents, a.record())
	}
	sort.Slice(out.Agents, func(i, j int) bool {
		if !out.Agents[i].DeployedAt.Equal(out.Agents[j].DeployedAt) {
			return out.Agents[i].DeployedAt.Before(out.Agents[j].DeployedAt)
		}
		return out.Agents[i].Term < out.Agents[j].Term
	})
	out.TotalActive = len(m.agents)
	return out, nil
}

// Active returns the number of deployed agents.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.agents)
}

// Terms returns the terms with a running agent, sorted.
func (m *Manager) Terms() []string {
	m.mu.Lock()
	terms := make([]string, 0, len(m.agents))
	for term := range m.agents {
		terms = append(terms, term)
	}
	m.mu.Unlock()
	sort.Strings(terms)
	return terms
}

// Wait blocks until every worker has exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close stops all agents, refuses further deploys and waits for workers.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.StopAll()
	m.cancelBase()
	m.Wait()
}

func (a *agent) record() Record {
	r := Record{
		Term:        a.term,
		Status:      StatusActive,
		EventsFound: a.eventsFound,
		DeployedAt:  a.deployedAt,
	}
	if a.lastSearch != nil {
		t := *a.lastSearch
		r.LastSearch = &t
	}
	return r
}

// current returns the live agent for term when it still belongs to the
// worker of the given generation. Callers hold m.mu.
func (m *Manager) current(term string, generation uint64) (*agent, bool) {
	a, ok := m.agents[term]
	if !ok || a.generation != generation {
		return nil, false
	}
	return a, true
}

func (m *Manager) waitFor(list []*agent, grace time.Duration) {
	if grace <= 0 {
		return
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	for _, a := range list {
		select {
		case <-a.done:
		case <-timer.C:
			return
		}
	}
}

func (m *Manager) publish(input eventbus.Input) {
	if m.activity == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.activity.Push(ctx, input); err != nil {
		log.Printf("publish %s activity: %v", input.Stream, err)
	}
}
