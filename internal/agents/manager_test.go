package agents

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flitsinc/watchtower/internal/eventbus"
	"github.com/flitsinc/watchtower/internal/events"
	"github.com/flitsinc/watchtower/internal/intel"
	"github.com/flitsinc/watchtower/internal/store"
	"github.com/flitsinc/watchtower/internal/testutil"
)

type fakeSearcher struct {
	calls atomic.Int32
	fn    func(ctx context.Context, query string, n int32) intel.Result
}

func (f *fakeSearcher) Search(ctx context.Context, query string, max int) intel.Result {
	n := f.calls.Add(1)
	if f.fn != nil {
		return f.fn(ctx, query, n)
	}
	return intel.Result{Success: true, Query: query, Events: []events.Event{}}
}

func fastTimings() Timings {
	return Timings{InitialDelay: 0, Interval: time.Hour, RetryInterval: time.Hour, StopGrace: time.Second, BatchSize: 3}
}

func newTestManager(t *testing.T, searcher Searcher, opts ...Option) (*Manager, *store.Integrator) {
	t.Helper()
	integ := store.NewIntegrator(store.NewFileStore(filepath.Join(t.TempDir(), "events.json")))
	opts = append([]Option{WithTimings(fastTimings())}, opts...)
	m := NewManager(searcher, integ, opts...)
	t.Cleanup(m.Close)
	return m, integ
}

func TestDeployIsIdempotent(t *testing.T) {
	timings := fastTimings()
	timings.InitialDelay = time.Hour
	m, _ := newTestManager(t, &fakeSearcher{}, WithTimings(timings))

	res, err := m.Deploy([]string{"piracy", "piracy", " piracy ", "", "  ", "drought"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if !res.Success || res.DeployedCount != 2 || res.TotalActive != 2 {
		t.Fatalf("unexpected deploy result %+v", res)
	}

	res, err = m.Deploy([]string{"piracy"})
	if err != nil {
		t.Fatalf("deploy again: %v", err)
	}
	if res.DeployedCount != 0 || res.TotalActive != 2 {
		t.Fatalf("expected no new agents, got %+v", res)
	}
	if m.Active() != 2 {
		t.Fatalf("expected two active agents, got %d", m.Active())
	}
}

func TestStopOneUnknownTerm(t *testing.T) {
	m, _ := newTestManager(t, &fakeSearcher{})
	_, err := m.StopOne("ghost")
	if !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
	var notFound *NotFoundError
	if !errors.As(err, &notFound) || notFound.Term != "ghost" {
		t.Fatalf("expected NotFoundError for ghost, got %v", err)
	}
	if err.Error() != `agent for term "ghost" not found` {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestStopOneHaltsFurtherCycles(t *testing.T) {
	searcher := &fakeSearcher{}
	timings := fastTimings()
	timings.Interval = 5 * time.Millisecond
	m, _ := newTestManager(t, searcher, WithTimings(timings))

	if _, err := m.Deploy([]string{"piracy"}); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	testutil.WaitUntil(t, 3*time.Second, func() bool { return searcher.calls.Load() >= 2 })

	res, err := m.StopOne("piracy")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !res.Success || res.RemainingAgents != 0 {
		t.Fatalf("unexpected stop result %+v", res)
	}
	m.Wait()
	after := searcher.calls.Load()
	time.Sleep(50 * time.Millisecond)
	if got := searcher.calls.Load(); got != after {
		t.Fatalf("cycle started after stop: %d -> %d", after, got)
	}
}

func TestStopCancelsInFlightSearch(t *testing.T) {
	started := make(chan struct{})
	searcher := &fakeSearcher{fn: func(ctx context.Context, query string, n int32) intel.Result {
		close(started)
		<-ctx.Done()
		return intel.Result{Error: ctx.Err().Error()}
	}}
	m, _ := newTestManager(t, searcher)
	if _, err := m.Deploy([]string{"piracy"}); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	<-started

	begin := time.Now()
	res := m.StopAll()
	if res.StoppedCount != 1 {
		t.Fatalf("unexpected stop result %+v", res)
	}
	if time.Since(begin) > time.Second {
		t.Fatalf("stop took too long")
	}
	done := make(chan struct{})
	go func() { m.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not exit after stop")
	}
}

func TestFailedCycleUsesRetryInterval(t *testing.T) {
	searcher := &fakeSearcher{fn: func(ctx context.Context, query string, n int32) intel.Result {
		return intel.Result{Error: "model offline", Events: []events.Event{}}
	}}
	var mu sync.Mutex
	var cycleErrs []error
	timings := fastTimings()
	timings.RetryInterval = 5 * time.Millisecond
	m, _ := newTestManager(t, searcher, WithTimings(timings), WithCycleObserver(func(term string, err error) {
		mu.Lock()
		cycleErrs = append(cycleErrs, err)
		mu.Unlock()
	}))

	if _, err := m.Deploy([]string{"piracy"}); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	testutil.WaitUntil(t, 3*time.Second, func() bool { return searcher.calls.Load() >= 3 })
	if m.Active() != 1 {
		t.Fatalf("failed cycles must not end the worker")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(cycleErrs) == 0 || cycleErrs[0] == nil {
		t.Fatalf("expected failed cycles to be reported")
	}
}

func TestStatusReportsNewEventsSincePreviousCall(t *testing.T) {
	searcher := &fakeSearcher{fn: func(ctx context.Context, query string, n int32) intel.Result {
		list := []events.Event{}
		if n == 1 {
			for i := 0; i < 3; i++ {
				list = append(list, events.Event{Title: fmt.Sprintf("%s incident %d", query, i), Location: "Red Sea"})
			}
		}
		return intel.Result{Success: true, Query: query, Events: list, EventsFound: len(list)}
	}}
	cycles := make(chan error, 4)
	m, _ := newTestManager(t, searcher, WithCycleObserver(func(term string, err error) { cycles <- err }))

	if _, err := m.Deploy([]string{"piracy"}); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if err := <-cycles; err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	status, err := m.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.TotalActive != 1 || len(status.Agents) != 1 {
		t.Fatalf("unexpected status %+v", status)
	}
	rec := status.Agents[0]
	if rec.Term != "piracy" || rec.Status != StatusActive || rec.EventsFound != 3 || rec.LastSearch == nil {
		t.Fatalf("unexpected record %+v", rec)
	}
	if status.NewEventsCount != 3 {
		t.Fatalf("expected 3 new events, got %d", status.NewEventsCount)
	}

	status, err = m.Status(context.Background())
	if err != nil {
		t.Fatalf("status again: %v", err)
	}
	if status.NewEventsCount != 0 {
		t.Fatalf("expected no new events, got %d", status.NewEventsCount)
	}
}

func TestStatusOrdersByDeployTime(t *testing.T) {
	var tick atomic.Int64
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Second) }
	timings := fastTimings()
	timings.InitialDelay = time.Hour
	m, _ := newTestManager(t, &fakeSearcher{}, WithTimings(timings), WithClock(clock))

	for _, term := range []string{"zeta", "alpha", "mid"} {
		if _, err := m.Deploy([]string{term}); err != nil {
			t.Fatalf("deploy: %v", err)
		}
	}
	status, err := m.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	got := []string{status.Agents[0].Term, status.Agents[1].Term, status.Agents[2].Term}
	if got[0] != "zeta" || got[1] != "alpha" || got[2] != "mid" {
		t.Fatalf("expected deploy order, got %v", got)
	}
	if status.Agents[0].LastSearch != nil {
		t.Fatalf("expected no search before the initial delay")
	}
}

func TestStopAllAndCloseRejectDeploy(t *testing.T) {
	timings := fastTimings()
	timings.InitialDelay = time.Hour
	m, _ := newTestManager(t, &fakeSearcher{}, WithTimings(timings))
	if _, err := m.Deploy([]string{"a", "b", "c"}); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	res := m.StopAll()
	if !res.Success || res.StoppedCount != 3 || m.Active() != 0 {
		t.Fatalf("unexpected stop all %+v", res)
	}
	if res := m.StopAll(); res.StoppedCount != 0 {
		t.Fatalf("expected nothing left to stop")
	}

	m.Close()
	if _, err := m.Deploy([]string{"a"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestLifecyclePublishedToActivityBus(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	bus := eventbus.NewBus(db)

	timings := fastTimings()
	timings.InitialDelay = time.Hour
	m, _ := newTestManager(t, &fakeSearcher{}, WithTimings(timings), WithActivity(bus))
	if _, err := m.Deploy([]string{"piracy"}); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if _, err := m.StopOne("piracy"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	entries, err := bus.List(context.Background(), eventbus.StreamAgents, eventbus.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[0].Subject != "deployed" || entries[1].Subject != "stopped" {
		t.Fatalf("unexpected lifecycle entries %+v", entries)
	}
}

func TestNewManagerClampsNonPositiveIntervals(t *testing.T) {
	integ := store.NewIntegrator(store.NewFileStore(filepath.Join(t.TempDir(), "events.json")))
	m := NewManager(&fakeSearcher{}, integ, WithTimings(Timings{InitialDelay: -time.Second, Interval: 0, RetryInterval: -time.Minute}))
	t.Cleanup(m.Close)

	defaults := DefaultTimings()
	if m.timings.Interval != defaults.Interval || m.timings.RetryInterval != defaults.RetryInterval {
		t.Fatalf("expected default intervals, got %+v", m.timings)
	}
	if m.timings.InitialDelay != 0 || m.timings.BatchSize != defaults.BatchSize {
		t.Fatalf("unexpected timings %+v", m.timings)
	}
}

type countingIntegrator struct {
	*store.Integrator
	lists  atomic.Int32
	counts atomic.Int32
}

func (c *countingIntegrator) List(ctx context.Context) (events.Document, error) {
	c.lists.Add(1)
	return c.Integrator.List(ctx)
}

func (c *countingIntegrator) CountMatching(ctx context.Context, term string) (int, error) {
	c.counts.Add(1)
	return c.Integrator.CountMatching(ctx, term)
}

func TestStatusReadsStoreOnce(t *testing.T) {
	integ := &countingIntegrator{Integrator: store.NewIntegrator(store.NewFileStore(filepath.Join(t.TempDir(), "events.json")))}
	integ.Integrator.Integrate(context.Background(), []events.Event{
		{Title: "Piracy off Somalia"}, {Title: "Drought in Sahel"}, {Title: "Cyber attack on port"},
	})
	timings := fastTimings()
	timings.InitialDelay = time.Hour
	m := NewManager(&fakeSearcher{}, integ, WithTimings(timings))
	t.Cleanup(m.Close)

	if _, err := m.Deploy([]string{"piracy", "drought", "cyber", "flood"}); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	status, err := m.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got := integ.lists.Load(); got != 1 {
		t.Fatalf("expected one store read, got %d", got)
	}
	if got := integ.counts.Load(); got != 0 {
		t.Fatalf("expected no per-term recount, got %d", got)
	}
	found := map[string]int{}
	for _, rec := range status.Agents {
		found[rec.Term] = rec.EventsFound
	}
	if found["piracy"] != 1 || found["drought"] != 1 || found["cyber"] != 1 || found["flood"] != 0 {
		t.Fatalf("unexpected counts %v", found)
	}
}

func TestTermsListsRunningAgents(t *testing.T) {
	timings := fastTimings()
	timings.InitialDelay = time.Hour
	m, _ := newTestManager(t, &fakeSearcher{}, WithTimings(timings))

	if got := m.Terms(); len(got) != 0 {
		t.Fatalf("expected no terms, got %v", got)
	}
	if _, err := m.Deploy([]string{"piracy", "drought", "cyber"}); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if _, err := m.StopOne("drought"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := fmt.Sprint(m.Terms()); got != "[cyber piracy]" {
		t.Fatalf("unexpected terms %s", got)
	}
}
