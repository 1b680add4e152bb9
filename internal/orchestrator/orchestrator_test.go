package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
	"github.com/JakeFAU/site-audit/internal/progress"
	memqueue "github.com/JakeFAU/site-audit/internal/queue/memory"
	"github.com/JakeFAU/site-audit/internal/storage/memory"
)

const owner = "owner-1"

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("task-%d", g.n), nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) Types() []progress.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	orch   *Orchestrator
	store  *memory.StatusStore
	queue  *memqueue.Queue
	clock  *manualClock
	events *recordingEmitter
}

func newHarness(t *testing.T, wrap func(audit.Queue) audit.Queue) *harness {
	t.Helper()
	clock := &manualClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.NewStatusStore(clock)
	q := memqueue.NewQueue(clock, memqueue.Config{PollInterval: time.Millisecond})
	t.Cleanup(func() { _ = q.Close() })
	var queue audit.Queue = q
	if wrap != nil {
		queue = wrap(q)
	}
	events := &recordingEmitter{}
	orch := New(store, queue, &seqIDs{}, clock, events, Config{}, zap.NewNop())
	return &harness{orch: orch, store: store, queue: q, clock: clock, events: events}
}

func (h *harness) seed(t *testing.T, id string, status audit.Status, errMsg string) {
	t.Helper()
	require.NoError(t, h.store.Create(context.Background(), audit.Unit{
		ID:           id,
		OwnerID:      owner,
		Status:       status,
		ErrorMessage: errMsg,
		Config:       json.RawMessage(`{"urls":["https://example.com"]}`),
	}))
}

func (h *harness) status(t *testing.T, id string) audit.Unit {
	t.Helper()
	unit, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return unit
}

func (h *harness) dequeue(t *testing.T) audit.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, err := h.queue.Dequeue(ctx)
	require.NoError(t, err)
	return task
}

func TestPipelineRunsToCompletion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.seed(t, "u1", audit.StatusPending, "")

	started, err := h.orch.Start(ctx, "u1", owner, nil)
	require.NoError(t, err)
	require.Equal(t, audit.StageCrawl, started.Stage)
	require.Equal(t, 0, started.Attempt)
	require.Equal(t, audit.StatusCrawling, h.status(t, "u1").Status)

	crawl := h.dequeue(t)
	require.Equal(t, started.ID, crawl.ID)
	crawlResult := json.RawMessage(`{"pages":[{"url":"https://example.com","status":200}]}`)
	require.NoError(t, h.orch.Advance(ctx, crawl, audit.Succeeded(crawlResult)))
	require.NoError(t, h.queue.Ack(ctx, crawl))
	require.Equal(t, audit.StatusAnalyzing, h.status(t, "u1").Status)

	analyze := h.dequeue(t)
	require.Equal(t, audit.StageAnalyze, analyze.Stage)
	require.JSONEq(t, string(crawlResult), string(analyze.Input))
	require.JSONEq(t, `{"urls":["https://example.com"]}`, string(analyze.Config))

	require.NoError(t, h.orch.Advance(ctx, analyze, audit.Succeeded(json.RawMessage(`{}`))))
	require.NoError(t, h.queue.Ack(ctx, analyze))

	unit := h.status(t, "u1")
	require.Equal(t, audit.StatusCompleted, unit.Status)
	require.Empty(t, unit.ErrorMessage)
	_, live := h.queue.Inspect("u1")
	require.False(t, live)
	require.Equal(t, []progress.Type{
		progress.TypeUnitStarted,
		progress.TypeStageAdvanced,
		progress.TypeUnitCompleted,
	}, h.events.Types())
}

func TestStopWhileQueuedThenRestart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.seed(t, "u1", audit.StatusPending, "")

	_, err := h.orch.Start(ctx, "u1", owner, nil)
	require.NoError(t, err)
	status, err := h.orch.Stop(ctx, "u1", owner)
	require.NoError(t, err)
	require.Equal(t, audit.StatusFailed, status)

	unit := h.status(t, "u1")
	require.Equal(t, audit.StatusFailed, unit.Status)
	require.Equal(t, "crawling stopped by user", unit.ErrorMessage)
	_, live := h.queue.Inspect("u1")
	require.False(t, live, "queued task is removed")

	restarted, err := h.orch.Start(ctx, "u1", owner, json.RawMessage(`{"urls":["https://other.example"]}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"urls":["https://other.example"]}`, string(restarted.Config))
	unit = h.status(t, "u1")
	require.Equal(t, audit.StatusCrawling, unit.Status)
	require.Empty(t, unit.ErrorMessage)
}

func TestStopWhileRunningFlagsTask(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.seed(t, "u1", audit.StatusPending, "")

	_, err := h.orch.Start(ctx, "u1", owner, nil)
	require.NoError(t, err)
	crawl := h.dequeue(t)
	require.NoError(t, h.orch.Advance(ctx, crawl, audit.Succeeded(nil)))
	require.NoError(t, h.queue.Ack(ctx, crawl))
	analyze := h.dequeue(t)

	_, err = h.orch.Stop(ctx, "u1", owner)
	require.NoError(t, err)
	require.Equal(t, "analyzing stopped by user", h.status(t, "u1").ErrorMessage)

	cancelled, err := h.queue.Cancelled(ctx, analyze)
	require.NoError(t, err)
	require.True(t, cancelled)

	// A new start may begin while the cancelled task is still draining.
	_, err = h.orch.Start(ctx, "u1", owner, nil)
	require.NoError(t, err)
}

func TestRetryableFailuresExhaustAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.seed(t, "u1", audit.StatusPending, "")
	_, err := h.orch.Start(ctx, "u1", owner, nil)
	require.NoError(t, err)

	wantDelays := []time.Duration{5 * time.Second, 10 * time.Second}
	for attempt := range h.orch.MaxAttempts() {
		task := h.dequeue(t)
		require.Equal(t, attempt, task.Attempt)
		require.NoError(t, h.orch.Advance(ctx, task, audit.Failed(true, fmt.Sprintf("timeout #%d", attempt+1))))
		require.NoError(t, h.queue.Ack(ctx, task))

		if attempt < len(wantDelays) {
			require.Equal(t, audit.StatusCrawling, h.status(t, "u1").Status)
			next, ok := h.queue.Inspect("u1")
			require.True(t, ok)
			require.Equal(t, attempt+1, next.Task.Attempt)
			require.Equal(t, wantDelays[attempt], next.VisibleAt.Sub(h.clock.Now()))
			h.clock.Advance(wantDelays[attempt])
		}
	}

	unit := h.status(t, "u1")
	require.Equal(t, audit.StatusFailed, unit.Status)
	require.Equal(t, "timeout #3", unit.ErrorMessage)
	_, live := h.queue.Inspect("u1")
	require.False(t, live, "no fourth attempt is queued")
	require.Equal(t, []progress.Type{
		progress.TypeUnitStarted,
		progress.TypeStageRetry,
		progress.TypeStageRetry,
		progress.TypeUnitFailed,
	}, h.events.Types())
}

func TestFatalFailureSkipsRetry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.seed(t, "u1", audit.StatusPending, "")
	_, err := h.orch.Start(ctx, "u1", owner, nil)
	require.NoError(t, err)

	task := h.dequeue(t)
	require.NoError(t, h.orch.Advance(ctx, task, audit.Failed(false, "no valid seed url")))
	unit := h.status(t, "u1")
	require.Equal(t, audit.StatusFailed, unit.Status)
	require.Equal(t, "no valid seed url", unit.ErrorMessage)
}

func TestStopOnCompletedUnitIsNotRunning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.seed(t, "u1", audit.StatusCompleted, "")
	before := h.status(t, "u1")

	_, err := h.orch.Stop(context.Background(), "u1", owner)
	require.ErrorIs(t, err, audit.ErrNotRunning)
	require.Equal(t, before, h.status(t, "u1"))
}

func TestConcurrentStartsHaveSingleWinner(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.seed(t, "u1", audit.StatusPending, "")

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		running int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.Start(context.Background(), "u1", owner, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, audit.ErrAlreadyRunning):
				running++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
	require.Equal(t, callers-1, running)

	stats, err := h.queue.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Ready)
}

func TestLateSuccessNeverRevertsStop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.seed(t, "u1", audit.StatusPending, "")
	_, err := h.orch.Start(ctx, "u1", owner, nil)
	require.NoError(t, err)
	task := h.dequeue(t)

	_, err = h.orch.Stop(ctx, "u1", owner)
	require.NoError(t, err)
	require.NoError(t, h.orch.Advance(ctx, task, audit.Succeeded(nil)))

	unit := h.status(t, "u1")
	require.Equal(t, audit.StatusFailed, unit.Status)
	require.Equal(t, "crawling stopped by user", unit.ErrorMessage)
}

// blindQueue never reports cancellation, so only the conditional status
// write stands between a stale outcome and the stored status.
type blindQueue struct{ audit.Queue }

func (blindQueue) Cancelled(context.Context, audit.Task) (bool, error) { return false, nil }

func TestConditionalWriteRejectsStaleOutcome(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, func(q audit.Queue) audit.Queue { return blindQueue{q} })
	h.seed(t, "u1", audit.StatusPending, "")
	_, err := h.orch.Start(ctx, "u1", owner, nil)
	require.NoError(t, err)
	task := h.dequeue(t)

	_, err = h.orch.Stop(ctx, "u1", owner)
	require.NoError(t, err)
	require.NoError(t, h.orch.Advance(ctx, task, audit.Succeeded(nil)))
	require.NoError(t, h.orch.Advance(ctx, task, audit.Failed(true, "late retryable")))
	require.NoError(t, h.orch.Advance(ctx, task, audit.Failed(false, "late fatal")))
	require.NoError(t, h.orch.Advance(ctx, task, audit.Cancellation()))

	unit := h.status(t, "u1")
	require.Equal(t, audit.StatusFailed, unit.Status)
	require.Equal(t, "crawling stopped by user", unit.ErrorMessage)
}

func TestRedeliveredTaskAdvancesOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.seed(t, "u1", audit.StatusPending, "")
	_, err := h.orch.Start(ctx, "u1", owner, nil)
	require.NoError(t, err)
	task := h.dequeue(t)

	require.NoError(t, h.orch.Advance(ctx, task, audit.Succeeded(nil)))
	first, ok := h.queue.Inspect("u1")
	require.True(t, ok)

	// Same task reported again, as after a crash before acknowledgement.
	require.NoError(t, h.orch.Advance(ctx, task, audit.Succeeded(nil)))
	second, ok := h.queue.Inspect("u1")
	require.True(t, ok)
	require.Equal(t, first.Task.ID, second.Task.ID)
	require.Equal(t, audit.StatusAnalyzing, h.status(t, "u1").Status)
	require.Equal(t, []progress.Type{progress.TypeUnitStarted, progress.TypeStageAdvanced}, h.events.Types())
}

func TestSupersededRedeliveryCannotAdvance(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.seed(t, "u1", audit.StatusPending, "")
	_, err := h.orch.Start(ctx, "u1", owner, nil)
	require.NoError(t, err)

	// First attempt hands off to a retry, then its worker dies before acking.
	first := h.dequeue(t)
	require.NoError(t, h.orch.Advance(ctx, first, audit.Failed(true, "timeout")))
	h.clock.Advance(5 * time.Second)
	retry := h.dequeue(t)
	require.Equal(t, 1, retry.Attempt)

	h.clock.Advance(26 * time.Second)
	stale := h.dequeue(t)
	require.Equal(t, first.ID, stale.ID)
	require.NoError(t, h.orch.Advance(ctx, stale, audit.Succeeded(nil)))
	require.Equal(t, audit.StatusCrawling, h.status(t, "u1").Status)

	require.NoError(t, h.orch.Advance(ctx, retry, audit.Succeeded(nil)))
	require.Equal(t, audit.StatusAnalyzing, h.status(t, "u1").Status)
	next, ok := h.queue.Inspect("u1")
	require.True(t, ok)
	require.Equal(t, audit.StageAnalyze, next.Task.Stage)
}

type failingQueue struct {
	audit.Queue
	enqueueErr error
	handoffErr error
}

func (f failingQueue) Enqueue(ctx context.Context, task audit.Task) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	return f.Queue.Enqueue(ctx, task)
}

func (f failingQueue) Handoff(ctx context.Context, from, to audit.Task, delay time.Duration) error {
	if f.handoffErr != nil {
		return f.handoffErr
	}
	return f.Queue.Handoff(ctx, from, to, delay)
}

func TestStartRollsBackWhenQueueUnavailable(t *testing.T) {
	t.Parallel()

	brokerDown := audit.QueueUnavailable("enqueue", errors.New("dial tcp: connection refused"))
	h := newHarness(t, func(q audit.Queue) audit.Queue { return failingQueue{Queue: q, enqueueErr: brokerDown} })
	h.seed(t, "u1", audit.StatusFailed, "analyzing stopped by user")

	_, err := h.orch.Start(context.Background(), "u1", owner, nil)
	require.ErrorIs(t, err, audit.ErrQueueUnavailable)

	unit := h.status(t, "u1")
	require.Equal(t, audit.StatusFailed, unit.Status)
	require.Equal(t, "analyzing stopped by user", unit.ErrorMessage)
	require.Empty(t, h.events.Types())
}

// racingQueue runs beforeEnqueue once, ahead of the first enqueue.
type racingQueue struct {
	audit.Queue
	beforeEnqueue func()
}

func (r *racingQueue) Enqueue(ctx context.Context, task audit.Task) error {
	if hook := r.beforeEnqueue; hook != nil {
		r.beforeEnqueue = nil
		hook()
	}
	return r.Queue.Enqueue(ctx, task)
}

func TestStopBetweenStartWriteAndEnqueueCancelsTask(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	racing := &racingQueue{}
	h := newHarness(t, func(q audit.Queue) audit.Queue {
		racing.Queue = q
		return racing
	})
	h.seed(t, "u1", audit.StatusPending, "")
	var stopErr error
	racing.beforeEnqueue = func() {
		_, stopErr = h.orch.Stop(ctx, "u1", owner)
	}

	_, err := h.orch.Start(ctx, "u1", owner, nil)
	require.NoError(t, err)
	require.NoError(t, stopErr)

	unit := h.status(t, "u1")
	require.Equal(t, audit.StatusFailed, unit.Status)
	require.Equal(t, "crawling stopped by user", unit.ErrorMessage)
	_, live := h.queue.Inspect("u1")
	require.False(t, live, "the stopped unit must not keep a runnable task")
	require.ElementsMatch(t, []progress.Type{progress.TypeUnitStarted, progress.TypeUnitStopped}, h.events.Types())

	_, err = h.orch.Start(ctx, "u1", owner, nil)
	require.NoError(t, err)
	require.Equal(t, audit.StatusCrawling, h.status(t, "u1").Status)
}

func TestStartRollsBackToPending(t *testing.T) {
	t.Parallel()

	brokerDown := audit.QueueUnavailable("enqueue", errors.New("connection reset"))
	h := newHarness(t, func(q audit.Queue) audit.Queue { return failingQueue{Queue: q, enqueueErr: brokerDown} })
	h.seed(t, "u1", audit.StatusPending, "")

	_, err := h.orch.Start(context.Background(), "u1", owner, nil)
	require.ErrorIs(t, err, audit.ErrQueueUnavailable)
	require.Equal(t, audit.StatusPending, h.status(t, "u1").Status)
}

func TestAdvanceFailsUnitWhenHandoffUnavailable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	brokerDown := errors.New("i/o timeout")
	h := newHarness(t, func(q audit.Queue) audit.Queue { return failingQueue{Queue: q, handoffErr: brokerDown} })
	h.seed(t, "u1", audit.StatusPending, "")
	_, err := h.orch.Start(ctx, "u1", owner, nil)
	require.NoError(t, err)
	task := h.dequeue(t)

	err = h.orch.Advance(ctx, task, audit.Succeeded(nil))
	require.ErrorIs(t, err, audit.ErrQueueUnavailable)
	unit := h.status(t, "u1")
	require.Equal(t, audit.StatusFailed, unit.Status)
	require.Equal(t, "work queue unavailable during handoff", unit.ErrorMessage)
}

func TestOwnershipAndLookupErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.seed(t, "u1", audit.StatusCrawling, "")

	_, err := h.orch.Start(ctx, "u1", "intruder", nil)
	require.ErrorIs(t, err, audit.ErrNotFound)
	_, err = h.orch.Stop(ctx, "u1", "intruder")
	require.ErrorIs(t, err, audit.ErrForbidden)
	_, err = h.orch.Status(ctx, "u1", "intruder")
	require.ErrorIs(t, err, audit.ErrNotFound)

	_, err = h.orch.Start(ctx, "missing", owner, nil)
	require.ErrorIs(t, err, audit.ErrNotFound)
	_, err = h.orch.Stop(ctx, "missing", owner)
	require.ErrorIs(t, err, audit.ErrNotFound)

	_, err = h.orch.Start(ctx, "u1", owner, nil)
	require.ErrorIs(t, err, audit.ErrAlreadyRunning)

	unit, err := h.orch.Status(ctx, "u1", owner)
	require.NoError(t, err)
	require.Equal(t, audit.StatusCrawling, unit.Status)
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	b := Backoff{}
	cases := map[int]time.Duration{
		0:  5 * time.Second,
		1:  10 * time.Second,
		2:  20 * time.Second,
		5:  160 * time.Second,
		6:  5 * time.Minute,
		40: 5 * time.Minute,
		-1: 5 * time.Second,
	}
	for attempt, want := range cases {
		require.Equal(t, want, b.Delay(attempt), "attempt %d", attempt)
	}
	require.Equal(t, 3*time.Second, Backoff{Base: time.Second, Max: 3 * time.Second}.Delay(2))
}
