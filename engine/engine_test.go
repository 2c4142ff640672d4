package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TriviaNFT/triviaNFT-sub002/flow"
	"github.com/TriviaNFT/triviaNFT-sub002/model"
	"github.com/TriviaNFT/triviaNFT-sub002/persistence"
	"github.com/TriviaNFT/triviaNFT-sub002/persistence/memory"
	"github.com/TriviaNFT/triviaNFT-sub002/retry"
	"github.com/TriviaNFT/triviaNFT-sub002/timers"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	t         *testing.T
	storage   persistence.Storage
	scheduler *timers.Scheduler
	engine    *FlowEngine
	clock     *testClock
}

func newHarness(t *testing.T, conf Config, defs ...*flow.Definition) *harness {
	clock := &testClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	storage := memory.NewMemoryStorage()
	registry := flow.NewRegistry()
	for _, def := range defs {
		require.NoError(t, registry.Register(def))
	}
	scheduler := timers.NewScheduler(storage, clock.Now)
	return &harness{
		t:         t,
		storage:   storage,
		scheduler: scheduler,
		engine:    NewFlowEngine(storage, registry, scheduler, conf, clock.Now),
		clock:     clock,
	}
}

func (h *harness) start(definition string, key string, input string) string {
	run := model.NewWorkflowRun(uuid.NewString(), definition, key, json.RawMessage(input), h.clock.Now())
	stored, created, err := h.storage.CreateRunIfAbsent(context.Background(), run)
	require.NoError(h.t, err)
	require.True(h.t, created)
	require.NoError(h.t, h.engine.Advance(context.Background(), model.WorkRequest{RunId: stored.Id, RequestType: model.NEW_RUN}))
	return stored.Id
}

func (h *harness) fireDue() int {
	due, err := h.scheduler.PollDue(context.Background(), 100)
	require.NoError(h.t, err)
	for _, timer := range due {
		require.NoError(h.t, h.engine.Advance(context.Background(), model.WorkRequest{RunId: timer.RunId, RequestType: model.RESUME_RUN}))
	}
	return len(due)
}

func (h *harness) run(id string) *model.WorkflowRun {
	run, err := h.storage.GetRun(context.Background(), id)
	require.NoError(h.t, err)
	return run
}

func (h *harness) records(id string) []model.StepRecord {
	records, err := h.storage.GetStepRecords(context.Background(), id)
	require.NoError(h.t, err)
	return records
}

func countingStep(counter *int32, out any) flow.StepFunc {
	return func(ctx context.Context, sc *flow.StepContext) (any, error) {
		atomic.AddInt32(counter, 1)
		return out, nil
	}
}

func recordsFor(records []model.StepRecord, index int) []model.StepRecord {
	out := make([]model.StepRecord, 0)
	for _, r := range records {
		if r.StepIndex == index {
			out = append(out, r)
		}
	}
	return out
}

func TestFlowEngine(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T){
		"retry isolation":              testRetryIsolation,
		"terminal error fails at once": testTerminalError,
		"retries exhausted":            testRetriesExhausted,
		"sleep correctness":            testSleepCorrectness,
		"crash resumption memoized":    testCrashResumption,
		"interrupted attempt":          testInterruptedAttempt,
		"concurrent resume":            testConcurrentResume,
		"step timeout":                 testStepTimeout,
		"step panic":                   testStepPanic,
		"completion hook":              testCompletionHook,
		"lease lost":                   testLeaseLost,
		"unknown definition":           testUnknownDefinition,
		"sleep for computed duration":  testSleepFor,
		"compensation retried":         testCompensationRetried,
		"compensation gives up":        testCompensationGivesUp,
		"crash before compensation":    testCrashBeforeCompensation,
	} {
		t.Run(scenario, fn)
	}
}

func testRetryIsolation(t *testing.T) {
	var a, b, c int32
	def := flow.NewDefinition("iso").
		Run("a", countingStep(&a, map[string]string{"value": "from-a"})).
		Run("b", func(ctx context.Context, sc *flow.StepContext) (any, error) {
			n := atomic.AddInt32(&b, 1)
			if n < 3 {
				return nil, flow.Retryablef(flow.NODE_UNAVAILABLE, "node down")
			}
			var out map[string]string
			if err := sc.Output("a", &out); err != nil {
				return nil, err
			}
			return map[string]string{"seen": out["value"]}, nil
		}).
		Run("c", countingStep(&c, nil))
	h := newHarness(t, Config{}, def)

	id := h.start("iso", "k1", `{}`)
	require.Equal(t, model.SLEEPING, h.run(id).Status)

	require.NoError(t, h.engine.Advance(context.Background(), model.WorkRequest{RunId: id, RequestType: model.RESUME_RUN}))
	require.Equal(t, int32(1), atomic.LoadInt32(&b))

	h.clock.Add(retry.DEFAULT_BASE_DELAY)
	require.Equal(t, 1, h.fireDue())
	require.Equal(t, int32(2), atomic.LoadInt32(&b))
	require.Equal(t, model.SLEEPING, h.run(id).Status)

	h.clock.Add(2 * retry.DEFAULT_BASE_DELAY)
	require.Equal(t, 1, h.fireDue())

	run := h.run(id)
	require.Equal(t, model.COMPLETED, run.Status)
	require.Equal(t, int32(1), atomic.LoadInt32(&a))
	require.Equal(t, int32(3), atomic.LoadInt32(&b))
	require.Equal(t, int32(1), atomic.LoadInt32(&c))

	records := h.records(id)
	require.Len(t, recordsFor(records, 0), 1)
	bRecords := recordsFor(records, 1)
	require.Len(t, bRecords, 3)
	require.Equal(t, model.STEP_RETRYING, bRecords[0].Status)
	require.Equal(t, flow.NODE_UNAVAILABLE, bRecords[0].Error.Code)
	require.Equal(t, model.STEP_SUCCEEDED, bRecords[2].Status)
	require.JSONEq(t, `{"seen":"from-a"}`, string(bRecords[2].Output))
	require.Len(t, recordsFor(records, 2), 1)
	require.Len(t, recordsFor(records, 3), 1)
	require.Equal(t, flow.COMPLETE_STEP, recordsFor(records, 3)[0].StepName)
}

func testTerminalError(t *testing.T) {
	var calls int32
	var hookErr model.RunError
	def := flow.NewDefinition("term").
		Run("a", func(ctx context.Context, sc *flow.StepContext) (any, error) {
			atomic.AddInt32(&calls, 1)
			return nil, flow.Terminalf(flow.INSUFFICIENT_FUNDS, "wallet empty")
		}, flow.WithRetry(retry.Policy{MaxAttempts: 10})).
		OnFailure(func(ctx context.Context, sc *flow.StepContext, runErr model.RunError) error {
			hookErr = runErr
			return nil
		})
	h := newHarness(t, Config{}, def)

	id := h.start("term", "k1", `{}`)
	run := h.run(id)
	require.Equal(t, model.FAILED, run.Status)
	require.Equal(t, flow.INSUFFICIENT_FUNDS, run.Error.Code)
	require.Equal(t, "a", run.Error.Step)
	require.Equal(t, int32(1), calls)
	require.Equal(t, flow.INSUFFICIENT_FUNDS, hookErr.Code)

	records := h.records(id)
	require.Len(t, records, 2)
	require.Equal(t, model.STEP_FAILED, records[0].Status)
	require.False(t, records[0].Error.Retryable)
	require.Equal(t, flow.COMPENSATE_STEP, records[1].StepName)
	require.Equal(t, def.CompensationIndex(), records[1].StepIndex)
	require.Equal(t, model.STEP_SUCCEEDED, records[1].Status)

	h.clock.Add(time.Hour)
	require.Equal(t, 0, h.fireDue())
}

func testCompensationRetried(t *testing.T) {
	var hookCalls int32
	def := flow.NewDefinition("comp").
		Run("a", func(ctx context.Context, sc *flow.StepContext) (any, error) {
			return nil, flow.Terminalf(flow.TX_FAILED, "rejected")
		}).
		OnFailure(func(ctx context.Context, sc *flow.StepContext, runErr model.RunError) error {
			if atomic.AddInt32(&hookCalls, 1) < 3 {
				return flow.Retryablef(flow.HOST_UNAVAILABLE, "host down")
			}
			return nil
		}, flow.WithRetry(retry.Policy{MaxAttempts: 5, Base: time.Second, Max: time.Second}))
	h := newHarness(t, Config{}, def)

	id := h.start("comp", "k1", `{}`)
	run := h.run(id)
	require.Equal(t, model.SLEEPING, run.Status)
	require.Equal(t, flow.TX_FAILED, run.Error.Code)

	// the key stays taken while compensation is outstanding
	dup := model.NewWorkflowRun(uuid.NewString(), "comp", "k1", nil, h.clock.Now())
	existing, created, err := h.storage.CreateRunIfAbsent(context.Background(), dup)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, id, existing.Id)

	for i := 0; i < 3; i++ {
		h.clock.Add(time.Second)
		h.fireDue()
	}
	run = h.run(id)
	require.Equal(t, model.FAILED, run.Status)
	require.Equal(t, flow.TX_FAILED, run.Error.Code)
	require.Equal(t, "a", run.Error.Step)
	require.Equal(t, int32(3), hookCalls)

	comp := recordsFor(h.records(id), def.CompensationIndex())
	require.Len(t, comp, 3)
	require.Equal(t, model.STEP_RETRYING, comp[0].Status)
	require.Equal(t, model.STEP_SUCCEEDED, comp[2].Status)

	_, created, err = h.storage.CreateRunIfAbsent(context.Background(), dup)
	require.NoError(t, err)
	require.True(t, created)
}

func testCompensationGivesUp(t *testing.T) {
	def := flow.NewDefinition("giveup").
		Run("a", func(ctx context.Context, sc *flow.StepContext) (any, error) {
			return nil, flow.Terminalf(flow.INVALID_OWNERSHIP, "not yours")
		}).
		OnFailure(func(ctx context.Context, sc *flow.StepContext, runErr model.RunError) error {
			return flow.Terminalf(flow.INVALID_INPUT, "record unknown")
		})
	h := newHarness(t, Config{}, def)

	id := h.start("giveup", "k1", `{}`)
	run := h.run(id)
	require.Equal(t, model.FAILED, run.Status)
	require.Equal(t, flow.INVALID_OWNERSHIP, run.Error.Code)
	comp := recordsFor(h.records(id), def.CompensationIndex())
	require.Len(t, comp, 1)
	require.Equal(t, model.STEP_FAILED, comp[0].Status)
}

func testCrashBeforeCompensation(t *testing.T) {
	var hookCalls int32
	def := flow.NewDefinition("crashcomp").
		Run("a", countingStep(new(int32), nil)).
		OnFailure(func(ctx context.Context, sc *flow.StepContext, runErr model.RunError) error {
			atomic.AddInt32(&hookCalls, 1)
			return nil
		})
	h := newHarness(t, Config{}, def)
	ctx := context.Background()

	run := model.NewWorkflowRun(uuid.NewString(), "crashcomp", "k1", nil, h.clock.Now())
	_, _, err := h.storage.CreateRunIfAbsent(ctx, run)
	require.NoError(t, err)
	lease := uuid.NewString()
	claimed, err := h.storage.ClaimRun(ctx, run.Id, lease, h.clock.Now(), h.clock.Now())
	require.NoError(t, err)
	now := h.clock.Now()
	// the step failed for good and the worker died before compensating
	claimed.Error = &model.RunError{Code: flow.TX_FAILED, Message: "rejected", Step: "a"}
	rec := &model.StepRecord{RunId: run.Id, StepIndex: 0, StepName: "a", Attempt: 1, Status: model.STEP_FAILED,
		Error: &model.StepErrorDetail{Code: flow.TX_FAILED}, StartedAt: now, FinishedAt: &now}
	require.NoError(t, h.storage.FinishStep(ctx, lease, rec, claimed, nil))

	h.clock.Add(DEFAULT_STALE_RUN_GRACE + time.Second)
	require.NoError(t, h.engine.Advance(ctx, model.WorkRequest{RunId: run.Id, RequestType: model.RECOVER_RUN}))

	got := h.run(run.Id)
	require.Equal(t, model.FAILED, got.Status)
	require.Equal(t, flow.TX_FAILED, got.Error.Code)
	require.Equal(t, int32(1), hookCalls)
	require.Len(t, recordsFor(h.records(run.Id), 0), 1)
}

func testRetriesExhausted(t *testing.T) {
	var calls int32
	def := flow.NewDefinition("exhaust").
		Run("a", func(ctx context.Context, sc *flow.StepContext) (any, error) {
			atomic.AddInt32(&calls, 1)
			return nil, flow.Retryablef(flow.TX_PENDING, "still pending")
		})
	h := newHarness(t, Config{}, def)

	id := h.start("exhaust", "k1", `{}`)
	for i := 0; i < 5; i++ {
		h.clock.Add(time.Minute)
		h.fireDue()
	}
	run := h.run(id)
	require.Equal(t, model.FAILED, run.Status)
	require.Equal(t, flow.TX_PENDING, run.Error.Code)
	require.Equal(t, int32(retry.DEFAULT_MAX_ATTEMPTS), calls)
}

func testSleepCorrectness(t *testing.T) {
	var after int32
	def := flow.NewDefinition("sleepy").
		Run("before", countingStep(new(int32), nil)).
		Sleep("wait", 120*time.Second).
		Run("after", countingStep(&after, nil))
	h := newHarness(t, Config{}, def)

	id := h.start("sleepy", "k1", `{}`)
	run := h.run(id)
	require.Equal(t, model.SLEEPING, run.Status)
	require.Equal(t, 2, run.CurrentStep)

	require.NoError(t, h.engine.Advance(context.Background(), model.WorkRequest{RunId: id, RequestType: model.RESUME_RUN}))
	require.Equal(t, int32(0), atomic.LoadInt32(&after))

	h.clock.Add(119 * time.Second)
	require.Equal(t, 0, h.fireDue())
	require.Equal(t, model.SLEEPING, h.run(id).Status)

	h.clock.Add(time.Second)
	require.Equal(t, 1, h.fireDue())
	require.Equal(t, int32(1), atomic.LoadInt32(&after))
	require.Equal(t, model.COMPLETED, h.run(id).Status)

	sleepRecords := recordsFor(h.records(id), 1)
	require.Len(t, sleepRecords, 1)
	require.Equal(t, model.STEP_SUCCEEDED, sleepRecords[0].Status)
	var out struct {
		DurationMs int64 `json:"durationMs"`
	}
	require.NoError(t, json.Unmarshal(sleepRecords[0].Output, &out))
	require.Equal(t, int64(120000), out.DurationMs)
}

func testCrashResumption(t *testing.T) {
	var a, b int32
	def := flow.NewDefinition("crash").
		Run("a", countingStep(&a, "a-out")).
		Run("b", func(ctx context.Context, sc *flow.StepContext) (any, error) {
			atomic.AddInt32(&b, 1)
			var prior string
			if err := sc.Output("a", &prior); err != nil {
				return nil, err
			}
			return prior + "+b", nil
		})
	h := newHarness(t, Config{}, def)
	ctx := context.Background()

	run := model.NewWorkflowRun(uuid.NewString(), "crash", "k1", nil, h.clock.Now())
	_, _, err := h.storage.CreateRunIfAbsent(ctx, run)
	require.NoError(t, err)
	lease := uuid.NewString()
	claimed, err := h.storage.ClaimRun(ctx, run.Id, lease, h.clock.Now(), h.clock.Now())
	require.NoError(t, err)
	now := h.clock.Now()
	rec := &model.StepRecord{RunId: run.Id, StepIndex: 0, StepName: "a", Attempt: 1, Status: model.STEP_SUCCEEDED, Output: json.RawMessage(`"a-out"`), StartedAt: now, FinishedAt: &now}
	// the step succeeded but the worker died before advancing the run
	require.NoError(t, h.storage.FinishStep(ctx, lease, rec, claimed, nil))

	require.NoError(t, h.engine.Advance(ctx, model.WorkRequest{RunId: run.Id, RequestType: model.RECOVER_RUN}))
	require.Equal(t, model.RUNNING, h.run(run.Id).Status)

	h.clock.Add(DEFAULT_STALE_RUN_GRACE + time.Second)
	require.NoError(t, h.engine.Advance(ctx, model.WorkRequest{RunId: run.Id, RequestType: model.RECOVER_RUN}))

	require.Equal(t, model.COMPLETED, h.run(run.Id).Status)
	require.Equal(t, int32(0), atomic.LoadInt32(&a))
	require.Equal(t, int32(1), atomic.LoadInt32(&b))
	bRecords := recordsFor(h.records(run.Id), 1)
	require.Len(t, bRecords, 1)
	require.JSONEq(t, `"a-out+b"`, string(bRecords[0].Output))
}

func testInterruptedAttempt(t *testing.T) {
	var b int32
	def := flow.NewDefinition("interrupt").
		Run("a", countingStep(new(int32), nil)).
		Run("b", countingStep(&b, "done"))
	h := newHarness(t, Config{}, def)
	ctx := context.Background()

	run := model.NewWorkflowRun(uuid.NewString(), "interrupt", "k1", nil, h.clock.Now())
	_, _, err := h.storage.CreateRunIfAbsent(ctx, run)
	require.NoError(t, err)
	lease := uuid.NewString()
	claimed, err := h.storage.ClaimRun(ctx, run.Id, lease, h.clock.Now(), h.clock.Now())
	require.NoError(t, err)
	now := h.clock.Now()
	claimed.CurrentStep = 1
	require.NoError(t, h.storage.FinishStep(ctx, lease, &model.StepRecord{RunId: run.Id, StepIndex: 0, StepName: "a", Attempt: 1, Status: model.STEP_SUCCEEDED, Output: json.RawMessage(`null`), StartedAt: now, FinishedAt: &now}, claimed, nil))
	require.NoError(t, h.storage.StartStep(ctx, lease, &model.StepRecord{RunId: run.Id, StepIndex: 1, StepName: "b", Attempt: 1, Status: model.STEP_RUNNING, StartedAt: now}, now))

	h.clock.Add(DEFAULT_STALE_RUN_GRACE + time.Second)
	require.NoError(t, h.engine.Advance(ctx, model.WorkRequest{RunId: run.Id, RequestType: model.RECOVER_RUN}))

	require.Equal(t, model.COMPLETED, h.run(run.Id).Status)
	require.Equal(t, int32(1), atomic.LoadInt32(&b))
	bRecords := recordsFor(h.records(run.Id), 1)
	require.Len(t, bRecords, 2)
	require.Equal(t, model.STEP_RETRYING, bRecords[0].Status)
	require.Equal(t, flow.STEP_INTERRUPTED, bRecords[0].Error.Code)
	require.Equal(t, model.STEP_SUCCEEDED, bRecords[1].Status)
	require.Equal(t, 2, bRecords[1].Attempt)
}

func testConcurrentResume(t *testing.T) {
	var calls int32
	entered := make(chan struct{})
	release := make(chan struct{})
	def := flow.NewDefinition("concurrent").
		Run("slow", func(ctx context.Context, sc *flow.StepContext) (any, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				close(entered)
			}
			<-release
			return nil, nil
		})
	h := newHarness(t, Config{}, def)
	ctx := context.Background()

	run := model.NewWorkflowRun(uuid.NewString(), "concurrent", "k1", nil, h.clock.Now())
	_, _, err := h.storage.CreateRunIfAbsent(ctx, run)
	require.NoError(t, err)

	errs := make(chan error, 2)
	go func() {
		errs <- h.engine.Advance(ctx, model.WorkRequest{RunId: run.Id, RequestType: model.RESUME_RUN})
	}()
	<-entered
	require.NoError(t, h.engine.Advance(ctx, model.WorkRequest{RunId: run.Id, RequestType: model.RESUME_RUN}))
	close(release)
	require.NoError(t, <-errs)

	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	require.Equal(t, model.COMPLETED, h.run(run.Id).Status)
}

func testStepTimeout(t *testing.T) {
	def := flow.NewDefinition("timeout").
		Run("stuck", func(ctx context.Context, sc *flow.StepContext) (any, error) {
			time.Sleep(500 * time.Millisecond)
			return nil, nil
		}, flow.WithTimeout(20*time.Millisecond))
	h := newHarness(t, Config{}, def)

	id := h.start("timeout", "k1", `{}`)
	records := h.records(id)
	require.Len(t, records, 1)
	require.Equal(t, model.STEP_RETRYING, records[0].Status)
	require.Equal(t, flow.STEP_TIMEOUT, records[0].Error.Code)
	require.True(t, records[0].Error.Retryable)
	require.Equal(t, model.SLEEPING, h.run(id).Status)
}

func testStepPanic(t *testing.T) {
	var calls int32
	def := flow.NewDefinition("panic").
		Run("explode", func(ctx context.Context, sc *flow.StepContext) (any, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				panic("nil pointer somewhere")
			}
			return "ok", nil
		})
	h := newHarness(t, Config{}, def)

	id := h.start("panic", "k1", `{}`)
	records := h.records(id)
	require.Equal(t, flow.STEP_PANIC, records[0].Error.Code)

	h.clock.Add(time.Minute)
	require.Equal(t, 1, h.fireDue())
	require.Equal(t, model.COMPLETED, h.run(id).Status)
}

func testCompletionHook(t *testing.T) {
	var hookCalls int32
	var seen string
	def := flow.NewDefinition("hook").
		Run("a", countingStep(new(int32), map[string]string{"mintId": "m-1"})).
		OnComplete(func(ctx context.Context, sc *flow.StepContext) error {
			if atomic.AddInt32(&hookCalls, 1) == 1 {
				return errors.New("host unavailable")
			}
			v, err := sc.Lookup("$.steps.a.mintId")
			if err != nil {
				return err
			}
			seen = v.(string)
			return nil
		})
	h := newHarness(t, Config{}, def)

	id := h.start("hook", "k1", `{}`)
	run := h.run(id)
	require.Equal(t, model.SLEEPING, run.Status)
	require.Equal(t, 1, run.CurrentStep)

	h.clock.Add(time.Minute)
	require.Equal(t, 1, h.fireDue())
	require.Equal(t, model.COMPLETED, h.run(id).Status)
	require.Equal(t, int32(2), hookCalls)
	require.Equal(t, "m-1", seen)
	require.NotNil(t, h.run(id).FinishedAt)
}

func testLeaseLost(t *testing.T) {
	var h *harness
	def := flow.NewDefinition("steal").
		Run("a", func(ctx context.Context, sc *flow.StepContext) (any, error) {
			later := h.clock.Now().Add(time.Hour)
			_, err := h.storage.ClaimRun(ctx, sc.RunId, uuid.NewString(), later, later)
			return nil, err
		})
	h = newHarness(t, Config{}, def)

	id := h.start("steal", "k1", `{}`)
	run := h.run(id)
	require.Equal(t, model.RUNNING, run.Status)
	records := h.records(id)
	require.Len(t, records, 1)
	require.Equal(t, model.STEP_RUNNING, records[0].Status)
}

func testUnknownDefinition(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.start("ghost", "k1", `{}`)
	run := h.run(id)
	require.Equal(t, model.FAILED, run.Status)
	require.Equal(t, flow.UNKNOWN_DEFINITION, run.Error.Code)
}

func testSleepFor(t *testing.T) {
	def := flow.NewDefinition("sleepfor").
		SleepFor("wait", func(sc *flow.StepContext) (time.Duration, error) {
			var in struct {
				Seconds int `json:"seconds"`
			}
			if err := sc.DecodeInput(&in); err != nil {
				return 0, err
			}
			return time.Duration(in.Seconds) * time.Second, nil
		}).
		Run("after", countingStep(new(int32), nil))
	h := newHarness(t, Config{}, def)

	id := h.start("sleepfor", "k1", `{"seconds":30}`)
	require.Equal(t, model.SLEEPING, h.run(id).Status)
	h.clock.Add(29 * time.Second)
	require.Equal(t, 0, h.fireDue())
	h.clock.Add(time.Second)
	require.Equal(t, 1, h.fireDue())
	require.Equal(t, model.COMPLETED, h.run(id).Status)
}
