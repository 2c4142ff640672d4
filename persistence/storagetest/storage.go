package storagetest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/TriviaNFT/triviaNFT-sub002/model"
	"github.com/TriviaNFT/triviaNFT-sub002/persistence"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// RunStorageTests checks the behavior every persistence.Storage implementation must share.
func RunStorageTests(t *testing.T, newStorage func(t *testing.T) persistence.Storage) {
	for scenario, fn := range map[string]func(
		t *testing.T, storage persistence.Storage,
	){
		"create run if absent":         testCreateRunIfAbsent,
		"concurrent create single run": testConcurrentCreate,
		"failed run frees key":         testFailedRunFreesKey,
		"claim run":                    testClaimRun,
		"stale claim replaces lease":   testStaleClaim,
		"step lifecycle":               testStepLifecycle,
		"succeeded step is final":      testSucceededStepIsFinal,
		"sleep timer wakes run":        testSleepTimer,
		"concurrent timer claim":       testConcurrentTimerClaim,
		"list stale runs":              testListStaleRuns,
		"archive terminal runs":        testArchiveRuns,
		"failed run keeps error":       testFailedRunKeepsError,
	} {
		t.Run(scenario, func(t *testing.T) {
			storage := newStorage(t)
			defer storage.Close()
			fn(t, storage)
		})
	}
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func newRun(key string, at time.Time) *model.WorkflowRun {
	return model.NewWorkflowRun(uuid.NewString(), "mint", key, json.RawMessage(`{"eligibilityId":"`+key+`","tags":{}}`), at)
}

func sameInstant(t *testing.T, expected time.Time, actual time.Time) {
	require.Equal(t, expected.UnixMilli(), actual.UnixMilli())
}

func claim(t *testing.T, storage persistence.Storage, runId string, at time.Time) (*model.WorkflowRun, string) {
	lease := uuid.NewString()
	run, err := storage.ClaimRun(context.Background(), runId, lease, at, at.Add(-10*time.Minute))
	require.NoError(t, err)
	return run, lease
}

func testCreateRunIfAbsent(t *testing.T, storage persistence.Storage) {
	ctx := context.Background()
	at := now()
	run := newRun("elig-1", at)
	stored, created, err := storage.CreateRunIfAbsent(ctx, run)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, run.Id, stored.Id)
	require.Equal(t, model.PENDING, stored.Status)
	require.JSONEq(t, string(run.Input), string(stored.Input))

	dup := newRun("elig-1", at)
	existing, created, err := storage.CreateRunIfAbsent(ctx, dup)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, run.Id, existing.Id)

	other, created, err := storage.CreateRunIfAbsent(ctx, newRun("elig-2", at))
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, run.Id, other.Id)

	got, err := storage.GetRun(ctx, run.Id)
	require.NoError(t, err)
	require.Equal(t, "mint", got.DefinitionName)
	require.Equal(t, "elig-1", got.IdempotencyKey)
	sameInstant(t, at, got.CreatedAt)

	byKey, err := storage.GetRunByKey(ctx, "mint", "elig-1")
	require.NoError(t, err)
	require.Equal(t, run.Id, byKey.Id)

	_, err = storage.GetRun(ctx, uuid.NewString())
	require.ErrorIs(t, err, persistence.ErrRunNotFound)
	_, err = storage.GetRunByKey(ctx, "mint", "elig-404")
	require.ErrorIs(t, err, persistence.ErrRunNotFound)
}

func testConcurrentCreate(t *testing.T, storage persistence.Storage) {
	ctx := context.Background()
	at := now()
	var wg sync.WaitGroup
	ids := make([]string, 20)
	createdCount := make([]bool, 20)
	errs := make([]error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run, created, err := storage.CreateRunIfAbsent(ctx, newRun("elig-race", at))
			errs[i] = err
			if err == nil {
				ids[i] = run.Id
				createdCount[i] = created
			}
		}(i)
	}
	wg.Wait()
	created := 0
	for i := range ids {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], ids[i])
		if createdCount[i] {
			created++
		}
	}
	require.Equal(t, 1, created)
}

func testFailedRunFreesKey(t *testing.T, storage persistence.Storage) {
	ctx := context.Background()
	at := now()
	run := newRun("elig-f", at)
	_, _, err := storage.CreateRunIfAbsent(ctx, run)
	require.NoError(t, err)
	claimed, lease := claim(t, storage, run.Id, at)
	claimed.MarkFailed(model.RunError{Code: "INSUFFICIENT_STOCK", Message: "sold out", Step: "check-stock"}, at)
	require.NoError(t, storage.SaveRun(ctx, lease, claimed))

	byKey, err := storage.GetRunByKey(ctx, "mint", "elig-f")
	require.NoError(t, err)
	require.Equal(t, run.Id, byKey.Id)
	require.Equal(t, model.FAILED, byKey.Status)

	second := newRun("elig-f", at)
	stored, created, err := storage.CreateRunIfAbsent(ctx, second)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, second.Id, stored.Id)

	byKey, err = storage.GetRunByKey(ctx, "mint", "elig-f")
	require.NoError(t, err)
	require.Equal(t, second.Id, byKey.Id)
}

func testClaimRun(t *testing.T, storage persistence.Storage) {
	ctx := context.Background()
	at := now()
	run := newRun("elig-c", at)
	_, _, err := storage.CreateRunIfAbsent(ctx, run)
	require.NoError(t, err)

	claimed, lease := claim(t, storage, run.Id, at.Add(time.Second))
	require.Equal(t, model.RUNNING, claimed.Status)
	require.Equal(t, lease, claimed.Lease)
	sameInstant(t, at.Add(time.Second), claimed.UpdatedAt)

	_, err = storage.ClaimRun(ctx, run.Id, uuid.NewString(), at.Add(2*time.Second), at.Add(-time.Minute))
	require.ErrorIs(t, err, persistence.ErrRunNotClaimable)

	_, err = storage.ClaimRun(ctx, uuid.NewString(), uuid.NewString(), at, at)
	require.ErrorIs(t, err, persistence.ErrRunNotFound)
}

func testStaleClaim(t *testing.T, storage persistence.Storage) {
	ctx := context.Background()
	at := now()
	run := newRun("elig-s", at)
	_, _, err := storage.CreateRunIfAbsent(ctx, run)
	require.NoError(t, err)
	_, oldLease := claim(t, storage, run.Id, at)

	later := at.Add(20 * time.Minute)
	newLease := uuid.NewString()
	claimed, err := storage.ClaimRun(ctx, run.Id, newLease, later, later.Add(-10*time.Minute))
	require.NoError(t, err)
	require.Equal(t, newLease, claimed.Lease)

	rec := &model.StepRecord{RunId: run.Id, StepIndex: 0, StepName: "one", Attempt: 1, Status: model.STEP_RUNNING, StartedAt: later}
	require.ErrorIs(t, storage.StartStep(ctx, oldLease, rec, later), persistence.ErrLeaseLost)
	claimed.CurrentStep = 1
	require.ErrorIs(t, storage.SaveRun(ctx, oldLease, claimed), persistence.ErrLeaseLost)
	require.NoError(t, storage.StartStep(ctx, newLease, rec, later))
}

func testStepLifecycle(t *testing.T, storage persistence.Storage) {
	ctx := context.Background()
	at := now()
	run := newRun("elig-l", at)
	_, _, err := storage.CreateRunIfAbsent(ctx, run)
	require.NoError(t, err)
	claimed, lease := claim(t, storage, run.Id, at)

	rec := &model.StepRecord{RunId: run.Id, StepIndex: 0, StepName: "validate", Attempt: 1, Status: model.STEP_RUNNING, StartedAt: at}
	require.NoError(t, storage.StartStep(ctx, lease, rec, at.Add(time.Second)))

	records, err := storage.GetStepRecords(ctx, run.Id)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, model.STEP_RUNNING, records[0].Status)

	got, err := storage.GetRun(ctx, run.Id)
	require.NoError(t, err)
	sameInstant(t, at.Add(time.Second), got.UpdatedAt)

	finished := at.Add(2 * time.Second)
	rec.Status = model.STEP_RETRYING
	rec.Error = &model.StepErrorDetail{Code: "NODE_UNAVAILABLE", Message: "down", Retryable: true}
	rec.FinishedAt = &finished
	claimed.UpdatedAt = finished
	require.NoError(t, storage.FinishStep(ctx, lease, rec, claimed, nil))

	second := &model.StepRecord{RunId: run.Id, StepIndex: 0, StepName: "validate", Attempt: 2, Status: model.STEP_RUNNING, StartedAt: finished}
	require.NoError(t, storage.StartStep(ctx, lease, second, finished))
	second.Status = model.STEP_SUCCEEDED
	second.Output = json.RawMessage(`{"ok":true}`)
	second.FinishedAt = &finished
	claimed.CurrentStep = 1
	require.NoError(t, storage.FinishStep(ctx, lease, second, claimed, nil))

	records, err = storage.GetStepRecords(ctx, run.Id)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, 1, records[0].Attempt)
	require.Equal(t, model.STEP_RETRYING, records[0].Status)
	require.Equal(t, "NODE_UNAVAILABLE", records[0].Error.Code)
	require.True(t, records[0].Error.Retryable)
	require.Equal(t, 2, records[1].Attempt)
	require.Equal(t, model.STEP_SUCCEEDED, records[1].Status)
	require.JSONEq(t, `{"ok":true}`, string(records[1].Output))

	got, err = storage.GetRun(ctx, run.Id)
	require.NoError(t, err)
	require.Equal(t, 1, got.CurrentStep)
	require.Equal(t, model.RUNNING, got.Status)
}

func testSucceededStepIsFinal(t *testing.T, storage persistence.Storage) {
	ctx := context.Background()
	at := now()
	run := newRun("elig-m", at)
	_, _, err := storage.CreateRunIfAbsent(ctx, run)
	require.NoError(t, err)
	claimed, lease := claim(t, storage, run.Id, at)

	rec := &model.StepRecord{RunId: run.Id, StepIndex: 0, StepName: "reserve", Attempt: 1, Status: model.STEP_SUCCEEDED, Output: json.RawMessage(`1`), StartedAt: at, FinishedAt: &at}
	claimed.CurrentStep = 1
	require.NoError(t, storage.FinishStep(ctx, lease, rec, claimed, nil))

	again := &model.StepRecord{RunId: run.Id, StepIndex: 0, StepName: "reserve", Attempt: 2, Status: model.STEP_RUNNING, StartedAt: at}
	require.ErrorIs(t, storage.StartStep(ctx, lease, again, at), persistence.ErrStepAlreadySucceeded)
	again.Status = model.STEP_SUCCEEDED
	require.ErrorIs(t, storage.FinishStep(ctx, lease, again, claimed, nil), persistence.ErrStepAlreadySucceeded)

	records, err := storage.GetStepRecords(ctx, run.Id)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func testSleepTimer(t *testing.T, storage persistence.Storage) {
	ctx := context.Background()
	at := now()
	run := newRun("elig-t", at)
	_, _, err := storage.CreateRunIfAbsent(ctx, run)
	require.NoError(t, err)
	claimed, lease := claim(t, storage, run.Id, at)

	wakeAt := at.Add(120 * time.Second)
	rec := &model.StepRecord{RunId: run.Id, StepIndex: 0, StepName: "wait", Attempt: 1, Status: model.STEP_SUCCEEDED, Output: json.RawMessage(`{}`), StartedAt: at, FinishedAt: &at}
	claimed.CurrentStep = 1
	claimed.Status = model.SLEEPING
	claimed.UpdatedAt = at
	timer := &model.SleepTimer{Id: uuid.NewString(), RunId: run.Id, StepIndex: 0, Kind: model.TIMER_SLEEP, WakeAt: wakeAt, CreatedAt: at}
	require.NoError(t, storage.FinishStep(ctx, lease, rec, claimed, timer))

	got, err := storage.GetRun(ctx, run.Id)
	require.NoError(t, err)
	require.Equal(t, model.SLEEPING, got.Status)
	require.Empty(t, got.Lease)

	_, err = storage.ClaimRun(ctx, run.Id, uuid.NewString(), at, at)
	require.ErrorIs(t, err, persistence.ErrRunNotClaimable)

	fired, err := storage.ClaimDueTimers(ctx, wakeAt.Add(-time.Millisecond), 10)
	require.NoError(t, err)
	require.Empty(t, fired)

	fired, err = storage.ClaimDueTimers(ctx, wakeAt, 10)
	require.NoError(t, err)
	require.Len(t, fired, 1)
	require.Equal(t, timer.Id, fired[0].Id)
	require.Equal(t, run.Id, fired[0].RunId)
	require.True(t, fired[0].Consumed)
	sameInstant(t, wakeAt, fired[0].WakeAt)

	got, err = storage.GetRun(ctx, run.Id)
	require.NoError(t, err)
	require.Equal(t, model.PENDING, got.Status)
	sameInstant(t, wakeAt, got.UpdatedAt)

	fired, err = storage.ClaimDueTimers(ctx, wakeAt.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, fired)

	_, err = storage.ClaimRun(ctx, run.Id, uuid.NewString(), wakeAt, wakeAt.Add(-time.Minute))
	require.NoError(t, err)
}

func testConcurrentTimerClaim(t *testing.T, storage persistence.Storage) {
	ctx := context.Background()
	at := now()
	run := newRun("elig-ct", at)
	_, _, err := storage.CreateRunIfAbsent(ctx, run)
	require.NoError(t, err)
	claimed, lease := claim(t, storage, run.Id, at)
	claimed.Status = model.SLEEPING
	timer := &model.SleepTimer{Id: uuid.NewString(), RunId: run.Id, Kind: model.TIMER_RETRY, WakeAt: at, CreatedAt: at}
	require.NoError(t, storage.FinishStep(ctx, lease, nil, claimed, timer))

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fired, err := storage.ClaimDueTimers(ctx, at.Add(time.Second), 10)
			require.NoError(t, err)
			mu.Lock()
			total += len(fired)
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 1, total)
}

func testListStaleRuns(t *testing.T, storage persistence.Storage) {
	ctx := context.Background()
	at := now()
	old := newRun("elig-old", at.Add(-time.Hour))
	fresh := newRun("elig-fresh", at)
	sleeping := newRun("elig-sleep", at.Add(-time.Hour))
	for _, r := range []*model.WorkflowRun{old, fresh, sleeping} {
		_, _, err := storage.CreateRunIfAbsent(ctx, r)
		require.NoError(t, err)
	}
	claimed, lease := claim(t, storage, sleeping.Id, at.Add(-time.Hour))
	claimed.Status = model.SLEEPING
	require.NoError(t, storage.SaveRun(ctx, lease, claimed))

	stale, err := storage.ListStaleRuns(ctx, at.Add(-10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, old.Id, stale[0].Id)
}

func testArchiveRuns(t *testing.T, storage persistence.Storage) {
	ctx := context.Background()
	at := now()
	done := newRun("elig-a", at.Add(-48*time.Hour))
	active := newRun("elig-b", at.Add(-48*time.Hour))
	for _, r := range []*model.WorkflowRun{done, active} {
		_, _, err := storage.CreateRunIfAbsent(ctx, r)
		require.NoError(t, err)
	}
	claimed, lease := claim(t, storage, done.Id, at.Add(-48*time.Hour))
	claimed.MarkCompleted(at.Add(-47 * time.Hour))
	require.NoError(t, storage.SaveRun(ctx, lease, claimed))

	n, err := storage.ArchiveRuns(ctx, at.Add(-24*time.Hour), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := storage.GetRun(ctx, done.Id)
	require.NoError(t, err)
	require.True(t, got.Archived)
	require.Equal(t, model.COMPLETED, got.Status)

	n, err = storage.ArchiveRuns(ctx, at, 10)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func testFailedRunKeepsError(t *testing.T, storage persistence.Storage) {
	ctx := context.Background()
	at := now()
	run := newRun("elig-e", at)
	_, _, err := storage.CreateRunIfAbsent(ctx, run)
	require.NoError(t, err)
	claimed, lease := claim(t, storage, run.Id, at)

	rec := &model.StepRecord{RunId: run.Id, StepIndex: 0, StepName: "validate-ownership", Attempt: 1, Status: model.STEP_RUNNING, StartedAt: at}
	require.NoError(t, storage.StartStep(ctx, lease, rec, at))
	rec.Status = model.STEP_FAILED
	rec.Error = &model.StepErrorDetail{Code: "INVALID_OWNERSHIP", Message: "not owner"}
	rec.FinishedAt = &at
	claimed.MarkFailed(model.RunError{Code: "INVALID_OWNERSHIP", Message: "not owner", Step: "validate-ownership"}, at)
	require.NoError(t, storage.FinishStep(ctx, lease, rec, claimed, nil))

	got, err := storage.GetRun(ctx, run.Id)
	require.NoError(t, err)
	require.Equal(t, model.FAILED, got.Status)
	require.NotNil(t, got.Error)
	require.Equal(t, "INVALID_OWNERSHIP", got.Error.Code)
	require.Equal(t, "validate-ownership", got.Error.Step)
	require.NotNil(t, got.FinishedAt)
	require.Empty(t, got.Lease)

	require.ErrorIs(t, storage.SaveRun(ctx, lease, claimed), persistence.ErrLeaseLost)
}
