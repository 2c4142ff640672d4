package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	api "github.com/TriviaNFT/triviaNFT-sub002/api/v1"
	"github.com/TriviaNFT/triviaNFT-sub002/cache"
	"github.com/TriviaNFT/triviaNFT-sub002/executor"
	"github.com/TriviaNFT/triviaNFT-sub002/flow"
	"github.com/TriviaNFT/triviaNFT-sub002/idempotency"
	"github.com/TriviaNFT/triviaNFT-sub002/model"
	"github.com/TriviaNFT/triviaNFT-sub002/persistence/memory"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	requests []model.WorkRequest
	err      error
}

func (d *fakeDispatcher) Submit(req model.WorkRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.requests = append(d.requests, req)
	return nil
}

func newTestService(t *testing.T) (*WorkflowExecutionService, *fakeDispatcher) {
	storage := memory.NewMemoryStorage()
	registry := flow.NewRegistry()
	def := flow.NewDefinition("mint").
		Run("validate-eligibility", func(ctx context.Context, sc *flow.StepContext) (any, error) { return nil, nil }).
		Run("check-stock", func(ctx context.Context, sc *flow.StepContext) (any, error) { return nil, nil })
	require.NoError(t, registry.Register(def))
	now := func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	d := &fakeDispatcher{}
	return NewWorkflowExecutionService(storage, registry, idempotency.NewGuard(storage, now), d, cache.NewRunCache(time.Minute)), d
}

func TestWorkflowExecutionService(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, s *WorkflowExecutionService, d *fakeDispatcher){
		"trigger creates and dispatches": testTriggerCreates,
		"duplicate trigger suppressed":   testTriggerDuplicate,
		"unknown definition rejected":    testTriggerUnknownDefinition,
		"empty key rejected":             testTriggerEmptyKey,
		"invalid payload rejected":       testTriggerInvalidPayload,
		"trigger when overloaded":        testTriggerOverloaded,
		"lost dispatch still accepted":   testTriggerDispatchFails,
		"get run views":                  testGetRun,
		"missing run not found":          testGetRunNotFound,
		"resume dispatches":              testResume,
		"resume when overloaded":         testResumeOverloaded,
	} {
		t.Run(scenario, func(t *testing.T) {
			s, d := newTestService(t)
			fn(t, s, d)
		})
	}
}

func testTriggerCreates(t *testing.T, s *WorkflowExecutionService, d *fakeDispatcher) {
	res, err := s.Trigger(context.Background(), TriggerRequest{DefinitionName: "mint", IdempotencyKey: "elig-123", Payload: json.RawMessage(`{"eligibilityId":"elig-123"}`)})
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	require.Equal(t, model.PENDING, res.Status)
	require.Equal(t, []model.WorkRequest{{RunId: res.RunId, RequestType: model.NEW_RUN}}, d.requests)
}

func testTriggerDuplicate(t *testing.T, s *WorkflowExecutionService, d *fakeDispatcher) {
	req := TriggerRequest{DefinitionName: "mint", IdempotencyKey: "elig-123"}
	first, err := s.Trigger(context.Background(), req)
	require.NoError(t, err)
	second, err := s.Trigger(context.Background(), req)
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.RunId, second.RunId)
	// the run is still pending, so the duplicate dispatches it again
	require.Equal(t, []model.WorkRequest{
		{RunId: first.RunId, RequestType: model.NEW_RUN},
		{RunId: first.RunId, RequestType: model.NEW_RUN},
	}, d.requests)
}

func testTriggerUnknownDefinition(t *testing.T, s *WorkflowExecutionService, d *fakeDispatcher) {
	_, err := s.Trigger(context.Background(), TriggerRequest{DefinitionName: "burn", IdempotencyKey: "k"})
	require.ErrorAs(t, err, &api.UnknownDefinitionError{})
	require.Empty(t, d.requests)
}

func testTriggerEmptyKey(t *testing.T, s *WorkflowExecutionService, d *fakeDispatcher) {
	_, err := s.Trigger(context.Background(), TriggerRequest{DefinitionName: "mint"})
	require.ErrorAs(t, err, &api.InvalidRequestError{})
}

func testTriggerInvalidPayload(t *testing.T, s *WorkflowExecutionService, d *fakeDispatcher) {
	_, err := s.Trigger(context.Background(), TriggerRequest{DefinitionName: "mint", IdempotencyKey: "k", Payload: json.RawMessage(`{"a":`)})
	require.ErrorAs(t, err, &api.InvalidRequestError{})
}

func testTriggerOverloaded(t *testing.T, s *WorkflowExecutionService, d *fakeDispatcher) {
	req := TriggerRequest{DefinitionName: "mint", IdempotencyKey: "elig-7"}
	d.err = executor.ErrQueueFull
	_, err := s.Trigger(context.Background(), req)
	var overloaded api.OverloadedError
	require.ErrorAs(t, err, &overloaded)
	require.Equal(t, time.Second, overloaded.RetryAfter)
	stored, err := s.GetRunByKey(context.Background(), "mint", "elig-7")
	require.NoError(t, err)
	require.Equal(t, model.PENDING, stored.Status)

	d.err = nil
	res, err := s.Trigger(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.Equal(t, stored.RunId, res.RunId)
	require.Equal(t, []model.WorkRequest{{RunId: stored.RunId, RequestType: model.NEW_RUN}}, d.requests)
}

func testTriggerDispatchFails(t *testing.T, s *WorkflowExecutionService, d *fakeDispatcher) {
	d.err = executor.ErrDispatcherStopped
	res, err := s.Trigger(context.Background(), TriggerRequest{DefinitionName: "mint", IdempotencyKey: "k"})
	require.NoError(t, err)
	view, err := s.GetRun(context.Background(), res.RunId)
	require.NoError(t, err)
	require.Equal(t, model.PENDING, view.Status)
}

func testGetRun(t *testing.T, s *WorkflowExecutionService, d *fakeDispatcher) {
	res, err := s.Trigger(context.Background(), TriggerRequest{DefinitionName: "mint", IdempotencyKey: "elig-9"})
	require.NoError(t, err)

	view, err := s.GetRun(context.Background(), res.RunId)
	require.NoError(t, err)
	require.Equal(t, "mint", view.DefinitionName)
	require.Equal(t, "elig-9", view.IdempotencyKey)
	require.Equal(t, 0, view.CurrentStep)
	require.Equal(t, "validate-eligibility", view.CurrentStepName)

	byKey, err := s.GetRunByKey(context.Background(), "mint", "elig-9")
	require.NoError(t, err)
	require.Equal(t, res.RunId, byKey.RunId)

	records, err := s.GetStepRecords(context.Background(), res.RunId)
	require.NoError(t, err)
	require.Empty(t, records)
}

func testGetRunNotFound(t *testing.T, s *WorkflowExecutionService, d *fakeDispatcher) {
	_, err := s.GetRun(context.Background(), "8c1f3a52-0000-0000-0000-000000000000")
	require.ErrorAs(t, err, &api.RunNotFoundError{})
	_, err = s.GetRunByKey(context.Background(), "mint", "nope")
	require.ErrorAs(t, err, &api.RunNotFoundError{})
	_, err = s.GetRunByKey(context.Background(), "", "nope")
	require.ErrorAs(t, err, &api.InvalidRequestError{})
}

func testResume(t *testing.T, s *WorkflowExecutionService, d *fakeDispatcher) {
	res, err := s.Trigger(context.Background(), TriggerRequest{DefinitionName: "mint", IdempotencyKey: "k"})
	require.NoError(t, err)
	require.NoError(t, s.Resume(context.Background(), res.RunId))
	require.Equal(t, model.RESUME_RUN, d.requests[1].RequestType)
	require.ErrorAs(t, s.Resume(context.Background(), "missing"), &api.RunNotFoundError{})
}

func testResumeOverloaded(t *testing.T, s *WorkflowExecutionService, d *fakeDispatcher) {
	res, err := s.Trigger(context.Background(), TriggerRequest{DefinitionName: "mint", IdempotencyKey: "k"})
	require.NoError(t, err)
	d.err = executor.ErrQueueFull
	require.ErrorAs(t, s.Resume(context.Background(), res.RunId), &api.OverloadedError{})
}
