package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	api "github.com/TriviaNFT/triviaNFT-sub002/api/v1"
	"github.com/TriviaNFT/triviaNFT-sub002/cache"
	"github.com/TriviaNFT/triviaNFT-sub002/executor"
	"github.com/TriviaNFT/triviaNFT-sub002/flow"
	"github.com/TriviaNFT/triviaNFT-sub002/idempotency"
	"github.com/TriviaNFT/triviaNFT-sub002/logger"
	"github.com/TriviaNFT/triviaNFT-sub002/model"
	"github.com/TriviaNFT/triviaNFT-sub002/persistence"
	"github.com/TriviaNFT/triviaNFT-sub002/timers"
	"go.uber.org/zap"
)

type TriggerRequest struct {
	DefinitionName string          `json:"definitionName"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Payload        json.RawMessage `json:"payload"`
}

type TriggerResult struct {
	RunId     string          `json:"runId"`
	Status    model.RunStatus `json:"status"`
	Duplicate bool            `json:"duplicate,omitempty"`
}

type RunView struct {
	RunId           string          `json:"runId"`
	DefinitionName  string          `json:"definitionName"`
	IdempotencyKey  string          `json:"idempotencyKey"`
	Status          model.RunStatus `json:"status"`
	CurrentStep     int             `json:"currentStep"`
	CurrentStepName string          `json:"currentStepName,omitempty"`
	Error           *model.RunError `json:"error,omitempty"`
	Archived        bool            `json:"archived,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	FinishedAt      *time.Time      `json:"finishedAt,omitempty"`
}

// WorkflowExecutionService is the ingress behind the http and grpc servers.
// Callers authenticate requests before reaching it.
type WorkflowExecutionService struct {
	storage    persistence.Storage
	registry   *flow.Registry
	guard      *idempotency.Guard
	dispatcher timers.Submitter
	runCache   *cache.RunCache
}

func NewWorkflowExecutionService(storage persistence.Storage, registry *flow.Registry, guard *idempotency.Guard, dispatcher timers.Submitter, runCache *cache.RunCache) *WorkflowExecutionService {
	return &WorkflowExecutionService{
		storage:    storage,
		registry:   registry,
		guard:      guard,
		dispatcher: dispatcher,
		runCache:   runCache,
	}
}

// Trigger creates a run for the key or returns the one already holding it.
// Only a newly created run is dispatched.
func (s *WorkflowExecutionService) Trigger(ctx context.Context, req TriggerRequest) (*TriggerResult, error) {
	if _, err := s.registry.Get(req.DefinitionName); err != nil {
		return nil, api.UnknownDefinitionError{Name: req.DefinitionName}
	}
	if req.IdempotencyKey == "" {
		return nil, api.InvalidRequestError{Field: "idempotencyKey", Message: "must not be empty"}
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return nil, api.InvalidRequestError{Field: "payload", Message: "must be valid json"}
	}
	res, err := s.guard.Acquire(ctx, req.DefinitionName, req.IdempotencyKey, req.Payload)
	if err != nil {
		logger.Error("error acquiring idempotency key", zap.String("Workflow", req.DefinitionName), zap.String("key", req.IdempotencyKey), zap.Error(err))
		return nil, api.StorageLayerError{}
	}
	if !res.Created {
		// a pending duplicate may be the retry of a trigger refused by a full queue
		if res.Run.Status == model.PENDING {
			if err := s.dispatchNew(res.Run.Id); err != nil {
				return nil, err
			}
		}
		return &TriggerResult{RunId: res.Run.Id, Status: res.Run.Status, Duplicate: true}, nil
	}
	if err := s.dispatchNew(res.Run.Id); err != nil {
		return nil, err
	}
	return &TriggerResult{RunId: res.Run.Id, Status: res.Run.Status}, nil
}

// dispatchNew reports a full queue so the caller retries. Any other dispatch
// error leaves the durable pending run to the recovery sweep.
func (s *WorkflowExecutionService) dispatchNew(runId string) error {
	err := s.dispatcher.Submit(model.WorkRequest{RunId: runId, RequestType: model.NEW_RUN})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, executor.ErrQueueFull):
		logger.Warn("dispatch queue full, refusing trigger", zap.String("RunId", runId))
		return api.OverloadedError{RetryAfter: time.Second}
	}
	logger.Warn("could not dispatch new run", zap.String("RunId", runId), zap.Error(err))
	return nil
}

// Resume dispatches an authenticated resume callback. Resuming a run that is
// not waiting to be resumed is accepted and ignored by the engine.
func (s *WorkflowExecutionService) Resume(ctx context.Context, runId string) error {
	if _, err := s.loadRun(ctx, runId); err != nil {
		return err
	}
	err := s.dispatcher.Submit(model.WorkRequest{RunId: runId, RequestType: model.RESUME_RUN})
	if err != nil {
		if errors.Is(err, executor.ErrQueueFull) {
			return api.OverloadedError{RetryAfter: time.Second}
		}
		logger.Error("error dispatching resume", zap.String("RunId", runId), zap.Error(err))
		return api.StorageLayerError{}
	}
	return nil
}

func (s *WorkflowExecutionService) GetRun(ctx context.Context, runId string) (*RunView, error) {
	run, err := s.loadRun(ctx, runId)
	if err != nil {
		return nil, err
	}
	return s.view(run), nil
}

func (s *WorkflowExecutionService) GetRunByKey(ctx context.Context, definitionName string, idempotencyKey string) (*RunView, error) {
	if definitionName == "" || idempotencyKey == "" {
		return nil, api.InvalidRequestError{Field: "definition,key", Message: "both are required"}
	}
	run, err := s.storage.GetRunByKey(ctx, definitionName, idempotencyKey)
	if err != nil {
		return nil, s.mapStorageError(err, definitionName+"/"+idempotencyKey)
	}
	return s.view(run), nil
}

func (s *WorkflowExecutionService) GetStepRecords(ctx context.Context, runId string) ([]model.StepRecord, error) {
	if _, err := s.loadRun(ctx, runId); err != nil {
		return nil, err
	}
	records, err := s.storage.GetStepRecords(ctx, runId)
	if err != nil {
		return nil, s.mapStorageError(err, runId)
	}
	return records, nil
}

func (s *WorkflowExecutionService) loadRun(ctx context.Context, runId string) (*model.WorkflowRun, error) {
	if run, ok := s.runCache.Get(runId); ok {
		return run, nil
	}
	run, err := s.storage.GetRun(ctx, runId)
	if err != nil {
		return nil, s.mapStorageError(err, runId)
	}
	s.runCache.Save(run)
	return run, nil
}

func (s *WorkflowExecutionService) mapStorageError(err error, id string) error {
	if errors.Is(err, persistence.ErrRunNotFound) {
		return api.RunNotFoundError{RunId: id}
	}
	logger.Error("error reading workflow run", zap.String("RunId", id), zap.Error(err))
	return api.StorageLayerError{}
}

func (s *WorkflowExecutionService) view(run *model.WorkflowRun) *RunView {
	v := &RunView{
		RunId:          run.Id,
		DefinitionName: run.DefinitionName,
		IdempotencyKey: run.IdempotencyKey,
		Status:         run.Status,
		CurrentStep:    run.CurrentStep,
		Error:          run.Error,
		Archived:       run.Archived,
		CreatedAt:      run.CreatedAt,
		UpdatedAt:      run.UpdatedAt,
		FinishedAt:     run.FinishedAt,
	}
	if def, err := s.registry.Get(run.DefinitionName); err == nil {
		v.CurrentStepName = def.StepName(run.CurrentStep)
	}
	return v
}
