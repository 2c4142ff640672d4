package engine

import (
	"context"
	"errors"
	"time"

	"github.com/TriviaNFT/triviaNFT-sub002/flow"
	"github.com/TriviaNFT/triviaNFT-sub002/logger"
	"github.com/TriviaNFT/triviaNFT-sub002/model"
	"github.com/TriviaNFT/triviaNFT-sub002/persistence"
	"github.com/TriviaNFT/triviaNFT-sub002/timers"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FlowEngine drives runs forward. Each Advance claims the run, replays its
// step records and executes steps back to back until the run sleeps, waits
// for a retry or reaches a terminal state.
type FlowEngine struct {
	storage  persistence.Storage
	registry *flow.Registry
	executor *StepExecutor
	conf     Config
	now      func() time.Time
}

func NewFlowEngine(storage persistence.Storage, registry *flow.Registry, scheduler *timers.Scheduler, conf Config, now func() time.Time) *FlowEngine {
	if now == nil {
		now = time.Now
	}
	conf = conf.withDefaults()
	return &FlowEngine{
		storage:  storage,
		registry: registry,
		executor: NewStepExecutor(storage, scheduler, conf, now),
		conf:     conf,
		now:      now,
	}
}

// Advance processes one work item. A run that is not claimable, because
// another worker holds it or it is sleeping or terminal, is a no-op. Only
// storage errors are returned.
func (f *FlowEngine) Advance(ctx context.Context, req model.WorkRequest) error {
	now := f.now()
	lease := uuid.NewString()
	run, err := f.storage.ClaimRun(ctx, req.RunId, lease, now, now.Add(-f.conf.StaleRunGrace))
	if err != nil {
		switch {
		case errors.Is(err, persistence.ErrRunNotClaimable):
			logger.Debug("run not claimable, ignoring request", zap.String("RunId", req.RunId), zap.String("request", string(req.RequestType)))
			return nil
		case errors.Is(err, persistence.ErrRunNotFound):
			logger.Warn("run not found", zap.String("RunId", req.RunId), zap.String("request", string(req.RequestType)))
			return nil
		}
		return err
	}
	if req.RequestType == model.RECOVER_RUN {
		logger.Info("recovering run", zap.String("Workflow", run.DefinitionName), zap.String("RunId", run.Id), zap.Int("step", run.CurrentStep))
	}

	def, err := f.registry.Get(run.DefinitionName)
	if err != nil {
		logger.Error("workflow definition not found, failing run", zap.String("Workflow", run.DefinitionName), zap.String("RunId", run.Id))
		run.MarkFailed(model.RunError{Code: flow.UNKNOWN_DEFINITION, Message: err.Error()}, f.now())
		return f.handleDriveError(run, lease, f.storage.SaveRun(ctx, lease, run))
	}

	records, err := f.storage.GetStepRecords(ctx, run.Id)
	if err != nil {
		return f.handleDriveError(run, lease, err)
	}
	return f.handleDriveError(run, lease, f.drive(ctx, run, lease, def, newRunState(records)))
}

func (f *FlowEngine) handleDriveError(run *model.WorkflowRun, lease string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, persistence.ErrLeaseLost) {
		logger.Warn("lease lost, another worker owns the run", zap.String("RunId", run.Id))
		return nil
	}
	f.release(run, lease)
	return err
}

// release hands a claimed run back as pending so the retried work item can claim it again.
func (f *FlowEngine) release(run *model.WorkflowRun, lease string) {
	if run.Status != model.RUNNING {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r := run.Clone()
	r.Status = model.PENDING
	r.UpdatedAt = f.now()
	if err := f.storage.SaveRun(ctx, lease, r); err != nil {
		logger.Warn("could not release run, recovery sweep will pick it up", zap.String("RunId", run.Id), zap.Error(err))
	}
}

func (f *FlowEngine) drive(ctx context.Context, run *model.WorkflowRun, lease string, def *flow.Definition, state *runState) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			return nil
		}
		if run.Error != nil {
			return f.compensate(ctx, run, lease, def, state)
		}
		idx := run.CurrentStep
		step, ok := def.StepAt(idx)
		if !ok || (state.succeeded[idx] && idx == len(def.Steps)) {
			return f.markCompleted(ctx, run, lease)
		}
		if state.succeeded[idx] {
			run.CurrentStep = idx + 1
			continue
		}

		task := &StepTask{
			Run:         run,
			Lease:       lease,
			Step:        step,
			Index:       idx,
			Attempt:     state.attempts[idx] + 1,
			Final:       idx == len(def.Steps),
			Outputs:     state.outputs,
			Compensable: def.HasCompensation(),
		}
		if open, ok := state.open[idx]; ok {
			outcome, err := f.executor.Interrupt(ctx, task, open)
			if err != nil {
				return err
			}
			state.record(outcome.Record)
			if outcome.Record.Status == model.STEP_FAILED {
				continue
			}
			task.Attempt = open.Attempt + 1
		}

		outcome, err := f.executor.Execute(ctx, task)
		if err != nil {
			return err
		}
		state.record(outcome.Record)
		switch outcome.Record.Status {
		case model.STEP_SUCCEEDED:
			if run.Status != model.RUNNING {
				return nil
			}
		case model.STEP_RETRYING:
			return nil
		}
	}
}

// compensate runs the failure hook as its own memoized step. The run keeps
// its lease and idempotency key until the step succeeds or gives up, so a
// crash or a failing host only delays the hook.
func (f *FlowEngine) compensate(ctx context.Context, run *model.WorkflowRun, lease string, def *flow.Definition, state *runState) error {
	idx := def.CompensationIndex()
	if state.succeeded[idx] {
		run.MarkFailed(*run.Error, f.now())
		run.Lease = ""
		return f.storage.SaveRun(ctx, lease, run)
	}
	task := &StepTask{
		Run:          run,
		Lease:        lease,
		Step:         def.CompensationStep(*run.Error),
		Index:        idx,
		Attempt:      state.attempts[idx] + 1,
		Outputs:      state.outputs,
		Compensation: true,
	}
	if open, ok := state.open[idx]; ok {
		outcome, err := f.executor.Interrupt(ctx, task, open)
		if err != nil {
			return err
		}
		state.record(outcome.Record)
		if run.Status.IsTerminal() {
			return nil
		}
		task.Attempt = open.Attempt + 1
	}
	outcome, err := f.executor.Execute(ctx, task)
	if err != nil {
		return err
	}
	state.record(outcome.Record)
	return nil
}

func (f *FlowEngine) markCompleted(ctx context.Context, run *model.WorkflowRun, lease string) error {
	run.MarkCompleted(f.now())
	run.Lease = ""
	if err := f.storage.SaveRun(ctx, lease, run); err != nil {
		return err
	}
	logger.Info("workflow completed", zap.String("Workflow", run.DefinitionName), zap.String("RunId", run.Id))
	return nil
}
