package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/TriviaNFT/triviaNFT-sub002/analytics"
	"github.com/TriviaNFT/triviaNFT-sub002/flow"
	"github.com/TriviaNFT/triviaNFT-sub002/logger"
	"github.com/TriviaNFT/triviaNFT-sub002/model"
	"github.com/TriviaNFT/triviaNFT-sub002/persistence"
	"github.com/TriviaNFT/triviaNFT-sub002/retry"
	"github.com/TriviaNFT/triviaNFT-sub002/timers"
	"github.com/TriviaNFT/triviaNFT-sub002/util"
	"go.uber.org/zap"
)

// StepTask is one attempt of one step. Run holds the last persisted snapshot
// and is replaced with the new snapshot once the outcome is committed.
type StepTask struct {
	Run     *model.WorkflowRun
	Lease   string
	Step    flow.Step
	Index   int
	Attempt int
	Final   bool
	Outputs map[string]json.RawMessage
	// Compensable defers a final failure to the compensation step: the run
	// keeps running with its error set instead of failing.
	Compensable bool
	// Compensation marks the compensation step itself. Its outcome, success
	// or not, fails the run with the error already on it.
	Compensation bool
}

type StepOutcome struct {
	Record model.StepRecord
}

type StepExecutor struct {
	storage   persistence.Storage
	scheduler *timers.Scheduler
	conf      Config
	now       func() time.Time
}

func NewStepExecutor(storage persistence.Storage, scheduler *timers.Scheduler, conf Config, now func() time.Time) *StepExecutor {
	return &StepExecutor{
		storage:   storage,
		scheduler: scheduler,
		conf:      conf.withDefaults(),
		now:       now,
	}
}

func (x *StepExecutor) policyFor(step flow.Step) retry.Policy {
	if step.Retry == nil {
		return x.conf.DefaultRetry
	}
	return step.Retry.Merge(x.conf.DefaultRetry)
}

// Execute runs one attempt and persists its outcome, together with the run
// transition it implies, before returning. Step failures are reported in the
// outcome; only storage failures and cancellation are returned as errors.
func (x *StepExecutor) Execute(ctx context.Context, task *StepTask) (*StepOutcome, error) {
	run := task.Run
	startedAt := x.now()
	rec := &model.StepRecord{
		RunId:     run.Id,
		StepIndex: task.Index,
		StepName:  task.Step.Name,
		Attempt:   task.Attempt,
		Status:    model.STEP_RUNNING,
		StartedAt: startedAt,
	}
	sc := flow.NewStepContext(run, task.Step.Name, task.Index, task.Attempt, task.Outputs)

	var output json.RawMessage
	var stepErr *flow.StepError
	var wakeAt time.Time
	if task.Step.Type == flow.SLEEP_STEP {
		var d time.Duration
		d, stepErr = x.sleepDuration(task.Step, sc)
		if stepErr == nil {
			wakeAt = startedAt.Add(d)
			output, _ = json.Marshal(map[string]any{"wakeAt": wakeAt, "durationMs": d.Milliseconds()})
		}
	} else {
		if err := x.storage.StartStep(ctx, task.Lease, rec, startedAt); err != nil {
			return nil, err
		}
		var err error
		output, stepErr, err = x.invoke(ctx, task.Step, sc)
		if err != nil {
			return nil, err
		}
	}

	finishedAt := x.now()
	rec.FinishedAt = &finishedAt
	next := run.Clone()
	next.UpdatedAt = finishedAt
	var timer *model.SleepTimer
	ev := analytics.StepEvent{
		Workflow:  run.DefinitionName,
		RunId:     run.Id,
		Step:      task.Step.Name,
		StepIndex: task.Index,
		Attempt:   task.Attempt,
		Duration:  finishedAt.Sub(startedAt),
	}

	if stepErr == nil {
		rec.Status = model.STEP_SUCCEEDED
		rec.Output = output
		switch {
		case task.Compensation:
			next.MarkFailed(*run.Error, finishedAt)
		case task.Step.Type == flow.SLEEP_STEP:
			next.CurrentStep = task.Index + 1
			next.Status = model.SLEEPING
			timer = x.scheduler.Schedule(run.Id, task.Index, model.TIMER_SLEEP, wakeAt)
		case task.Final:
			next.CurrentStep = task.Index + 1
			next.MarkCompleted(finishedAt)
		default:
			next.CurrentStep = task.Index + 1
			next.Status = model.RUNNING
		}
	} else {
		rec.Error = &model.StepErrorDetail{Code: stepErr.Code, Message: stepErr.Message, Retryable: stepErr.Retryable}
		decision := x.policyFor(task.Step).Decide(task.Attempt, stepErr.Retryable)
		if decision.Retry {
			rec.Status = model.STEP_RETRYING
			next.Status = model.SLEEPING
			timer = x.scheduler.Schedule(run.Id, task.Index, model.TIMER_RETRY, finishedAt.Add(decision.Delay))
		} else {
			rec.Status = model.STEP_FAILED
			x.fail(task, next, model.RunError{Code: stepErr.Code, Message: stepErr.Message, Step: task.Step.Name}, finishedAt)
		}
	}
	if next.Status != model.RUNNING {
		next.Lease = ""
	}

	if err := x.storage.FinishStep(ctx, task.Lease, rec, next, timer); err != nil {
		return nil, err
	}
	*task.Run = *next

	switch rec.Status {
	case model.STEP_SUCCEEDED:
		analytics.RecordStepSuccess(ev)
		logger.Debug("step succeeded", zap.String("Workflow", run.DefinitionName), zap.String("RunId", run.Id), zap.String("step", task.Step.Name), zap.Int("attempt", task.Attempt))
		switch next.Status {
		case model.COMPLETED:
			analytics.RecordRunCompleted(run.DefinitionName, run.Id)
			logger.Info("workflow completed", zap.String("Workflow", run.DefinitionName), zap.String("RunId", run.Id))
		case model.FAILED:
			analytics.RecordRunFailed(run.DefinitionName, run.Id, next.Error.Code)
			logger.Info("workflow failed after compensation", zap.String("Workflow", run.DefinitionName), zap.String("RunId", run.Id), zap.String("code", next.Error.Code))
		}
	case model.STEP_RETRYING:
		analytics.RecordStepFailure(ev, stepErr.Code, true)
		logger.Info("retrying step", zap.String("Workflow", run.DefinitionName), zap.String("RunId", run.Id), zap.String("step", task.Step.Name),
			zap.Int("attempt", task.Attempt), zap.String("code", stepErr.Code), zap.Time("retryAt", timer.WakeAt))
	case model.STEP_FAILED:
		analytics.RecordStepFailure(ev, stepErr.Code, stepErr.Retryable)
		if next.Status != model.FAILED {
			logger.Warn("step failed, compensating", zap.String("Workflow", run.DefinitionName), zap.String("RunId", run.Id), zap.String("step", task.Step.Name),
				zap.Int("attempt", task.Attempt), zap.String("code", stepErr.Code), zap.String("reason", stepErr.Message))
			break
		}
		analytics.RecordRunFailed(run.DefinitionName, run.Id, next.Error.Code)
		if task.Compensation {
			logger.Error("compensation gave up, failing run", zap.String("Workflow", run.DefinitionName), zap.String("RunId", run.Id),
				zap.Int("attempt", task.Attempt), zap.String("code", stepErr.Code), zap.String("reason", stepErr.Message))
			break
		}
		logger.Error("workflow failed", zap.String("Workflow", run.DefinitionName), zap.String("RunId", run.Id), zap.String("step", task.Step.Name),
			zap.Int("attempt", task.Attempt), zap.String("code", stepErr.Code), zap.String("reason", stepErr.Message))
	}
	return &StepOutcome{Record: *rec}, nil
}

// Interrupt closes an attempt left running by a crashed worker. When attempts
// remain the run stays running and the caller re-attempts right away.
func (x *StepExecutor) Interrupt(ctx context.Context, task *StepTask, open model.StepRecord) (*StepOutcome, error) {
	finishedAt := x.now()
	rec := open
	rec.FinishedAt = &finishedAt
	stepErr := flow.Retryablef(flow.STEP_INTERRUPTED, "attempt %d of step %s did not finish", open.Attempt, open.StepName)
	rec.Error = &model.StepErrorDetail{Code: stepErr.Code, Message: stepErr.Message, Retryable: true}
	next := task.Run.Clone()
	next.UpdatedAt = finishedAt
	decision := x.policyFor(task.Step).Decide(open.Attempt, true)
	if decision.Retry {
		rec.Status = model.STEP_RETRYING
	} else {
		rec.Status = model.STEP_FAILED
		x.fail(task, next, model.RunError{Code: stepErr.Code, Message: stepErr.Message, Step: open.StepName}, finishedAt)
	}
	if err := x.storage.FinishStep(ctx, task.Lease, &rec, next, nil); err != nil {
		return nil, err
	}
	*task.Run = *next
	logger.Warn("closed interrupted step attempt", zap.String("Workflow", next.DefinitionName), zap.String("RunId", next.Id),
		zap.String("step", open.StepName), zap.Int("attempt", open.Attempt), zap.String("status", string(rec.Status)))
	if next.Status == model.FAILED {
		analytics.RecordRunFailed(next.DefinitionName, next.Id, next.Error.Code)
	}
	return &StepOutcome{Record: rec}, nil
}

// fail settles a step that failed for good. A compensable run stays running
// with the error recorded so the compensation step runs before it fails; a
// compensation that gives up fails the run with the error that started it.
func (x *StepExecutor) fail(task *StepTask, next *model.WorkflowRun, runErr model.RunError, at time.Time) {
	switch {
	case task.Compensation && task.Run.Error != nil:
		next.MarkFailed(*task.Run.Error, at)
	case task.Compensable:
		next.Status = model.RUNNING
		next.Error = &runErr
		next.UpdatedAt = at
		return
	default:
		next.MarkFailed(runErr, at)
	}
	next.Lease = ""
}

func (x *StepExecutor) sleepDuration(step flow.Step, sc *flow.StepContext) (d time.Duration, stepErr *flow.StepError) {
	if step.SleepFn == nil {
		return step.Sleep, nil
	}
	defer func() {
		if r := recover(); r != nil {
			stepErr = flow.Retryablef(flow.STEP_PANIC, "sleep step %s panicked: %v", step.Name, r)
		}
	}()
	d, err := step.SleepFn(sc)
	if err != nil {
		return 0, flow.Classify(err)
	}
	if d < 0 {
		d = 0
	}
	return d, nil
}

type invokeResult struct {
	out any
	err error
}

// invoke calls the step function under the step timeout. A step that ignores
// its context is abandoned when the timeout fires.
func (x *StepExecutor) invoke(ctx context.Context, step flow.Step, sc *flow.StepContext) (json.RawMessage, *flow.StepError, error) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = x.conf.StepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: flow.Retryablef(flow.STEP_PANIC, "step %s panicked: %v", step.Name, r)}
			}
		}()
		out, err := step.Fn(stepCtx, sc)
		done <- invokeResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, flow.Classify(res.err), nil
		}
		out, err := util.MarshalOutput(res.out)
		if err != nil {
			return nil, flow.TerminalError(flow.OUTPUT_ENCODING, err), nil
		}
		return out, nil, nil
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, flow.RetryableError(flow.STEP_TIMEOUT, fmt.Errorf("step %s exceeded timeout %s", step.Name, timeout)), nil
	}
}
