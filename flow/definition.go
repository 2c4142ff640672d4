package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/TriviaNFT/triviaNFT-sub002/model"
	"github.com/TriviaNFT/triviaNFT-sub002/retry"
)

type StepType string

const RUN_STEP StepType = "run"
const SLEEP_STEP StepType = "sleep"

// COMPLETE_STEP names the pseudo-step that runs the completion hook after the last step.
const COMPLETE_STEP = "complete"

// COMPENSATE_STEP names the pseudo-step that runs the failure hook. A run
// whose step failed for good stays non-terminal, and keeps its idempotency
// key, until this step has succeeded or given up.
const COMPENSATE_STEP = "compensate"

// DEFAULT_COMPENSATION_RETRY keeps retrying a failing compensation for over an hour.
var DEFAULT_COMPENSATION_RETRY = retry.Policy{
	Type:        retry.RETRY_POLICY_EXPONENTIAL,
	MaxAttempts: 20,
	Base:        5 * time.Second,
	Max:         5 * time.Minute,
}

// StepFunc performs one unit of work. The returned value is stored as the step
// output and handed to later steps; it must be JSON serializable.
type StepFunc func(ctx context.Context, sc *StepContext) (any, error)

type SleepFunc func(sc *StepContext) (time.Duration, error)

type CompletionHook func(ctx context.Context, sc *StepContext) error

type FailureHook func(ctx context.Context, sc *StepContext, runErr model.RunError) error

type Step struct {
	Name    string
	Type    StepType
	Fn      StepFunc
	Sleep   time.Duration
	SleepFn SleepFunc
	Timeout time.Duration
	Retry   *retry.Policy
}

type StepOption func(*Step)

func WithTimeout(d time.Duration) StepOption {
	return func(s *Step) {
		s.Timeout = d
	}
}

func WithRetry(p retry.Policy) StepOption {
	return func(s *Step) {
		s.Retry = &p
	}
}

// Definition is an ordered, linear list of steps plus the hooks run on terminal states.
type Definition struct {
	Name       string
	Steps      []Step
	onComplete CompletionHook
	onFailure  FailureHook
	compensate []StepOption
}

func NewDefinition(name string) *Definition {
	return &Definition{Name: name}
}

func (d *Definition) Run(name string, fn StepFunc, opts ...StepOption) *Definition {
	step := Step{Name: name, Type: RUN_STEP, Fn: fn}
	for _, opt := range opts {
		opt(&step)
	}
	d.Steps = append(d.Steps, step)
	return d
}

func (d *Definition) Sleep(name string, duration time.Duration) *Definition {
	d.Steps = append(d.Steps, Step{Name: name, Type: SLEEP_STEP, Sleep: duration})
	return d
}

func (d *Definition) SleepFor(name string, fn SleepFunc) *Definition {
	d.Steps = append(d.Steps, Step{Name: name, Type: SLEEP_STEP, SleepFn: fn})
	return d
}

func (d *Definition) OnComplete(hook CompletionHook) *Definition {
	d.onComplete = hook
	return d
}

// OnFailure registers the compensation run when a step fails for good. The
// options apply to the compensation step, which retries with
// DEFAULT_COMPENSATION_RETRY unless told otherwise.
func (d *Definition) OnFailure(hook FailureHook, opts ...StepOption) *Definition {
	d.onFailure = hook
	d.compensate = opts
	return d
}

func (d *Definition) HasCompensation() bool {
	return d.onFailure != nil
}

// CompensationIndex is the step index compensation attempts are recorded under.
func (d *Definition) CompensationIndex() int {
	return len(d.Steps) + 1
}

// CompensationStep wraps the failure hook for runErr as a memoized run step.
func (d *Definition) CompensationStep(runErr model.RunError) Step {
	hook := d.onFailure
	p := DEFAULT_COMPENSATION_RETRY
	step := Step{
		Name:  COMPENSATE_STEP,
		Type:  RUN_STEP,
		Retry: &p,
		Fn: func(ctx context.Context, sc *StepContext) (any, error) {
			if hook == nil {
				return nil, nil
			}
			return nil, hook(ctx, sc, runErr)
		},
	}
	for _, opt := range d.compensate {
		opt(&step)
	}
	return step
}

// CompletionStep wraps the completion hook as the final run step so its
// outcome is recorded and memoized like any other step.
func (d *Definition) CompletionStep() Step {
	hook := d.onComplete
	return Step{
		Name: COMPLETE_STEP,
		Type: RUN_STEP,
		Fn: func(ctx context.Context, sc *StepContext) (any, error) {
			if hook == nil {
				return nil, nil
			}
			return nil, hook(ctx, sc)
		},
	}
}

// StepAt returns the step at index i, where len(Steps) is the completion step.
func (d *Definition) StepAt(i int) (Step, bool) {
	if i < 0 || i > len(d.Steps) {
		return Step{}, false
	}
	if i == len(d.Steps) {
		return d.CompletionStep(), true
	}
	return d.Steps[i], true
}

func (d *Definition) StepName(i int) string {
	s, ok := d.StepAt(i)
	if !ok {
		return ""
	}
	return s.Name
}

func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow definition name is empty")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", d.Name)
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for i, step := range d.Steps {
		if step.Name == "" {
			return fmt.Errorf("workflow %s step %d has no name", d.Name, i)
		}
		if step.Name == COMPLETE_STEP || step.Name == COMPENSATE_STEP {
			return fmt.Errorf("workflow %s step name %s is reserved", d.Name, step.Name)
		}
		if _, ok := seen[step.Name]; ok {
			return fmt.Errorf("workflow %s step %s is duplicate", d.Name, step.Name)
		}
		seen[step.Name] = struct{}{}
		switch step.Type {
		case RUN_STEP:
			if step.Fn == nil {
				return fmt.Errorf("workflow %s step %s has no function", d.Name, step.Name)
			}
		case SLEEP_STEP:
			if step.SleepFn == nil && step.Sleep <= 0 {
				return fmt.Errorf("workflow %s sleep step %s has no duration", d.Name, step.Name)
			}
		default:
			return fmt.Errorf("workflow %s step %s has invalid type %s", d.Name, step.Name, step.Type)
		}
		if step.Retry != nil && step.Retry.MaxAttempts < 0 {
			return fmt.Errorf("workflow %s step %s has negative max attempts", d.Name, step.Name)
		}
	}
	return nil
}
