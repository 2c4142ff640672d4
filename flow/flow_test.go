package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/TriviaNFT/triviaNFT-sub002/model"
	"github.com/TriviaNFT/triviaNFT-sub002/retry"
	"github.com/stretchr/testify/require"
)

func noop(ctx context.Context, sc *StepContext) (any, error) {
	return nil, nil
}

func TestDefinitionValidate(t *testing.T) {
	for scenario, tc := range map[string]struct {
		def   *Definition
		valid bool
	}{
		"valid":          {NewDefinition("a").Run("one", noop).Sleep("wait", time.Second).Run("two", noop), true},
		"no name":        {NewDefinition("").Run("one", noop), false},
		"no steps":       {NewDefinition("a"), false},
		"duplicate step": {NewDefinition("a").Run("one", noop).Run("one", noop), false},
		"reserved name":  {NewDefinition("a").Run(COMPLETE_STEP, noop), false},
		"compensate":     {NewDefinition("a").Run(COMPENSATE_STEP, noop), false},
		"nil function":   {NewDefinition("a").Run("one", nil), false},
		"zero sleep":     {NewDefinition("a").Sleep("wait", 0), false},
		"sleep func": {NewDefinition("a").SleepFor("wait", func(sc *StepContext) (time.Duration, error) {
			return time.Second, nil
		}), true},
	} {
		t.Run(scenario, func(t *testing.T) {
			err := tc.def.Validate()
			if tc.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestStepOptionsAndCompletionStep(t *testing.T) {
	called := false
	def := NewDefinition("a").
		Run("one", noop, WithTimeout(time.Second), WithRetry(retry.Policy{MaxAttempts: 7})).
		OnComplete(func(ctx context.Context, sc *StepContext) error {
			called = true
			return nil
		})
	require.Equal(t, time.Second, def.Steps[0].Timeout)
	require.Equal(t, 7, def.Steps[0].Retry.MaxAttempts)

	step, ok := def.StepAt(1)
	require.True(t, ok)
	require.Equal(t, COMPLETE_STEP, step.Name)
	_, err := step.Fn(context.Background(), &StepContext{})
	require.NoError(t, err)
	require.True(t, called)

	_, ok = def.StepAt(2)
	require.False(t, ok)
	require.Equal(t, "one", def.StepName(0))
	require.Equal(t, "", def.StepName(5))
}

func TestCompensationStep(t *testing.T) {
	var got model.RunError
	def := NewDefinition("a").Run("one", noop).Run("two", noop)
	require.False(t, def.HasCompensation())

	def.OnFailure(func(ctx context.Context, sc *StepContext, runErr model.RunError) error {
		got = runErr
		return nil
	})
	require.True(t, def.HasCompensation())
	require.Equal(t, 3, def.CompensationIndex())
	_, ok := def.StepAt(def.CompensationIndex())
	require.False(t, ok)

	runErr := model.RunError{Code: TX_FAILED, Message: "rejected", Step: "two"}
	step := def.CompensationStep(runErr)
	require.Equal(t, COMPENSATE_STEP, step.Name)
	require.Equal(t, DEFAULT_COMPENSATION_RETRY, *step.Retry)
	_, err := step.Fn(context.Background(), &StepContext{})
	require.NoError(t, err)
	require.Equal(t, runErr, got)

	def.OnFailure(func(ctx context.Context, sc *StepContext, runErr model.RunError) error { return nil },
		WithRetry(retry.Policy{MaxAttempts: 2}))
	require.Equal(t, 2, def.CompensationStep(runErr).Retry.MaxAttempts)
}

func TestClassify(t *testing.T) {
	require.Nil(t, Classify(nil))

	se := Classify(TerminalError(INSUFFICIENT_FUNDS, errors.New("no ada")))
	require.False(t, se.Retryable)
	require.Equal(t, INSUFFICIENT_FUNDS, se.Code)

	se = Classify(fmt.Errorf("wrapped: %w", Retryablef(NODE_UNAVAILABLE, "node %s down", "a")))
	require.True(t, se.Retryable)
	require.Equal(t, NODE_UNAVAILABLE, se.Code)

	se = Classify(context.DeadlineExceeded)
	require.True(t, se.Retryable)
	require.Equal(t, STEP_TIMEOUT, se.Code)

	se = Classify(errors.New("boom"))
	require.True(t, se.Retryable)
	require.Equal(t, STEP_ERROR, se.Code)
	require.Contains(t, se.Error(), "boom")
}

func TestStepContext(t *testing.T) {
	run := model.NewWorkflowRun("run-1", "mint", "elig-123", json.RawMessage(`{"eligibilityId":"elig-123"}`), time.Now())
	sc := NewStepContext(run, "two", 1, 1, map[string]json.RawMessage{
		"reserve": json.RawMessage(`{"catalogId":"cat-9"}`),
	})

	var in struct {
		EligibilityId string `json:"eligibilityId"`
	}
	require.NoError(t, sc.DecodeInput(&in))
	require.Equal(t, "elig-123", in.EligibilityId)

	var out struct {
		CatalogId string `json:"catalogId"`
	}
	require.NoError(t, sc.Output("reserve", &out))
	require.Equal(t, "cat-9", out.CatalogId)
	require.True(t, sc.HasOutput("reserve"))

	err := sc.Output("missing", &out)
	require.ErrorAs(t, err, &NoOutputError{})

	v, err := sc.Lookup("$.steps.reserve.catalogId")
	require.NoError(t, err)
	require.Equal(t, "cat-9", v)

	v, err = sc.Lookup("input.eligibilityId")
	require.NoError(t, err)
	require.Equal(t, "elig-123", v)

	require.Equal(t, "run-1:submit", sc.Reference("submit"))
}

func TestDecodeInputInvalid(t *testing.T) {
	run := model.NewWorkflowRun("run-1", "mint", "k", json.RawMessage(`[1,2]`), time.Now())
	sc := NewStepContext(run, "one", 0, 1, nil)
	var in struct{ A string }
	err := sc.DecodeInput(&in)
	se := Classify(err)
	require.False(t, se.Retryable)
	require.Equal(t, INVALID_INPUT, se.Code)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewDefinition("mint").Run("one", noop)))
	require.Error(t, r.Register(NewDefinition("mint").Run("one", noop)))
	require.Error(t, r.Register(NewDefinition("bad")))
	require.NoError(t, r.Register(NewDefinition("forge").Run("one", noop)))

	def, err := r.Get("mint")
	require.NoError(t, err)
	require.Equal(t, "mint", def.Name)

	_, err = r.Get("nope")
	require.ErrorAs(t, err, &UnknownDefinitionError{})
	require.Equal(t, []string{"forge", "mint"}, r.Names())
}
