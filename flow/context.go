package flow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/TriviaNFT/triviaNFT-sub002/model"
	"github.com/oliveagle/jsonpath"
)

type NoOutputError struct {
	Step string
}

func (e NoOutputError) Error() string {
	return fmt.Sprintf("no output recorded for step %s", e.Step)
}

// StepContext is what a step sees of its run: the immutable input and the
// outputs of every step that already succeeded.
type StepContext struct {
	RunId          string
	DefinitionName string
	IdempotencyKey string
	StepName       string
	StepIndex      int
	Attempt        int
	input          json.RawMessage
	outputs        map[string]json.RawMessage
}

func NewStepContext(run *model.WorkflowRun, stepName string, stepIndex int, attempt int, outputs map[string]json.RawMessage) *StepContext {
	return &StepContext{
		RunId:          run.Id,
		DefinitionName: run.DefinitionName,
		IdempotencyKey: run.IdempotencyKey,
		StepName:       stepName,
		StepIndex:      stepIndex,
		Attempt:        attempt,
		input:          run.Input,
		outputs:        outputs,
	}
}

func (sc *StepContext) DecodeInput(v any) error {
	if len(sc.input) == 0 {
		return TerminalError(INVALID_INPUT, fmt.Errorf("run %s has no input", sc.RunId))
	}
	if err := json.Unmarshal(sc.input, v); err != nil {
		return TerminalError(INVALID_INPUT, err)
	}
	return nil
}

func (sc *StepContext) HasOutput(step string) bool {
	_, ok := sc.outputs[step]
	return ok
}

func (sc *StepContext) Output(step string, v any) error {
	raw, ok := sc.outputs[step]
	if !ok {
		return NoOutputError{Step: step}
	}
	return json.Unmarshal(raw, v)
}

// Lookup evaluates a JSONPath expression over {"input": ..., "steps": {name: output}},
// e.g. "$.steps.reserve-nft.catalogId".
func (sc *StepContext) Lookup(path string) (any, error) {
	data := map[string]any{}
	var input any
	if len(sc.input) > 0 {
		if err := json.Unmarshal(sc.input, &input); err != nil {
			return nil, err
		}
	}
	data["input"] = input
	steps := make(map[string]any, len(sc.outputs))
	for name, raw := range sc.outputs {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		steps[name] = v
	}
	data["steps"] = steps
	if !strings.HasPrefix(path, "$") {
		path = "$." + path
	}
	return jsonpath.JsonPathLookup(data, path)
}

// Reference is a deterministic key for the external effect of a step in this
// run. It stays the same across attempts so external systems can dedupe on it.
func (sc *StepContext) Reference(step string) string {
	return sc.RunId + ":" + step
}
