package engine

import (
	"encoding/json"

	"github.com/TriviaNFT/triviaNFT-sub002/model"
)

// runState is the replayed view of a run's step records.
type runState struct {
	outputs   map[string]json.RawMessage
	attempts  map[int]int
	open      map[int]model.StepRecord
	succeeded map[int]bool
}

func newRunState(records []model.StepRecord) *runState {
	st := &runState{
		outputs:   make(map[string]json.RawMessage),
		attempts:  make(map[int]int),
		open:      make(map[int]model.StepRecord),
		succeeded: make(map[int]bool),
	}
	for _, rec := range records {
		st.record(rec)
	}
	return st
}

func (st *runState) record(rec model.StepRecord) {
	if rec.Attempt >= st.attempts[rec.StepIndex] {
		st.attempts[rec.StepIndex] = rec.Attempt
		if rec.IsOpen() {
			st.open[rec.StepIndex] = rec
		} else {
			delete(st.open, rec.StepIndex)
		}
	}
	if rec.Status == model.STEP_SUCCEEDED {
		st.succeeded[rec.StepIndex] = true
		st.outputs[rec.StepName] = rec.Output
		delete(st.open, rec.StepIndex)
	}
}
