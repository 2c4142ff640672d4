package model

import (
	"encoding/json"
	"time"
)

type StepStatus string

const STEP_RUNNING StepStatus = "running"
const STEP_SUCCEEDED StepStatus = "succeeded"
const STEP_FAILED StepStatus = "failed"
const STEP_RETRYING StepStatus = "retrying"

type StepErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// StepRecord is one attempt of one step of a run. A succeeded record is never rewritten.
type StepRecord struct {
	RunId      string           `json:"runId"`
	StepIndex  int              `json:"stepIndex"`
	StepName   string           `json:"stepName"`
	Attempt    int              `json:"attempt"`
	Status     StepStatus       `json:"status"`
	Output     json.RawMessage  `json:"output,omitempty"`
	Error      *StepErrorDetail `json:"error,omitempty"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt *time.Time       `json:"finishedAt,omitempty"`
}

func (r StepRecord) IsOpen() bool {
	return r.Status == STEP_RUNNING
}

type TimerKind string

const TIMER_SLEEP TimerKind = "sleep"
const TIMER_RETRY TimerKind = "retry"

type SleepTimer struct {
	Id        string    `json:"id"`
	RunId     string    `json:"runId"`
	StepIndex int       `json:"stepIndex"`
	Kind      TimerKind `json:"kind"`
	WakeAt    time.Time `json:"wakeAt"`
	Consumed  bool      `json:"consumed"`
	CreatedAt time.Time `json:"createdAt"`
}
