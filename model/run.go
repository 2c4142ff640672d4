package model

import (
	"encoding/json"
	"time"
)

type RunStatus string

const PENDING RunStatus = "pending"
const RUNNING RunStatus = "running"
const SLEEPING RunStatus = "sleeping"
const COMPLETED RunStatus = "completed"
const FAILED RunStatus = "failed"

func (s RunStatus) IsTerminal() bool {
	return s == COMPLETED || s == FAILED
}

// RunError is the terminal error surfaced on a failed run.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Step    string `json:"step,omitempty"`
}

type WorkflowRun struct {
	Id             string          `json:"id"`
	DefinitionName string          `json:"definitionName"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Input          json.RawMessage `json:"input"`
	CurrentStep    int             `json:"currentStep"`
	Status         RunStatus       `json:"status"`
	Lease          string          `json:"lease,omitempty"`
	Error          *RunError       `json:"error,omitempty"`
	Archived       bool            `json:"archived"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	FinishedAt     *time.Time      `json:"finishedAt,omitempty"`
}

func NewWorkflowRun(id string, definitionName string, idempotencyKey string, input json.RawMessage, now time.Time) *WorkflowRun {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	return &WorkflowRun{
		Id:             id,
		DefinitionName: definitionName,
		IdempotencyKey: idempotencyKey,
		Input:          input,
		Status:         PENDING,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (r *WorkflowRun) Clone() *WorkflowRun {
	c := *r
	if r.Input != nil {
		c.Input = append(json.RawMessage(nil), r.Input...)
	}
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	if r.FinishedAt != nil {
		f := *r.FinishedAt
		c.FinishedAt = &f
	}
	return &c
}

func (r *WorkflowRun) MarkCompleted(now time.Time) {
	r.Status = COMPLETED
	r.Error = nil
	r.UpdatedAt = now
	r.FinishedAt = &now
}

func (r *WorkflowRun) MarkFailed(runErr RunError, now time.Time) {
	r.Status = FAILED
	r.Error = &runErr
	r.UpdatedAt = now
	r.FinishedAt = &now
}
