package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TriviaNFT/triviaNFT-sub002/model"
)

type StorageLayerError struct {
	Message string
}

func (e StorageLayerError) Error() string {
	return fmt.Sprintf("storage layer error %s", e.Message)
}

var ErrRunNotFound = errors.New("workflow run not found")

// ErrRunNotClaimable means another worker owns the run or the run is not in a resumable state.
var ErrRunNotClaimable = errors.New("workflow run not claimable")

// ErrLeaseLost means the caller's lease was replaced by a newer claim.
var ErrLeaseLost = errors.New("workflow run lease lost")

var ErrStepAlreadySucceeded = errors.New("step already has a succeeded record")

func IsStorageLayerError(err error) bool {
	var se StorageLayerError
	return errors.As(err, &se)
}

// Storage is the single source of truth for runs, step records and sleep timers.
// Every method that changes more than one row does so atomically.
type Storage interface {
	// CreateRunIfAbsent inserts run unless a non-failed run already exists for
	// its (definition name, idempotency key). It returns the stored run and
	// whether it was created.
	CreateRunIfAbsent(ctx context.Context, run *model.WorkflowRun) (*model.WorkflowRun, bool, error)

	GetRun(ctx context.Context, runId string) (*model.WorkflowRun, error)

	// GetRunByKey returns the non-failed run for the key, else the most recent failed one.
	GetRunByKey(ctx context.Context, definitionName string, idempotencyKey string) (*model.WorkflowRun, error)

	// GetStepRecords returns all attempts ordered by step index then attempt.
	GetStepRecords(ctx context.Context, runId string) ([]model.StepRecord, error)

	// ClaimRun moves a pending run, or a running run not updated since
	// staleBefore, to running under a new lease.
	ClaimRun(ctx context.Context, runId string, lease string, now time.Time, staleBefore time.Time) (*model.WorkflowRun, error)

	// StartStep persists a running record for an attempt and refreshes the run heartbeat.
	StartStep(ctx context.Context, lease string, rec *model.StepRecord, now time.Time) error

	// FinishStep closes an attempt and writes the run snapshot, plus an optional
	// timer, in one transaction. The run lease is released unless the run stays running.
	FinishStep(ctx context.Context, lease string, rec *model.StepRecord, run *model.WorkflowRun, timer *model.SleepTimer) error

	// SaveRun writes a run snapshot guarded by the lease.
	SaveRun(ctx context.Context, lease string, run *model.WorkflowRun) error

	// ClaimDueTimers consumes up to limit timers due at now and moves their
	// sleeping runs to pending.
	ClaimDueTimers(ctx context.Context, now time.Time, limit int) ([]model.SleepTimer, error)

	// ListStaleRuns returns pending or running runs not updated since staleBefore.
	ListStaleRuns(ctx context.Context, staleBefore time.Time, limit int) ([]*model.WorkflowRun, error)

	// ArchiveRuns flags terminal runs finished before the cutoff. Nothing is deleted.
	ArchiveRuns(ctx context.Context, finishedBefore time.Time, limit int) (int, error)

	Ping(ctx context.Context) error

	Close() error
}
