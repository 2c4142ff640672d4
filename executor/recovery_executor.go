package executor

import (
	"context"
	"sync"
	"time"

	"github.com/TriviaNFT/triviaNFT-sub002/logger"
	"github.com/TriviaNFT/triviaNFT-sub002/model"
	"github.com/TriviaNFT/triviaNFT-sub002/persistence"
	"github.com/TriviaNFT/triviaNFT-sub002/timers"
	"github.com/TriviaNFT/triviaNFT-sub002/util"
	"go.uber.org/zap"
)

var _ Executor = new(RecoveryExecutor)

// RecoveryExecutor re-dispatches runs nobody has touched within the grace
// period: runs whose worker crashed mid-step and pending runs whose dispatch was lost.
type RecoveryExecutor struct {
	storage   persistence.Storage
	submitter timers.Submitter
	grace     time.Duration
	batchSize int
	now       func() time.Time
	tw        *util.TickWorker
}

func NewRecoveryExecutor(storage persistence.Storage, submitter timers.Submitter, grace time.Duration, interval time.Duration, batchSize int, now func() time.Time, wg *sync.WaitGroup) *RecoveryExecutor {
	if now == nil {
		now = time.Now
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	ex := &RecoveryExecutor{
		storage:   storage,
		submitter: submitter,
		grace:     grace,
		batchSize: batchSize,
		now:       now,
	}
	ex.tw = util.NewTickWorker("recovery-executor", interval, func(ctx context.Context) { ex.Sweep(ctx) }, wg)
	return ex
}

func (ex *RecoveryExecutor) Name() string {
	return "recovery-executor"
}

func (ex *RecoveryExecutor) Start() {
	ex.tw.Start()
}

func (ex *RecoveryExecutor) Stop() {
	ex.tw.Stop()
}

func (ex *RecoveryExecutor) IsRunning() bool {
	return ex.tw.IsRunning()
}

func (ex *RecoveryExecutor) Sweep(ctx context.Context) int {
	runs, err := ex.storage.ListStaleRuns(ctx, ex.now().Add(-ex.grace), ex.batchSize)
	if err != nil {
		logger.Error("error while listing stale runs", zap.Error(err))
		return 0
	}
	submitted := 0
	for _, run := range runs {
		err := ex.submitter.Submit(model.WorkRequest{RunId: run.Id, RequestType: model.RECOVER_RUN})
		if err != nil {
			logger.Warn("could not dispatch stale run", zap.String("RunId", run.Id), zap.Error(err))
			continue
		}
		logger.Info("re-dispatched stale run", zap.String("Workflow", run.DefinitionName), zap.String("RunId", run.Id), zap.String("status", string(run.Status)))
		submitted++
	}
	return submitted
}
