package executor

import (
	"context"
	"sync"
	"time"

	"github.com/TriviaNFT/triviaNFT-sub002/logger"
	"github.com/TriviaNFT/triviaNFT-sub002/persistence"
	"github.com/TriviaNFT/triviaNFT-sub002/util"
	"go.uber.org/zap"
)

var _ Executor = new(ArchiveExecutor)

type ArchiveExecutor struct {
	storage   persistence.Storage
	after     time.Duration
	batchSize int
	now       func() time.Time
	tw        *util.TickWorker
}

func NewArchiveExecutor(storage persistence.Storage, after time.Duration, interval time.Duration, batchSize int, now func() time.Time, wg *sync.WaitGroup) *ArchiveExecutor {
	if now == nil {
		now = time.Now
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	ex := &ArchiveExecutor{
		storage:   storage,
		after:     after,
		batchSize: batchSize,
		now:       now,
	}
	ex.tw = util.NewTickWorker("archive-executor", interval, func(ctx context.Context) { ex.Archive(ctx) }, wg)
	return ex
}

func (ex *ArchiveExecutor) Name() string {
	return "archive-executor"
}

func (ex *ArchiveExecutor) Start() {
	ex.tw.Start()
}

func (ex *ArchiveExecutor) Stop() {
	ex.tw.Stop()
}

func (ex *ArchiveExecutor) IsRunning() bool {
	return ex.tw.IsRunning()
}

func (ex *ArchiveExecutor) Archive(ctx context.Context) int {
	n, err := ex.storage.ArchiveRuns(ctx, ex.now().Add(-ex.after), ex.batchSize)
	if err != nil {
		logger.Error("error while archiving runs", zap.Error(err))
		return 0
	}
	if n > 0 {
		logger.Info("archived terminal runs", zap.Int("count", n))
	}
	return n
}
