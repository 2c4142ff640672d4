package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TriviaNFT/triviaNFT-sub002/logger"
	"github.com/TriviaNFT/triviaNFT-sub002/persistence"
	"github.com/TriviaNFT/triviaNFT-sub002/util"
	"go.uber.org/zap"
)

var _ Executor = new(HealthExecutor)

// HealthExecutor pings the store and reports transitions to onChange.
type HealthExecutor struct {
	storage  persistence.Storage
	timeout  time.Duration
	onChange func(healthy bool)
	healthy  atomic.Bool
	known    atomic.Bool
	tw       *util.TickWorker
}

func NewHealthExecutor(storage persistence.Storage, interval time.Duration, onChange func(healthy bool), wg *sync.WaitGroup) *HealthExecutor {
	ex := &HealthExecutor{
		storage:  storage,
		timeout:  interval,
		onChange: onChange,
	}
	ex.tw = util.NewTickWorker("health-executor", interval, func(ctx context.Context) { ex.Check(ctx) }, wg)
	return ex
}

func (ex *HealthExecutor) Name() string {
	return "health-executor"
}

func (ex *HealthExecutor) Start() {
	ex.tw.Start()
}

func (ex *HealthExecutor) Stop() {
	ex.tw.Stop()
}

func (ex *HealthExecutor) IsRunning() bool {
	return ex.tw.IsRunning()
}

func (ex *HealthExecutor) Healthy() bool {
	return ex.healthy.Load()
}

func (ex *HealthExecutor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, ex.timeout)
	defer cancel()
	err := ex.storage.Ping(ctx)
	healthy := err == nil
	previous := ex.healthy.Swap(healthy)
	if ex.known.Swap(true) && previous == healthy {
		return healthy
	}
	if healthy {
		logger.Info("storage is reachable")
	} else {
		logger.Error("storage is unreachable", zap.Error(err))
	}
	if ex.onChange != nil {
		ex.onChange(healthy)
	}
	return healthy
}
