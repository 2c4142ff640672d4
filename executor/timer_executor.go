package executor

import (
	"context"
	"sync"
	"time"

	"github.com/TriviaNFT/triviaNFT-sub002/logger"
	"github.com/TriviaNFT/triviaNFT-sub002/timers"
	"github.com/TriviaNFT/triviaNFT-sub002/util"
	"go.uber.org/zap"
)

var _ Executor = new(TimerExecutor)

// TimerExecutor fires due sleep and retry timers. A timer whose notification
// fails is already consumed; its run is pending and the recovery sweep owns it.
type TimerExecutor struct {
	scheduler *timers.Scheduler
	notifier  timers.Notifier
	batchSize int
	tw        *util.TickWorker
}

func NewTimerExecutor(scheduler *timers.Scheduler, notifier timers.Notifier, interval time.Duration, batchSize int, wg *sync.WaitGroup) *TimerExecutor {
	if batchSize <= 0 {
		batchSize = 100
	}
	ex := &TimerExecutor{
		scheduler: scheduler,
		notifier:  notifier,
		batchSize: batchSize,
	}
	ex.tw = util.NewTickWorker("timer-executor", interval, func(ctx context.Context) { ex.Poll(ctx) }, wg)
	return ex
}

func (ex *TimerExecutor) Name() string {
	return "timer-executor"
}

func (ex *TimerExecutor) Start() {
	ex.tw.Start()
}

func (ex *TimerExecutor) Stop() {
	ex.tw.Stop()
}

func (ex *TimerExecutor) IsRunning() bool {
	return ex.tw.IsRunning()
}

// Poll drains due timers batch by batch and returns how many fired.
func (ex *TimerExecutor) Poll(ctx context.Context) int {
	fired := 0
	for {
		due, err := ex.scheduler.PollDue(ctx, ex.batchSize)
		if err != nil {
			logger.Error("error while polling due timers", zap.Error(err))
			return fired
		}
		for _, timer := range due {
			if err := ex.notifier.Notify(ctx, timer); err != nil {
				logger.Error("error notifying timer", zap.String("RunId", timer.RunId), zap.String("timer", timer.Id), zap.Error(err))
				continue
			}
			fired++
		}
		if len(due) < ex.batchSize {
			return fired
		}
	}
}
