package util

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TriviaNFT/triviaNFT-sub002/logger"
	"go.uber.org/zap"
)

// TickWorker calls fn every interval until stopped. The context handed to fn
// is cancelled by Stop, so a long sweep gives up instead of delaying shutdown.
type TickWorker struct {
	ctx          context.Context
	cancel       context.CancelFunc
	tickInterval time.Duration
	wg           *sync.WaitGroup
	name         string
	fn           func(ctx context.Context)
	running      atomic.Bool
}

func NewTickWorker(name string, interval time.Duration, fn func(ctx context.Context), wg *sync.WaitGroup) *TickWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &TickWorker{
		ctx:          ctx,
		cancel:       cancel,
		tickInterval: interval,
		wg:           wg,
		fn:           fn,
		name:         name,
	}
}

func (tw *TickWorker) Start() {
	if tw.ctx.Err() != nil || !tw.running.CompareAndSwap(false, true) {
		return
	}
	ticker := time.NewTicker(tw.tickInterval)
	tw.wg.Add(1)
	go func() {
		defer tw.wg.Done()
		defer tw.running.Store(false)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				tw.fn(tw.ctx)
			case <-tw.ctx.Done():
				logger.Info("stopping tick worker", zap.String("worker", tw.name))
				return
			}
		}
	}()
	logger.Info("executor started", zap.String("worker", tw.name), zap.Duration("interval", tw.tickInterval))
}

func (tw *TickWorker) Stop() {
	tw.cancel()
}

func (tw *TickWorker) IsRunning() bool {
	return tw.running.Load()
}
