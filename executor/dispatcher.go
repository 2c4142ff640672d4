package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TriviaNFT/triviaNFT-sub002/cluster"
	"github.com/TriviaNFT/triviaNFT-sub002/logger"
	"github.com/TriviaNFT/triviaNFT-sub002/model"
	"github.com/TriviaNFT/triviaNFT-sub002/persistence"
	"github.com/TriviaNFT/triviaNFT-sub002/util"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

var _ Executor = new(Dispatcher)

var ErrQueueFull = errors.New("dispatch queue is full")
var ErrDispatcherStopped = errors.New("dispatcher is not running")

type DispatcherConfig struct {
	Workers        int
	QueueCapacity  int
	PartitionCount int
	MaxRetries     uint64
	RetryInterval  time.Duration
}

// Dispatcher routes work items to a fixed set of workers through the ring, so
// work items of one run are handled serially inside the process.
type Dispatcher struct {
	conf    DispatcherConfig
	engine  Advancer
	ring    *cluster.Ring
	workers map[string]*util.Worker[model.WorkRequest]
	wg      *sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
}

func NewDispatcher(engine Advancer, conf DispatcherConfig, wg *sync.WaitGroup) *Dispatcher {
	if conf.Workers <= 0 {
		conf.Workers = 8
	}
	if conf.QueueCapacity <= 0 {
		conf.QueueCapacity = 1024
	}
	if conf.MaxRetries == 0 {
		conf.MaxRetries = 5
	}
	if conf.RetryInterval <= 0 {
		conf.RetryInterval = backoff.DefaultInitialInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		conf:    conf,
		engine:  engine,
		ring:    cluster.NewRing(cluster.RingConfig{PartitionCount: conf.PartitionCount}),
		workers: make(map[string]*util.Worker[model.WorkRequest]),
		wg:      wg,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < conf.Workers; i++ {
		name := cluster.MemberName(i)
		d.workers[name] = util.NewWorker(name, wg, d.handle, conf.QueueCapacity)
		d.ring.Join(name)
	}
	return d
}

func (d *Dispatcher) Name() string {
	return "dispatcher"
}

func (d *Dispatcher) Start() {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	for _, w := range d.workers {
		w.Start()
	}
	logger.Info("dispatcher started", zap.Int("workers", len(d.workers)))
}

func (d *Dispatcher) Stop() {
	if !d.running.CompareAndSwap(true, false) {
		return
	}
	d.cancel()
	for _, w := range d.workers {
		w.Stop()
	}
}

func (d *Dispatcher) IsRunning() bool {
	return d.running.Load()
}

// Submit queues the request without blocking. A full queue is reported to the
// caller; the recovery sweep picks up anything that is dropped.
func (d *Dispatcher) Submit(req model.WorkRequest) error {
	if !d.IsRunning() {
		return ErrDispatcherStopped
	}
	name, ok := d.ring.Locate(req.RunId)
	if !ok {
		return ErrDispatcherStopped
	}
	if !d.workers[name].TrySend(req) {
		logger.Warn("dispatch queue full", zap.String("worker", name), zap.String("RunId", req.RunId))
		return ErrQueueFull
	}
	return nil
}

func (d *Dispatcher) handle(req model.WorkRequest) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.conf.RetryInterval
	op := func() error {
		err := d.engine.Advance(d.ctx, req)
		if err == nil || persistence.IsStorageLayerError(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("storage error advancing run, retrying", zap.String("RunId", req.RunId), zap.Duration("after", next), zap.Error(err))
	}
	return backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, d.conf.MaxRetries), d.ctx), notify)
}
