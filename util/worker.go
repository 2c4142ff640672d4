package util

import (
	"sync"

	"github.com/TriviaNFT/triviaNFT-sub002/logger"
	"go.uber.org/zap"
)

// Worker drains a bounded channel of work items on a single goroutine,
// so items sent to the same worker are handled one at a time in order.
type Worker[T any] struct {
	name     string
	stop     chan struct{}
	stopOnce sync.Once
	wg       *sync.WaitGroup
	handler  func(T) error
	items    chan T
}

func NewWorker[T any](name string, wg *sync.WaitGroup, handler func(T) error, capacity int) *Worker[T] {
	return &Worker[T]{
		name:    name,
		items:   make(chan T, capacity),
		stop:    make(chan struct{}),
		wg:      wg,
		handler: handler,
	}
}

func (w *Worker[T]) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		for {
			select {
			case item := <-w.items:
				err := w.handler(item)
				if err != nil {
					logger.Error("error in handling work item", zap.String("worker", w.name), zap.Any("item", item), zap.Error(err))
				}
			case <-w.stop:
				logger.Info("stopping worker", zap.String("worker", w.name))
				return
			}
		}
	}()
}

// TrySend queues the item without blocking and reports whether it was accepted.
func (w *Worker[T]) TrySend(item T) bool {
	select {
	case w.items <- item:
		return true
	default:
		return false
	}
}

func (w *Worker[T]) Name() string {
	return w.name
}

func (w *Worker[T]) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
}
