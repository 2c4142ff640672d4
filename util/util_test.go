package util

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkerHandlesItemsInOrder(t *testing.T) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	got := make([]int, 0)
	done := make(chan struct{})
	w := NewWorker[int]("test", &wg, func(i int) error {
		mu.Lock()
		got = append(got, i)
		n := len(got)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
		return nil
	}, 3)
	w.Start()
	require.True(t, w.TrySend(1))
	require.True(t, w.TrySend(2))
	require.True(t, w.TrySend(3))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not drain items")
	}
	w.Stop()
	w.Stop()
	wg.Wait()
	require.Equal(t, []int{1, 2, 3}, got)
}

func TestWorkerTrySendFull(t *testing.T) {
	var wg sync.WaitGroup
	w := NewWorker[string]("full", &wg, func(string) error { return nil }, 1)
	require.True(t, w.TrySend("a"))
	require.False(t, w.TrySend("b"))
}

func TestTickWorker(t *testing.T) {
	var wg sync.WaitGroup
	ticks := make(chan struct{}, 10)
	tw := NewTickWorker("tick", 10*time.Millisecond, func(ctx context.Context) {
		select {
		case ticks <- struct{}{}:
		case <-ctx.Done():
		}
	}, &wg)
	tw.Start()
	require.True(t, tw.IsRunning())
	<-ticks
	tw.Stop()
	wg.Wait()
	require.False(t, tw.IsRunning())

	tw.Start()
	require.False(t, tw.IsRunning())
}

func TestTickWorkerStopCancelsTick(t *testing.T) {
	var wg sync.WaitGroup
	entered := make(chan struct{})
	var once sync.Once
	tw := NewTickWorker("blocking", time.Millisecond, func(ctx context.Context) {
		once.Do(func() { close(entered) })
		<-ctx.Done()
	}, &wg)
	tw.Start()
	<-entered
	tw.Stop()
	wg.Wait()
	require.False(t, tw.IsRunning())
}

func TestMarshalOutput(t *testing.T) {
	out, err := MarshalOutput(nil)
	require.NoError(t, err)
	require.Equal(t, "null", string(out))

	out, err = MarshalOutput(json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(out))

	_, err = MarshalOutput(json.RawMessage(`{"a":`))
	require.Error(t, err)

	out, err = MarshalOutput(map[string]int{"b": 2})
	require.NoError(t, err)
	require.JSONEq(t, `{"b":2}`, string(out))
}
