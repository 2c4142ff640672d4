package cache

import (
	"testing"
	"time"

	"github.com/TriviaNFT/triviaNFT-sub002/model"
	"github.com/stretchr/testify/require"
)

func TestRunCache(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ch := NewRunCache(time.Minute)

	running := model.NewWorkflowRun("r1", "mint", "k1", nil, now)
	running.Status = model.RUNNING
	require.False(t, ch.Save(running))
	_, ok := ch.Get("r1")
	require.False(t, ok)

	done := model.NewWorkflowRun("r2", "mint", "k2", nil, now)
	done.MarkCompleted(now)
	require.True(t, ch.Save(done))

	got, ok := ch.Get("r2")
	require.True(t, ok)
	require.Equal(t, model.COMPLETED, got.Status)
	got.Status = model.FAILED
	again, _ := ch.Get("r2")
	require.Equal(t, model.COMPLETED, again.Status)
	require.Equal(t, 1, ch.Len())
}
