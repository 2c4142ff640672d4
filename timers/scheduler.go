package timers

import (
	"context"
	"time"

	"github.com/TriviaNFT/triviaNFT-sub002/model"
	"github.com/TriviaNFT/triviaNFT-sub002/persistence"
	"github.com/google/uuid"
)

// Scheduler turns delays into persisted SleepTimer rows and hands out due ones.
// Timers are written in the same transaction as the step that requested them,
// so Schedule only builds the row.
type Scheduler struct {
	storage persistence.Storage
	now     func() time.Time
}

func NewScheduler(storage persistence.Storage, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		storage: storage,
		now:     now,
	}
}

func (s *Scheduler) Schedule(runId string, stepIndex int, kind model.TimerKind, wakeAt time.Time) *model.SleepTimer {
	return &model.SleepTimer{
		Id:        uuid.NewString(),
		RunId:     runId,
		StepIndex: stepIndex,
		Kind:      kind,
		WakeAt:    wakeAt,
		CreatedAt: s.now(),
	}
}

// PollDue atomically consumes due timers. A timer is returned by at most one caller.
func (s *Scheduler) PollDue(ctx context.Context, limit int) ([]model.SleepTimer, error) {
	return s.storage.ClaimDueTimers(ctx, s.now(), limit)
}
