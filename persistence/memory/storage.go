package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/TriviaNFT/triviaNFT-sub002/model"
	"github.com/TriviaNFT/triviaNFT-sub002/persistence"
)

type stepKey struct {
	stepIndex int
	attempt   int
}

type runEntry struct {
	run       *model.WorkflowRun
	records   map[stepKey]model.StepRecord
	succeeded map[int]int
}

// memoryStorage keeps everything behind one mutex, which makes every
// operation trivially atomic. Nothing survives a restart.
type memoryStorage struct {
	mu     sync.Mutex
	runs   map[string]*runEntry
	active map[string]string
	byKey  map[string][]string
	timers map[string]*model.SleepTimer
}

var _ persistence.Storage = new(memoryStorage)

func NewMemoryStorage() *memoryStorage {
	return &memoryStorage{
		runs:   make(map[string]*runEntry),
		active: make(map[string]string),
		byKey:  make(map[string][]string),
		timers: make(map[string]*model.SleepTimer),
	}
}

func idempotencyKey(definitionName string, key string) string {
	return definitionName + "|" + key
}

func (s *memoryStorage) CreateRunIfAbsent(ctx context.Context, run *model.WorkflowRun) (*model.WorkflowRun, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idempotencyKey(run.DefinitionName, run.IdempotencyKey)
	if existingId, ok := s.active[k]; ok {
		return s.runs[existingId].run.Clone(), false, nil
	}
	stored := run.Clone()
	stored.Lease = ""
	s.runs[stored.Id] = &runEntry{
		run:       stored,
		records:   make(map[stepKey]model.StepRecord),
		succeeded: make(map[int]int),
	}
	s.active[k] = stored.Id
	s.byKey[k] = append(s.byKey[k], stored.Id)
	return stored.Clone(), true, nil
}

func (s *memoryStorage) GetRun(ctx context.Context, runId string) (*model.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[runId]
	if !ok {
		return nil, persistence.ErrRunNotFound
	}
	return e.run.Clone(), nil
}

func (s *memoryStorage) GetRunByKey(ctx context.Context, definitionName string, key string) (*model.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idempotencyKey(definitionName, key)
	if id, ok := s.active[k]; ok {
		return s.runs[id].run.Clone(), nil
	}
	ids := s.byKey[k]
	if len(ids) == 0 {
		return nil, persistence.ErrRunNotFound
	}
	return s.runs[ids[len(ids)-1]].run.Clone(), nil
}

func (s *memoryStorage) GetStepRecords(ctx context.Context, runId string) ([]model.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[runId]
	if !ok {
		return []model.StepRecord{}, nil
	}
	records := make([]model.StepRecord, 0, len(e.records))
	for _, rec := range e.records {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].StepIndex != records[j].StepIndex {
			return records[i].StepIndex < records[j].StepIndex
		}
		return records[i].Attempt < records[j].Attempt
	})
	return records, nil
}

func (s *memoryStorage) ClaimRun(ctx context.Context, runId string, lease string, now time.Time, staleBefore time.Time) (*model.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[runId]
	if !ok {
		return nil, persistence.ErrRunNotFound
	}
	run := e.run
	claimable := run.Status == model.PENDING || (run.Status == model.RUNNING && run.UpdatedAt.Before(staleBefore))
	if !claimable {
		return nil, persistence.ErrRunNotClaimable
	}
	run.Status = model.RUNNING
	run.Lease = lease
	run.UpdatedAt = now
	return run.Clone(), nil
}

func (s *memoryStorage) leased(runId string, lease string) (*runEntry, error) {
	e, ok := s.runs[runId]
	if !ok {
		return nil, persistence.ErrRunNotFound
	}
	if lease == "" || e.run.Lease != lease {
		return nil, persistence.ErrLeaseLost
	}
	return e, nil
}

func (s *memoryStorage) StartStep(ctx context.Context, lease string, rec *model.StepRecord, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.leased(rec.RunId, lease)
	if err != nil {
		return err
	}
	if _, ok := e.succeeded[rec.StepIndex]; ok {
		return persistence.ErrStepAlreadySucceeded
	}
	key := stepKey{rec.StepIndex, rec.Attempt}
	if existing, ok := e.records[key]; ok && !existing.IsOpen() {
		return persistence.StorageLayerError{Message: "step attempt already closed"}
	}
	e.records[key] = *rec
	e.run.UpdatedAt = now
	return nil
}

func (s *memoryStorage) FinishStep(ctx context.Context, lease string, rec *model.StepRecord, run *model.WorkflowRun, timer *model.SleepTimer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.leased(run.Id, lease)
	if err != nil {
		return err
	}
	if rec != nil {
		if _, ok := e.succeeded[rec.StepIndex]; ok {
			return persistence.ErrStepAlreadySucceeded
		}
		e.records[stepKey{rec.StepIndex, rec.Attempt}] = *rec
		if rec.Status == model.STEP_SUCCEEDED {
			e.succeeded[rec.StepIndex] = rec.Attempt
		}
	}
	s.applyRun(e, run, lease)
	if timer != nil {
		t := *timer
		s.timers[t.Id] = &t
	}
	return nil
}

func (s *memoryStorage) SaveRun(ctx context.Context, lease string, run *model.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.leased(run.Id, lease)
	if err != nil {
		return err
	}
	s.applyRun(e, run, lease)
	return nil
}

func (s *memoryStorage) applyRun(e *runEntry, run *model.WorkflowRun, lease string) {
	stored := e.run
	stored.CurrentStep = run.CurrentStep
	stored.Status = run.Status
	stored.Error = nil
	if run.Error != nil {
		runErr := *run.Error
		stored.Error = &runErr
	}
	stored.UpdatedAt = run.UpdatedAt
	stored.FinishedAt = nil
	if run.FinishedAt != nil {
		f := *run.FinishedAt
		stored.FinishedAt = &f
	}
	if run.Status == model.RUNNING {
		stored.Lease = lease
	} else {
		stored.Lease = ""
	}
	if run.Status == model.FAILED {
		k := idempotencyKey(stored.DefinitionName, stored.IdempotencyKey)
		if s.active[k] == stored.Id {
			delete(s.active, k)
		}
	}
}

func (s *memoryStorage) ClaimDueTimers(ctx context.Context, now time.Time, limit int) ([]model.SleepTimer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := make([]*model.SleepTimer, 0)
	for _, t := range s.timers {
		if !t.Consumed && !t.WakeAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].WakeAt.Before(due[j].WakeAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	fired := make([]model.SleepTimer, 0, len(due))
	for _, t := range due {
		t.Consumed = true
		if e, ok := s.runs[t.RunId]; ok && e.run.Status == model.SLEEPING {
			e.run.Status = model.PENDING
			e.run.UpdatedAt = now
		}
		fired = append(fired, *t)
	}
	return fired, nil
}

func (s *memoryStorage) ListStaleRuns(ctx context.Context, staleBefore time.Time, limit int) ([]*model.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stale := make([]*model.WorkflowRun, 0)
	for _, e := range s.runs {
		r := e.run
		if (r.Status == model.PENDING || r.Status == model.RUNNING) && r.UpdatedAt.Before(staleBefore) {
			stale = append(stale, r.Clone())
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (s *memoryStorage) ArchiveRuns(ctx context.Context, finishedBefore time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	candidates := make([]*model.WorkflowRun, 0)
	for _, e := range s.runs {
		r := e.run
		if r.Status.IsTerminal() && !r.Archived && r.FinishedAt != nil && r.FinishedAt.Before(finishedBefore) {
			candidates = append(candidates, r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].FinishedAt.Before(*candidates[j].FinishedAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	for _, r := range candidates {
		r.Archived = true
	}
	return len(candidates), nil
}

func (s *memoryStorage) Ping(ctx context.Context) error {
	return nil
}

func (s *memoryStorage) Close() error {
	return nil
}
