package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/TriviaNFT/triviaNFT-sub002/logger"
	"github.com/TriviaNFT/triviaNFT-sub002/model"
	"github.com/TriviaNFT/triviaNFT-sub002/persistence"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrEmptyKey = errors.New("idempotency key must not be empty")

type Result struct {
	Run     *model.WorkflowRun
	Created bool
}

// Guard maps (definition, idempotency key) to at most one live run. A key
// whose run completed keeps suppressing duplicates, a key whose run failed
// can be triggered again.
type Guard struct {
	storage persistence.Storage
	now     func() time.Time
}

func NewGuard(storage persistence.Storage, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	return &Guard{storage: storage, now: now}
}

func (g *Guard) Acquire(ctx context.Context, definitionName string, idempotencyKey string, input json.RawMessage) (*Result, error) {
	if idempotencyKey == "" {
		return nil, ErrEmptyKey
	}
	run := model.NewWorkflowRun(uuid.NewString(), definitionName, idempotencyKey, input, g.now())
	stored, created, err := g.storage.CreateRunIfAbsent(ctx, run)
	if err != nil {
		return nil, err
	}
	if created {
		logger.Info("workflow run created", zap.String("Workflow", definitionName), zap.String("RunId", stored.Id), zap.String("key", idempotencyKey))
	} else {
		logger.Info("duplicate trigger suppressed", zap.String("Workflow", definitionName), zap.String("RunId", stored.Id),
			zap.String("key", idempotencyKey), zap.String("status", string(stored.Status)))
	}
	return &Result{Run: stored, Created: created}, nil
}
