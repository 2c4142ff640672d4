package executor

import (
	"context"

	"github.com/TriviaNFT/triviaNFT-sub002/model"
)

type Executor interface {
	Name() string
	Start()
	Stop()
	IsRunning() bool
}

// Advancer moves a run forward for one work item.
type Advancer interface {
	Advance(ctx context.Context, req model.WorkRequest) error
}
