package cache

import (
	"time"

	"github.com/TriviaNFT/triviaNFT-sub002/model"
	c "github.com/patrickmn/go-cache"
)

// RunCache keeps status reads of finished runs off the store. Only terminal
// runs are cached since they never change again, apart from the archive flag.
type RunCache struct {
	cache *c.Cache
}

func NewRunCache(ttl time.Duration) *RunCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RunCache{
		cache: c.New(ttl, 2*ttl),
	}
}

func (ch *RunCache) Save(run *model.WorkflowRun) bool {
	if run == nil || !run.Status.IsTerminal() {
		return false
	}
	ch.cache.SetDefault(run.Id, run.Clone())
	return true
}

func (ch *RunCache) Get(runId string) (*model.WorkflowRun, bool) {
	v, found := ch.cache.Get(runId)
	if !found {
		return nil, false
	}
	run, ok := v.(*model.WorkflowRun)
	if !ok {
		return nil, false
	}
	return run.Clone(), true
}

func (ch *RunCache) Len() int {
	return ch.cache.ItemCount()
}
