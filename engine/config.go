package engine

import (
	"time"

	"github.com/TriviaNFT/triviaNFT-sub002/retry"
)

const DEFAULT_STEP_TIMEOUT = 5 * time.Minute
const DEFAULT_STALE_RUN_GRACE = 10 * time.Minute

type Config struct {
	StepTimeout time.Duration
	// StaleRunGrace must exceed StepTimeout, otherwise a slow but healthy
	// step can be claimed by the recovery sweep.
	StaleRunGrace time.Duration
	DefaultRetry  retry.Policy
}

func (c Config) withDefaults() Config {
	if c.StepTimeout <= 0 {
		c.StepTimeout = DEFAULT_STEP_TIMEOUT
	}
	if c.StaleRunGrace <= 0 {
		c.StaleRunGrace = DEFAULT_STALE_RUN_GRACE
	}
	if c.StaleRunGrace <= c.StepTimeout {
		c.StaleRunGrace = 2 * c.StepTimeout
	}
	c.DefaultRetry = c.DefaultRetry.Merge(retry.DefaultPolicy())
	return c
}
