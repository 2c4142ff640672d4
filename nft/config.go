package nft

import (
	"time"

	"github.com/TriviaNFT/triviaNFT-sub002/flow"
	"github.com/TriviaNFT/triviaNFT-sub002/retry"
)

const DEFAULT_CONFIRMATION_WAIT = 120 * time.Second
const CONFIRMATION_MAX_ATTEMPTS = 10

type Config struct {
	// ConfirmationWait is the durable sleep between a submission and its first confirmation check.
	ConfirmationWait  time.Duration
	ConfirmationRetry retry.Policy
	Now               func() time.Time
}

func DefaultConfig() Config {
	return Config{
		ConfirmationWait: DEFAULT_CONFIRMATION_WAIT,
		ConfirmationRetry: retry.Policy{
			Type:        retry.RETRY_POLICY_EXPONENTIAL,
			MaxAttempts: CONFIRMATION_MAX_ATTEMPTS,
			Base:        15 * time.Second,
			Max:         2 * time.Minute,
		},
		Now: time.Now,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ConfirmationWait <= 0 {
		c.ConfirmationWait = def.ConfirmationWait
	}
	c.ConfirmationRetry = c.ConfirmationRetry.Merge(def.ConfirmationRetry)
	if c.Now == nil {
		c.Now = def.Now
	}
	return c
}

// Register adds the mint and forge definitions to the registry.
func Register(registry *flow.Registry, host Host, conf Config) error {
	if err := registry.Register(NewMintDefinition(host, conf)); err != nil {
		return err
	}
	return registry.Register(NewForgeDefinition(host, conf))
}
