package retry

import (
	"time"
)

type PolicyType string

const RETRY_POLICY_FIXED PolicyType = "FIXED"
const RETRY_POLICY_BACKOFF PolicyType = "BACKOFF"
const RETRY_POLICY_EXPONENTIAL PolicyType = "EXPONENTIAL"

const DEFAULT_MAX_ATTEMPTS = 3
const DEFAULT_BASE_DELAY = 2 * time.Second
const DEFAULT_MAX_DELAY = 5 * time.Minute

// Policy bounds how often and how soon a failed step is attempted again.
// MaxAttempts counts the first attempt.
type Policy struct {
	Type        PolicyType
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Type:        RETRY_POLICY_EXPONENTIAL,
		MaxAttempts: DEFAULT_MAX_ATTEMPTS,
		Base:        DEFAULT_BASE_DELAY,
		Max:         DEFAULT_MAX_DELAY,
	}
}

// Delay returns how long to wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch p.Type {
	case RETRY_POLICY_FIXED:
		d = p.Base
	case RETRY_POLICY_BACKOFF:
		d = p.Base * time.Duration(attempt)
	default:
		d = p.Base
		for i := 1; i < attempt; i++ {
			d *= 2
			if p.Max > 0 && d >= p.Max {
				break
			}
		}
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	if d < 0 {
		d = 0
	}
	return d
}

type Decision struct {
	Retry bool
	Delay time.Duration
	// Exhausted is set when a retryable failure ran out of attempts.
	Exhausted bool
}

// Decide classifies the outcome of a failed attempt. Non-retryable failures
// never retry regardless of how many attempts remain.
func (p Policy) Decide(attempt int, retryable bool) Decision {
	if !retryable {
		return Decision{}
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if attempt >= maxAttempts {
		return Decision{Exhausted: true}
	}
	return Decision{Retry: true, Delay: p.Delay(attempt)}
}

// Merge fills the zero fields of p from def.
func (p Policy) Merge(def Policy) Policy {
	if p.Type == "" {
		p.Type = def.Type
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Base == 0 {
		p.Base = def.Base
	}
	if p.Max == 0 {
		p.Max = def.Max
	}
	return p
}
