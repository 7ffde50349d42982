package resilience

import (
	"strings"
	"time"
)

// Config bounds retries and circuit breaking for every outbound call made while
// answering a question. A question holds a user waiting, so the defaults keep
// the total retry budget well under a second.
type Config struct {
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	RetryMultiplier     float64

	// OperationAttempts caps attempts for operations whose name starts with
	// the key. The longest matching prefix wins.
	OperationAttempts map[string]int

	BreakerEnabled          bool
	BreakerMinRequests      uint32
	BreakerFailureRatio     float64
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenMaxCalls uint32
}

func DefaultConfig() Config {
	return Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 100 * time.Millisecond,
		RetryMaxBackoff:     400 * time.Millisecond,
		RetryMultiplier:     2.0,

		BreakerEnabled:          true,
		BreakerMinRequests:      10,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      30 * time.Second,
		BreakerHalfOpenMaxCalls: 2,
	}
}

// GenerationOperations are the operation prefixes of model generation calls.
var GenerationOperations = []string{"ollama.generate", "openai.generate"}

// WithGenerationAttempts caps attempts for model generation calls, which are
// slow enough that a retry usually costs more than a refusal.
func (c Config) WithGenerationAttempts(attempts int) Config {
	if attempts <= 0 {
		return c
	}
	out := c
	out.OperationAttempts = make(map[string]int, len(c.OperationAttempts)+len(GenerationOperations))
	for k, v := range c.OperationAttempts {
		out.OperationAttempts[k] = v
	}
	for _, op := range GenerationOperations {
		out.OperationAttempts[op] = attempts
	}
	return out
}

func (c Config) attemptsFor(operation string) int {
	best, bestLen := c.RetryMaxAttempts, -1
	for prefix, attempts := range c.OperationAttempts {
		if attempts <= 0 || !strings.HasPrefix(operation, prefix) || len(prefix) <= bestLen {
			continue
		}
		best, bestLen = attempts, len(prefix)
	}
	return best
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	out := c

	out.RetryMaxAttempts = positiveOr(out.RetryMaxAttempts, def.RetryMaxAttempts)
	out.RetryInitialBackoff = positiveOr(out.RetryInitialBackoff, def.RetryInitialBackoff)
	out.RetryMaxBackoff = max(positiveOr(out.RetryMaxBackoff, def.RetryMaxBackoff), out.RetryInitialBackoff)
	if out.RetryMultiplier < 1.0 {
		out.RetryMultiplier = def.RetryMultiplier
	}

	out.BreakerMinRequests = positiveOr(out.BreakerMinRequests, def.BreakerMinRequests)
	if out.BreakerFailureRatio <= 0 || out.BreakerFailureRatio > 1 {
		out.BreakerFailureRatio = def.BreakerFailureRatio
	}
	out.BreakerOpenTimeout = positiveOr(out.BreakerOpenTimeout, def.BreakerOpenTimeout)
	out.BreakerHalfOpenMaxCalls = positiveOr(out.BreakerHalfOpenMaxCalls, def.BreakerHalfOpenMaxCalls)
	return out
}

func positiveOr[T int | uint32 | time.Duration](v, fallback T) T {
	if v <= 0 {
		return fallback
	}
	return v
}
