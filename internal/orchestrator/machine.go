package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/spigell/mentor-matcher/internal/ai"
)

// State is a node of the per-request retry state machine.
type State string

const (
	StateIdle       State = "idle"
	StateAttempting State = "attempting"
	StateSuccess    State = "success"
	StateRetrying   State = "retrying"
	StateFailover   State = "failover"
	StateExhausted  State = "exhausted"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateExhausted || s == StateCancelled
}

// ErrCancelled marks an attempt aborted because the caller gave up.
var ErrCancelled = errors.New("cancelled by caller")

type Config struct {
	// MaxRetries is the number of extra calls to one provider after the first.
	MaxRetries  int           `mapstructure:"max-retries"`
	BaseBackoff time.Duration `mapstructure:"base-backoff"`
	MaxBackoff  time.Duration `mapstructure:"max-backoff"`
	CallTimeout time.Duration `mapstructure:"call-timeout"`
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  30 * time.Second,
		CallTimeout: 30 * time.Second,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	return c
}

// Step is the machine position: which provider, which attempt on it and how
// long to wait before the next attempt.
type Step struct {
	State     State
	Provider  int
	Attempt   int
	Providers int
	Wait      time.Duration
}

// Next returns the step that follows step given the outcome err of the last
// attempt. err is only inspected in StateAttempting.
func Next(step Step, err error, cfg Config) Step {
	cfg = cfg.normalized()

	switch step.State {
	case StateIdle:
		if step.Providers <= 0 {
			return Step{State: StateExhausted, Providers: step.Providers}
		}
		return Step{State: StateAttempting, Provider: 0, Attempt: 1, Providers: step.Providers}

	case StateRetrying, StateFailover:
		step.State = StateAttempting
		step.Wait = 0
		return step

	case StateAttempting:
		if err == nil {
			step.State = StateSuccess
			return step
		}
		if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
			step.State = StateCancelled
			return step
		}

		switch ai.KindOf(err) {
		case ai.KindTransient, ai.KindInvalidResponse:
			if step.Attempt <= cfg.MaxRetries {
				wait := ai.RetryAfter(err)
				if wait <= 0 {
					wait = Backoff(step.Attempt, cfg)
				}
				return Step{
					State:     StateRetrying,
					Provider:  step.Provider,
					Attempt:   step.Attempt + 1,
					Providers: step.Providers,
					Wait:      wait,
				}
			}
		}
		return failover(step)
	}

	return step
}

func failover(step Step) Step {
	if step.Provider+1 < step.Providers {
		return Step{State: StateFailover, Provider: step.Provider + 1, Attempt: 1, Providers: step.Providers}
	}
	return Step{State: StateExhausted, Provider: step.Provider, Attempt: step.Attempt, Providers: step.Providers}
}

// Backoff is BaseBackoff·2^(failed-1), capped at MaxBackoff.
func Backoff(failed int, cfg Config) time.Duration {
	cfg = cfg.normalized()
	if failed < 1 {
		failed = 1
	}

	d := cfg.BaseBackoff
	for i := 1; i < failed; i++ {
		d *= 2
		if d >= cfg.MaxBackoff {
			return cfg.MaxBackoff
		}
	}
	if d > cfg.MaxBackoff {
		return cfg.MaxBackoff
	}
	return d
}
