package config

import "time"

// Swarm holds the recognized configuration options of §6: concurrency and
// cascade-prevention knobs for the Runner and CascadeGuard.
type Swarm struct {
	// MaxConcurrency bounds in-flight agent turns. Must be >= 1.
	MaxConcurrency int

	// MaxChainDepth bounds correlation chain length. Must be >= 1.
	MaxChainDepth int

	// Cooldown is the minimum interval between triggers of the same agent.
	Cooldown time.Duration

	// TurnTimeout bounds a single Kernel.Turn call.
	TurnTimeout time.Duration

	// TriggerQueueCapacity bounds the in-memory trigger queue. Must be >= 1.
	TriggerQueueCapacity int

	// CorrelationTTL bounds how long a quiesced correlation chain's ledger
	// entries are retained before garbage collection.
	CorrelationTTL time.Duration

	// ShutdownGrace bounds how long Shutdown waits for in-flight turns
	// before forcibly cancelling them.
	ShutdownGrace time.Duration
}

// DefaultSwarm returns the default configuration.
func DefaultSwarm() Swarm {
	return Swarm{
		MaxConcurrency:       4,
		MaxChainDepth:        10,
		Cooldown:             0,
		TurnTimeout:          30 * time.Second,
		TriggerQueueCapacity: 1024,
		CorrelationTTL:       60 * time.Second,
		ShutdownGrace:        5 * time.Second,
	}
}

// SwarmFromValues builds a Swarm configuration from loosely typed Values,
// falling back to DefaultSwarm() for any option not present.
func SwarmFromValues(v Values) Swarm {
	d := DefaultSwarm()
	return Swarm{
		MaxConcurrency:       v.Int("max_concurrency", d.MaxConcurrency),
		MaxChainDepth:        v.Int("max_chain_depth", d.MaxChainDepth),
		Cooldown:             v.Duration("cooldown_ms", d.Cooldown),
		TurnTimeout:          v.Duration("turn_timeout_ms", d.TurnTimeout),
		TriggerQueueCapacity: v.Int("trigger_queue_capacity", d.TriggerQueueCapacity),
		CorrelationTTL:       v.Duration("correlation_ttl_ms", d.CorrelationTTL),
		ShutdownGrace:        v.Duration("shutdown_grace_ms", d.ShutdownGrace),
	}
}

// Validate checks the invariants spec.md §6 requires of each option.
func (s Swarm) Validate() error {
	switch {
	case s.MaxConcurrency < 1:
		return errInvalid("max_concurrency must be >= 1")
	case s.MaxChainDepth < 1:
		return errInvalid("max_chain_depth must be >= 1")
	case s.Cooldown < 0:
		return errInvalid("cooldown_ms must be >= 0")
	case s.TurnTimeout < time.Millisecond:
		return errInvalid("turn_timeout_ms must be >= 1")
	case s.TriggerQueueCapacity < 1:
		return errInvalid("trigger_queue_capacity must be >= 1")
	case s.CorrelationTTL < 0:
		return errInvalid("correlation_ttl_ms must be >= 0")
	case s.ShutdownGrace < 0:
		return errInvalid("shutdown_grace_ms must be >= 0")
	}
	return nil
}

type configError string

func (e configError) Error() string { return string(e) }

func errInvalid(msg string) error { return configError(msg) }
