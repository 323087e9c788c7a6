// Package immunity is the recovery layer: it turns raw failures into
// recorded history, circuit-breaker decisions, rollbacks, and repair
// blueprints. All policy lives here so the orchestrator can stay a thin
// pipeline.
package immunity

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"genesis/internal/bus"
	"genesis/internal/dna"
	"genesis/internal/materializer"
)

// Outcome summarizes what the supervisor did about one failure.
type Outcome struct {
	Failure            *dna.Failure
	CircuitOpened      bool
	RolledBack         bool
	BlueprintRequested string
}

// Supervisor applies recovery policy to failures.
type Supervisor struct {
	maxAttempts int
	cooldown    time.Duration
	mat         *materializer.Materializer
	bus         *bus.Bus
	logger      *zap.Logger
	now         func() time.Time
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithClock injects a clock for deterministic breaker tests.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// New creates a Supervisor. mat is used for rollbacks and may be nil in
// pipelines that never materialized anything; b may be nil when nothing
// listens for failure events.
func New(maxAttempts int, cooldown time.Duration, mat *materializer.Materializer, b *bus.Bus, logger *zap.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	s := &Supervisor{
		maxAttempts: maxAttempts,
		cooldown:    cooldown,
		mat:         mat,
		bus:         b,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ShouldAttempt reports whether work on a component is currently
// permitted under the circuit breaker.
func (s *Supervisor) ShouldAttempt(d *dna.DNA, name string) bool {
	return d.ShouldAttempt(name, s.maxAttempts, s.cooldown, s.now().UTC())
}

// ResetCircuit is the operator escape hatch: close the breaker and zero
// the attempt counter for one component.
func (s *Supervisor) ResetCircuit(d *dna.DNA, name string) {
	d.ResetCircuit(name, s.now().UTC())
	s.logger.Info("circuit breaker reset", zap.String("component", name))
}

// RecordFailure records a failure (attempts may be >1 for a batch of
// generation retries), applies recovery policy, and reports what was
// done. The DNA document is mutated but not persisted; the caller owns
// persistence.
func (s *Supervisor) RecordFailure(d *dna.DNA, name string, kind dna.FailureKind, message string, attempts int) Outcome {
	now := s.now().UTC()
	out := Outcome{Failure: d.RecordFailure(name, kind, message, attempts, now)}

	s.logger.Warn("failure recorded",
		zap.String("component", name),
		zap.String("kind", string(kind)),
		zap.Int("attempt_count", out.Failure.AttemptCount),
		zap.String("message", message))

	switch kind {
	case dna.FailureLoad, dna.FailureDependency:
		if dep, ok := extractMissingDependency(message); ok && s.isInternal(dep, name) {
			d.UpsertBlueprint(dep, fmt.Sprintf("support capability required by %s", name), nil, now)
			out.BlueprintRequested = dep
			s.logger.Info("repair blueprint requested",
				zap.String("component", name),
				zap.String("dependency", dep))
		}

	case dna.FailureActivation, dna.FailureContract:
		// The materialized source is demonstrably bad; put the last
		// known-good version back.
		out.RolledBack = s.rollback(name)
		d.MarkInactive(name, now)

	case dna.FailureRuntime:
		// One crash gets the benefit of the doubt; a component that
		// keeps dying at runtime is reverted to its previous version.
		if out.Failure.AttemptCount >= 2 {
			out.RolledBack = s.rollback(name)
		}
	}

	if !out.Failure.CircuitOpen && out.Failure.AttemptCount >= s.maxAttempts {
		d.OpenCircuit(name, now)
		out.CircuitOpened = true
		s.logger.Warn("circuit breaker opened",
			zap.String("component", name),
			zap.Int("attempts", out.Failure.AttemptCount),
			zap.Duration("cooldown", s.cooldown))
	}

	if s.bus != nil {
		s.bus.Publish(bus.Event{
			Topic:  bus.TopicFailureRecorded,
			Source: "immunity",
			Data: map[string]any{
				"component":      name,
				"kind":           string(kind),
				"message":        message,
				"attempt_count":  out.Failure.AttemptCount,
				"circuit_opened": out.CircuitOpened,
				"rolled_back":    out.RolledBack,
			},
		})
	}

	return out
}

// rollback restores the previous materialized version if one exists.
func (s *Supervisor) rollback(name string) bool {
	if s.mat == nil || !s.mat.Exists(name) {
		return false
	}
	if err := s.mat.Rollback(name); err != nil {
		s.logger.Error("rollback failed", zap.String("component", name), zap.Error(err))
		return false
	}
	return true
}

// missingDepPatterns match the loader's ways of saying an import or
// symbol could not be resolved.
var missingDepPatterns = []*regexp.Regexp{
	regexp.MustCompile(`unable to find source related to: "([^"]+)"`),
	regexp.MustCompile(`import "([^"]+)" error`),
	regexp.MustCompile(`undefined: ([A-Za-z_][A-Za-z0-9_.]*)`),
	regexp.MustCompile(`missing component "([^"]+)"`),
}

// extractMissingDependency pulls the unresolved name out of a load
// failure message.
func extractMissingDependency(message string) (string, bool) {
	for _, re := range missingDepPatterns {
		if m := re.FindStringSubmatch(message); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// isInternal decides whether a missing dependency is something the
// system could build for itself (a dotted component name) rather than an
// external package. Self-dependencies are never internal repairs.
func (s *Supervisor) isInternal(dep, failing string) bool {
	if dep == failing {
		return false
	}
	if strings.Contains(dep, "/") {
		return false
	}
	return materializer.ValidName(dep) && strings.Contains(dep, ".")
}
