// Package dna holds the persistent self-model of a genesis agent: its
// goals, the blueprint of every component it has designed, the set of
// currently active components, and its failure history. The document is
// the single source of truth across restarts.
package dna

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SchemaVersion is written into every document so future revisions can
// migrate old state.
const SchemaVersion = "3"

// FailureKind classifies a recorded failure. Kinds are stable strings
// because they are persisted.
type FailureKind string

const (
	FailureParse      FailureKind = "parse"
	FailureSecurity   FailureKind = "security"
	FailureContract   FailureKind = "contract"
	FailurePath       FailureKind = "path"
	FailureWrite      FailureKind = "write"
	FailureLoad       FailureKind = "load"
	FailureActivation FailureKind = "activation"
	FailureIntegrity  FailureKind = "integrity"
	FailureDependency FailureKind = "dependency"
	FailureTimeout    FailureKind = "timeout"
	FailureGeneration FailureKind = "generation"
	FailureRuntime    FailureKind = "runtime"
)

// Blueprint records a designed component. A blueprint may exist before
// any code does; it becomes buildable once its dependencies are active.
type Blueprint struct {
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Dependencies []string  `json:"dependencies,omitempty"`
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Goal is a declarative capability target. Patterns are matched against
// active component names to decide satisfaction.
type Goal struct {
	Description string    `json:"description"`
	Patterns    []string  `json:"patterns"`
	Priority    int       `json:"priority"`
	Satisfied   bool      `json:"satisfied"`
	CreatedAt   time.Time `json:"created_at"`
}

// Failure is the per-component failure record. One record per component
// name; repeated failures update it in place and bump the attempt count.
type Failure struct {
	Component       string      `json:"component"`
	Kind            FailureKind `json:"kind"`
	Message         string      `json:"message"`
	Timestamp       time.Time   `json:"timestamp"`
	AttemptCount    int         `json:"attempt_count"`
	CircuitOpen     bool        `json:"circuit_open"`
	CircuitOpenedAt *time.Time  `json:"circuit_opened_at,omitempty"`
}

// Metadata carries run counters and provenance.
type Metadata struct {
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	EvolutionCount int       `json:"evolution_count"`
	TotalFailures  int       `json:"total_failures"`
	LastComponent  string    `json:"last_component,omitempty"`
}

// DNA is the whole persisted document.
type DNA struct {
	Schema    string                `json:"schema"`
	Name      string                `json:"name"`
	Goals     []*Goal               `json:"goals"`
	Blueprint map[string]*Blueprint `json:"blueprint"`
	Active    []string              `json:"active"`
	Failures  []*Failure            `json:"failures"`
	Meta      Metadata              `json:"meta"`
}

// New returns an empty document seeded with the given goals.
func New(name string, goals []*Goal, now time.Time) *DNA {
	for _, g := range goals {
		if g.CreatedAt.IsZero() {
			g.CreatedAt = now
		}
	}
	return &DNA{
		Schema:    SchemaVersion,
		Name:      name,
		Goals:     goals,
		Blueprint: make(map[string]*Blueprint),
		Active:    []string{},
		Failures:  []*Failure{},
		Meta:      Metadata{CreatedAt: now, UpdatedAt: now},
	}
}

// Validate checks structural invariants. Every active name must have a
// blueprint entry, and failure records must be unique per component.
func (d *DNA) Validate() error {
	for _, name := range d.Active {
		if _, ok := d.Blueprint[name]; !ok {
			return fmt.Errorf("active component %q has no blueprint entry", name)
		}
	}
	seen := make(map[string]bool, len(d.Failures))
	for _, f := range d.Failures {
		if seen[f.Component] {
			return fmt.Errorf("duplicate failure record for %q", f.Component)
		}
		seen[f.Component] = true
	}
	return nil
}

// ==========================================================================
// BLUEPRINT OPERATIONS
// ==========================================================================

// UpsertBlueprint records a designed component. Re-designing an existing
// component bumps its version and refreshes the description.
func (d *DNA) UpsertBlueprint(name, description string, deps []string, now time.Time) *Blueprint {
	if bp, ok := d.Blueprint[name]; ok {
		bp.Description = description
		if deps != nil {
			bp.Dependencies = deps
		}
		bp.Version++
		bp.UpdatedAt = now
		d.Meta.UpdatedAt = now
		return bp
	}
	bp := &Blueprint{
		Name:         name,
		Description:  description,
		Dependencies: deps,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	d.Blueprint[name] = bp
	d.Meta.UpdatedAt = now
	return bp
}

// PendingBlueprints returns blueprints with no active component, sorted
// by name for deterministic cycles. Only blueprints whose dependencies
// are all satisfied are returned; the rest wait. A dependency is either
// an exact component name or a prefix wildcard like "sensors.*".
func (d *DNA) PendingBlueprints() []*Blueprint {
	active := make(map[string]bool, len(d.Active))
	for _, name := range d.Active {
		active[name] = true
	}

	var pending []*Blueprint
	for name, bp := range d.Blueprint {
		if active[name] {
			continue
		}
		ready := true
		for _, dep := range bp.Dependencies {
			if !d.depSatisfied(dep, active) {
				ready = false
				break
			}
		}
		if ready {
			pending = append(pending, bp)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Name < pending[j].Name })
	return pending
}

func (d *DNA) depSatisfied(dep string, active map[string]bool) bool {
	if active[dep] {
		return true
	}
	if prefix, ok := strings.CutSuffix(dep, ".*"); ok {
		for name := range active {
			if strings.HasPrefix(name, prefix+".") {
				return true
			}
		}
	}
	return false
}

// ==========================================================================
// ACTIVE SET
// ==========================================================================

// IsActive reports whether the named component is in the active set.
func (d *DNA) IsActive(name string) bool {
	for _, n := range d.Active {
		if n == name {
			return true
		}
	}
	return false
}

// MarkActive adds a component to the active set. Idempotent.
func (d *DNA) MarkActive(name string, now time.Time) {
	if d.IsActive(name) {
		return
	}
	d.Active = append(d.Active, name)
	sort.Strings(d.Active)
	d.Meta.LastComponent = name
	d.Meta.UpdatedAt = now
}

// MarkInactive removes a component from the active set. Idempotent.
func (d *DNA) MarkInactive(name string, now time.Time) {
	for i, n := range d.Active {
		if n == name {
			d.Active = append(d.Active[:i], d.Active[i+1:]...)
			d.Meta.UpdatedAt = now
			return
		}
	}
}

// ==========================================================================
// FAILURE HISTORY AND CIRCUIT BREAKER
// ==========================================================================

// FindFailure returns the failure record for a component, or nil.
func (d *DNA) FindFailure(component string) *Failure {
	for _, f := range d.Failures {
		if f.Component == component {
			return f
		}
	}
	return nil
}

// RecordFailure upserts the failure record for a component, adding n to
// its attempt count. The aggregate failure total always grows; records
// are never silently discarded.
func (d *DNA) RecordFailure(component string, kind FailureKind, message string, n int, now time.Time) *Failure {
	if n < 1 {
		n = 1
	}
	d.Meta.TotalFailures += n
	d.Meta.UpdatedAt = now

	if f := d.FindFailure(component); f != nil {
		f.Kind = kind
		f.Message = message
		f.Timestamp = now
		f.AttemptCount += n
		return f
	}
	f := &Failure{
		Component:    component,
		Kind:         kind,
		Message:      message,
		Timestamp:    now,
		AttemptCount: n,
	}
	d.Failures = append(d.Failures, f)
	return f
}

// ClearFailure removes the failure record after a success, resetting the
// attempt counter for that component. The aggregate total is preserved.
func (d *DNA) ClearFailure(component string, now time.Time) {
	for i, f := range d.Failures {
		if f.Component == component {
			d.Failures = append(d.Failures[:i], d.Failures[i+1:]...)
			d.Meta.UpdatedAt = now
			return
		}
	}
}

// OpenCircuit marks a component's breaker open at the given instant.
func (d *DNA) OpenCircuit(component string, now time.Time) {
	f := d.FindFailure(component)
	if f == nil {
		f = d.RecordFailure(component, FailureRuntime, "circuit opened", 0, now)
	}
	f.CircuitOpen = true
	at := now
	f.CircuitOpenedAt = &at
	d.Meta.UpdatedAt = now
}

// ResetCircuit closes the breaker and clears the attempt counter without
// touching the aggregate failure total. Used by the operator escape hatch.
func (d *DNA) ResetCircuit(component string, now time.Time) {
	f := d.FindFailure(component)
	if f == nil {
		return
	}
	f.CircuitOpen = false
	f.CircuitOpenedAt = nil
	f.AttemptCount = 0
	d.Meta.UpdatedAt = now
}

// ShouldAttempt decides whether work on a component is permitted under
// the circuit breaker. An open breaker blocks until cooldown has elapsed
// since it opened; expiry closes the breaker and permits one attempt.
// Reaching maxAttempts opens the breaker.
func (d *DNA) ShouldAttempt(component string, maxAttempts int, cooldown time.Duration, now time.Time) bool {
	f := d.FindFailure(component)
	if f == nil {
		return true
	}

	if f.CircuitOpen {
		if f.CircuitOpenedAt != nil && now.Sub(*f.CircuitOpenedAt) >= cooldown {
			f.CircuitOpen = false
			f.CircuitOpenedAt = nil
			d.Meta.UpdatedAt = now
			return true
		}
		return false
	}

	if f.AttemptCount >= maxAttempts {
		d.OpenCircuit(component, now)
		return false
	}
	return true
}

// OpenCircuits returns the names of components whose breaker is open.
func (d *DNA) OpenCircuits() []string {
	var names []string
	for _, f := range d.Failures {
		if f.CircuitOpen {
			names = append(names, f.Component)
		}
	}
	sort.Strings(names)
	return names
}

// ==========================================================================
// GOALS
// ==========================================================================

// UnsatisfiedGoals returns goals not yet satisfied, highest priority
// first. Ties keep declaration order.
func (d *DNA) UnsatisfiedGoals() []*Goal {
	var out []*Goal
	for _, g := range d.Goals {
		if !g.Satisfied {
			out = append(out, g)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// AddGoal appends a new goal.
func (d *DNA) AddGoal(description string, patterns []string, priority int, now time.Time) *Goal {
	g := &Goal{
		Description: description,
		Patterns:    patterns,
		Priority:    priority,
		CreatedAt:   now,
	}
	d.Goals = append(d.Goals, g)
	d.Meta.UpdatedAt = now
	return g
}
