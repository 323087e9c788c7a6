// Package goals decides what the agent should build next and notices
// when a declared capability target has been met.
package goals

import (
	"time"

	"github.com/gobwas/glob"
	"go.uber.org/zap"

	"genesis/internal/bus"
	"genesis/internal/dna"
)

// Tracker evaluates goal satisfaction against the active component set.
type Tracker struct {
	bus    *bus.Bus
	logger *zap.Logger

	globs map[string]glob.Glob
}

// NewTracker creates a Tracker publishing satisfaction events on b.
func NewTracker(b *bus.Bus, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{bus: b, logger: logger, globs: make(map[string]glob.Glob)}
}

// RecommendNext returns the highest-priority unsatisfied goal, or nil
// when every goal is met.
func (t *Tracker) RecommendNext(d *dna.DNA) *dna.Goal {
	unsatisfied := d.UnsatisfiedGoals()
	if len(unsatisfied) == 0 {
		return nil
	}
	return unsatisfied[0]
}

// CheckSatisfaction marks goals whose patterns now match an active
// component and returns the newly satisfied ones. Each goal fires
// exactly one goal.satisfied event over its lifetime: once marked, a
// goal is never re-examined.
func (t *Tracker) CheckSatisfaction(d *dna.DNA, now time.Time) []*dna.Goal {
	var satisfied []*dna.Goal
	for _, g := range d.Goals {
		if g.Satisfied {
			continue
		}
		name, ok := t.firstMatch(g, d.Active)
		if !ok {
			continue
		}
		g.Satisfied = true
		d.Meta.UpdatedAt = now
		satisfied = append(satisfied, g)

		t.logger.Info("goal satisfied",
			zap.String("goal", g.Description),
			zap.String("matched_by", name))
		t.bus.Publish(bus.Event{
			Topic:  bus.TopicGoalSatisfied,
			Source: "goals.tracker",
			Data: map[string]any{
				"goal":       g.Description,
				"matched_by": name,
			},
		})
	}
	return satisfied
}

// AllSatisfied reports whether every goal is met.
func (t *Tracker) AllSatisfied(d *dna.DNA) bool {
	return len(d.UnsatisfiedGoals()) == 0
}

// firstMatch returns the first active component name matching any of the
// goal's patterns.
func (t *Tracker) firstMatch(g *dna.Goal, active []string) (string, bool) {
	for _, pattern := range g.Patterns {
		m := t.compile(pattern)
		if m == nil {
			continue
		}
		for _, name := range active {
			if m.Match(name) {
				return name, true
			}
		}
	}
	return "", false
}

func (t *Tracker) compile(pattern string) glob.Glob {
	if m, ok := t.globs[pattern]; ok {
		return m
	}
	m, err := glob.Compile(pattern)
	if err != nil {
		t.logger.Warn("unmatchable goal pattern", zap.String("pattern", pattern), zap.Error(err))
		t.globs[pattern] = nil
		return nil
	}
	t.globs[pattern] = m
	return m
}
