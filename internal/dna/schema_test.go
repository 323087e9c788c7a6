package dna

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestDNA(t *testing.T) *DNA {
	t.Helper()
	return New("test-agent", []*Goal{
		{Description: "have perception", Patterns: []string{"sensors.*"}, Priority: 10},
		{Description: "have memory", Patterns: []string{"memory.recall"}, Priority: 5},
	}, t0)
}

func TestRecordFailureUpserts(t *testing.T) {
	d := newTestDNA(t)

	f1 := d.RecordFailure("sensors.motion", FailureSecurity, "forbidden import", 1, t0)
	assert.Equal(t, 1, f1.AttemptCount)
	assert.Len(t, d.Failures, 1)

	f2 := d.RecordFailure("sensors.motion", FailureParse, "syntax error", 1, t0.Add(time.Minute))
	assert.Same(t, f1, f2)
	assert.Equal(t, 2, f2.AttemptCount)
	assert.Equal(t, FailureParse, f2.Kind)
	assert.Len(t, d.Failures, 1)
	assert.Equal(t, 2, d.Meta.TotalFailures)
}

func TestRecordFailureBatchCount(t *testing.T) {
	d := newTestDNA(t)

	f := d.RecordFailure("sensors.motion", FailureGeneration, "exhausted retries", 3, t0)
	assert.Equal(t, 3, f.AttemptCount)
	assert.Equal(t, 3, d.Meta.TotalFailures)
}

func TestClearFailureResetsComponentCounter(t *testing.T) {
	d := newTestDNA(t)
	d.RecordFailure("sensors.motion", FailureLoad, "boom", 2, t0)

	d.ClearFailure("sensors.motion", t0.Add(time.Minute))

	assert.Nil(t, d.FindFailure("sensors.motion"))
	// Aggregate history survives individual clears.
	assert.Equal(t, 2, d.Meta.TotalFailures)
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	d := newTestDNA(t)
	const maxAttempts = 3
	cooldown := 30 * time.Second

	// Three failures at t+0s, t+1s, t+2s.
	for i := 0; i < maxAttempts; i++ {
		now := t0.Add(time.Duration(i) * time.Second)
		require.True(t, d.ShouldAttempt("sensors.motion", maxAttempts, cooldown, now))
		d.RecordFailure("sensors.motion", FailureLoad, "boom", 1, now)
	}

	// Blocked from t+3s until cooldown elapses.
	assert.False(t, d.ShouldAttempt("sensors.motion", maxAttempts, cooldown, t0.Add(3*time.Second)))
	f := d.FindFailure("sensors.motion")
	require.NotNil(t, f)
	assert.True(t, f.CircuitOpen)
	require.NotNil(t, f.CircuitOpenedAt)

	openedAt := *f.CircuitOpenedAt
	assert.False(t, d.ShouldAttempt("sensors.motion", maxAttempts, cooldown, openedAt.Add(29*time.Second)))

	// Cooldown elapsed: breaker closes and one attempt is permitted.
	assert.True(t, d.ShouldAttempt("sensors.motion", maxAttempts, cooldown, openedAt.Add(31*time.Second)))
	assert.False(t, f.CircuitOpen)
}

func TestResetCircuitClearsBreakerOnly(t *testing.T) {
	d := newTestDNA(t)
	d.RecordFailure("sensors.motion", FailureLoad, "boom", 3, t0)
	d.OpenCircuit("sensors.motion", t0)

	d.ResetCircuit("sensors.motion", t0.Add(time.Second))

	f := d.FindFailure("sensors.motion")
	require.NotNil(t, f)
	assert.False(t, f.CircuitOpen)
	assert.Nil(t, f.CircuitOpenedAt)
	assert.Equal(t, 0, f.AttemptCount)
	assert.Equal(t, 3, d.Meta.TotalFailures)
}

func TestShouldAttemptUnknownComponent(t *testing.T) {
	d := newTestDNA(t)
	assert.True(t, d.ShouldAttempt("never.seen", 3, time.Minute, t0))
}

func TestUpsertBlueprintBumpsVersion(t *testing.T) {
	d := newTestDNA(t)

	bp := d.UpsertBlueprint("sensors.motion", "detect motion", nil, t0)
	assert.Equal(t, 1, bp.Version)

	bp2 := d.UpsertBlueprint("sensors.motion", "detect motion v2", nil, t0.Add(time.Hour))
	assert.Same(t, bp, bp2)
	assert.Equal(t, 2, bp2.Version)
	assert.Equal(t, "detect motion v2", bp2.Description)
}

func TestPendingBlueprintsGatedByDependencies(t *testing.T) {
	d := newTestDNA(t)
	d.UpsertBlueprint("memory.store", "persist facts", nil, t0)
	d.UpsertBlueprint("memory.recall", "retrieve facts", []string{"memory.store"}, t0)

	pending := d.PendingBlueprints()
	require.Len(t, pending, 1)
	assert.Equal(t, "memory.store", pending[0].Name)

	d.MarkActive("memory.store", t0)
	pending = d.PendingBlueprints()
	require.Len(t, pending, 1)
	assert.Equal(t, "memory.recall", pending[0].Name)
}

func TestPendingBlueprintsWildcardDependency(t *testing.T) {
	d := newTestDNA(t)
	d.UpsertBlueprint("cortex.fusion", "fuse sensor streams", []string{"sensors.*"}, t0)

	assert.Empty(t, d.PendingBlueprints())

	d.UpsertBlueprint("sensors.motion", "detect motion", nil, t0)
	d.MarkActive("sensors.motion", t0)

	pending := d.PendingBlueprints()
	require.Len(t, pending, 1)
	assert.Equal(t, "cortex.fusion", pending[0].Name)
}

func TestMarkActiveIdempotent(t *testing.T) {
	d := newTestDNA(t)
	d.UpsertBlueprint("sensors.motion", "detect motion", nil, t0)

	d.MarkActive("sensors.motion", t0)
	d.MarkActive("sensors.motion", t0)

	assert.Equal(t, []string{"sensors.motion"}, d.Active)
	require.NoError(t, d.Validate())
}

func TestValidateRejectsActiveWithoutBlueprint(t *testing.T) {
	d := newTestDNA(t)
	d.Active = append(d.Active, "ghost.component")

	assert.Error(t, d.Validate())
}

func TestUnsatisfiedGoalsOrderedByPriority(t *testing.T) {
	d := newTestDNA(t)

	goals := d.UnsatisfiedGoals()
	require.Len(t, goals, 2)
	assert.Equal(t, "have perception", goals[0].Description)

	d.Goals[0].Satisfied = true
	goals = d.UnsatisfiedGoals()
	require.Len(t, goals, 1)
	assert.Equal(t, "have memory", goals[0].Description)
}
