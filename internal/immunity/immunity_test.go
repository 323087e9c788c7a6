package immunity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"genesis/internal/bus"
	"genesis/internal/dna"
	"genesis/internal/materializer"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestSupervisor(t *testing.T, clock *fakeClock) (*Supervisor, *materializer.Materializer) {
	t.Helper()
	mat, err := materializer.New(filepath.Join(t.TempDir(), "organs"), nil, zap.NewNop())
	require.NoError(t, err)
	return New(3, 30*time.Second, mat, nil, zap.NewNop(), WithClock(clock.Now)), mat
}

func testDNA() *dna.DNA {
	return dna.New("test", []*dna.Goal{{Description: "g", Patterns: []string{"*"}}}, t0)
}

func TestRecordFailureOpensCircuitAtThreshold(t *testing.T) {
	clock := &fakeClock{now: t0}
	s, _ := newTestSupervisor(t, clock)
	d := testDNA()

	for i := 0; i < 2; i++ {
		out := s.RecordFailure(d, "sensors.motion", dna.FailureLoad, "boom", 1)
		assert.False(t, out.CircuitOpened)
		clock.Advance(time.Second)
	}
	out := s.RecordFailure(d, "sensors.motion", dna.FailureLoad, "boom", 1)
	assert.True(t, out.CircuitOpened)

	assert.False(t, s.ShouldAttempt(d, "sensors.motion"))
	clock.Advance(31 * time.Second)
	assert.True(t, s.ShouldAttempt(d, "sensors.motion"))
}

func TestBatchAttemptsOpenCircuitImmediately(t *testing.T) {
	clock := &fakeClock{now: t0}
	s, _ := newTestSupervisor(t, clock)
	d := testDNA()

	out := s.RecordFailure(d, "sensors.motion", dna.FailureGeneration, "exhausted retries", 3)

	assert.True(t, out.CircuitOpened)
	assert.Equal(t, 3, out.Failure.AttemptCount)
	f := d.FindFailure("sensors.motion")
	require.NotNil(t, f)
	assert.True(t, f.CircuitOpen)
}

func TestInternalDependencyRequestsBlueprint(t *testing.T) {
	clock := &fakeClock{now: t0}
	s, _ := newTestSupervisor(t, clock)
	d := testDNA()

	out := s.RecordFailure(d, "memory.recall", dna.FailureLoad,
		`missing component "memory.store"`, 1)

	assert.Equal(t, "memory.store", out.BlueprintRequested)
	bp, ok := d.Blueprint["memory.store"]
	require.True(t, ok)
	assert.Contains(t, bp.Description, "memory.recall")
}

func TestExternalDependencyNotRepaired(t *testing.T) {
	clock := &fakeClock{now: t0}
	s, _ := newTestSupervisor(t, clock)
	d := testDNA()

	out := s.RecordFailure(d, "memory.recall", dna.FailureLoad,
		`import "github.com/some/pkg" error: unavailable`, 1)

	assert.Empty(t, out.BlueprintRequested)
	assert.Empty(t, d.Blueprint)
}

func TestSelfDependencyNotRepaired(t *testing.T) {
	clock := &fakeClock{now: t0}
	s, _ := newTestSupervisor(t, clock)
	d := testDNA()

	out := s.RecordFailure(d, "memory.recall", dna.FailureLoad,
		`missing component "memory.recall"`, 1)

	assert.Empty(t, out.BlueprintRequested)
}

func TestActivationFailureRollsBack(t *testing.T) {
	clock := &fakeClock{now: t0}
	s, mat := newTestSupervisor(t, clock)
	d := testDNA()
	d.UpsertBlueprint("sensors.motion", "motion", nil, t0)
	d.MarkActive("sensors.motion", t0)

	_, err := mat.Materialize("sensors.motion", "// v1\npackage motion\nfunc Start() {}\n")
	require.NoError(t, err)
	_, err = mat.Materialize("sensors.motion", "// v2 broken\npackage motion\nfunc Start() {}\n")
	require.NoError(t, err)

	out := s.RecordFailure(d, "sensors.motion", dna.FailureActivation, "panic: wired backwards", 1)

	assert.True(t, out.RolledBack)
	assert.False(t, d.IsActive("sensors.motion"))
	src, err := mat.Read("sensors.motion")
	require.NoError(t, err)
	assert.Contains(t, src, "v1")
}

func TestActivationFailureFirstVersionRemoves(t *testing.T) {
	clock := &fakeClock{now: t0}
	s, mat := newTestSupervisor(t, clock)
	d := testDNA()

	_, err := mat.Materialize("sensors.motion", "package motion\nfunc Start() {}\n")
	require.NoError(t, err)

	out := s.RecordFailure(d, "sensors.motion", dna.FailureActivation, "panic: bad", 1)

	assert.True(t, out.RolledBack)
	assert.False(t, mat.Exists("sensors.motion"))
}

func TestRepeatedRuntimeCrashRollsBack(t *testing.T) {
	clock := &fakeClock{now: t0}
	s, mat := newTestSupervisor(t, clock)
	d := testDNA()

	_, err := mat.Materialize("sensors.motion", "// v1\npackage motion\nfunc Start() {}\n")
	require.NoError(t, err)
	_, err = mat.Materialize("sensors.motion", "// v2\npackage motion\nfunc Start() {}\n")
	require.NoError(t, err)

	out := s.RecordFailure(d, "sensors.motion", dna.FailureRuntime, "panic: nil deref", 1)
	assert.False(t, out.RolledBack)
	src, err := mat.Read("sensors.motion")
	require.NoError(t, err)
	assert.Contains(t, src, "v2")

	clock.Advance(time.Second)
	out = s.RecordFailure(d, "sensors.motion", dna.FailureRuntime, "panic: nil deref", 1)
	assert.True(t, out.RolledBack)
	src, err = mat.Read("sensors.motion")
	require.NoError(t, err)
	assert.Contains(t, src, "v1")
}

func TestEveryRecordedFailurePublishes(t *testing.T) {
	clock := &fakeClock{now: t0}
	b := bus.New(bus.Options{QueueSize: 16, RetainLast: 8}, zap.NewNop())
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	s := New(3, 30*time.Second, nil, b, zap.NewNop(), WithClock(clock.Now))
	d := testDNA()

	s.RecordFailure(d, "sensors.motion", dna.FailureGeneration, "exhausted retries", 3)
	clock.Advance(time.Second)
	s.RecordFailure(d, "memory.recall", dna.FailureLoad, `missing component "memory.store"`, 1)

	require.Eventually(t, func() bool {
		return len(b.Recent(bus.TopicFailureRecorded, 8)) == 2
	}, time.Second, 5*time.Millisecond)

	events := b.Recent(bus.TopicFailureRecorded, 8)
	assert.Equal(t, "sensors.motion", events[0].Data["component"])
	assert.Equal(t, string(dna.FailureGeneration), events[0].Data["kind"])
	assert.Equal(t, 3, events[0].Data["attempt_count"])
	assert.Equal(t, true, events[0].Data["circuit_opened"])
	assert.Equal(t, "memory.recall", events[1].Data["component"])
}

func TestResetCircuitEscapeHatch(t *testing.T) {
	clock := &fakeClock{now: t0}
	s, _ := newTestSupervisor(t, clock)
	d := testDNA()

	s.RecordFailure(d, "sensors.motion", dna.FailureLoad, "boom", 3)
	require.False(t, s.ShouldAttempt(d, "sensors.motion"))

	s.ResetCircuit(d, "sensors.motion")

	assert.True(t, s.ShouldAttempt(d, "sensors.motion"))
	assert.Equal(t, 0, d.FindFailure("sensors.motion").AttemptCount)
}

func TestExtractMissingDependency(t *testing.T) {
	tests := []struct {
		message string
		want    string
		ok      bool
	}{
		{`unable to find source related to: "sensors.fusion"`, "sensors.fusion", true},
		{`3:8: import "net/smtp" error: not allowed`, "net/smtp", true},
		{`5:2: undefined: helpers.Normalize`, "helpers.Normalize", true},
		{`missing component "memory.store"`, "memory.store", true},
		{"panic: runtime error", "", false},
	}
	for _, tt := range tests {
		got, ok := extractMissingDependency(tt.message)
		assert.Equal(t, tt.ok, ok, tt.message)
		assert.Equal(t, tt.want, got, tt.message)
	}
}
