package materializer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestMaterializer(t *testing.T) *Materializer {
	t.Helper()
	m, err := New(filepath.Join(t.TempDir(), "organs"), nil, zap.NewNop())
	require.NoError(t, err)
	return m
}

func TestMaterializeWritesNestedComponent(t *testing.T) {
	m := newTestMaterializer(t)

	path, err := m.Materialize("sensors.motion", "package motion\nfunc Start() {}\n")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(m.Root(), "sensors", "motion.go"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "func Start()")

	// Intermediate namespace directories carry a marker file.
	_, err = os.Stat(filepath.Join(m.Root(), "sensors", markerName))
	assert.NoError(t, err)
}

func TestPathRejectsHostileNames(t *testing.T) {
	tests := []struct {
		name          string
		componentName string
	}{
		{"parent traversal", "..secret"},
		{"traversal path", "a/../b"},
		{"dotdot segment", "sensors...motion"},
		{"slash in name", "sensors/motion"},
		{"absolute path", "/etc/passwd"},
		{"empty", ""},
		{"uppercase", "Sensors.Motion"},
		{"trailing dot", "sensors."},
		{"windows sep", `sensors\motion`},
	}

	m := newTestMaterializer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Path(tt.componentName)
			var perr *PathViolationError
			require.ErrorAs(t, err, &perr, "name %q must be rejected", tt.componentName)
		})
	}
}

func TestPathViolationLeavesFilesystemUntouched(t *testing.T) {
	m := newTestMaterializer(t)

	_, err := m.Materialize("..escape", "package escape\nfunc Start() {}\n")
	var perr *PathViolationError
	require.ErrorAs(t, err, &perr)

	// The organ root was never even created.
	_, statErr := os.Stat(m.Root())
	assert.True(t, os.IsNotExist(statErr))
}

func TestProtectedRootsRejected(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "organs")
	m, err := New(root, []string{filepath.Join(root, "kernel")}, zap.NewNop())
	require.NoError(t, err)

	_, err = m.Path("kernel.core")
	var perr *PathViolationError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Reason, "protected")

	_, err = m.Path("sensors.motion")
	assert.NoError(t, err)
}

func TestOverwriteRetainsPreviousVersion(t *testing.T) {
	m := newTestMaterializer(t)

	_, err := m.Materialize("sensors.motion", "// v1\npackage motion\nfunc Start() {}\n")
	require.NoError(t, err)
	path, err := m.Materialize("sensors.motion", "// v2\npackage motion\nfunc Start() {}\n")
	require.NoError(t, err)

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(current), "v2")

	prev, err := os.ReadFile(path + prevSuffix)
	require.NoError(t, err)
	assert.Contains(t, string(prev), "v1")
}

func TestRollbackRestoresPreviousVersion(t *testing.T) {
	m := newTestMaterializer(t)

	_, err := m.Materialize("sensors.motion", "// v1\npackage motion\nfunc Start() {}\n")
	require.NoError(t, err)
	_, err = m.Materialize("sensors.motion", "// v2 broken\npackage motion\nfunc Start() {}\n")
	require.NoError(t, err)

	require.NoError(t, m.Rollback("sensors.motion"))

	src, err := m.Read("sensors.motion")
	require.NoError(t, err)
	assert.Contains(t, src, "v1")
}

func TestRollbackFirstVersionRemovesFile(t *testing.T) {
	m := newTestMaterializer(t)

	_, err := m.Materialize("sensors.motion", "package motion\nfunc Start() {}\n")
	require.NoError(t, err)

	require.NoError(t, m.Rollback("sensors.motion"))
	assert.False(t, m.Exists("sensors.motion"))
}

func TestListReturnsDottedNames(t *testing.T) {
	m := newTestMaterializer(t)

	_, err := m.Materialize("sensors.motion", "package motion\nfunc Start() {}\n")
	require.NoError(t, err)
	_, err = m.Materialize("memory.recall", "package recall\nfunc Start() {}\n")
	require.NoError(t, err)

	names, err := m.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"memory.recall", "sensors.motion"}, names)
}

func TestListEmptyRoot(t *testing.T) {
	m := newTestMaterializer(t)

	names, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, names)
}
