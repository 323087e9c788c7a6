// Package materializer owns the mutable organ tree: the one directory
// where generated component source is allowed to exist. Every write is
// atomic, every path is proven to stay inside the tree before any
// filesystem mutation, and the previous version of a component survives
// until the replacement has proven itself.
package materializer

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// PathViolationError reports a component name that resolved outside the
// organ root or into a protected tree. It is always fatal for the
// candidate; nothing was written.
type PathViolationError struct {
	Name   string
	Reason string
}

func (e *PathViolationError) Error() string {
	return fmt.Sprintf("path violation for component %q: %s", e.Name, e.Reason)
}

// namePattern constrains component names to dotted lower_snake segments:
// "sensors.motion", "memory.recall". No slashes, no dots-as-traversal.
var namePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*(\.[a-z_][a-z0-9_]*)*$`)

// ValidName reports whether name is an acceptable dotted component name.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

const (
	sourceSuffix = ".go"
	prevSuffix   = ".prev"
	markerName   = ".organdir"
)

// Materializer writes component source beneath a single root directory.
type Materializer struct {
	root      string
	protected []string
	logger    *zap.Logger
}

// New creates a Materializer rooted at root. protected lists absolute
// directories (the agent's own source, state dir) that must never be
// written, even if a resolved path would land there via symlink tricks.
func New(root string, protected []string, logger *zap.Logger) (*Materializer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve organ root: %w", err)
	}
	var prot []string
	for _, p := range protected {
		pa, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve protected root %q: %w", p, err)
		}
		prot = append(prot, pa)
	}
	return &Materializer{root: abs, protected: prot, logger: logger}, nil
}

// Root returns the absolute organ root.
func (m *Materializer) Root() string { return m.root }

// Path validates a component name and returns the absolute source path
// it maps to. No filesystem access happens here; this is the safety
// gate every other operation goes through first.
func (m *Materializer) Path(name string) (string, error) {
	if !namePattern.MatchString(name) {
		return "", &PathViolationError{Name: name, Reason: "name must be dotted lower_snake segments"}
	}

	rel := filepath.Join(strings.Split(name, ".")...) + sourceSuffix
	path := filepath.Join(m.root, rel)

	// The containment proof must not depend on the name grammar.
	resolved, err := filepath.Rel(m.root, path)
	if err != nil || resolved == ".." || strings.HasPrefix(resolved, ".."+string(filepath.Separator)) {
		return "", &PathViolationError{Name: name, Reason: "resolved path escapes the organ root"}
	}
	for _, p := range m.protected {
		if path == p || strings.HasPrefix(path, p+string(filepath.Separator)) {
			return "", &PathViolationError{Name: name, Reason: fmt.Sprintf("resolved path enters protected tree %s", p)}
		}
	}
	return path, nil
}

// Materialize persists component source and returns the written path.
// If a version already exists it is kept as a sibling .prev file so a
// failed activation can roll back.
func (m *Materializer) Materialize(name, source string) (string, error) {
	path, err := m.Path(name)
	if err != nil {
		return "", err
	}

	if err := m.ensureNamespaces(path); err != nil {
		return "", fmt.Errorf("failed to create namespace for %q: %w", name, err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+prevSuffix); err != nil {
			return "", fmt.Errorf("failed to retain previous version of %q: %w", name, err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to stage component %q: %w", name, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(source); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write component %q: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync component %q: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close staged component %q: %w", name, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("failed to commit component %q: %w", name, err)
	}

	m.logger.Info("component materialized",
		zap.String("component", name),
		zap.String("path", path),
		zap.Int("bytes", len(source)))
	return path, nil
}

// Read returns the current source of a component.
func (m *Materializer) Read(name string) (string, error) {
	path, err := m.Path(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read component %q: %w", name, err)
	}
	return string(data), nil
}

// Exists reports whether a component has materialized source.
func (m *Materializer) Exists(name string) bool {
	path, err := m.Path(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Rollback restores the retained previous version of a component, or
// removes the file entirely when this was its first version.
func (m *Materializer) Rollback(name string) error {
	path, err := m.Path(name)
	if err != nil {
		return err
	}

	prev := path + prevSuffix
	if _, err := os.Stat(prev); err == nil {
		if err := os.Rename(prev, path); err != nil {
			return fmt.Errorf("failed to restore previous version of %q: %w", name, err)
		}
		m.logger.Info("component rolled back to previous version", zap.String("component", name))
		return nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove component %q: %w", name, err)
	}
	m.logger.Info("component removed, no previous version", zap.String("component", name))
	return nil
}

// Remove deletes a component's source and any retained previous version.
func (m *Materializer) Remove(name string) error {
	path, err := m.Path(name)
	if err != nil {
		return err
	}
	os.Remove(path + prevSuffix)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove component %q: %w", name, err)
	}
	return nil
}

// List returns the dotted names of all materialized components.
func (m *Materializer) List() ([]string, error) {
	var names []string
	err := filepath.WalkDir(m.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, sourceSuffix) {
			return nil
		}
		rel, err := filepath.Rel(m.root, path)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(rel, sourceSuffix)
		names = append(names, strings.ReplaceAll(name, string(filepath.Separator), "."))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// ensureNamespaces creates intermediate directories and drops a marker
// file in each so the tree is recognizably machine-managed.
func (m *Materializer) ensureNamespaces(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for d := dir; strings.HasPrefix(d, m.root) && d != m.root; d = filepath.Dir(d) {
		marker := filepath.Join(d, markerName)
		if _, err := os.Stat(marker); os.IsNotExist(err) {
			if err := os.WriteFile(marker, []byte("managed by genesis; do not edit by hand\n"), 0644); err != nil {
				return err
			}
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
