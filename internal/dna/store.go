package dna

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// IntegrityError reports that the persisted document does not match its
// stored checksum. The store never auto-repairs; the operator decides.
type IntegrityError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("dna integrity check failed for %s: expected %s, got %s",
		e.Path, e.Expected, e.Actual)
}

// Store persists DNA documents crash-safely: temp file, fsync, atomic
// rename, with a SHA-256 checksum alongside and timestamped backups.
// All disk operations are serialized through a single mutex.
type Store struct {
	mu         sync.Mutex
	path       string
	hashPath   string
	backupDir  string
	maxBackups int
	logger     *zap.Logger
	now        func() time.Time
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithMaxBackups caps backup retention. Zero disables pruning.
func WithMaxBackups(n int) StoreOption {
	return func(s *Store) { s.maxBackups = n }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates a store for the document at path. Backups go to
// backupDir; the checksum lives next to the document.
func NewStore(path, backupDir string, logger *zap.Logger, opts ...StoreOption) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		path:       path,
		hashPath:   path + ".sha256",
		backupDir:  backupDir,
		maxBackups: 20,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the document path.
func (s *Store) Path() string { return s.path }

// Save atomically persists the document and its checksum, then writes a
// timestamped backup. The document on disk is either the previous
// version or the new one, never a torn write.
func (s *Store) Save(d *DNA) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(d)
}

func (s *Store) save(d *DNA) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("refusing to persist invalid dna: %w", err)
	}

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal dna: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	if err := atomicWrite(s.path, data); err != nil {
		return fmt.Errorf("failed to write dna: %w", err)
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if err := atomicWrite(s.hashPath, []byte(digest+"\n")); err != nil {
		return fmt.Errorf("failed to write dna checksum: %w", err)
	}

	if err := s.writeBackup(data); err != nil {
		// A failed backup must not fail the save; the primary copy is
		// already durable.
		s.logger.Warn("dna backup failed", zap.Error(err))
	}

	s.logger.Debug("dna persisted",
		zap.String("path", s.path),
		zap.Int("bytes", len(data)),
		zap.String("sha256", digest[:12]))
	return nil
}

// Load reads and verifies the document. A missing document returns
// os.ErrNotExist; a checksum mismatch or missing checksum returns
// *IntegrityError.
func (s *Store) Load() (*DNA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (*DNA, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	actual := hex.EncodeToString(sum[:])

	expected, err := os.ReadFile(s.hashPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &IntegrityError{Path: s.path, Expected: "(missing checksum)", Actual: actual}
		}
		return nil, fmt.Errorf("failed to read dna checksum: %w", err)
	}
	want := strings.TrimSpace(string(expected))
	if want != actual {
		return nil, &IntegrityError{Path: s.path, Expected: want, Actual: actual}
	}

	return s.decode(data)
}

// LoadUnverified reads the document without the checksum check. Operator
// escape hatch for recovering from a known-good edit.
func (s *Store) LoadUnverified() (*DNA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	return s.decode(data)
}

// LoadOrCreate loads the document, or seeds a fresh one with the given
// goals when none exists yet. Integrity failures are never masked.
func (s *Store) LoadOrCreate(name string, goals []*Goal) (*DNA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.load()
	if err == nil {
		return d, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	d = New(name, goals, s.now().UTC())
	if err := s.save(d); err != nil {
		return nil, err
	}
	s.logger.Info("seeded fresh dna", zap.String("path", s.path), zap.Int("goals", len(goals)))
	return d, nil
}

// Reset replaces the document with a fresh one seeded from the given
// goals. The previous document survives in the backup directory.
func (s *Store) Reset(name string, goals []*Goal) (*DNA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := New(name, goals, s.now().UTC())
	if err := s.save(d); err != nil {
		return nil, err
	}
	s.logger.Info("dna reset", zap.String("path", s.path))
	return d, nil
}

// ListBackups returns backup paths, newest first.
func (s *Store) ListBackups() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listBackups()
}

func (s *Store) listBackups() ([]string, error) {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		paths = append(paths, filepath.Join(s.backupDir, e.Name()))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))
	return paths, nil
}

// RestoreBackup replaces the live document with the named backup and
// re-establishes the checksum.
func (s *Store) RestoreBackup(backupPath string) (*DNA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(backupPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}
	d, err := s.decode(data)
	if err != nil {
		return nil, fmt.Errorf("backup is not a valid dna document: %w", err)
	}
	if err := s.save(d); err != nil {
		return nil, err
	}
	s.logger.Info("dna restored from backup", zap.String("backup", backupPath))
	return d, nil
}

func (s *Store) decode(data []byte) (*DNA, error) {
	var d DNA
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse dna: %w", err)
	}
	if d.Blueprint == nil {
		d.Blueprint = make(map[string]*Blueprint)
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("dna document is inconsistent: %w", err)
	}
	return &d, nil
}

func (s *Store) writeBackup(data []byte) error {
	if err := os.MkdirAll(s.backupDir, 0755); err != nil {
		return err
	}
	stamp := s.now().UTC().Format("20060102_150405.000000000")
	name := fmt.Sprintf("dna_%s.json", stamp)
	if err := os.WriteFile(filepath.Join(s.backupDir, name), data, 0644); err != nil {
		return err
	}
	return s.pruneBackups()
}

func (s *Store) pruneBackups() error {
	if s.maxBackups <= 0 {
		return nil
	}
	paths, err := s.listBackups()
	if err != nil {
		return err
	}
	for _, p := range paths[min(len(paths), s.maxBackups):] {
		if err := os.Remove(p); err != nil {
			return err
		}
	}
	return nil
}

// atomicWrite writes data to path via a temp file in the same directory,
// fsyncs, then renames into place.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
