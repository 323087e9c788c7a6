package materializer

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"genesis/internal/bus"
)

// Watcher observes the organ tree and publishes component.modified
// events when source changes outside the materializer's own writes,
// e.g. an operator editing an organ by hand.
type Watcher struct {
	mat    *Materializer
	bus    *bus.Bus
	logger *zap.Logger
	fsw    *fsnotify.Watcher
	done   chan struct{}
}

// NewWatcher creates a watcher over the materializer's root.
func NewWatcher(mat *Materializer, b *bus.Bus, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{mat: mat, bus: b, logger: logger, fsw: fsw, done: make(chan struct{})}, nil
}

// Start begins watching until the context is cancelled. The organ root
// is created if missing so there is always something to watch.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.mat.Root(), 0755); err != nil {
		return err
	}
	if err := w.addRecursive(w.mat.Root()); err != nil {
		return err
	}

	go w.loop(ctx)
	return nil
}

// Done is closed when the watch loop has fully stopped.
func (w *Watcher) Done() <-chan struct{} { return w.done }

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("organ watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	base := filepath.Base(ev.Name)
	if base == markerName || strings.Contains(base, ".tmp-") || strings.HasSuffix(base, prevSuffix) {
		return
	}

	// New directories must be watched for the events inside them.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(ev.Name); err != nil {
				w.logger.Warn("failed to watch new organ directory",
					zap.String("dir", ev.Name), zap.Error(err))
			}
			return
		}
	}

	if !strings.HasSuffix(base, sourceSuffix) {
		return
	}
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
		return
	}

	name := w.componentName(ev.Name)
	if name == "" {
		return
	}
	op := "written"
	if ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
		op = "removed"
	}
	w.bus.Publish(bus.Event{
		Topic:  bus.TopicComponentModified,
		Source: "materializer.watcher",
		Data: map[string]any{
			"component": name,
			"op":        op,
			"path":      ev.Name,
		},
	})
}

func (w *Watcher) componentName(path string) string {
	rel, err := filepath.Rel(w.mat.Root(), path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	name := strings.TrimSuffix(rel, sourceSuffix)
	return strings.ReplaceAll(name, string(filepath.Separator), ".")
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
}
