// Package assimilator hot-loads validated component source into
// isolated yaegi interpreters and runs each component as its own
// goroutine. One interpreter per component: a crashing organ can never
// corrupt a sibling's state, and the kernel never restarts.
package assimilator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"genesis/internal/bus"
	"genesis/internal/validator"
)

// SourceReader resolves a component name to its materialized source.
type SourceReader interface {
	Read(name string) (string, error)
}

// LoadError wraps a failure to read or evaluate component source.
type LoadError struct {
	Name string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load component %q: %v", e.Name, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ContractError reports a missing or mis-typed entry point at load time.
type ContractError struct {
	Name   string
	Reason string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("component %q violates the activation contract: %s", e.Name, e.Reason)
}

// ActivationError reports a component that died while starting up.
type ActivationError struct {
	Name   string
	Reason string
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("component %q failed during activation: %s", e.Name, e.Reason)
}

// RejectedError reports source that failed the safety re-check at the
// sandbox boundary.
type RejectedError struct {
	Name        string
	Diagnostics []string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("component %q rejected at sandbox boundary: %s",
		e.Name, strings.Join(e.Diagnostics, "; "))
}

// CapacityError reports that the concurrent component cap is reached.
type CapacityError struct {
	Limit int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("component capacity reached (%d concurrent)", e.Limit)
}

// unit is one running component.
type unit struct {
	name      string
	startedAt time.Time
	stop      chan struct{} // closed to request cooperative shutdown
	done      chan struct{} // closed when the goroutine has exited
}

// Assimilator loads and supervises running components.
type Assimilator struct {
	reader    SourceReader
	validator *validator.Validator
	bus       *bus.Bus
	logger    *zap.Logger

	maxConcurrent int64
	sem           *semaphore.Weighted
	grace         time.Duration

	mu      sync.Mutex
	running map[string]*unit
}

// Options configures an Assimilator.
type Options struct {
	MaxConcurrent int64
	// Grace is how long Integrate watches a fresh component before
	// declaring activation successful.
	Grace time.Duration
}

// New creates an Assimilator.
func New(reader SourceReader, v *validator.Validator, b *bus.Bus, opts Options, logger *zap.Logger) *Assimilator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 16
	}
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Second
	}
	return &Assimilator{
		reader:        reader,
		validator:     v,
		bus:           b,
		logger:        logger,
		maxConcurrent: opts.MaxConcurrent,
		sem:           semaphore.NewWeighted(opts.MaxConcurrent),
		grace:         opts.Grace,
		running:       make(map[string]*unit),
	}
}

// Integrate loads the named component into a fresh interpreter and
// starts its entry point. Integrating an already-running component is a
// no-op. The source is re-validated at this boundary regardless of what
// happened upstream.
func (a *Assimilator) Integrate(ctx context.Context, name string) error {
	a.mu.Lock()
	if _, ok := a.running[name]; ok {
		a.mu.Unlock()
		a.logger.Debug("component already running, integrate is a no-op", zap.String("component", name))
		return nil
	}
	a.mu.Unlock()

	if !a.sem.TryAcquire(1) {
		return &CapacityError{Limit: a.maxConcurrent}
	}
	ok := false
	defer func() {
		if !ok {
			a.sem.Release(1)
		}
	}()

	source, err := a.reader.Read(name)
	if err != nil {
		return &LoadError{Name: name, Err: err}
	}

	// Defense in depth: the validator ran before materialization, but
	// the file may have changed on disk since.
	if res := a.validator.Validate(source, name); !res.OK {
		return &RejectedError{Name: name, Diagnostics: res.Messages()}
	}

	u := &unit{
		name:      name,
		startedAt: time.Now().UTC(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	entry, err := a.load(name, source, u)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.running[name] = u
	a.mu.Unlock()

	// Unbuffered: a send succeeds only while this select is watching, so
	// each death is reported exactly once, either here or on the bus.
	failed := make(chan string)
	exited := make(chan struct{})
	go a.run(u, entry, failed, exited)

	// Watch the newborn for its grace period: an immediate death is an
	// activation failure the caller must know about.
	select {
	case reason := <-failed:
		ok = true // run() released everything already
		return &ActivationError{Name: name, Reason: reason}
	case <-exited:
		// Ran to completion cleanly within the grace period; fine for
		// one-shot organs.
		ok = true
		return nil
	case <-time.After(a.grace):
	case <-ctx.Done():
		close(u.stop)
		ok = true
		return ctx.Err()
	}

	a.bus.Publish(bus.Event{
		Topic:  bus.TopicComponentStarted,
		Source: "assimilator",
		Data:   map[string]any{"component": name},
	})
	a.logger.Info("component integrated", zap.String("component", name))
	ok = true
	return nil
}

// load evaluates the source in a fresh interpreter and resolves the
// entry function.
func (a *Assimilator) load(name, source string, u *unit) (func(), error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, &LoadError{Name: name, Err: fmt.Errorf("failed to load stdlib symbols: %w", err)}
	}
	if err := i.Use(a.facade(name, u)); err != nil {
		return nil, &LoadError{Name: name, Err: fmt.Errorf("failed to load organ facade: %w", err)}
	}

	if _, err := i.Eval(source); err != nil {
		return nil, &LoadError{Name: name, Err: err}
	}

	leaf := name
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		leaf = name[idx+1:]
	}
	v, err := i.Eval(leaf + "." + validator.EntryPoint)
	if err != nil {
		return nil, &ContractError{Name: name, Reason: fmt.Sprintf("entry point not found: %v", err)}
	}
	entry, okCast := v.Interface().(func())
	if !okCast {
		return nil, &ContractError{Name: name, Reason: "entry point is not func()"}
	}
	return entry, nil
}

// run executes the entry point, converting panics into failure events
// instead of process death.
func (a *Assimilator) run(u *unit, entry func(), failed chan<- string, exited chan<- struct{}) {
	defer close(u.done)
	defer a.sem.Release(1)
	defer func() {
		a.mu.Lock()
		delete(a.running, u.name)
		a.mu.Unlock()
	}()

	panicked := true
	reason := ""
	func() {
		defer func() {
			if r := recover(); r != nil {
				reason = fmt.Sprintf("panic: %v", r)
				return
			}
			panicked = false
		}()
		entry()
	}()

	if panicked {
		a.logger.Warn("component crashed",
			zap.String("component", u.name),
			zap.String("reason", reason),
			zap.Duration("uptime", time.Since(u.startedAt)))
		select {
		case failed <- reason:
			// Integrate observed the death and reports it as an
			// activation failure.
		default:
			a.bus.Publish(bus.Event{
				Topic:  bus.TopicComponentFailed,
				Source: "assimilator",
				Data: map[string]any{
					"component": u.name,
					"reason":    reason,
					"uptime_ms": time.Since(u.startedAt).Milliseconds(),
				},
			})
		}
		return
	}

	select {
	case exited <- struct{}{}:
	default:
	}
	a.bus.Publish(bus.Event{
		Topic:  bus.TopicComponentStopped,
		Source: "assimilator",
		Data:   map[string]any{"component": u.name},
	})
	a.logger.Info("component exited", zap.String("component", u.name))
}

// Running returns the names of live components, sorted.
func (a *Assimilator) Running() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.running))
	for name := range a.running {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRunning reports whether the named component is live.
func (a *Assimilator) IsRunning(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.running[name]
	return ok
}

// Stop requests cooperative shutdown of one component and waits up to
// the context deadline for it to exit. Components that ignore the stop
// signal are abandoned; their interpreter dies with the process.
func (a *Assimilator) Stop(ctx context.Context, name string) error {
	a.mu.Lock()
	u, ok := a.running[name]
	a.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-u.stop:
	default:
		close(u.stop)
	}

	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		a.logger.Warn("component ignored stop signal", zap.String("component", name))
		return ctx.Err()
	}
}

// StopAll requests shutdown of every running component.
func (a *Assimilator) StopAll(ctx context.Context) {
	for _, name := range a.Running() {
		if err := a.Stop(ctx, name); err != nil {
			return
		}
	}
}
