// Package genesis is the orchestrator: the fixed kernel that runs the
// evolution loop. Each cycle it reflects on goal satisfaction, asks the
// architect for candidates, materializes and integrates them, and routes
// every failure through the immunity supervisor. The kernel never
// restarts; only organs come and go.
package genesis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"genesis/internal/architect"
	"genesis/internal/assimilator"
	"genesis/internal/bus"
	"genesis/internal/config"
	"genesis/internal/dna"
	"genesis/internal/goals"
	"genesis/internal/immunity"
	"genesis/internal/llm"
	"genesis/internal/materializer"
	"genesis/internal/validator"
)

// State is the orchestrator lifecycle state.
type State int32

const (
	StateDormant State = iota
	StateAwakening
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDormant:
		return "dormant"
	case StateAwakening:
		return "awakening"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// crash is a runtime failure reported by the bus, queued for the next
// cycle so DNA is only ever mutated on the loop goroutine.
type crash struct {
	component string
	reason    string
}

// Genesis wires and drives the whole engine.
type Genesis struct {
	cfg    *config.Config
	logger *zap.Logger

	store      *dna.Store
	d          *dna.DNA
	identity   *dna.Identity
	bus        *bus.Bus
	validator  *validator.Validator
	mat        *materializer.Materializer
	watcher    *materializer.Watcher
	asm        *assimilator.Assimilator
	tracker    *goals.Tracker
	arch       *architect.Architect
	supervisor *immunity.Supervisor

	state    atomic.Int32
	crashes  chan crash
	crashSub *bus.Subscription
	complete bool
	now      func() time.Time
}

// New builds a fully wired engine from config. The LLM client is
// injected so tests and alternative providers slot in cleanly.
func New(cfg *config.Config, client llm.Client, logger *zap.Logger) (*Genesis, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if problems := cfg.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("invalid configuration: %v", problems)
	}

	var sink bus.Sink
	if cfg.Bus.Durable {
		s, err := bus.NewSQLiteSink(cfg.Paths.EventLog)
		if err != nil {
			return nil, fmt.Errorf("failed to open event log: %w", err)
		}
		sink = s
	}
	policy := bus.DropOldest
	if cfg.Bus.Policy == "block" {
		policy = bus.Block
	}
	b := bus.New(bus.Options{
		QueueSize:  cfg.Bus.QueueSize,
		Policy:     policy,
		RetainLast: cfg.Bus.RetainLast,
		Sink:       sink,
	}, logger.Named("bus"))

	v := validator.New(validator.WithExtraImports(cfg.Security.ExtraImports))

	protected := append([]string{
		cfg.Paths.DNAFile,
		cfg.Paths.BackupDir,
		cfg.Paths.IdentityFile,
	}, cfg.Security.ProtectedRoots...)
	mat, err := materializer.New(cfg.Paths.OrganRoot, protected, logger.Named("materializer"))
	if err != nil {
		return nil, err
	}

	asm := assimilator.New(mat, v, b, assimilator.Options{
		MaxConcurrent: cfg.Metabolism.MaxConcurrent,
		Grace:         cfg.GetIntegrateGrace(),
	}, logger.Named("assimilator"))

	g := &Genesis{
		cfg:        cfg,
		logger:     logger,
		store:      dna.NewStore(cfg.Paths.DNAFile, cfg.Paths.BackupDir, logger.Named("dna"), dna.WithMaxBackups(cfg.Immunity.MaxBackups)),
		bus:        b,
		validator:  v,
		mat:        mat,
		asm:        asm,
		tracker:    goals.NewTracker(b, logger.Named("goals")),
		arch:       architect.New(client, v, cfg.LLM.MaxRetries, logger.Named("architect")),
		supervisor: immunity.New(cfg.Immunity.MaxAttempts, cfg.GetCooldown(), mat, b, logger.Named("immunity")),
		crashes:    make(chan crash, 64),
		now:        time.Now,
	}
	g.state.Store(int32(StateDormant))
	return g, nil
}

// State returns the current lifecycle state.
func (g *Genesis) State() State { return State(g.state.Load()) }

// Bus exposes the event bus for observers.
func (g *Genesis) Bus() *bus.Bus { return g.bus }

// DNA returns the live document. Callers must treat it as read-only;
// all mutation happens on the loop goroutine.
func (g *Genesis) DNA() *dna.DNA { return g.d }

// Awaken boots the engine: state is loaded (or seeded), surviving
// organs are re-integrated, and the evolution loop runs until the
// context is cancelled.
func (g *Genesis) Awaken(ctx context.Context) error {
	g.state.Store(int32(StateAwakening))
	g.logger.Info("awakening", zap.String("workspace", g.cfg.Paths.Workspace))

	if err := g.boot(ctx); err != nil {
		g.state.Store(int32(StateStopped))
		return err
	}

	g.state.Store(int32(StateRunning))
	ticker := time.NewTicker(g.cfg.GetCycleInterval())
	defer ticker.Stop()

	// First cycle immediately; waiting a full interval to act on boot
	// state helps nobody.
	if err := g.Cycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
		g.logger.Error("cycle failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return g.shutdown()
		case <-ticker.C:
			if err := g.Cycle(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return g.shutdown()
				}
				g.logger.Error("cycle failed", zap.Error(err))
			}
		}
	}
}

// RunOnce boots the engine, runs a single evolution cycle, and shuts
// down. The CLI uses it to step evolution by hand.
func (g *Genesis) RunOnce(ctx context.Context) error {
	g.state.Store(int32(StateAwakening))
	bootCtx, cancel := context.WithCancel(ctx)
	if err := g.boot(bootCtx); err != nil {
		cancel()
		g.state.Store(int32(StateStopped))
		return err
	}
	g.state.Store(int32(StateRunning))

	cycleErr := g.Cycle(ctx)
	cancel()
	if err := g.shutdown(); cycleErr == nil {
		cycleErr = err
	}
	return cycleErr
}

// boot loads identity and DNA and re-integrates surviving organs.
func (g *Genesis) boot(ctx context.Context) error {
	lineage, _ := os.ReadFile(g.cfg.Paths.DNAFile)
	identity, err := dna.LoadOrCreateIdentity(g.cfg.Paths.IdentityFile, g.cfg.Name, lineage, "")
	if err != nil {
		return fmt.Errorf("failed to establish identity: %w", err)
	}
	if err := identity.RecordAwakening(g.cfg.Paths.IdentityFile); err != nil {
		return fmt.Errorf("failed to record awakening: %w", err)
	}
	g.identity = identity

	d, err := g.store.LoadOrCreate(g.cfg.Name, seedGoals(g.cfg, g.now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to load dna: %w", err)
	}
	g.d = d
	g.logger.Info("dna loaded",
		zap.String("identity", identity.ID),
		zap.Int("awakenings", identity.Awakenings),
		zap.Int("goals", len(d.Goals)),
		zap.Int("blueprints", len(d.Blueprint)),
		zap.Strings("active", d.Active))

	g.crashSub = g.bus.Subscribe(bus.TopicComponentFailed, func(e bus.Event) {
		name, _ := e.Data["component"].(string)
		reason, _ := e.Data["reason"].(string)
		select {
		case g.crashes <- crash{component: name, reason: reason}:
		default:
			g.logger.Warn("crash queue full, dropping report", zap.String("component", name))
		}
	})

	w, err := materializer.NewWatcher(g.mat, g.bus, g.logger.Named("watcher"))
	if err != nil {
		return fmt.Errorf("failed to create organ watcher: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to start organ watcher: %w", err)
	}
	g.watcher = w

	g.reassimilate(ctx)
	return g.store.Save(g.d)
}

// reassimilate brings previously active organs back to life after a
// restart. Organs whose source vanished are quietly deactivated; organs
// that fail to come back go through the normal failure path.
func (g *Genesis) reassimilate(ctx context.Context) {
	now := g.now().UTC()
	for _, name := range append([]string(nil), g.d.Active...) {
		if !g.mat.Exists(name) {
			g.logger.Warn("active organ has no source, deactivating", zap.String("component", name))
			g.d.MarkInactive(name, now)
			continue
		}
		if !g.supervisor.ShouldAttempt(g.d, name) {
			g.logger.Info("circuit open, skipping reassimilation", zap.String("component", name))
			g.d.MarkInactive(name, now)
			continue
		}
		if err := g.integrate(ctx, name); err != nil {
			g.d.MarkInactive(name, now)
		}
	}
}

// Cycle runs one full evolution cycle. Exported so the CLI can force a
// cycle outside the timer.
func (g *Genesis) Cycle(ctx context.Context) error {
	start := g.now()
	g.drainCrashes()

	now := g.now().UTC()
	if newly := g.tracker.CheckSatisfaction(g.d, now); len(newly) > 0 {
		if err := g.store.Save(g.d); err != nil {
			return err
		}
	}

	created := 0
	if g.underBudget() {
		created = g.evolve(ctx)
	}

	// Integrations may have satisfied a goal within this same cycle.
	now = g.now().UTC()
	g.tracker.CheckSatisfaction(g.d, now)

	if g.tracker.AllSatisfied(g.d) && !g.complete {
		g.complete = true
		g.logger.Info("all goals satisfied")
		g.bus.Publish(bus.Event{
			Topic:  bus.TopicEvolutionComplete,
			Source: "genesis",
			Data:   map[string]any{"evolution_count": g.d.Meta.EvolutionCount},
		})
	}

	g.bus.Publish(bus.Event{
		Topic:  bus.TopicCycleHeartbeat,
		Source: "genesis",
		Data: map[string]any{
			"active":          len(g.d.Active),
			"running":         len(g.asm.Running()),
			"created":         created,
			"open_circuits":   g.d.OpenCircuits(),
			"evolution_count": g.d.Meta.EvolutionCount,
			"duration_ms":     time.Since(start).Milliseconds(),
		},
	})

	return g.store.Save(g.d)
}

// underBudget checks the hard resource caps.
func (g *Genesis) underBudget() bool {
	if g.d.Meta.EvolutionCount >= g.cfg.Metabolism.MaxComponents {
		g.logger.Warn("component budget exhausted",
			zap.Int("evolution_count", g.d.Meta.EvolutionCount),
			zap.Int("max", g.cfg.Metabolism.MaxComponents))
		return false
	}
	if int64(len(g.asm.Running())) >= g.cfg.Metabolism.MaxConcurrent {
		g.logger.Warn("concurrency cap reached", zap.Int("running", len(g.asm.Running())))
		return false
	}
	return true
}

// evolve creates up to MaxPerCycle new components: pending blueprints
// first (they unblock dependents), then a fresh design for the top
// unmet goal. Returns how many components went live.
func (g *Genesis) evolve(ctx context.Context) int {
	created := 0
	budget := g.cfg.Metabolism.MaxPerCycle

	for _, bp := range g.d.PendingBlueprints() {
		if created >= budget || ctx.Err() != nil {
			return created
		}
		if g.asm.IsRunning(bp.Name) || !g.supervisor.ShouldAttempt(g.d, bp.Name) {
			continue
		}
		if g.buildBlueprint(ctx, bp) {
			created++
		}
	}

	if created >= budget || ctx.Err() != nil {
		return created
	}

	goal := g.tracker.RecommendNext(g.d)
	if goal == nil {
		return created
	}
	designKey := "design:" + goal.Description
	if !g.supervisor.ShouldAttempt(g.d, designKey) {
		return created
	}

	cand, err := g.arch.Design(ctx, g.d, goal)
	if err != nil {
		g.recordGenerationFailure(designKey, err)
		return created
	}
	if cand == nil {
		g.logger.Info("architect declined to design", zap.String("goal", goal.Description))
		return created
	}
	// The new design becomes a blueprint either way; failures past this
	// point are attributed to the component itself.
	g.d.UpsertBlueprint(cand.Name, cand.Description, cand.Dependencies, g.now().UTC())
	if g.activate(ctx, cand) {
		created++
	}
	return created
}

// buildBlueprint generates source for a designed-but-unbuilt component.
func (g *Genesis) buildBlueprint(ctx context.Context, bp *dna.Blueprint) bool {
	if g.mat.Exists(bp.Name) {
		// Source exists from a previous life; just integrate it.
		return g.activate(ctx, &architect.Candidate{Name: bp.Name, Description: bp.Description})
	}

	cand, err := g.arch.Build(ctx, g.d, bp)
	if err != nil {
		g.recordGenerationFailure(bp.Name, err)
		return false
	}
	return g.activate(ctx, cand)
}

// activate materializes (when the candidate carries source) and
// integrates one component, routing every failure through the
// supervisor. Returns true when the component went live.
func (g *Genesis) activate(ctx context.Context, cand *architect.Candidate) bool {
	if cand.Source != "" {
		if _, err := g.mat.Materialize(cand.Name, cand.Source); err != nil {
			kind := dna.FailureWrite
			var perr *materializer.PathViolationError
			if errors.As(err, &perr) {
				kind = dna.FailurePath
			}
			g.supervisor.RecordFailure(g.d, cand.Name, kind, err.Error(), 1)
			return false
		}
	}

	if err := g.integrate(ctx, cand.Name); err != nil {
		return false
	}

	now := g.now().UTC()
	g.d.MarkActive(cand.Name, now)
	g.d.ClearFailure(cand.Name, now)
	g.d.Meta.EvolutionCount++
	g.logger.Info("component evolved",
		zap.String("component", cand.Name),
		zap.Int("evolution_count", g.d.Meta.EvolutionCount))
	return true
}

// integrate runs the assimilator and translates its typed errors into
// supervised failure records.
func (g *Genesis) integrate(ctx context.Context, name string) error {
	err := g.asm.Integrate(ctx, name)
	if err == nil {
		return nil
	}

	var (
		actErr  *assimilator.ActivationError
		conErr  *assimilator.ContractError
		loadErr *assimilator.LoadError
		rejErr  *assimilator.RejectedError
		capErr  *assimilator.CapacityError
	)
	switch {
	case errors.As(err, &actErr):
		g.supervisor.RecordFailure(g.d, name, dna.FailureActivation, actErr.Reason, 1)
	case errors.As(err, &conErr):
		g.supervisor.RecordFailure(g.d, name, dna.FailureContract, conErr.Reason, 1)
	case errors.As(err, &loadErr):
		g.supervisor.RecordFailure(g.d, name, dna.FailureLoad, loadErr.Err.Error(), 1)
	case errors.As(err, &rejErr):
		g.supervisor.RecordFailure(g.d, name, dna.FailureSecurity, rejErr.Error(), 1)
	case errors.As(err, &capErr):
		g.logger.Warn("integration deferred, at capacity", zap.String("component", name))
	case errors.Is(err, context.DeadlineExceeded):
		g.supervisor.RecordFailure(g.d, name, dna.FailureTimeout, err.Error(), 1)
	case errors.Is(err, context.Canceled):
	default:
		g.supervisor.RecordFailure(g.d, name, dna.FailureRuntime, err.Error(), 1)
	}
	return err
}

// recordGenerationFailure books an exhausted generation budget as a
// single batch of attempts.
func (g *Genesis) recordGenerationFailure(target string, err error) {
	var gerr *architect.GenerationError
	if errors.As(err, &gerr) {
		msg := gerr.Error()
		g.supervisor.RecordFailure(g.d, target, dna.FailureGeneration, msg, gerr.Attempts)
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	g.supervisor.RecordFailure(g.d, target, dna.FailureGeneration, err.Error(), 1)
}

// drainCrashes applies queued runtime failure reports from the bus.
func (g *Genesis) drainCrashes() {
	for {
		select {
		case c := <-g.crashes:
			if c.component == "" {
				continue
			}
			now := g.now().UTC()
			g.d.MarkInactive(c.component, now)
			g.supervisor.RecordFailure(g.d, c.component, dna.FailureRuntime, c.reason, 1)
		default:
			return
		}
	}
}

// shutdown stops organs, persists state, and closes the bus.
func (g *Genesis) shutdown() error {
	g.state.Store(int32(StateStopping))
	g.logger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g.asm.StopAll(stopCtx)

	if g.crashSub != nil {
		g.crashSub.Unsubscribe()
	}
	g.drainCrashes()

	var firstErr error
	if g.d != nil {
		if err := g.store.Save(g.d); err != nil {
			firstErr = err
		}
	}

	g.bus.PublishSync(bus.Event{
		Topic:  "genesis.stopped",
		Source: "genesis",
	})
	if err := g.bus.Close(stopCtx); err != nil && firstErr == nil {
		firstErr = err
	}

	if g.watcher != nil {
		select {
		case <-g.watcher.Done():
		case <-stopCtx.Done():
		}
	}

	g.state.Store(int32(StateStopped))
	g.logger.Info("stopped")
	return firstErr
}

// seedGoals converts configured goals for a fresh document.
func seedGoals(cfg *config.Config, now time.Time) []*dna.Goal {
	var out []*dna.Goal
	for _, gc := range cfg.Goals {
		if gc.Description == "" || len(gc.Patterns) == 0 {
			continue
		}
		out = append(out, &dna.Goal{
			Description: gc.Description,
			Patterns:    gc.Patterns,
			Priority:    gc.Priority,
			CreatedAt:   now,
		})
	}
	return out
}
