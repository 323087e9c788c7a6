package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"genesis/internal/config"
	"genesis/internal/dna"
	"genesis/internal/genesis"
	"genesis/internal/llm"
	"genesis/internal/logging"
	"genesis/internal/validator"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string
	goalFlags  []string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "genesis",
	Short: "genesis - self-evolving agent kernel",
	Long: `genesis is a minimal kernel that grows its own capabilities.

You declare goals; the kernel asks a language model to design components,
statically screens them against a security contract, persists everything
to crash-safe state, and hot-loads each component as an isolated
concurrent unit. Components that fail repeatedly are quarantined behind
a circuit breaker instead of wedging the loop.

State lives under <workspace>/.genesis/.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, cfg.Logging.Format)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd starts the evolution loop
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Awaken the engine and run the evolution loop",
	Long: `Boots the engine and evolves until interrupted:
  1. Load (or mint) identity and DNA
  2. Re-integrate organs that survived the last shutdown
  3. Each cycle: check goals, design, validate, materialize, integrate

Ctrl-C persists state and stops every organ before exiting.`,
	RunE: runEngine,
}

// cycleCmd forces a single evolution cycle
var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run exactly one evolution cycle and exit",
	RunE:  runCycle,
}

// statusCmd prints engine state from disk
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show DNA, goals, and circuit state without starting the engine",
	RunE:  showStatus,
}

// initCmd writes a starter config
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default genesis.yaml to the workspace",
	RunE:  runInit,
}

// resetCmd wipes evolved state
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset DNA to a blank document (identity is preserved)",
	Long: `Replaces the DNA document with a fresh one carrying only the
configured goals. Organ sources and identity are left on disk; use
--purge-organs to delete generated sources too.`,
	RunE: runReset,
}

// breakerCmd manages circuit breakers
var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Inspect and reset component circuit breakers",
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset [component]",
	Short: "Close an open circuit so the component gets another attempt",
	Args:  cobra.ExactArgs(1),
	RunE:  breakerReset,
}

// backupsCmd manages DNA backups
var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List and restore DNA backups",
}

var backupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List DNA backups, newest first",
	RunE:  backupsList,
}

var backupsRestoreCmd = &cobra.Command{
	Use:   "restore [backup-file]",
	Short: "Restore the DNA document from a backup",
	Args:  cobra.ExactArgs(1),
	RunE:  backupsRestore,
}

// validateCmd screens a source file against the component contract
var validateCmd = &cobra.Command{
	Use:   "validate [component-name] [file]",
	Short: "Check a Go source file against the component security contract",
	Args:  cobra.ExactArgs(2),
	RunE:  validateFile,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: <workspace>/genesis.yaml)")

	runCmd.Flags().StringSliceVar(&goalFlags, "goal", nil, "Extra goal as 'description=pattern[,pattern]' (repeatable)")
	cycleCmd.Flags().StringSliceVar(&goalFlags, "goal", nil, "Extra goal as 'description=pattern[,pattern]' (repeatable)")

	var purgeOrgans, force bool
	resetCmd.Flags().BoolVar(&purgeOrgans, "purge-organs", false, "Also delete generated organ sources")
	resetCmd.Flags().BoolVar(&force, "force", false, "Skip the confirmation prompt")

	breakerCmd.AddCommand(breakerResetCmd)
	backupsCmd.AddCommand(backupsListCmd)
	backupsCmd.AddCommand(backupsRestoreCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cycleCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(breakerCmd)
	rootCmd.AddCommand(backupsCmd)
	rootCmd.AddCommand(validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves the workspace and loads genesis.yaml (or defaults).
func loadConfig() (*config.Config, error) {
	ws := workspace
	if ws == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve workspace: %w", err)
		}
		ws = cwd
	}
	path := configPath
	if path == "" {
		path = filepath.Join(ws, "genesis.yaml")
	}
	cfg, err := config.Load(path, ws)
	if err != nil {
		return nil, err
	}
	applyGoalFlags(cfg)
	return cfg, nil
}

// applyGoalFlags folds --goal flags into the configured goal set.
func applyGoalFlags(cfg *config.Config) {
	for _, raw := range goalFlags {
		desc, patterns, ok := strings.Cut(raw, "=")
		if !ok || desc == "" || patterns == "" {
			fmt.Fprintf(os.Stderr, "ignoring malformed --goal %q (want 'description=pattern')\n", raw)
			continue
		}
		cfg.Goals = append(cfg.Goals, config.GoalConfig{
			Description: strings.TrimSpace(desc),
			Patterns:    strings.Split(patterns, ","),
			Priority:    1,
		})
	}
}

// newEngine builds a wired engine from config plus the real LLM client.
func newEngine(ctx context.Context, cfg *config.Config) (*genesis.Genesis, error) {
	client, err := llm.FromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return genesis.New(cfg, client, logger)
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()
	return ctx, cancel
}

// runEngine awakens the engine and blocks until interrupted.
func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	g, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	return g.Awaken(ctx)
}

// runCycle forces exactly one evolution cycle.
func runCycle(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	g, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	if err := g.RunOnce(ctx); err != nil {
		return err
	}
	printStatus(g.Status())
	return nil
}

// showStatus reads state from disk without booting the engine.
func showStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store := dna.NewStore(cfg.Paths.DNAFile, cfg.Paths.BackupDir, logger)
	d, err := store.Load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Println("No DNA yet. Run 'genesis run' to awaken.")
			return nil
		}
		var ierr *dna.IntegrityError
		if errors.As(err, &ierr) {
			fmt.Fprintf(os.Stderr, "DNA INTEGRITY FAILURE: %v\n", ierr)
			fmt.Fprintln(os.Stderr, "Restore a backup with 'genesis backups restore'.")
		}
		return err
	}

	fmt.Printf("Schema:     v%s\n", d.Schema)
	fmt.Printf("Evolutions: %d\n", d.Meta.EvolutionCount)
	fmt.Printf("Failures:   %d total\n", d.Meta.TotalFailures)
	fmt.Printf("Active:     %d component(s)\n", len(d.Active))
	for _, name := range d.Active {
		fmt.Printf("  - %s\n", name)
	}
	fmt.Printf("Blueprints: %d\n", len(d.Blueprint))
	fmt.Printf("Goals:      %d\n", len(d.Goals))
	for _, g := range d.Goals {
		mark := " "
		if g.Satisfied {
			mark = "x"
		}
		fmt.Printf("  [%s] %s %v\n", mark, g.Description, g.Patterns)
	}
	if open := d.OpenCircuits(); len(open) > 0 {
		fmt.Printf("Open circuits: %v\n", open)
	}
	return nil
}

// printStatus renders a live engine snapshot.
func printStatus(st genesis.Status) {
	fmt.Printf("State:      %s\n", st.State)
	fmt.Printf("Identity:   %s (awakening #%d)\n", st.IdentityID, st.Awakenings)
	fmt.Printf("Active:     %v\n", st.Active)
	fmt.Printf("Goals:      %d/%d satisfied\n", st.GoalsSatisfied, st.GoalsTotal)
	fmt.Printf("Evolutions: %d\n", st.EvolutionCount)
	if len(st.OpenCircuits) > 0 {
		fmt.Printf("Open circuits: %v\n", st.OpenCircuits)
	}
}

// runInit writes a starter config file.
func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := configPath
	if path == "" {
		path = filepath.Join(cfg.Paths.Workspace, "genesis.yaml")
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	fmt.Println("Declare goals under 'goals:' and run 'genesis run'.")
	return nil
}

// runReset replaces DNA with a blank document.
func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")
	if !force {
		fmt.Printf("This wipes all evolved state under %s. Continue? [y/N] ", filepath.Dir(cfg.Paths.DNAFile))
		var answer string
		fmt.Scanln(&answer)
		if !strings.HasPrefix(strings.ToLower(answer), "y") {
			fmt.Println("Aborted.")
			return nil
		}
	}

	store := dna.NewStore(cfg.Paths.DNAFile, cfg.Paths.BackupDir, logger)
	var goals []*dna.Goal
	for _, gc := range cfg.Goals {
		goals = append(goals, &dna.Goal{Description: gc.Description, Patterns: gc.Patterns, Priority: gc.Priority})
	}
	if _, err := store.Reset(cfg.Name, goals); err != nil {
		return err
	}
	fmt.Println("DNA reset. Identity preserved.")

	if purge, _ := cmd.Flags().GetBool("purge-organs"); purge {
		if err := os.RemoveAll(cfg.Paths.OrganRoot); err != nil {
			return fmt.Errorf("failed to purge organs: %w", err)
		}
		fmt.Println("Organ sources deleted.")
	}
	return nil
}

// breakerReset closes an open circuit by hand.
func breakerReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	name := args[0]

	store := dna.NewStore(cfg.Paths.DNAFile, cfg.Paths.BackupDir, logger)
	d, err := store.Load()
	if err != nil {
		return err
	}
	if d.FindFailure(name) == nil {
		return fmt.Errorf("no failure record for %q", name)
	}
	d.ResetCircuit(name, time.Now().UTC())
	if err := store.Save(d); err != nil {
		return err
	}
	fmt.Printf("Circuit for %s closed; it will be retried next cycle.\n", name)
	return nil
}

// backupsList prints available DNA backups.
func backupsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store := dna.NewStore(cfg.Paths.DNAFile, cfg.Paths.BackupDir, logger)
	backups, err := store.ListBackups()
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		fmt.Println("No backups yet.")
		return nil
	}
	for _, b := range backups {
		fmt.Println(b)
	}
	return nil
}

// backupsRestore replaces DNA with a chosen backup.
func backupsRestore(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store := dna.NewStore(cfg.Paths.DNAFile, cfg.Paths.BackupDir, logger)
	d, err := store.RestoreBackup(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Restored: %d active component(s), %d goal(s).\n", len(d.Active), len(d.Goals))
	return nil
}

// validateFile screens a source file the way the engine screens
// generated components.
func validateFile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	name, file := args[0], args[1]
	source, err := os.ReadFile(file)
	if err != nil {
		return err
	}

	v := validator.New(validator.WithExtraImports(cfg.Security.ExtraImports))
	result := v.Validate(string(source), name)
	if result.OK {
		fmt.Printf("%s: PASS\n", file)
		return nil
	}
	for _, diag := range result.Diagnostics {
		fmt.Printf("%s: %s\n", file, diag)
	}
	return fmt.Errorf("%d violation(s)", len(result.Diagnostics))
}
