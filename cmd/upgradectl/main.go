package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/obstack/upgradectl/internal/engine"
	"github.com/obstack/upgradectl/internal/executor"
	"github.com/obstack/upgradectl/internal/lock"
	"github.com/obstack/upgradectl/internal/logging"
	"github.com/obstack/upgradectl/internal/manifest"
	"github.com/obstack/upgradectl/internal/model"
	"github.com/obstack/upgradectl/internal/plan"
	"github.com/obstack/upgradectl/internal/scheduler"
	"github.com/obstack/upgradectl/internal/setup"
	"github.com/obstack/upgradectl/internal/status"
	"github.com/obstack/upgradectl/internal/store"
)

const version = "1.0.0"

const stateDirName = ".upgradectl"

// Exit codes are part of the operator contract: automation keys off them.
const (
	exitOK         = 0 // success, including "soaking, rerun later"
	exitFailure    = 1 // run halted, lock busy, or rollback refused
	exitValidation = 2 // bad manifest, config, or usage
	exitCanceled   = 3 // operator interrupt honored at a step boundary
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitValidation)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "plan":
		runPlan(os.Args[2:])
	case "upgrade":
		runUpgrade(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "rollback":
		runRollback(os.Args[2:])
	case "abandon":
		runAbandon(os.Args[2:])
	case "version":
		fmt.Printf("upgradectl %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(exitValidation)
	}
}

func runInit(args []string) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	stateDir := filepath.Join(dir, stateDirName)
	if err := setup.Run(stateDir); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(exitFailure)
	}
	absDir, _ := filepath.Abs(stateDir)
	fmt.Printf("Initialized %s\n", absDir)
	fmt.Printf("Edit %s and copy manifest.example.yaml to get started.\n", filepath.Join(absDir, "config.yaml"))
}

func runPlan(args []string) {
	var manifestPath, stateDir string
	var jsonOutput, force bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--manifest":
			i = requireValue(args, i, "--manifest")
			manifestPath = args[i]
		case "--state-dir":
			i = requireValue(args, i, "--state-dir")
			stateDir = args[i]
		case "--json":
			jsonOutput = true
		case "--force":
			force = true
		default:
			usageExit("usage: upgradectl plan --manifest <path> [--state-dir <dir>] [--json] [--force]")
		}
	}
	if manifestPath == "" {
		usageExit("plan: --manifest is required")
	}

	stateDir = resolveStateDir(stateDir)
	cfg := mustLoadConfig(stateDir)
	m := mustLoadManifest(manifestPath)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st := store.New(stateDir)
	rows, err := plan.Build(ctx, m, executor.Default(), st, cfg, force)
	if err != nil {
		fmt.Fprintf(os.Stderr, "plan: %v\n", err)
		os.Exit(exitFailure)
	}
	if err := plan.Render(os.Stdout, rows, jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "plan: %v\n", err)
		os.Exit(exitFailure)
	}
}

func runUpgrade(args []string) {
	var manifestPath, stateDir, phaseFilter string
	var components []string
	var all, resume, force bool
	mode := model.ModeStandard

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--manifest":
			i = requireValue(args, i, "--manifest")
			manifestPath = args[i]
		case "--state-dir":
			i = requireValue(args, i, "--state-dir")
			stateDir = args[i]
		case "--mode":
			i = requireValue(args, i, "--mode")
			mode = model.Mode(args[i])
		case "--component":
			i = requireValue(args, i, "--component")
			components = append(components, args[i])
		case "--phase":
			i = requireValue(args, i, "--phase")
			phaseFilter = args[i]
		case "--all":
			all = true
		case "--resume":
			resume = true
		case "--force":
			force = true
		default:
			usageExit("usage: upgradectl upgrade --manifest <path> (--all | --component <name> | --phase <tier>) [--mode <mode>] [--resume] [--force] [--state-dir <dir>]")
		}
	}
	if manifestPath == "" {
		usageExit("upgrade: --manifest is required")
	}
	if !all && len(components) == 0 && phaseFilter == "" {
		usageExit("upgrade: select targets with --all, --component, or --phase")
	}
	if !model.ValidMode(mode) {
		usageExit(fmt.Sprintf("upgrade: invalid mode %q (dry_run, safe, standard, fast)", mode))
	}

	stateDir = resolveStateDir(stateDir)
	cfg := mustLoadConfig(stateDir)
	m, hash := mustLoadManifestHashed(manifestPath)

	m, hash = filterManifest(m, hash, components, phaseFilter)
	if len(m.Components) == 0 {
		usageExit("upgrade: no components match the given filter")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st := store.New(stateDir)

	// dry_run resolves and prints; no lock, no state, no mutations.
	if mode == model.ModeDryRun {
		rows, err := plan.Build(ctx, m, executor.Default(), st, cfg, force)
		if err != nil {
			fmt.Fprintf(os.Stderr, "upgrade: %v\n", err)
			os.Exit(exitFailure)
		}
		plan.Render(os.Stdout, rows, false)
		return
	}

	logger, logClose := openLogger(stateDir, cfg)
	defer logClose()

	if err := st.AcquireLock(time.Duration(cfg.Lock.TTLSec) * time.Second); err != nil {
		if errors.Is(err, lock.ErrBusy) {
			fmt.Fprintf(os.Stderr, "upgrade: %v; retry after it finishes or its lock goes stale\n", err)
			os.Exit(exitFailure)
		}
		fmt.Fprintf(os.Stderr, "upgrade: %v\n", err)
		os.Exit(exitFailure)
	}
	defer st.ReleaseLock()

	run, resumed, err := st.BeginRun(m, hash, mode)
	if err != nil {
		if errors.Is(err, store.ErrManifestChanged) {
			fmt.Fprintf(os.Stderr, "upgrade: %v\n", err)
			os.Exit(exitValidation)
		}
		fmt.Fprintf(os.Stderr, "upgrade: %v\n", err)
		os.Exit(exitFailure)
	}
	if resumed {
		logger.Infof("resuming run %s (started %s)", run.RunID, run.StartedAt)
		if !resume {
			logger.Infof("an incomplete run matched this manifest; continuing it (--resume makes this explicit)")
		}
	} else {
		logger.Infof("run %s started mode=%s components=%d", run.RunID, mode, len(m.Components))
	}

	eng := engine.New(st, cfg, executor.Default(), logger)
	sched := scheduler.New(st, eng, cfg, logger)

	res, err := sched.Run(ctx, run, m, force)
	if err != nil {
		// State-store or lock failure: the run stays on disk as-is.
		fmt.Fprintf(os.Stderr, "upgrade: fatal: %v\n", err)
		os.Exit(exitFailure)
	}

	printRunReport(os.Stdout, run, m)

	switch runVerdict(res, run.Terminal()) {
	case verdictCanceled:
		fmt.Printf("\nrun %s interrupted; state saved, rerun with --resume to continue\n", run.RunID)
		os.Exit(exitCanceled)
	case verdictTerminal:
		rec, err := st.FinishRun(run)
		if err != nil {
			fmt.Fprintf(os.Stderr, "upgrade: archive run: %v\n", err)
			os.Exit(exitFailure)
		}
		fmt.Printf("\nrun %s finished: %s\n", run.RunID, rec.Outcome)
		if rec.Outcome != model.OutcomeCompleted {
			os.Exit(exitFailure)
		}
	case verdictHalted:
		if res.FirstFailure != nil {
			fmt.Fprintf(os.Stderr, "\nrun %s halted: %v\n", run.RunID, res.FirstFailure)
		} else {
			fmt.Fprintf(os.Stderr, "\nrun %s halted\n", run.RunID)
		}
		os.Exit(exitFailure)
	case verdictSoaking:
		fmt.Printf("\nrun %s soaking; rerun after the soak interval to continue\n", run.RunID)
	}
}

type verdict int

const (
	verdictTerminal verdict = iota
	verdictCanceled
	verdictHalted
	verdictSoaking
)

// runVerdict orders the outcome checks for a run that returned without a
// fatal error. A halt outranks soaking: a phase can hold both a blocking
// failure and a component parked in stage_wait, and that run exits 1, not 0.
func runVerdict(res scheduler.Result, terminal bool) verdict {
	switch {
	case res.Canceled:
		return verdictCanceled
	case terminal:
		return verdictTerminal
	case res.Halted:
		return verdictHalted
	case res.Soaking:
		return verdictSoaking
	}
	return verdictTerminal
}

func runStatus(args []string) {
	var stateDir string
	var jsonOutput, watch bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--state-dir":
			i = requireValue(args, i, "--state-dir")
			stateDir = args[i]
		case "--json":
			jsonOutput = true
		case "--watch":
			watch = true
		default:
			usageExit("usage: upgradectl status [--watch] [--json] [--state-dir <dir>]")
		}
	}

	stateDir = resolveStateDir(stateDir)
	cfg := mustLoadConfig(stateDir)
	st := store.New(stateDir)

	if watch {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		if err := status.Watch(ctx, st, os.Stdout, cfg.Orchestrator.SoakSec, jsonOutput); err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			os.Exit(exitFailure)
		}
		return
	}

	snap, err := status.Collect(st, cfg.Orchestrator.SoakSec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(exitFailure)
	}
	if err := status.Render(os.Stdout, snap, jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(exitFailure)
	}
}

// runRollback restores a component from a backup record, outside any run.
// Non-restorable records are always refused; the tool prints the artifact
// paths for hand recovery instead.
func runRollback(args []string) {
	var manifestPath, stateDir, component, backupID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--manifest":
			i = requireValue(args, i, "--manifest")
			manifestPath = args[i]
		case "--state-dir":
			i = requireValue(args, i, "--state-dir")
			stateDir = args[i]
		case "--component":
			i = requireValue(args, i, "--component")
			component = args[i]
		case "--backup":
			i = requireValue(args, i, "--backup")
			backupID = args[i]
		default:
			usageExit("usage: upgradectl rollback --manifest <path> --component <name> [--backup <id>] [--state-dir <dir>]")
		}
	}
	if manifestPath == "" || component == "" {
		usageExit("rollback: --manifest and --component are required")
	}

	stateDir = resolveStateDir(stateDir)
	cfg := mustLoadConfig(stateDir)
	m := mustLoadManifest(manifestPath)

	var spec *model.ComponentSpec
	for i := range m.Components {
		if m.Components[i].Name == component {
			spec = &m.Components[i]
			break
		}
	}
	if spec == nil {
		fmt.Fprintf(os.Stderr, "rollback: component %q not in manifest\n", component)
		os.Exit(exitValidation)
	}

	st := store.New(stateDir)
	if err := st.AcquireLock(time.Duration(cfg.Lock.TTLSec) * time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "rollback: %v\n", err)
		os.Exit(exitFailure)
	}
	defer st.ReleaseLock()

	var rec *model.BackupRecord
	var err error
	if backupID != "" {
		rec, err = st.LoadBackupRecord(component, backupID)
	} else {
		rec, err = st.LatestBackup(component)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "rollback: %v\n", err)
		os.Exit(exitFailure)
	}
	if rec == nil {
		fmt.Fprintf(os.Stderr, "rollback: no backup records for %s\n", component)
		os.Exit(exitFailure)
	}

	if !rec.Restorable {
		fmt.Fprintf(os.Stderr, "rollback: backup %s predates an irreversible data migration; automatic restore would corrupt the store.\n", rec.ID)
		fmt.Fprintf(os.Stderr, "Recover by hand from the preserved artifacts:\n")
		fmt.Fprintf(os.Stderr, "  directory:     %s\n", st.BackupDir(component, rec.ID))
		if rec.Artifacts.Binary != "" {
			fmt.Fprintf(os.Stderr, "  binary:        %s\n", rec.Artifacts.Binary)
		}
		if rec.Artifacts.Config != "" {
			fmt.Fprintf(os.Stderr, "  config:        %s\n", rec.Artifacts.Config)
		}
		if rec.Artifacts.DataSnapshot != "" {
			fmt.Fprintf(os.Stderr, "  data snapshot: %s\n", rec.Artifacts.DataSnapshot)
		}
		os.Exit(exitFailure)
	}

	ex, err := executor.Default().New(*spec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rollback: %v\n", err)
		os.Exit(exitValidation)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	restoreCtx, rcancel := context.WithTimeout(ctx, time.Duration(cfg.TimeoutSecFor(spec.RiskTier))*time.Second)
	defer rcancel()

	if err := ex.Restore(restoreCtx, rec); err != nil {
		fmt.Fprintf(os.Stderr, "rollback: restore from %s: %v\n", rec.ID, err)
		os.Exit(exitFailure)
	}
	fmt.Printf("restored %s from backup %s (version %s, stage %d)\n", component, rec.ID, rec.FromVersion, rec.StageIndex)
}

func runAbandon(args []string) {
	var stateDir string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--state-dir":
			i = requireValue(args, i, "--state-dir")
			stateDir = args[i]
		default:
			usageExit("usage: upgradectl abandon [--state-dir <dir>]")
		}
	}

	stateDir = resolveStateDir(stateDir)
	cfg := mustLoadConfig(stateDir)
	st := store.New(stateDir)

	if err := st.AcquireLock(time.Duration(cfg.Lock.TTLSec) * time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "abandon: %v\n", err)
		os.Exit(exitFailure)
	}
	defer st.ReleaseLock()

	run, err := st.LoadResumable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "abandon: %v\n", err)
		os.Exit(exitFailure)
	}
	if run == nil {
		fmt.Println("no active run to abandon")
		return
	}
	if err := st.Abandon(run); err != nil {
		fmt.Fprintf(os.Stderr, "abandon: %v\n", err)
		os.Exit(exitFailure)
	}
	fmt.Printf("run %s abandoned; its history record is archived\n", run.RunID)
}

// printRunReport surfaces every component outcome synchronously, phase by
// phase. Manual-restore failures get the loudest callout.
func printRunReport(w io.Writer, run *model.RunState, m *model.UpgradeManifest) {
	for _, phase := range run.Phases {
		fmt.Fprintf(w, "phase %-8s %s\n", phase.Name, phase.Status)
		names := append([]string(nil), phase.Components...)
		sort.Strings(names)
		for _, name := range names {
			cs := run.Components[name]
			fmt.Fprintf(w, "  %-20s %-14s stage %d/%d", name, cs.Status, cs.StagesCompleted(), len(cs.TargetVersionPath))
			if cs.ProbedVersion != "" {
				fmt.Fprintf(w, "  from %s", cs.ProbedVersion)
			}
			fmt.Fprintln(w)
			if cs.RequiresManualRestore && cs.LastError != nil {
				fmt.Fprintf(w, "  %-20s MANUAL RESTORE REQUIRED: %s\n", "", *cs.LastError)
			} else if cs.LastError != nil {
				fmt.Fprintf(w, "  %-20s %s\n", "", *cs.LastError)
			}
		}
	}
}

// filterManifest narrows the manifest to selected components or one phase.
// The filter becomes part of the idempotency hash so a filtered run never
// silently continues a full run (or vice versa).
func filterManifest(m *model.UpgradeManifest, hash string, components []string, phase string) (*model.UpgradeManifest, string) {
	if len(components) == 0 && phase == "" {
		return m, hash
	}

	want := make(map[string]bool, len(components))
	for _, c := range components {
		want[c] = true
	}

	filtered := &model.UpgradeManifest{
		SchemaVersion: m.SchemaVersion,
		FileType:      m.FileType,
	}
	for _, c := range m.Components {
		if len(components) > 0 && !want[c.Name] {
			continue
		}
		if phase != "" && string(c.RiskTier) != phase {
			continue
		}
		filtered.Components = append(filtered.Components, c)
	}

	var names []string
	for _, c := range filtered.Components {
		names = append(names, c.Name)
	}
	return filtered, hash + "|filter=" + strings.Join(names, ",")
}

func mustLoadManifest(path string) *model.UpgradeManifest {
	m, _ := mustLoadManifestHashed(path)
	return m
}

func mustLoadManifestHashed(path string) (*model.UpgradeManifest, string) {
	m, hash, err := manifest.Load(path)
	if err != nil {
		var verr *manifest.ValidationError
		if errors.As(err, &verr) {
			fmt.Fprintf(os.Stderr, "manifest %s is invalid:\n", path)
			for _, p := range verr.Problems {
				fmt.Fprintf(os.Stderr, "  - %s\n", p)
			}
			os.Exit(exitValidation)
		}
		fmt.Fprintf(os.Stderr, "load manifest: %v\n", err)
		os.Exit(exitValidation)
	}
	return m, hash
}

// mustLoadConfig reads <stateDir>/config.yaml, falling back to defaults when
// the file is absent. A file that exists but does not parse is fatal.
func mustLoadConfig(stateDir string) model.Config {
	data, err := os.ReadFile(filepath.Join(stateDir, "config.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return model.DefaultConfig()
		}
		fmt.Fprintf(os.Stderr, "read config.yaml: %v\n", err)
		os.Exit(exitValidation)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "parse config.yaml: %v\n", err)
		os.Exit(exitValidation)
	}
	cfg.ApplyDefaults()
	return cfg
}

// resolveStateDir returns the explicit flag value, or searches the current
// directory and its ancestors for .upgradectl/.
func resolveStateDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	dir, err := os.Getwd()
	if err == nil {
		for {
			candidate := filepath.Join(dir, stateDirName)
			if info, err := os.Stat(candidate); err == nil && info.IsDir() {
				return candidate
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	fmt.Fprintf(os.Stderr, "error: %s/ not found. Run 'upgradectl init' first or pass --state-dir.\n", stateDirName)
	os.Exit(exitValidation)
	return ""
}

// openLogger writes to stderr and to a per-day log file under the state dir.
func openLogger(stateDir string, cfg model.Config) (*logging.Logger, func()) {
	level := logging.ParseLevel(cfg.Logging.Level)

	logDir := filepath.Join(stateDir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return logging.New(os.Stderr, level), func() {}
	}
	name := fmt.Sprintf("upgradectl-%s.log", time.Now().UTC().Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return logging.New(os.Stderr, level), func() {}
	}
	return logging.New(io.MultiWriter(os.Stderr, f), level), func() { f.Close() }
}

func requireValue(args []string, i int, flag string) int {
	if i+1 >= len(args) {
		usageExit(flag + " requires a value")
	}
	return i + 1
}

func usageExit(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(exitValidation)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `upgradectl %s - idempotent upgrade orchestrator for an observability fleet

Usage: upgradectl <command> [options]

Commands:
  init [dir]                         Initialize %s/ (config + example manifest)
  plan --manifest <path>             Show what an upgrade run would do
  upgrade --manifest <path> <sel>    Run upgrades; <sel> is --all, --component <name>, or --phase <tier>
  status [--watch] [--json]          Show the active run and last outcome
  rollback --manifest <path> --component <name> [--backup <id>]
                                     Restore a component from a backup record
  abandon                            Archive the incomplete run as abandoned
  version                            Show version
  help                               Show this help

Upgrade options:
  --mode <m>     dry_run, safe (serial), standard (default), or fast
  --resume       Continue the incomplete run explicitly
  --force        Bypass soak gates and failure holdbacks
  --state-dir    State directory (default: nearest %s/ ancestor)

Exit codes: 0 success or soaking, 1 failure, 2 validation, 3 canceled.
`, version, stateDirName, stateDirName)
}
