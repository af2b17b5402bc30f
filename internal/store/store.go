// Package store is the durable state layer: the active run slot, the
// append-only history archive, per-component backup records, and the
// process-wide advisory lock. All writes go through the atomic
// temp-file+rename discipline in internal/yaml.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/obstack/upgradectl/internal/lock"
	"github.com/obstack/upgradectl/internal/model"
	yamlutil "github.com/obstack/upgradectl/internal/yaml"
)

const (
	runFile     = "run.yaml"
	historyDir  = "history"
	backupsDir  = "backups"
	locksDir    = "locks"
	logsDir     = "logs"
	backupsFile = "record.yaml"
)

// ErrManifestChanged rejects a manifest edit while a run is incomplete.
var ErrManifestChanged = errors.New("manifest changed while a run is incomplete; finish or abandon the active run first")

// Store owns one state directory. Mutations are serialized in-process; the
// advisory lock serializes across processes.
type Store struct {
	dir string

	mu      sync.Mutex
	lockMgr *lock.Manager
}

func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) RunPath() string {
	return filepath.Join(s.dir, runFile)
}

// EnsureLayout creates the state layout. Every directory is allowed to be
// absent on first run; nothing here assumes a prior invocation.
func (s *Store) EnsureLayout() error {
	for _, d := range []string{"", historyDir, backupsDir, locksDir, logsDir, "quarantine"} {
		if err := os.MkdirAll(filepath.Join(s.dir, d), 0755); err != nil {
			return fmt.Errorf("create state dir %s: %w", d, err)
		}
	}
	return nil
}

// AcquireLock takes the process-wide lock, breaking a stale one and
// recording the break as an audit event in history.
func (s *Store) AcquireLock(ttl time.Duration) error {
	if err := s.EnsureLayout(); err != nil {
		return err
	}
	s.lockMgr = lock.NewManager(filepath.Join(s.dir, locksDir), ttl)
	broken, err := s.lockMgr.Acquire()
	if err != nil {
		return err
	}
	if broken != nil {
		if err := s.appendLockBreakEvent(broken); err != nil {
			// Audit failures must not leave a half-held lock behind.
			s.lockMgr.Release()
			return fmt.Errorf("record lock break: %w", err)
		}
	}
	return nil
}

// ActiveLock reads the current lock record without contending for it.
func (s *Store) ActiveLock() (*model.LockRecord, error) {
	return lock.ReadRecord(filepath.Join(s.dir, locksDir))
}

func (s *Store) ReleaseLock() error {
	if s.lockMgr == nil {
		return nil
	}
	return s.lockMgr.Release()
}

func (s *Store) appendLockBreakEvent(broken *model.LockRecord) error {
	evtID, err := model.GenerateID(model.IDTypeEvent)
	if err != nil {
		return err
	}
	rec := model.HistoryRecord{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      yamlutil.FileTypeHistory,
		RunID:         evtID,
		Outcome:       model.OutcomeLockBroken,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		Detail: fmt.Sprintf("broke stale lock held by %s (host=%s pid=%d acquired_at=%s)",
			broken.HolderID, broken.Host, broken.PID, broken.AcquiredAt),
	}
	return s.AppendHistory(rec)
}

// BeginRun returns the active run if one is incomplete (the idempotency
// anchor: re-invoking with an identical manifest continues, never forks),
// otherwise creates a fresh RunState. The bool reports whether an existing
// run was resumed.
func (s *Store) BeginRun(m *model.UpgradeManifest, manifestHash string, mode model.Mode) (*model.RunState, bool, error) {
	if err := s.EnsureLayout(); err != nil {
		return nil, false, err
	}

	existing, err := s.LoadResumable()
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if existing.ManifestHash != manifestHash {
			return nil, false, ErrManifestChanged
		}
		return existing, true, nil
	}

	runID, err := model.GenerateID(model.IDTypeRun)
	if err != nil {
		return nil, false, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	run := &model.RunState{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      yamlutil.FileTypeRunState,
		RunID:         runID,
		StartedAt:     now,
		Mode:          mode,
		ManifestHash:  manifestHash,
		PhaseCursor:   0,
		Components:    make(map[string]*model.ComponentState, len(m.Components)),
		UpdatedAt:     now,
	}

	for _, tier := range model.PhaseOrder {
		var names []string
		for _, c := range m.Components {
			if c.RiskTier == tier {
				names = append(names, c.Name)
			}
		}
		if len(names) == 0 {
			continue
		}
		run.Phases = append(run.Phases, model.PhaseState{
			Name:       string(tier),
			RiskTier:   tier,
			Status:     model.PhaseNotStarted,
			Components: names,
		})
	}

	for _, c := range m.Components {
		run.Components[c.Name] = &model.ComponentState{
			Status:      model.StatusPending,
			StageIndex:  0,
			EnteredAt:   now,
			NonBlocking: c.NonBlocking,
		}
	}

	if err := s.saveRunLocked(run); err != nil {
		return nil, false, err
	}
	return run, false, nil
}

// LoadResumable returns the active run, nil when the slot is empty. A file
// that no longer parses is quarantined and escalated: state-store corruption
// is the one error class that must stop the process.
func (s *Store) LoadResumable() (*model.RunState, error) {
	path := s.RunPath()
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read run state: %w", err)
	}

	if err := yamlutil.ValidateSchemaHeaderFromBytes(content, yamlutil.FileTypeRunState); err != nil {
		if qerr := yamlutil.Quarantine(s.dir, path); qerr != nil {
			return nil, fmt.Errorf("run state corrupt (%v) and quarantine failed: %w", err, qerr)
		}
		return nil, fmt.Errorf("run state corrupt, quarantined: %w", err)
	}

	var run model.RunState
	if err := yamlv3.Unmarshal(content, &run); err != nil {
		if qerr := yamlutil.Quarantine(s.dir, path); qerr != nil {
			return nil, fmt.Errorf("run state corrupt (%v) and quarantine failed: %w", err, qerr)
		}
		return nil, fmt.Errorf("run state corrupt, quarantined: %w", err)
	}
	return &run, nil
}

// Transition moves one component to a new status, enforcing the transition
// table, and persists the whole run atomically. meta mutates additional
// component fields under the same write.
func (s *Store) Transition(run *model.RunState, component string, to model.ComponentStatus, meta func(*model.ComponentState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := run.Components[component]
	if !ok {
		return fmt.Errorf("unknown component %q", component)
	}
	if err := model.ValidateComponentTransition(cs.Status, to); err != nil {
		return fmt.Errorf("%s: %w", component, err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	cs.Status = to
	cs.EnteredAt = now
	if meta != nil {
		meta(cs)
	}
	run.UpdatedAt = now
	return s.saveRunLocked(run)
}

// UpdateComponent mutates component fields without a status change (stage
// advances, backup refs, attempt counts) and persists atomically.
func (s *Store) UpdateComponent(run *model.RunState, component string, fn func(*model.ComponentState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := run.Components[component]
	if !ok {
		return fmt.Errorf("unknown component %q", component)
	}
	fn(cs)
	run.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return s.saveRunLocked(run)
}

// UpdatePhase transitions a phase and persists.
func (s *Store) UpdatePhase(run *model.RunState, phaseIdx int, to model.PhaseStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if phaseIdx < 0 || phaseIdx >= len(run.Phases) {
		return fmt.Errorf("phase index %d out of range", phaseIdx)
	}
	if err := model.ValidatePhaseTransition(run.Phases[phaseIdx].Status, to); err != nil {
		return fmt.Errorf("phase %s: %w", run.Phases[phaseIdx].Name, err)
	}
	run.Phases[phaseIdx].Status = to
	run.PhaseCursor = phaseIdx
	run.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return s.saveRunLocked(run)
}

// Save persists the run without any transition check (cursor moves,
// resolved version paths).
func (s *Store) Save(run *model.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return s.saveRunLocked(run)
}

func (s *Store) saveRunLocked(run *model.RunState) error {
	return yamlutil.AtomicWrite(s.RunPath(), run)
}

// AppendHistory writes a history record exactly once; a second write for
// the same run ID fails rather than editing in place.
func (s *Store) AppendHistory(rec model.HistoryRecord) error {
	if err := os.MkdirAll(filepath.Join(s.dir, historyDir), 0755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	path := filepath.Join(s.dir, historyDir, rec.RunID+".yaml")
	return yamlutil.WriteExclusive(path, rec)
}

// FinishRun archives a terminal run into history and clears the active
// slot. The slot is only cleared after the history write succeeds, so a
// crash in between is re-driven by the next invocation.
func (s *Store) FinishRun(run *model.RunState) (*model.HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !run.Terminal() {
		return nil, fmt.Errorf("run %s is not terminal", run.RunID)
	}

	started, err := time.Parse(time.RFC3339, run.StartedAt)
	if err != nil {
		started = time.Now().UTC()
	}

	rec := model.HistoryRecord{
		SchemaVersion:     yamlutil.CurrentSchemaVersion,
		FileType:          yamlutil.FileTypeHistory,
		RunID:             run.RunID,
		Outcome:           run.Outcome(),
		ComponentOutcomes: make(map[string]model.ComponentOutcome, len(run.Components)),
		DurationSec:       time.Since(started).Seconds(),
		ManifestHash:      run.ManifestHash,
		CreatedAt:         time.Now().UTC().Format(time.RFC3339),
	}
	for name, cs := range run.Components {
		out := model.ComponentOutcome{
			Status:          cs.Status,
			StagesCompleted: cs.StagesCompleted(),
		}
		if cs.LastError != nil {
			out.LastError = *cs.LastError
		}
		rec.ComponentOutcomes[name] = out
	}

	if err := s.AppendHistory(rec); err != nil {
		// A leftover record from a crash between archive and slot clear:
		// finish the clear instead of failing the run.
		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}
	}

	if err := os.Remove(s.RunPath()); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("clear active run slot: %w", err)
	}
	os.Remove(s.RunPath() + ".bak")
	return &rec, nil
}

// Abandon archives an incomplete run with outcome abandoned and clears the
// slot. Explicit operator action only.
func (s *Store) Abandon(run *model.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := model.HistoryRecord{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      yamlutil.FileTypeHistory,
		RunID:         run.RunID,
		Outcome:       model.OutcomeAbandoned,
		ManifestHash:  run.ManifestHash,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.AppendHistory(rec); err != nil {
		return err
	}
	if err := os.Remove(s.RunPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear active run slot: %w", err)
	}
	os.Remove(s.RunPath() + ".bak")
	return nil
}

// RecentFailure returns the creation time of the most recent history record
// in which the component failed, nil when it never has. Feeds the
// resolver's holdback heuristic.
func (s *Store) RecentFailure(component string) (*time.Time, error) {
	records, err := s.History()
	if err != nil {
		return nil, err
	}

	var latest *time.Time
	for _, rec := range records {
		out, ok := rec.ComponentOutcomes[component]
		if !ok || out.Status != model.StatusFailed {
			continue
		}
		created, err := time.Parse(time.RFC3339, rec.CreatedAt)
		if err != nil {
			continue
		}
		if latest == nil || created.After(*latest) {
			t := created
			latest = &t
		}
	}
	return latest, nil
}

// History loads all history records, oldest first.
func (s *Store) History() ([]model.HistoryRecord, error) {
	dir := filepath.Join(s.dir, historyDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read history dir: %w", err)
	}

	var records []model.HistoryRecord
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read history record %s: %w", e.Name(), err)
		}
		var rec model.HistoryRecord
		if err := yamlv3.Unmarshal(content, &rec); err != nil {
			return nil, fmt.Errorf("parse history record %s: %w", e.Name(), err)
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt < records[j].CreatedAt
	})
	return records, nil
}
