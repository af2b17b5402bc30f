// Package status reports the orchestrator's view of the fleet: the active
// run (if any), the most recent archived outcome, and lock ownership.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/obstack/upgradectl/internal/model"
	"github.com/obstack/upgradectl/internal/store"
)

type Snapshot struct {
	Active *ActiveRun        `json:"active_run,omitempty"`
	Last   *LastOutcome      `json:"last_outcome,omitempty"`
	Lock   *model.LockRecord `json:"lock,omitempty"`
}

type ActiveRun struct {
	RunID      string         `json:"run_id"`
	Mode       model.Mode     `json:"mode"`
	StartedAt  string         `json:"started_at"`
	Phases     []PhaseRow     `json:"phases"`
	Components []ComponentRow `json:"components"`
}

type PhaseRow struct {
	Name   string            `json:"name"`
	Status model.PhaseStatus `json:"status"`
}

type ComponentRow struct {
	Name     string                `json:"name"`
	Phase    string                `json:"phase"`
	Status   model.ComponentStatus `json:"status"`
	Stage    string                `json:"stage"`
	Target   string                `json:"target,omitempty"`
	LastErr  string                `json:"last_error,omitempty"`
	Manual   bool                  `json:"requires_manual_restore,omitempty"`
	SoakEnds string                `json:"soak_ends,omitempty"`
}

type LastOutcome struct {
	RunID     string           `json:"run_id"`
	Outcome   model.RunOutcome `json:"outcome"`
	CreatedAt string           `json:"created_at"`
	Detail    string           `json:"detail,omitempty"`
}

// Collect assembles a snapshot from the state directory. Missing pieces
// (no active run, empty history, no lock) are nil, not errors.
func Collect(st *store.Store, soakSec int) (Snapshot, error) {
	var snap Snapshot

	run, err := st.LoadResumable()
	if err != nil {
		return snap, err
	}
	if run != nil {
		snap.Active = activeRun(run, soakSec)
	}

	records, err := st.History()
	if err != nil {
		return snap, err
	}
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Outcome == model.OutcomeLockBroken {
			continue
		}
		snap.Last = &LastOutcome{
			RunID:     records[i].RunID,
			Outcome:   records[i].Outcome,
			CreatedAt: records[i].CreatedAt,
			Detail:    records[i].Detail,
		}
		break
	}

	if rec, err := st.ActiveLock(); err == nil {
		snap.Lock = rec
	}
	return snap, nil
}

func activeRun(run *model.RunState, soakSec int) *ActiveRun {
	ar := &ActiveRun{
		RunID:     run.RunID,
		Mode:      run.Mode,
		StartedAt: run.StartedAt,
	}
	phaseOf := make(map[string]string)
	for _, p := range run.Phases {
		ar.Phases = append(ar.Phases, PhaseRow{Name: p.Name, Status: p.Status})
		for _, name := range p.Components {
			phaseOf[name] = p.Name
		}
	}

	names := make([]string, 0, len(run.Components))
	for name := range run.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cs := run.Components[name]
		row := ComponentRow{
			Name:   name,
			Phase:  phaseOf[name],
			Status: cs.Status,
			Stage:  fmt.Sprintf("%d/%d", cs.StagesCompleted(), len(cs.TargetVersionPath)),
			Manual: cs.RequiresManualRestore,
		}
		if len(cs.TargetVersionPath) > 0 {
			row.Target = cs.TargetVersionPath[len(cs.TargetVersionPath)-1]
		}
		if cs.LastError != nil {
			row.LastErr = *cs.LastError
		}
		if cs.Status == model.StatusStageWait && cs.StageCompletedAt != nil {
			if completed, err := time.Parse(time.RFC3339, *cs.StageCompletedAt); err == nil {
				row.SoakEnds = completed.Add(time.Duration(soakSec) * time.Second).Format(time.RFC3339)
			}
		}
		ar.Components = append(ar.Components, row)
	}
	return ar
}

// Render writes one snapshot, as JSON or as the human table.
func Render(w io.Writer, snap Snapshot, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	renderText(w, snap)
	return nil
}

func renderText(w io.Writer, s Snapshot) {
	if s.Lock != nil {
		fmt.Fprintf(w, "Lock: held by %s on %s (pid %d) since %s\n",
			s.Lock.HolderID, s.Lock.Host, s.Lock.PID, s.Lock.AcquiredAt)
	}

	if s.Active == nil {
		fmt.Fprintln(w, "Active run: none")
	} else {
		fmt.Fprintf(w, "Active run: %s  mode=%s  started=%s\n", s.Active.RunID, s.Active.Mode, s.Active.StartedAt)
		for _, p := range s.Active.Phases {
			fmt.Fprintf(w, "  phase %-8s %s\n", p.Name, p.Status)
		}
		fmt.Fprintf(w, "\n  %-20s %-8s %-14s %-7s %s\n", "COMPONENT", "PHASE", "STATUS", "STAGE", "TARGET")
		for _, c := range s.Active.Components {
			fmt.Fprintf(w, "  %-20s %-8s %-14s %-7s %s\n", c.Name, c.Phase, c.Status, c.Stage, c.Target)
			if c.SoakEnds != "" {
				fmt.Fprintf(w, "  %-20s soaking until %s\n", "", c.SoakEnds)
			}
			if c.Manual {
				fmt.Fprintf(w, "  %-20s MANUAL RESTORE REQUIRED: %s\n", "", c.LastErr)
			} else if c.LastErr != "" {
				fmt.Fprintf(w, "  %-20s last error: %s\n", "", c.LastErr)
			}
		}
	}

	if s.Last != nil {
		fmt.Fprintf(w, "\nLast outcome: %s (%s, %s)\n", s.Last.Outcome, s.Last.RunID, s.Last.CreatedAt)
	}
}

// Watch re-renders the snapshot whenever the active run state file changes,
// until ctx is done. Events are debounced: the run file is rewritten on
// every step, often in quick bursts.
func Watch(ctx context.Context, st *store.Store, w io.Writer, soakSec int, jsonOutput bool) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: atomic renames replace the inode.
	if err := watcher.Add(st.Dir()); err != nil {
		return fmt.Errorf("watch %s: %w", st.Dir(), err)
	}

	render := func() error {
		snap, err := Collect(st, soakSec)
		if err != nil {
			return err
		}
		return Render(w, snap, jsonOutput)
	}
	if err := render(); err != nil {
		return err
	}

	var debounce *time.Timer
	pending := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Rename) && !ev.Op.Has(fsnotify.Remove) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})
		case <-pending:
			if err := render(); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch: %w", err)
		}
	}
}
