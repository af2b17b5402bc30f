package model

// Mode selects confirmation and parallelism policy for a run.
type Mode string

const (
	ModeDryRun   Mode = "dry_run"
	ModeSafe     Mode = "safe"
	ModeStandard Mode = "standard"
	ModeFast     Mode = "fast"
)

var validModes = map[Mode]bool{
	ModeDryRun:   true,
	ModeSafe:     true,
	ModeStandard: true,
	ModeFast:     true,
}

func ValidMode(m Mode) bool {
	return validModes[m]
}

// RunState is the orchestrator's unit of durability. It lives in the active
// run slot, is rewritten atomically after every side-effecting step, and is
// archived into a HistoryRecord only on a terminal outcome.
type RunState struct {
	SchemaVersion int                        `yaml:"schema_version"`
	FileType      string                     `yaml:"file_type"`
	RunID         string                     `yaml:"run_id"`
	StartedAt     string                     `yaml:"started_at"`
	Mode          Mode                       `yaml:"mode"`
	ManifestHash  string                     `yaml:"manifest_hash"`
	PhaseCursor   int                        `yaml:"phase_cursor"`
	Phases        []PhaseState               `yaml:"phases"`
	Components    map[string]*ComponentState `yaml:"components"`
	UpdatedAt     string                     `yaml:"updated_at"`
}

type PhaseState struct {
	Name       string      `yaml:"name"`
	RiskTier   RiskTier    `yaml:"risk_tier"`
	Status     PhaseStatus `yaml:"status"`
	Components []string    `yaml:"components"`
}

type ComponentState struct {
	Status ComponentStatus `yaml:"status"`
	// StageIndex is the stage in flight or next to run; it stays at the
	// final index once the component completes. Never exceeds
	// len(TargetVersionPath)-1.
	StageIndex        int      `yaml:"stage_index"`
	TargetVersionPath []string `yaml:"target_version_path"`
	ProbedVersion     string   `yaml:"probed_version,omitempty"`
	LastBackupRef     string   `yaml:"last_backup_ref,omitempty"`
	// BackupRefs maps stage index → backup record ID, so a resumed run never
	// creates a second backup for the same stage.
	BackupRefs            map[int]string `yaml:"backup_refs,omitempty"`
	Attempts              int            `yaml:"attempts"`
	LastError             *string        `yaml:"last_error,omitempty"`
	EnteredAt             string         `yaml:"entered_at"`
	StageCompletedAt      *string        `yaml:"stage_completed_at,omitempty"`
	RequiresManualRestore bool           `yaml:"requires_manual_restore,omitempty"`
	DowngradeWarning      bool           `yaml:"downgrade_warning,omitempty"`
	NonBlocking           bool           `yaml:"non_blocking,omitempty"`
}

// StagesCompleted counts completed stages. StageIndex points at the stage
// currently in flight (or next to run) and never exceeds
// len(TargetVersionPath)-1, so a fully completed component reports
// StageIndex+1.
func (c *ComponentState) StagesCompleted() int {
	if c.Status == StatusCompleted {
		return c.StageIndex + 1
	}
	return c.StageIndex
}

// Terminal reports whether every component has reached a terminal status.
// A run with a component parked in stage_wait is not terminal: it stays in
// the active slot so a later invocation resumes it after the soak interval.
func (r *RunState) Terminal() bool {
	for _, cs := range r.Components {
		if !IsTerminal(cs.Status) {
			return false
		}
	}
	return true
}

// Outcome derives the run outcome from component terminal statuses. Only
// meaningful once Terminal() is true.
func (r *RunState) Outcome() RunOutcome {
	allCompleted := true
	anyFailed := false
	anyRolledBack := false
	for _, cs := range r.Components {
		switch cs.Status {
		case StatusFailed:
			anyFailed = true
			allCompleted = false
		case StatusRolledBack:
			anyRolledBack = true
			allCompleted = false
		case StatusCompleted, StatusSkipped:
		default:
			allCompleted = false
		}
	}
	switch {
	case allCompleted:
		return OutcomeCompleted
	case anyFailed:
		return OutcomeFailed
	case anyRolledBack:
		return OutcomeRolledBack
	default:
		return OutcomePartiallyFailed
	}
}
