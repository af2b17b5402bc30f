package model

import "fmt"

// ComponentStatus is the per-run lifecycle status of one managed component.
type ComponentStatus string

const (
	StatusPending    ComponentStatus = "pending"
	StatusInProgress ComponentStatus = "in_progress"
	StatusStageWait  ComponentStatus = "stage_wait"
	StatusCompleted  ComponentStatus = "completed"
	StatusFailed     ComponentStatus = "failed"
	StatusRolledBack ComponentStatus = "rolled_back"
	StatusSkipped    ComponentStatus = "skipped"
)

type PhaseStatus string

const (
	PhaseNotStarted      PhaseStatus = "not_started"
	PhaseRunning         PhaseStatus = "running"
	PhaseCompleted       PhaseStatus = "completed"
	PhasePartiallyFailed PhaseStatus = "partially_failed"
	PhaseAborted         PhaseStatus = "aborted"
)

// RunOutcome is the terminal outcome recorded in history.
type RunOutcome string

const (
	OutcomeCompleted       RunOutcome = "completed"
	OutcomePartiallyFailed RunOutcome = "partially_failed"
	OutcomeFailed          RunOutcome = "failed"
	OutcomeRolledBack      RunOutcome = "rolled_back"
	OutcomeAbandoned       RunOutcome = "abandoned"
	// OutcomeLockBroken is an audit-only event appended when a stale lock
	// is broken by a new invocation. It never clears the active run slot.
	OutcomeLockBroken RunOutcome = "lock_broken"
)

var terminalComponentStatuses = map[ComponentStatus]bool{
	StatusCompleted:  true,
	StatusFailed:     true,
	StatusRolledBack: true,
	StatusSkipped:    true,
}

var terminalPhaseStatuses = map[PhaseStatus]bool{
	PhaseCompleted:       true,
	PhasePartiallyFailed: true,
	PhaseAborted:         true,
}

// Component transitions: stage_wait ↔ in_progress covers multi-stage bridge
// components pausing between stages; a canceled run leaves in_progress as-is
// so that --resume can pick it up.
var validComponentTransitions = map[ComponentStatus]map[ComponentStatus]bool{
	StatusPending: {
		StatusInProgress: true,
		StatusSkipped:    true,
		StatusStageWait:  true, // resumed run may re-enter soak directly
		StatusFailed:     true, // probe failure, before any step runs
	},
	StatusInProgress: {
		StatusStageWait:  true,
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusRolledBack: true,
	},
	StatusStageWait: {
		StatusInProgress: true,
		StatusFailed:     true,
	},
}

var validPhaseTransitions = map[PhaseStatus]map[PhaseStatus]bool{
	PhaseNotStarted: {
		PhaseRunning: true,
		PhaseAborted: true,
	},
	PhaseRunning: {
		PhaseCompleted:       true,
		PhasePartiallyFailed: true,
		PhaseAborted:         true,
	},
}

func IsTerminal(s ComponentStatus) bool {
	return terminalComponentStatuses[s]
}

func IsPhaseTerminal(s PhaseStatus) bool {
	return terminalPhaseStatuses[s]
}

func ValidateComponentTransition(from, to ComponentStatus) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validComponentTransitions[from]
	if !ok {
		return fmt.Errorf("unknown component status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid component transition: %q → %q", from, to)
	}
	return nil
}

func ValidatePhaseTransition(from, to PhaseStatus) error {
	if IsPhaseTerminal(from) {
		return fmt.Errorf("cannot transition from terminal phase status %q", from)
	}
	allowed, ok := validPhaseTransitions[from]
	if !ok {
		return fmt.Errorf("unknown phase status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid phase transition: %q → %q", from, to)
	}
	return nil
}
