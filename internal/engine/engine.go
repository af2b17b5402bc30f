// Package engine runs the per-component upgrade steps: snapshot, apply,
// health verification, and the rollback decision. Steps within one
// component are strictly sequential; the scheduler owns cross-component
// concurrency.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/obstack/upgradectl/internal/executor"
	"github.com/obstack/upgradectl/internal/logging"
	"github.com/obstack/upgradectl/internal/model"
	"github.com/obstack/upgradectl/internal/resolver"
	"github.com/obstack/upgradectl/internal/store"
	yamlutil "github.com/obstack/upgradectl/internal/yaml"
)

// ErrCanceled is returned when the operator cancels between steps. The
// component is left in_progress so --resume can pick it up.
var ErrCanceled = errors.New("canceled at step boundary")

// ComponentError reports a component-local failure already converted into a
// state transition. It never propagates as a process crash; the scheduler
// reads its fields to decide whether the run halts.
type ComponentError struct {
	Component string
	Stage     int
	Cause     error
	// RolledBack means the automatic restore succeeded.
	RolledBack bool
	// RequiresManual means automatic restore was refused (or itself failed)
	// and an operator must recover by hand. Always halts the run.
	RequiresManual bool
	NonBlocking    bool
	BackupDir      string
}

func (e *ComponentError) Error() string {
	switch {
	case e.RequiresManual:
		return fmt.Sprintf("%s stage %d: %v; automatic restore refused, manual restore required from %s",
			e.Component, e.Stage, e.Cause, e.BackupDir)
	case e.RolledBack:
		return fmt.Sprintf("%s stage %d: %v; rolled back to pre-step snapshot", e.Component, e.Stage, e.Cause)
	default:
		return fmt.Sprintf("%s stage %d: %v", e.Component, e.Stage, e.Cause)
	}
}

func (e *ComponentError) Unwrap() error {
	return e.Cause
}

// Halting reports whether the run must stop. A requires-manual failure
// halts unconditionally; anything else defers to the manifest's
// non-blocking flag.
func (e *ComponentError) Halting() bool {
	if e.RequiresManual {
		return true
	}
	return !e.NonBlocking
}

type Engine struct {
	store  *store.Store
	cfg    model.Config
	reg    *executor.Registry
	logger *logging.Logger
}

func New(st *store.Store, cfg model.Config, reg *executor.Registry, logger *logging.Logger) *Engine {
	return &Engine{store: st, cfg: cfg, reg: reg, logger: logger}
}

// RunComponent drives one component as far as it can go in this
// invocation: through all remaining stages, or up to a soak gate, a
// failure, or cancellation. A nil return means the component is now in a
// valid parked or terminal state (completed, skipped, or stage_wait).
func (e *Engine) RunComponent(ctx context.Context, run *model.RunState, spec model.ComponentSpec, force bool) error {
	cs, ok := run.Components[spec.Name]
	if !ok {
		return fmt.Errorf("component %s missing from run state", spec.Name)
	}
	if model.IsTerminal(cs.Status) {
		return nil
	}

	ex, err := e.reg.New(spec)
	if err != nil {
		return err
	}

	switch cs.Status {
	case model.StatusPending:
		proceed, err := e.start(ctx, run, spec, ex, force)
		if err != nil || !proceed {
			return err
		}
	case model.StatusStageWait:
		if !force && !e.soakElapsed(cs) {
			e.logger.Infof("component=%s stage=%d soaking until %s", spec.Name, cs.StageIndex, e.soakDeadline(cs))
			return nil
		}
		if err := e.store.Transition(run, spec.Name, model.StatusInProgress, nil); err != nil {
			return err
		}
	case model.StatusInProgress:
		// Crash resumption: the resolved path is already persisted and any
		// backup taken for the current stage is reused, not redone.
		e.logger.Infof("component=%s resuming at stage %d", spec.Name, cs.StageIndex)
	}

	for i := cs.StageIndex; i < len(cs.TargetVersionPath); i++ {
		if ctx.Err() != nil {
			e.logger.Warnf("component=%s canceled before stage %d", spec.Name, i)
			return ErrCanceled
		}

		target := cs.TargetVersionPath[i]
		e.logger.Infof("component=%s stage=%d target=%s", spec.Name, i, target)

		rec, err := e.ensureBackup(run, spec, ex, i)
		if err != nil {
			// Backup failed: the component itself was never touched.
			msg := fmt.Sprintf("backup: %v", err)
			if terr := e.store.Transition(run, spec.Name, model.StatusFailed, func(c *model.ComponentState) {
				c.LastError = &msg
			}); terr != nil {
				return terr
			}
			return &ComponentError{Component: spec.Name, Stage: i, Cause: err, NonBlocking: spec.NonBlocking}
		}

		if err := e.store.UpdateComponent(run, spec.Name, func(c *model.ComponentState) {
			c.Attempts++
		}); err != nil {
			return err
		}

		applyCtx, cancel := e.opContext(spec.RiskTier)
		applyErr := ex.Apply(applyCtx, target)
		cancel()

		if applyErr == nil && spec.IsIrreversibleTarget(target) {
			// The on-disk data is converted the moment apply returns; the
			// flag flips before verification so a later unhealthy result
			// can never trigger a restore from a pre-migration snapshot.
			if err := e.store.MarkBackupsNonRestorable(run, spec.Name, i); err != nil {
				return err
			}
			e.logger.Warnf("component=%s stage=%d irreversible migration applied; automatic rollback disabled for stages <= %d", spec.Name, i, i)
		}

		if ctx.Err() != nil {
			// Cancellation landed while the step ran to its own timeout.
			// Nothing else starts; the component stays in_progress and a
			// resumed run re-applies (idempotent) and re-verifies.
			e.logger.Warnf("component=%s canceled after stage %d apply", spec.Name, i)
			return ErrCanceled
		}

		var stepErr error
		if applyErr != nil {
			stepErr = fmt.Errorf("apply: %w", applyErr)
		} else if res := e.verifyWithRetries(ctx, spec, ex); !res.OK() {
			if ctx.Err() != nil {
				// An interrupted health check says nothing about the
				// component; never roll back on its account.
				e.logger.Warnf("component=%s canceled during stage %d verification", spec.Name, i)
				return ErrCanceled
			}
			stepErr = fmt.Errorf("health check %s: %s", res.Health, res.Detail)
		}
		if stepErr != nil {
			return e.rollbackOrFail(run, spec, ex, i, rec, stepErr)
		}

		now := time.Now().UTC().Format(time.RFC3339)
		last := i == len(cs.TargetVersionPath)-1
		if last {
			return e.store.Transition(run, spec.Name, model.StatusCompleted, func(c *model.ComponentState) {
				c.StageIndex = i
				c.StageCompletedAt = &now
				c.LastError = nil
			})
		}

		if err := e.store.UpdateComponent(run, spec.Name, func(c *model.ComponentState) {
			c.StageIndex = i + 1
			c.StageCompletedAt = &now
		}); err != nil {
			return err
		}

		if !force && e.cfg.Orchestrator.SoakSec > 0 {
			e.logger.Infof("component=%s stage=%d done; entering soak for %ds", spec.Name, i, e.cfg.Orchestrator.SoakSec)
			return e.store.Transition(run, spec.Name, model.StatusStageWait, nil)
		}
	}

	return nil
}

// start probes and resolves a pending component. Returns false when the
// component was resolved to skip (or held back) and nothing more runs.
func (e *Engine) start(ctx context.Context, run *model.RunState, spec model.ComponentSpec, ex executor.Executor, force bool) (bool, error) {
	probeCtx, cancel := e.stepContext(ctx, spec.RiskTier)
	probed, err := ex.ProbeVersion(probeCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return false, ErrCanceled
		}
		msg := err.Error()
		if terr := e.store.Transition(run, spec.Name, model.StatusFailed, func(c *model.ComponentState) {
			c.LastError = &msg
		}); terr != nil {
			return false, terr
		}
		return false, &ComponentError{Component: spec.Name, Stage: 0, Cause: err, NonBlocking: spec.NonBlocking}
	}

	recent, err := e.store.RecentFailure(spec.Name)
	if err != nil {
		return false, err
	}

	plan := resolver.Resolve(spec, probed, resolver.Options{
		RecentFailureAt: recent,
		HoldbackWindow:  time.Duration(e.cfg.Orchestrator.RetryHoldbackSec) * time.Second,
		Force:           force,
	})

	if plan.Action == resolver.ActionSkip || plan.HeldBack {
		err := e.store.Transition(run, spec.Name, model.StatusSkipped, func(c *model.ComponentState) {
			c.ProbedVersion = probed
			if plan.Warning != "" {
				w := plan.Warning
				c.LastError = &w
			}
			c.DowngradeWarning = plan.Action == resolver.ActionSkip && plan.Warning != "" && !plan.HeldBack
		})
		if plan.Warning != "" {
			e.logger.Warnf("component=%s skipped: %s", spec.Name, plan.Warning)
		} else {
			e.logger.Infof("component=%s already at %s", spec.Name, probed)
		}
		return false, err
	}

	err = e.store.Transition(run, spec.Name, model.StatusInProgress, func(c *model.ComponentState) {
		c.ProbedVersion = probed
		c.TargetVersionPath = plan.Steps
		c.StageIndex = 0
	})
	return err == nil, err
}

func (e *Engine) verifyWithRetries(ctx context.Context, spec model.ComponentSpec, ex executor.Executor) executor.HealthResult {
	attempts := e.cfg.Verify.MaxAttempts
	backoff := time.Duration(e.cfg.Verify.BackoffSec) * time.Second

	var res executor.HealthResult
	for attempt := 1; attempt <= attempts; attempt++ {
		verifyCtx, cancel := e.stepContext(ctx, spec.RiskTier)
		res = ex.VerifyHealth(verifyCtx)
		cancel()
		if res.OK() {
			return res
		}
		e.logger.Warnf("component=%s health attempt %d/%d: %s %s", spec.Name, attempt, attempts, res.Health, res.Detail)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return res
		case <-time.After(backoff):
		}
		if e.cfg.Verify.Exponential {
			backoff *= 2
		}
	}
	return res
}

// ensureBackup returns the stage's backup record, creating it only if this
// stage has never been backed up in this run. Crash recovery therefore
// never produces two records for one stage.
func (e *Engine) ensureBackup(run *model.RunState, spec model.ComponentSpec, ex executor.Executor, stage int) (*model.BackupRecord, error) {
	cs := run.Components[spec.Name]
	if ref, ok := cs.BackupRefs[stage]; ok {
		return e.store.LoadBackupRecord(spec.Name, ref)
	}

	id, err := model.GenerateID(model.IDTypeBackup)
	if err != nil {
		return nil, err
	}
	dir := e.store.BackupDir(spec.Name, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	backupCtx, cancel := e.opContext(spec.RiskTier)
	refs, err := ex.Backup(backupCtx, dir)
	cancel()
	if err != nil {
		return nil, err
	}

	fromVersion := cs.ProbedVersion
	if stage > 0 {
		fromVersion = cs.TargetVersionPath[stage-1]
	}
	rec := &model.BackupRecord{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      yamlutil.FileTypeBackup,
		ID:            id,
		RunID:         run.RunID,
		Component:     spec.Name,
		StageIndex:    stage,
		FromVersion:   fromVersion,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		Artifacts:     refs,
		Restorable:    true,
	}
	if err := e.store.SaveBackupRecord(rec); err != nil {
		return nil, err
	}
	if err := e.store.UpdateComponent(run, spec.Name, func(c *model.ComponentState) {
		if c.BackupRefs == nil {
			c.BackupRefs = make(map[int]string)
		}
		c.BackupRefs[stage] = id
		c.LastBackupRef = id
	}); err != nil {
		return nil, err
	}
	return rec, nil
}

// rollbackOrFail converts a failed step into rolled_back (snapshot still
// eligible) or failed + requires_manual_restore (post-irreversible, or the
// restore itself broke).
func (e *Engine) rollbackOrFail(run *model.RunState, spec model.ComponentSpec, ex executor.Executor, stage int, rec *model.BackupRecord, cause error) error {
	backupDir := e.store.BackupDir(spec.Name, rec.ID)

	// Reload the record: an earlier irreversible stage may have flipped the
	// flag after this record was handed out.
	if fresh, err := e.store.LoadBackupRecord(spec.Name, rec.ID); err == nil {
		rec = fresh
	}

	if !rec.Restorable {
		msg := fmt.Sprintf("%v; data was irreversibly migrated, automatic restore refused; artifacts preserved at %s", cause, backupDir)
		if terr := e.store.Transition(run, spec.Name, model.StatusFailed, func(c *model.ComponentState) {
			c.LastError = &msg
			c.RequiresManualRestore = true
		}); terr != nil {
			return terr
		}
		return &ComponentError{
			Component: spec.Name, Stage: stage, Cause: cause,
			RequiresManual: true, NonBlocking: spec.NonBlocking, BackupDir: backupDir,
		}
	}

	restoreCtx, cancel := e.opContext(spec.RiskTier)
	restoreErr := ex.Restore(restoreCtx, rec)
	cancel()
	if restoreErr != nil {
		msg := fmt.Sprintf("%v; restore also failed (%v); artifacts preserved at %s", cause, restoreErr, backupDir)
		if terr := e.store.Transition(run, spec.Name, model.StatusFailed, func(c *model.ComponentState) {
			c.LastError = &msg
			c.RequiresManualRestore = true
		}); terr != nil {
			return terr
		}
		return &ComponentError{
			Component: spec.Name, Stage: stage, Cause: cause,
			RequiresManual: true, NonBlocking: spec.NonBlocking, BackupDir: backupDir,
		}
	}

	msg := cause.Error()
	if terr := e.store.Transition(run, spec.Name, model.StatusRolledBack, func(c *model.ComponentState) {
		c.LastError = &msg
	}); terr != nil {
		return terr
	}
	e.logger.Warnf("component=%s stage=%d rolled back: %v", spec.Name, stage, cause)
	return &ComponentError{
		Component: spec.Name, Stage: stage, Cause: cause,
		RolledBack: true, NonBlocking: spec.NonBlocking, BackupDir: backupDir,
	}
}

// stepContext bounds a read-only step (probe, health check) by the tier
// timeout; operator cancellation propagates into it.
func (e *Engine) stepContext(ctx context.Context, tier model.RiskTier) (context.Context, context.CancelFunc) {
	timeout := time.Duration(e.cfg.TimeoutSecFor(tier)) * time.Second
	return context.WithTimeout(ctx, timeout)
}

// opContext bounds a mutating step (backup, apply, restore) by the tier
// timeout only. Cancellation is honored between steps, never by killing a
// step already in flight.
func (e *Engine) opContext(tier model.RiskTier) (context.Context, context.CancelFunc) {
	timeout := time.Duration(e.cfg.TimeoutSecFor(tier)) * time.Second
	return context.WithTimeout(context.Background(), timeout)
}

func (e *Engine) soakElapsed(cs *model.ComponentState) bool {
	if cs.StageCompletedAt == nil {
		return true
	}
	completed, err := time.Parse(time.RFC3339, *cs.StageCompletedAt)
	if err != nil {
		return true
	}
	return time.Since(completed) >= time.Duration(e.cfg.Orchestrator.SoakSec)*time.Second
}

func (e *Engine) soakDeadline(cs *model.ComponentState) string {
	if cs.StageCompletedAt == nil {
		return "now"
	}
	completed, err := time.Parse(time.RFC3339, *cs.StageCompletedAt)
	if err != nil {
		return "now"
	}
	return completed.Add(time.Duration(e.cfg.Orchestrator.SoakSec) * time.Second).Format(time.RFC3339)
}
