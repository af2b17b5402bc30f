package engine

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obstack/upgradectl/internal/executor"
	"github.com/obstack/upgradectl/internal/logging"
	"github.com/obstack/upgradectl/internal/model"
	"github.com/obstack/upgradectl/internal/store"
	yamlutil "github.com/obstack/upgradectl/internal/yaml"
)

// fakeExec is a scriptable executor. Zero value: probe returns f.probed,
// backup and apply succeed, health is healthy.
type fakeExec struct {
	mu sync.Mutex

	probed     string
	probeErr   error
	backupErr  error
	applyErr   func(target string) error
	healthFn   func(target string) executor.HealthResult
	restoreErr error

	applied  []string
	backups  []string
	restores []string
	// applyCtxErr records ctx.Err() observed inside the last Apply call.
	applyCtxErr error
}

func (f *fakeExec) ProbeVersion(ctx context.Context) (string, error) {
	return f.probed, f.probeErr
}

func (f *fakeExec) Backup(ctx context.Context, destDir string) (model.ArtifactRefs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.backupErr != nil {
		return model.ArtifactRefs{}, f.backupErr
	}
	f.backups = append(f.backups, destDir)
	return model.ArtifactRefs{Binary: destDir + "/binary"}, nil
}

func (f *fakeExec) Apply(ctx context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		if err := f.applyErr(target); err != nil {
			return err
		}
	}
	f.applyCtxErr = ctx.Err()
	f.applied = append(f.applied, target)
	return nil
}

func (f *fakeExec) VerifyHealth(ctx context.Context) executor.HealthResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthFn != nil {
		last := ""
		if len(f.applied) > 0 {
			last = f.applied[len(f.applied)-1]
		}
		return f.healthFn(last)
	}
	return executor.HealthResult{Health: executor.Healthy}
}

func (f *fakeExec) Restore(ctx context.Context, rec *model.BackupRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restoreErr != nil {
		return f.restoreErr
	}
	f.restores = append(f.restores, rec.ID)
	return nil
}

func testConfig() model.Config {
	cfg := model.DefaultConfig()
	cfg.Verify.MaxAttempts = 2
	cfg.Verify.BackoffSec = 0
	cfg.Orchestrator.SoakSec = 3600
	return cfg
}

func newHarness(t *testing.T, fake *fakeExec, spec model.ComponentSpec, cfg model.Config) (*Engine, *store.Store, *model.RunState) {
	t.Helper()

	st := store.New(t.TempDir())
	require.NoError(t, st.EnsureLayout())

	m := &model.UpgradeManifest{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      yamlutil.FileTypeManifest,
		Components:    []model.ComponentSpec{spec},
	}
	run, resumed, err := st.BeginRun(m, "hash-a", model.ModeStandard)
	require.NoError(t, err)
	require.False(t, resumed)

	reg := executor.NewRegistry()
	reg.Register("fake", func(model.ComponentSpec) (executor.Executor, error) {
		return fake, nil
	})

	logger := logging.New(io.Discard, logging.LevelError)
	return New(st, cfg, reg, logger), st, run
}

func fakeSpec(name string, tier model.RiskTier, path ...string) model.ComponentSpec {
	return model.ComponentSpec{
		Name:        name,
		RiskTier:    tier,
		VersionPath: path,
		Executor:    "fake",
	}
}

func TestRunComponentSingleStageCompletes(t *testing.T) {
	fake := &fakeExec{probed: "1.0.0"}
	spec := fakeSpec("node_exporter", model.RiskLow, "1.1.0")
	eng, _, run := newHarness(t, fake, spec, testConfig())

	require.NoError(t, eng.RunComponent(context.Background(), run, spec, false))

	cs := run.Components["node_exporter"]
	assert.Equal(t, model.StatusCompleted, cs.Status)
	assert.Equal(t, []string{"1.1.0"}, cs.TargetVersionPath)
	assert.Equal(t, 0, cs.StageIndex)
	assert.Equal(t, []string{"1.1.0"}, fake.applied)
	assert.Len(t, fake.backups, 1)
	assert.Contains(t, cs.BackupRefs, 0)
}

func TestRunComponentSkipsAtTarget(t *testing.T) {
	fake := &fakeExec{probed: "1.1.0"}
	spec := fakeSpec("node_exporter", model.RiskLow, "1.1.0")
	eng, _, run := newHarness(t, fake, spec, testConfig())

	require.NoError(t, eng.RunComponent(context.Background(), run, spec, false))

	cs := run.Components["node_exporter"]
	assert.Equal(t, model.StatusSkipped, cs.Status)
	assert.Empty(t, fake.applied)
	assert.Empty(t, fake.backups)
	assert.False(t, cs.DowngradeWarning)
}

func TestRunComponentDowngradeWarnsAndSkips(t *testing.T) {
	fake := &fakeExec{probed: "2.0.0"}
	spec := fakeSpec("node_exporter", model.RiskLow, "1.1.0")
	eng, _, run := newHarness(t, fake, spec, testConfig())

	require.NoError(t, eng.RunComponent(context.Background(), run, spec, false))

	cs := run.Components["node_exporter"]
	assert.Equal(t, model.StatusSkipped, cs.Status)
	assert.True(t, cs.DowngradeWarning)
	require.NotNil(t, cs.LastError)
	assert.Contains(t, *cs.LastError, "downgrades are not supported")
	assert.Empty(t, fake.applied)
}

func TestRunComponentSoakGate(t *testing.T) {
	fake := &fakeExec{probed: "2.0.0"}
	spec := fakeSpec("tsdb", model.RiskHigh, "2.5.0", "3.0.0")
	eng, st, run := newHarness(t, fake, spec, testConfig())

	require.NoError(t, eng.RunComponent(context.Background(), run, spec, false))

	cs := run.Components["tsdb"]
	assert.Equal(t, model.StatusStageWait, cs.Status)
	assert.Equal(t, 1, cs.StageIndex)
	assert.Equal(t, []string{"2.5.0"}, fake.applied)

	// Soak has not elapsed: a second invocation must not touch the component.
	require.NoError(t, eng.RunComponent(context.Background(), run, spec, false))
	assert.Equal(t, model.StatusStageWait, cs.Status)
	assert.Equal(t, []string{"2.5.0"}, fake.applied)

	// Backdate the stage completion: the gate opens.
	past := time.Now().UTC().Add(-2 * time.Hour).Format(time.RFC3339)
	require.NoError(t, st.UpdateComponent(run, "tsdb", func(c *model.ComponentState) {
		c.StageCompletedAt = &past
	}))
	require.NoError(t, eng.RunComponent(context.Background(), run, spec, false))
	assert.Equal(t, model.StatusCompleted, cs.Status)
	assert.Equal(t, []string{"2.5.0", "3.0.0"}, fake.applied)
	assert.Len(t, fake.backups, 2)
}

func TestRunComponentForceBypassesSoak(t *testing.T) {
	fake := &fakeExec{probed: "2.0.0"}
	spec := fakeSpec("tsdb", model.RiskHigh, "2.5.0", "3.0.0")
	eng, _, run := newHarness(t, fake, spec, testConfig())

	require.NoError(t, eng.RunComponent(context.Background(), run, spec, true))

	assert.Equal(t, model.StatusCompleted, run.Components["tsdb"].Status)
	assert.Equal(t, []string{"2.5.0", "3.0.0"}, fake.applied)
}

func TestRunComponentRollsBackOnSustainedUnhealthy(t *testing.T) {
	fake := &fakeExec{
		probed: "1.0.0",
		healthFn: func(string) executor.HealthResult {
			return executor.HealthResult{Health: executor.Unhealthy, Detail: "503"}
		},
	}
	spec := fakeSpec("node_exporter", model.RiskLow, "1.1.0")
	eng, _, run := newHarness(t, fake, spec, testConfig())

	err := eng.RunComponent(context.Background(), run, spec, false)
	var cerr *ComponentError
	require.ErrorAs(t, err, &cerr)
	assert.True(t, cerr.RolledBack)
	assert.False(t, cerr.RequiresManual)
	assert.True(t, cerr.Halting())

	cs := run.Components["node_exporter"]
	assert.Equal(t, model.StatusRolledBack, cs.Status)
	assert.Len(t, fake.restores, 1)
	require.NotNil(t, cs.LastError)
	assert.Contains(t, *cs.LastError, "health check")
}

func TestRunComponentNonBlockingRollbackDoesNotHalt(t *testing.T) {
	fake := &fakeExec{
		probed: "1.0.0",
		healthFn: func(string) executor.HealthResult {
			return executor.HealthResult{Health: executor.Unhealthy, Detail: "connection refused"}
		},
	}
	spec := fakeSpec("blackbox_exporter", model.RiskLow, "0.25.0")
	spec.NonBlocking = true
	eng, _, run := newHarness(t, fake, spec, testConfig())

	err := eng.RunComponent(context.Background(), run, spec, false)
	var cerr *ComponentError
	require.ErrorAs(t, err, &cerr)
	assert.True(t, cerr.RolledBack)
	assert.False(t, cerr.Halting())
}

func TestRunComponentProbeFailureBecomesComponentError(t *testing.T) {
	fake := &fakeExec{probeErr: errors.New("connection refused")}
	spec := fakeSpec("node_exporter", model.RiskLow, "1.1.0")
	eng, _, run := newHarness(t, fake, spec, testConfig())

	err := eng.RunComponent(context.Background(), run, spec, false)
	var cerr *ComponentError
	require.ErrorAs(t, err, &cerr, "a probe failure stays component-local")
	assert.False(t, cerr.RolledBack)
	assert.False(t, cerr.RequiresManual)
	assert.True(t, cerr.Halting())

	cs := run.Components["node_exporter"]
	assert.Equal(t, model.StatusFailed, cs.Status)
	require.NotNil(t, cs.LastError)
	assert.Contains(t, *cs.LastError, "connection refused")
	assert.Empty(t, fake.applied)
	assert.Empty(t, fake.backups)
}

func TestRunComponentIrreversibleFailureRefusesRestore(t *testing.T) {
	// Stage 0 is a one-way data migration: apply succeeds, health never
	// comes back. Restore must be refused even though the snapshot exists.
	fake := &fakeExec{
		probed: "2.0.0",
		healthFn: func(string) executor.HealthResult {
			return executor.HealthResult{Health: executor.Unhealthy, Detail: "tsdb blocks unreadable"}
		},
	}
	spec := fakeSpec("tsdb", model.RiskHigh, "2.5.0", "3.0.0")
	spec.IrreversibleStages = []int{0}
	spec.NonBlocking = true // must not matter
	eng, st, run := newHarness(t, fake, spec, testConfig())

	err := eng.RunComponent(context.Background(), run, spec, false)
	var cerr *ComponentError
	require.ErrorAs(t, err, &cerr)
	assert.True(t, cerr.RequiresManual)
	assert.False(t, cerr.RolledBack)
	assert.True(t, cerr.Halting(), "irreversible failure halts regardless of non_blocking")
	assert.NotEmpty(t, cerr.BackupDir)

	cs := run.Components["tsdb"]
	assert.Equal(t, model.StatusFailed, cs.Status)
	assert.True(t, cs.RequiresManualRestore)
	require.NotNil(t, cs.LastError)
	assert.Contains(t, *cs.LastError, cerr.BackupDir)
	assert.Empty(t, fake.restores)

	rec, err := st.LoadBackupRecord("tsdb", cs.BackupRefs[0])
	require.NoError(t, err)
	assert.False(t, rec.Restorable)
}

func TestRunComponentIrreversibleStageSurvivesPathTrim(t *testing.T) {
	// version_path index 1 (2.5.0) is the one-way migration and the
	// installed version equals the first path element, so resolution trims
	// it and 2.5.0 runs as resolved stage 0. The flag must follow the
	// version identifier, not the position.
	fake := &fakeExec{
		probed: "2.0.0",
		healthFn: func(string) executor.HealthResult {
			return executor.HealthResult{Health: executor.Unhealthy, Detail: "tsdb blocks unreadable"}
		},
	}
	spec := fakeSpec("tsdb", model.RiskHigh, "2.0.0", "2.5.0", "3.0.0")
	spec.IrreversibleStages = []int{1}
	eng, st, run := newHarness(t, fake, spec, testConfig())

	err := eng.RunComponent(context.Background(), run, spec, false)
	var cerr *ComponentError
	require.ErrorAs(t, err, &cerr)
	assert.True(t, cerr.RequiresManual)
	assert.Empty(t, fake.restores, "a pre-migration snapshot must never be restored")

	cs := run.Components["tsdb"]
	assert.Equal(t, model.StatusFailed, cs.Status)
	assert.True(t, cs.RequiresManualRestore)
	assert.Equal(t, []string{"2.5.0", "3.0.0"}, cs.TargetVersionPath)

	rec, err := st.LoadBackupRecord("tsdb", cs.BackupRefs[0])
	require.NoError(t, err)
	assert.False(t, rec.Restorable)
}

func TestRunComponentFailedRestoreRequiresManual(t *testing.T) {
	fake := &fakeExec{
		probed: "1.0.0",
		healthFn: func(string) executor.HealthResult {
			return executor.HealthResult{Health: executor.Unhealthy, Detail: "no scrape"}
		},
		restoreErr: errors.New("disk full"),
	}
	spec := fakeSpec("node_exporter", model.RiskLow, "1.1.0")
	eng, _, run := newHarness(t, fake, spec, testConfig())

	err := eng.RunComponent(context.Background(), run, spec, false)
	var cerr *ComponentError
	require.ErrorAs(t, err, &cerr)
	assert.True(t, cerr.RequiresManual)

	cs := run.Components["node_exporter"]
	assert.Equal(t, model.StatusFailed, cs.Status)
	assert.True(t, cs.RequiresManualRestore)
	require.NotNil(t, cs.LastError)
	assert.Contains(t, *cs.LastError, "disk full")
}

func TestRunComponentBackupFailureLeavesComponentUntouched(t *testing.T) {
	fake := &fakeExec{probed: "1.0.0", backupErr: errors.New("snapshot api timeout")}
	spec := fakeSpec("node_exporter", model.RiskLow, "1.1.0")
	eng, _, run := newHarness(t, fake, spec, testConfig())

	err := eng.RunComponent(context.Background(), run, spec, false)
	var cerr *ComponentError
	require.ErrorAs(t, err, &cerr)
	assert.False(t, cerr.RolledBack)
	assert.False(t, cerr.RequiresManual)

	cs := run.Components["node_exporter"]
	assert.Equal(t, model.StatusFailed, cs.Status)
	assert.Empty(t, fake.applied, "apply must never run without a persisted backup")
}

func TestRunComponentCrashResumptionReusesBackup(t *testing.T) {
	fake := &fakeExec{probed: "1.0.0"}
	spec := fakeSpec("node_exporter", model.RiskLow, "1.1.0")
	cfg := testConfig()
	eng, st, run := newHarness(t, fake, spec, cfg)

	// Simulate a crash after backup but before apply: the component is
	// in_progress with a persisted backup ref for stage 0.
	bakID, err := model.GenerateID(model.IDTypeBackup)
	require.NoError(t, err)
	require.NoError(t, st.SaveBackupRecord(&model.BackupRecord{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      yamlutil.FileTypeBackup,
		ID:            bakID,
		RunID:         run.RunID,
		Component:     "node_exporter",
		StageIndex:    0,
		FromVersion:   "1.0.0",
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		Restorable:    true,
	}))
	require.NoError(t, st.Transition(run, "node_exporter", model.StatusInProgress, func(c *model.ComponentState) {
		c.ProbedVersion = "1.0.0"
		c.TargetVersionPath = []string{"1.1.0"}
		c.BackupRefs = map[int]string{0: bakID}
		c.LastBackupRef = bakID
	}))

	require.NoError(t, eng.RunComponent(context.Background(), run, spec, false))

	cs := run.Components["node_exporter"]
	assert.Equal(t, model.StatusCompleted, cs.Status)
	assert.Empty(t, fake.backups, "backup must not be redone on resume")
	assert.Equal(t, []string{"1.1.0"}, fake.applied)
	assert.Equal(t, bakID, cs.BackupRefs[0], "never two backup records for one stage")
}

func TestRunComponentCanceledLeavesResumable(t *testing.T) {
	fake := &fakeExec{probed: "1.0.0"}
	spec := fakeSpec("node_exporter", model.RiskLow, "1.1.0")
	eng, st, run := newHarness(t, fake, spec, testConfig())

	require.NoError(t, st.Transition(run, "node_exporter", model.StatusInProgress, func(c *model.ComponentState) {
		c.ProbedVersion = "1.0.0"
		c.TargetVersionPath = []string{"1.1.0"}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := eng.RunComponent(ctx, run, spec, false)
	require.ErrorIs(t, err, ErrCanceled)

	cs := run.Components["node_exporter"]
	assert.Equal(t, model.StatusInProgress, cs.Status)
	assert.Empty(t, fake.applied)
}

func TestRunComponentCancelDuringApplyLeavesInProgress(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := &fakeExec{probed: "1.0.0"}
	fake.applyErr = func(string) error {
		cancel() // the interrupt lands while the install command runs
		return nil
	}
	spec := fakeSpec("node_exporter", model.RiskLow, "1.1.0")
	eng, _, run := newHarness(t, fake, spec, testConfig())

	err := eng.RunComponent(ctx, run, spec, false)
	require.ErrorIs(t, err, ErrCanceled)

	cs := run.Components["node_exporter"]
	assert.Equal(t, model.StatusInProgress, cs.Status, "canceled runs stay resumable")
	assert.Equal(t, []string{"1.1.0"}, fake.applied, "the in-flight apply runs to completion")
	assert.NoError(t, fake.applyCtxErr, "apply must not inherit run cancellation")
	assert.Empty(t, fake.restores)
	assert.False(t, cs.RequiresManualRestore)
}

func TestRunComponentCancelDuringVerifyDoesNotRollBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := &fakeExec{probed: "1.0.0"}
	fake.healthFn = func(string) executor.HealthResult {
		cancel()
		return executor.HealthResult{Health: executor.Unknown, Detail: "interrupted"}
	}
	spec := fakeSpec("node_exporter", model.RiskLow, "1.1.0")
	eng, _, run := newHarness(t, fake, spec, testConfig())

	err := eng.RunComponent(ctx, run, spec, false)
	require.ErrorIs(t, err, ErrCanceled)

	cs := run.Components["node_exporter"]
	assert.Equal(t, model.StatusInProgress, cs.Status)
	assert.Empty(t, fake.restores, "an interrupted health check never triggers a restore")
}

func TestRunComponentHoldbackAfterRecentFailure(t *testing.T) {
	fake := &fakeExec{probed: "1.0.0"}
	spec := fakeSpec("node_exporter", model.RiskLow, "1.1.0")
	cfg := testConfig()
	cfg.Orchestrator.RetryHoldbackSec = 3600

	st := store.New(t.TempDir())
	require.NoError(t, st.EnsureLayout())
	require.NoError(t, st.AppendHistory(model.HistoryRecord{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      yamlutil.FileTypeHistory,
		RunID:         "run_1700000000_deadbeef",
		Outcome:       model.OutcomeFailed,
		ComponentOutcomes: map[string]model.ComponentOutcome{
			"node_exporter": {Status: model.StatusFailed, LastError: "health check unhealthy"},
		},
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}))

	m := &model.UpgradeManifest{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      yamlutil.FileTypeManifest,
		Components:    []model.ComponentSpec{spec},
	}
	run, _, err := st.BeginRun(m, "hash-b", model.ModeStandard)
	require.NoError(t, err)

	reg := executor.NewRegistry()
	reg.Register("fake", func(model.ComponentSpec) (executor.Executor, error) { return fake, nil })
	eng := New(st, cfg, reg, logging.New(io.Discard, logging.LevelError))

	require.NoError(t, eng.RunComponent(context.Background(), run, spec, false))
	cs := run.Components["node_exporter"]
	assert.Equal(t, model.StatusSkipped, cs.Status)
	require.NotNil(t, cs.LastError)
	assert.Contains(t, *cs.LastError, "held back")
	assert.Empty(t, fake.applied)
}

func TestRunComponentTerminalIsNoOp(t *testing.T) {
	fake := &fakeExec{probed: "1.0.0"}
	spec := fakeSpec("node_exporter", model.RiskLow, "1.1.0")
	eng, st, run := newHarness(t, fake, spec, testConfig())

	require.NoError(t, st.Transition(run, "node_exporter", model.StatusSkipped, nil))
	require.NoError(t, eng.RunComponent(context.Background(), run, spec, false))
	assert.Empty(t, fake.applied)
	assert.Empty(t, fake.backups)
}
