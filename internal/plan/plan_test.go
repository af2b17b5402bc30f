package plan

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obstack/upgradectl/internal/executor"
	"github.com/obstack/upgradectl/internal/model"
	"github.com/obstack/upgradectl/internal/resolver"
	"github.com/obstack/upgradectl/internal/store"
	yamlutil "github.com/obstack/upgradectl/internal/yaml"
)

type stubExec struct {
	version string
	err     error
}

func (s *stubExec) ProbeVersion(ctx context.Context) (string, error) { return s.version, s.err }
func (s *stubExec) Backup(ctx context.Context, destDir string) (model.ArtifactRefs, error) {
	panic("plan must never back up")
}
func (s *stubExec) Apply(ctx context.Context, target string) error {
	panic("plan must never apply")
}
func (s *stubExec) VerifyHealth(ctx context.Context) executor.HealthResult {
	panic("plan must never verify")
}
func (s *stubExec) Restore(ctx context.Context, rec *model.BackupRecord) error {
	panic("plan must never restore")
}

func TestBuildOrdersRowsByPhase(t *testing.T) {
	versions := map[string]string{"core": "2.0.0", "exp1": "1.0.0", "log": "3.6.0"}
	reg := executor.NewRegistry()
	reg.Register("stub", func(spec model.ComponentSpec) (executor.Executor, error) {
		return &stubExec{version: versions[spec.Name]}, nil
	})

	m := &model.UpgradeManifest{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      yamlutil.FileTypeManifest,
		Components: []model.ComponentSpec{
			{Name: "log", RiskTier: model.RiskMedium, VersionPath: []string{"3.6.0"}, Executor: "stub"},
			{Name: "core", RiskTier: model.RiskHigh, VersionPath: []string{"2.5.0", "3.0.0"}, Executor: "stub"},
			{Name: "exp1", RiskTier: model.RiskLow, VersionPath: []string{"1.2.0"}, Executor: "stub"},
		},
	}
	st := store.New(t.TempDir())
	require.NoError(t, st.EnsureLayout())

	rows, err := Build(context.Background(), m, reg, st, model.DefaultConfig(), false)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	// Phase order: low, high, medium.
	assert.Equal(t, "exp1", rows[0].Component)
	assert.Equal(t, "core", rows[1].Component)
	assert.Equal(t, "log", rows[2].Component)

	assert.Equal(t, resolver.ActionDirect, rows[0].Action)
	assert.Equal(t, resolver.ActionStaged, rows[1].Action)
	assert.Equal(t, []string{"2.5.0", "3.0.0"}, rows[1].Steps)
	assert.Equal(t, resolver.ActionSkip, rows[2].Action)
}

func TestBuildReportsProbeFailure(t *testing.T) {
	reg := executor.NewRegistry()
	reg.Register("stub", func(model.ComponentSpec) (executor.Executor, error) {
		return &stubExec{err: errors.New("binary not found")}, nil
	})

	m := &model.UpgradeManifest{
		Components: []model.ComponentSpec{
			{Name: "exp1", RiskTier: model.RiskLow, VersionPath: []string{"1.2.0"}, Executor: "stub"},
		},
	}
	st := store.New(t.TempDir())
	require.NoError(t, st.EnsureLayout())

	rows, err := Build(context.Background(), m, reg, st, model.DefaultConfig(), false)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0].ProbeErr, "binary not found")

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, rows, false))
	assert.Contains(t, buf.String(), "probe failed")
}

func TestRenderTable(t *testing.T) {
	rows := []Row{
		{Component: "exp1", RiskTier: model.RiskLow, Installed: "1.0.0", Action: resolver.ActionDirect, Steps: []string{"1.2.0"}},
		{Component: "core", RiskTier: model.RiskHigh, Installed: "2.0.0", Action: resolver.ActionStaged, Steps: []string{"2.5.0", "3.0.0"}, HeldBack: true, Warning: "last attempt failed recently; held back (use --force to retry now)"},
	}

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, rows, false))
	out := buf.String()
	assert.Contains(t, out, "2.5.0 -> 3.0.0")
	assert.Contains(t, out, "held_back")
	assert.Contains(t, out, "warning: last attempt failed recently")
}
