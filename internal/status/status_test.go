package status

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obstack/upgradectl/internal/model"
	"github.com/obstack/upgradectl/internal/store"
	yamlutil "github.com/obstack/upgradectl/internal/yaml"
)

func seedRun(t *testing.T) (*store.Store, *model.RunState) {
	t.Helper()
	st := store.New(t.TempDir())
	require.NoError(t, st.EnsureLayout())

	m := &model.UpgradeManifest{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      yamlutil.FileTypeManifest,
		Components: []model.ComponentSpec{
			{Name: "node_exporter", RiskTier: model.RiskLow, VersionPath: []string{"1.2.0"}},
			{Name: "tsdb", RiskTier: model.RiskHigh, VersionPath: []string{"2.5.0", "3.0.0"}},
		},
	}
	run, _, err := st.BeginRun(m, "hash-1", model.ModeStandard)
	require.NoError(t, err)
	return st, run
}

func TestCollectEmptyStateDir(t *testing.T) {
	st := store.New(t.TempDir())
	require.NoError(t, st.EnsureLayout())

	snap, err := Collect(st, 3600)
	require.NoError(t, err)
	assert.Nil(t, snap.Active)
	assert.Nil(t, snap.Last)
	assert.Nil(t, snap.Lock)

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, snap, false))
	assert.Contains(t, buf.String(), "Active run: none")
}

func TestCollectActiveRun(t *testing.T) {
	st, run := seedRun(t)

	soakEnd := time.Now().UTC().Format(time.RFC3339)
	require.NoError(t, st.Transition(run, "node_exporter", model.StatusInProgress, func(c *model.ComponentState) {
		c.TargetVersionPath = []string{"1.2.0"}
	}))
	require.NoError(t, st.Transition(run, "node_exporter", model.StatusStageWait, func(c *model.ComponentState) {
		c.StageCompletedAt = &soakEnd
	}))

	snap, err := Collect(st, 3600)
	require.NoError(t, err)
	require.NotNil(t, snap.Active)
	assert.Equal(t, run.RunID, snap.Active.RunID)
	require.Len(t, snap.Active.Components, 2)

	// Sorted by name: node_exporter first.
	row := snap.Active.Components[0]
	assert.Equal(t, "node_exporter", row.Name)
	assert.Equal(t, model.StatusStageWait, row.Status)
	assert.Equal(t, "0/1", row.Stage)
	assert.Equal(t, "1.2.0", row.Target)
	assert.NotEmpty(t, row.SoakEnds)

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, snap, false))
	out := buf.String()
	assert.Contains(t, out, "node_exporter")
	assert.Contains(t, out, "stage_wait")
	assert.Contains(t, out, "soaking until")
}

func TestCollectLastOutcomeSkipsAuditEvents(t *testing.T) {
	st, _ := seedRun(t)

	require.NoError(t, st.AppendHistory(model.HistoryRecord{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      yamlutil.FileTypeHistory,
		RunID:         "run_1700000000_aaaaaaaa",
		Outcome:       model.OutcomeCompleted,
		CreatedAt:     "2026-08-01T10:00:00Z",
	}))
	require.NoError(t, st.AppendHistory(model.HistoryRecord{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      yamlutil.FileTypeHistory,
		RunID:         "evt_1700000100_bbbbbbbb",
		Outcome:       model.OutcomeLockBroken,
		CreatedAt:     "2026-08-01T11:00:00Z",
		Detail:        "broke stale lock",
	}))

	snap, err := Collect(st, 3600)
	require.NoError(t, err)
	require.NotNil(t, snap.Last)
	assert.Equal(t, model.OutcomeCompleted, snap.Last.Outcome)
	assert.Equal(t, "run_1700000000_aaaaaaaa", snap.Last.RunID)
}

func TestRenderJSON(t *testing.T) {
	st, run := seedRun(t)

	snap, err := Collect(st, 3600)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, snap, true))

	var decoded Snapshot
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.NotNil(t, decoded.Active)
	assert.Equal(t, run.RunID, decoded.Active.RunID)
	assert.False(t, strings.Contains(buf.String(), "\t"))
}

func TestRenderManualRestoreCallout(t *testing.T) {
	st, run := seedRun(t)

	msg := "health check unhealthy; artifacts preserved at /backups/tsdb/bak_x"
	require.NoError(t, st.Transition(run, "tsdb", model.StatusInProgress, func(c *model.ComponentState) {
		c.TargetVersionPath = []string{"2.5.0", "3.0.0"}
	}))
	require.NoError(t, st.Transition(run, "tsdb", model.StatusFailed, func(c *model.ComponentState) {
		c.LastError = &msg
		c.RequiresManualRestore = true
	}))

	snap, err := Collect(st, 3600)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, snap, false))
	assert.Contains(t, buf.String(), "MANUAL RESTORE REQUIRED")
	assert.Contains(t, buf.String(), "/backups/tsdb/bak_x")
}
