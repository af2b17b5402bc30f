package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/obstack/upgradectl/internal/model"
)

func validSpec(name string, tier model.RiskTier) model.ComponentSpec {
	return model.ComponentSpec{
		Name:        name,
		RiskTier:    tier,
		VersionPath: []string{"1.0.0", "1.2.0"},
		Exec: model.ExecSpec{
			ProbeCommand:  name + " --version",
			ApplyCommand:  "install-" + name + " {version}",
			HealthCommand: name + " --healthy",
		},
	}
}

func TestValidate_OK(t *testing.T) {
	m := &model.UpgradeManifest{
		SchemaVersion: 1,
		FileType:      "upgrade_manifest",
		Components: []model.ComponentSpec{
			validSpec("node_exporter", model.RiskLow),
			validSpec("prometheus", model.RiskHigh),
		},
	}
	if err := Validate(m); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	m := &model.UpgradeManifest{
		Components: []model.ComponentSpec{
			{Name: "a", RiskTier: "critical", VersionPath: nil},
			{Name: "a", RiskTier: model.RiskLow, VersionPath: []string{"1.0"}},
		},
	}
	err := Validate(m)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if len(verr.Problems) < 3 {
		t.Errorf("expected multiple problems reported, got %v", verr.Problems)
	}
}

func TestValidate_DependencyRules(t *testing.T) {
	low := validSpec("exp1", model.RiskLow)
	high := validSpec("core", model.RiskHigh)
	low.DependsOn = []string{"core"} // crosses phases

	m := &model.UpgradeManifest{Components: []model.ComponentSpec{low, high}}
	err := Validate(m)
	if err == nil || !strings.Contains(err.Error(), "crosses phases") {
		t.Errorf("expected cross-phase dependency error, got %v", err)
	}

	a := validSpec("a", model.RiskLow)
	b := validSpec("b", model.RiskLow)
	a.DependsOn = []string{"b"}
	b.DependsOn = []string{"a"}
	err = Validate(&model.UpgradeManifest{Components: []model.ComponentSpec{a, b}})
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("expected cycle error, got %v", err)
	}

	c := validSpec("c", model.RiskLow)
	c.DependsOn = []string{"ghost"}
	err = Validate(&model.UpgradeManifest{Components: []model.ComponentSpec{c}})
	if err == nil || !strings.Contains(err.Error(), "unknown component") {
		t.Errorf("expected unknown dependency error, got %v", err)
	}
}

func TestValidate_IrreversibleStageRange(t *testing.T) {
	c := validSpec("core", model.RiskHigh)
	c.IrreversibleStages = []int{5}
	err := Validate(&model.UpgradeManifest{Components: []model.ComponentSpec{c}})
	if err == nil || !strings.Contains(err.Error(), "out of range") {
		t.Errorf("expected stage range error, got %v", err)
	}
}

func TestValidate_DuplicateVersionInPath(t *testing.T) {
	// Irreversible stages are looked up by version identifier, so a path
	// naming the same version twice is ambiguous.
	c := validSpec("core", model.RiskHigh)
	c.VersionPath = []string{"2.0.0", "2.5.0", "2.5.0"}
	err := Validate(&model.UpgradeManifest{Components: []model.ComponentSpec{c}})
	if err == nil || !strings.Contains(err.Error(), "duplicate version") {
		t.Errorf("expected duplicate version error, got %v", err)
	}
}

func TestLoad_RoundTripAndHash(t *testing.T) {
	content := `schema_version: 1
file_type: upgrade_manifest
components:
  - name: node_exporter
    risk_tier: low
    version_path: ["1.0.0", "1.2.0"]
    exec:
      probe_command: "node_exporter --version"
      apply_command: "install-node-exporter {version}"
      health_url: "http://127.0.0.1:9100/metrics"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	m, hash, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(m.Components) != 1 || m.Components[0].Name != "node_exporter" {
		t.Errorf("unexpected components: %+v", m.Components)
	}
	if len(hash) != 64 {
		t.Errorf("expected sha256 hex hash, got %q", hash)
	}

	// Same bytes → same hash
	_, hash2, err := Load(path)
	if err != nil {
		t.Fatalf("second Load failed: %v", err)
	}
	if hash != hash2 {
		t.Error("hash not stable across loads")
	}
}

func TestLoad_BadHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(path, []byte("schema_version: 1\nfile_type: run_state\n"), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	_, _, err := Load(path)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("expected ValidationError for wrong file_type, got %v", err)
	}
}
