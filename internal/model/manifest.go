package model

// RiskTier determines phase placement and timeout/retry generosity.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// PhaseOrder is the fixed execution order of risk tiers. Exporters (low)
// go first, the TSDB core (high) second while the blast radius is still
// observable, and the log-shipping pair (medium) last.
var PhaseOrder = []RiskTier{RiskLow, RiskHigh, RiskMedium}

var validRiskTiers = map[RiskTier]bool{
	RiskLow:    true,
	RiskMedium: true,
	RiskHigh:   true,
}

func ValidRiskTier(t RiskTier) bool {
	return validRiskTiers[t]
}

// UpgradeManifest is the declarative target-version document. The
// orchestrator treats it as read-only input resolved once at run start;
// editing it while a run is incomplete is rejected, not silently handled.
type UpgradeManifest struct {
	SchemaVersion int             `yaml:"schema_version"`
	FileType      string          `yaml:"file_type"`
	Components    []ComponentSpec `yaml:"components"`
}

type ComponentSpec struct {
	Name     string   `yaml:"name"`
	RiskTier RiskTier `yaml:"risk_tier"`
	// VersionPath is an ordered sequence of version identifiers ending at
	// the final target. The first element may equal the currently installed
	// version; a remaining length >1 after resolution marks a bridge
	// migration through an intermediate version.
	VersionPath []string `yaml:"version_path"`
	// IrreversibleStages lists indexes into VersionPath whose migration
	// performs a one-way on-disk format conversion. Resolution may trim
	// leading path elements, so consumers look stages up by version
	// identifier, never by resolved position.
	IrreversibleStages []int `yaml:"irreversible_stages,omitempty"`
	// DependsOn names components in the same phase that must reach a
	// terminal status before this one starts.
	DependsOn []string `yaml:"depends_on,omitempty"`
	// NonBlocking lets the phase continue past this component after an
	// automatic rollback. It never applies to irreversible failures.
	NonBlocking bool `yaml:"non_blocking,omitempty"`
	// Executor selects the registered executor implementation. Empty means
	// "exec".
	Executor string   `yaml:"executor,omitempty"`
	Exec     ExecSpec `yaml:"exec,omitempty"`
}

// ExecSpec configures the command-backed executor. ApplyCommand may contain
// the placeholder {version}, substituted per stage.
type ExecSpec struct {
	ProbeCommand  string `yaml:"probe_command"`
	ApplyCommand  string `yaml:"apply_command"`
	HealthURL     string `yaml:"health_url,omitempty"`
	HealthCommand string `yaml:"health_command,omitempty"`
	// RestoreCommand runs after backup artifacts are copied back, typically
	// a service restart.
	RestoreCommand string `yaml:"restore_command,omitempty"`
	BinaryPath     string `yaml:"binary_path,omitempty"`
	ConfigPath     string `yaml:"config_path,omitempty"`
	DataDir        string `yaml:"data_dir,omitempty"`
}

// IsIrreversibleTarget reports whether applying the given version performs
// a one-way migration. The lookup goes through the version identifier
// because resolution trims the path relative to the installed version and
// the manifest indexes would shift.
func (c ComponentSpec) IsIrreversibleTarget(version string) bool {
	for _, s := range c.IrreversibleStages {
		if s >= 0 && s < len(c.VersionPath) && c.VersionPath[s] == version {
			return true
		}
	}
	return false
}

// FinalTarget returns the last element of the version path, or "" for an
// empty path (caught by validation).
func (c ComponentSpec) FinalTarget() string {
	if len(c.VersionPath) == 0 {
		return ""
	}
	return c.VersionPath[len(c.VersionPath)-1]
}
