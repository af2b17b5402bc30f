package model

// BackupRecord describes one pre-step snapshot. Restorable=false is set
// permanently once the component's underlying store has been mutated in
// place by an irreversible migration; this flag, not the presence of the
// artifact files, gates automatic rollback eligibility.
type BackupRecord struct {
	SchemaVersion int          `yaml:"schema_version"`
	FileType      string       `yaml:"file_type"`
	ID            string       `yaml:"id"`
	RunID         string       `yaml:"run_id"`
	Component     string       `yaml:"component"`
	StageIndex    int          `yaml:"stage_index"`
	FromVersion   string       `yaml:"from_version"`
	CreatedAt     string       `yaml:"created_at"`
	Artifacts     ArtifactRefs `yaml:"artifacts"`
	Restorable    bool         `yaml:"restorable"`
}

type ArtifactRefs struct {
	Binary       string `yaml:"binary,omitempty"`
	Config       string `yaml:"config,omitempty"`
	DataSnapshot string `yaml:"data_snapshot,omitempty"`
}

// HistoryRecord is immutable once written. AppendHistory is the only
// mutation path for the history log; records are never edited in place.
type HistoryRecord struct {
	SchemaVersion     int                         `yaml:"schema_version"`
	FileType          string                      `yaml:"file_type"`
	RunID             string                      `yaml:"run_id"`
	Outcome           RunOutcome                  `yaml:"outcome"`
	ComponentOutcomes map[string]ComponentOutcome `yaml:"component_outcomes,omitempty"`
	DurationSec       float64                     `yaml:"duration_sec"`
	ManifestHash      string                      `yaml:"manifest_hash,omitempty"`
	CreatedAt         string                      `yaml:"created_at"`
	// Detail carries audit context for non-run events (e.g. lock breaks).
	Detail string `yaml:"detail,omitempty"`
}

type ComponentOutcome struct {
	Status          ComponentStatus `yaml:"status"`
	StagesCompleted int             `yaml:"stages_completed"`
	LastError       string          `yaml:"last_error,omitempty"`
}

// LockRecord is the advisory lock's on-disk metadata. The lock is stale
// (breakable) once now - acquired_at > ttl and the holder process is
// verifiably not running on this host.
type LockRecord struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	HolderID      string `yaml:"holder_id"`
	Host          string `yaml:"host"`
	PID           int    `yaml:"pid"`
	AcquiredAt    string `yaml:"acquired_at"`
	TTLSec        int    `yaml:"ttl_sec"`
}
