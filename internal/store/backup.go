package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/obstack/upgradectl/internal/model"
	yamlutil "github.com/obstack/upgradectl/internal/yaml"
)

// BackupDir returns the namespaced directory for one backup: per component,
// per backup ID (which embeds the creation timestamp). No cross-component
// aliasing is possible.
func (s *Store) BackupDir(component, backupID string) string {
	return filepath.Join(s.dir, backupsDir, component, backupID)
}

// SaveBackupRecord persists a backup record inside its artifact directory.
func (s *Store) SaveBackupRecord(rec *model.BackupRecord) error {
	dir := s.BackupDir(rec.Component, rec.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	return yamlutil.AtomicWrite(filepath.Join(dir, backupsFile), rec)
}

// LoadBackupRecord reads one backup record by component and ID.
func (s *Store) LoadBackupRecord(component, backupID string) (*model.BackupRecord, error) {
	path := filepath.Join(s.BackupDir(component, backupID), backupsFile)
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backup record: %w", err)
	}
	var rec model.BackupRecord
	if err := yamlv3.Unmarshal(content, &rec); err != nil {
		return nil, fmt.Errorf("parse backup record: %w", err)
	}
	return &rec, nil
}

// MarkBackupsNonRestorable flips restorable=false on every backup of the
// component at or below the given stage. Called once an irreversible
// migration has mutated the component's store in place: from then on the
// artifact files may still exist but automatic rollback is permanently off.
func (s *Store) MarkBackupsNonRestorable(run *model.RunState, component string, uptoStage int) error {
	cs, ok := run.Components[component]
	if !ok {
		return fmt.Errorf("unknown component %q", component)
	}
	for stage, ref := range cs.BackupRefs {
		if stage > uptoStage {
			continue
		}
		rec, err := s.LoadBackupRecord(component, ref)
		if err != nil {
			return err
		}
		if !rec.Restorable {
			continue
		}
		rec.Restorable = false
		if err := s.SaveBackupRecord(rec); err != nil {
			return err
		}
	}
	return nil
}

// LatestBackup returns the most recent backup record for a component,
// nil when none exists. Used by the manual rollback command.
func (s *Store) LatestBackup(component string) (*model.BackupRecord, error) {
	dir := filepath.Join(s.dir, backupsDir, component)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backups dir: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() && model.ValidateID(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	// Backup IDs embed a unix timestamp, so lexicographic order is
	// chronological.
	sort.Strings(ids)
	return s.LoadBackupRecord(component, ids[len(ids)-1])
}
