// Package setup initializes a state directory: layout, default config,
// and the example manifest.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlutil "github.com/obstack/upgradectl/internal/yaml"
	"github.com/obstack/upgradectl/templates"
)

// Run creates the state directory structure and installs the embedded
// templates. It refuses to touch a directory that already holds a config,
// so re-running init never clobbers an operator's edits.
func Run(stateDir string) error {
	absDir, err := filepath.Abs(stateDir)
	if err != nil {
		return fmt.Errorf("resolve state dir: %w", err)
	}

	configPath := filepath.Join(absDir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("%s already exists", configPath)
	}

	dirs := []string{
		"",
		"history",
		"backups",
		"locks",
		"logs",
		"quarantine",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(absDir, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := installTemplate("config.yaml", configPath); err != nil {
		return err
	}
	return installTemplate("manifest.example.yaml", filepath.Join(absDir, "manifest.example.yaml"))
}

func installTemplate(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := yamlutil.AtomicWriteRaw(dst, data); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}
