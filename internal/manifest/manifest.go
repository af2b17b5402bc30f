// Package manifest loads and validates the declarative target-version
// manifest. The manifest is read-only input, resolved once at run start.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/obstack/upgradectl/internal/model"
	yamlutil "github.com/obstack/upgradectl/internal/yaml"
)

// ValidationError is fatal before any side effect; the CLI maps it to
// exit code 2.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid manifest: %s", strings.Join(e.Problems, "; "))
}

// Load reads, validates, and hashes a manifest file. The hash identifies
// the manifest in run state and history so a mid-run edit is detected
// rather than silently honored.
func Load(path string) (*model.UpgradeManifest, string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read manifest: %w", err)
	}

	if err := yamlutil.ValidateSchemaHeaderFromBytes(content, yamlutil.FileTypeManifest); err != nil {
		return nil, "", &ValidationError{Problems: []string{err.Error()}}
	}

	var m model.UpgradeManifest
	if err := yamlv3.Unmarshal(content, &m); err != nil {
		return nil, "", &ValidationError{Problems: []string{fmt.Sprintf("parse manifest: %v", err)}}
	}

	if err := Validate(&m); err != nil {
		return nil, "", err
	}

	sum := sha256.Sum256(content)
	return &m, hex.EncodeToString(sum[:]), nil
}

// Validate checks structural invariants. It returns a *ValidationError
// listing every problem found, not just the first.
func Validate(m *model.UpgradeManifest) error {
	var problems []string

	if len(m.Components) == 0 {
		problems = append(problems, "no components declared")
	}

	byName := make(map[string]model.ComponentSpec, len(m.Components))
	for _, c := range m.Components {
		if c.Name == "" {
			problems = append(problems, "component with empty name")
			continue
		}
		if _, dup := byName[c.Name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate component name %q", c.Name))
			continue
		}
		byName[c.Name] = c
	}

	for _, c := range m.Components {
		if c.Name == "" {
			continue
		}
		if !model.ValidRiskTier(c.RiskTier) {
			problems = append(problems, fmt.Sprintf("%s: unknown risk_tier %q", c.Name, c.RiskTier))
		}
		if len(c.VersionPath) == 0 {
			problems = append(problems, fmt.Sprintf("%s: empty version_path", c.Name))
		}
		seen := make(map[string]bool, len(c.VersionPath))
		for _, v := range c.VersionPath {
			if seen[v] {
				problems = append(problems, fmt.Sprintf("%s: duplicate version %q in version_path", c.Name, v))
			}
			seen[v] = true
		}
		for _, stage := range c.IrreversibleStages {
			if stage < 0 || stage >= len(c.VersionPath) {
				problems = append(problems, fmt.Sprintf("%s: irreversible stage %d out of range", c.Name, stage))
			}
		}
		for _, dep := range c.DependsOn {
			other, ok := byName[dep]
			if !ok {
				problems = append(problems, fmt.Sprintf("%s: depends_on unknown component %q", c.Name, dep))
				continue
			}
			if other.RiskTier != c.RiskTier {
				problems = append(problems, fmt.Sprintf("%s: depends_on %q crosses phases (%s vs %s)", c.Name, dep, c.RiskTier, other.RiskTier))
			}
		}
		if c.Executor == "" || c.Executor == "exec" {
			if c.Exec.ProbeCommand == "" {
				problems = append(problems, fmt.Sprintf("%s: exec executor requires probe_command", c.Name))
			}
			if c.Exec.ApplyCommand == "" {
				problems = append(problems, fmt.Sprintf("%s: exec executor requires apply_command", c.Name))
			}
			if c.Exec.HealthURL == "" && c.Exec.HealthCommand == "" {
				problems = append(problems, fmt.Sprintf("%s: exec executor requires health_url or health_command", c.Name))
			}
		}
	}

	problems = append(problems, dependencyCycles(byName)...)

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// dependencyCycles reports components participating in a depends_on cycle.
func dependencyCycles(byName map[string]model.ComponentSpec) []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(byName))
	var problems []string

	var visit func(name string) bool
	visit = func(name string) bool {
		switch state[name] {
		case visiting:
			return true
		case done:
			return false
		}
		state[name] = visiting
		for _, dep := range byName[name].DependsOn {
			if _, ok := byName[dep]; !ok {
				continue
			}
			if visit(dep) {
				state[name] = done
				return true
			}
		}
		state[name] = done
		return false
	}

	for name := range byName {
		if state[name] == unvisited && visit(name) {
			problems = append(problems, fmt.Sprintf("dependency cycle involving %q", name))
		}
	}
	return problems
}
