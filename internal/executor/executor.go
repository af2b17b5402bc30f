// Package executor defines the contract every managed component implements
// and the registry that selects an implementation by name. The orchestrator
// core never knows component-specific install mechanics; it only calls this
// interface.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/obstack/upgradectl/internal/model"
)

type Health string

const (
	Healthy   Health = "healthy"
	Unhealthy Health = "unhealthy"
	// Unknown means the check could not be evaluated. Treated as failure
	// for safety.
	Unknown Health = "unknown"
)

type HealthResult struct {
	Health Health
	Detail string
}

func (r HealthResult) OK() bool {
	return r.Health == Healthy
}

// Executor is implemented per component. Apply must be safe to call on an
// already-upgraded component because crash recovery may re-invoke it.
type Executor interface {
	// ProbeVersion reports the currently installed version.
	ProbeVersion(ctx context.Context) (string, error)
	// Backup snapshots the component's binary/config/data into destDir and
	// returns the artifact references for the backup record.
	Backup(ctx context.Context, destDir string) (model.ArtifactRefs, error)
	// Apply brings the component to targetVersion.
	Apply(ctx context.Context, targetVersion string) error
	// VerifyHealth runs one bounded health check.
	VerifyHealth(ctx context.Context) HealthResult
	// Restore puts the artifacts in rec back in place.
	Restore(ctx context.Context, rec *model.BackupRecord) error
}

// Factory builds an executor for one component spec.
type Factory func(spec model.ComponentSpec) (Executor, error)

// Registry maps executor names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds the executor for a component. An empty executor name selects
// "exec".
func (r *Registry) New(spec model.ComponentSpec) (Executor, error) {
	name := spec.Executor
	if name == "" {
		name = "exec"
	}

	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown executor %q for component %s (registered: %v)", name, spec.Name, r.Names())
	}
	return f(spec)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Default returns a registry with the built-in executors registered.
func Default() *Registry {
	r := NewRegistry()
	r.Register("exec", NewExecCommand)
	return r
}
