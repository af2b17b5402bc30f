// Package scheduler walks the run's risk-tier phases in order and fans
// components out within a phase. A later phase starts only after every
// component in the earlier phase is terminal; a component parked in
// stage_wait therefore holds its whole phase open.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/obstack/upgradectl/internal/engine"
	"github.com/obstack/upgradectl/internal/logging"
	"github.com/obstack/upgradectl/internal/model"
	"github.com/obstack/upgradectl/internal/store"
)

// Result summarizes what one invocation achieved. A Soaking result is a
// success: the run exits cleanly and a later invocation picks it up once
// the soak interval has elapsed.
type Result struct {
	// Halted means a blocking component failure stopped the run before all
	// phases finished. The run stays in the active slot for --resume.
	Halted bool
	// Soaking means at least one component is parked in stage_wait.
	Soaking bool
	// Canceled means the operator interrupted between steps.
	Canceled bool
	// FirstFailure is the component error that halted the run, nil otherwise.
	FirstFailure *engine.ComponentError
}

type Scheduler struct {
	store  *store.Store
	engine *engine.Engine
	cfg    model.Config
	logger *logging.Logger
}

func New(st *store.Store, eng *engine.Engine, cfg model.Config, logger *logging.Logger) *Scheduler {
	return &Scheduler{store: st, engine: eng, cfg: cfg, logger: logger}
}

// Run drives the run from its phase cursor as far as it can go in this
// invocation. A non-nil error is fatal (state store or lock failure);
// component failures are reported through Result.
func (s *Scheduler) Run(ctx context.Context, run *model.RunState, m *model.UpgradeManifest, force bool) (Result, error) {
	specs := make(map[string]model.ComponentSpec, len(m.Components))
	for _, c := range m.Components {
		specs[c.Name] = c
	}

	fanOut := s.fanOut(run.Mode)
	var res Result

	for pi := run.PhaseCursor; pi < len(run.Phases); pi++ {
		phase := &run.Phases[pi]
		if phase.Status == model.PhaseCompleted || phase.Status == model.PhasePartiallyFailed {
			continue
		}
		if phase.Status == model.PhaseNotStarted {
			if err := s.store.UpdatePhase(run, pi, model.PhaseRunning); err != nil {
				return res, err
			}
			s.logger.Infof("phase=%s starting (%d components, fan-out %d)", phase.Name, len(phase.Components), fanOut)
		}

		if err := s.runPhase(ctx, run, phase, specs, fanOut, force, &res); err != nil {
			return res, err
		}

		if res.Canceled || res.Halted || res.Soaking {
			// The phase stays running; resume re-enters it here.
			return res, nil
		}

		if names := nonTerminal(run, phase); len(names) > 0 {
			// A phase may only close once every component is terminal;
			// closing over pending components would wedge them forever.
			return res, fmt.Errorf("phase %s: components not terminal after scheduling: %v", phase.Name, names)
		}

		to := model.PhaseCompleted
		if phaseDegraded(run, phase) {
			to = model.PhasePartiallyFailed
		}
		if err := s.store.UpdatePhase(run, pi, to); err != nil {
			return res, err
		}
		s.logger.Infof("phase=%s %s", phase.Name, to)
	}

	return res, nil
}

// runPhase schedules the phase's components in dependency waves: each wave
// holds every not-yet-attempted component whose depends_on entries are all
// terminal, bounded by the fan-out semaphore.
func (s *Scheduler) runPhase(ctx context.Context, run *model.RunState, phase *model.PhaseState, specs map[string]model.ComponentSpec, fanOut int64, force bool, res *Result) error {
	attempted := make(map[string]bool, len(phase.Components))

	for {
		var wave []model.ComponentSpec
		for _, name := range phase.Components {
			cs := run.Components[name]
			if attempted[name] || model.IsTerminal(cs.Status) {
				continue
			}
			if depsTerminal(specs[name], run) {
				wave = append(wave, specs[name])
			}
		}
		if len(wave) == 0 {
			break
		}

		sem := semaphore.NewWeighted(fanOut)
		var g errgroup.Group
		var mu sync.Mutex

		for _, spec := range wave {
			spec := spec
			attempted[spec.Name] = true
			g.Go(func() error {
				if err := sem.Acquire(ctx, 1); err != nil {
					// Canceled while queued: the component is untouched but
					// the run must report the interruption, or the phase
					// would close over still-pending components.
					mu.Lock()
					res.Canceled = true
					mu.Unlock()
					return nil
				}
				defer sem.Release(1)

				err := s.engine.RunComponent(ctx, run, spec, force)
				if err == nil {
					return nil
				}

				var cerr *engine.ComponentError
				switch {
				case errors.Is(err, engine.ErrCanceled):
					mu.Lock()
					res.Canceled = true
					mu.Unlock()
				case errors.As(err, &cerr):
					if cerr.Halting() {
						mu.Lock()
						res.Halted = true
						if res.FirstFailure == nil {
							res.FirstFailure = cerr
						}
						mu.Unlock()
					}
				default:
					// State-store or lock failure: the one class that
					// escalates past component handling.
					return err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if res.Canceled || res.Halted {
			break
		}
	}

	for _, name := range phase.Components {
		if run.Components[name].Status == model.StatusStageWait {
			res.Soaking = true
		}
	}
	return nil
}

func nonTerminal(run *model.RunState, phase *model.PhaseState) []string {
	var names []string
	for _, name := range phase.Components {
		if !model.IsTerminal(run.Components[name].Status) {
			names = append(names, name)
		}
	}
	return names
}

func depsTerminal(spec model.ComponentSpec, run *model.RunState) bool {
	for _, dep := range spec.DependsOn {
		cs, ok := run.Components[dep]
		if !ok || !model.IsTerminal(cs.Status) {
			return false
		}
	}
	return true
}

// phaseDegraded reports whether any component in the phase ended failed or
// rolled back (non-blocking failures included).
func phaseDegraded(run *model.RunState, phase *model.PhaseState) bool {
	for _, name := range phase.Components {
		switch run.Components[name].Status {
		case model.StatusFailed, model.StatusRolledBack:
			return true
		}
	}
	return false
}

func (s *Scheduler) fanOut(mode model.Mode) int64 {
	switch mode {
	case model.ModeSafe:
		return 1
	case model.ModeFast:
		return int64(s.cfg.Orchestrator.FanOut) * 2
	default:
		return int64(s.cfg.Orchestrator.FanOut)
	}
}
