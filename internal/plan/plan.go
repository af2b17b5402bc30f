// Package plan computes what an upgrade run would do without mutating
// anything: probe each component, resolve its step list, and report the
// decision. This is the whole of dry_run mode.
package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/obstack/upgradectl/internal/executor"
	"github.com/obstack/upgradectl/internal/model"
	"github.com/obstack/upgradectl/internal/resolver"
	"github.com/obstack/upgradectl/internal/store"
)

type Row struct {
	Component string          `json:"component"`
	RiskTier  model.RiskTier  `json:"risk_tier"`
	Installed string          `json:"installed,omitempty"`
	Action    resolver.Action `json:"action"`
	Steps     []string        `json:"steps,omitempty"`
	Warning   string          `json:"warning,omitempty"`
	HeldBack  bool            `json:"held_back,omitempty"`
	ProbeErr  string          `json:"probe_error,omitempty"`
}

// Build probes every component and resolves its plan, in phase order.
// Probing runs the component's probe command; nothing else executes.
func Build(ctx context.Context, m *model.UpgradeManifest, reg *executor.Registry, st *store.Store, cfg model.Config, force bool) ([]Row, error) {
	var rows []Row
	for _, tier := range model.PhaseOrder {
		for _, spec := range m.Components {
			if spec.RiskTier != tier {
				continue
			}
			rows = append(rows, buildRow(ctx, spec, reg, st, cfg, force))
		}
	}
	return rows, nil
}

func buildRow(ctx context.Context, spec model.ComponentSpec, reg *executor.Registry, st *store.Store, cfg model.Config, force bool) Row {
	row := Row{Component: spec.Name, RiskTier: spec.RiskTier}

	ex, err := reg.New(spec)
	if err != nil {
		row.ProbeErr = err.Error()
		return row
	}

	probeCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.TimeoutSecFor(spec.RiskTier))*time.Second)
	probed, err := ex.ProbeVersion(probeCtx)
	cancel()
	if err != nil {
		row.ProbeErr = err.Error()
		return row
	}
	row.Installed = probed

	recent, err := st.RecentFailure(spec.Name)
	if err != nil {
		row.ProbeErr = err.Error()
		return row
	}

	p := resolver.Resolve(spec, probed, resolver.Options{
		RecentFailureAt: recent,
		HoldbackWindow:  time.Duration(cfg.Orchestrator.RetryHoldbackSec) * time.Second,
		Force:           force,
	})
	row.Action = p.Action
	row.Steps = p.Steps
	row.Warning = p.Warning
	row.HeldBack = p.HeldBack
	return row
}

// Render writes the plan as a table or JSON.
func Render(w io.Writer, rows []Row, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	fmt.Fprintf(w, "%-20s %-8s %-12s %-8s %s\n", "COMPONENT", "PHASE", "INSTALLED", "ACTION", "STEPS")
	for _, r := range rows {
		action := string(r.Action)
		if r.HeldBack {
			action = "held_back"
		}
		if r.ProbeErr != "" {
			fmt.Fprintf(w, "%-20s %-8s %-12s %-8s probe failed: %s\n", r.Component, r.RiskTier, "?", "-", r.ProbeErr)
			continue
		}
		fmt.Fprintf(w, "%-20s %-8s %-12s %-8s %s\n", r.Component, r.RiskTier, r.Installed, action, strings.Join(r.Steps, " -> "))
		if r.Warning != "" {
			fmt.Fprintf(w, "%-20s warning: %s\n", "", r.Warning)
		}
	}
	return nil
}
