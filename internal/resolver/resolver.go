// Package resolver classifies the transition a component needs: nothing,
// one direct step, or a staged walk through bridge versions. Resolution is
// pure so it can be re-derived safely on every invocation; probing the
// installed version belongs to the component executor.
package resolver

import (
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/obstack/upgradectl/internal/model"
)

type Action string

const (
	ActionSkip   Action = "skip"
	ActionDirect Action = "direct"
	ActionStaged Action = "staged"
)

type Plan struct {
	Component string
	Action    Action
	// Steps are the remaining target versions in order. Empty for skip,
	// length 1 for direct, >1 for staged.
	Steps []string
	// Warning is set when skip hides something the operator should see,
	// e.g. an installed version newer than the target.
	Warning string
	// HeldBack marks a component whose last run failed within the holdback
	// window; the scheduler skips it unless forced.
	HeldBack bool
}

// Options carries the non-manifest inputs to resolution. They are plain
// values so Resolve stays side-effect free.
type Options struct {
	// RecentFailureAt is the time of the component's most recent failed
	// run outcome, from history. Nil when none is known.
	RecentFailureAt *time.Time
	HoldbackWindow  time.Duration
	Force           bool
	// Now defaults to time.Now when zero.
	Now time.Time
}

func Resolve(spec model.ComponentSpec, probed string, opts Options) Plan {
	plan := Plan{Component: spec.Name}

	final := spec.FinalTarget()
	cmp := Compare(probed, final)

	switch {
	case cmp == 0:
		plan.Action = ActionSkip
		return plan
	case cmp > 0:
		plan.Action = ActionSkip
		plan.Warning = "installed version " + probed + " is newer than target " + final + "; downgrades are not supported"
		return plan
	}

	for _, v := range spec.VersionPath {
		if Compare(v, probed) > 0 {
			plan.Steps = append(plan.Steps, v)
		}
	}
	if len(plan.Steps) == 0 {
		plan.Action = ActionSkip
		return plan
	}

	if opts.RecentFailureAt != nil && !opts.Force {
		now := opts.Now
		if now.IsZero() {
			now = time.Now()
		}
		if now.Sub(*opts.RecentFailureAt) < opts.HoldbackWindow {
			plan.HeldBack = true
			plan.Warning = "last attempt failed recently; held back (use --force to retry now)"
		}
	}

	if len(plan.Steps) == 1 {
		plan.Action = ActionDirect
	} else {
		plan.Action = ActionStaged
	}
	return plan
}

// Compare orders two version identifiers, tolerating a missing "v" prefix.
// Identifiers that are not valid semver fall back to string comparison so
// resolution still terminates on exotic version schemes.
func Compare(a, b string) int {
	ca, cb := canonical(a), canonical(b)
	if semver.IsValid(ca) && semver.IsValid(cb) {
		return semver.Compare(ca, cb)
	}
	return strings.Compare(a, b)
}

func canonical(v string) string {
	if v == "" {
		return v
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
