package weaver

import (
	"fmt"
)

// DefaultEligibilityFilter applies the configured toggles and namespace
// patterns to classified units.
type DefaultEligibilityFilter struct{}

// FilterUnit decides whether a classified unit proceeds to injection. It
// returns the (possibly pruned) unit, whether it is eligible, and the skip
// reason when it is not. Exclude patterns always win over include patterns.
func (DefaultEligibilityFilter) FilterUnit(unit ClassifiedUnit, cfg *Config) (ClassifiedUnit, bool, string) {
	if !cfg.Enabled {
		return unit, false, "tracking disabled"
	}
	switch unit.Kind {
	case KindLifecycleScreen:
		if !cfg.LifecycleScreens {
			return unit, false, "lifecycle screen tracking disabled"
		}
	case KindLifecycleSubScreen:
		if !cfg.LifecycleSubScreens {
			return unit, false, "lifecycle sub-screen tracking disabled"
		}
	case KindDeclarativeScreen:
		if !cfg.DeclarativeScreens {
			return unit, false, "declarative screen tracking disabled"
		}
	case KindTrackableContainer:
		if !cfg.TrackableContainers {
			return unit, false, "trackable container tracking disabled"
		}
	default:
		return unit, false, "not eligible for tracking"
	}

	namespace := unit.Class.Namespace()
	for i, g := range cfg.excludeGlobs {
		if g.Match(namespace) {
			return unit, false, fmt.Sprintf("namespace excluded by pattern %q", cfg.ExcludePatterns[i])
		}
	}
	if len(cfg.includeGlobs) > 0 {
		included := false
		for _, g := range cfg.includeGlobs {
			if g.Match(namespace) {
				included = true
				break
			}
		}
		if !included {
			return unit, false, "namespace not covered by include patterns"
		}
	}

	if unit.Kind == KindTrackableContainer {
		kept := make([]TrackedMethod, 0, len(unit.Markers.TrackedMethods))
		for _, tm := range unit.Markers.TrackedMethods {
			if _, excluded := cfg.excludeMethodSet[unit.Class.Methods[tm.MethodIndex].Name]; excluded {
				continue
			}
			kept = append(kept, tm)
		}
		if len(kept) == 0 {
			return unit, false, "all tracked methods excluded"
		}
		pruned := *unit.Markers
		pruned.TrackedMethods = kept
		unit.Markers = &pruned
	}
	return unit, true, ""
}
