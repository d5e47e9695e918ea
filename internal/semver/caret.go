// Package semver implements the caret-range tag selection rules used by the
// Registry Poller (C2), built on the teacher's already-vendored but
// previously-unused github.com/coreos/go-semver/semver dependency.
package semver

import (
	"fmt"

	gosemver "github.com/coreos/go-semver/semver"
)

// Range is a half-open version interval [Min, Max).
type Range struct {
	Min *gosemver.Version
	Max *gosemver.Version
}

// Contains reports whether v falls in [r.Min, r.Max).
func (r Range) Contains(v *gosemver.Version) bool {
	return !v.LessThan(*r.Min) && v.LessThan(*r.Max)
}

// CaretRange computes the caret range ^current: [current, next-incompatible).
//
//	^1.2.3 -> [1.2.3, 2.0.0)
//	^0.2.3 -> [0.2.3, 0.3.0)
//	^0.0.3 -> [0.0.3, 0.0.4)
func CaretRange(current string) (Range, error) {
	min, err := gosemver.NewVersion(current)
	if err != nil {
		return Range{}, fmt.Errorf("parsing current tag %q as semver: %w", current, err)
	}

	var max *gosemver.Version
	switch {
	case min.Major > 0:
		max = &gosemver.Version{Major: min.Major + 1}
	case min.Minor > 0:
		max = &gosemver.Version{Major: 0, Minor: min.Minor + 1}
	default:
		max = &gosemver.Version{Major: 0, Minor: 0, Patch: min.Patch + 1}
	}

	return Range{Min: min, Max: max}, nil
}

// GreatestCompatible returns the greatest tag in candidates that satisfies
// ^current and is strictly greater than current, or ok=false if none exists.
// Unparseable candidate tags are silently skipped (spec.md §4.2 step 3). As
// in node-semver, a pre-release tag is a candidate only when it shares
// current's major.minor.patch.
func GreatestCompatible(candidates []string, current string) (tag string, ok bool) {
	rng, err := CaretRange(current)
	if err != nil {
		return "", false
	}

	var best *gosemver.Version
	var bestTag string
	for _, c := range candidates {
		v, err := gosemver.NewVersion(c)
		if err != nil {
			continue
		}
		if !rng.Contains(v) {
			continue
		}
		if v.PreRelease != "" && (v.Major != rng.Min.Major || v.Minor != rng.Min.Minor || v.Patch != rng.Min.Patch) {
			continue
		}
		if v.Compare(*rng.Min) == 0 {
			// equal to current: not an upgrade
			continue
		}
		if best == nil || best.LessThan(*v) {
			best = v
			bestTag = c
		}
	}

	if best == nil {
		return "", false
	}
	return bestTag, true
}
