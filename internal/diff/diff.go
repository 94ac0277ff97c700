// Package diff implements the Diff Engine: a pure function of the latest
// ref snapshot, the seen-commit memory, and the set of currently active
// build SHAs, producing the refs that should be launched and the SHAs
// that should be cancelled.
package diff

import "github.com/refwatch/buildmonitor/internal/refs"

// Seen reports whether a SHA has already been dispatched.
type Seen interface {
	Contains(sha string) bool
}

// Result is the outcome of one diff pass.
type Result struct {
	// ToLaunch is the set of refs whose SHA is not yet seen, in stable
	// snapshot (source) order, collapsed to one entry per distinct SHA.
	ToLaunch []refs.Ref
	// ToCancel is the set of active SHAs absent from the latest
	// snapshot, in no particular order (the caller does not care).
	ToCancel []string
}

// Compute runs one diff pass. It never mutates snapshot, seen, or
// activeSHAs.
func Compute(snapshot refs.Snapshot, seen Seen, activeSHAs []string) Result {
	var result Result

	launched := make(map[string]bool, len(snapshot))
	for _, ref := range snapshot {
		if seen.Contains(ref.Object.SHA) {
			continue
		}
		if launched[ref.Object.SHA] {
			continue // duplicate SHA within the same snapshot: one build only
		}
		launched[ref.Object.SHA] = true
		result.ToLaunch = append(result.ToLaunch, ref)
	}

	present := make(map[string]bool, len(snapshot))
	for _, ref := range snapshot {
		present[ref.Object.SHA] = true
	}
	for _, sha := range activeSHAs {
		if !present[sha] {
			result.ToCancel = append(result.ToCancel, sha)
		}
	}

	return result
}
