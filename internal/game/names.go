package game

import (
	"fmt"

	"bingohall/internal/apperr"
)

// maxNameAttempts bounds suffix probing so a pathological player list
// cannot loop forever.
const maxNameAttempts = 100

// ResolveName returns a display name guaranteed not to collide with any
// existing name: the proposal itself if unused, otherwise name_2,
// name_3, ... The second return reports whether an adjustment was made.
// Deterministic given its inputs; callers must serialize against the
// session's player list (the whole-session CAS update does this).
func ResolveName(proposed string, existing []string) (string, bool, error) {
	used := make(map[string]bool, len(existing))
	for _, n := range existing {
		used[n] = true
	}

	if !used[proposed] {
		return proposed, false, nil
	}
	for i := 2; i <= maxNameAttempts; i++ {
		candidate := fmt.Sprintf("%s_%d", proposed, i)
		if !used[candidate] {
			return candidate, true, nil
		}
	}
	return "", false, apperr.Newf(apperr.KindConflict, "could not resolve a unique name for %q", proposed)
}
