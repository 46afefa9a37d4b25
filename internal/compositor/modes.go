package compositor

import (
	"math"

	"github.com/1broseidon/surfacecomposer/internal/platform"
)

// DefaultRefreshHz is the refresh rate the binder aims for.
const DefaultRefreshHz = 60.0

// SelectMode picks the mode whose refresh rate is closest to hz. Ties go
// to the earlier mode. It reports false for an empty list or when no mode
// has a refresh rate.
func SelectMode(modes []platform.Mode, hz float64) (platform.Mode, bool) {
	best := -1
	bestDelta := math.Inf(1)
	for i, m := range modes {
		if m.RefreshMHz <= 0 {
			continue
		}
		if d := math.Abs(m.RefreshHz() - hz); d < bestDelta {
			best, bestDelta = i, d
		}
	}
	if best < 0 {
		return platform.Mode{}, false
	}
	return modes[best], true
}
