package drs

import "time"

const (
	minRefreshInterval = 5 * time.Minute
	maxRefreshInterval = 120 * time.Minute
)

// OptimalInterval returns how often recommendations should be refreshed for a
// cluster of the given size. Larger clusters refresh less often, and the interval
// never drops below twice the time the last generation took.
func OptimalInterval(guests int, generation time.Duration) time.Duration {
	var interval time.Duration
	switch {
	case guests < 50:
		interval = 10 * time.Minute
	case guests < 150:
		interval = 15 * time.Minute
	case guests < 300:
		interval = 20 * time.Minute
	case guests < 500:
		interval = 30 * time.Minute
	default:
		interval = 60 * time.Minute
	}

	if floor := 2*generation + time.Minute; interval < floor {
		interval = floor
	}

	if interval < minRefreshInterval {
		interval = minRefreshInterval
	}
	if interval > maxRefreshInterval {
		interval = maxRefreshInterval
	}
	return interval
}
