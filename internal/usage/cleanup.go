package usage

import "time"

// CleanupInterval is how often SQL stores delete expired entries.
const CleanupInterval = time.Hour

// runCleanupLoop calls fn immediately and then every interval until stop is
// closed.
func runCleanupLoop(stop <-chan struct{}, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-stop:
			return
		}
	}
}

func retentionCutoff(now time.Time, days int) time.Time {
	return now.AddDate(0, 0, -days).UTC()
}
