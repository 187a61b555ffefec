package hal

import "time"

// Sleep blocks for d rounded up to whole milliseconds, the granularity the
// firmware timing budgets are specified in
func Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	time.Sleep((d + time.Millisecond - 1).Truncate(time.Millisecond))
}
