// Package monitoring holds the package-level diagnostic logger shared by
// the library packages.
package monitoring

import (
	"log"
	"sync"
	"time"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Throttle logs a recurring condition at most once per interval, reporting
// how many occurrences were suppressed in between. Per-frame failures go
// through it so a camera dropping every frame does not flood the log.
type Throttle struct {
	interval time.Duration

	mu         sync.Mutex
	last       time.Time
	suppressed int
}

// NewThrottle returns a throttle with the given minimum spacing.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval}
}

// Logf logs through the package logger unless a message was emitted less
// than interval before now.
func (t *Throttle) Logf(now time.Time, format string, v ...interface{}) bool {
	t.mu.Lock()
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		t.suppressed++
		t.mu.Unlock()
		return false
	}
	suppressed := t.suppressed
	t.last, t.suppressed = now, 0
	t.mu.Unlock()

	if suppressed > 0 {
		format += " (%d similar suppressed)"
		v = append(v, suppressed)
	}
	Logf(format, v...)
	return true
}
