package confab

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// rateLimitedLogger emits at most one warning per interval and reports how
// many were swallowed in between.
type rateLimitedLogger struct {
	mu         sync.Mutex
	lastAt     time.Time
	interval   time.Duration
	suppressed int
}

func newRateLimitedLogger(interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{interval: interval}
}

func (l *rateLimitedLogger) Warnf(format string, args ...any) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		l.mu.Unlock()
		return
	}
	suppressed := l.suppressed
	l.lastAt = now
	l.suppressed = 0
	l.mu.Unlock()

	e := log.NewEntry(log.StandardLogger())
	if suppressed > 0 {
		e = e.WithField("suppressed", suppressed)
	}
	e.Warnf(format, args...)
}
