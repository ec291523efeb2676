// Package monitoring provides the shared diagnostic logger for bench
// subsystems, with an optional rate-limited publish hook for shipping log
// lines off-box.
package monitoring

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced by SetLogger. Tests or production code can redirect or
// mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Level classifies a published log line.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Publisher ships formatted log lines to an external consumer (MQTT topic,
// websocket, etc). Publishing is best-effort.
type Publisher interface {
	PublishLog(line string)
}

// RateLimitedPublisher wraps a Publisher with a per-window message cap.
// Lines over the cap are dropped; the count of suppressed lines is reported
// at the start of the next window.
type RateLimitedPublisher struct {
	mu          sync.Mutex
	pub         Publisher
	minLevel    Level
	window      time.Duration
	maxPerWin   int
	windowStart time.Time
	count       int
	suppressed  int
	now         func() time.Time
}

// NewRateLimitedPublisher wraps pub, passing through at most maxPerWindow
// lines at or above minLevel per window.
func NewRateLimitedPublisher(pub Publisher, minLevel Level, window time.Duration, maxPerWindow int) *RateLimitedPublisher {
	if window <= 0 {
		window = time.Second
	}
	if maxPerWindow <= 0 {
		maxPerWindow = 10
	}
	return &RateLimitedPublisher{
		pub:       pub,
		minLevel:  minLevel,
		window:    window,
		maxPerWin: maxPerWindow,
		now:       time.Now,
	}
}

// Publish formats and ships one line, subject to level and rate limits.
func (p *RateLimitedPublisher) Publish(level Level, format string, v ...interface{}) {
	if level < p.minLevel || p.pub == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if now.Sub(p.windowStart) >= p.window {
		if p.suppressed > 0 {
			p.pub.PublishLog(fmt.Sprintf("[WARN] log rate limited: %d messages suppressed", p.suppressed))
		}
		p.windowStart = now
		p.count = 0
		p.suppressed = 0
	}

	if p.count >= p.maxPerWin {
		p.suppressed++
		return
	}
	p.count++
	p.pub.PublishLog(fmt.Sprintf("[%s] %s", level, fmt.Sprintf(format, v...)))
}
