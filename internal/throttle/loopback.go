package throttle

import "sync"

// Loopback is an in-process throttle for dev mode: every command succeeds
// and is recorded, and acquisition is immediate.
type Loopback struct {
	mu       sync.Mutex
	acquired bool
	address  int
	speeds   []string
	stopped  bool
}

// NewLoopback returns a loopback throttle, not yet acquired.
func NewLoopback() *Loopback { return &Loopback{} }

func (l *Loopback) Acquire(address int, long bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquired = true
	l.address = address
	return nil
}

func (l *Loopback) SetSpeed(fraction string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.speeds = append(l.speeds, fraction)
	l.stopped = false
	return nil
}

func (l *Loopback) SetDirection(forward bool) error { return nil }

func (l *Loopback) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	return nil
}

func (l *Loopback) EStop() error { return l.Stop() }

func (l *Loopback) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquired = false
	l.address = 0
	return nil
}

func (l *Loopback) Acquired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired
}

func (l *Loopback) Address() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.address
}

// Speeds returns every commanded speed fraction in order.
func (l *Loopback) Speeds() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.speeds))
	copy(out, l.speeds)
	return out
}

// Stopped reports whether the last command was a stop.
func (l *Loopback) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}
