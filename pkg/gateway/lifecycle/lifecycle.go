package lifecycle

import (
	"sync"
	"time"
)

// Lifecycle tracks whether the process has started draining. Handlers consult
// it to refuse new bridges while live ones finish.
type Lifecycle struct {
	mu         sync.RWMutex
	draining   bool
	drainingAt time.Time
}

// SetDraining flips the draining flag and reports whether this call changed it.
func (l *Lifecycle) SetDraining(draining bool) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.draining == draining {
		return false
	}
	l.draining = draining
	if draining {
		l.drainingAt = time.Now()
	} else {
		l.drainingAt = time.Time{}
	}
	return true
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.draining
}

// DrainingSince returns when draining started, or the zero time.
func (l *Lifecycle) DrainingSince() time.Time {
	if l == nil {
		return time.Time{}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.drainingAt
}
