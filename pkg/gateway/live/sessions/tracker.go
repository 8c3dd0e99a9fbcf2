package sessions

import (
	"context"
	"sync"
)

// Handle lets the server reach a live bridge during shutdown.
type Handle struct {
	// Close ends the bridge: upstream session closed, socket closed.
	Close func()
	// Notify queues an informational text frame to the client.
	Notify func(message string) error
}

type Tracker struct {
	mu      sync.Mutex
	bridges map[string]*trackedBridge
	wg      sync.WaitGroup
}

type trackedBridge struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		bridges: make(map[string]*trackedBridge),
	}
}

// Register records a bridge under its connection id. The returned func is
// idempotent and must run when the bridge ends.
func (t *Tracker) Register(connectionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedBridge{handle: h}

	t.mu.Lock()
	if t.bridges == nil {
		t.bridges = make(map[string]*trackedBridge)
	}
	old := t.bridges[connectionID]
	t.bridges[connectionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(connectionID, old)
	}

	return func() { t.unregister(connectionID, entry) }
}

func (t *Tracker) unregister(connectionID string, entry *trackedBridge) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.bridges[connectionID] == entry {
			delete(t.bridges, connectionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bridges)
}

func (t *Tracker) snapshot() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.bridges))
	for _, entry := range t.bridges {
		out = append(out, entry.handle)
	}
	return out
}

// NotifyAll sends message to every live bridge, best effort.
func (t *Tracker) NotifyAll(message string) (sent int) {
	if t == nil {
		return 0
	}
	for _, h := range t.snapshot() {
		if h.Notify == nil {
			continue
		}
		if err := h.Notify(message); err == nil {
			sent++
		}
	}
	return sent
}

func (t *Tracker) CloseAll() (closed int) {
	if t == nil {
		return 0
	}
	for _, h := range t.snapshot() {
		if h.Close == nil {
			continue
		}
		h.Close()
		closed++
	}
	return closed
}

// Wait blocks until every registered bridge has unregistered or ctx ends.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
