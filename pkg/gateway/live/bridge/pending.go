package bridge

import "github.com/vango-go/vai-bridge/pkg/gateway/live/protocol"

// pendingQueue holds decoded client messages until the engine session is
// ready. Once full, new messages are refused.
type pendingQueue struct {
	items       []any
	limit       int
	dropped     int
	overflowing bool
}

func newPendingQueue(limit int) *pendingQueue {
	return &pendingQueue{limit: limit}
}

// push queues msg. firstDrop is set on the first refusal after the queue
// filled, so an overflow burst is reported once.
func (q *pendingQueue) push(msg any) (accepted, firstDrop bool) {
	if q.limit > 0 && len(q.items) >= q.limit {
		q.dropped++
		firstDrop = !q.overflowing
		q.overflowing = true
		return false, firstDrop
	}
	q.overflowing = false
	q.items = append(q.items, msg)
	return true, false
}

func (q *pendingQueue) len() int { return len(q.items) }

// drain returns the queued messages in arrival order and empties the queue.
func (q *pendingQueue) drain() []any {
	out := q.items
	q.items = nil
	q.overflowing = false
	return out
}

// deviceContext returns the device context carried by the latest queued
// history message, without consuming anything.
func (q *pendingQueue) deviceContext() string {
	var found string
	for _, msg := range q.items {
		h, ok := msg.(protocol.History)
		if !ok {
			continue
		}
		if dc, _ := splitDeviceContext(h.Entries); dc != "" {
			found = dc
		}
	}
	return found
}
