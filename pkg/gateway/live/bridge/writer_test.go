package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordedWrite struct {
	messageType int
	data        string
}

type fakeWSWriter struct {
	mu       sync.Mutex
	writes   []recordedWrite
	closed   bool
	writeErr error
}

func (f *fakeWSWriter) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWSWriter) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data)})
	return nil
}

func (f *fakeWSWriter) WriteControl(messageType int, data []byte, deadline time.Time) error {
	_ = deadline
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data)})
	return nil
}

func (f *fakeWSWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWSWriter) snapshot() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

func TestOutboundWriter_WritesInQueueOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := make(chan []byte, 3)
	queue <- []byte(`{"type":"setup_complete","resumed":false}`)
	queue <- []byte(`{"type":"audio","data":"AAAA","mimeType":"audio/pcm"}`)
	queue <- []byte(`{"type":"turn_complete"}`)
	close(queue)

	ws := &fakeWSWriter{}
	w := outboundWriter{ws: ws, ctx: ctx, queue: queue, pingInterval: time.Hour, writeTimeout: time.Second}
	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	writes := ws.snapshot()
	if len(writes) != 3 {
		t.Fatalf("writes=%d, want 3", len(writes))
	}
	want := []string{"setup_complete", "audio", "turn_complete"}
	for i, w := range writes {
		if w.messageType != websocket.TextMessage {
			t.Fatalf("writes[%d] type=%d, want text", i, w.messageType)
		}
		if !containsType(w.data, want[i]) {
			t.Fatalf("writes[%d]=%q, want type %q", i, w.data, want[i])
		}
	}
}

func TestOutboundWriter_FlushesAndClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	queue := make(chan []byte, 2)
	queue <- []byte(`{"type":"error","message":"bye"}`)
	cancel()

	ws := &fakeWSWriter{}
	w := outboundWriter{ws: ws, ctx: ctx, queue: queue, pingInterval: time.Hour, writeTimeout: time.Second}
	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	writes := ws.snapshot()
	if len(writes) != 2 {
		t.Fatalf("writes=%d, want 2 (frame + close): %+v", len(writes), writes)
	}
	if !containsType(writes[0].data, "error") {
		t.Fatalf("first write=%q, want queued error frame", writes[0].data)
	}
	if writes[1].messageType != websocket.CloseMessage {
		t.Fatalf("second write type=%d, want close", writes[1].messageType)
	}
	if !ws.closed {
		t.Fatalf("socket was not closed")
	}
}

func TestOutboundWriter_ReturnsWriteError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := make(chan []byte, 1)
	queue <- []byte(`{"type":"turn_complete"}`)

	boom := errors.New("broken pipe")
	ws := &fakeWSWriter{writeErr: boom}
	w := outboundWriter{ws: ws, ctx: ctx, queue: queue, pingInterval: time.Hour, writeTimeout: time.Second}
	if err := w.Run(); !errors.Is(err, boom) {
		t.Fatalf("Run() error=%v, want %v", err, boom)
	}
}

func TestOutboundWriter_SendsPings(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	queue := make(chan []byte)

	ws := &fakeWSWriter{}
	w := outboundWriter{ws: ws, ctx: ctx, queue: queue, pingInterval: 5 * time.Millisecond, writeTimeout: time.Second}
	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hasMessageType(ws.snapshot(), websocket.PingMessage) {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !hasMessageType(ws.snapshot(), websocket.PingMessage) {
		t.Fatalf("no ping written")
	}
}

func hasMessageType(writes []recordedWrite, messageType int) bool {
	for _, w := range writes {
		if w.messageType == messageType {
			return true
		}
	}
	return false
}

func containsType(data, typ string) bool {
	return strings.Contains(data, `"type":"`+typ+`"`)
}
