package sessions

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestTracker_RegisterUnregister_CountAndWait(t *testing.T) {
	tr := NewTracker()
	if tr.Count() != 0 {
		t.Fatalf("initial count=%d, want 0", tr.Count())
	}

	u1 := tr.Register("c1", Handle{})
	u2 := tr.Register("c2", Handle{})
	if tr.Count() != 2 {
		t.Fatalf("count=%d, want 2", tr.Count())
	}

	u1()
	u1()
	if tr.Count() != 1 {
		t.Fatalf("count=%d, want 1", tr.Count())
	}

	u2()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if ok := tr.Wait(ctx); !ok {
		t.Fatalf("expected Wait to return true")
	}
}

func TestTracker_Wait_TimesOutWithLiveBridge(t *testing.T) {
	tr := NewTracker()
	unregister := tr.Register("c1", Handle{})
	defer unregister()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if tr.Wait(ctx) {
		t.Fatalf("Wait returned true with a live bridge")
	}
}

func TestTracker_ReRegisterReplacesEntry(t *testing.T) {
	tr := NewTracker()
	stale := tr.Register("c1", Handle{})
	fresh := tr.Register("c1", Handle{})
	if tr.Count() != 1 {
		t.Fatalf("count=%d, want 1", tr.Count())
	}
	stale()
	if tr.Count() != 1 {
		t.Fatalf("stale unregister removed the fresh entry")
	}
	fresh()
	if tr.Count() != 0 {
		t.Fatalf("count=%d, want 0", tr.Count())
	}
}

func TestTracker_CloseAll_CallsClose(t *testing.T) {
	tr := NewTracker()
	var c1, c2 atomic.Int64
	tr.Register("c1", Handle{Close: func() { c1.Add(1) }})
	tr.Register("c2", Handle{Close: func() { c2.Add(1) }})
	tr.Register("c3", Handle{})

	if n := tr.CloseAll(); n != 2 {
		t.Fatalf("closed=%d, want 2", n)
	}
	if c1.Load() != 1 || c2.Load() != 1 {
		t.Fatalf("close calls=%d/%d, want 1/1", c1.Load(), c2.Load())
	}
}

func TestTracker_NotifyAll_CountsSuccessfulSends(t *testing.T) {
	tr := NewTracker()
	var got atomic.Value
	tr.Register("c1", Handle{Notify: func(message string) error {
		got.Store(message)
		return nil
	}})
	tr.Register("c2", Handle{Notify: func(string) error {
		return errors.New("socket gone")
	}})

	if sent := tr.NotifyAll("server restarting"); sent != 1 {
		t.Fatalf("sent=%d, want 1", sent)
	}
	if got.Load() != "server restarting" {
		t.Fatalf("message=%v", got.Load())
	}
}
