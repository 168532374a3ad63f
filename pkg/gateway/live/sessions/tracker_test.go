package sessions

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func mustRegister(t *testing.T, tr *Tracker, id string, h Handle) func() {
	t.Helper()
	u, err := tr.Register(id, h)
	if err != nil {
		t.Fatalf("Register(%q) error = %v", id, err)
	}
	return u
}

func TestTracker_RegisterUnregister_CountAndWait(t *testing.T) {
	tr := NewTracker()
	if tr.Count() != 0 {
		t.Fatalf("initial count=%d, want 0", tr.Count())
	}

	u1 := mustRegister(t, tr, "s1", Handle{UserID: 1})
	u2 := mustRegister(t, tr, "s2", Handle{UserID: 1})
	u3 := mustRegister(t, tr, "s3", Handle{UserID: 2})
	if tr.Count() != 3 {
		t.Fatalf("count=%d, want 3", tr.Count())
	}
	if n := tr.CountForUser(1); n != 2 {
		t.Fatalf("CountForUser(1)=%d, want 2", n)
	}

	u1()
	u1()
	if tr.Count() != 2 {
		t.Fatalf("count=%d, want 2", tr.Count())
	}

	u2()
	u3()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if ok := tr.Wait(ctx); !ok {
		t.Fatalf("expected Wait to return true")
	}
	if tr.Count() != 0 {
		t.Fatalf("count=%d, want 0", tr.Count())
	}
}

func TestTracker_WaitTimesOutWithLiveSession(t *testing.T) {
	tr := NewTracker()
	u := mustRegister(t, tr, "s1", Handle{})
	defer u()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if tr.Wait(ctx) {
		t.Fatal("Wait returned true with a live session")
	}
}

func TestTracker_DrainingRejectsNewSessions(t *testing.T) {
	tr := NewTracker()
	tr.SetDraining(true)
	if !tr.IsDraining() {
		t.Fatal("IsDraining() = false")
	}
	u, err := tr.Register("s1", Handle{})
	if !errors.Is(err, ErrDraining) {
		t.Fatalf("err=%v, want ErrDraining", err)
	}
	u()
	if tr.Count() != 0 {
		t.Fatalf("count=%d, want 0", tr.Count())
	}

	tr.SetDraining(false)
	mustRegister(t, tr, "s2", Handle{})()
}

func TestTracker_CancelAll_CallsCancel(t *testing.T) {
	tr := NewTracker()
	var c1, c2 atomic.Int64
	mustRegister(t, tr, "s1", Handle{Cancel: func() { c1.Add(1) }})
	mustRegister(t, tr, "s2", Handle{Cancel: func() { c2.Add(1) }})

	if n := tr.CancelAll(); n != 2 {
		t.Fatalf("canceled=%d, want 2", n)
	}
	if c1.Load() != 1 || c2.Load() != 1 {
		t.Fatalf("cancel calls=%d/%d, want 1/1", c1.Load(), c2.Load())
	}
}

func TestTracker_NotifyAll_BestEffort(t *testing.T) {
	tr := NewTracker()
	var n1, n2 atomic.Int64
	mustRegister(t, tr, "s1", Handle{Notify: func(string) error {
		n1.Add(1)
		return nil
	}})
	mustRegister(t, tr, "s2", Handle{Notify: func(string) error {
		n2.Add(1)
		return errors.New("queue full")
	}})
	mustRegister(t, tr, "s3", Handle{})

	if sent := tr.NotifyAll("server restarting"); sent != 1 {
		t.Fatalf("sent=%d, want 1", sent)
	}
	if n1.Load() != 1 || n2.Load() != 1 {
		t.Fatalf("notify calls=%d/%d, want 1/1", n1.Load(), n2.Load())
	}
}

func TestTracker_ReRegisterReplaces(t *testing.T) {
	tr := NewTracker()
	first := mustRegister(t, tr, "s1", Handle{})
	mustRegister(t, tr, "s1", Handle{})
	if tr.Count() != 1 {
		t.Fatalf("count=%d, want 1", tr.Count())
	}
	first()
	if tr.Count() != 1 {
		t.Fatalf("stale unregister removed the replacement")
	}
}
