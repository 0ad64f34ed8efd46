package grouplock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gezibash/arc-groups/internal/observability"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestAcquireRelease(t *testing.T) {
	l := New()
	ctx, p, err := l.Acquire(context.Background(), "test")
	if err != nil {
		t.Fatal(err)
	}
	if !l.Held(ctx) {
		t.Fatal("context should carry the permit")
	}
	if h, _ := l.Holder(); h != "test" {
		t.Errorf("holder = %q, want test", h)
	}

	p.Release()
	p.Release() // idempotent

	if l.Held(ctx) {
		t.Error("context still reports permit after release")
	}
	if h, _ := l.Holder(); h != "" {
		t.Errorf("holder = %q after release", h)
	}

	_, p2, err := l.Acquire(context.Background(), "again")
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	p2.Release()
}

func TestReentrant(t *testing.T) {
	l := New(WithTimeout(50 * time.Millisecond))
	ctx, outer, err := l.Acquire(context.Background(), "outer")
	if err != nil {
		t.Fatal(err)
	}
	defer outer.Release()

	inner, cancel := context.WithCancel(ctx)
	defer cancel()
	_, nested, err := l.Acquire(inner, "inner")
	if err != nil {
		t.Fatalf("nested acquire: %v", err)
	}
	nested.Release()

	if !l.Held(ctx) {
		t.Fatal("releasing a nested permit released the outer one")
	}

	// A context without the permit must wait.
	if _, _, err := l.Acquire(context.Background(), "other"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestBusyTimeout(t *testing.T) {
	m := observability.NewMetrics()
	l := New(WithTimeout(20*time.Millisecond), WithMetrics(m))

	_, p, err := l.Acquire(context.Background(), "slow-job")
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release()

	_, _, err = l.Acquire(context.Background(), "impatient")
	var busy *BusyError
	if !errors.As(err, &busy) {
		t.Fatalf("expected *BusyError, got %v", err)
	}
	if busy.Holder != "slow-job" {
		t.Errorf("holder = %q", busy.Holder)
	}
	if busy.Waited < 20*time.Millisecond {
		t.Errorf("waited %s, less than timeout", busy.Waited)
	}
	if got := testutil.ToFloat64(m.LockTimeouts); got != 1 {
		t.Errorf("timeouts = %f, want 1", got)
	}
}

func TestAcquireContextCanceled(t *testing.T) {
	l := New(WithTimeout(time.Second))
	_, p, _ := l.Acquire(context.Background(), "holder")
	defer p.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := l.Acquire(ctx, "canceled"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLockOrder(t *testing.T) {
	l := New()
	ctx := EnterTransaction(context.Background())
	if _, _, err := l.Acquire(ctx, "tx"); !errors.Is(err, ErrLockOrder) {
		t.Fatalf("expected ErrLockOrder, got %v", err)
	}

	dbg := New(WithDebug(true))
	defer func() {
		if recover() == nil {
			t.Error("expected panic in debug mode")
		}
	}()
	_, _, _ = dbg.Acquire(ctx, "tx")
}

func TestMutualExclusion(t *testing.T) {
	l := New(WithTimeout(5 * time.Second))

	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		maxSeen atomic.Int32
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, p, err := l.Acquire(context.Background(), "worker")
			if err != nil {
				t.Error(err)
				return
			}
			defer p.Release()

			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	if maxSeen.Load() != 1 {
		t.Errorf("observed %d concurrent holders", maxSeen.Load())
	}
}

func TestNilPermitRelease(t *testing.T) {
	var p *Permit
	p.Release()
}

func TestBind(t *testing.T) {
	l := New(WithTimeout(20 * time.Millisecond))
	_, p, err := l.Acquire(context.Background(), "editor")
	if err != nil {
		t.Fatal(err)
	}

	ctx := p.Bind(context.Background())
	if !l.Held(ctx) {
		t.Fatal("bound context should carry the permit")
	}
	_, nested, err := l.Acquire(ctx, "op")
	if err != nil {
		t.Fatalf("acquire on bound context: %v", err)
	}
	nested.Release()

	p.Release()
	if l.Held(ctx) {
		t.Error("bound context holds a released permit")
	}
	if got := (*Permit)(nil).Bind(ctx); got != ctx {
		t.Error("nil permit should return ctx unchanged")
	}
}
