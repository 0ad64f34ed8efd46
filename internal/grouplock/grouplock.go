// Package grouplock serializes all group ledger processing in a process
// behind a single re-entrant permit.
//
// Re-entrancy is carried by context: Acquire returns a context holding the
// permit, and acquiring again with that context (or one derived from it)
// succeeds immediately while the outer permit is live. Storage transactions
// mark their context with EnterTransaction; acquiring the permit from inside
// a transaction is a lock-ordering bug and is rejected.
package grouplock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gezibash/arc-groups/internal/observability"
	arcerrors "github.com/gezibash/arc-groups/pkg/errors"
	"github.com/gezibash/arc-groups/pkg/logging"
)

// DefaultTimeout bounds how long Acquire waits for the permit.
const DefaultTimeout = 5 * time.Second

var (
	// ErrBusy matches any *BusyError.
	ErrBusy = fmt.Errorf("group processing lock busy: %w", arcerrors.ErrTimeout)

	// ErrLockOrder is returned when the permit is requested from inside a
	// storage transaction.
	ErrLockOrder = errors.New("group processing lock requested inside a storage transaction")
)

// BusyError reports a timed-out acquisition.
type BusyError struct {
	Holder string
	Waited time.Duration
}

func (e *BusyError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("%v after %s", ErrBusy, e.Waited.Round(time.Millisecond))
	}
	return fmt.Sprintf("%v after %s (held by %s)", ErrBusy, e.Waited.Round(time.Millisecond), e.Holder)
}

func (e *BusyError) Is(target error) bool { return target == ErrBusy }

// MetricLabel implements observability.Labeled.
func (e *BusyError) MetricLabel() string { return "busy" }

// Lock is the process-wide processing permit.
type Lock struct {
	sem     chan struct{}
	timeout time.Duration
	debug   bool
	metrics *observability.Metrics
	log     *logging.Logger

	mu     sync.Mutex
	holder string
	since  time.Time
}

// Option configures a Lock.
type Option func(*Lock)

// WithTimeout sets the acquisition timeout. Non-positive values keep the
// default.
func WithTimeout(d time.Duration) Option {
	return func(l *Lock) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithDebug makes lock-ordering violations panic instead of returning
// ErrLockOrder.
func WithDebug(debug bool) Option {
	return func(l *Lock) { l.debug = debug }
}

// WithMetrics records wait times and timeouts.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Lock) { l.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(l *Lock) {
		if log != nil {
			l.log = log.WithComponent("grouplock")
		}
	}
}

// New creates a lock.
func New(opts ...Option) *Lock {
	l := &Lock{
		sem:     make(chan struct{}, 1),
		timeout: DefaultTimeout,
		log:     logging.New(nil).WithComponent("grouplock"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Permit is a held processing permit. Release is idempotent and safe on a
// nil permit.
type Permit struct {
	lock     *Lock
	holder   string
	outer    *Permit // set on nested permits
	released atomic.Bool
}

func (p *Permit) live() bool {
	if p.released.Load() {
		return false
	}
	return p.outer == nil || p.outer.live()
}

// Bind returns a context carrying p, for work started from a context that
// did not come from Acquire.
func (p *Permit) Bind(ctx context.Context) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, permitKey{p.lock}, p)
}

type permitKey struct{ lock *Lock }

type txKey struct{}

// EnterTransaction marks ctx as running inside a storage transaction.
func EnterTransaction(ctx context.Context) context.Context {
	return context.WithValue(ctx, txKey{}, true)
}

// InTransaction reports whether ctx was marked by EnterTransaction.
func InTransaction(ctx context.Context) bool {
	v, _ := ctx.Value(txKey{}).(bool)
	return v
}

// Acquire obtains the permit on behalf of holder, waiting at most the
// configured timeout. The returned context carries the permit and must be
// used for nested work that may acquire again.
func (l *Lock) Acquire(ctx context.Context, holder string) (context.Context, *Permit, error) {
	if InTransaction(ctx) {
		if l.debug {
			panic(fmt.Sprintf("grouplock: %s: %v", holder, ErrLockOrder))
		}
		l.log.ErrorContext(ctx, "lock requested inside transaction", "holder", holder)
		return ctx, nil, ErrLockOrder
	}

	if outer, ok := ctx.Value(permitKey{l}).(*Permit); ok && outer.live() {
		return ctx, &Permit{lock: l, holder: holder, outer: outer}, nil
	}

	start := time.Now()
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case l.sem <- struct{}{}:
	case <-timer.C:
		waited := time.Since(start)
		current, _ := l.Holder()
		if l.metrics != nil {
			l.metrics.LockTimeouts.Inc()
		}
		l.log.WarnContext(ctx, "lock acquisition timed out", "holder", holder, "current", current, "waited", waited)
		return ctx, nil, &BusyError{Holder: current, Waited: waited}
	case <-ctx.Done():
		return ctx, nil, ctx.Err()
	}

	waited := time.Since(start)
	if l.metrics != nil {
		l.metrics.LockWait.Observe(waited.Seconds())
	}

	l.mu.Lock()
	l.holder = holder
	l.since = time.Now()
	l.mu.Unlock()

	if l.debug {
		l.log.DebugContext(ctx, "lock acquired", "holder", holder, "waited", waited)
	}

	p := &Permit{lock: l, holder: holder}
	return context.WithValue(ctx, permitKey{l}, p), p, nil
}

// Held reports whether ctx carries a live permit of this lock.
func (l *Lock) Held(ctx context.Context) bool {
	p, ok := ctx.Value(permitKey{l}).(*Permit)
	return ok && p.live()
}

// Holder returns the current holder and how long it has held the permit.
func (l *Lock) Holder() (string, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == "" {
		return "", 0
	}
	return l.holder, time.Since(l.since)
}

// Release returns the permit. Releasing a nested permit only ends its own
// binding; the outer permit stays held.
func (p *Permit) Release() {
	if p == nil || !p.released.CompareAndSwap(false, true) || p.outer != nil {
		return
	}
	l := p.lock

	l.mu.Lock()
	held := time.Since(l.since)
	l.holder = ""
	l.mu.Unlock()

	<-l.sem

	if l.debug {
		l.log.Debug("lock released", "holder", p.holder, "held", held)
	}
}
