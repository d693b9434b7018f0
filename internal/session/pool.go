// Package session implements the inference-resource manager (C1): a
// pool of transformer sessions guarded by a permit gate, so several
// inferences can run in parallel on shared CPU cores without
// oversubscribing hardware threads.
package session

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/dannyavrs/encapure/internal/metrics"
)

// Preset names recognized by Resolve.
const (
	PresetSingleRequest  = "single-request"
	PresetHighThroughput = "high-throughput"
	PresetCustom         = "custom"
)

// maxConsecutiveFailures is the number of back-to-back failed
// inferences on one session before that session is permanently removed
// from the free set (spec.md §4.1 Failure semantics).
const maxConsecutiveFailures = 3

// Config holds the three dials spec.md §4.1 exposes: session count,
// permit count, and per-session intra-op thread count.
type Config struct {
	Sessions int // S
	Permits  int // P
	Threads  int // T
}

// Resolve fills in S/P/T for a named preset. "custom" requires the
// caller to have already set Sessions/Permits/Threads in custom —
// Resolve only checks that all three are positive and returns it
// unchanged; the core-count check is Validate's job.
func Resolve(preset string, custom Config) (Config, error) {
	cores := runtime.NumCPU()
	switch preset {
	case PresetSingleRequest, "":
		return Config{Sessions: 1, Permits: 1, Threads: cores}, nil
	case PresetHighThroughput:
		t := cores / 6
		if t < 1 {
			t = 1
		}
		return Config{Sessions: 10, Permits: 6, Threads: t}, nil
	case PresetCustom:
		if custom.Sessions <= 0 || custom.Permits <= 0 || custom.Threads <= 0 {
			return Config{}, fmt.Errorf("custom preset requires Sessions, Permits, and Threads all > 0")
		}
		return custom, nil
	default:
		return Config{}, fmt.Errorf("unknown session preset %q", preset)
	}
}

// Validate logs (via the returned bool) whether P*T oversubscribes the
// machine. It never refuses to start — spec.md §4.1/§5: "refuse to
// start if P × T > C would oversubscribe (log warning, continue)".
func (c Config) Validate() (ok bool, cores int) {
	cores = runtime.NumCPU()
	return c.Permits*c.Threads <= cores, cores
}

// Factory builds one ONNX session bound to threads intra-op threads.
type Factory func(threads int) (*ort.DynamicAdvancedSession, error)

// WarmupFunc runs one dummy inference through a freshly built session.
type WarmupFunc func(*ort.DynamicAdvancedSession) error

type slot struct {
	session             *ort.DynamicAdvancedSession
	consecutiveFailures int32
	blacklisted         int32 // 0 = usable, 1 = permanently removed
}

// Manager owns a pool of S sessions and a permit gate of capacity P.
// It is safe for concurrent use; it is built once at startup and lives
// for the process lifetime.
type Manager struct {
	cfg  Config
	sem  *semaphore.Weighted
	free chan int
	pool []*slot

	warmedUp atomic.Bool

	// EngineLabel names the model this pool backs ("biencoder" or
	// "crossencoder") for the permit-wait/blacklist metrics below.
	// Callers set it once, right after New returns, before the pool
	// serves any request. An empty label simply skips recording.
	EngineLabel string
}

// New constructs the session pool, building each session via factory.
// It does not run warmup — call Warmup separately so the caller can
// gate a readiness flag on it (spec.md §4.1).
func New(cfg Config, factory Factory) (*Manager, error) {
	if cfg.Sessions <= 0 {
		return nil, fmt.Errorf("session count must be > 0")
	}
	if cfg.Permits <= 0 || cfg.Permits > cfg.Sessions {
		return nil, fmt.Errorf("permit count must be in (0, sessions]")
	}

	m := &Manager{
		cfg:  cfg,
		sem:  semaphore.NewWeighted(int64(cfg.Permits)),
		free: make(chan int, cfg.Sessions),
		pool: make([]*slot, cfg.Sessions),
	}

	for i := 0; i < cfg.Sessions; i++ {
		s, err := factory(cfg.Threads)
		if err != nil {
			m.closeBuilt(i)
			return nil, fmt.Errorf("build session %d/%d: %w", i+1, cfg.Sessions, err)
		}
		m.pool[i] = &slot{session: s}
		m.free <- i
	}

	return m, nil
}

func (m *Manager) closeBuilt(n int) {
	for i := 0; i < n; i++ {
		if m.pool[i] != nil && m.pool[i].session != nil {
			m.pool[i].session.Destroy()
		}
	}
}

// Warmup runs one dummy inference through every session in the pool so
// lazy graph optimizations complete before readiness is signaled.
// Warmup failures are fatal at startup (spec.md §7).
func (m *Manager) Warmup(warm WarmupFunc) error {
	for i, s := range m.pool {
		if err := warm(s.session); err != nil {
			return fmt.Errorf("warmup session %d: %w", i, err)
		}
	}
	m.warmedUp.Store(true)
	return nil
}

// Ready reports whether Warmup has completed successfully.
func (m *Manager) Ready() bool { return m.warmedUp.Load() }

// Close releases every session's underlying ONNX resources. Call once,
// after all outstanding leases have been released.
func (m *Manager) Close() {
	for _, s := range m.pool {
		if s.session != nil {
			s.session.Destroy()
		}
	}
}

// Lease is a held (permit, session) pair. It must be released exactly
// once via Manager.release (done internally by Run).
type Lease struct {
	idx     int
	session *ort.DynamicAdvancedSession
}

// acquire blocks until both a permit and a free session slot are
// available, or ctx is done. On cancellation or timeout while waiting,
// no permit is ever taken (semaphore.Weighted.Acquire guarantees this).
func (m *Manager) acquire(ctx context.Context) (*Lease, error) {
	waitStart := time.Now()
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire permit: %w", err)
	}

	select {
	case idx := <-m.free:
		if m.EngineLabel != "" {
			metrics.RecordPermitWait(m.EngineLabel, time.Since(waitStart))
		}
		return &Lease{idx: idx, session: m.pool[idx].session}, nil
	case <-ctx.Done():
		// We hold a permit but found no session before cancellation —
		// release it on unwind so no permit is ever leaked.
		m.sem.Release(1)
		return nil, fmt.Errorf("acquire session: %w", ctx.Err())
	}
}

// release returns the permit and, unless the session has been
// blacklisted, the session slot to the free pool.
func (m *Manager) release(l *Lease, failed bool) {
	s := m.pool[l.idx]
	if failed {
		if atomic.AddInt32(&s.consecutiveFailures, 1) >= maxConsecutiveFailures {
			atomic.StoreInt32(&s.blacklisted, 1)
			if m.EngineLabel != "" {
				metrics.RecordSessionBlacklisted(m.EngineLabel)
			}
		}
	} else {
		atomic.StoreInt32(&s.consecutiveFailures, 0)
	}

	m.sem.Release(1)
	if atomic.LoadInt32(&s.blacklisted) == 0 {
		m.free <- l.idx
	}
	// A blacklisted session's index is simply never returned to `free`
	// again — it drops out of rotation permanently. If every session in
	// the pool is eventually blacklisted, acquire blocks forever on the
	// free channel; callers should wrap Run in a context with a
	// reasonable deadline so that surfaces as a timeout, not a hang.
}

// Run leases a session, invokes fn with it, and releases the lease on
// every exit path — success, fn error, or ctx cancellation. A session
// that fails is marked suspect per spec.md §4.1. An inference is not
// interrupted by ctx; if ctx is done by the time fn returns successfully,
// Run reports a resource error so the caller discards fn's result.
func (m *Manager) Run(ctx context.Context, fn func(*ort.DynamicAdvancedSession) error) error {
	lease, err := m.acquire(ctx)
	if err != nil {
		return resourceError{err}
	}

	err = fn(lease.session)
	m.release(lease, err != nil)
	if err == nil && ctx.Err() != nil {
		return resourceError{fmt.Errorf("inference outlived its deadline: %w", ctx.Err())}
	}
	return err
}

// InFlight returns the number of permits currently held. Useful only
// for tests and metrics — never for scheduling decisions.
func (m *Manager) InFlight() int64 {
	return int64(m.cfg.Permits) - m.availablePermits()
}

func (m *Manager) availablePermits() int64 {
	// semaphore.Weighted doesn't expose remaining capacity directly;
	// approximate via a non-blocking TryAcquire/Release probe. Used only
	// by tests/metrics, never on a hot path.
	var n int64
	for m.sem.TryAcquire(1) {
		n++
	}
	for i := int64(0); i < n; i++ {
		m.sem.Release(1)
	}
	return n
}

// resourceError marks an error as retryable/temporary (spec.md §7
// Resource taxonomy: permit timeout, pool exhaustion).
type resourceError struct{ err error }

func (e resourceError) Error() string { return e.err.Error() }
func (e resourceError) Unwrap() error { return e.err }

// IsResourceError reports whether err originated from permit/session
// acquisition (or an expired deadline) rather than from the inference
// itself, looking through any wrapping added by callers.
func IsResourceError(err error) bool {
	var re resourceError
	return errors.As(err, &re)
}
