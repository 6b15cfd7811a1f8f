// Package quota paces catalog requests against a per-credential daily quota.
//
// A Governor answers one question for every proposed dispatch: may it go now,
// and if not, how long until it may. The check and the bookkeeping for a Ready
// answer happen under a single lock, so two callers can never both be granted
// the same slot.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ryanm101/romscraper/logging"
	"github.com/ryanm101/romscraper/metrics"
)

// DefaultWindow is the length of the rolling quota window.
const DefaultWindow = 24 * time.Hour

// ErrExhausted is returned by Acquire once the quota is known to be spent for
// the current window.
var ErrExhausted = errors.New("quota exhausted")

// State is the outcome of a Reserve call.
type State int

const (
	Ready State = iota
	Throttled
	Exhausted
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Throttled:
		return "throttled"
	case Exhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Decision is the governor's answer to a proposed dispatch. Wait is zero when
// State is Ready.
type Decision struct {
	State State
	Wait  time.Duration
}

// Config is the client-side rate limit. DailyMax <= 0 disables the daily cap.
type Config struct {
	MinDelay time.Duration
	DailyMax int
	Window   time.Duration
}

// DefaultConfig mirrors the catalog's defaults for an anonymous developer key.
func DefaultConfig() Config {
	return Config{
		MinDelay: time.Second,
		DailyMax: 10000,
		Window:   DefaultWindow,
	}
}

// Ledger persists dispatch timestamps so quota usage survives restarts and can
// be shared between processes using the same credentials.
type Ledger interface {
	Load(ctx context.Context, key string, since time.Time) ([]time.Time, error)
	Append(ctx context.Context, key string, at time.Time) error
}

// Snapshot is a read-only view of the governor's state.
type Snapshot struct {
	Used           int
	Limit          int
	Remaining      int
	LastDispatch   time.Time
	ExhaustedUntil time.Time
}

// Governor owns the quota state for one client instance.
type Governor struct {
	mu             sync.Mutex
	cfg            Config
	limit          int
	now            func() time.Time
	last           time.Time
	stamps         []time.Time // dispatches inside the window, oldest first
	exhaustedUntil time.Time

	ledger    Ledger
	ledgerKey string
	logger    *slog.Logger
}

// Option customizes a Governor.
type Option func(*Governor)

// WithClock overrides the time source (useful for tests).
func WithClock(now func() time.Time) Option {
	return func(g *Governor) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLedger persists every recorded dispatch under key.
func WithLedger(l Ledger, key string) Option {
	return func(g *Governor) {
		g.ledger = l
		g.ledgerKey = key
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Governor) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// New creates a governor. Zero-valued Window falls back to DefaultWindow and a
// negative MinDelay is treated as zero.
func New(cfg Config, opts ...Option) *Governor {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MinDelay < 0 {
		cfg.MinDelay = 0
	}
	g := &Governor{
		cfg:   cfg,
		limit: cfg.DailyMax,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.Component(g.logger, "quota")
	return g
}

// Config returns the configuration the governor was built with.
func (g *Governor) Config() Config {
	return g.cfg
}

// Restore seeds the window from the ledger. It is a no-op without a ledger.
func (g *Governor) Restore(ctx context.Context) error {
	if g.ledger == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	stamps, err := g.ledger.Load(ctx, g.ledgerKey, now.Add(-g.cfg.Window))
	if err != nil {
		return fmt.Errorf("load quota ledger: %w", err)
	}
	for _, ts := range stamps {
		if ts.After(now) {
			continue
		}
		g.stamps = append(g.stamps, ts)
		if ts.After(g.last) {
			g.last = ts
		}
	}
	slices.SortFunc(g.stamps, time.Time.Compare)
	g.prune(now)
	g.logger.Debug("restored quota window", "used", len(g.stamps), "limit", g.limit)
	g.publish()
	return nil
}

// Reserve decides whether a dispatch may happen now. A Ready decision records
// the dispatch before the lock is released.
func (g *Governor) Reserve(ctx context.Context) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.prune(now)

	if now.Before(g.exhaustedUntil) {
		return Decision{State: Exhausted, Wait: g.exhaustedUntil.Sub(now)}
	}

	if !g.last.IsZero() && g.cfg.MinDelay > 0 {
		elapsed := now.Sub(g.last)
		if elapsed < 0 {
			elapsed = 0
		}
		if elapsed < g.cfg.MinDelay {
			return Decision{State: Throttled, Wait: g.cfg.MinDelay - elapsed}
		}
	}

	if g.limit > 0 && len(g.stamps) >= g.limit {
		// The slot frees up when the request that put us at the cap ages out.
		freeing := g.stamps[len(g.stamps)-g.limit]
		return Decision{State: Throttled, Wait: freeing.Add(g.cfg.Window).Sub(now)}
	}

	g.last = now
	g.stamps = append(g.stamps, now)
	if g.ledger != nil {
		if err := g.ledger.Append(ctx, g.ledgerKey, now); err != nil {
			g.logger.Warn("failed to persist dispatch", "error", err)
		}
	}
	g.publish()
	return Decision{State: Ready}
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Acquire loops on Reserve, sleeping for each Throttled wait, until a slot is
// granted. It returns the total time waited. Exhausted windows return
// ErrExhausted immediately.
func (g *Governor) Acquire(ctx context.Context, sleep Sleeper) (time.Duration, error) {
	if sleep == nil {
		sleep = Sleep
	}
	var waited time.Duration
	for {
		if err := ctx.Err(); err != nil {
			return waited, err
		}
		d := g.Reserve(ctx)
		switch d.State {
		case Ready:
			if waited > 0 {
				metrics.RecordThrottle(waited)
			}
			return waited, nil
		case Exhausted:
			return waited, fmt.Errorf("%w: retry in %s", ErrExhausted, d.Wait.Round(time.Second))
		}
		g.logger.Debug("throttled", "wait", d.Wait)
		if err := sleep(ctx, d.Wait); err != nil {
			return waited, err
		}
		waited += d.Wait
	}
}

// Exhaust refuses dispatches until the given instant. Used when the service
// reports the quota spent even though the local estimate disagrees.
func (g *Governor) Exhaust(until time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if until.After(g.exhaustedUntil) {
		g.exhaustedUntil = until
		g.logger.Warn("quota exhausted by service", "until", until.Format(time.RFC3339))
	}
	metrics.QuotaRemaining.Set(0)
}

// ExhaustWindow is Exhaust for one full window from now.
func (g *Governor) ExhaustWindow() {
	g.Exhaust(g.now().Add(g.cfg.Window))
}

// Reconcile aligns local state with the service's own counters. used is the
// number of requests the service has counted today, capacity its cap (<= 0
// when unknown).
func (g *Governor) Reconcile(used, capacity int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.prune(now)

	if capacity > 0 && (g.limit <= 0 || capacity < g.limit) {
		g.limit = capacity
	}
	if g.limit > 0 && used >= g.limit {
		until := now.Add(g.cfg.Window)
		if until.After(g.exhaustedUntil) {
			g.exhaustedUntil = until
		}
		g.logger.Warn("service reports quota spent", "used", used, "limit", g.limit)
		g.publish()
		return
	}
	// Pad with synthetic dispatches so the local count is never lower than the
	// service's. They age out one window from now, which errs on the safe side.
	for missing := used - len(g.stamps); missing > 0; missing-- {
		g.stamps = append(g.stamps, now)
	}
	g.publish()
}

// Snapshot returns the current usage.
func (g *Governor) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.prune(g.now())
	return Snapshot{
		Used:           len(g.stamps),
		Limit:          g.limit,
		Remaining:      g.remaining(),
		LastDispatch:   g.last,
		ExhaustedUntil: g.exhaustedUntil,
	}
}

func (g *Governor) remaining() int {
	if g.limit <= 0 {
		return -1
	}
	if r := g.limit - len(g.stamps); r > 0 {
		return r
	}
	return 0
}

// prune drops dispatches that have aged out of the window. Caller holds mu.
func (g *Governor) prune(now time.Time) {
	cutoff := now.Add(-g.cfg.Window)
	i := 0
	for i < len(g.stamps) && !g.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		g.stamps = append(g.stamps[:0], g.stamps[i:]...)
	}
}

// publish exports remaining quota. Caller holds mu.
func (g *Governor) publish() {
	if r := g.remaining(); r >= 0 {
		metrics.QuotaRemaining.Set(float64(r))
	}
}

