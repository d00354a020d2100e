// Package coordinator owns the fetch cadence for one device and the most
// recent snapshot. Sensors never call the device client directly; they
// subscribe here and read the shared Result.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"iquasoftener/internal/clock"
	"iquasoftener/internal/iqua"

	"go.uber.org/zap"
)

// ErrNotReady is returned by FirstRefresh when the initial fetch fails.
// The caller owns any retry.
var ErrNotReady = errors.New("device not ready")

// UpdateFailedError is the single failure kind of a refresh cycle
type UpdateFailedError struct {
	Err error
}

func (e *UpdateFailedError) Error() string {
	return fmt.Sprintf("Error while retrieving data: %v", e.Err)
}

func (e *UpdateFailedError) Unwrap() error {
	return e.Err
}

// Result is the outcome visible to sensors after a refresh cycle.
// Snapshot is the last good snapshot and survives failed cycles.
type Result struct {
	Snapshot    *iqua.Snapshot
	Err         error // nil when the latest cycle succeeded
	UpdatedAt   time.Time
	LastSuccess time.Time
}

// Success reports whether the latest cycle succeeded
func (r Result) Success() bool {
	return r.Err == nil && r.Snapshot != nil
}

// Listener is called after every refresh cycle
type Listener func(Result)

type listenerEntry struct {
	id int
	fn Listener
}

// Coordinator polls one device on a fixed interval
type Coordinator struct {
	name     string
	fetcher  iqua.Fetcher
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger

	result atomic.Pointer[Result]

	// refreshMu keeps at most one fetch in flight
	refreshMu sync.Mutex

	mu        sync.Mutex
	listeners []listenerEntry
	nextID    int
	timer     clock.Timer
	started   bool
	closed    bool
}

// New creates a coordinator. It does not fetch or arm a timer until
// FirstRefresh and Start are called.
func New(name string, fetcher iqua.Fetcher, interval time.Duration, clk clock.Clock, logger *zap.Logger) *Coordinator {
	if clk == nil {
		clk = clock.NewRealClock()
	}

	c := &Coordinator{
		name:     name,
		fetcher:  fetcher,
		interval: interval,
		clock:    clk,
		logger:   logger.Named("coordinator").With(zap.String("name", name)),
	}
	c.result.Store(&Result{})
	return c
}

// Interval returns the refresh interval
func (c *Coordinator) Interval() time.Duration {
	return c.interval
}

// FirstRefresh performs the initial synchronous fetch. Failure is returned
// wrapped in ErrNotReady and nothing is cached.
func (c *Coordinator) FirstRefresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	snapshot, err := c.fetcher.FetchData(ctx)
	if err != nil {
		c.logger.Debug("Initial fetch failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}

	now := c.clock.Now()
	c.publish(&Result{Snapshot: snapshot, UpdatedAt: now, LastSuccess: now})
	return nil
}

// Start arms the interval timer
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started || c.closed {
		return
	}
	c.started = true
	c.scheduleLocked()

	c.logger.Info("Polling started", zap.Duration("interval", c.interval))
}

func (c *Coordinator) scheduleLocked() {
	if c.closed {
		return
	}
	c.timer = c.clock.AfterFunc(c.interval, c.onTimer)
}

func (c *Coordinator) onTimer() {
	c.RefreshNow(context.Background())

	c.mu.Lock()
	c.scheduleLocked()
	c.mu.Unlock()
}

// RefreshNow runs one refresh cycle and notifies listeners. Fetch errors are
// recorded in the Result and never returned.
func (c *Coordinator) RefreshNow(ctx context.Context) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if c.isClosed() {
		return
	}

	snapshot, err := c.fetcher.FetchData(ctx)

	// torn down while the fetch was in flight
	if c.isClosed() {
		c.logger.Debug("Discarding fetch result after shutdown")
		return
	}

	prev := c.result.Load()
	now := c.clock.Now()

	next := &Result{UpdatedAt: now}
	if err != nil {
		next.Snapshot = prev.Snapshot
		next.LastSuccess = prev.LastSuccess
		next.Err = &UpdateFailedError{Err: err}
		c.logger.Warn("Refresh failed, keeping previous snapshot", zap.Error(err))
	} else {
		next.Snapshot = snapshot
		next.LastSuccess = now
		c.logger.Debug("Refresh succeeded")
	}

	c.publish(next)
}

// publish swaps the result in whole, then informs listeners in registration order
func (c *Coordinator) publish(r *Result) {
	c.result.Store(r)

	c.mu.Lock()
	entries := append([]listenerEntry(nil), c.listeners...)
	c.mu.Unlock()

	for _, entry := range entries {
		entry.fn(*r)
	}
}

// LastResult returns the most recent Result
func (c *Coordinator) LastResult() Result {
	return *c.result.Load()
}

// OnUpdate registers fn for every refresh completion. The returned func
// removes it.
func (c *Coordinator) OnUpdate(fn Listener) (remove func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.listeners = append(c.listeners, listenerEntry{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		for i, entry := range c.listeners {
			if entry.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				break
			}
		}
	}
}

// Shutdown stops the timer and drops all listeners. A fetch already in
// flight completes but its result is discarded.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.listeners = nil
	c.mu.Unlock()

	c.logger.Info("Polling stopped")
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
