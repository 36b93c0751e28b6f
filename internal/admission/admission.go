// Package admission bounds the number of concurrent sessions.
//
// A [Controller] hands out at most Capacity [Ticket] values at a time. A
// ticket is taken before a session is built and released when the session is
// destroyed. Running out of slots is an ordinary outcome, reported as
// (nil, false) from [Controller.TryAcquire], never as an error.
package admission

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/observe"
)

// ErrCapacityExceeded is the error transports map to a capacity rejection
// (HTTP 503, close code 1013). The controller itself never returns it.
var ErrCapacityExceeded = errors.New("admission: server at capacity")

// emaWeight is the weight of a new sample in the average session duration.
const emaWeight = 0.1

// WarningThresholdPct is the capacity usage at which health reports switch
// from healthy to warning.
const WarningThresholdPct = 90.0

// Snapshot is a read-only view of the controller counters.
type Snapshot struct {
	Total              int64
	Active             int
	Peak               int
	Rejected           int64
	Capacity           int
	CapacityUsedPct    float64
	AvgSessionDuration time.Duration
}

// Status returns "warning" when usage is at or above [WarningThresholdPct]
// and "healthy" otherwise.
func (s Snapshot) Status() string {
	if s.CapacityUsedPct >= WarningThresholdPct {
		return "warning"
	}
	return "healthy"
}

// Option configures a [Controller].
type Option func(*Controller)

// WithMetrics records admission counters on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock overrides the time source used for session durations.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller tracks occupied slots against a fixed capacity.
//
// All methods are safe for concurrent use. The critical section only touches
// counters.
type Controller struct {
	capacity int
	metrics  *observe.Metrics
	now      func() time.Time

	mu       sync.Mutex
	active   int
	peak     int
	total    int64
	rejected int64
	avgDur   time.Duration
	samples  int64
}

// New creates a Controller with the given capacity. A capacity below one is
// treated as one.
func New(capacity int, opts ...Option) *Controller {
	if capacity < 1 {
		capacity = 1
	}
	c := &Controller{capacity: capacity, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Capacity returns the configured number of slots.
func (c *Controller) Capacity() int { return c.capacity }

// TryAcquire takes one slot. It returns (nil, false) when every slot is in
// use; no two callers can win the same last slot.
func (c *Controller) TryAcquire() (*Ticket, bool) {
	c.mu.Lock()
	if c.active >= c.capacity {
		c.rejected++
		c.mu.Unlock()
		c.metrics.SessionsRejected.Add(context.Background(), 1)
		return nil, false
	}
	c.active++
	c.total++
	if c.active > c.peak {
		c.peak = c.active
	}
	c.mu.Unlock()

	ctx := context.Background()
	c.metrics.SessionsAdmitted.Add(ctx, 1)
	c.metrics.ActiveSessions.Add(ctx, 1)
	return &Ticket{c: c, acquiredAt: c.now()}, true
}

// Available returns the number of free slots at the time of the call.
func (c *Controller) Available() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity - c.active
}

// Metrics returns a snapshot of the counters.
func (c *Controller) Metrics() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Total:              c.total,
		Active:             c.active,
		Peak:               c.peak,
		Rejected:           c.rejected,
		Capacity:           c.capacity,
		CapacityUsedPct:    float64(c.active) / float64(c.capacity) * 100,
		AvgSessionDuration: c.avgDur,
	}
}

func (c *Controller) release(held time.Duration) {
	c.mu.Lock()
	if c.active > 0 {
		c.active--
	}
	if c.samples == 0 {
		c.avgDur = held
	} else {
		c.avgDur = time.Duration((1-emaWeight)*float64(c.avgDur) + emaWeight*float64(held))
	}
	c.samples++
	c.mu.Unlock()
	c.metrics.ActiveSessions.Add(context.Background(), -1)
}

// Ticket is one occupied slot.
type Ticket struct {
	c          *Controller
	acquiredAt time.Time
	once       sync.Once
}

// AcquiredAt returns when the slot was taken.
func (t *Ticket) AcquiredAt() time.Time { return t.acquiredAt }

// Release frees the slot. Only the first call has an effect.
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.c.release(t.c.now().Sub(t.acquiredAt))
	})
}
