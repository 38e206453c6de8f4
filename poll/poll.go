// Package poll runs the periodic fetch, detect and notify cycle.
package poll

import (
	"cents-notifier/pkg/availability"
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// DefaultInterval is the pause between two poll cycles.
const DefaultInterval = 30 * time.Second

// Fetcher retrieves the current sessions. ok is false when the fetch failed.
type Fetcher interface {
	Fetch(ctx context.Context) (records []*availability.Record, ok bool)
}

// Subscribers lists the current subscribers.
type Subscribers interface {
	List(ctx context.Context) []string
}

// Notifier delivers alerts and returns the subscribers that failed.
type Notifier interface {
	Notify(ctx context.Context, records []*availability.Record, subscribers []string) []string
}

// Result summarizes one poll cycle.
type Result struct {
	StartedAt   time.Time     `json:"started_at"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	Fetched     int           `json:"fetched"`
	Available   int           `json:"available"`
	New         int           `json:"new"`
	Subscribers int           `json:"subscribers"`
	Failed      int           `json:"failed"`
	FetchOK     bool          `json:"fetch_ok"`
}

// Monitor drives the poll loop.
type Monitor struct {
	fetcher     Fetcher
	subscribers Subscribers
	notifier    Notifier
	logger      *slog.Logger
	trigger     chan struct{}
	last        Result
	interval    time.Duration
	cycles      uint64
	mu          sync.Mutex
	keepState   bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval sets the pause between cycles.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithKeepStateOnFailure makes a failed fetch leave the previously available
// set untouched, instead of treating it as "nothing available". This avoids
// re-alerting every open session after an upstream outage.
func WithKeepStateOnFailure(keep bool) Option {
	return func(m *Monitor) { m.keepState = keep }
}

// New creates a new poll monitor.
func New(fetcher Fetcher, subscribers Subscribers, notifier Notifier, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		fetcher:     fetcher,
		subscribers: subscribers,
		notifier:    notifier,
		logger:      logger,
		interval:    DefaultInterval,
		trigger:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run polls until ctx is cancelled. The set of available sessions lives only
// in this loop and is handed from one cycle to the next.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("Poll loop started", "interval", m.interval.String(), "keep_state_on_failure", m.keepState)

	previous := availability.Set{}
	for {
		previous, _ = m.Cycle(ctx, previous)

		if !m.wait(ctx) {
			m.logger.Info("Poll loop stopped", "cycles", m.cycleCount())
			return nil
		}
	}
}

// Trigger asks the loop to start the next cycle without waiting for the
// interval. It returns false if a trigger is already pending.
func (m *Monitor) Trigger() bool {
	select {
	case m.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// LastResult returns the most recent cycle summary, if any cycle has run.
func (m *Monitor) LastResult() (Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.cycles > 0
}

// Cycle runs one fetch, detect, notify pass and returns the set to use as
// previous in the next cycle. A panic anywhere in the pass is recovered and
// logged; previous is then returned unchanged.
func (m *Monitor) Cycle(ctx context.Context, previous availability.Set) (current availability.Set, res Result) {
	res.StartedAt = time.Now()

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Poll cycle panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			current = previous
			res.Error = fmt.Sprintf("panic: %v", r)
		}
		res.Duration = time.Since(res.StartedAt)
		m.record(res)
	}()

	records, ok := m.fetcher.Fetch(ctx)
	res.FetchOK = ok
	res.Fetched = len(records)

	fresh, current := Detect(records, previous)
	res.Available = current.Len()
	res.New = len(fresh)

	if !ok {
		res.Error = "fetch failed"
		if m.keepState {
			m.logger.Warn("Fetch failed, keeping previous availability", "previous", previous.Len())
			res.Available = previous.Len()
			res.New = 0
			m.logSummary(res)
			return previous, res
		}
	}

	if len(fresh) > 0 {
		subs := m.subscribers.List(ctx)
		res.Subscribers = len(subs)
		m.logger.Info("New sessions available",
			"count", len(fresh),
			"subscribers", len(subs))
		res.Failed = len(m.notifier.Notify(ctx, fresh, subs))
	}

	m.logSummary(res)
	return current, res
}

func (m *Monitor) logSummary(res Result) {
	m.logger.Info("Poll cycle completed",
		"fetch_ok", res.FetchOK,
		"fetched", res.Fetched,
		"available", res.Available,
		"new", res.New,
		"failed_subscribers", res.Failed,
		"duration_ms", time.Since(res.StartedAt).Milliseconds())
}

func (m *Monitor) wait(ctx context.Context) bool {
	timer := time.NewTimer(m.interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-m.trigger:
		m.logger.Info("Poll cycle triggered manually")
		return true
	}
}

func (m *Monitor) record(res Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = res
	m.cycles++
}

func (m *Monitor) cycleCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cycles
}
