// Package endpoint keeps the set of reachable counterparties. Lookups read
// an immutable snapshot and never touch the network; refreshes replace the
// snapshot wholesale on their own schedule.
package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/morezero/route-negotiator/pkg/semver"
)

const logPrefix = "endpoint:cache"

// Endpoint is a reachable counterparty. Subjects maps a message family to
// the subject the counterparty listens on for it.
type Endpoint struct {
	CounterpartyID string            `json:"counterpartyId"`
	Protocol       string            `json:"protocol,omitempty"`
	Subjects       map[string]string `json:"subjects"`
	LastSeen       time.Time         `json:"lastSeen"`
	Static         bool              `json:"static,omitempty"`
}

// SubjectFor returns the subject for family.
func (e Endpoint) SubjectFor(family string) (string, bool) {
	s, ok := e.Subjects[family]
	return s, ok && s != ""
}

// Discoverer lists the counterparties currently reachable. It may block; it
// is only ever called from Refresh.
type Discoverer interface {
	Discover(ctx context.Context) ([]Endpoint, error)
}

// DiscovererFunc adapts a function to Discoverer.
type DiscovererFunc func(ctx context.Context) ([]Endpoint, error)

// Discover calls f.
func (f DiscovererFunc) Discover(ctx context.Context) ([]Endpoint, error) { return f(ctx) }

// Schedule controls the background refresh loop. Jitter is a fraction of
// Interval, e.g. 0.2 spreads refreshes over +/-20%.
type Schedule struct {
	InitialDelay time.Duration
	Interval     time.Duration
	Jitter       float64
}

// DefaultSchedule refreshes every minute starting ten seconds after start.
var DefaultSchedule = Schedule{InitialDelay: 10 * time.Second, Interval: 60 * time.Second, Jitter: 0.2}

type snapshot struct {
	endpoints   map[string]Endpoint
	refreshedAt time.Time
}

// Cache is the endpoint cache.
type Cache struct {
	discoverer Discoverer
	policy     *semver.Policy
	static     []Endpoint
	now        func() time.Time

	refreshMu sync.Mutex
	current   atomic.Pointer[snapshot]
	failures  atomic.Int64
}

// NewCache creates a cache seeded with the static endpoints. policy may be
// nil to accept every protocol version.
func NewCache(d Discoverer, policy *semver.Policy, static []Endpoint) *Cache {
	c := &Cache{
		discoverer: d,
		policy:     policy,
		static:     append([]Endpoint(nil), static...),
		now:        func() time.Time { return time.Now().UTC() },
	}
	c.current.Store(c.build(nil, time.Time{}))
	return c
}

// Locate returns the last known endpoint for counterpartyID.
func (c *Cache) Locate(counterpartyID string) (Endpoint, bool) {
	ep, ok := c.current.Load().endpoints[counterpartyID]
	return ep, ok
}

// Endpoints returns every cached endpoint sorted by counterparty id.
func (c *Cache) Endpoints() []Endpoint {
	snap := c.current.Load()
	out := make([]Endpoint, 0, len(snap.endpoints))
	for _, ep := range snap.endpoints {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CounterpartyID < out[j].CounterpartyID })
	return out
}

// RefreshedAt returns when the last successful refresh finished.
func (c *Cache) RefreshedAt() time.Time {
	return c.current.Load().refreshedAt
}

// ConsecutiveFailures returns the number of refreshes that failed since the
// last success.
func (c *Cache) ConsecutiveFailures() int64 {
	return c.failures.Load()
}

// Refresh replaces the cached set with a fresh discovery. The new set may be
// smaller than the old one. On error the previous snapshot is kept.
func (c *Cache) Refresh(ctx context.Context) (int, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	found, err := c.discoverer.Discover(ctx)
	if err != nil {
		c.failures.Add(1)
		return 0, fmt.Errorf("%s - discovery failed: %w", logPrefix, err)
	}
	snap := c.build(found, c.now())
	c.current.Store(snap)
	c.failures.Store(0)
	slog.Debug(fmt.Sprintf("%s - refreshed, %d reachable (%d discovered)", logPrefix, len(snap.endpoints), len(found)))
	return len(snap.endpoints), nil
}

func (c *Cache) build(found []Endpoint, at time.Time) *snapshot {
	m := make(map[string]Endpoint, len(found)+len(c.static))
	for _, ep := range c.static {
		ep.Static = true
		m[ep.CounterpartyID] = ep
	}
	for _, ep := range found {
		if ep.CounterpartyID == "" {
			continue
		}
		if !c.policy.Accepts(ep.Protocol) {
			slog.Warn(fmt.Sprintf("%s - ignoring %s: protocol %q does not satisfy %s", logPrefix, ep.CounterpartyID, ep.Protocol, c.policy))
			continue
		}
		if prev, ok := m[ep.CounterpartyID]; ok && !prev.Static && semver.Newer(prev.Protocol, ep.Protocol) {
			continue
		}
		ep.Static = false
		m[ep.CounterpartyID] = ep
	}
	return &snapshot{endpoints: m, refreshedAt: at}
}

// Run refreshes on s until ctx is done. Failures are logged and the last
// snapshot stays in place.
func (c *Cache) Run(ctx context.Context, s Schedule) {
	if s.Interval <= 0 {
		s.Interval = DefaultSchedule.Interval
	}
	timer := time.NewTimer(s.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		rctx, cancel := context.WithTimeout(ctx, s.Interval)
		if _, err := c.Refresh(rctx); err != nil && ctx.Err() == nil {
			slog.Warn(fmt.Sprintf("%s - %v (failure %d, keeping last snapshot)", logPrefix, err, c.ConsecutiveFailures()))
		}
		cancel()

		timer.Reset(s.next())
	}
}

func (s Schedule) next() time.Duration {
	if s.Jitter <= 0 {
		return s.Interval
	}
	spread := float64(s.Interval) * s.Jitter
	d := time.Duration(float64(s.Interval) - spread + rand.Float64()*2*spread)
	if d <= 0 {
		return s.Interval
	}
	return d
}
