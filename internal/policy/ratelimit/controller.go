// Package ratelimit implements the per-host adaptive delay and circuit breaker
// consulted before every outbound page request.
package ratelimit

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/store-email-crawler/internal/crawler"
	"github.com/JakeFAU/store-email-crawler/internal/metrics"
)

// State names the breaker phase of a host.
type State string

// Host states.
const (
	StateNormal      State = "normal"
	StateBackoff     State = "backoff"
	StateCircuitOpen State = "circuit_open"
)

// Config tunes the controller. Zero values fall back to the defaults noted per field.
type Config struct {
	// BaseDelay is the floor between consecutive requests to a host (2s).
	BaseDelay time.Duration
	// MaxDelay caps the adaptive delay (60s).
	MaxDelay time.Duration
	// Multiplier grows the delay on every rate-limit signal (2.0).
	Multiplier float64
	// DecayFactor shrinks the delay on every healthy response (0.9).
	DecayFactor float64
	// CircuitThreshold is the consecutive 429 count that opens the circuit (5).
	CircuitThreshold int
	// CircuitCooldown is how long an open circuit refuses traffic (2m).
	CircuitCooldown time.Duration
	// MaxHosts bounds tracked hosts; idle hosts at baseline are evicted first (10000).
	MaxHosts int
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = 60 * time.Second
		if c.MaxDelay < c.BaseDelay {
			c.MaxDelay = c.BaseDelay
		}
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2
	}
	if c.DecayFactor <= 0 || c.DecayFactor >= 1 {
		c.DecayFactor = 0.9
	}
	if c.CircuitThreshold <= 0 {
		c.CircuitThreshold = 5
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = 2 * time.Minute
	}
	if c.MaxHosts <= 0 {
		c.MaxHosts = 10000
	}
	return c
}

// Snapshot is a point-in-time copy of one host's state.
type Snapshot struct {
	Host             string        `json:"host"`
	State            State         `json:"state"`
	Delay            time.Duration `json:"delay"`
	Consecutive429   int           `json:"consecutive_429"`
	CircuitOpenUntil time.Time     `json:"circuit_open_until,omitzero"`
	LastSeen         time.Time     `json:"last_seen"`
}

type hostState struct {
	mu             sync.Mutex
	delay          time.Duration
	consecutive429 int
	openUntil      time.Time
	// halfOpen is set once a cooldown elapses; the next request is the probe.
	halfOpen bool
	probing  bool
	nextSlot time.Time
	lastSeen time.Time
}

// Controller tracks HostRateState per host. The host map has its own lock and
// every host carries a private mutex, so unrelated hosts never contend.
type Controller struct {
	cfg    Config
	now    func() time.Time
	logger *zap.Logger

	mu    sync.RWMutex
	hosts map[string]*hostState
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(c *Controller) { c.now = fn }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New builds a Controller.
func New(cfg Config, opts ...Option) *Controller {
	c := &Controller{
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		logger: zap.NewNop(),
		hosts:  make(map[string]*hostState),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.Named("ratelimit")
	return c
}

// Config returns the effective configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// BeforeRequest reserves the next request slot for host and returns how long
// the caller must wait before sending it. While the circuit is open it fails
// fast with *crawler.CircuitOpenError. Once the cooldown has elapsed exactly
// one probe is admitted; concurrent callers keep failing fast until the probe
// reports back through AfterResponse.
func (c *Controller) BeforeRequest(host string) (time.Duration, error) {
	key := hostKey(host)
	st := c.state(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := c.now()
	st.lastSeen = now
	if !st.openUntil.IsZero() {
		if now.Before(st.openUntil) {
			return 0, &crawler.CircuitOpenError{Host: key, Until: st.openUntil}
		}
		st.openUntil = time.Time{}
		st.halfOpen = true
		st.probing = false
		st.consecutive429 = c.cfg.CircuitThreshold - 1
		c.logger.Info("circuit half-open; admitting probe", zap.String("host", key))
	}
	if st.halfOpen {
		if st.probing {
			return 0, &crawler.CircuitOpenError{Host: key, Until: now}
		}
		st.probing = true
	}

	start := now
	if st.nextSlot.After(start) {
		start = st.nextSlot
	}
	st.nextSlot = start.Add(st.delay)
	wait := start.Sub(now)
	if wait > 0 {
		metrics.ObserveRateLimitDelay(key, wait)
	}
	return wait, nil
}

// Allow reports whether host currently accepts traffic. Callers that slept
// after BeforeRequest re-check here so nothing fires inside a circuit window
// opened by another session in the meantime.
func (c *Controller) Allow(host string) error {
	key := hostKey(host)
	st := c.lookup(key)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.openUntil.IsZero() && c.now().Before(st.openUntil) {
		return &crawler.CircuitOpenError{Host: key, Until: st.openUntil}
	}
	return nil
}

// AfterResponse feeds the outcome of a request back into the host state.
// statusCode 0 reports a transport failure, which is neutral for the delay.
func (c *Controller) AfterResponse(host string, statusCode int, retryAfter time.Duration) {
	key := hostKey(host)
	st := c.state(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := c.now()
	st.lastSeen = now
	wasProbe := st.halfOpen && st.probing

	switch {
	case IsRateLimitSignal(statusCode, retryAfter):
		st.delay = minDuration(time.Duration(float64(st.delay)*c.cfg.Multiplier), c.cfg.MaxDelay)
		if retryAfter > st.delay {
			st.delay = minDuration(retryAfter, c.cfg.MaxDelay)
		}
		st.consecutive429++
		hold := st.delay
		if retryAfter > hold {
			hold = retryAfter
		}
		if next := now.Add(hold); next.After(st.nextSlot) {
			st.nextSlot = next
		}
		if st.consecutive429 >= c.cfg.CircuitThreshold {
			cooldown := c.cfg.CircuitCooldown
			if retryAfter > cooldown {
				cooldown = retryAfter
			}
			st.openUntil = now.Add(cooldown)
			st.halfOpen = false
			st.probing = false
			metrics.ObserveCircuitOpen(key)
			c.logger.Warn("circuit opened",
				zap.String("host", key),
				zap.Int("consecutive_429", st.consecutive429),
				zap.Time("until", st.openUntil),
			)
			return
		}
		c.logger.Debug("rate limited; backing off",
			zap.String("host", key),
			zap.Int("status", statusCode),
			zap.Duration("delay", st.delay),
			zap.Duration("retry_after", retryAfter),
		)
	case isHealthy(statusCode):
		st.consecutive429 = 0
		st.delay = time.Duration(float64(st.delay) * c.cfg.DecayFactor)
		if st.delay < c.cfg.BaseDelay {
			st.delay = c.cfg.BaseDelay
		}
		st.halfOpen = false
		st.probing = false
	default:
		if wasProbe {
			// The probe told us nothing about throttling; let another one through.
			st.probing = false
		}
	}
}

// Snapshot returns the state of host, if tracked.
func (c *Controller) Snapshot(host string) (Snapshot, bool) {
	key := hostKey(host)
	st := c.lookup(key)
	if st == nil {
		return Snapshot{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return c.snapshotLocked(key, st, c.now()), true
}

// Len returns the number of tracked hosts.
func (c *Controller) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.hosts)
}

// IsRateLimitSignal reports whether a response asks the client to slow down:
// a 429, or a 503 that carries Retry-After.
func IsRateLimitSignal(statusCode int, retryAfter time.Duration) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	return statusCode == http.StatusServiceUnavailable && retryAfter > 0
}

// A 404 proves the host answered without throttling.
func isHealthy(statusCode int) bool {
	return (statusCode >= 200 && statusCode < 400) || statusCode == http.StatusNotFound
}

func (c *Controller) snapshotLocked(key string, st *hostState, now time.Time) Snapshot {
	snap := Snapshot{
		Host:           key,
		State:          StateNormal,
		Delay:          st.delay,
		Consecutive429: st.consecutive429,
		LastSeen:       st.lastSeen,
	}
	switch {
	case !st.openUntil.IsZero() && now.Before(st.openUntil):
		snap.State = StateCircuitOpen
		snap.CircuitOpenUntil = st.openUntil
	case !st.openUntil.IsZero() || st.halfOpen || st.consecutive429 > 0 || st.delay > c.cfg.BaseDelay:
		snap.State = StateBackoff
	}
	return snap
}

func (c *Controller) lookup(key string) *hostState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hosts[key]
}

func (c *Controller) state(key string) *hostState {
	if st := c.lookup(key); st != nil {
		return st
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.hosts[key]; ok {
		return st
	}
	if len(c.hosts) >= c.cfg.MaxHosts {
		c.evictLocked()
	}
	st := &hostState{delay: c.cfg.BaseDelay}
	c.hosts[key] = st
	metrics.SetTrackedHosts(len(c.hosts))
	return st
}

// evictLocked drops the least recently seen hosts that sit at baseline,
// bringing the map down to 90% of MaxHosts. Hosts mid-backoff or with an open
// circuit are kept. Caller holds c.mu.
func (c *Controller) evictLocked() {
	type candidate struct {
		key      string
		lastSeen time.Time
	}
	now := c.now()
	var idle []candidate
	for key, st := range c.hosts {
		if !st.mu.TryLock() {
			continue
		}
		if c.snapshotLocked(key, st, now).State == StateNormal && !now.Before(st.nextSlot) {
			idle = append(idle, candidate{key: key, lastSeen: st.lastSeen})
		}
		st.mu.Unlock()
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].lastSeen.Before(idle[j].lastSeen) })
	target := c.cfg.MaxHosts * 9 / 10
	for _, cand := range idle {
		if len(c.hosts) <= target {
			break
		}
		delete(c.hosts, cand.key)
	}
	c.logger.Debug("evicted idle hosts", zap.Int("tracked", len(c.hosts)))
}

func hostKey(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
